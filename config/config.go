package config

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/gommon/random"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// SysConfig system config
type SysConfig struct {
	Appid    string `yaml:"appid"`
	Version  string `yaml:"version"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	Env      string `yaml:"env"`
	Debug    bool   `yaml:"debug"`
}

// WebConfig http server config
type WebConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Secret      string `yaml:"secret"`
	BodyLimit   string `yaml:"body_limit"`
	FrontendURL string `yaml:"frontend_url"`
	BackendURL  string `yaml:"backend_url"`
}

// DBConfig database config
type DBConfig struct {
	Type     string `yaml:"type"` // postgres or sqlite
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	SSLMode  string `yaml:"sslmode"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
	Debug    bool   `yaml:"debug"`
}

// LogConfig logger config
type LogConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

// AuthConfig verifies bearer tokens issued by the identity provider.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// WhatsAppConfig tunes the live client layer.
type WhatsAppConfig struct {
	// PairingTTL expires sessions stuck in qr. Zero disables expiry.
	PairingTTL     time.Duration `yaml:"pairing_ttl"`
	EventBuffer    int           `yaml:"event_buffer"`
	ForwardWorkers int           `yaml:"forward_workers"`
	ClientDebug    bool          `yaml:"client_debug"`
}

// CRMConfig points at the CRM marketplace and its messaging API.
type CRMConfig struct {
	BaseURL        string        `yaml:"base_url"`
	MarketplaceURL string        `yaml:"marketplace_url"`
	ClientID       string        `yaml:"client_id"`
	ClientSecret   string        `yaml:"client_secret"`
	Scopes         []string      `yaml:"scopes"`
	APIVersion     string        `yaml:"api_version"`
	Timeout        time.Duration `yaml:"timeout"`
}

// LimitRule allows Max requests per Window for one client address.
type LimitRule struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

type RateLimitConfig struct {
	Enabled bool      `yaml:"enabled"`
	Message LimitRule `yaml:"message"`
	Session LimitRule `yaml:"session"`
	OAuth   LimitRule `yaml:"oauth"`
	API     LimitRule `yaml:"api"`
}

// CorsConfig lists extra origins. Wildcard entries such as
// "https://*.gohighlevel.com" match any subdomain.
type CorsConfig struct {
	AllowOrigins []string `yaml:"allow_origins"`
}

type AppConfig struct {
	System    SysConfig       `yaml:"system"`
	Web       WebConfig       `yaml:"web"`
	Database  DBConfig        `yaml:"database"`
	Logger    LogConfig       `yaml:"logger"`
	Auth      AuthConfig      `yaml:"auth"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	CRM       CRMConfig       `yaml:"crm"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cors      CorsConfig      `yaml:"cors"`
}

func (c *AppConfig) GetLogDir() string {
	return path.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return path.Join(c.System.Workdir, "data")
}

func (c *AppConfig) IsProduction() bool {
	return c.System.Env == EnvProduction
}

func (c *AppConfig) initDirs() {
	_ = os.MkdirAll(c.GetLogDir(), 0o755)
	_ = os.MkdirAll(c.GetDataDir(), 0o755)
}

// Dump renders the effective config as yaml, with secrets masked.
func (c *AppConfig) Dump() string {
	masked := *c
	masked.Auth.JWTSecret = mask(c.Auth.JWTSecret)
	masked.Web.Secret = mask(c.Web.Secret)
	masked.CRM.ClientSecret = mask(c.CRM.ClientSecret)
	masked.Database.Passwd = mask(c.Database.Passwd)
	masked.Database.URL = mask(c.Database.URL)
	bs, err := yaml.Marshal(&masked)
	if err != nil {
		return err.Error()
	}
	return string(bs)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "******"
}

func setEnvValue(name string, val *string) {
	if evalue := strings.TrimSpace(os.Getenv(name)); evalue != "" {
		*val = evalue
	}
}

func setEnvBoolValue(name string, val *bool) {
	if evalue := os.Getenv(name); evalue != "" {
		*val = cast.ToBool(evalue)
	}
}

func setEnvIntValue(name string, val *int) {
	if evalue := os.Getenv(name); evalue != "" {
		*val = cast.ToInt(evalue)
	}
}

func setEnvDurationValue(name string, val *time.Duration) {
	if evalue := os.Getenv(name); evalue != "" {
		*val = cast.ToDuration(evalue)
	}
}

func setEnvListValue(name string, val *[]string) {
	if evalue := os.Getenv(name); evalue != "" {
		var items []string
		for _, s := range strings.Split(evalue, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		*val = items
	}
}

func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		System: SysConfig{
			Appid:    "wabridge",
			Version:  "1.0.0",
			Location: "UTC",
			Workdir:  "/var/wabridge",
			Env:      EnvDevelopment,
		},
		Web: WebConfig{
			Host:        "0.0.0.0",
			Port:        10000,
			Secret:      newSecret(),
			BodyLimit:   "10M",
			FrontendURL: "http://localhost:5173",
			BackendURL:  "http://localhost:10000",
		},
		Database: DBConfig{
			Type:     "postgres",
			Host:     "127.0.0.1",
			Port:     5432,
			Name:     "wabridge",
			User:     "postgres",
			Passwd:   "postgres",
			SSLMode:  "disable",
			MaxConn:  50,
			IdleConn: 10,
		},
		Logger: LogConfig{
			Mode:     "development",
			Filename: "/var/wabridge/logs/wabridge.log",
		},
		WhatsApp: WhatsAppConfig{
			EventBuffer:    64,
			ForwardWorkers: 16,
		},
		CRM: CRMConfig{
			BaseURL:        "https://services.leadconnectorhq.com",
			MarketplaceURL: "https://marketplace.gohighlevel.com",
			Scopes: []string{
				"conversations.readonly",
				"conversations.write",
				"conversations/message.readonly",
				"conversations/message.write",
				"locations.readonly",
			},
			APIVersion: "2021-04-15",
			Timeout:    15 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Message: LimitRule{Max: 100, Window: 15 * time.Minute},
			Session: LimitRule{Max: 10, Window: 5 * time.Minute},
			OAuth:   LimitRule{Max: 20, Window: 15 * time.Minute},
			API:     LimitRule{Max: 1000, Window: 15 * time.Minute},
		},
		Cors: CorsConfig{
			AllowOrigins: []string{
				"https://*.gohighlevel.com",
				"https://*.leadconnectorhq.com",
			},
		},
	}
}

// LoadConfig reads cfile (or wabridge.yml, then /etc/wabridge.yml) on top
// of the defaults, then applies .env and environment overrides.
func LoadConfig(cfile string) *AppConfig {
	if cfile == "" {
		cfile = "wabridge.yml"
	}
	if !fileExists(cfile) {
		cfile = "/etc/wabridge.yml"
	}
	cfg := DefaultAppConfig()
	generated := cfg.Web.Secret
	if fileExists(cfile) {
		data, err := os.ReadFile(cfile)
		if err != nil {
			panic(fmt.Errorf("read config %s: %w", cfile, err))
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			panic(fmt.Errorf("parse config %s: %w", cfile, err))
		}
	}

	// a missing .env is the normal case outside development
	_ = godotenv.Load()
	ApplyEnv(cfg)
	unset := strings.TrimSpace(cfg.Web.Secret) == "" || cfg.Web.Secret == generated
	if unset && cfg.IsProduction() {
		panic(fmt.Errorf("web.secret (WABRIDGE_WEB_SECRET) must be set in %s", EnvProduction))
	}
	if strings.TrimSpace(cfg.Web.Secret) == "" {
		cfg.Web.Secret = newSecret()
	}
	cfg.initDirs()
	return cfg
}

// newSecret returns a per process cookie key. Sessions signed with it do
// not survive a restart.
func newSecret() string {
	return random.String(48, random.Alphanumeric)
}

// ApplyEnv overrides cfg from the process environment. The short legacy
// names are honoured so existing deployments keep working.
func ApplyEnv(cfg *AppConfig) {
	setEnvValue("NODE_ENV", &cfg.System.Env)
	setEnvValue("WABRIDGE_SYSTEM_ENV", &cfg.System.Env)
	setEnvValue("WABRIDGE_SYSTEM_WORKER_DIR", &cfg.System.Workdir)
	setEnvValue("WABRIDGE_SYSTEM_LOCATION", &cfg.System.Location)
	setEnvBoolValue("WABRIDGE_SYSTEM_DEBUG", &cfg.System.Debug)

	setEnvValue("WABRIDGE_WEB_HOST", &cfg.Web.Host)
	setEnvIntValue("PORT", &cfg.Web.Port)
	setEnvIntValue("WABRIDGE_WEB_PORT", &cfg.Web.Port)
	setEnvValue("WABRIDGE_WEB_SECRET", &cfg.Web.Secret)
	setEnvValue("FRONTEND_URL", &cfg.Web.FrontendURL)
	setEnvValue("BACKEND_URL", &cfg.Web.BackendURL)

	setEnvValue("WABRIDGE_DB_TYPE", &cfg.Database.Type)
	setEnvValue("DATABASE_URL", &cfg.Database.URL)
	setEnvValue("WABRIDGE_DB_URL", &cfg.Database.URL)
	setEnvValue("WABRIDGE_DB_HOST", &cfg.Database.Host)
	setEnvIntValue("WABRIDGE_DB_PORT", &cfg.Database.Port)
	setEnvValue("WABRIDGE_DB_NAME", &cfg.Database.Name)
	setEnvValue("WABRIDGE_DB_USER", &cfg.Database.User)
	setEnvValue("WABRIDGE_DB_PWD", &cfg.Database.Passwd)
	setEnvValue("WABRIDGE_DB_SSLMODE", &cfg.Database.SSLMode)
	setEnvBoolValue("WABRIDGE_DB_DEBUG", &cfg.Database.Debug)

	setEnvValue("WABRIDGE_LOGGER_MODE", &cfg.Logger.Mode)
	setEnvBoolValue("WABRIDGE_LOGGER_FILE_ENABLE", &cfg.Logger.FileEnable)

	setEnvValue("SUPABASE_JWT_SECRET", &cfg.Auth.JWTSecret)
	setEnvValue("WABRIDGE_AUTH_JWT_SECRET", &cfg.Auth.JWTSecret)

	setEnvDurationValue("WABRIDGE_WHATSAPP_PAIRING_TTL", &cfg.WhatsApp.PairingTTL)
	setEnvIntValue("WABRIDGE_WHATSAPP_FORWARD_WORKERS", &cfg.WhatsApp.ForwardWorkers)
	setEnvBoolValue("WABRIDGE_WHATSAPP_CLIENT_DEBUG", &cfg.WhatsApp.ClientDebug)

	setEnvValue("GHL_CLIENT_ID", &cfg.CRM.ClientID)
	setEnvValue("GHL_CLIENT_SECRET", &cfg.CRM.ClientSecret)
	setEnvValue("WABRIDGE_CRM_BASE_URL", &cfg.CRM.BaseURL)
	setEnvValue("WABRIDGE_CRM_MARKETPLACE_URL", &cfg.CRM.MarketplaceURL)
	setEnvListValue("WABRIDGE_CRM_SCOPES", &cfg.CRM.Scopes)

	setEnvBoolValue("WABRIDGE_RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	setEnvListValue("WABRIDGE_CORS_ALLOW_ORIGINS", &cfg.Cors.AllowOrigins)
}

func fileExists(file string) bool {
	info, err := os.Stat(file)
	return err == nil && !info.IsDir()
}
