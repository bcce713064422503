package app

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/talkincode/wabridge/config"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// IsSQLite reports whether the configured database is the embedded sqlite
// file rather than postgres.
func IsSQLite(cfg config.DBConfig) bool {
	t := strings.ToLower(cfg.Type)
	return t == "sqlite" || t == "sqlite3"
}

// postgresDSN prefers the connection url and falls back to the discrete
// fields.
func postgresDSN(cfg config.DBConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}
	sslmode := cfg.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Passwd, cfg.Name, sslmode)
}

func sqlitePath(cfg config.DBConfig, workdir string) string {
	name := cfg.Name
	if name == "" {
		name = "wabridge.db"
	}
	if path.IsAbs(name) {
		return name
	}
	return path.Join(workdir, "data", name)
}

func getDatabase(cfg config.DBConfig, workdir string) *gorm.DB {
	level := logger.Warn
	if cfg.Debug {
		level = logger.Info
	}
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(level)}

	var dialector gorm.Dialector
	if IsSQLite(cfg) {
		file := sqlitePath(cfg, workdir)
		if err := os.MkdirAll(path.Dir(file), 0o755); err != nil {
			zap.S().Fatalf("create sqlite dir: %v", err)
		}
		dialector = sqlite.Open(fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", file))
	} else {
		dialector = postgres.Open(postgresDSN(cfg))
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		zap.S().Fatalf("open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		zap.S().Fatalf("database handle: %v", err)
	}
	if IsSQLite(cfg) {
		// sqlite allows one writer at a time
		sqlDB.SetMaxOpenConns(1)
	} else {
		maxConn := cfg.MaxConn
		if maxConn <= 0 {
			maxConn = 100
		}
		idleConn := cfg.IdleConn
		if idleConn <= 0 {
			idleConn = 10
		}
		sqlDB.SetMaxOpenConns(maxConn)
		sqlDB.SetMaxIdleConns(idleConn)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	return db
}
