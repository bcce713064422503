package crm

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guonaihong/gout"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const DefaultMarketplaceURL = "https://marketplace.gohighlevel.com"

var DefaultScopes = []string{
	"locations.readonly", "locations.write",
	"contacts.readonly", "contacts.write",
	"conversations.read", "conversations.write",
	"businesses.read",
	"users.read", "users.write",
	"medias.read", "medias.write",
}

// OAuthState travels through the marketplace redirect and back.
type OAuthState struct {
	ReturnURL string `json:"return_url"`
	UserID    string `json:"user_id,omitempty"`
	Nonce     string `json:"nonce"`
}

func (s OAuthState) Encode() (string, error) {
	bs, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(bs), nil
}

func DecodeOAuthState(raw string) (*OAuthState, error) {
	var s OAuthState
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, errors.Wrap(err, "invalid oauth state")
	}
	return &s, nil
}

// TokenResponse is the token endpoint reply.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	UserType     string `json:"userType"`
	CompanyID    string `json:"companyId"`
	LocationID   string `json:"locationId"`
	UserID       string `json:"userId"`
}

// ExpiresAt converts ExpiresIn to an absolute time.
func (t *TokenResponse) ExpiresAt(now time.Time) time.Time {
	if t.ExpiresIn <= 0 {
		return now
	}
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// OAuthClient runs the marketplace authorization code flow.
type OAuthClient struct {
	cfg         config.CRMConfig
	redirectURI string
}

func NewOAuthClient(cfg config.CRMConfig, redirectURI string) *OAuthClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MarketplaceURL == "" {
		cfg.MarketplaceURL = DefaultMarketplaceURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &OAuthClient{cfg: cfg, redirectURI: redirectURI}
}

func (o *OAuthClient) Configured() bool {
	return o.cfg.ClientID != "" && o.cfg.ClientSecret != ""
}

// AuthorizeURL is where the browser is sent to choose a location.
func (o *OAuthClient) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", o.cfg.ClientID)
	q.Set("redirect_uri", o.redirectURI)
	q.Set("scope", strings.Join(o.cfg.Scopes, " "))
	q.Set("state", state)
	return strings.TrimRight(o.cfg.MarketplaceURL, "/") + "/oauth/chooselocation?" + q.Encode()
}

// ExchangeCode trades an authorization code for tokens.
func (o *OAuthClient) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	var (
		resp   TokenResponse
		status int
		body   string
	)
	err := gout.POST(strings.TrimRight(o.cfg.BaseURL, "/")+"/oauth/token").
		WithContext(ctx).
		SetTimeout(o.cfg.Timeout).
		SetHeader(gout.H{"Accept": "application/json"}).
		SetWWWForm(gout.H{
			"client_id":     o.cfg.ClientID,
			"client_secret": o.cfg.ClientSecret,
			"grant_type":    "authorization_code",
			"code":          code,
			"redirect_uri":  o.redirectURI,
		}).
		BindBody(&body).
		Code(&status).
		Do()
	if err != nil {
		return nil, errors.Wrap(err, "oauth token exchange")
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, errors.Errorf("oauth token exchange: status %d: %s", status, truncate(body, 256))
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, errors.Wrap(err, "oauth token response")
	}
	if resp.AccessToken == "" {
		return nil, errors.New("oauth token response without access_token")
	}
	return &resp, nil
}
