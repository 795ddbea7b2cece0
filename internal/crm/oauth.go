package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/clinicsync/syncd/internal/remote"
)

const defaultAuthBaseURL = "https://marketplace.gohighlevel.com"

// TokenGrant is the response of an OAuth token grant.
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	UserType     string `json:"userType"`
	CompanyID    string `json:"companyId"`
	UserID       string `json:"userId"`
	LocationID   string `json:"locationId"`
}

// OAuthConfig carries the app registration settings for the CRM marketplace.
type OAuthConfig struct {
	BaseURL      string // API base, serves /oauth/token
	AuthBaseURL  string // marketplace base, serves the choose-location page
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scope        string
	Timeout      time.Duration
}

// OAuth performs the CRM's OAuth2 grants. It holds no token state; the
// credential manager owns persistence.
type OAuth struct {
	cfg   OAuthConfig
	httpc *http.Client
}

// NewOAuth builds an OAuth grant client.
func NewOAuth(cfg OAuthConfig) *OAuth {
	if cfg.AuthBaseURL == "" {
		cfg.AuthBaseURL = defaultAuthBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &OAuth{cfg: cfg, httpc: &http.Client{Timeout: cfg.Timeout}}
}

// ConnectURL returns the marketplace choose-location URL the operator is
// redirected to when starting the handshake.
func (o *OAuth) ConnectURL() string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("redirect_uri", o.cfg.RedirectURI)
	q.Set("client_id", o.cfg.ClientID)
	q.Set("scope", o.cfg.Scope)
	return o.cfg.AuthBaseURL + "/oauth/chooselocation?" + q.Encode()
}

// Exchange trades an authorization code for a token pair.
func (o *OAuth) Exchange(ctx context.Context, code string) (*TokenGrant, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", o.cfg.ClientID)
	form.Set("client_secret", o.cfg.ClientSecret)
	form.Set("redirect_uri", o.cfg.RedirectURI)
	form.Set("code", code)
	return o.grant(ctx, form)
}

// Refresh trades a refresh token for a fresh token pair.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", o.cfg.ClientID)
	form.Set("client_secret", o.cfg.ClientSecret)
	form.Set("refresh_token", refreshToken)
	return o.grant(ctx, form)
}

func (o *OAuth) grant(ctx context.Context, form url.Values) (*TokenGrant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := o.httpc.Do(req)
	if err != nil {
		return nil, remote.WrapTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, remote.Classify(resp, string(msg))
	}

	var grant TokenGrant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("decode token grant: %w", err)
	}
	if grant.AccessToken == "" {
		return nil, &remote.Error{Kind: remote.Unauthorized, Msg: "token grant response missing access_token"}
	}
	return &grant, nil
}
