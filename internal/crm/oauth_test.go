package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/clinicsync/syncd/internal/remote"
)

func testOAuth(t *testing.T, handler http.Handler) *OAuth {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOAuth(OAuthConfig{
		BaseURL:      srv.URL,
		AuthBaseURL:  "https://marketplace.example.com",
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		RedirectURI:  "https://sync.example.com/oauth/callback",
		Scope:        "contacts.readonly contacts.write",
	})
}

func TestOAuth_ConnectURL(t *testing.T) {
	o := testOAuth(t, http.NewServeMux())
	u, err := url.Parse(o.ConnectURL())
	if err != nil {
		t.Fatalf("invalid connect URL: %v", err)
	}
	if u.Host != "marketplace.example.com" || u.Path != "/oauth/chooselocation" {
		t.Errorf("unexpected connect URL: %s", u)
	}
	q := u.Query()
	if q.Get("response_type") != "code" || q.Get("client_id") != "client-1" {
		t.Errorf("unexpected query: %v", q)
	}
	if q.Get("redirect_uri") != "https://sync.example.com/oauth/callback" {
		t.Errorf("unexpected redirect_uri: %s", q.Get("redirect_uri"))
	}
}

func TestOAuth_Exchange(t *testing.T) {
	var form url.Values
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
			t.Errorf("expected form content type, got %q", ct)
		}
		r.ParseForm()
		form = r.PostForm
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-new",
			"refresh_token": "rt-new",
			"expires_in":    86400,
			"locationId":    "loc-1",
			"userType":      "Location",
		})
	})

	o := testOAuth(t, mux)
	grant, err := o.Exchange(context.Background(), "auth-code-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if form.Get("grant_type") != "authorization_code" || form.Get("code") != "auth-code-1" {
		t.Errorf("unexpected form: %v", form)
	}
	if form.Get("redirect_uri") == "" {
		t.Error("authorization_code grant must carry redirect_uri")
	}
	if grant.AccessToken != "at-new" || grant.LocationID != "loc-1" || grant.ExpiresIn != 86400 {
		t.Errorf("unexpected grant: %+v", grant)
	}
}

func TestOAuth_Refresh(t *testing.T) {
	var form url.Values
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		form = r.PostForm
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-2",
			"refresh_token": "rt-2",
			"expires_in":    86400,
		})
	})

	o := testOAuth(t, mux)
	grant, err := o.Refresh(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "rt-1" {
		t.Errorf("unexpected form: %v", form)
	}
	if grant.AccessToken != "at-2" || grant.RefreshToken != "rt-2" {
		t.Errorf("unexpected grant: %+v", grant)
	}
}

func TestOAuth_RejectedRefreshIsUnauthorized(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
	})

	o := testOAuth(t, mux)
	_, err := o.Refresh(context.Background(), "stale")
	if !remote.IsKind(err, remote.Unauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestOAuth_MissingAccessTokenRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"expires_in": 86400})
	})

	o := testOAuth(t, mux)
	_, err := o.Exchange(context.Background(), "code")
	if !remote.IsKind(err, remote.Unauthorized) {
		t.Fatalf("expected unauthorized for empty grant, got %v", err)
	}
}
