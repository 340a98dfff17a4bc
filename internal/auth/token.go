package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xabxx/acs-keyvault-agent/internal/keyvault"
)

// expirySkew is how early a cached token is considered expired, so a token
// that dies mid-request is refreshed before use instead.
const expirySkew = 30 * time.Second

type token struct {
	accessToken string
	expiresAt   time.Time
}

func (t *token) valid() bool {
	return t != nil && t.accessToken != "" && time.Now().Add(expirySkew).Before(t.expiresAt)
}

// TokenSource exchanges a service-principal credential for bearer tokens at
// the identity endpoint and caches the result until expiry. It satisfies
// keyvault.TokenSource.
type TokenSource struct {
	authority string
	resource  string
	cred      *Credential
	client    *http.Client

	mu  sync.Mutex
	tok *token
}

// NewTokenSource builds a token source for one tenant. authorityServer is
// the identity endpoint root; the tenant from cred is appended to it.
func NewTokenSource(authorityServer, resource string, cred *Credential) *TokenSource {
	return &TokenSource{
		authority: strings.TrimRight(authorityServer, "/") + "/" + cred.TenantID,
		resource:  resource,
		cred:      cred,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Token returns a cached token or acquires a fresh one.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tok.valid() {
		return s.tok.accessToken, nil
	}

	log.Debug().Str("authority", s.authority).Msg("acquiring access token")
	tok, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	s.tok = tok
	return tok.accessToken, nil
}

// Invalidate drops the cached token. The vault client calls this once when
// a request comes back 401 so the follow-up re-authenticates.
func (s *TokenSource) Invalidate() {
	s.mu.Lock()
	s.tok = nil
	s.mu.Unlock()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
	ExpiresOn   string `json:"expires_on"`
}

func (s *TokenSource) fetch(ctx context.Context) (*token, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {s.cred.ClientID},
		"client_secret": {s.cred.ClientSecret},
		"resource":      {s.resource},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.authority+"/oauth2/token",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, keyvault.E(keyvault.KindConfig, "build token request", "", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, keyvault.E(keyvault.KindTransient, "token request", "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, keyvault.E(keyvault.KindTransient, "read token response", "", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("identity endpoint returned HTTP %d: %s", resp.StatusCode, truncate(body, 256))
		if resp.StatusCode >= 500 {
			return nil, keyvault.E(keyvault.KindTransient, "acquire token", "", err)
		}
		return nil, keyvault.E(keyvault.KindAuth, "acquire token", "", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, keyvault.E(keyvault.KindAuth, "parse token response", "", err)
	}
	if tr.AccessToken == "" {
		return nil, keyvault.E(keyvault.KindAuth, "parse token response", "",
			fmt.Errorf("identity endpoint returned no access_token"))
	}

	return &token{accessToken: tr.AccessToken, expiresAt: expiry(tr)}, nil
}

// expiry prefers the absolute expires_on epoch, falling back to the
// relative expires_in, then to a conservative 5 minutes.
func expiry(tr tokenResponse) time.Time {
	if n, err := strconv.ParseInt(tr.ExpiresOn, 10, 64); err == nil && n > 0 {
		return time.Unix(n, 0)
	}
	if n, err := strconv.ParseInt(tr.ExpiresIn, 10, 64); err == nil && n > 0 {
		return time.Now().Add(time.Duration(n) * time.Second)
	}
	return time.Now().Add(5 * time.Minute)
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
