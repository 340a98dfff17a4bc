package keyvault

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultAPIVersion = "7.4"

// TokenSource supplies bearer tokens for vault requests. Invalidate drops
// the cached token so the next Token call re-authenticates.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// SecretBundle is the vault's secret read response. Kid is set when the
// secret backs a certificate, in which case Value holds PKCS#12 or PEM
// material containing the private key.
type SecretBundle struct {
	Value       string `json:"value"`
	ID          string `json:"id"`
	Kid         string `json:"kid"`
	ContentType string `json:"contentType"`
}

// CertificateBundle is the vault's certificate read response. Cer is the
// DER-encoded public certificate.
type CertificateBundle struct {
	ID  string `json:"id"`
	Cer []byte `json:"cer"`
}

// Version extracts the version segment from a bundle identifier URL
// (…/secrets/<name>/<version>). Empty when the ID has no version.
func Version(id string) string {
	parts := strings.Split(strings.Trim(id, "/"), "/")
	for i, p := range parts {
		switch p {
		case "secrets", "certificates", "keys":
			if i+2 < len(parts) {
				return parts[i+2]
			}
			return ""
		}
	}
	return ""
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithRetry sets the transient-failure retry policy: total attempts per
// fetch and the base backoff delay.
func WithRetry(attempts int, base time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = attempts
		c.baseDelay = base
	}
}

// WithAPIVersion overrides the vault REST API version.
func WithAPIVersion(v string) Option {
	return func(c *Client) { c.apiVersion = v }
}

// Client reads secrets and certificates from an Azure Key Vault over REST.
type Client struct {
	baseURL     string
	tokens      TokenSource
	client      *http.Client
	apiVersion  string
	maxAttempts int
	baseDelay   time.Duration
}

func NewClient(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		tokens:      tokens,
		client:      &http.Client{Timeout: 10 * time.Second},
		apiVersion:  defaultAPIVersion,
		maxAttempts: 3,
		baseDelay:   200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetSecret reads one secret version (latest when version is empty).
func (c *Client) GetSecret(ctx context.Context, name, version string) (*SecretBundle, error) {
	var bundle SecretBundle
	if err := c.getJSON(ctx, "/secrets/"+url.PathEscape(name), version, name, &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// GetCertificate reads one certificate version (latest when version is empty).
func (c *Client) GetCertificate(ctx context.Context, name, version string) (*CertificateBundle, error) {
	var bundle CertificateBundle
	if err := c.getJSON(ctx, "/certificates/"+url.PathEscape(name), version, name, &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// getJSON performs an authenticated GET with bounded exponential backoff.
// Only transient failures are retried; everything else is permanent and
// aborts immediately.
func (c *Client) getJSON(ctx context.Context, path, version, key string, out interface{}) error {
	reqURL := c.baseURL + path
	if version != "" {
		reqURL += "/" + url.PathEscape(version)
	}
	reqURL += "?api-version=" + c.apiVersion

	op := func() error {
		err := c.doOnce(ctx, reqURL, key, out)
		if err == nil {
			return nil
		}
		if IsKind(err, KindTransient) {
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.baseDelay
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0
	retries := uint64(0)
	if c.maxAttempts > 1 {
		retries = uint64(c.maxAttempts - 1)
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retries), ctx))
}

// doOnce issues a single request, re-authenticating exactly once when the
// vault rejects the token.
func (c *Client) doOnce(ctx context.Context, reqURL, key string, out interface{}) error {
	reauthed := false
	for {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return E(KindConfig, "build vault request", key, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.client.Do(req)
		if err != nil {
			return E(KindTransient, "vault request", key, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && !reauthed {
			resp.Body.Close()
			c.tokens.Invalidate()
			reauthed = true
			continue
		}

		err = decodeResponse(resp, key, out)
		resp.Body.Close()
		return err
	}
}

type vaultError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeResponse(resp *http.Response, key string, out interface{}) error {
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return E(KindTransient, "decode vault response", key, err)
		}
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var ve vaultError
	detail := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &ve) == nil && ve.Error.Code != "" {
		detail = fmt.Sprintf("%s: %s", ve.Error.Code, ve.Error.Message)
	}
	err := fmt.Errorf("vault returned HTTP %d: %s", resp.StatusCode, detail)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return E(KindNotFound, "read vault entry", key, err)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return E(KindAuth, "read vault entry", key, err)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return E(KindTransient, "read vault entry", key, err)
	default:
		return E(KindConfig, "read vault entry", key, err)
	}
}
