// Package idp provides the HTTP-backed adapter for the Identity
// Provider: JWKS retrieval and the jwt-bearer on-behalf-of grant.
package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nexusgate/mcpbroker/internal/port/outbound"
)

// jwksCacheTTL bounds how long a fetched key set is reused before the
// client asks the IdP again.
const jwksCacheTTL = 10 * time.Minute

// Client is the outbound.IdPClient implementation backed by the
// configured tenant's OAuth2/OIDC endpoints.
type Client struct {
	jwksURL      string
	tokenURL     string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu       sync.Mutex
	cached   []outbound.JWK
	cachedAt time.Time
}

// New creates an IdP client. jwksURL serves the tenant's signing keys;
// tokenURL accepts the jwt-bearer grant used for on-behalf-of exchange.
func New(jwksURL, tokenURL, clientID, clientSecret string, timeout time.Duration) *Client {
	return &Client{
		jwksURL:      jwksURL,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

// jwksDocument mirrors the standard JWKS document shape.
type jwksDocument struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

// JWKS returns the current signing keys, refreshing from the IdP when
// the cache has expired.
func (c *Client) JWKS(ctx context.Context) ([]outbound.JWK, error) {
	c.mu.Lock()
	if len(c.cached) > 0 && time.Since(c.cachedAt) < jwksCacheTTL {
		keys := c.cached
		c.mu.Unlock()
		return keys, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build jwks request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode jwks document: %w", err)
	}

	keys := make([]outbound.JWK, 0, len(doc.Keys))
	for _, k := range doc.Keys {
		keys = append(keys, outbound.JWK{Kid: k.Kid, Kty: k.Kty, N: k.N, E: k.E})
	}

	c.mu.Lock()
	c.cached = keys
	c.cachedAt = time.Now()
	c.mu.Unlock()

	return keys, nil
}

// oboTokenResponse mirrors the OAuth2 token endpoint's token response.
type oboTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error"`
}

// grantTypeJWTBearer is the urn registered for the jwt-bearer grant
// (RFC 7523), used here for on-behalf-of token exchange.
const grantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// ExchangeOnBehalfOf presents assertion as a jwt-bearer grant at the
// tenant's token endpoint and returns the downstream-audience token.
func (c *Client) ExchangeOnBehalfOf(ctx context.Context, assertion, scope string) (*outbound.OBOTokenResult, error) {
	form := url.Values{}
	form.Set("grant_type", grantTypeJWTBearer)
	form.Set("assertion", assertion)
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	if scope != "" {
		form.Set("scope", scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build obo exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("obo exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	var out oboTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode obo exchange response: %w", err)
	}
	if resp.StatusCode >= 300 || out.Error != "" {
		return nil, fmt.Errorf("obo exchange rejected: status %d error %q", resp.StatusCode, out.Error)
	}

	return &outbound.OBOTokenResult{
		AccessToken: out.AccessToken,
		ExpiresIn:   out.ExpiresIn,
	}, nil
}

var _ outbound.IdPClient = (*Client)(nil)
