// Package platform provides the HTTP-backed adapter for the platform API
// consulted by the Auth Pipeline, the Access Policy Engine, and the
// Audit Dispatcher.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nexusgate/mcpbroker/internal/port/outbound"
)

// Client is the outbound.PlatformClient implementation backed by the
// platform's REST API. Every call carries the broker's own service key
// as a bearer credential; the platform authenticates the broker itself,
// separately from whatever identity the broker resolves for the caller.
type Client struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

// New creates a platform API client. baseURL is the platform's API root
// (e.g. "https://platform.example.com/api"); serviceKey authenticates
// the broker to the platform.
func New(baseURL, serviceKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build platform request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("platform request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("platform returned %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode platform response: %w", err)
	}
	return nil
}

// authMeResponse mirrors the platform's /auth/me response shape.
type authMeResponse struct {
	SubjectID string   `json:"subject_id"`
	Name      string   `json:"name"`
	Email     string   `json:"email"`
	Groups    []string `json:"groups"`
	IsAdmin   bool     `json:"is_admin"`
}

// AuthMe validates an opaque API key against the platform's /auth/me
// endpoint, passing the key as the bearer credential of the request.
func (c *Client) AuthMe(ctx context.Context, apiKey string) (*outbound.PlatformIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/me", nil)
	if err != nil {
		return nil, fmt.Errorf("build auth/me request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth/me request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("api key rejected by platform: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("auth/me returned %d", resp.StatusCode)
	}

	var out authMeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode auth/me response: %w", err)
	}
	return &outbound.PlatformIdentity{
		SubjectID: out.SubjectID,
		Name:      out.Name,
		Email:     out.Email,
		Groups:    out.Groups,
		IsAdmin:   out.IsAdmin,
	}, nil
}

// groupPolicyResponse mirrors the platform's per-group policy summary.
type groupPolicyResponse struct {
	Policies []struct {
		Priority        int    `json:"priority"`
		ProviderPattern string `json:"provider_pattern"`
		Condition       string `json:"condition"`
		Action          string `json:"action"`
	} `json:"policies"`
}

// GroupPolicy fetches the access-policy summary for a single group.
func (c *Client) GroupPolicy(ctx context.Context, group string) ([]outbound.PlatformPolicy, error) {
	var out groupPolicyResponse
	if err := c.do(ctx, http.MethodGet, "/groups/"+group+"/policy", nil, &out); err != nil {
		return nil, err
	}
	policies := make([]outbound.PlatformPolicy, 0, len(out.Policies))
	for _, p := range out.Policies {
		policies = append(policies, outbound.PlatformPolicy{
			Priority:        p.Priority,
			ProviderPattern: p.ProviderPattern,
			Condition:       p.Condition,
			Action:          p.Action,
		})
	}
	return policies, nil
}

// IngestAudit POSTs an already-serialized audit record to the platform's
// audit intake. The caller (AuditDispatcher) applies its own timeout.
func (c *Client) IngestAudit(ctx context.Context, payload []byte) error {
	return c.do(ctx, http.MethodPost, "/audit/ingest", bytes.NewReader(payload), nil)
}

var _ outbound.PlatformClient = (*Client)(nil)
