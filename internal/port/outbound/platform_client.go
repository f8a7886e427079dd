// Package outbound defines the outbound port interfaces the broker's
// services depend on for everything beyond the upstream MCP children.
package outbound

import "context"

// PlatformIdentity is the identity information the platform API returns
// for a validated opaque API key (Auth Pipeline branch 3).
type PlatformIdentity struct {
	SubjectID string
	Name      string
	Email     string
	Groups    []string
	IsAdmin   bool
}

// PlatformPolicy is a single rule in a group's access-policy summary, as
// returned by the platform API: a provider-name glob pattern gated by an
// optional CEL condition, evaluated in ascending Priority order (§4.7).
type PlatformPolicy struct {
	Priority        int
	ProviderPattern string
	Condition       string
	Action          string // "allow" or "deny"
}

// PlatformClient is the outbound port for the platform API consulted by
// the Auth Pipeline (API-key validation) and the Access Policy Engine
// (per-group policy summaries), and used as the audit ingestion target.
type PlatformClient interface {
	// AuthMe validates an opaque API key and returns the identity it
	// resolves to. Returns an error if the key is unknown or revoked.
	AuthMe(ctx context.Context, apiKey string) (*PlatformIdentity, error)

	// GroupPolicy returns the access-policy summary for a single group,
	// used by the Access Policy Engine's per-group consultation.
	GroupPolicy(ctx context.Context, group string) ([]PlatformPolicy, error)

	// IngestAudit POSTs a batch of already-serialized audit records to
	// the platform's audit intake. Callers apply their own timeout; this
	// method does not retry.
	IngestAudit(ctx context.Context, payload []byte) error
}
