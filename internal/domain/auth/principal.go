package auth

// CredentialKind tags which branch of the classification chain produced
// a Principal, and therefore which credential variant it carries.
type CredentialKind string

const (
	// CredentialNone is the no-Authorization-header local admin branch.
	CredentialNone CredentialKind = "none"
	// CredentialServicePrincipal covers both the awc_system_ branch and
	// the exact-match internal/workflow-runner service key branch.
	CredentialServicePrincipal CredentialKind = "service_principal"
	// CredentialUserAPIKey is the opaque awc_ API key branch, validated
	// against the platform API.
	CredentialUserAPIKey CredentialKind = "user_api_key"
	// CredentialUserAccessToken covers both the locally-signed HMAC
	// token branch and the IdP-signed JWKS-verified token branch.
	CredentialUserAccessToken CredentialKind = "user_access_token"
)

// Principal is the authenticated caller derived from a single HTTP
// request. It does not outlive the request it was built for.
type Principal struct {
	// SubjectID is the caller's stable identifier (oid/sub, service
	// name, or "system-admin").
	SubjectID string
	// DisplayName is a human-readable handle (preferred_username/upn/
	// email, or the service principal's name).
	DisplayName string
	// Email is the caller's email address, when known.
	Email string
	// Groups is the caller's group membership, used by the Access
	// Policy Engine's per-group platform policy lookup.
	Groups []string
	// IsAdmin grants Access Policy Engine bypass and admin-only gates.
	IsAdmin bool

	// Credential identifies which branch of §4.5 produced this
	// Principal and therefore which credential variant below is set.
	Credential CredentialKind
	// AssertionToken is the raw bearer token usable as an OBO
	// assertion (set only for CredentialUserAccessToken when the
	// token came from the IdP, i.e. branch 6 — locally-signed tokens
	// carry no IdP-recognized audience and are not usable assertions).
	AssertionToken string
	// IdentityToken is the X-Azure-ID-Token header value, preferred
	// over AssertionToken for the OBO exchange because it carries the
	// app's own audience.
	IdentityToken string
	// APIKey is the raw (unhashed) API key presented by the caller,
	// when the credential variant is CredentialUserAPIKey. Copied into
	// serverless tool arguments by the Router when requested.
	APIKey string

	// ClaimSource records which claim name won the fallback sequence
	// for SubjectID and DisplayName, for structured logging — never
	// silent, per the Auth Pipeline's Claim fallback rule.
	SubjectClaim  string
	DisplayClaim  string
}

// HasUsableAssertion reports whether this Principal carries a token the
// OBO Exchanger can present as a jwt-bearer assertion. Service principal
// sentinels and shared-SP mode principals have none.
func (p *Principal) HasUsableAssertion() bool {
	return p.Credential == CredentialUserAccessToken && (p.AssertionToken != "" || p.IdentityToken != "")
}

// PreferredAssertion returns the token the OBO Exchanger should present,
// preferring the identity token (it carries the app's own audience) over
// the raw access token.
func (p *Principal) PreferredAssertion() string {
	if p.IdentityToken != "" {
		return p.IdentityToken
	}
	return p.AssertionToken
}
