package outbound

import "context"

// JWK is a single JSON Web Key from the IdP's JWKS endpoint, trimmed to
// the fields signature verification needs.
type JWK struct {
	Kid string
	Kty string
	N   string // RSA modulus, base64url
	E   string // RSA exponent, base64url
}

// OBOTokenResult is the outcome of a successful on-behalf-of exchange.
type OBOTokenResult struct {
	AccessToken string
	ExpiresIn   int
}

// IdPClient is the outbound port for the Identity Provider: JWKS
// retrieval for token verification (Auth Pipeline branch 6) and the
// jwt-bearer on-behalf-of grant (OBO Exchanger).
type IdPClient interface {
	// JWKS returns the current signing keys for the configured tenant.
	// Implementations are expected to cache this internally.
	JWKS(ctx context.Context) ([]JWK, error)

	// ExchangeOnBehalfOf presents assertion as a jwt-bearer grant and
	// returns the downstream-audience access token.
	ExchangeOnBehalfOf(ctx context.Context, assertion, scope string) (*OBOTokenResult, error)
}
