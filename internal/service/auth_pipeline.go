package service

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nexusgate/mcpbroker/internal/domain/auth"
	"github.com/nexusgate/mcpbroker/internal/port/outbound"
)

// Sentinel errors the Auth Pipeline returns. The HTTP façade maps these
// to status codes centrally (never string-matched).
var (
	ErrAuthInvalid    = errors.New("invalid credential")
	ErrAuthExpired    = errors.New("credential expired")
	ErrAuthForbidden  = errors.New("principal lacks required group membership")
	ErrDevModeLocked  = errors.New("dev mode requested but forbidden by deployment")
)

const (
	systemServicePrefix = "awc_system_"
	apiKeyPrefix        = "awc_"
)

// AuthPipelineConfig carries the static configuration the classification
// chain in §4.5 needs: service key values, the HMAC secret for
// locally-signed tokens, and the IdP's known issuer/audience/group sets.
type AuthPipelineConfig struct {
	InternalServiceKey      string
	WorkflowRunnerKey       string
	HMACSecret              []byte
	ClientID                string
	KnownIssuers            []string
	KnownAudiences          []string
	AuthorizedGroups        []string
	AdminGroups             []string
	DevMode                 bool
	DevModeForbiddenEnvVar  string
}

// AuthPipeline classifies each HTTP request into a Principal following
// the strict ordered chain of §4.5. The first matching branch wins and
// any validation failure on that branch is fatal — the pipeline never
// falls through to a less privileged identity.
type AuthPipeline struct {
	cfg      AuthPipelineConfig
	platform outbound.PlatformClient
	idp      outbound.IdPClient
	logger   *slog.Logger

	jwksMu    sync.RWMutex
	jwksByKid map[string]outbound.JWK
}

// NewAuthPipeline creates an AuthPipeline. If cfg.DevMode is true and the
// deployment has set cfg.DevModeForbiddenEnvVar to a truthy value, startup
// must fail rather than silently run without auth.
func NewAuthPipeline(cfg AuthPipelineConfig, platform outbound.PlatformClient, idp outbound.IdPClient, logger *slog.Logger) (*AuthPipeline, error) {
	if cfg.DevMode && cfg.DevModeForbiddenEnvVar != "" {
		if v := os.Getenv(cfg.DevModeForbiddenEnvVar); v == "false" {
			return nil, ErrDevModeLocked
		}
	}
	if cfg.DevMode {
		logger.Warn("dev mode is active: every request is classified as an anonymous local admin principal")
	}
	return &AuthPipeline{
		cfg:       cfg,
		platform:  platform,
		idp:       idp,
		logger:    logger,
		jwksByKid: make(map[string]outbound.JWK),
	}, nil
}

// Classify produces a Principal from a single request's credentials.
// authHeader is the raw Authorization header value (empty if absent).
// identityToken is the X-Azure-ID-Token header, preferred as an OBO
// assertion when present. apiKeyHeader is X-Api-Key, copied onto the
// Principal for later serverless-tool injection.
func (p *AuthPipeline) Classify(ctx context.Context, authHeader, identityToken, apiKeyHeader string) (*auth.Principal, error) {
	if p.cfg.DevMode {
		return &auth.Principal{
			SubjectID:   "dev-mode",
			DisplayName: "dev-mode",
			IsAdmin:     true,
			Credential:  auth.CredentialNone,
		}, nil
	}

	// Branch 1: no Authorization header.
	if authHeader == "" {
		return &auth.Principal{
			SubjectID:   "system-admin",
			DisplayName: "system-admin",
			IsAdmin:     true,
			Credential:  auth.CredentialNone,
		}, nil
	}

	token := strings.TrimPrefix(authHeader, "Bearer ")
	token = strings.TrimSpace(token)

	// Branch 2: awc_system_ prefix.
	if strings.HasPrefix(token, systemServicePrefix) {
		return &auth.Principal{
			SubjectID:   "system-service",
			DisplayName: "system-service",
			IsAdmin:     true,
			Credential:  auth.CredentialServicePrincipal,
		}, nil
	}

	// Branch 3: awc_ (non-system) opaque API key, validated against the
	// platform API. Tested before the exact-match service-key branch so
	// that a service key which happens to start with awc_ is never
	// reachable via branch 4 — this preserves the original's effective
	// behavior (§9 Open Question, resolved).
	if strings.HasPrefix(token, apiKeyPrefix) {
		identity, err := p.platform.AuthMe(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("%w: api key rejected by platform: %v", ErrAuthInvalid, err)
		}
		return &auth.Principal{
			SubjectID:   identity.SubjectID,
			DisplayName: identity.Name,
			Email:       identity.Email,
			Groups:      identity.Groups,
			IsAdmin:     identity.IsAdmin,
			Credential:  auth.CredentialUserAPIKey,
			APIKey:      token,
		}, nil
	}

	// Branch 4: exact match against a configured internal service key.
	if p.cfg.InternalServiceKey != "" && token == p.cfg.InternalServiceKey {
		return &auth.Principal{
			SubjectID:   "internal-service",
			DisplayName: "internal-service",
			IsAdmin:     true,
			Credential:  auth.CredentialServicePrincipal,
		}, nil
	}
	if p.cfg.WorkflowRunnerKey != "" && token == p.cfg.WorkflowRunnerKey {
		return &auth.Principal{
			SubjectID:   "workflow-runner",
			DisplayName: "workflow-runner",
			IsAdmin:     true,
			Credential:  auth.CredentialServicePrincipal,
		}, nil
	}

	// Branches 5/6 both parse as JWTs; distinguish by whether the header
	// carries a kid (asymmetric, IdP-signed) or not (locally-signed HMAC).
	parser := jwt.NewParser()
	unverified, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: not a recognized token format", ErrAuthInvalid)
	}
	kid, _ := unverified.Header["kid"].(string)

	if kid == "" {
		return p.classifyLocalToken(token)
	}
	return p.classifyIdPToken(ctx, token, kid, identityToken)
}

// classifyLocalToken verifies branch 5: an HMAC-SHA256 token signed with
// the shared internal secret, carrying userId/email/isAdmin/groups claims.
func (p *AuthPipeline) classifyLocalToken(token string) (*auth.Principal, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.cfg.HMACSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: local token expired", ErrAuthExpired)
		}
		return nil, fmt.Errorf("%w: local token signature invalid: %v", ErrAuthInvalid, err)
	}

	userID, _ := claims["userId"].(string)
	email, _ := claims["email"].(string)
	isAdmin, _ := claims["isAdmin"].(bool)
	groups := stringSliceClaim(claims["groups"])

	if userID == "" {
		return nil, fmt.Errorf("%w: local token missing userId claim", ErrAuthInvalid)
	}

	return &auth.Principal{
		SubjectID:   userID,
		DisplayName: email,
		Email:       email,
		Groups:      groups,
		IsAdmin:     isAdmin,
		Credential:  auth.CredentialUserAccessToken,
	}, nil
}

// classifyIdPToken verifies branch 6: an asymmetric token signed by the
// IdP, validated against the tenant's JWKS, issuer set, and audience set,
// with group-membership enforcement and the oid/sub, preferred_username/
// upn/email claim fallback sequence.
func (p *AuthPipeline) classifyIdPToken(ctx context.Context, token, kid, identityToken string) (*auth.Principal, error) {
	key, err := p.resolveJWK(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("%w: no matching JWKS key for kid %q: %v", ErrAuthInvalid, kid, err)
	}
	pubKey, err := rsaPublicKeyFromJWK(key)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed JWKS key: %v", ErrAuthInvalid, err)
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return pubKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: IdP token expired", ErrAuthExpired)
		}
		return nil, fmt.Errorf("%w: IdP token signature invalid: %v", ErrAuthInvalid, err)
	}

	issuer, _ := claims.GetIssuer()
	if !contains(p.cfg.KnownIssuers, issuer) {
		return nil, fmt.Errorf("%w: unrecognized issuer %q", ErrAuthInvalid, issuer)
	}
	audiences, _ := claims.GetAudience()
	if !intersects(p.cfg.KnownAudiences, audiences) {
		return nil, fmt.Errorf("%w: token audience not in known set", ErrAuthInvalid)
	}

	groups := stringSliceClaim(claims["groups"])
	isAdmin := intersects(p.cfg.AdminGroups, groups)
	if !isAdmin && !intersects(p.cfg.AuthorizedGroups, groups) {
		return nil, fmt.Errorf("%w: principal is not a member of any authorized or admin group", ErrAuthForbidden)
	}

	subjectID, subjectClaim := firstNonEmpty(claims, "oid", "sub")
	displayName, displayClaim := firstNonEmpty(claims, "preferred_username", "upn", "email")
	email, _ := claims["email"].(string)

	p.logger.Debug("idp token claims resolved",
		"subject_claim", subjectClaim, "display_claim", displayClaim)

	return &auth.Principal{
		SubjectID:      subjectID,
		DisplayName:    displayName,
		Email:          email,
		Groups:         groups,
		IsAdmin:        isAdmin,
		Credential:     auth.CredentialUserAccessToken,
		AssertionToken: token,
		IdentityToken:  identityToken,
		SubjectClaim:   subjectClaim,
		DisplayClaim:   displayClaim,
	}, nil
}

// resolveJWK returns the JWKS key matching kid, fetching and caching the
// full key set from the IdP on a cache miss.
func (p *AuthPipeline) resolveJWK(ctx context.Context, kid string) (outbound.JWK, error) {
	p.jwksMu.RLock()
	key, ok := p.jwksByKid[kid]
	p.jwksMu.RUnlock()
	if ok {
		return key, nil
	}

	keys, err := p.idp.JWKS(ctx)
	if err != nil {
		return outbound.JWK{}, fmt.Errorf("fetch jwks: %w", err)
	}

	p.jwksMu.Lock()
	for _, k := range keys {
		p.jwksByKid[k.Kid] = k
	}
	key, ok = p.jwksByKid[kid]
	p.jwksMu.Unlock()

	if !ok {
		return outbound.JWK{}, fmt.Errorf("kid %q not present in jwks", kid)
	}
	return key, nil
}

func rsaPublicKeyFromJWK(key outbound.JWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func stringSliceClaim(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func firstNonEmpty(claims jwt.MapClaims, names ...string) (value string, winner string) {
	for _, name := range names {
		if s, ok := claims[name].(string); ok && s != "" {
			return s, name
		}
	}
	return "", ""
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func intersects(set, values []string) bool {
	for _, v := range values {
		if contains(set, v) {
			return true
		}
	}
	return false
}
