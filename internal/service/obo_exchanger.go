package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nexusgate/mcpbroker/internal/domain/auth"
	"github.com/nexusgate/mcpbroker/internal/port/outbound"
)

// defaultOBOScope is the downstream resource scope requested when a
// provider does not declare a more specific one.
const defaultOBOScope = "https://management.azure.com/.default"

// OBOExchanger exchanges a principal's assertion for a downstream-
// audience access token via the IdP's jwt-bearer grant, for providers
// flagged supports_obo.
type OBOExchanger struct {
	idp    outbound.IdPClient
	logger *slog.Logger
}

// NewOBOExchanger creates an OBOExchanger.
func NewOBOExchanger(idp outbound.IdPClient, logger *slog.Logger) *OBOExchanger {
	return &OBOExchanger{idp: idp, logger: logger}
}

// Exchange returns the downstream access token to inject for the given
// principal, or ("", nil) if the principal carries no usable assertion
// (service principal sentinel or shared-SP mode) — callers must treat an
// empty result as "inject nothing, provider falls back to its own
// service credentials", not as an error.
func (e *OBOExchanger) Exchange(ctx context.Context, principal *auth.Principal, scope string) (string, error) {
	if !principal.HasUsableAssertion() {
		return "", nil
	}
	if scope == "" {
		scope = defaultOBOScope
	}

	result, err := e.idp.ExchangeOnBehalfOf(ctx, principal.PreferredAssertion(), scope)
	if err != nil {
		return "", fmt.Errorf("on-behalf-of exchange failed: %w", err)
	}

	e.logger.Debug("obo exchange succeeded", "principal", principal.SubjectID, "scope", scope)
	return result.AccessToken, nil
}
