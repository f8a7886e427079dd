package service

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"

	celeval "github.com/nexusgate/mcpbroker/internal/adapter/outbound/cel"
	"github.com/nexusgate/mcpbroker/internal/domain/auth"
	"github.com/nexusgate/mcpbroker/internal/domain/policy"
	"github.com/nexusgate/mcpbroker/internal/domain/upstream"
	"github.com/nexusgate/mcpbroker/internal/port/outbound"
)

// ProviderDecision is the outcome of an Access Policy Engine check for a
// single (principal, provider) pair.
type ProviderDecision struct {
	Allowed bool
	Reason  string
}

// AccessPolicyEngine authorizes a (principal, provider) pair per §4.7:
// admin bypass, a hard admin-only gate, per-group platform policy with
// allow winning over deny, and default-allow otherwise. Within a group,
// rules are evaluated in ascending priority order and a rule whose
// pattern matches the provider only fires if its optional CEL condition
// (evaluated against the principal and the provider's capability flags)
// also holds, using the same cel-go evaluator the admin policy engine
// compiles its own rules with.
type AccessPolicyEngine struct {
	platform     outbound.PlatformClient
	adminOnlySet map[string]struct{}
	evaluator    *celeval.Evaluator
	logger       *slog.Logger

	mu         sync.Mutex
	groupCache map[string][]outbound.PlatformPolicy
	condCache  map[string]cel.Program
}

// NewAccessPolicyEngine creates an AccessPolicyEngine. adminOnlyProviders
// names providers that are hard-denied to every non-admin principal
// regardless of platform policy. If the CEL environment fails to build,
// the engine still serves pattern-only rules; a rule carrying a
// condition then fails closed with an explicit reason rather than
// silently matching.
func NewAccessPolicyEngine(platform outbound.PlatformClient, adminOnlyProviders []string, logger *slog.Logger) *AccessPolicyEngine {
	set := make(map[string]struct{}, len(adminOnlyProviders))
	for _, name := range adminOnlyProviders {
		set[name] = struct{}{}
	}
	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		logger.Error("failed to build CEL evaluator for access policy engine, rule conditions will fail closed", "error", err)
		evaluator = nil
	}
	return &AccessPolicyEngine{
		platform:     platform,
		adminOnlySet: set,
		evaluator:    evaluator,
		logger:       logger,
		groupCache:   make(map[string][]outbound.PlatformPolicy),
		condCache:    make(map[string]cel.Program),
	}
}

// Authorize decides whether principal may reach providerName. capabilities
// describes the target provider, threaded into rule conditions as CEL
// tool_args/arguments entries so a rule can key off e.g. a provider being
// per_user_isolated or serverless.
func (e *AccessPolicyEngine) Authorize(ctx context.Context, principal *auth.Principal, providerName string, capabilities upstream.Capabilities) (ProviderDecision, error) {
	if principal.IsAdmin {
		return ProviderDecision{Allowed: true, Reason: "admin bypass"}, nil
	}

	if _, adminOnly := e.adminOnlySet[providerName]; adminOnly {
		return ProviderDecision{Allowed: false, Reason: "admin-only provider"}, nil
	}

	sawAllow, sawDeny := false, false
	for _, group := range principal.Groups {
		policies, err := e.groupPolicy(ctx, group)
		if err != nil {
			return ProviderDecision{}, fmt.Errorf("fetch group policy for %q: %w", group, err)
		}

		matching := make([]outbound.PlatformPolicy, 0, len(policies))
		for _, p := range policies {
			matched, err := path.Match(p.ProviderPattern, providerName)
			if err != nil || !matched {
				continue
			}
			matching = append(matching, p)
		}
		sort.SliceStable(matching, func(i, j int) bool { return matching[i].Priority < matching[j].Priority })

		for _, p := range matching {
			if p.Condition != "" {
				holds, err := e.evalCondition(p.Condition, principal, providerName, capabilities)
				if err != nil {
					e.logger.Error("rule condition evaluation failed, skipping rule", "group", group, "provider", providerName, "error", err)
					continue
				}
				if !holds {
					continue
				}
			}
			switch p.Action {
			case "allow":
				sawAllow = true
			case "deny":
				sawDeny = true
			}
		}
	}

	if sawAllow {
		return ProviderDecision{Allowed: true, Reason: "group policy allow"}, nil
	}
	if sawDeny {
		return ProviderDecision{Allowed: false, Reason: "group policy deny"}, nil
	}

	return ProviderDecision{Allowed: true, Reason: "default allow"}, nil
}

// evalCondition compiles (or reuses a cached compile of) a rule's CEL
// condition and evaluates it against the principal and provider
// capability flags. A rule carrying a condition fails closed (treated as
// non-matching) when the engine has no evaluator or the condition
// errors, so a misconfigured expression can never silently grant access.
func (e *AccessPolicyEngine) evalCondition(expr string, principal *auth.Principal, providerName string, capabilities upstream.Capabilities) (bool, error) {
	if e.evaluator == nil {
		return false, fmt.Errorf("no CEL evaluator available")
	}

	e.mu.Lock()
	prg, ok := e.condCache[expr]
	e.mu.Unlock()
	if !ok {
		var err error
		prg, err = e.evaluator.Compile(expr)
		if err != nil {
			return false, fmt.Errorf("compile condition: %w", err)
		}
		e.mu.Lock()
		e.condCache[expr] = prg
		e.mu.Unlock()
	}

	evalCtx := policy.EvaluationContext{
		ToolName:     providerName,
		ActionName:   providerName,
		ActionType:   "provider_access",
		Protocol:     "http",
		Gateway:      "mcp-broker",
		IdentityID:   principal.SubjectID,
		IdentityName: principal.DisplayName,
		UserRoles:    principal.Groups,
		ToolArguments: map[string]interface{}{
			"per_user_isolated": capabilities.PerUserIsolated,
			"supports_obo":      capabilities.SupportsOBO,
			"serverless":        capabilities.Serverless,
			"inject_user_id":    capabilities.InjectUserID,
		},
	}

	return e.evaluator.Evaluate(prg, evalCtx)
}

// FilterAccessible removes provider names the principal cannot reach,
// used by the tools/list aggregation endpoint (§4.7, §4.8).
func (e *AccessPolicyEngine) FilterAccessible(ctx context.Context, principal *auth.Principal, providers []upstream.Upstream) ([]string, error) {
	out := make([]string, 0, len(providers))
	for _, u := range providers {
		decision, err := e.Authorize(ctx, principal, u.Name, u.Capabilities)
		if err != nil {
			return nil, err
		}
		if decision.Allowed {
			out = append(out, u.Name)
		}
	}
	return out, nil
}

// groupPolicy returns the platform policy for a group, caching per-process.
// The cache is never invalidated mid-process; a fresh process picks up
// changes on restart, matching the "cached per request" note in §3 at
// process scope rather than per-call scope to bound platform API load.
func (e *AccessPolicyEngine) groupPolicy(ctx context.Context, group string) ([]outbound.PlatformPolicy, error) {
	e.mu.Lock()
	if cached, ok := e.groupCache[group]; ok {
		e.mu.Unlock()
		return cached, nil
	}
	e.mu.Unlock()

	policies, err := e.platform.GroupPolicy(ctx, group)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.groupCache[group] = policies
	e.mu.Unlock()

	return policies, nil
}
