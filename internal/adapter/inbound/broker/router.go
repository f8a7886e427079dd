// Package broker provides the HTTP façade that fronts the broker's
// provider registry, auth pipeline, access policy engine, and user
// session fleet as a REST-style API, distinct from the raw MCP
// Streamable HTTP transport mounted at /mcp/.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/nexusgate/mcpbroker/internal/domain/audit"
	"github.com/nexusgate/mcpbroker/internal/domain/auth"
	"github.com/nexusgate/mcpbroker/internal/domain/upstream"
	"github.com/nexusgate/mcpbroker/internal/service"
)

// Router is the inbound adapter exposing the Request Router / HTTP
// Façade described in §4.8: provider CRUD and lifecycle, tool
// aggregation, user-session-fleet management, and tool-call dispatch.
type Router struct {
	upstreams    *service.UpstreamService
	manager      *service.UpstreamManager
	tools        *upstream.ToolCache
	authPipeline *service.AuthPipeline
	obo          *service.OBOExchanger
	policy       *service.AccessPolicyEngine
	fleet        *service.SessionFleet
	audit        *service.AuditDispatcher
	logger       *slog.Logger
}

// NewRouter creates a Router wired to every broker component it fronts.
func NewRouter(
	upstreams *service.UpstreamService,
	manager *service.UpstreamManager,
	tools *upstream.ToolCache,
	authPipeline *service.AuthPipeline,
	obo *service.OBOExchanger,
	policy *service.AccessPolicyEngine,
	fleet *service.SessionFleet,
	auditDispatcher *service.AuditDispatcher,
	logger *slog.Logger,
) *Router {
	return &Router{
		upstreams:    upstreams,
		manager:      manager,
		tools:        tools,
		authPipeline: authPipeline,
		obo:          obo,
		policy:       policy,
		fleet:        fleet,
		audit:        auditDispatcher,
		logger:       logger,
	}
}

// Handler returns an http.Handler with every broker route registered.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /servers", rt.listServers)
	mux.HandleFunc("POST /servers", rt.addServers)
	mux.HandleFunc("DELETE /servers/{id}", rt.deleteServer)
	mux.HandleFunc("POST /servers/{id}/start", rt.startServer)
	mux.HandleFunc("POST /servers/{id}/stop", rt.stopServer)
	mux.HandleFunc("POST /servers/{id}/restart", rt.restartServer)
	mux.HandleFunc("GET /servers/{id}/enabled", rt.getServerEnabled)
	mux.HandleFunc("PATCH /servers/{id}/enabled", rt.setServerEnabled)
	mux.HandleFunc("GET /servers/enabled", rt.listEnabledServers)
	mux.HandleFunc("GET /servers/{name}/tools", rt.serverTools)

	mux.HandleFunc("GET /tools", rt.listTools)
	mux.HandleFunc("GET /v1/mcp/tools", rt.listTools)

	mux.HandleFunc("POST /call", rt.callTool)
	mux.HandleFunc("POST /mcp/tool", rt.callMCPTool)
	mux.HandleFunc("POST /mcp", rt.handleMCPEnvelope)

	mux.HandleFunc("POST /user-sessions/start", rt.startUserSession)
	mux.HandleFunc("POST /user-sessions/stop", rt.stopUserSession)
	mux.HandleFunc("GET /user-sessions", rt.listOwnUserSessions)
	mux.HandleFunc("GET /user-sessions/{user}", rt.listUserSessions)

	return mux
}

// --- request-scoped helpers ---

// principalFromRequest classifies the caller via the Auth Pipeline,
// reading the standard header set (§4.5).
func (rt *Router) principalFromRequest(r *http.Request) (*auth.Principal, error) {
	authHeader := r.Header.Get("Authorization")
	identityToken := r.Header.Get("X-Identity-Token")
	apiKeyHeader := r.Header.Get("X-Api-Key")
	return rt.authPipeline.Classify(r.Context(), authHeader, identityToken, apiKeyHeader)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// authnErrorStatus maps a Classify error to the right HTTP status,
// matching the client-safe-messages supplement in SPEC_FULL.md §7.
func authnErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrAuthInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrAuthExpired):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrAuthForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrDevModeLocked):
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

// dispatchError carries a client-safe HTTP status/message pair through an
// ordinary error return, so a single call site (respondDispatch) applies
// the client-safe-messages mapping from §7 uniformly across every
// tool-call endpoint.
type dispatchError struct {
	status  int
	message string
}

func (e *dispatchError) Error() string { return e.message }

func newDispatchError(status int, message string) *dispatchError {
	return &dispatchError{status: status, message: message}
}

// --- provider (server) endpoints ---

type serverView struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Type         string                `json:"type"`
	Enabled      bool                  `json:"enabled"`
	Status       string                `json:"status"`
	Capabilities upstream.Capabilities `json:"capabilities"`
	Builtin      bool                  `json:"builtin"`
	ToolCount    int                   `json:"tool_count"`
}

func toServerView(u upstream.Upstream) serverView {
	return serverView{
		ID:           u.ID,
		Name:         u.Name,
		Type:         string(u.Type),
		Enabled:      u.Enabled,
		Status:       string(u.Status),
		Capabilities: u.Capabilities,
		Builtin:      u.Builtin,
		ToolCount:    u.ToolCount,
	}
}

func (rt *Router) listServers(w http.ResponseWriter, r *http.Request) {
	all, err := rt.upstreams.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list servers")
		return
	}
	views := make([]serverView, 0, len(all))
	for _, u := range all {
		views = append(views, toServerView(u))
	}
	writeJSON(w, http.StatusOK, views)
}

func (rt *Router) listEnabledServers(w http.ResponseWriter, r *http.Request) {
	all, err := rt.upstreams.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list servers")
		return
	}
	views := make([]serverView, 0, len(all))
	for _, u := range all {
		if u.Enabled {
			views = append(views, toServerView(u))
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (rt *Router) addServers(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDynamicAddBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	added, err := rt.upstreams.AddSubmissions(r.Context(), body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	views := make([]serverView, 0, len(added))
	for _, u := range added {
		views = append(views, toServerView(*u))
	}
	writeJSON(w, http.StatusCreated, views)
}

// maxDynamicAddBodySize bounds a dynamic-add submission payload.
const maxDynamicAddBodySize = 1 << 20

func (rt *Router) deleteServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	_ = rt.manager.Stop(id)
	if err := rt.upstreams.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) startServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := rt.manager.Start(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (rt *Router) stopServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := rt.manager.Stop(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (rt *Router) restartServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := rt.manager.Restart(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

func (rt *Router) getServerEnabled(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	u, err := rt.upstreams.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": u.Enabled})
}

func (rt *Router) setServerEnabled(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	u, err := rt.upstreams.SetEnabled(r.Context(), id, body.Enabled)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toServerView(*u))
}

// --- tool aggregation endpoints ---

type toolView struct {
	Name        string      `json:"name"`
	Provider    string      `json:"provider"`
	Description string      `json:"description,omitempty"`
	InputSchema interface{} `json:"input_schema,omitempty"`
}

// listTools aggregates the tool cache across every provider, filtered
// to what the calling principal may reach per the Access Policy Engine
// (invariant: admin-only-server tools never appear for non-admins).
func (rt *Router) listTools(w http.ResponseWriter, r *http.Request) {
	principal, err := rt.principalFromRequest(r)
	if err != nil {
		writeError(w, authnErrorStatus(err), "authentication failed")
		return
	}

	all, err := rt.upstreams.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list servers")
		return
	}
	capsByName := make(map[string]upstream.Capabilities, len(all))
	for _, u := range all {
		capsByName[u.Name] = u.Capabilities
	}

	views := make([]toolView, 0)
	for _, dt := range rt.tools.GetAllTools() {
		providerName := dt.UpstreamName
		decision, err := rt.policy.Authorize(r.Context(), principal, providerName, capsByName[providerName])
		if err != nil {
			rt.logger.Error("policy authorize failed during tool listing", "provider", providerName, "error", err)
			continue
		}
		if !decision.Allowed {
			continue
		}
		views = append(views, toolView{
			Name:        dt.Name,
			Provider:    providerName,
			Description: dt.Description,
			InputSchema: dt.InputSchema,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (rt *Router) serverTools(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	principal, err := rt.principalFromRequest(r)
	if err != nil {
		writeError(w, authnErrorStatus(err), "authentication failed")
		return
	}

	u, err := rt.upstreams.GetByName(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}

	decision, err := rt.policy.Authorize(r.Context(), principal, name, u.Capabilities)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "policy evaluation failed")
		return
	}
	if !decision.Allowed {
		writeError(w, http.StatusForbidden, accessDeniedMessage(decision.Reason))
		return
	}

	discovered := rt.tools.GetToolsByUpstream(u.ID)
	views := make([]toolView, 0, len(discovered))
	for _, dt := range discovered {
		views = append(views, toolView{Name: dt.Name, Provider: name, Description: dt.Description, InputSchema: dt.InputSchema})
	}
	writeJSON(w, http.StatusOK, views)
}

// accessDeniedMessage renders a policy decision's internal reason as the
// client-safe message from §7; the admin-only gate gets the literal
// wording Scenario B checks for, everything else a generic denial.
func accessDeniedMessage(reason string) string {
	if reason == "admin-only provider" {
		return "Admin privileges required"
	}
	return "access denied"
}

// --- tool-call dispatch ---
//
// /call, /mcp/tool, and the generic /mcp envelope all fan into
// dispatchToolCall: authenticate, resolve the target provider (explicit
// or auto-detected), authorize, inject credentials, and dispatch to the
// provider's Child Transport or per-user fleet session. Each endpoint
// only differs in how it decodes its request body and shapes its
// response.

// callRequest is the body of POST /call: a direct invocation naming the
// provider explicitly (§6).
type callRequest struct {
	Server    string                 `json:"server"`
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments"`
}

// mcpToolRequest is the body of POST /mcp/tool: a tools/call convenience
// wrapper that, unlike /call, may omit server (triggering auto-detect)
// and carries a caller-supplied id echoed back in the response (§6).
type mcpToolRequest struct {
	Server    string                 `json:"server"`
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments"`
	ID        json.RawMessage        `json:"id"`
}

// mcpEnvelopeRequest is the body of POST /mcp: the generic JSON-RPC
// envelope, not limited to tools/call (§6).
type mcpEnvelopeRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     json.RawMessage `json:"id"`
	Server string          `json:"server"`
}

type mcpEnvelopeErr struct {
	Message string `json:"message"`
}

// mcpEnvelopeResponse is the response shape for both POST /mcp and
// POST /mcp/tool: {result?, error?, id, server, execution_time} (§6).
type mcpEnvelopeResponse struct {
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *mcpEnvelopeErr `json:"error,omitempty"`
	ID            json.RawMessage `json:"id"`
	Server        string          `json:"server"`
	ExecutionTime float64         `json:"execution_time"`
}

// dispatchOutcome is what a successful (or partially successful, in the
// ProviderError case) dispatchToolCall leaves behind for its caller to
// render: provider and execution time are known as soon as the provider
// is resolved and the round trip completes, independent of whether the
// call itself succeeded.
type dispatchOutcome struct {
	result        json.RawMessage
	providerName  string
	executionTime float64
}

// callTool implements POST /call (§6): direct invocation naming the
// provider explicitly, responding with the bare provider result.
func (rt *Router) callTool(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxDynamicAddBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool is required")
		return
	}

	params, err := toolCallParams(req.Tool, req.Arguments)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build request")
		return
	}

	outcome, dispatchErr := rt.dispatchToolCall(r, req.Server, "tools/call", params)
	rt.respondDirect(w, outcome, dispatchErr)
}

// callMCPTool implements POST /mcp/tool (§6): a tools/call convenience
// wrapper, responding with the generic envelope shape so the caller's id
// round-trips.
func (rt *Router) callMCPTool(w http.ResponseWriter, r *http.Request) {
	var req mcpToolRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxDynamicAddBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool is required")
		return
	}

	params, err := toolCallParams(req.Tool, req.Arguments)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build request")
		return
	}

	outcome, dispatchErr := rt.dispatchToolCall(r, req.Server, "tools/call", params)
	rt.respondEnvelope(w, req.ID, outcome, dispatchErr)
}

// handleMCPEnvelope implements POST /mcp (§6): the generic JSON-RPC
// envelope endpoint. When server is omitted and method is tools/call, the
// provider is resolved via the auto-detect fallback (§4.8); any other
// method requires an explicit server.
func (rt *Router) handleMCPEnvelope(w http.ResponseWriter, r *http.Request) {
	var req mcpEnvelopeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxDynamicAddBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, "method is required")
		return
	}

	outcome, dispatchErr := rt.dispatchToolCall(r, req.Server, req.Method, req.Params)
	rt.respondEnvelope(w, req.ID, outcome, dispatchErr)
}

// toolCallParams renders a (tool, arguments) pair as tools/call params,
// the shape both the Child Transport and the fleet session expect.
func toolCallParams(tool string, args map[string]interface{}) (json.RawMessage, error) {
	if args == nil {
		args = make(map[string]interface{})
	}
	return json.Marshal(map[string]interface{}{"name": tool, "arguments": args})
}

// toolNameFromParams extracts "name" from a tools/call params object,
// without requiring the caller to know the full params shape.
func toolNameFromParams(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	return p.Name
}

// respondDirect writes the /call response: the bare provider result, or
// a plain client-safe error body. /call carries no caller id to echo, so
// a provider-returned JSON-RPC error surfaces as a 400 rather than a
// passthrough envelope.
func (rt *Router) respondDirect(w http.ResponseWriter, outcome dispatchOutcome, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, outcome.result)
		return
	}
	var derr *dispatchError
	if errors.As(err, &derr) {
		writeError(w, derr.status, derr.message)
		return
	}
	var rpcErr *service.ProviderRPCError
	if errors.As(err, &rpcErr) {
		writeError(w, http.StatusBadRequest, rpcErr.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, "tool call failed")
}

// respondEnvelope writes the {result?,error?,id,server,execution_time}
// shape shared by /mcp and /mcp/tool. A ProviderRPCError (the child's own
// JSON-RPC error object) passes through as HTTP 200 with an error body
// and the original id, per §7's ProviderError kind; every other error
// becomes an HTTP error status with no envelope body.
func (rt *Router) respondEnvelope(w http.ResponseWriter, id json.RawMessage, outcome dispatchOutcome, err error) {
	if err != nil {
		var derr *dispatchError
		if errors.As(err, &derr) {
			writeError(w, derr.status, derr.message)
			return
		}
		var rpcErr *service.ProviderRPCError
		if errors.As(err, &rpcErr) {
			writeJSON(w, http.StatusOK, mcpEnvelopeResponse{
				Error:         &mcpEnvelopeErr{Message: rpcErr.Message},
				ID:            id,
				Server:        outcome.providerName,
				ExecutionTime: outcome.executionTime,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "tool call failed")
		return
	}
	writeJSON(w, http.StatusOK, mcpEnvelopeResponse{
		Result:        outcome.result,
		ID:            id,
		Server:        outcome.providerName,
		ExecutionTime: outcome.executionTime,
	})
}

// dispatchToolCall authenticates, resolves the target provider, checks
// the Access Policy Engine, injects credentials, and dispatches
// method/params to the provider's transport, emitting an audit record on
// every path that reaches authorization. This is the single place §4.8's
// behaviors of note are implemented: auto-detect fallback, user-id and
// serverless-API-key injection, OBO exchange, and execution-time
// measurement around the provider round trip.
func (rt *Router) dispatchToolCall(r *http.Request, server, method string, rawParams json.RawMessage) (dispatchOutcome, error) {
	var outcome dispatchOutcome
	start := time.Now()

	principal, err := rt.principalFromRequest(r)
	if err != nil {
		return outcome, newDispatchError(authnErrorStatus(err), "authentication failed")
	}

	provider, err := rt.resolveProvider(r.Context(), server, method, rawParams)
	if err != nil {
		return outcome, err
	}
	outcome.providerName = provider.Name

	decision, err := rt.policy.Authorize(r.Context(), principal, provider.Name, provider.Capabilities)
	if err != nil {
		return outcome, newDispatchError(http.StatusInternalServerError, "policy evaluation failed")
	}
	if !decision.Allowed {
		rt.emitAudit(principal, provider.Name, method, rawParams, decision.Reason, audit.DecisionDeny, start)
		return outcome, newDispatchError(http.StatusForbidden, accessDeniedMessage(decision.Reason))
	}

	params, err := rt.prepareParams(r.Context(), provider, principal, method, rawParams)
	if err != nil {
		rt.emitAudit(principal, provider.Name, method, rawParams, err.Error(), audit.DecisionDeny, start)
		return outcome, newDispatchError(http.StatusInternalServerError, "failed to prepare downstream request")
	}

	callStart := time.Now()
	result, callErr := rt.invokeProvider(r.Context(), provider, principal, method, params)
	outcome.executionTime = time.Since(callStart).Seconds()
	if callErr != nil {
		var rpcErr *service.ProviderRPCError
		if errors.As(callErr, &rpcErr) {
			rt.emitAudit(principal, provider.Name, method, rawParams, rpcErr.Message, audit.DecisionAllow, start)
			return outcome, rpcErr
		}
		rt.emitAudit(principal, provider.Name, method, rawParams, callErr.Error(), audit.DecisionDeny, start)
		return outcome, newDispatchError(providerErrorStatus(callErr), "tool call failed")
	}

	outcome.result = result
	rt.emitAudit(principal, provider.Name, method, rawParams, decision.Reason, audit.DecisionAllow, start)
	return outcome, nil
}

// resolveProvider implements §4.8's provider resolution: an explicit
// server name is looked up directly; an omitted one falls back to
// auto-detect, which only applies to tools/call.
func (rt *Router) resolveProvider(ctx context.Context, server, method string, rawParams json.RawMessage) (*upstream.Upstream, error) {
	if server != "" {
		u, err := rt.upstreams.GetByName(ctx, server)
		if err != nil {
			return nil, newDispatchError(http.StatusNotFound, "provider not found")
		}
		return u, nil
	}
	if method != "tools/call" {
		return nil, newDispatchError(http.StatusBadRequest, "server is required")
	}
	tool := toolNameFromParams(rawParams)
	if tool == "" {
		return nil, newDispatchError(http.StatusBadRequest, "server is required")
	}
	return rt.autoDetectProvider(ctx, tool)
}

// autoDetectProvider implements the §4.8 auto-detect fallback: iterate
// Running providers in deterministic (name) order and pick the first
// whose cached tool catalog advertises the requested tool, 400 if none
// match. The catalog consulted is the Router's tool cache rather than a
// live per-request tools/list probe, per the Auto-detect cache
// resolution in §4.8/§9: the cache is refreshed at provider startup and
// on explicit invalidation, never speculatively mid-request.
func (rt *Router) autoDetectProvider(ctx context.Context, tool string) (*upstream.Upstream, error) {
	all, err := rt.upstreams.List(ctx)
	if err != nil {
		return nil, newDispatchError(http.StatusInternalServerError, "failed to list servers")
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })

	for i := range all {
		u := all[i]
		if u.Status != upstream.StatusConnected {
			continue
		}
		for _, dt := range rt.tools.GetToolsByUpstream(u.ID) {
			if dt.Name == tool {
				return &u, nil
			}
		}
	}
	return nil, newDispatchError(http.StatusBadRequest, fmt.Sprintf("no running provider advertises tool %q", tool))
}

// providerErrorStatus maps a transport-level dispatch failure to the §7
// status table: DependencyTimeout, ProviderDied, and the catch-all
// ProviderUnavailable for every other reason the provider could not be
// reached (not connected, fleet session unavailable).
func providerErrorStatus(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, service.ErrProviderDied):
		return http.StatusInternalServerError
	default:
		return http.StatusServiceUnavailable
	}
}

// prepareParams applies §4.6/§4.8's per-call credential injection ahead
// of a tools/call dispatch: inject_user_id, the serverless API key, and
// OBO exchange. Non-tools/call methods pass their params through
// unmodified, since injection is defined only for tool invocations.
func (rt *Router) prepareParams(ctx context.Context, provider *upstream.Upstream, principal *auth.Principal, method string, rawParams json.RawMessage) (json.RawMessage, error) {
	if method != "tools/call" {
		if len(rawParams) == 0 {
			return json.RawMessage("{}"), nil
		}
		return rawParams, nil
	}

	var call struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &call); err != nil {
			return nil, fmt.Errorf("invalid tools/call params: %w", err)
		}
	}
	args := call.Arguments
	if args == nil {
		args = make(map[string]interface{})
	}

	if provider.Capabilities.InjectUserID {
		if v, has := args["user_id"]; !has || v == "default" {
			args["user_id"] = principal.SubjectID
		}
	}
	if provider.Capabilities.Serverless {
		if _, has := args["api_key"]; !has && principal.APIKey != "" {
			args["api_key"] = principal.APIKey
		}
	}
	if provider.Capabilities.SupportsOBO {
		token, err := rt.obo.Exchange(ctx, principal, "")
		if err != nil {
			return nil, fmt.Errorf("obo exchange failed: %w", err)
		}
		if token != "" {
			injectUserAccessToken(args, token)
		}
	}

	return json.Marshal(map[string]interface{}{"name": call.Name, "arguments": args})
}

// injectUserAccessToken sets params.arguments.meta.userAccessToken, never
// a leading-underscore key, per §4.6.
func injectUserAccessToken(args map[string]interface{}, token string) {
	meta, ok := args["meta"].(map[string]interface{})
	if !ok {
		meta = make(map[string]interface{})
		args["meta"] = meta
	}
	meta["userAccessToken"] = token
}

// invokeProvider dispatches method/params to provider's transport: the
// shared Child Transport's Pending Request Table for ordinary providers,
// or the caller's per-user fleet session for per_user_isolated ones.
func (rt *Router) invokeProvider(ctx context.Context, provider *upstream.Upstream, principal *auth.Principal, method string, params json.RawMessage) (json.RawMessage, error) {
	if provider.Capabilities.PerUserIsolated {
		if _, err := rt.fleet.Start(ctx, provider, principal.SubjectID, principal.PreferredAssertion()); err != nil {
			return nil, fmt.Errorf("fleet session unavailable: %w", err)
		}
		if method != "tools/call" {
			return nil, fmt.Errorf("method %q is not supported for per-user isolated providers", method)
		}
		var call struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments"`
		}
		if err := json.Unmarshal(params, &call); err != nil {
			return nil, fmt.Errorf("invalid tools/call params: %w", err)
		}
		return rt.fleet.Call(principal.SubjectID, provider.Name, call.Name, call.Arguments)
	}

	transport, err := rt.manager.GetTransport(provider.ID)
	if err != nil {
		return nil, fmt.Errorf("provider unavailable: %w", err)
	}
	var paramsAny interface{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &paramsAny); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	return transport.Call(ctx, method, paramsAny)
}

// emitAudit records a structured audit entry for a dispatched call
// (§4.8, §4.9): tool name is the method for non-tools/call envelope
// calls, or the tool's own name when method is tools/call.
func (rt *Router) emitAudit(principal *auth.Principal, providerName, method string, rawParams json.RawMessage, reason, decision string, start time.Time) {
	if rt.audit == nil {
		return
	}

	label := method
	var args map[string]interface{}
	if method == "tools/call" {
		var call struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments"`
		}
		if len(rawParams) > 0 {
			if err := json.Unmarshal(rawParams, &call); err == nil {
				if call.Name != "" {
					label = call.Name
				}
				args = call.Arguments
			}
		}
	}

	rt.audit.Dispatch(audit.AuditRecord{
		Timestamp:     start.UTC(),
		IdentityID:    principal.SubjectID,
		IdentityName:  principal.DisplayName,
		ToolName:      fmt.Sprintf("%s.%s", providerName, label),
		ToolArguments: args,
		Decision:      decision,
		Reason:        reason,
		LatencyMicros: time.Since(start).Microseconds(),
		Protocol:      "http",
	})
}

// --- user session fleet endpoints ---

type userSessionRequest struct {
	Provider string `json:"provider"`
}

func (rt *Router) startUserSession(w http.ResponseWriter, r *http.Request) {
	var req userSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	principal, err := rt.principalFromRequest(r)
	if err != nil {
		writeError(w, authnErrorStatus(err), "authentication failed")
		return
	}
	provider, err := rt.upstreams.GetByName(r.Context(), req.Provider)
	if err != nil {
		writeError(w, http.StatusNotFound, "provider not found")
		return
	}
	if !provider.Capabilities.PerUserIsolated {
		writeError(w, http.StatusBadRequest, "provider is not per-user isolated")
		return
	}

	decision, err := rt.policy.Authorize(r.Context(), principal, provider.Name, provider.Capabilities)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "policy evaluation failed")
		return
	}
	if !decision.Allowed {
		writeError(w, http.StatusForbidden, accessDeniedMessage(decision.Reason))
		return
	}

	res, err := rt.fleet.Start(r.Context(), provider, principal.SubjectID, principal.PreferredAssertion())
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to start session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": res.Status,
		"pid":    res.PID,
		"tools":  res.Tools,
	})
}

func (rt *Router) stopUserSession(w http.ResponseWriter, r *http.Request) {
	var req userSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	principal, err := rt.principalFromRequest(r)
	if err != nil {
		writeError(w, authnErrorStatus(err), "authentication failed")
		return
	}
	if ok := rt.fleet.Stop(principal.SubjectID, req.Provider); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) listOwnUserSessions(w http.ResponseWriter, r *http.Request) {
	principal, err := rt.principalFromRequest(r)
	if err != nil {
		writeError(w, authnErrorStatus(err), "authentication failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"providers": rt.fleet.ListUser(principal.SubjectID)})
}

// listUserSessions is an admin-only introspection endpoint over another
// user's fleet sessions.
func (rt *Router) listUserSessions(w http.ResponseWriter, r *http.Request) {
	principal, err := rt.principalFromRequest(r)
	if err != nil {
		writeError(w, authnErrorStatus(err), "authentication failed")
		return
	}
	if !principal.IsAdmin {
		writeError(w, http.StatusForbidden, "admin access required")
		return
	}
	user := r.PathValue("user")
	writeJSON(w, http.StatusOK, map[string][]string{"providers": rt.fleet.ListUser(user)})
}
