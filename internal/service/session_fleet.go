package service

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nexusgate/mcpbroker/internal/domain/upstream"
	"github.com/nexusgate/mcpbroker/internal/port/outbound"
)

const (
	// defaultIdleThreshold is how long a per-user child may sit idle
	// before the sweeper considers it stale, grounded in the original's
	// is_stale(max_idle_minutes=60).
	defaultIdleThreshold = 60 * time.Minute
	// defaultSweepInterval is how often the sweeper runs, grounded in
	// the original's start_periodic_cleanup(interval_minutes=15).
	defaultSweepInterval = 15 * time.Minute
	// fleetToolsListID is the fixed correlation id used for the
	// tools/list issued immediately after spawning a fleet child.
	fleetToolsListID = 1
)

// FleetTool is a single tool descriptor cached for a fleet session.
type FleetTool struct {
	Name        string
	Description string
	InputSchema interface{}
}

// pidAware and aliveAware are the capabilities a child-backed MCPClient
// adapter (e.g. the stdio adapter) exposes beyond the port interface, so
// the fleet can report process identity without depending on os/exec.
type pidAware interface{ PID() int }
type aliveAware interface{ Alive() bool }

// fleetSession is the runtime state for one (user, provider) child.
type fleetSession struct {
	userID       string
	providerName string
	client       outbound.MCPClient
	stdin        io.WriteCloser
	stdout       io.ReadCloser
	token        string
	tools        []FleetTool
	createdAt    time.Time
	lastAccessed time.Time
	mu           sync.Mutex
}

func (s *fleetSession) alive() bool {
	if a, ok := s.client.(aliveAware); ok {
		return a.Alive()
	}
	return true
}

func (s *fleetSession) pid() int {
	if p, ok := s.client.(pidAware); ok {
		return p.PID()
	}
	return 0
}

// StartResult describes the outcome of SessionFleet.Start.
type StartResult struct {
	Status       string // "existing" or "created"
	PID          int
	Tools        []FleetTool
	CreatedAt    time.Time
}

// SessionFleetClientFactory creates an MCPClient for a per-user isolated
// provider, given the provider config and the user's access token to be
// carried through the child's environment.
type SessionFleetClientFactory func(u *upstream.Upstream, userID, token string) (outbound.MCPClient, error)

// SessionFleet manages per-user isolated child processes for providers
// flagged per_user_isolated (§4.4). All operations are safe under
// concurrent calls; the periodic sweeper calls the same stop path a
// user-initiated request would.
type SessionFleet struct {
	clientFactory SessionFleetClientFactory
	idleThreshold time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*fleetSession

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSessionFleet creates a SessionFleet with the default idle threshold
// and sweep interval from §4.4.
func NewSessionFleet(factory SessionFleetClientFactory, logger *slog.Logger) *SessionFleet {
	return &SessionFleet{
		clientFactory: factory,
		idleThreshold: defaultIdleThreshold,
		sweepInterval: defaultSweepInterval,
		logger:        logger,
		sessions:      make(map[string]*fleetSession),
		stopCh:        make(chan struct{}),
	}
}

func fleetKey(userID, providerName string) string {
	return userID + "|" + providerName
}

// Start creates or reuses a live session for (userID, providerName). On
// creation it immediately issues tools/list with id 1 and caches the
// result; on reuse it updates last-accessed and returns the cached tools
// unchanged, matching Scenario F's "same PID returned, status=existing".
func (f *SessionFleet) Start(ctx context.Context, u *upstream.Upstream, userID, token string) (StartResult, error) {
	key := fleetKey(userID, u.Name)

	f.mu.Lock()
	existing, ok := f.sessions[key]
	f.mu.Unlock()

	if ok && existing.alive() {
		existing.mu.Lock()
		existing.lastAccessed = time.Now().UTC()
		tools := existing.tools
		createdAt := existing.createdAt
		existing.mu.Unlock()
		return StartResult{Status: "existing", PID: existing.pid(), Tools: tools, CreatedAt: createdAt}, nil
	}
	if ok && !existing.alive() {
		f.logger.Warn("found dead fleet session, cleaning up", "user", userID, "provider", u.Name)
		f.stopLocked(key)
	}

	client, err := f.clientFactory(u, userID, token)
	if err != nil {
		return StartResult{}, fmt.Errorf("create fleet client: %w", err)
	}
	stdin, stdout, err := client.Start(ctx)
	if err != nil {
		return StartResult{}, fmt.Errorf("start fleet child for user %s provider %s: %w", userID, u.Name, err)
	}

	now := time.Now().UTC()
	sess := &fleetSession{
		userID:       userID,
		providerName: u.Name,
		client:       client,
		stdin:        stdin,
		stdout:       stdout,
		token:        token,
		createdAt:    now,
		lastAccessed: now,
	}
	tools, err := fetchFleetTools(stdout, stdin)
	if err != nil {
		f.logger.Error("failed to query tools/list from fleet child", "user", userID, "provider", u.Name, "error", err)
		tools = nil
	}
	sess.tools = tools

	f.mu.Lock()
	f.sessions[key] = sess
	f.mu.Unlock()

	f.logger.Info("fleet session created", "user", userID, "provider", u.Name, "pid", sess.pid())
	return StartResult{Status: "created", PID: sess.pid(), Tools: tools, CreatedAt: now}, nil
}

// Stop terminates the child for (userID, providerName), if any.
func (f *SessionFleet) Stop(userID, providerName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopLocked(fleetKey(userID, providerName))
}

// stopLocked requires f.mu held for writing.
func (f *SessionFleet) stopLocked(key string) bool {
	sess, ok := f.sessions[key]
	if !ok {
		return false
	}
	delete(f.sessions, key)
	if err := sess.client.Close(); err != nil {
		f.logger.Error("error closing fleet client", "error", err)
	}
	return true
}

// Get returns session metadata for introspection, without taking it out
// of the fleet or affecting last-accessed.
func (f *SessionFleet) Get(userID, providerName string) (StartResult, bool) {
	f.mu.RLock()
	sess, ok := f.sessions[fleetKey(userID, providerName)]
	f.mu.RUnlock()
	if !ok {
		return StartResult{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return StartResult{Status: "existing", PID: sess.pid(), Tools: sess.tools, CreatedAt: sess.createdAt}, true
}

// Call issues a tools/call against an already-running fleet child and
// returns its result, serialized per-session so concurrent calls for
// the same (user, provider) don't interleave on the child's stdio.
func (f *SessionFleet) Call(userID, providerName, tool string, args map[string]interface{}) (json.RawMessage, error) {
	f.mu.RLock()
	sess, ok := f.sessions[fleetKey(userID, providerName)]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no active session for user %s provider %s", userID, providerName)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastAccessed = time.Now().UTC()

	return callFleetTool(sess.stdout, sess.stdin, tool, args)
}

// callFleetTool sends a tools/call request with a fixed correlation id
// and reads a single newline-delimited response.
func callFleetTool(stdout io.Reader, stdin io.Writer, tool string, args map[string]interface{}) (json.RawMessage, error) {
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      fleetToolsListID + 1,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      tool,
			"arguments": args,
		},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal tools/call request: %w", err)
	}
	data = append(data, '\n')
	if _, err := stdin.Write(data); err != nil {
		return nil, fmt.Errorf("write tools/call request: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read tools/call response: %w", err)
		}
		return nil, fmt.Errorf("no tools/call response received")
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode tools/call response: %w", err)
	}
	if resp.Error != nil {
		return nil, &ProviderRPCError{Message: resp.Error.Message}
	}
	return resp.Result, nil
}

// ListUser returns every active session for a user across providers.
func (f *SessionFleet) ListUser(userID string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var providers []string
	for _, sess := range f.sessions {
		if sess.userID == userID {
			providers = append(providers, sess.providerName)
		}
	}
	return providers
}

// StartSweeper begins the periodic sweeper goroutine. It evicts sessions
// idle past the threshold or whose child has died, using the same Stop
// path a direct call would use, so sweeps are racy-safe (§5).
func (f *SessionFleet) StartSweeper(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-f.stopCh:
				return
			case <-ticker.C:
				f.sweep()
			}
		}
	}()
}

func (f *SessionFleet) sweep() {
	f.mu.Lock()
	defer f.mu.Unlock()

	var stale []string
	for key, sess := range f.sessions {
		sess.mu.Lock()
		idle := time.Since(sess.lastAccessed)
		sess.mu.Unlock()
		if idle > f.idleThreshold || !sess.alive() {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		f.logger.Info("sweeping stale fleet session", "key", key)
		f.stopLocked(key)
	}
}

// Shutdown stops the sweeper and closes every fleet child.
func (f *SessionFleet) Shutdown() {
	f.once.Do(func() {
		close(f.stopCh)
	})
	f.wg.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.sessions {
		f.stopLocked(key)
	}
}

// fetchFleetTools sends tools/list with the fixed id 1 and reads a
// single response line, mirroring the child-transport write-then-read-
// one-line pattern used for the auto-detect cache refresh.
func fetchFleetTools(stdout io.Reader, stdin io.Writer) ([]FleetTool, error) {
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      fleetToolsListID,
		"method":  "tools/list",
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal tools/list request: %w", err)
	}
	data = append(data, '\n')
	if _, err := stdin.Write(data); err != nil {
		return nil, fmt.Errorf("write tools/list request: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read tools/list response: %w", err)
		}
		return nil, fmt.Errorf("no tools/list response received")
	}

	var resp struct {
		Result struct {
			Tools []FleetTool `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode tools/list response: %w", err)
	}
	return resp.Result.Tools, nil
}
