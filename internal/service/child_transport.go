package service

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// defaultChildCallTimeout bounds how long a caller waits for a response
// to a dispatched tools/call before the Pending Request Table reaps the
// entry, matching the DependencyTimeout kind in SPEC_FULL.md §7.
const defaultChildCallTimeout = 30 * time.Second

// ErrProviderDied is returned to every pending call when the child's
// stdout is closed (process exit or Close), per §4.1's child-death rule.
var ErrProviderDied = errors.New("provider process exited")

// ProviderRPCError wraps a JSON-RPC error object the child itself
// returned, as opposed to a transport-level failure. Per §7's
// ProviderError kind, this passes through to the caller as a normal
// response rather than an HTTP error status.
type ProviderRPCError struct {
	Message string
}

func (e *ProviderRPCError) Error() string { return e.Message }

type childResult struct {
	payload json.RawMessage
	errMsg  string
	err     error
}

type pendingChildCall struct {
	resultCh chan childResult
}

// ChildTransport demultiplexes a single child's newline-delimited
// JSON-RPC stdio stream across concurrent callers. Writes are serialized
// so framing can't interleave; a dedicated reader goroutine parses each
// response line and routes it to the pending call with the matching id
// (the Pending Request Table, §4.1/§5). Inserting a pending entry always
// happens before the request is written, so a response can never race
// ahead of its own registration.
type ChildTransport struct {
	providerID string
	stdin      childWriter
	writeMu    sync.Mutex

	pending sync.Map // string(normalized id) -> *pendingChildCall
	nextID  int64

	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// childWriter is the subset of io.Writer a ChildTransport needs; kept as
// its own name so call sites read naturally (stdin.Write).
type childWriter interface {
	Write(p []byte) (int, error)
}

type childReader interface {
	Read(p []byte) (int, error)
}

// newChildTransport wraps a connected child's stdin/stdout and starts the
// reader goroutine. The goroutine exits on its own once stdout returns
// EOF or an error, i.e. when the child dies or is closed.
func newChildTransport(providerID string, stdin childWriter, stdout childReader, logger *slog.Logger) *ChildTransport {
	t := &ChildTransport{
		providerID: providerID,
		stdin:      stdin,
		logger:     logger,
		done:       make(chan struct{}),
	}
	go t.readLoop(stdout)
	return t
}

func (t *ChildTransport) readLoop(stdout childReader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame struct {
			ID     json.RawMessage `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(line, &frame); err != nil {
			t.logger.Warn("discarding unparsable frame from provider", "provider", t.providerID, "error", err)
			continue
		}

		key := normalizeRPCID(frame.ID)
		if key == "" {
			continue
		}
		v, ok := t.pending.LoadAndDelete(key)
		if !ok {
			t.logger.Warn("discarding response with unmatched id", "provider", t.providerID, "id", key)
			continue
		}
		pc := v.(*pendingChildCall)
		if frame.Error != nil {
			pc.resultCh <- childResult{errMsg: frame.Error.Message}
		} else {
			pc.resultCh <- childResult{payload: frame.Result}
		}
	}

	t.failAll(fmt.Errorf("%w: %s", ErrProviderDied, t.providerID))
}

// failAll delivers ErrProviderDied to every call still waiting on a
// response, so no caller blocks forever once the child is gone.
func (t *ChildTransport) failAll(err error) {
	t.closeOnce.Do(func() { close(t.done) })
	t.pending.Range(func(key, value interface{}) bool {
		t.pending.Delete(key)
		value.(*pendingChildCall).resultCh <- childResult{err: err}
		return true
	})
}

// normalizeRPCID renders a JSON-RPC id (string or number) as a string key,
// per §4.1's "ids are strings or integers, comparison normalizes to string".
func normalizeRPCID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

// Call sends method/params to the child with a freshly-generated
// correlation id and waits for the matching response. The pending entry
// is inserted before the request is written, satisfying the
// insert-before-write invariant even under heavy concurrency.
func (t *ChildTransport) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddInt64(&t.nextID, 1)
	key := fmt.Sprintf("%d", id)

	pc := &pendingChildCall{resultCh: make(chan childResult, 1)}
	t.pending.Store(key, pc)

	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.pending.Delete(key)
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	_, werr := t.stdin.Write(data)
	t.writeMu.Unlock()
	if werr != nil {
		t.pending.Delete(key)
		return nil, fmt.Errorf("write %s request: %w", method, werr)
	}

	select {
	case res := <-pc.resultCh:
		if res.err != nil {
			return nil, res.err
		}
		if res.errMsg != "" {
			return nil, &ProviderRPCError{Message: res.errMsg}
		}
		return res.payload, nil
	case <-ctx.Done():
		t.pending.Delete(key)
		return nil, ctx.Err()
	case <-time.After(defaultChildCallTimeout):
		t.pending.Delete(key)
		return nil, fmt.Errorf("timeout waiting for %s response from provider %s: %w", method, t.providerID, context.DeadlineExceeded)
	case <-t.done:
		t.pending.Delete(key)
		return nil, fmt.Errorf("%w: %s", ErrProviderDied, t.providerID)
	}
}
