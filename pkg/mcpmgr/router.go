package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/semaphore"
)

// ConnectionStatus represents the lifecycle of a configured server as seen
// by the router.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

const statusPingTimeout = 2 * time.Second

// ServerSummary aggregates status information for a configured server.
type ServerSummary struct {
	ID         string
	Status     ConnectionStatus
	State      SupervisorState
	Generation string
	// Err is the cached connect failure, if any.
	Err error
}

// Candidate is one (server, tool) pair ranked by a Matcher.
type Candidate struct {
	ServerID    string  `json:"server_name" yaml:"server_name"`
	ToolName    string  `json:"tool_name" yaml:"tool_name"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Score       float64 `json:"score" yaml:"score"`
}

// Matcher ranks tools for a free-text query.
type Matcher interface {
	Match(ctx context.Context, query string) ([]Candidate, error)
}

// CallStatus classifies the outcome of a routed tool call.
type CallStatus string

const (
	CallOK        CallStatus = "ok"
	CallTimedOut  CallStatus = "timed_out"
	CallToolError CallStatus = "tool_error"
	CallFailed    CallStatus = "failed"
)

// ToolResult is the outcome of Router.Call. Result is always non-nil; for
// timeouts and failures it carries a synthesized error result.
type ToolResult struct {
	ServerID string
	Tool     string
	Status   CallStatus
	Result   *mcp.CallToolResult
	Err      error
	Duration time.Duration
}

// Router dispatches tool calls to pooled sessions. Connection establishment
// is serialized by a process-wide dispatch lock; the calls themselves run
// concurrently.
//
// A server whose connect attempt fails is not redialed: the failure is kept
// and returned to later callers until Reconnect or Remove clears it.
type Router struct {
	doc      *Document
	pool     *Pool
	opts     RouterOptions
	logger   *slog.Logger
	dispatch *semaphore.Weighted

	mu     sync.Mutex
	failed map[string]*ConnectError
}

// NewRouter binds a configuration document to a pool.
func NewRouter(doc *Document, pool *Pool, opts *RouterOptions) *Router {
	if doc == nil {
		doc = &Document{MCPServers: map[string]ServerDescriptor{}}
	}
	o := opts.withDefaults(pool)
	return &Router{
		doc:      doc,
		pool:     pool,
		opts:     o,
		logger:   o.Logger,
		dispatch: semaphore.NewWeighted(1),
		failed:   make(map[string]*ConnectError),
	}
}

// Pool returns the router's session pool.
func (r *Router) Pool() *Pool { return r.pool }

// Servers lists configured server ids in lexical order.
func (r *Router) Servers() []string {
	return sortedKeys(r.doc.MCPServers)
}

// Session returns the pooled session for serverID, connecting on a miss.
// Only this step runs under the dispatch lock. A cached connect failure is
// returned without dialing.
func (r *Router) Session(ctx context.Context, serverID string) (*Session, error) {
	desc, ok := r.doc.Lookup(serverID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, serverID)
	}
	if err := r.failure(serverID); err != nil {
		return nil, err
	}
	if err := r.dispatch.Acquire(ctx, 1); err != nil {
		return nil, &ConnectError{ServerID: serverID, Err: err}
	}
	defer r.dispatch.Release(1)
	if err := r.failure(serverID); err != nil {
		return nil, err
	}
	return r.connect(ctx, serverID, desc)
}

// connect runs under the dispatch lock.
func (r *Router) connect(ctx context.Context, serverID string, desc ServerDescriptor) (*Session, error) {
	session, err := r.pool.GetOrCreate(ctx, serverID, desc)
	var cerr *ConnectError
	// Failures caused by the caller's own context, a removal or a closed
	// pool say nothing about the server and are not kept.
	if errors.As(err, &cerr) && ctx.Err() == nil &&
		!errors.Is(err, ErrSessionClosed) && !errors.Is(err, ErrPoolClosed) {
		r.mu.Lock()
		r.failed[serverID] = cerr
		r.mu.Unlock()
		r.logger.Warn("connect failed; not retrying until reconnect", "server", serverID, "error", cerr.Err)
	}
	return session, err
}

func (r *Router) failure(serverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cerr, ok := r.failed[serverID]; ok {
		return cerr
	}
	return nil
}

func (r *Router) clearFailure(serverID string) {
	r.mu.Lock()
	delete(r.failed, serverID)
	r.mu.Unlock()
}

// Call invokes toolName on serverID. A non-positive timeout uses the
// configured CallTimeout. Timeouts, tool errors and call failures are
// reported through ToolResult; the error return is limited to failures
// before the call is sent (unknown server, connect failure).
//
// A call that exceeds its deadline is abandoned; the session stays pooled.
func (r *Router) Call(ctx context.Context, serverID, toolName string, args map[string]any, timeout time.Duration) (ToolResult, error) {
	session, err := r.Session(ctx, serverID)
	if err != nil {
		return ToolResult{}, err
	}
	if timeout <= 0 {
		timeout = r.opts.CallTimeout
	}

	type outcome struct {
		res *mcp.CallToolResult
		err error
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		res, err := session.CallTool(callCtx, toolName, args)
		done <- outcome{res: res, err: err}
	}()

	result := ToolResult{ServerID: serverID, Tool: toolName}
	select {
	case out := <-done:
		result.Duration = time.Since(start)
		switch {
		case out.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
			r.timedOut(&result)
		case out.err != nil:
			result.Status = CallFailed
			result.Err = fmt.Errorf("mcpmgr: call %q on %q: %w", toolName, serverID, out.err)
			result.Result = errorResult(result.Err.Error())
		case out.res.IsError:
			result.Status = CallToolError
			result.Result = out.res
			result.Err = &ToolExecutionError{ServerID: serverID, Tool: toolName, Message: ResultText(out.res)}
		default:
			result.Status = CallOK
			result.Result = out.res
		}
	case <-callCtx.Done():
		result.Duration = time.Since(start)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			r.timedOut(&result)
		} else {
			result.Status = CallFailed
			result.Err = callCtx.Err()
			result.Result = errorResult(fmt.Sprintf("Tool %s in %s call cancelled.", toolName, serverID))
		}
	}
	r.logger.Debug("tool call finished", "server", serverID, "tool", toolName, "status", string(result.Status), "duration", result.Duration)
	return result, nil
}

func (r *Router) timedOut(result *ToolResult) {
	result.Status = CallTimedOut
	result.Err = fmt.Errorf("%w: %s on %s", ErrCallTimeout, result.Tool, result.ServerID)
	result.Result = errorResult(fmt.Sprintf("Tool %s in %s call timed out.", result.Tool, result.ServerID))
	r.logger.Warn("tool call timed out", "server", result.ServerID, "tool", result.Tool)
}

// Execute is Call with every outcome folded into a CallToolResult; it never
// returns an error. A zero timeout uses the router's CallTimeout.
func (r *Router) Execute(ctx context.Context, serverID, toolName string, args map[string]any, timeout time.Duration) *mcp.CallToolResult {
	res, err := r.Call(ctx, serverID, toolName, args, timeout)
	if err != nil {
		r.logger.Warn("tool call setup failed", "server", serverID, "tool", toolName, "error", err)
		return errorResult(err.Error())
	}
	return res.Result
}

// ListTools lists the tools of serverID, connecting on a miss.
func (r *Router) ListTools(ctx context.Context, serverID string) ([]*mcp.Tool, error) {
	session, err := r.Session(ctx, serverID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
	defer cancel()
	return session.ListTools(ctx)
}

// Route ranks candidate tools for query using the configured Matcher.
func (r *Router) Route(ctx context.Context, query string) ([]Candidate, error) {
	if r.opts.Matcher == nil {
		return nil, errors.New("mcpmgr: no matcher configured")
	}
	return r.opts.Matcher.Match(ctx, query)
}

// Reconnect tears down the pooled session for serverID, waits for teardown
// and opens a fresh one. It also clears a cached connect failure.
func (r *Router) Reconnect(ctx context.Context, serverID string) (*Session, error) {
	desc, ok := r.doc.Lookup(serverID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, serverID)
	}
	if err := r.dispatch.Acquire(ctx, 1); err != nil {
		return nil, &ConnectError{ServerID: serverID, Err: err}
	}
	defer r.dispatch.Release(1)
	r.clearFailure(serverID)
	if err := r.pool.Remove(ctx, serverID); err != nil {
		return nil, err
	}
	r.logger.Info("reconnecting", "server", serverID)
	return r.connect(ctx, serverID, desc)
}

// Remove closes the pooled session for serverID, if any, and forgets a
// cached connect failure. The next call dials again.
func (r *Router) Remove(ctx context.Context, serverID string) error {
	r.clearFailure(serverID)
	return r.pool.Remove(ctx, serverID)
}

// Ping reports the connection status of serverID by pinging its pooled
// session. It never opens a connection.
func (r *Router) Ping(ctx context.Context, serverID string) ConnectionStatus {
	if r.pool.Connecting(serverID) {
		return StatusConnecting
	}
	session, ok := r.pool.Get(serverID)
	if !ok || session.Closed() {
		return StatusDisconnected
	}
	ctx, cancel := context.WithTimeout(ctx, statusPingTimeout)
	defer cancel()
	if err := session.Ping(ctx); err != nil {
		return StatusDisconnected
	}
	return StatusConnected
}

// Status summarizes every configured server without performing I/O.
func (r *Router) Status() []ServerSummary {
	pooled := make(map[string]PoolEntry)
	for _, e := range r.pool.Entries() {
		pooled[e.ServerID] = e
	}
	ids := r.Servers()
	out := make([]ServerSummary, 0, len(ids))
	for _, id := range ids {
		summary := ServerSummary{ID: id, Status: StatusDisconnected, State: StateClosed}
		if err := r.failure(id); err != nil {
			summary.Err = err
		}
		if e, ok := pooled[id]; ok {
			summary.State = e.State
			summary.Generation = e.Generation
			if e.State == StateActive {
				summary.Status = StatusConnected
			}
		} else if r.pool.Connecting(id) {
			summary.Status = StatusConnecting
			summary.State = StateConnecting
		}
		out = append(out, summary)
	}
	return out
}

// Shutdown closes every pooled session.
func (r *Router) Shutdown(ctx context.Context) error {
	return r.pool.Shutdown(ctx)
}

// ResultText joins the text content blocks of a tool result.
func ResultText(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
