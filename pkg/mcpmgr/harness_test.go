package mcpmgr

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

type echoInput struct {
	Text string `json:"text"`
}

type sleepInput struct {
	Millis int `json:"millis"`
}

// newToolServer builds an MCP server exposing echo, sleep and fail tools.
func newToolServer(name string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: "0.1.0"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "Echo text back"},
		func(ctx context.Context, req *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: in.Text}}}, nil, nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: "sleep", Description: "Sleep for millis"},
		func(ctx context.Context, req *mcp.CallToolRequest, in sleepInput) (*mcp.CallToolResult, any, error) {
			select {
			case <-time.After(time.Duration(in.Millis) * time.Millisecond):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "slept"}}}, nil, nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: "fail", Description: "Always fails"},
		func(ctx context.Context, req *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: "boom"}},
			}, nil, nil
		})
	return server
}

// fakeServers is a TransportFactory backed by in-memory MCP servers. It
// counts connection attempts and closes of the underlying client connection
// per server id.
type fakeServers struct {
	mu        sync.Mutex
	connects  map[string]int
	closes    map[string]*atomic.Int32
	sessions  map[string]*mcp.ServerSession
	failing   map[string]bool
	blackhole map[string]bool
	wedged    map[string]bool
	delay     time.Duration

	// unblock releases connections whose Close is wedged.
	unblock     chan struct{}
	unblockOnce sync.Once
}

func newFakeServers() *fakeServers {
	return &fakeServers{
		connects:  make(map[string]int),
		closes:    make(map[string]*atomic.Int32),
		sessions:  make(map[string]*mcp.ServerSession),
		failing:   make(map[string]bool),
		blackhole: make(map[string]bool),
		wedged:    make(map[string]bool),
		unblock:   make(chan struct{}),
	}
}

func (f *fakeServers) fail(ids ...string) *fakeServers {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.failing[id] = true
	}
	return f
}

func (f *fakeServers) heal(ids ...string) *fakeServers {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.failing, id)
	}
	return f
}

// wedge makes Close on the ids' client connections block until release.
func (f *fakeServers) wedge(ids ...string) *fakeServers {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.wedged[id] = true
	}
	return f
}

func (f *fakeServers) release() {
	f.unblockOnce.Do(func() { close(f.unblock) })
}

func (f *fakeServers) hang(ids ...string) *fakeServers {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.blackhole[id] = true
	}
	return f
}

func (f *fakeServers) Connects(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects[id]
}

func (f *fakeServers) Closes(id string) int32 {
	f.mu.Lock()
	c := f.closes[id]
	f.mu.Unlock()
	if c == nil {
		return 0
	}
	return c.Load()
}

func (f *fakeServers) ServerSession(id string) *mcp.ServerSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id]
}

func (f *fakeServers) Transports(d ResolvedDescriptor) ([]mcp.Transport, error) {
	f.mu.Lock()
	f.connects[d.ID]++
	if f.closes[d.ID] == nil {
		f.closes[d.ID] = &atomic.Int32{}
	}
	counter := f.closes[d.ID]
	failing := f.failing[d.ID]
	hang := f.blackhole[d.ID]
	var wedge chan struct{}
	if f.wedged[d.ID] {
		wedge = f.unblock
	}
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if failing {
		return nil, errors.New("spawn failed")
	}
	if hang {
		return []mcp.Transport{&blackholeTransport{closes: counter}}, nil
	}

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := newToolServer(d.ID).Connect(context.Background(), serverTransport, nil)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.sessions[d.ID] = ss
	f.mu.Unlock()
	return []mcp.Transport{&countingTransport{delegate: clientTransport, closes: counter, wedge: wedge}}, nil
}

type countingTransport struct {
	delegate mcp.Transport
	closes   *atomic.Int32
	wedge    <-chan struct{}
}

func (t *countingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &countingConn{Connection: conn, closes: t.closes, wedge: t.wedge}, nil
}

type countingConn struct {
	mcp.Connection
	closes *atomic.Int32
	wedge  <-chan struct{}
}

func (c *countingConn) Close() error {
	c.closes.Add(1)
	if c.wedge != nil {
		<-c.wedge
	}
	return c.Connection.Close()
}

// blackholeTransport accepts writes and never answers, so the handshake
// can only end by timeout or cancellation.
type blackholeTransport struct {
	closes *atomic.Int32
}

func (t *blackholeTransport) Connect(context.Context) (mcp.Connection, error) {
	return &blackholeConn{closed: make(chan struct{}), closes: t.closes}, nil
}

type blackholeConn struct {
	once   sync.Once
	closed chan struct{}
	closes *atomic.Int32
}

func (c *blackholeConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *blackholeConn) Write(context.Context, jsonrpc.Message) error { return nil }

func (c *blackholeConn) Close() error {
	c.closes.Add(1)
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *blackholeConn) SessionID() string { return "" }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, fake *fakeServers, capacity int) *Pool {
	t.Helper()
	pool := NewPool(&PoolOptions{
		MaxSessions:    capacity,
		ConnectTimeout: 2 * time.Second,
		Environment:    Environment{},
		Transports:     fake.Transports,
		Logger:         quietLogger(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	return pool
}

func stubDescriptor(id string) ServerDescriptor {
	return ServerDescriptor{ID: id, Command: "fake-" + id}
}

func waitClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Supervisor().Done():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "supervisor did not close", "server %s", s.ServerID)
	}
}
