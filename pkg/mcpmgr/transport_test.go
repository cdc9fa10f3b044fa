package mcpmgr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTransportsByKind(t *testing.T) {
	t.Parallel()

	sub, err := DefaultTransports(ResolvedDescriptor{
		ID:      "sub",
		Kind:    TransportSubprocess,
		Command: "echo",
		Args:    []string{"hi"},
		Env:     map[string]string{"A": "1"},
	})
	require.NoError(t, err)
	require.Len(t, sub, 1)
	cmdTransport, ok := sub[0].(*mcp.CommandTransport)
	require.True(t, ok)
	assert.Contains(t, cmdTransport.Command.Env, "A=1")

	stream, err := DefaultTransports(ResolvedDescriptor{ID: "s", Kind: TransportStream, URL: "https://h/mcp"})
	require.NoError(t, err)
	require.Len(t, stream, 2)
	assert.IsType(t, &mcp.StreamableClientTransport{}, stream[0])
	assert.IsType(t, &mcp.SSEClientTransport{}, stream[1])

	_, err = DefaultTransports(ResolvedDescriptor{ID: "none"})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestHeaderDecoratorSetsHeaders(t *testing.T) {
	t.Parallel()

	got := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
	}))
	defer srv.Close()

	client := decorateHTTPClient(nil, map[string]string{"Authorization": "Bearer abc"})
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer stale")
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	headers := <-got
	assert.Equal(t, []string{"Bearer abc"}, headers.Values("Authorization"))
	assert.Equal(t, "Bearer stale", req.Header.Get("Authorization"), "caller request must not be mutated")
	assert.Same(t, http.DefaultClient, decorateHTTPClient(nil, nil))
}

func TestStreamableSessionOverHTTP(t *testing.T) {
	t.Parallel()

	server := newToolServer("remote")
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
	srv := httptest.NewServer(handler)
	defer srv.Close()

	pool := NewPool(&PoolOptions{Environment: Environment{}, Logger: quietLogger()})
	defer pool.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := pool.GetOrCreate(ctx, "remote", ServerDescriptor{URL: srv.URL, Transport: StreamTransportStreamable})
	require.NoError(t, err)
	res, err := s.CallTool(ctx, "echo", map[string]any{"text": "over http"})
	require.NoError(t, err)
	assert.Equal(t, "over http", ResultText(res))
}

func TestRPCLoggerObservesTraffic(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []RPCLogEvent
	)
	fake := newFakeServers()
	pool := NewPool(&PoolOptions{
		Environment: Environment{},
		Transports:  fake.Transports,
		Logger:      quietLogger(),
		RPCLogger: func(e RPCLogEvent) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		},
	})
	defer pool.Shutdown(context.Background())

	_, err := pool.GetOrCreate(context.Background(), "alpha", stubDescriptor("alpha"))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	var sent, received bool
	for _, e := range events {
		assert.Equal(t, "alpha", e.ServerID)
		switch e.Direction {
		case RPCDirectionSend:
			sent = true
		case RPCDirectionReceive:
			received = true
		}
	}
	assert.True(t, sent)
	assert.True(t, received)
}
