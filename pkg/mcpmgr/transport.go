package mcpmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// TransportFactory builds the transports to attempt for a resolved
// descriptor, in preference order. The supervisor tries each until one
// completes the initialize handshake.
type TransportFactory func(ResolvedDescriptor) ([]mcp.Transport, error)

// DefaultTransports launches subprocess descriptors over stdio and dials
// stream descriptors over Streamable HTTP and/or SSE.
func DefaultTransports(d ResolvedDescriptor) ([]mcp.Transport, error) {
	switch d.Kind {
	case TransportSubprocess:
		t, err := buildStdioTransport(d)
		if err != nil {
			return nil, err
		}
		return []mcp.Transport{t}, nil
	case TransportStream:
		return buildStreamTransports(d)
	default:
		return nil, fmt.Errorf("%w: %q has neither command nor url", ErrInvalidDescriptor, d.ID)
	}
}

func buildStdioTransport(d ResolvedDescriptor) (mcp.Transport, error) {
	if d.Command == "" {
		return nil, fmt.Errorf("mcpmgr: command missing for %q", d.ID)
	}
	cmd := exec.Command(d.Command, d.Args...)
	if len(d.Env) > 0 {
		cmd.Env = append(os.Environ(), envPairs(d.Env)...)
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

func buildStreamTransports(d ResolvedDescriptor) ([]mcp.Transport, error) {
	if d.URL == "" {
		return nil, fmt.Errorf("mcpmgr: url missing for %q", d.ID)
	}
	client := decorateHTTPClient(nil, d.Header)
	var out []mcp.Transport
	for _, kind := range PreferredStreamTransports(d) {
		switch kind {
		case StreamTransportSSE:
			out = append(out, &mcp.SSEClientTransport{Endpoint: d.URL, HTTPClient: client})
		case StreamTransportStreamable:
			out = append(out, &mcp.StreamableClientTransport{Endpoint: d.URL, HTTPClient: client})
		}
	}
	return out, nil
}

func decorateHTTPClient(base *http.Client, headers map[string]string) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	if len(headers) == 0 {
		return base
	}
	clone := *base
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	clone.Transport = &headerDecorator{
		next:    defaultRoundTripper(base.Transport),
		headers: h,
	}
	return &clone
}

type headerDecorator struct {
	next    http.RoundTripper
	headers http.Header
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, values := range d.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	return d.next.RoundTrip(req)
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}

// observedTransport wraps a transport so the supervisor owns the opened
// connection (for release on every exit path) and can mirror JSON-RPC
// traffic to an RPCLogger.
type observedTransport struct {
	serverID  string
	delegate  mcp.Transport
	logger    RPCLogger
	onConnect func(*observedConnection)
}

func (t *observedTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	oc := &observedConnection{serverID: t.serverID, delegate: conn, logger: t.logger}
	if t.onConnect != nil {
		t.onConnect(oc)
	}
	return oc, nil
}

// observedConnection closes its delegate at most once no matter how many
// owners (SDK session, supervisor release stack) ask it to.
type observedConnection struct {
	serverID string
	delegate mcp.Connection
	logger   RPCLogger

	logMu     sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *observedConnection) SessionID() string { return c.delegate.SessionID() }

func (c *observedConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit(RPCDirectionReceive, msg)
	}
	return msg, err
}

func (c *observedConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit(RPCDirectionSend, msg)
	return nil
}

func (c *observedConnection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.delegate.Close()
	})
	return c.closeErr
}

func (c *observedConnection) emit(direction RPCDirection, msg jsonrpc.Message) {
	if c.logger == nil {
		return
	}
	c.logMu.Lock()
	defer c.logMu.Unlock()
	encoded, err := json.Marshal(msg)
	if err != nil {
		encoded = []byte(err.Error())
	}
	c.logger(RPCLogEvent{Direction: direction, Message: encoded, ServerID: c.serverID})
}
