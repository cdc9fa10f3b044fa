package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcp-session-pool-go/pkg/mcpmgr"
)

const (
	routeToolName   = "route"
	executeToolName = "execute-tool"

	protectedResourcePath = "/.well-known/oauth-protected-resource"
)

const routeDescription = `Find MCP servers and tools that can solve the user's request.
Use it when no available tool fits the task, when unsure which tool to use, or when the request is vague and options need exploring first. This is the discovery step before execute-tool.

query (string, required) must contain a <tool_assistant> tag describing the server and the tool, for example:
    <tool_assistant>
    server: ... # platform or permission domain
    tool: ... # operation type and target
    </tool_assistant>`

const executeDescription = `Execute a specific tool on a specific server. Only select tools returned by a previous route call.

Use it after route has named a server and tool, to retry a failed execution (up to 3 times), or when a later request needs the same tool again.

server_name (string, required): the server hosting the tool.
tool_name (string, required): the tool to execute.
params (object, optional): arguments for the tool; omit when it takes none.
timeout_seconds (number, optional): abandon the call after this many seconds.`

// RouteInput is the argument of the route tool.
type RouteInput struct {
	Query string `json:"query"`
}

// ExecuteInput is the argument of the execute-tool tool.
type ExecuteInput struct {
	ServerName string         `json:"server_name"`
	ToolName   string         `json:"tool_name"`
	Params     map[string]any `json:"params,omitempty"`
	// TimeoutSeconds overrides the router's call timeout when positive.
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
}

type routeOutput struct {
	MatchedTools []mcpmgr.Candidate `yaml:"matched_tools"`
}

// Copilot serves the route and execute-tool tools backed by a Router.
type Copilot struct {
	router *mcpmgr.Router
	opts   Options

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	httpHandler   http.Handler

	httpServerMu sync.Mutex
	httpServer   *http.Server
	listenAddr   string
}

// New builds a Copilot around router.
func New(router *mcpmgr.Router, opts *Options) (*Copilot, error) {
	if router == nil {
		return nil, fmt.Errorf("copilot: router is required")
	}
	options := opts.withDefaults()
	if options.TokenOptions != nil && options.TokenVerifier == nil {
		return nil, fmt.Errorf("copilot: token options require a token verifier")
	}
	c := &Copilot{router: router, opts: options}

	c.server = mcp.NewServer(options.Implementation, nil)
	mcp.AddTool(c.server, &mcp.Tool{
		Name:        routeToolName,
		Description: routeDescription,
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"query": {Type: "string", Description: "Request wrapped in a <tool_assistant> tag."},
			},
			Required: []string{"query"},
		},
	}, c.handleRoute)
	mcp.AddTool(c.server, &mcp.Tool{
		Name:        executeToolName,
		Description: executeDescription,
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"server_name":     {Type: "string", Description: "Server hosting the tool."},
				"tool_name":       {Type: "string", Description: "Tool to execute."},
				"params":          {Types: []string{"object", "null"}, Description: "Arguments passed to the tool."},
				"timeout_seconds": {Type: "number", Description: "Call timeout in seconds; defaults to the server-wide timeout."},
			},
			Required: []string{"server_name", "tool_name"},
		},
	}, c.handleExecute)

	c.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return c.server
	}, &options.Streamable)
	c.httpHandler = c.mountHandler()
	return c, nil
}

// Server returns the underlying MCP server.
func (c *Copilot) Server() *mcp.Server { return c.server }

// Options returns the effective options.
func (c *Copilot) Options() Options { return c.opts }

// Handler exposes the HTTP handler that serves the Streamable endpoint.
func (c *Copilot) Handler() http.Handler { return c.httpHandler }

// ServeStdio serves a single client over stdin/stdout until ctx is done or
// the client disconnects.
func (c *Copilot) ServeStdio(ctx context.Context) error {
	return c.Serve(ctx, &mcp.StdioTransport{})
}

// Serve serves a single client over t.
func (c *Copilot) Serve(ctx context.Context, t mcp.Transport) error {
	err := c.server.Run(ctx, t)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ListenAndServe binds Options.Addr and serves the Streamable endpoint until
// ctx ends or Shutdown is called. Cancelling ctx drains open requests for up
// to ShutdownTimeout and returns nil.
func (c *Copilot) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.opts.Addr)
	if err != nil {
		return fmt.Errorf("copilot: listen %s: %w", c.opts.Addr, err)
	}
	srv := &http.Server{Handler: c.Handler(), ReadHeaderTimeout: 10 * time.Second}

	c.httpServerMu.Lock()
	if c.httpServer != nil {
		c.httpServerMu.Unlock()
		ln.Close()
		return fmt.Errorf("copilot: already serving on %s", c.listenAddr)
	}
	c.httpServer, c.listenAddr = srv, ln.Addr().String()
	c.httpServerMu.Unlock()

	c.opts.Logger.Info("copilot listening", "addr", ln.Addr().String(), "path", c.opts.Path)
	drained := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(drained)
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(drainCtx); err != nil {
			c.opts.Logger.Warn("copilot drain incomplete", "error", err)
		}
	})

	err = srv.Serve(ln)
	if !stop() {
		<-drained
	}
	c.httpServerMu.Lock()
	if c.httpServer == srv {
		c.httpServer, c.listenAddr = nil, ""
	}
	c.httpServerMu.Unlock()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr reports the bound listen address, or "" when not serving.
func (c *Copilot) Addr() string {
	c.httpServerMu.Lock()
	defer c.httpServerMu.Unlock()
	return c.listenAddr
}

// Shutdown drains the HTTP server started by ListenAndServe. It is a no-op
// when nothing is serving.
func (c *Copilot) Shutdown(ctx context.Context) error {
	c.httpServerMu.Lock()
	srv := c.httpServer
	c.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (c *Copilot) handleRoute(ctx context.Context, req *mcp.CallToolRequest, in RouteInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(in.Query) == "" {
		return textResult("query is required", true), nil, nil
	}
	candidates, err := c.router.Route(ctx, in.Query)
	if err != nil {
		c.opts.Logger.Warn("route failed", "error", err)
		return textResult(fmt.Sprintf("route failed: %v", err), true), nil, nil
	}
	if candidates == nil {
		candidates = []mcpmgr.Candidate{}
	}
	out, err := yaml.Marshal(routeOutput{MatchedTools: candidates})
	if err != nil {
		return nil, nil, fmt.Errorf("copilot: encode route result: %w", err)
	}
	return textResult(string(out), false), nil, nil
}

func (c *Copilot) handleExecute(ctx context.Context, req *mcp.CallToolRequest, in ExecuteInput) (*mcp.CallToolResult, any, error) {
	if in.ServerName == "" || in.ToolName == "" {
		return textResult("server_name and tool_name are required", true), nil, nil
	}
	c.opts.Logger.Debug("execute tool", "server", in.ServerName, "tool", in.ToolName)
	timeout := time.Duration(in.TimeoutSeconds * float64(time.Second))
	return c.router.Execute(ctx, in.ServerName, in.ToolName, in.Params, timeout), nil, nil
}

func (c *Copilot) mountHandler() http.Handler {
	path := c.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var endpoint http.Handler = c.streamHandler
	if c.opts.TokenVerifier != nil {
		endpoint = auth.RequireBearerToken(c.opts.TokenVerifier, c.opts.TokenOptions)(endpoint)
	}
	endpoint = cors.New(cors.Options{
		AllowedOrigins: c.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Accept", "Mcp-Session-Id", "Mcp-Protocol-Version", "Last-Event-ID"},
		ExposedHeaders: []string{"Mcp-Session-Id", "WWW-Authenticate"},
	}).Handler(endpoint)

	mux := http.NewServeMux()
	mux.Handle(path, endpoint)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", endpoint)
	}
	if c.opts.TokenVerifier != nil {
		mux.Handle(protectedResourcePath, cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		}).Handler(http.HandlerFunc(c.serveResourceMetadata)))
	}
	return mux
}

func (c *Copilot) serveResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	doc := map[string]any{
		"resource":                 scheme + "://" + r.Host + c.opts.Path,
		"bearer_methods_supported": []string{"header"},
	}
	if c.opts.AuthorizationServer != "" {
		doc["authorization_servers"] = []string{c.opts.AuthorizationServer}
	}
	if c.opts.TokenOptions != nil && len(c.opts.TokenOptions.Scopes) > 0 {
		doc["scopes_supported"] = c.opts.TokenOptions.Scopes
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: isError,
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
