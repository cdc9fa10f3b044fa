package mcpmgr

import (
	"log/slog"
	"time"
)

const (
	defaultMaxSessions     = 30
	defaultConnectTimeout  = 30 * time.Second
	defaultCallTimeout     = 300 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultClientVersion   = "1.0.0"
)

// PoolOptions configures a Pool instance.
type PoolOptions struct {
	// MaxSessions bounds the number of live sessions. Defaults to 30.
	MaxSessions int
	// ConnectTimeout bounds transport setup plus the initialize handshake.
	// Defaults to 30s.
	ConnectTimeout time.Duration
	// ShutdownTimeout bounds Shutdown when the caller's context carries no
	// deadline. Defaults to 10s.
	ShutdownTimeout time.Duration
	// ClientName overrides the client name advertised during initialization.
	// When empty, the server ID is used.
	ClientName string
	// ClientVersion controls the semantic version reported to servers.
	ClientVersion string
	// Environment resolves ${NAME} placeholders. Defaults to the process
	// environment captured at resolve time.
	Environment Environment
	// Transports builds the candidate transports for a resolved descriptor.
	// Defaults to DefaultTransports.
	Transports TransportFactory
	// LogJSONRPC toggles logging of JSON-RPC traffic through Logger.
	LogJSONRPC bool
	// RPCLogger provides a custom logger for JSON-RPC traffic; it takes
	// precedence over LogJSONRPC.
	RPCLogger RPCLogger
	// OnToolListChanged is invoked when a pooled server announces that its
	// tool list changed.
	OnToolListChanged func(serverID string)
	// Logger receives structured diagnostics.
	Logger *slog.Logger
}

func (o *PoolOptions) withDefaults() PoolOptions {
	if o == nil {
		o = &PoolOptions{}
	}
	opts := *o
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = defaultMaxSessions
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = defaultClientVersion
	}
	if opts.Transports == nil {
		opts.Transports = DefaultTransports
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RPCLogger == nil && opts.LogJSONRPC {
		logger := opts.Logger
		opts.RPCLogger = func(event RPCLogEvent) {
			logger.Debug("jsonrpc", "server", event.ServerID, "direction", string(event.Direction), "message", string(event.Message))
		}
	}
	return opts
}

// RouterOptions configures a Router instance.
type RouterOptions struct {
	// CallTimeout is applied when a call passes a non-positive timeout.
	// Defaults to 300s.
	CallTimeout time.Duration
	// Matcher ranks (server, tool) candidates for Route. Optional.
	Matcher Matcher
	// Logger receives structured diagnostics. Defaults to the pool's logger.
	Logger *slog.Logger
}

func (o *RouterOptions) withDefaults(pool *Pool) RouterOptions {
	if o == nil {
		o = &RouterOptions{}
	}
	opts := *o
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = pool.logger
	}
	return opts
}
