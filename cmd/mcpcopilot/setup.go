package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-session-pool-go/pkg/discovery"
	"github.com/vikashloomba/mcp-session-pool-go/pkg/matcher"
	"github.com/vikashloomba/mcp-session-pool-go/pkg/mcpmgr"
)

func init() {
	// Environment names shared with the discovery tooling.
	_ = v.BindEnv("catalog", "MCPCOPILOT_CATALOG", "MCP_DATA_PATH")
	_ = v.BindEnv("top-servers", "MCPCOPILOT_TOP_SERVERS", "TOP_SERVERS")
	_ = v.BindEnv("top-tools", "MCPCOPILOT_TOP_TOOLS", "TOP_TOOLS")
	_ = v.BindEnv("embedding-model", "MCPCOPILOT_EMBEDDING_MODEL", "EMBEDDING_MODEL")
	_ = v.BindEnv("embedding-dimensions", "MCPCOPILOT_EMBEDDING_DIMENSIONS", "EMBEDDING_DIMENSIONS")
	_ = v.BindEnv("embedding-base-url", "MCPCOPILOT_EMBEDDING_BASE_URL", "EMBEDDING_BASE_URL")
	_ = v.BindEnv("embedding-api-key", "MCPCOPILOT_EMBEDDING_API_KEY", "EMBEDDING_API_KEY", "OPENAI_API_KEY")
}

// addServerFlags registers the flags that locate server descriptors.
func addServerFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("config", "", "server configuration document ({\"mcpServers\": ...}, JSON or YAML)")
	f.String("catalog", "tools.json", "discovery output used as tool catalog and descriptor source")
	f.Int("max-sessions", 30, "maximum number of live server sessions")
	f.Duration("connect-timeout", 0, "connect and handshake timeout per server (default 30s)")
	f.Duration("call-timeout", 0, "per-call timeout (default 300s)")
	f.Bool("log-jsonrpc", false, "log JSON-RPC traffic at debug level")
}

// loadDocument merges the catalog's descriptors with the configuration
// document. Descriptors from --config take precedence.
func loadDocument(logger *slog.Logger) (*mcpmgr.Document, error) {
	doc := &mcpmgr.Document{MCPServers: make(map[string]mcpmgr.ServerDescriptor)}
	if path := v.GetString("catalog"); path != "" {
		catalogDoc, err := discovery.LoadDocument(path)
		switch {
		case err == nil:
			for id, d := range catalogDoc.MCPServers {
				doc.MCPServers[id] = d
			}
		case errors.Is(err, fs.ErrNotExist) && !v.IsSet("catalog"):
			logger.Debug("no catalog found", "path", path)
		default:
			return nil, err
		}
	}
	if path := v.GetString("config"); path != "" {
		cfg, err := mcpmgr.LoadDocument(path)
		if err != nil {
			return nil, err
		}
		for id, d := range cfg.MCPServers {
			doc.MCPServers[id] = d
		}
	}
	if len(doc.MCPServers) == 0 {
		return nil, fmt.Errorf("no servers configured: pass --config or --catalog")
	}
	return doc, nil
}

// serverTransports opens downstream servers; tests swap in in-memory servers.
var serverTransports mcpmgr.TransportFactory = mcpmgr.DefaultTransports

func newPool(logger *slog.Logger, onToolListChanged func(string)) *mcpmgr.Pool {
	return mcpmgr.NewPool(&mcpmgr.PoolOptions{
		Transports:        serverTransports,
		MaxSessions:       v.GetInt("max-sessions"),
		ConnectTimeout:    v.GetDuration("connect-timeout"),
		ClientName:        "mcp-copilot",
		LogJSONRPC:        v.GetBool("log-jsonrpc"),
		OnToolListChanged: onToolListChanged,
		Logger:            logger,
	})
}

// newMatcher builds the matcher selected by --matcher over the catalog. A
// missing catalog yields a nil matcher; routing then reports an error.
func newMatcher(logger *slog.Logger) (mcpmgr.Matcher, error) {
	path := v.GetString("catalog")
	catalog, err := matcher.LoadCatalog(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("catalog not found, route is disabled", "path", path)
			return nil, nil
		}
		return nil, err
	}
	opts := &matcher.Options{
		TopServers: v.GetInt("top-servers"),
		TopTools:   v.GetInt("top-tools"),
		Logger:     logger,
	}
	logger.Info("catalog loaded", "path", path, "servers", len(catalog.Servers))
	switch kind := v.GetString("matcher"); kind {
	case "", "lexical":
		return matcher.NewLexical(catalog, opts), nil
	case "embedding":
		return matcher.NewEmbedding(catalog, matcher.EmbeddingConfig{
			APIKey:     v.GetString("embedding-api-key"),
			BaseURL:    v.GetString("embedding-base-url"),
			Model:      v.GetString("embedding-model"),
			Dimensions: v.GetInt("embedding-dimensions"),
		}, opts)
	default:
		return nil, fmt.Errorf("unknown matcher %q", kind)
	}
}

func newRouter(logger *slog.Logger, m mcpmgr.Matcher) (*mcpmgr.Router, error) {
	doc, err := loadDocument(logger)
	if err != nil {
		return nil, err
	}
	pool := newPool(logger, func(id string) {
		logger.Info("server tool list changed", "server", id)
	})
	return mcpmgr.NewRouter(doc, pool, &mcpmgr.RouterOptions{
		CallTimeout: v.GetDuration("call-timeout"),
		Matcher:     m,
		Logger:      logger,
	}), nil
}
