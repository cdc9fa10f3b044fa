package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-session-pool-go/pkg/copilot"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the route and execute-tool tools over stdio or Streamable HTTP",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	addServerFlags(serveCmd)
	f := serveCmd.Flags()
	f.String("transport", "stdio", "transport to serve on (stdio, http)")
	f.String("addr", ":8700", "listen address for the http transport")
	f.String("path", "/mcp", "endpoint path for the http transport")
	f.StringSlice("allowed-origins", nil, "CORS origins allowed on the http transport (default all)")
	f.Bool("stateless", false, "serve Streamable HTTP without session tracking")
	f.String("matcher", "lexical", "tool matcher (lexical, embedding)")
	f.Int("top-servers", 5, "servers considered when routing")
	f.Int("top-tools", 3, "tools returned per server when routing")
	f.String("embedding-model", "", "embedding model for the embedding matcher")
	f.Int("embedding-dimensions", 0, "embedding dimensions requested from the model")
	f.String("embedding-base-url", "", "OpenAI-compatible embeddings base URL")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := newMatcher(logger)
	if err != nil {
		return err
	}
	router, err := newRouter(logger, m)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := router.Shutdown(shutdownCtx); err != nil {
			logger.Warn("pool shutdown incomplete", "error", err)
		}
	}()

	c, err := copilot.New(router, &copilot.Options{
		Addr:           v.GetString("addr"),
		Path:           v.GetString("path"),
		AllowedOrigins: v.GetStringSlice("allowed-origins"),
		Streamable:     mcp.StreamableHTTPOptions{Stateless: v.GetBool("stateless")},
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	logger.Info("copilot starting", "transport", v.GetString("transport"), "servers", len(router.Servers()))

	switch transport := v.GetString("transport"); transport {
	case "stdio":
		err = c.ServeStdio(ctx)
	case "http", "streamable-http":
		err = c.ListenAndServe(ctx)
	default:
		return fmt.Errorf("unknown transport %q", transport)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
