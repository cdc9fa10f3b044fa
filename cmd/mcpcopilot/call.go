package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-session-pool-go/pkg/mcpmgr"
)

var callCmd = &cobra.Command{
	Use:   "call <server> <tool> [json-arguments]",
	Short: "Call one tool on a configured server",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runCall,
}

var toolsCmd = &cobra.Command{
	Use:   "tools <server>",
	Short: "List the tools of a configured server",
	Args:  cobra.ExactArgs(1),
	RunE:  runTools,
}

func init() {
	addServerFlags(callCmd)
	addServerFlags(toolsCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	var params map[string]any
	if len(args) == 3 {
		if err := json.Unmarshal([]byte(args[2]), &params); err != nil {
			return fmt.Errorf("arguments must be a JSON object: %w", err)
		}
	}
	return withRouter(cmd, func(ctx context.Context, router *mcpmgr.Router) error {
		res, err := router.Call(ctx, args[0], args[1], params, 0)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), mcpmgr.ResultText(res.Result))
		if res.Status != mcpmgr.CallOK {
			return fmt.Errorf("call %s: %s", res.Status, res.Err)
		}
		return nil
	})
}

func runTools(cmd *cobra.Command, args []string) error {
	return withRouter(cmd, func(ctx context.Context, router *mcpmgr.Router) error {
		tools, err := router.ListTools(ctx, args[0])
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, t := range tools {
			fmt.Fprintf(tw, "%s\t%s\n", t.Name, firstLine(t.Description))
		}
		return tw.Flush()
	})
}

func withRouter(cmd *cobra.Command, fn func(context.Context, *mcpmgr.Router) error) error {
	logger := slog.Default()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router, err := newRouter(logger, nil)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = router.Shutdown(shutdownCtx)
	}()
	return fn(ctx, router)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
