package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-session-pool-go/pkg/discovery"
	"github.com/vikashloomba/mcp-session-pool-go/pkg/mcpmgr"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Connect to every server of a descriptor list and record its tools",
	Long: `discover reads a JSON array of {"name", "config": {"mcpServers": ...}} entries,
connects to each server, lists its tools and writes tools.json and
error_tools.json. Entries already present in the output are skipped, so a
rerun only retries what failed.`,
	Args: cobra.NoArgs,
	RunE: runDiscover,
}

func init() {
	f := discoverCmd.Flags()
	f.String("input", "", "descriptor list to discover (required)")
	f.String("output", "", "tools file to write (default tools.json next to the input)")
	f.Int("concurrency", 5, "simultaneous connection attempts")
	f.Duration("timeout", 0, "per-server connect and list timeout (default 180s)")
	f.Bool("log-jsonrpc", false, "log JSON-RPC traffic at debug level")
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := discovery.Run(ctx, &discovery.Options{
		InputPath:   v.GetString("input"),
		OutputPath:  v.GetString("output"),
		Concurrency: v.GetInt("concurrency"),
		Timeout:     v.GetDuration("timeout"),
		Logger:      logger,
		Pool: mcpmgr.PoolOptions{
			ClientName: "mcp-copilot-discovery",
			LogJSONRPC: v.GetBool("log-jsonrpc"),
		},
	})
	if report != nil {
		printReport(cmd, report)
	}
	return err
}

func printReport(cmd *cobra.Command, r *discovery.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "entries:   %s (%s skipped)\n", humanize.Comma(int64(r.Total)), humanize.Comma(int64(r.Skipped)))
	fmt.Fprintf(out, "succeeded: %s\n", humanize.Comma(int64(len(r.Succeeded))))
	fmt.Fprintf(out, "failed:    %s\n", humanize.Comma(int64(len(r.Failed))))
	size := ""
	if info, err := os.Stat(r.OutputPath); err == nil {
		size = " (" + humanize.Bytes(uint64(info.Size())) + ")"
	}
	fmt.Fprintf(out, "stored:    %s entries in %s%s\n", humanize.Comma(int64(r.Stored)), r.OutputPath, size)
	fmt.Fprintf(out, "errors:    %s\n", r.ErrorsPath)
	fmt.Fprintf(out, "took:      %s\n", r.Duration.Round(time.Millisecond))
}
