// Command kaiseki runs the Kaiseki binary analysis service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "kaiseki",
		Short: "Kaiseki - binary disassembly analysis service",
		Long: `Kaiseki accepts executable uploads, disassembles them in the background and
serves functions, disassembly, control-flow graphs and on-demand explanations.

Commands:
  serve     Run the HTTP API, MCP endpoint and analysis workers (default)
  process   Run the analysis job for one stored upload
  analyze   Analyze a local binary and print a JSON summary`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			slog.SetDefault(newLogger(logLevel))
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", envOr("KAISEKI_LOG_LEVEL", "info"), "log level: debug, info, warn or error")

	serve := newServeCommand()
	root.AddCommand(serve)
	root.AddCommand(newProcessCommand())
	root.AddCommand(newAnalyzeCommand())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kaiseki %s\n", version)
		},
	})

	// Bare "kaiseki" serves, matching the container entrypoint.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return root
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
