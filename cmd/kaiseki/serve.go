package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kaiseki"
)

func newServeCommand() *cobra.Command {
	var (
		port   int
		engine string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, MCP endpoint and analysis workers",
		Long: `Serve the Kaiseki HTTP API until interrupted.

Configuration comes from KAISEKI_* environment variables and an optional .env
file; flags override the corresponding variables.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := []kaiseki.Option{
				kaiseki.WithLogger(slog.Default()),
				kaiseki.WithVersion(version),
			}
			if port != 0 {
				opts = append(opts, kaiseki.WithPort(port))
			}
			if engine != "" {
				opts = append(opts, kaiseki.WithEngine(kaiseki.EngineMode(engine)))
			}
			app, err := kaiseki.New(opts...)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides KAISEKI_PORT)")
	cmd.Flags().StringVar(&engine, "engine", "", "analysis engine: auto, radare2 or fallback (overrides KAISEKI_ENGINE)")
	return cmd
}
