package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kaiseki"
)

func newProcessCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "process <file_id>",
		Short: "Run the analysis job for one stored upload",
		Long: `Run the analysis job for a file that was uploaded but never processed, for
example after a crash. The job runs in the foreground against the configured
storage and status backends; the exit code reflects the outcome.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := kaiseki.New(
				kaiseki.WithLogger(slog.Default()),
				kaiseki.WithVersion(version),
			)
			if err != nil {
				return err
			}
			procErr := app.Process(cmd.Context(), args[0])

			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := app.Close(closeCtx); err != nil {
				procErr = errors.Join(procErr, err)
			}
			if procErr != nil {
				return procErr
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], kaiseki.StateSuccess)
			return nil
		},
	}
}
