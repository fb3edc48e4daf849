package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kaiseki/internal/engine"
	"github.com/ashita-ai/kaiseki/internal/model"
)

// analyzeSummary is the JSON document printed by "kaiseki analyze".
type analyzeSummary struct {
	File      string            `json:"file"`
	Engine    string            `json:"engine"`
	Degraded  bool              `json:"degraded"`
	Skipped   int               `json:"skipped_functions"`
	Count     int               `json:"functions_count"`
	Functions []analyzeFunction `json:"functions"`
}

type analyzeFunction struct {
	Name         string `json:"name"`
	Addr         string `json:"addr"`
	Size         int64  `json:"size"`
	Instructions int    `json:"instructions"`
}

func newAnalyzeCommand() *cobra.Command {
	var (
		engineMode string
		r2Path     string
	)
	cmd := &cobra.Command{
		Use:   "analyze <binary>",
		Short: "Analyze a local binary and print a JSON summary",
		Long: `Analyze a binary without the server or any storage. Prints the discovered
functions with their addresses, sizes and instruction counts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, args[0], engine.Mode(engineMode), r2Path, slog.Default())
		},
	}
	cmd.Flags().StringVar(&engineMode, "engine", envOr("KAISEKI_ENGINE", "auto"), "analysis engine: auto, radare2 or fallback")
	cmd.Flags().StringVar(&r2Path, "r2", envOr("KAISEKI_R2_PATH", "r2"), "path to the radare2 executable")
	return cmd
}

func runAnalyze(cmd *cobra.Command, path string, mode engine.Mode, r2Path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	analyzer, err := engine.NewAnalyzerForMode(mode, r2Path, logger)
	if err != nil {
		return err
	}
	res, err := analyzer.Analyze(cmd.Context(), path, uuid.NewString())
	if err != nil {
		return err
	}
	return writeSummary(cmd.OutOrStdout(), filepath.Base(path), res)
}

func writeSummary(w io.Writer, name string, res *model.AnalysisResult) error {
	sum := analyzeSummary{
		File:      name,
		Engine:    res.Engine,
		Degraded:  res.Degraded,
		Skipped:   res.Skipped,
		Count:     len(res.Functions),
		Functions: make([]analyzeFunction, 0, len(res.Functions)),
	}
	for _, f := range res.Functions {
		addr, _ := f.Address()
		key := model.AddressKey(addr)
		var ops int
		if raw := res.Disassembly[key]; len(raw) > 0 {
			var doc map[string]any
			if err := json.Unmarshal(raw, &doc); err == nil {
				ops = len(model.DisassemblyOps(doc))
			}
		}
		sum.Functions = append(sum.Functions, analyzeFunction{
			Name:         f.Name(),
			Addr:         fmt.Sprintf("0x%x", addr),
			Size:         f.Size(),
			Instructions: ops,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}
