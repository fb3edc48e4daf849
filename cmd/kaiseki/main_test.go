package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "kaiseki dev\n", out)
}

func TestAnalyzeFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.elf")
	require.NoError(t, os.WriteFile(path, []byte("\x7fELF"), 0o600))

	out, err := execute(t, "analyze", "--engine", "fallback", "--log-level", "error", path)
	require.NoError(t, err)

	var sum analyzeSummary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, "tiny.elf", sum.File)
	assert.Equal(t, "fallback", sum.Engine)
	assert.Equal(t, 3, sum.Count)
	require.Len(t, sum.Functions, 3)
	assert.Equal(t, "0x400000", sum.Functions[0].Addr)
	assert.Positive(t, sum.Functions[0].Instructions)
}

func TestAnalyzeMissingFile(t *testing.T) {
	_, err := execute(t, "analyze", "--engine", "fallback", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestAnalyzeRejectsUnknownEngine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.exe")
	require.NoError(t, os.WriteFile(path, []byte("MZ"), 0o600))
	_, err := execute(t, "analyze", "--engine", "ida", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestProcessUnknownFile(t *testing.T) {
	t.Setenv("KAISEKI_STORAGE_DIR", t.TempDir())
	t.Setenv("KAISEKI_STATUS_BACKEND", "memory")
	t.Setenv("KAISEKI_ENGINE", "fallback")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	_, err := execute(t, "process", "--log-level", "error", "00000000-0000-0000-0000-000000000000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no upload stored")
}

func TestProcessRequiresFileID(t *testing.T) {
	_, err := execute(t, "process")
	require.Error(t, err)
}
