package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// Radare2 drives the r2 binary over its pipe protocol: the process is started
// with -q0, reads one command per line on stdin and terminates each command's
// output with a NUL byte on stdout.
type Radare2 struct {
	path   string
	logger *slog.Logger
}

// NewRadare2 returns an engine that executes the r2 binary at path (looked up
// on PATH when not absolute).
func NewRadare2(path string, logger *slog.Logger) *Radare2 {
	if path == "" {
		path = "r2"
	}
	return &Radare2{path: path, logger: logger}
}

func (r *Radare2) Name() string { return "radare2" }

// Open starts an r2 process on the binary at path. -2 silences stderr.
func (r *Radare2) Open(ctx context.Context, path string) (Session, error) {
	bin, err := exec.LookPath(r.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	cmd := exec.Command(bin, "-q0", "-2", path) //nolint:gosec // bin comes from configuration
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: r2 stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: r2 stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("engine: start r2: %w", err)
	}

	s := &r2Session{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		logger: r.logger,
	}
	// r2 emits a NUL once it has loaded the binary.
	if _, err := s.read(ctx); err != nil {
		_ = s.kill()
		return nil, fmt.Errorf("engine: r2 did not start on %s: %w", path, err)
	}
	return s, nil
}

type r2Session struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	logger *slog.Logger
	closed bool
}

type readResult struct {
	data []byte
	err  error
}

// read waits for the next NUL-terminated response. If ctx ends first the
// process is killed, since the protocol cannot resynchronize mid-response.
func (s *r2Session) read(ctx context.Context) ([]byte, error) {
	ch := make(chan readResult, 1)
	go func() {
		b, err := s.stdout.ReadBytes(0)
		ch <- readResult{data: b, err: err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return bytes.TrimSuffix(res.data, []byte{0}), nil
	case <-ctx.Done():
		_ = s.kill()
		return nil, ctx.Err()
	}
}

func (s *r2Session) run(ctx context.Context, command string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("engine: r2 session closed")
	}
	if _, err := io.WriteString(s.stdin, command+"\n"); err != nil {
		return nil, fmt.Errorf("engine: r2 %q: %w", command, err)
	}
	out, err := s.read(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: r2 %q: %w", command, err)
	}
	return out, nil
}

// runJSON runs command and returns its output as raw JSON. Empty output is
// reported as nil.
func (s *r2Session) runJSON(ctx context.Context, command string) (json.RawMessage, error) {
	out, err := s.run(ctx, command)
	if err != nil {
		return nil, err
	}
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("engine: r2 %q returned invalid JSON", command)
	}
	return json.RawMessage(out), nil
}

func (s *r2Session) Analyze(ctx context.Context) error {
	_, err := s.run(ctx, "aa")
	return err
}

func (s *r2Session) Functions(ctx context.Context) ([]model.FunctionRecord, error) {
	raw, err := s.runJSON(ctx, "aflj")
	if err != nil || raw == nil {
		return nil, err
	}
	return model.DecodeFunctions(raw)
}

func (s *r2Session) Disassemble(ctx context.Context, addr uint64) (json.RawMessage, error) {
	return s.runJSON(ctx, "pdfj @ "+strconv.FormatUint(addr, 10))
}

func (s *r2Session) Graph(ctx context.Context, addr uint64) (json.RawMessage, error) {
	return s.runJSON(ctx, "agfj @ "+strconv.FormatUint(addr, 10))
}

// Close asks r2 to quit and kills it if it has not exited within a second.
func (s *r2Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_, _ = io.WriteString(s.stdin, "q!\n")
	_ = s.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()
	select {
	case <-done:
		return nil
	case <-time.After(time.Second):
		s.logger.Warn("engine: r2 did not exit, killing", "pid", s.cmd.Process.Pid)
		_ = s.cmd.Process.Kill()
		<-done
		return nil
	}
}

func (s *r2Session) kill() error {
	if s.cmd.Process == nil {
		return nil
	}
	err := s.cmd.Process.Kill()
	go func() { _ = s.cmd.Wait() }()
	s.closed = true
	return err
}
