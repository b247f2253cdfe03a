package provider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/wolfeidau/context-coordinator/protocol"
	"github.com/wolfeidau/context-coordinator/telemetry"
)

// Stdio queries a context-provider subprocess over its standard
// input/output. Each query is one framed JSON round trip: the query is
// written to the process's stdin and exactly one framed result is read
// from its stdout. Round trips are serialized; the process answers
// requests in order.
type Stdio struct {
	name   string
	cmd    *exec.Cmd
	logger *slog.Logger

	mu     sync.Mutex
	stdin  io.WriteCloser
	stdout *bufio.Reader

	exit     sync.Mutex
	exited   bool
	exitErr  error
	waitDone chan struct{}
}

func newStdio(cfg ServerConfig, o *options) (*Stdio, error) {
	args := strings.Fields(cfg.Target)
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command for server %q", cfg.Name)
	}

	cmd := exec.Command(args[0], args[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning provider %q: %w", cfg.Name, err)
	}

	s := &Stdio{
		name:     cfg.Name,
		cmd:      cmd,
		logger:   o.logger,
		stdin:    stdin,
		stdout:   bufio.NewReader(stdout),
		waitDone: make(chan struct{}),
	}

	go s.wait()

	o.logger.Debug("spawned provider subprocess", "pid", cmd.Process.Pid, "command", args[0])
	return s, nil
}

func (s *Stdio) wait() {
	err := s.cmd.Wait()

	s.exit.Lock()
	s.exited = true
	s.exitErr = err
	s.exit.Unlock()

	close(s.waitDone)

	if err != nil {
		s.logger.Debug("provider subprocess exited", "error", err)
	}
}

// Query implements Provider. The round trip blocks until the process
// answers; a hung process stalls only the caller, per the coordinator's
// no-cancellation contract.
func (s *Stdio) Query(ctx context.Context, q *protocol.Query) (*protocol.QueryResult, error) {
	start := time.Now()
	result, err := s.query(q)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordProviderQuery(ctx, s.name, outcome, time.Since(start))
	return result, err
}

func (s *Stdio) query(q *protocol.Query) (*protocol.QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasExited() {
		return nil, fmt.Errorf("provider %q subprocess has exited", s.name)
	}

	if err := protocol.WriteFrameJSON(s.stdin, q); err != nil {
		return nil, fmt.Errorf("writing query to provider %q: %w", s.name, err)
	}

	var result protocol.QueryResult
	if err := protocol.ReadFrameJSON(s.stdout, &result); err != nil {
		return nil, fmt.Errorf("reading result from provider %q: %w", s.name, err)
	}
	return &result, nil
}

func (s *Stdio) hasExited() bool {
	s.exit.Lock()
	defer s.exit.Unlock()
	return s.exited
}

// IsAvailable implements Provider: the subprocess is available while it
// is still running.
func (s *Stdio) IsAvailable(_ context.Context) bool {
	return !s.hasExited()
}

// Close implements Provider. Closing stdin gives the process a chance
// to exit on its own; it is killed if still running shortly after.
func (s *Stdio) Close() error {
	_ = s.stdin.Close()

	select {
	case <-s.waitDone:
		return nil
	case <-time.After(2 * time.Second):
	}

	if err := s.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("killing provider %q: %w", s.name, err)
	}
	<-s.waitDone
	return nil
}
