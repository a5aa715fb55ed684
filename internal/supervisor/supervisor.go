// Package supervisor spawns and tracks the debuggee process.
//
// The supervisor owns at most one process at a time: opening while a process
// is live fails with a SessionConflictError, and the caller must close first.
// A watcher goroutine observes the process exiting on its own and clears the
// tracked state so IsActive reflects reality without an explicit close.
package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/rs/zerolog"

	"github.com/velab/inspector-bridge/internal/relayerr"
)

const (
	// DefaultKillGrace is how long a terminated process gets to exit
	// before it is force killed.
	DefaultKillGrace = 5 * time.Second

	// DefaultDiscoverTimeout bounds the wait for the inspector endpoint to
	// come up after spawn.
	DefaultDiscoverTimeout = 10 * time.Second

	discoverInterval = 200 * time.Millisecond
)

// Config controls how the supervisor spawns and reaps the debuggee.
type Config struct {
	// NodeBin is the runtime binary (default "node").
	NodeBin string
	// KillGrace is the window between SIGTERM and SIGKILL.
	KillGrace time.Duration
	// DiscoverTimeout bounds inspector endpoint discovery.
	DiscoverTimeout time.Duration
	// ExecCommand builds the debuggee command. Defaults to exec.Command;
	// it is the seam tests use to substitute a harmless process.
	ExecCommand func(name string, arg ...string) *exec.Cmd
}

// OpenOptions describe one debuggee launch.
type OpenOptions struct {
	Host         string
	Port         int
	Script       string
	BreakOnStart bool
}

// Supervisor manages the single debuggee process.
type Supervisor struct {
	cfg    Config
	logger zerolog.Logger
	httpc  *http.Client

	mu     sync.Mutex
	cmd    *exec.Cmd
	pid    int
	wsURL  string
	exited chan struct{}
	onExit func(pid int)
}

// New creates a supervisor with no tracked process.
func New(cfg Config, logger zerolog.Logger) *Supervisor {
	if cfg.NodeBin == "" {
		cfg.NodeBin = "node"
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.DiscoverTimeout <= 0 {
		cfg.DiscoverTimeout = DefaultDiscoverTimeout
	}
	if cfg.ExecCommand == nil {
		cfg.ExecCommand = exec.Command
	}
	return &Supervisor{
		cfg:    cfg,
		logger: logger.With().Str("component", "supervisor").Logger(),
		httpc:  &http.Client{Timeout: 2 * time.Second},
	}
}

// SetOnExit registers a callback invoked when the debuggee exits on its own.
// The callback runs after the supervisor has cleared its tracked state.
func (s *Supervisor) SetOnExit(fn func(pid int)) {
	s.mu.Lock()
	s.onExit = fn
	s.mu.Unlock()
}

// Open spawns the debuggee with an inspector flag bound to host:port and
// waits for the inspector WebSocket endpoint to be discoverable. It returns
// the debuggee's webSocketDebuggerUrl.
func (s *Supervisor) Open(ctx context.Context, opts OpenOptions) (string, error) {
	flag := "--inspect="
	if opts.BreakOnStart {
		flag = "--inspect-brk="
	}
	flag += opts.Host + ":" + strconv.Itoa(opts.Port)

	s.mu.Lock()
	if s.cmd != nil {
		pid := s.pid
		s.mu.Unlock()
		return "", &relayerr.SessionConflictError{PID: pid}
	}

	cmd := s.cfg.ExecCommand(s.cfg.NodeBin, flag, opts.Script)
	cmd.Stdout = &logWriter{logger: s.logger, stream: "stdout"}
	cmd.Stderr = &logWriter{logger: s.logger, stream: "stderr"}

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return "", &relayerr.ProcessError{Message: "failed to spawn debuggee", Err: err}
	}

	exited := make(chan struct{})
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.exited = exited
	s.mu.Unlock()

	s.logger.Info().
		Int("pid", cmd.Process.Pid).
		Str("flag", flag).
		Str("script", opts.Script).
		Msg("debuggee spawned")

	go s.watch(cmd, exited)

	wsURL, err := s.discover(ctx, opts.Host, opts.Port)
	if err != nil {
		// The endpoint never came up; reap the process before surfacing.
		_ = s.Close(context.Background())
		return "", &relayerr.ProcessError{Message: "inspector endpoint not reachable", Err: err}
	}

	s.mu.Lock()
	if s.cmd != cmd {
		// Exited during discovery.
		s.mu.Unlock()
		return "", &relayerr.ProcessError{Message: "debuggee exited before readiness"}
	}
	s.wsURL = wsURL
	s.mu.Unlock()

	s.logger.Info().Str("wsUrl", wsURL).Msg("inspector endpoint ready")
	return wsURL, nil
}

// Close terminates the tracked process: SIGTERM first, SIGKILL after the
// grace window. Calling Close with no tracked process is a no-op.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	exited := s.exited
	pid := s.pid
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}

	s.logger.Debug().Int("pid", pid).Msg("terminating debuggee")
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone; the watcher will clear state.
		s.logger.Debug().Err(err).Msg("SIGTERM failed")
	}

	select {
	case <-exited:
	case <-time.After(s.cfg.KillGrace):
		s.logger.Warn().Int("pid", pid).Dur("grace", s.cfg.KillGrace).Msg("grace window elapsed, killing")
		_ = cmd.Process.Kill()
		select {
		case <-exited:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// IsActive reports whether a debuggee process is live.
func (s *Supervisor) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// URL returns the discovered inspector WebSocket URL, or "" when inactive.
func (s *Supervisor) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wsURL
}

// PID returns the debuggee pid and whether a process is tracked.
func (s *Supervisor) PID() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid, s.cmd != nil
}

func (s *Supervisor) watch(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()

	s.mu.Lock()
	var cb func(int)
	pid := s.pid
	if s.cmd == cmd {
		s.cmd = nil
		s.wsURL = ""
		s.pid = 0
		cb = s.onExit
	}
	s.mu.Unlock()
	close(exited)

	if err != nil {
		s.logger.Info().Int("pid", pid).Err(err).Msg("debuggee exited")
	} else {
		s.logger.Info().Int("pid", pid).Msg("debuggee exited cleanly")
	}
	if cb != nil {
		cb(pid)
	}
}

// inspectorTarget is one entry of the debuggee's /json/list answer.
type inspectorTarget struct {
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// discover polls the inspector's HTTP endpoint until a debuggable target with
// a WebSocket URL shows up.
func (s *Supervisor) discover(ctx context.Context, host string, port int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DiscoverTimeout)
	defer cancel()

	listURL := fmt.Sprintf("http://%s/json/list", net.JoinHostPort(host, strconv.Itoa(port)))
	return retry.NewWithData[string](
		retry.Context(ctx),
		retry.UntilSucceeded(),
		retry.Delay(discoverInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	).Do(func() (string, error) {
		return s.fetchTarget(ctx, listURL)
	})
}

func (s *Supervisor) fetchTarget(ctx context.Context, listURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("inspector list returned %d", resp.StatusCode)
	}
	var targets []inspectorTarget
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return "", err
	}
	for _, t := range targets {
		if t.WebSocketDebuggerURL != "" {
			return t.WebSocketDebuggerURL, nil
		}
	}
	return "", fmt.Errorf("no debuggable target yet")
}

// logWriter forwards debuggee output into the supervisor's logger, one log
// entry per line. Chunks that end mid-line are buffered until the newline
// arrives.
type logWriter struct {
	logger zerolog.Logger
	stream string

	mu  sync.Mutex
	buf []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		if line != "" {
			w.logger.Debug().Str("stream", w.stream).Msg(line)
		}
	}
	return len(p), nil
}
