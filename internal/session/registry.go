// Package session owns the debug session lifecycle.
//
// The registry enforces the single-session model: at most one debuggee is
// live, and starting a new session first tears down the previous one. A start
// is transactional with respect to its collaborators; if any step fails the
// debuggee process is reaped before the error surfaces, so a failed start
// never leaves an orphan.
package session

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/velab/inspector-bridge/internal/auth"
	"github.com/velab/inspector-bridge/internal/domains"
	"github.com/velab/inspector-bridge/internal/execstate"
	"github.com/velab/inspector-bridge/internal/protocol"
	"github.com/velab/inspector-bridge/internal/relay"
	"github.com/velab/inspector-bridge/internal/relayerr"
	"github.com/velab/inspector-bridge/internal/storage"
	"github.com/velab/inspector-bridge/internal/supervisor"
)

// Config controls session creation.
type Config struct {
	// WorkspaceRoot is the directory target scripts must live under.
	WorkspaceRoot string
	// InspectHost is the interface the debuggee's inspector binds (default
	// 127.0.0.1).
	InspectHost string
	// InspectPort is the debuggee inspector port (default 9229).
	InspectPort int
	// ProxyPort is the bridge's own listen port, reported in session info so
	// clients know where to open the relay WebSocket.
	ProxyPort int
}

// Registry manages the single active debug session.
type Registry struct {
	cfg         Config
	sup         *supervisor.Supervisor
	rel         *relay.Relay
	machine     *execstate.Machine
	controllers *domains.Set
	store       *storage.Store
	logger      zerolog.Logger

	mu      sync.Mutex
	current *active
}

// active is the registry's record of the live session.
type active struct {
	info      protocol.SessionInfo
	tokenHash []byte
}

// New creates a registry and wires it into the supervisor's exit callback and
// the relay's traffic log.
func New(cfg Config, sup *supervisor.Supervisor, rel *relay.Relay, machine *execstate.Machine,
	controllers *domains.Set, store *storage.Store, logger zerolog.Logger) *Registry {
	if cfg.InspectHost == "" {
		cfg.InspectHost = "127.0.0.1"
	}
	if cfg.InspectPort == 0 {
		cfg.InspectPort = 9229
	}
	r := &Registry{
		cfg:         cfg,
		sup:         sup,
		rel:         rel,
		machine:     machine,
		controllers: controllers,
		store:       store,
		logger:      logger.With().Str("component", "session").Logger(),
	}
	sup.SetOnExit(r.onProcessExit)
	if store != nil {
		rel.SetTrafficLog(&trafficRecorder{reg: r})
	}
	return r
}

// Start launches file under the debugger and returns the session info,
// including the one-time relay access token. Any previous session is stopped
// first.
func (r *Registry) Start(ctx context.Context, file string, breakOnStart bool) (*protocol.SessionInfo, error) {
	script, err := r.resolveTarget(file)
	if err != nil {
		return nil, err
	}

	// Replace semantics: a live session is stopped, not refused.
	if err := r.Stop(ctx); err != nil {
		return nil, err
	}

	sessionID := uuid.New().String()
	now := time.Now()
	if r.store != nil {
		rec := storage.SessionRecord{
			SessionID:   sessionID,
			TargetFile:  script,
			InspectPort: r.cfg.InspectPort,
			ProxyPort:   r.cfg.ProxyPort,
			Status:      string(protocol.StatusStarting),
			CreatedAt:   now,
		}
		if err := r.store.RecordSessionStart(rec); err != nil {
			r.logger.Warn().Err(err).Msg("failed to persist session start")
		}
	}
	// Rollback for any failed bring-up step: the history row never stays
	// in the starting state.
	fail := func(err error) (*protocol.SessionInfo, error) {
		r.recordStop(sessionID)
		return nil, err
	}
	teardown := func() {
		r.rel.Shutdown("session start failed")
		r.machine.SetDisconnected()
		_ = r.sup.Close(context.Background())
	}

	wsURL, err := r.sup.Open(ctx, supervisor.OpenOptions{
		Host:         r.cfg.InspectHost,
		Port:         r.cfg.InspectPort,
		Script:       script,
		BreakOnStart: breakOnStart,
	})
	if err != nil {
		return fail(err)
	}

	if err := r.rel.ConnectUpstream(ctx, wsURL); err != nil {
		_ = r.sup.Close(context.Background())
		return fail(&relayerr.ProcessError{Message: "failed to connect to inspector", Err: err})
	}

	r.machine.Start()

	if err := r.controllers.EnableCore(ctx); err != nil {
		teardown()
		return fail(err)
	}

	token, err := auth.GenerateToken()
	if err != nil {
		teardown()
		return fail(err)
	}
	hash, err := auth.HashToken(token)
	if err != nil {
		teardown()
		return fail(err)
	}

	info := protocol.SessionInfo{
		SessionID:   sessionID,
		TargetFile:  script,
		InspectPort: r.cfg.InspectPort,
		ProxyPort:   r.cfg.ProxyPort,
		WsURL:       wsURL,
		Status:      protocol.StatusRunning,
		CreatedAt:   protocol.Timestamp(now),
	}
	if pid, ok := r.sup.PID(); ok {
		info.PID = &pid
	}
	if breakOnStart {
		info.Status = protocol.StatusPaused
	}

	r.mu.Lock()
	r.current = &active{info: info, tokenHash: hash}
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.ActivateSession(sessionID, wsURL, info.PID, hash, string(info.Status)); err != nil {
			r.logger.Warn().Err(err).Msg("failed to persist session activation")
		}
	}

	r.logger.Info().
		Str("session", info.SessionID).
		Str("script", script).
		Bool("breakOnStart", breakOnStart).
		Msg("session started")

	// The token travels in the start response only; the registry keeps just
	// the hash.
	out := info
	out.Token = token
	return &out, nil
}

// Stop tears down the active session. Stopping with no active session is a
// no-op.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	cur := r.current
	r.current = nil
	r.mu.Unlock()

	if cur == nil && !r.sup.IsActive() {
		return nil
	}

	r.rel.Shutdown("session stopped")
	r.machine.SetDisconnected()
	if err := r.sup.Close(ctx); err != nil {
		return err
	}

	if cur != nil {
		r.recordStop(cur.info.SessionID)
		r.logger.Info().Str("session", cur.info.SessionID).Msg("session stopped")
	}
	return nil
}

// Current returns a snapshot of the active session with live status, or nil
// when no session is active. The token is never included.
func (r *Registry) Current() *protocol.SessionInfo {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur == nil {
		return nil
	}

	info := cur.info
	switch r.machine.State() {
	case execstate.Paused:
		info.Status = protocol.StatusPaused
	case execstate.Running:
		info.Status = protocol.StatusRunning
	default:
		info.Status = protocol.StatusStopped
	}
	return &info
}

// CurrentID returns the active session id, or "" when none.
func (r *Registry) CurrentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ""
	}
	return r.current.info.SessionID
}

// VerifyToken checks a relay access token against the active session.
func (r *Registry) VerifyToken(token string) bool {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur == nil || token == "" {
		return false
	}
	return auth.VerifyToken(cur.tokenHash, token)
}

// History returns past and present sessions, newest first.
func (r *Registry) History(limit int) ([]protocol.SessionInfo, error) {
	if r.store == nil {
		if cur := r.Current(); cur != nil {
			return []protocol.SessionInfo{*cur}, nil
		}
		return nil, nil
	}
	records, err := r.store.ListSessions(limit)
	if err != nil {
		return nil, err
	}
	activeID := r.CurrentID()
	infos := make([]protocol.SessionInfo, 0, len(records))
	for _, rec := range records {
		info := protocol.SessionInfo{
			SessionID:   rec.SessionID,
			TargetFile:  rec.TargetFile,
			InspectPort: rec.InspectPort,
			ProxyPort:   rec.ProxyPort,
			WsURL:       rec.WsURL,
			PID:         rec.PID,
			Status:      protocol.SessionStatus(rec.Status),
			CreatedAt:   protocol.Timestamp(rec.CreatedAt),
		}
		if rec.StoppedAt != nil {
			s := protocol.Timestamp(*rec.StoppedAt)
			info.StoppedAt = &s
		}
		if rec.SessionID == activeID {
			if cur := r.Current(); cur != nil {
				info.Status = cur.Status
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// resolveTarget validates that file lives under the workspace root and
// returns its absolute path.
func (r *Registry) resolveTarget(file string) (string, error) {
	root, err := filepath.Abs(r.cfg.WorkspaceRoot)
	if err != nil {
		return "", err
	}
	script := file
	if !filepath.IsAbs(script) {
		script = filepath.Join(root, script)
	}
	script = filepath.Clean(script)

	rel, err := filepath.Rel(root, script)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &relayerr.PathViolationError{Path: file, Root: root}
	}
	return script, nil
}

// onProcessExit runs when the debuggee exits on its own (crash or natural
// end). The relay and state machine are torn down and the session is marked
// stopped.
func (r *Registry) onProcessExit(pid int) {
	r.mu.Lock()
	cur := r.current
	r.current = nil
	r.mu.Unlock()
	if cur == nil {
		return
	}

	r.logger.Warn().Int("pid", pid).Str("session", cur.info.SessionID).Msg("debuggee exited, closing session")
	r.rel.Shutdown("debuggee exited")
	r.machine.SetDisconnected()
	r.recordStop(cur.info.SessionID)
}

func (r *Registry) recordStop(sessionID string) {
	if r.store == nil {
		return
	}
	if err := r.store.RecordSessionStop(sessionID, string(protocol.StatusStopped), time.Now()); err != nil {
		r.logger.Warn().Err(err).Msg("failed to persist session stop")
	}
}

// trafficRecorder bridges the relay's traffic log into the store, tagging
// entries with the active session id.
type trafficRecorder struct {
	reg *Registry
}

func (t *trafficRecorder) Log(direction, method string, id uint64, size int) {
	sessionID := t.reg.CurrentID()
	if sessionID == "" {
		return
	}
	if err := t.reg.store.RecordTraffic(storage.TrafficEntry{
		SessionID: sessionID,
		Direction: direction,
		Method:    method,
		MessageID: id,
		Size:      size,
	}); err != nil {
		t.reg.logger.Debug().Err(err).Msg("traffic record failed")
	}
}
