// Package party owns the current party session: it binds commands and
// remote changes to the in-memory state, the local mirror and the single
// live subscription, and broadcasts every transition.
package party

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/felixgeelhaar/linkparty/internal/backend"
	"github.com/felixgeelhaar/linkparty/internal/domain"
	"github.com/felixgeelhaar/linkparty/internal/mirror"
	"github.com/felixgeelhaar/linkparty/internal/subscription"
)

// Broadcaster receives every state the manager settles on.
type Broadcaster interface {
	Broadcast(ctx context.Context, s domain.State)
}

// Config wires a Manager.
type Config struct {
	Gateway  backend.Gateway
	Cache    mirror.Cache
	Notifier Broadcaster
	Logger   *slog.Logger

	// Ready bounds the startup wait for the backend.
	Ready backend.ReadyConfig

	// OnReady runs once the backend first answers a ping, before any
	// command is let through, e.g. to apply schema migrations. If it fails
	// the backend is not considered ready and the next probe retries it.
	OnReady func(ctx context.Context) error
}

// Manager is the session state machine: Idle (no party) or Active (bound
// to a party with a live subscription).
//
// Remote calls never run under a lock, so overlapping create and join
// commands interleave: each remote write succeeds, the last command to
// reach its bind step becomes the current party, and the other party is
// left without a local owner.
type Manager struct {
	gateway  backend.Gateway
	cache    mirror.Cache
	notifier Broadcaster
	ctrl     *subscription.Controller
	logger   *slog.Logger
	ready    backend.ReadyConfig
	onReady  func(ctx context.Context) error

	// ctx outlives commands; it is used by work triggered from
	// subscription callbacks.
	ctx    context.Context
	cancel context.CancelFunc

	// bindMu serializes changes of the bound session: setting or clearing
	// the triple together with the mirror and the subscription. binds
	// counts those changes.
	bindMu sync.Mutex
	binds  uint64

	// mu guards state. It is held across the matching mirror write and
	// broadcast so memory, mirror and observers converge in one order.
	mu    sync.Mutex
	state domain.State

	// readyMu serializes readiness probes so OnReady never runs twice at
	// once.
	readyMu      sync.Mutex
	backendReady atomic.Bool
	wg           sync.WaitGroup
}

// NewManager creates an Idle manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = nopBroadcaster{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		gateway:  cfg.Gateway,
		cache:    cfg.Cache,
		notifier: notifier,
		ctrl:     subscription.New(cfg.Gateway, subscription.WithLogger(logger)),
		logger:   logger,
		ready:    cfg.Ready,
		onReady:  cfg.OnReady,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// State returns the current triple.
func (m *Manager) State() domain.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Watching returns the session id of the live subscription, if any.
func (m *Manager) Watching() (string, bool) {
	return m.ctrl.Current()
}

// Create starts a new party and makes it current.
func (m *Manager) Create(ctx context.Context) (domain.State, error) {
	if err := m.EnsureReady(ctx); err != nil {
		return domain.State{}, err
	}

	created, err := m.gateway.CreateSession(ctx)
	if err != nil {
		m.logger.Error("create party failed", "error", err)
		return domain.State{}, fmt.Errorf("create party: %w", err)
	}

	st := domain.State{SessionID: created.SessionID, PartyCode: created.PartyCode}
	m.bind(ctx, st)

	m.logger.Info("party created", "session_id", st.SessionID, "party_code", st.PartyCode)
	return st, nil
}

// Join makes the party with the given code current, replacing any
// current party.
func (m *Manager) Join(ctx context.Context, code string) (domain.State, error) {
	code = domain.NormalizePartyCode(code)
	if code == "" {
		return domain.State{}, fmt.Errorf("%w: party code is required", domain.ErrInvalidInput)
	}
	if err := m.EnsureReady(ctx); err != nil {
		return domain.State{}, err
	}

	doc, err := m.gateway.FindSessionByCode(ctx, code)
	if errors.Is(err, domain.ErrNotFound) {
		m.logger.Info("party not found", "party_code", code)
		return domain.State{}, fmt.Errorf("no such party %s: %w", code, domain.ErrNotFound)
	}
	if err != nil {
		m.logger.Error("join party failed", "party_code", code, "error", err)
		return domain.State{}, fmt.Errorf("join party: %w", err)
	}

	st := doc.State()
	m.bind(ctx, st)

	m.logger.Info("joined party", "session_id", st.SessionID, "party_code", st.PartyCode)
	return st, nil
}

// Leave ends the current party locally. Leaving while Idle succeeds.
func (m *Manager) Leave(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	m.bindMu.Lock()
	defer m.bindMu.Unlock()

	old := m.State()
	if err := m.unbindLocked(ctx); err != nil {
		return err
	}
	if old.Active() {
		m.logger.Info("left party", "session_id", old.SessionID, "party_code", old.PartyCode)
	}
	return nil
}

// ShareLink publishes link to the current party. Local state is not
// touched; the new link arrives through the subscription like any other
// remote change.
func (m *Manager) ShareLink(ctx context.Context, link string) error {
	sessionID := m.State().SessionID
	if sessionID == "" {
		return fmt.Errorf("%w: not in a party", domain.ErrInvalidInput)
	}
	if err := domain.ValidateLink(link); err != nil {
		return err
	}
	if err := m.EnsureReady(ctx); err != nil {
		return err
	}

	if err := m.gateway.UpdateSharedLink(ctx, sessionID, strings.TrimSpace(link)); err != nil {
		m.logger.Error("share link failed", "session_id", sessionID, "error", err)
		return fmt.Errorf("share link: %w", err)
	}
	m.logger.Info("link shared", "session_id", sessionID)
	return nil
}

// EnsureReady fails with domain.ErrBackendUnavailable until the backend
// has answered once. Each call while not ready probes the backend a single
// time.
func (m *Manager) EnsureReady(ctx context.Context) error {
	if m.backendReady.Load() {
		return nil
	}
	if err := m.probe(ctx); err != nil {
		if !errors.Is(err, domain.ErrBackendUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
		}
		return fmt.Errorf("service temporarily unavailable, try again shortly: %w", err)
	}
	return nil
}

// probe pings the backend and runs OnReady, marking the backend ready
// when both succeed.
func (m *Manager) probe(ctx context.Context) error {
	m.readyMu.Lock()
	defer m.readyMu.Unlock()

	if m.backendReady.Load() {
		return nil
	}
	if err := m.gateway.Ping(ctx); err != nil {
		return err
	}
	if m.onReady != nil {
		if err := m.onReady(ctx); err != nil {
			m.logger.Warn("backend answered but is not usable yet", "error", err)
			return fmt.Errorf("prepare backend: %w", err)
		}
	}
	m.backendReady.Store(true)
	return nil
}

// probeFunc adapts probe to backend.Pinger for WaitReady.
type probeFunc func(ctx context.Context) error

func (f probeFunc) Ping(ctx context.Context) error { return f(ctx) }

// Ready reports whether the backend has answered since startup.
func (m *Manager) Ready() bool {
	return m.backendReady.Load()
}

// Close stops the subscription and waits for pending forced leaves. The
// mirror is left as is so the next start can reconcile it.
func (m *Manager) Close() {
	m.ctrl.Close()
	m.wg.Wait()
	m.cancel()
}

// bind makes st the current party: memory, mirror, subscription, then a
// broadcast. Once the remote side has succeeded the bind completes even if
// the caller goes away.
func (m *Manager) bind(ctx context.Context, st domain.State) {
	ctx = context.WithoutCancel(ctx)

	m.bindMu.Lock()
	defer m.bindMu.Unlock()
	m.bindLocked(ctx, st)
}

// bindLocked is bind with bindMu held.
func (m *Manager) bindLocked(ctx context.Context, st domain.State) {
	m.binds++

	m.mu.Lock()
	m.state = st
	if err := m.cache.Save(ctx, st); err != nil {
		m.logger.Warn("failed to mirror party", "session_id", st.SessionID, "error", err)
	}
	m.mu.Unlock()

	m.ctrl.Start(st.SessionID, m.onUpdate)
	m.broadcast(ctx)
}

// unbindLocked returns to Idle. bindMu must be held.
func (m *Manager) unbindLocked(ctx context.Context) error {
	m.binds++
	m.ctrl.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = domain.State{}
	err := m.cache.Clear(ctx)
	m.notifier.Broadcast(ctx, m.state)
	if err != nil {
		m.logger.Warn("failed to clear party mirror", "error", err)
		return fmt.Errorf("clear local party state: %w", err)
	}
	return nil
}

// onUpdate handles subscription updates. It runs on the subscription's
// delivery goroutine and must not call into the controller.
func (m *Manager) onUpdate(u subscription.Update) {
	if u.Err != nil {
		m.logger.Warn("party subscription ended",
			"session_id", u.SessionID,
			"reason", u.Reason(),
			"error", u.Err)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.forceLeave(u.SessionID, u.Reason())
		}()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.SessionID != u.SessionID {
		m.logger.Debug("ignoring update for stale party", "session_id", u.SessionID)
		return
	}

	next := u.State()
	if next.PartyCode == "" {
		next.PartyCode = m.state.PartyCode
	}
	m.state = next
	if err := m.cache.Save(m.ctx, next); err != nil {
		m.logger.Warn("failed to mirror party update", "session_id", next.SessionID, "error", err)
	}
	m.notifier.Broadcast(m.ctx, next)
}

// forceLeave leaves sessionID if it is still the current party.
func (m *Manager) forceLeave(sessionID, reason string) {
	m.bindMu.Lock()
	defer m.bindMu.Unlock()

	if m.State().SessionID != sessionID {
		return
	}
	if err := m.unbindLocked(m.ctx); err != nil {
		m.logger.Warn("forced leave incomplete", "session_id", sessionID, "error", err)
	}
	m.logger.Info("left party", "session_id", sessionID, "reason", reason)
}

func (m *Manager) broadcast(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier.Broadcast(ctx, m.state)
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(context.Context, domain.State) {}
