package party

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/linkparty/internal/backend"
	"github.com/felixgeelhaar/linkparty/internal/mirror"
)

// LaunchReason says why the daemon is (re)starting.
type LaunchReason string

const (
	LaunchStartup LaunchReason = "startup"
	LaunchInstall LaunchReason = "install"
	LaunchUpdate  LaunchReason = "update"
)

// DetectLaunchReason compares version with the last launched version and
// records version for the next start. A first launch is an install, a
// changed version an update.
func DetectLaunchReason(ctx context.Context, store mirror.VersionStore, version string) (LaunchReason, error) {
	last, err := store.LastVersion(ctx)
	if err != nil {
		return LaunchStartup, fmt.Errorf("detect launch reason: %w", err)
	}

	reason := LaunchStartup
	switch {
	case last == "":
		reason = LaunchInstall
	case last != version:
		reason = LaunchUpdate
	}

	if reason != LaunchStartup {
		if err := store.RecordVersion(ctx, version); err != nil {
			return reason, fmt.Errorf("detect launch reason: %w", err)
		}
	}
	return reason, nil
}

// Bootstrap reconciles the mirror with the backend. On install or update
// any mirrored party is discarded first. Otherwise a mirrored party is
// resumed only if the backend still has it under the same code, and
// cleared if not. Bootstrap always ends with a broadcast.
//
// If the backend never becomes ready the mirror is kept for the next
// start, the manager stays Idle and the readiness error is returned.
func (m *Manager) Bootstrap(ctx context.Context, reason LaunchReason) error {
	defer m.broadcast(ctx)

	if reason == LaunchInstall || reason == LaunchUpdate {
		m.logger.Info("fresh install or update, resetting party state", "reason", reason)
		m.bindMu.Lock()
		err := m.unbindLocked(ctx)
		m.bindMu.Unlock()
		if err != nil {
			m.logger.Warn("reset incomplete", "error", err)
		}
	}

	cfg := m.ready
	cfg.Logger = m.logger
	if err := backend.WaitReady(ctx, probeFunc(m.probe), cfg); err != nil {
		m.logger.Warn("backend unavailable, skipping reconciliation", "error", err)
		return err
	}

	// Commands are served while Bootstrap runs. Anything they bind or
	// clear from here on wins over the mirror.
	m.bindMu.Lock()
	gen := m.binds
	m.bindMu.Unlock()

	cached, err := m.cache.Load(ctx)
	if err != nil {
		m.logger.Warn("failed to load party mirror", "error", err)
		return nil
	}
	if !cached.Active() {
		m.logger.Debug("no mirrored party")
		return nil
	}

	doc, err := m.gateway.GetSession(ctx, cached.SessionID)
	if err != nil || doc.PartyCode != cached.PartyCode {
		if err == nil {
			err = fmt.Errorf("party code changed from %s to %s", cached.PartyCode, doc.PartyCode)
		}
		m.logger.Warn("mirrored party is stale, clearing it",
			"session_id", cached.SessionID,
			"party_code", cached.PartyCode,
			"error", err)

		m.bindMu.Lock()
		defer m.bindMu.Unlock()
		if m.binds != gen {
			m.logger.Info("party changed during startup, keeping it", "session_id", m.State().SessionID)
			return nil
		}
		if err := m.unbindLocked(ctx); err != nil {
			m.logger.Warn("failed to clear stale party", "error", err)
		}
		return nil
	}

	m.bindMu.Lock()
	defer m.bindMu.Unlock()
	if m.binds != gen {
		m.logger.Info("party changed during startup, not resuming mirrored party",
			"session_id", cached.SessionID,
			"current_session_id", m.State().SessionID)
		return nil
	}
	m.bindLocked(context.WithoutCancel(ctx), cached)
	m.logger.Info("resumed party", "session_id", cached.SessionID, "party_code", cached.PartyCode)
	return nil
}
