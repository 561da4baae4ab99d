package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/linkparty/internal/backend"
	"github.com/felixgeelhaar/linkparty/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Subscribe implements backend.Gateway. Every subscription holds one pooled
// connection in LISTEN mode for its lifetime and re-reads the party
// whenever the trigger reports a change to it.
func (s *Store) Subscribe(ctx context.Context, sessionID string, onChange backend.ChangeFunc, onError backend.ErrorFunc) (backend.Subscription, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, classify("subscribe", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, classify("subscribe", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	w := backend.NewWatcher(sessionID, onChange, onError, cancel)
	go s.listen(listenCtx, conn, w)

	s.logger.Debug("subscribed to party", "session_id", sessionID)
	return w, nil
}

func (s *Store) listen(ctx context.Context, conn *pgxpool.Conn, w *backend.Watcher) {
	defer s.release(conn)

	// LISTEN is already active, so no change between here and the first
	// read can be missed.
	if !s.refresh(ctx, w) {
		return
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.Fail(fmt.Errorf("party %s: %w: %v", w.SessionID(), domain.ErrListenerFailure, err))
			return
		}
		if n.Payload != w.SessionID() {
			continue
		}
		if !s.refresh(ctx, w) {
			return
		}
	}
}

// refresh reads the watched party and pushes it. It returns false once the
// watch cannot continue.
func (s *Store) refresh(ctx context.Context, w *backend.Watcher) bool {
	doc, err := s.GetSession(ctx, w.SessionID())
	switch {
	case err == nil:
		w.Push(backend.Change{SessionID: w.SessionID(), Exists: true, Session: *doc})
		return true
	case errors.Is(err, domain.ErrNotFound):
		w.Push(backend.Change{SessionID: w.SessionID()})
		return true
	case ctx.Err() != nil:
		return false
	default:
		w.Fail(fmt.Errorf("%w: %v", domain.ErrListenerFailure, err))
		return false
	}
}

// release returns a listening connection to the pool, or destroys it when
// it cannot be reset.
func (s *Store) release(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
		s.logger.Debug("closing listen connection", "error", err)
		conn.Conn().Close(ctx)
	}
	conn.Release()
}
