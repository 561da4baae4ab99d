// Package backend is the contract over the remote document store that holds
// party sessions, plus an in-process implementation and resilience helpers.
package backend

import (
	"context"

	"github.com/felixgeelhaar/linkparty/internal/domain"
)

// Change is one observation of a watched document. Exists is false once the
// document has been deleted or was never there.
type Change struct {
	SessionID string
	Exists    bool
	Session   domain.PartySession
}

// ChangeFunc receives the latest document state.
type ChangeFunc func(Change)

// ErrorFunc receives transport or permission failures of a subscription.
type ErrorFunc func(error)

// Subscription is a live watch on one document.
type Subscription interface {
	// Dispose unregisters the watch. It is idempotent, and once it returns
	// neither callback fires again. It must not be called from inside one
	// of the subscription's own callbacks.
	Dispose()
}

// Gateway is the set of operations the session engine needs from the
// remote store. Every failure is reported as an error wrapping one of the
// domain sentinels.
type Gateway interface {
	// CreateSession persists a new party with a fresh code, no shared link,
	// no members and store-side timestamps.
	CreateSession(ctx context.Context) (domain.Created, error)

	// FindSessionByCode returns the first party whose code matches the
	// normalized code, or domain.ErrNotFound.
	FindSessionByCode(ctx context.Context, code string) (*domain.PartySession, error)

	// UpdateSharedLink sets the party's shared link and bumps its activity
	// timestamp.
	UpdateSharedLink(ctx context.Context, sessionID, link string) error

	// GetSession reads a party once.
	GetSession(ctx context.Context, sessionID string) (*domain.PartySession, error)

	// Subscribe watches a party. onChange fires immediately with the
	// current state and then on every change.
	Subscribe(ctx context.Context, sessionID string, onChange ChangeFunc, onError ErrorFunc) (Subscription, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// Subscriber is the subset of Gateway used by the subscription controller.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string, onChange ChangeFunc, onError ErrorFunc) (Subscription, error)
}

var _ Subscriber = (Gateway)(nil)
