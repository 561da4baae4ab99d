// Package subscription keeps at most one live watch on the current party.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felixgeelhaar/linkparty/internal/backend"
	"github.com/felixgeelhaar/linkparty/internal/domain"
)

// Reasons reported for error updates.
const (
	ReasonNotFound      = "not-found"
	ReasonListenerError = "listener-error"
)

// Update is what the controller reports for the watched party: either its
// latest code and link, or an error that ends the watch.
type Update struct {
	SessionID  string
	PartyCode  string
	SharedLink string

	// Err wraps domain.ErrNotFound when the party is gone, or
	// domain.ErrListenerFailure when the watch broke.
	Err error
}

// Reason names the error class of an error update, or "" for a data update.
func (u Update) Reason() string {
	switch {
	case u.Err == nil:
		return ""
	case errors.Is(u.Err, domain.ErrNotFound):
		return ReasonNotFound
	default:
		return ReasonListenerError
	}
}

// State returns the triple carried by a data update.
func (u Update) State() domain.State {
	return domain.State{SessionID: u.SessionID, PartyCode: u.PartyCode, SharedLink: u.SharedLink}
}

// Controller owns the single active subscription.
type Controller struct {
	subscriber backend.Subscriber
	logger     *slog.Logger
	timeout    time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	current   backend.Subscription
	sessionID string
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithSubscribeTimeout bounds how long establishing a watch may take.
func WithSubscribeTimeout(d time.Duration) Option {
	return func(c *Controller) { c.timeout = d }
}

// New creates a controller on top of a gateway.
func New(subscriber backend.Subscriber, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		subscriber: subscriber,
		logger:     slog.Default(),
		timeout:    10 * time.Second,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start replaces any current watch with one on sessionID. onUpdate runs on
// the subscription's delivery goroutine. A watch that cannot be
// established is reported through onUpdate as a listener error.
//
// Start must not be called from inside onUpdate.
func (c *Controller) Start(sessionID string, onUpdate func(Update)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.disposeLocked()

	onChange := func(ch backend.Change) {
		if !ch.Exists {
			onUpdate(Update{
				SessionID: sessionID,
				Err:       fmt.Errorf("party %s: %w", sessionID, domain.ErrNotFound),
			})
			return
		}
		onUpdate(Update{
			SessionID:  sessionID,
			PartyCode:  ch.Session.PartyCode,
			SharedLink: ch.Session.SharedLink,
		})
	}
	onError := func(err error) {
		if !errors.Is(err, domain.ErrListenerFailure) {
			err = fmt.Errorf("party %s: %w: %v", sessionID, domain.ErrListenerFailure, err)
		}
		c.logger.Warn("party subscription failed", "session_id", sessionID, "error", err)
		onUpdate(Update{SessionID: sessionID, Err: err})
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	sub, err := c.subscriber.Subscribe(ctx, sessionID, onChange, onError)
	if err != nil {
		c.logger.Warn("subscribe failed", "session_id", sessionID, "error", err)
		w := backend.NewWatcher(sessionID, nil, onError, nil)
		w.Fail(err)
		sub = w
	}

	c.current = sub
	c.sessionID = sessionID
	c.logger.Debug("watching party", "session_id", sessionID)
}

// Stop disposes the current watch, if any. Once Stop returns no update
// from that watch is delivered.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposeLocked()
}

// Current returns the watched session id.
func (c *Controller) Current() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.current != nil
}

// Close stops the current watch and cancels pending subscribe calls.
func (c *Controller) Close() {
	c.cancel()
	c.Stop()
}

func (c *Controller) disposeLocked() {
	if c.current == nil {
		return
	}
	c.current.Dispose()
	c.logger.Debug("stopped watching party", "session_id", c.sessionID)
	c.current = nil
	c.sessionID = ""
}
