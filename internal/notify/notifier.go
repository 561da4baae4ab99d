// Package notify fans the current session state out to local observers,
// the presence badge and external sinks.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felixgeelhaar/linkparty/internal/domain"
)

// Sink receives every broadcast state, off the caller's goroutine.
type Sink interface {
	Name() string
	Publish(ctx context.Context, s domain.State) error
}

// Notifier is the broadcast hub. Observers that fall behind only ever see
// the latest state; nothing a slow observer or a failing sink does can
// block or fail a broadcast.
type Notifier struct {
	logger      *slog.Logger
	badge       *Badge
	sinks       []Sink
	sinkTimeout time.Duration

	mu     sync.Mutex
	subs   map[int]chan domain.State
	nextID int
	latest domain.State
	closed bool

	pendingMu sync.Mutex
	pending   *domain.State
	wake      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) { n.logger = logger }
}

// WithSink adds an external sink.
func WithSink(s Sink) Option {
	return func(n *Notifier) { n.sinks = append(n.sinks, s) }
}

// WithSinkTimeout bounds a single sink publish.
func WithSinkTimeout(d time.Duration) Option {
	return func(n *Notifier) { n.sinkTimeout = d }
}

// New creates a notifier and starts its sink worker.
func New(opts ...Option) *Notifier {
	n := &Notifier{
		logger:      slog.Default(),
		badge:       &Badge{},
		sinkTimeout: 5 * time.Second,
		subs:        make(map[int]chan domain.State),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}

	n.wg.Add(1)
	go n.runSinks()
	return n
}

// Broadcast pushes s to every observer, updates the badge and queues s for
// the sinks.
func (n *Notifier) Broadcast(ctx context.Context, s domain.State) {
	s = s.Normalize()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.latest = s
	for _, ch := range n.subs {
		offer(ch, s)
	}
	observers := len(n.subs)
	n.mu.Unlock()

	n.badge.Set(s.Active())

	if len(n.sinks) > 0 {
		n.pendingMu.Lock()
		n.pending = &s
		n.pendingMu.Unlock()
		select {
		case n.wake <- struct{}{}:
		default:
		}
	}

	n.logger.Debug("state broadcast",
		"session_id", s.SessionID,
		"party_code", s.PartyCode,
		"observers", observers)
}

// Subscribe registers an observer. The channel starts out holding the
// latest state. The returned func unregisters it and closes the channel.
func (n *Notifier) Subscribe() (<-chan domain.State, func()) {
	ch := make(chan domain.State, 1)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		close(ch)
		return ch, func() {}
	}

	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	ch <- n.latest

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if _, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(ch)
			}
		})
	}
}

// Latest returns the last broadcast state.
func (n *Notifier) Latest() domain.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.latest
}

// Observers returns the number of registered observers.
func (n *Notifier) Observers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Badge returns the presence indicator.
func (n *Notifier) Badge() *Badge {
	return n.badge
}

// Close unregisters all observers and stops the sink worker.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
	n.mu.Unlock()

	close(n.done)
	n.wg.Wait()
}

// offer replaces whatever the observer has not read yet with s.
func offer(ch chan domain.State, s domain.State) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

func (n *Notifier) runSinks() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return
		case <-n.wake:
		}

		n.pendingMu.Lock()
		s := n.pending
		n.pending = nil
		n.pendingMu.Unlock()
		if s == nil {
			continue
		}

		for _, sink := range n.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), n.sinkTimeout)
			if err := sink.Publish(ctx, *s); err != nil {
				n.logger.Warn("state sink publish failed", "sink", sink.Name(), "error", err)
			}
			cancel()
		}
	}
}
