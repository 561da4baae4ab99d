package backend

import "sync"

// Watcher delivers document changes to a subscriber on its own goroutine.
// Producers never block: pending changes coalesce to the latest one, and
// the first failure is terminal.
//
// Store implementations create one Watcher per subscription and hand it to
// the caller as the Subscription.
type Watcher struct {
	sessionID string
	onChange  ChangeFunc
	onError   ErrorFunc
	teardown  func()

	// mu is held for the whole duration of a callback so Dispose can wait
	// for an in-flight delivery.
	mu     sync.Mutex
	closed bool

	pendingMu sync.Mutex
	pending   *Change
	failure   error

	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewWatcher starts a delivery loop for sessionID. teardown, if set, runs
// once on Dispose after callbacks have been cut off; it may release
// transport resources asynchronously.
func NewWatcher(sessionID string, onChange ChangeFunc, onError ErrorFunc, teardown func()) *Watcher {
	w := &Watcher{
		sessionID: sessionID,
		onChange:  onChange,
		onError:   onError,
		teardown:  teardown,
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

// SessionID returns the watched document id.
func (w *Watcher) SessionID() string {
	return w.sessionID
}

// Push queues a change, replacing any change not yet delivered.
func (w *Watcher) Push(c Change) {
	w.pendingMu.Lock()
	if w.failure != nil {
		w.pendingMu.Unlock()
		return
	}
	w.pending = &c
	w.pendingMu.Unlock()
	w.wake()
}

// Fail queues a terminal error. Later pushes and failures are ignored.
func (w *Watcher) Fail(err error) {
	w.pendingMu.Lock()
	if w.failure == nil {
		w.failure = err
	}
	w.pendingMu.Unlock()
	w.wake()
}

// Done is closed when the watcher has been disposed.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Dispose implements Subscription.
func (w *Watcher) Dispose() {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.done)
		if w.teardown != nil {
			w.teardown()
		}
	})
}

func (w *Watcher) wake() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.signal:
		}

		w.pendingMu.Lock()
		change := w.pending
		w.pending = nil
		failure := w.failure
		w.pendingMu.Unlock()

		if change != nil && w.onChange != nil {
			c := *change
			w.deliver(func() { w.onChange(c) })
		}
		if failure != nil {
			if w.onError != nil {
				w.deliver(func() { w.onError(failure) })
			}
			return
		}
	}
}

func (w *Watcher) deliver(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	fn()
}
