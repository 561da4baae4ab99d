package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/linkparty/internal/domain"
	"github.com/google/uuid"
)

// MemoryStore is an in-process document store with live watches. It backs
// tests and single-machine setups (backend driver "memory").
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]*domain.PartySession
	order    []string // creation order, used for first-match lookups
	watchers map[string]map[*Watcher]struct{}
	down     bool

	newID   func() string
	newCode domain.CodeGenerator
	now     func() time.Time
	last    time.Time
	logger  *slog.Logger
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithIDGenerator overrides the store-assigned document ids.
func WithIDGenerator(fn func() string) MemoryOption {
	return func(s *MemoryStore) { s.newID = fn }
}

// WithCodeGenerator overrides party code generation.
func WithCodeGenerator(fn domain.CodeGenerator) MemoryOption {
	return func(s *MemoryStore) { s.newCode = fn }
}

// WithClock overrides the server clock.
func WithClock(fn func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(s *MemoryStore) { s.logger = logger }
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		docs:     make(map[string]*domain.PartySession),
		watchers: make(map[string]map[*Watcher]struct{}),
		newID:    uuid.NewString,
		newCode:  domain.NewPartyCode,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Gateway = (*MemoryStore)(nil)

// CreateSession implements Gateway.
func (s *MemoryStore) CreateSession(ctx context.Context) (domain.Created, error) {
	if err := ctx.Err(); err != nil {
		return domain.Created{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		return domain.Created{}, fmt.Errorf("create party: %w", domain.ErrBackendUnavailable)
	}

	id := s.newID()
	if _, exists := s.docs[id]; exists {
		return domain.Created{}, fmt.Errorf("create party: %w: duplicate id %s", domain.ErrBackend, id)
	}

	ts := s.timestamp()
	doc := &domain.PartySession{
		ID:           id,
		PartyCode:    s.newCode(),
		Members:      []string{},
		CreatedAt:    ts,
		LastActivity: ts,
	}
	s.docs[id] = doc
	s.order = append(s.order, id)

	s.logger.Debug("party created", "session_id", id, "party_code", doc.PartyCode)
	return domain.Created{SessionID: id, PartyCode: doc.PartyCode}, nil
}

// FindSessionByCode implements Gateway.
func (s *MemoryStore) FindSessionByCode(ctx context.Context, code string) (*domain.PartySession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	code = domain.NormalizePartyCode(code)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		return nil, fmt.Errorf("find party: %w", domain.ErrBackendUnavailable)
	}

	for _, id := range s.order {
		doc, ok := s.docs[id]
		if ok && doc.PartyCode == code {
			return clone(doc), nil
		}
	}
	return nil, fmt.Errorf("party %s: %w", code, domain.ErrNotFound)
}

// UpdateSharedLink implements Gateway.
func (s *MemoryStore) UpdateSharedLink(ctx context.Context, sessionID, link string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("update shared link: %w: session id is required", domain.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		return fmt.Errorf("update shared link: %w", domain.ErrBackendUnavailable)
	}

	doc, ok := s.docs[sessionID]
	if !ok {
		return fmt.Errorf("party %s: %w", sessionID, domain.ErrNotFound)
	}
	doc.SharedLink = link
	doc.LastActivity = s.timestamp()

	s.notifyLocked(sessionID)
	return nil
}

// GetSession implements Gateway.
func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*domain.PartySession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		return nil, fmt.Errorf("get party: %w", domain.ErrBackendUnavailable)
	}

	doc, ok := s.docs[sessionID]
	if !ok {
		return nil, fmt.Errorf("party %s: %w", sessionID, domain.ErrNotFound)
	}
	return clone(doc), nil
}

// Subscribe implements Gateway.
func (s *MemoryStore) Subscribe(ctx context.Context, sessionID string, onChange ChangeFunc, onError ErrorFunc) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		return nil, fmt.Errorf("subscribe: %w", domain.ErrBackendUnavailable)
	}

	var w *Watcher
	w = NewWatcher(sessionID, onChange, onError, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers[sessionID], w)
		if len(s.watchers[sessionID]) == 0 {
			delete(s.watchers, sessionID)
		}
	})

	if s.watchers[sessionID] == nil {
		s.watchers[sessionID] = make(map[*Watcher]struct{})
	}
	s.watchers[sessionID][w] = struct{}{}
	w.Push(s.changeLocked(sessionID))

	return w, nil
}

// Ping implements Gateway.
func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return domain.ErrBackendUnavailable
	}
	return nil
}

// Delete removes a party. Deletion is an external concern for the engine;
// watchers observe it as a missing document.
func (s *MemoryStore) Delete(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[sessionID]; !ok {
		return false
	}
	delete(s.docs, sessionID)
	for i, id := range s.order {
		if id == sessionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	s.notifyLocked(sessionID)
	return true
}

// SetAvailable toggles simulated reachability. While unavailable every
// operation fails with domain.ErrBackendUnavailable.
func (s *MemoryStore) SetAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = !available
}

// FailWatchers breaks every live watch on sessionID with err.
func (s *MemoryStore) FailWatchers(sessionID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers[sessionID] {
		w.Fail(err)
	}
}

// ActiveSubscriptions counts live watches across all documents.
func (s *MemoryStore) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ws := range s.watchers {
		n += len(ws)
	}
	return n
}

// Len returns the number of stored parties.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func (s *MemoryStore) notifyLocked(sessionID string) {
	change := s.changeLocked(sessionID)
	for w := range s.watchers[sessionID] {
		w.Push(change)
	}
}

func (s *MemoryStore) changeLocked(sessionID string) Change {
	doc, ok := s.docs[sessionID]
	if !ok {
		return Change{SessionID: sessionID}
	}
	return Change{SessionID: sessionID, Exists: true, Session: *clone(doc)}
}

// timestamp returns a server time that never goes backwards.
func (s *MemoryStore) timestamp() time.Time {
	ts := s.now().UTC()
	if ts.Before(s.last) {
		ts = s.last
	}
	s.last = ts
	return ts
}

func clone(doc *domain.PartySession) *domain.PartySession {
	c := *doc
	c.Members = append([]string{}, doc.Members...)
	return &c
}
