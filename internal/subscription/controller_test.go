package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/linkparty/internal/backend"
	"github.com/felixgeelhaar/linkparty/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type updateLog struct {
	mu      sync.Mutex
	updates []Update
}

func (l *updateLog) record(u Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, u)
}

func (l *updateLog) snapshot() []Update {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Update(nil), l.updates...)
}

func (l *updateLog) last() (Update, bool) {
	all := l.snapshot()
	if len(all) == 0 {
		return Update{}, false
	}
	return all[len(all)-1], true
}

// failingSubscriber rejects every subscribe call.
type failingSubscriber struct{ err error }

func (f failingSubscriber) Subscribe(ctx context.Context, id string, onChange backend.ChangeFunc, onError backend.ErrorFunc) (backend.Subscription, error) {
	return nil, f.err
}

func TestUpdate_Reason(t *testing.T) {
	assert.Equal(t, "", Update{SessionID: "P1", PartyCode: "ABCD23"}.Reason())
	assert.Equal(t, ReasonNotFound, Update{Err: domain.ErrNotFound}.Reason())
	assert.Equal(t, ReasonListenerError, Update{Err: domain.ErrListenerFailure}.Reason())
	assert.Equal(t, ReasonListenerError, Update{Err: errors.New("boom")}.Reason())
}

func TestController_DeliversDataUpdates(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStore()
	created, err := store.CreateSession(ctx)
	require.NoError(t, err)

	c := New(store)
	defer c.Close()

	log := &updateLog{}
	c.Start(created.SessionID, log.record)

	id, ok := c.Current()
	assert.True(t, ok)
	assert.Equal(t, created.SessionID, id)

	require.Eventually(t, func() bool {
		u, ok := log.last()
		return ok && u.PartyCode == created.PartyCode
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, store.UpdateSharedLink(ctx, created.SessionID, "https://example.com/a"))
	require.Eventually(t, func() bool {
		u, _ := log.last()
		return u.SharedLink == "https://example.com/a" && u.Err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestController_RemoteDeleteIsNotFound(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStore()
	created, _ := store.CreateSession(ctx)

	c := New(store)
	defer c.Close()
	log := &updateLog{}
	c.Start(created.SessionID, log.record)

	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	store.Delete(created.SessionID)

	require.Eventually(t, func() bool {
		u, _ := log.last()
		return u.Reason() == ReasonNotFound
	}, time.Second, 5*time.Millisecond)
	u, _ := log.last()
	assert.ErrorIs(t, u.Err, domain.ErrNotFound)
	assert.Equal(t, created.SessionID, u.SessionID)
}

func TestController_ListenerFailure(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStore()
	created, _ := store.CreateSession(ctx)

	c := New(store)
	defer c.Close()
	log := &updateLog{}
	c.Start(created.SessionID, log.record)
	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	store.FailWatchers(created.SessionID, errors.New("permission denied"))
	require.Eventually(t, func() bool {
		u, _ := log.last()
		return u.Reason() == ReasonListenerError
	}, time.Second, 5*time.Millisecond)
	u, _ := log.last()
	assert.ErrorIs(t, u.Err, domain.ErrListenerFailure)
}

func TestController_SubscribeFailureIsReportedAsListenerError(t *testing.T) {
	c := New(failingSubscriber{err: domain.ErrBackendUnavailable})
	defer c.Close()

	log := &updateLog{}
	c.Start("P1", log.record)

	require.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	u, _ := log.last()
	assert.Equal(t, "P1", u.SessionID)
	assert.Equal(t, ReasonListenerError, u.Reason())
}

func TestController_StartReplacesPreviousWatch(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStore()
	first, _ := store.CreateSession(ctx)
	second, _ := store.CreateSession(ctx)

	c := New(store)
	defer c.Close()

	oldLog := &updateLog{}
	c.Start(first.SessionID, oldLog.record)
	require.Eventually(t, func() bool { return len(oldLog.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	newLog := &updateLog{}
	c.Start(second.SessionID, newLog.record)
	assert.Equal(t, 1, store.ActiveSubscriptions())

	require.NoError(t, store.UpdateSharedLink(ctx, first.SessionID, "https://example.com/old"))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, oldLog.snapshot(), 1, "disposed watch must stay silent")

	id, _ := c.Current()
	assert.Equal(t, second.SessionID, id)
}

func TestController_StopIsIdempotent(t *testing.T) {
	store := backend.NewMemoryStore()
	created, _ := store.CreateSession(context.Background())

	c := New(store)
	c.Stop()

	c.Start(created.SessionID, func(Update) {})
	c.Stop()
	c.Stop()

	_, ok := c.Current()
	assert.False(t, ok)
	assert.Equal(t, 0, store.ActiveSubscriptions())
}
