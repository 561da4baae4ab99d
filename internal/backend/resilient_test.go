package backend

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felixgeelhaar/linkparty/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingGateway wraps a MemoryStore and counts calls that reach it.
type countingGateway struct {
	*MemoryStore
	finds int
}

func (g *countingGateway) FindSessionByCode(ctx context.Context, code string) (*domain.PartySession, error) {
	g.finds++
	return g.MemoryStore.FindSessionByCode(ctx, code)
}

func TestResilient_PassesResultsThrough(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(WithCodeGenerator(fixedCodes("ABCD23")))
	gw := NewResilient(store, DefaultResilientConfig())

	created, err := gw.CreateSession(ctx)
	require.NoError(t, err)

	doc, err := gw.FindSessionByCode(ctx, "abcd23")
	require.NoError(t, err)
	assert.Equal(t, created.SessionID, doc.ID)

	require.NoError(t, gw.UpdateSharedLink(ctx, created.SessionID, "https://example.com"))

	got, err := gw.GetSession(ctx, created.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", got.SharedLink)
}

func TestResilient_NotFoundDoesNotTrip(t *testing.T) {
	ctx := context.Background()
	inner := &countingGateway{MemoryStore: NewMemoryStore()}
	gw := NewResilient(inner, DefaultResilientConfig())

	for i := 0; i < 10; i++ {
		_, err := gw.FindSessionByCode(ctx, "NOSUCH")
		require.ErrorIs(t, err, domain.ErrNotFound)
	}
	assert.Equal(t, 10, inner.finds)
}

func TestResilient_FailsFastWhenOpen(t *testing.T) {
	ctx := context.Background()
	inner := &countingGateway{MemoryStore: NewMemoryStore()}
	inner.SetAvailable(false)
	gw := NewResilient(inner, DefaultResilientConfig())

	for i := 0; i < 5; i++ {
		_, err := gw.FindSessionByCode(ctx, "ABCD23")
		require.ErrorIs(t, err, domain.ErrBackendUnavailable)
	}

	_, err := gw.FindSessionByCode(ctx, "ABCD23")
	require.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Equal(t, 5, inner.finds, "open breaker must not reach the store")

	// readiness probes bypass the breaker
	inner.SetAvailable(true)
	assert.NoError(t, gw.Ping(ctx))
}

// slowGateway holds every lookup for a moment and records peak concurrency.
type slowGateway struct {
	*MemoryStore
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (g *slowGateway) FindSessionByCode(ctx context.Context, code string) (*domain.PartySession, error) {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return g.MemoryStore.FindSessionByCode(ctx, code)
}

func TestResilient_BoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	inner := &slowGateway{MemoryStore: NewMemoryStore()}
	cfg := DefaultResilientConfig()
	cfg.MaxConcurrent = 2
	gw := NewResilient(inner, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gw.FindSessionByCode(ctx, "NOSUCH")
			assert.ErrorIs(t, err, domain.ErrNotFound)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, inner.peak.Load(), int32(2))
}
