package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/linkparty/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	states []domain.State
	err    error
	block  chan struct{}
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(ctx context.Context, st domain.State) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, st)
	return s.err
}

func (s *recordingSink) published() []domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.State(nil), s.states...)
}

var active = domain.State{SessionID: "P1", PartyCode: "ABCD23"}

func TestNotifier_SubscribeStartsWithLatest(t *testing.T) {
	n := New()
	defer n.Close()

	n.Broadcast(context.Background(), active)

	ch, cancel := n.Subscribe()
	defer cancel()

	select {
	case got := <-ch:
		assert.Equal(t, active, got)
	case <-time.After(time.Second):
		t.Fatal("no initial state")
	}
}

func TestNotifier_FanOutToAllObservers(t *testing.T) {
	n := New()
	defer n.Close()

	a, cancelA := n.Subscribe()
	defer cancelA()
	b, cancelB := n.Subscribe()
	defer cancelB()
	<-a
	<-b

	n.Broadcast(context.Background(), active)

	for _, ch := range []<-chan domain.State{a, b} {
		select {
		case got := <-ch:
			assert.Equal(t, active, got)
		case <-time.After(time.Second):
			t.Fatal("observer missed broadcast")
		}
	}
}

func TestNotifier_SlowObserverSeesLatestOnly(t *testing.T) {
	n := New()
	defer n.Close()

	ch, cancel := n.Subscribe()
	defer cancel()

	for i := 0; i < 10; i++ {
		n.Broadcast(context.Background(), domain.State{SessionID: "P1", PartyCode: "ABCD23", SharedLink: "https://example.com/" + string(rune('a'+i))})
	}

	got := <-ch
	assert.Equal(t, "https://example.com/j", got.SharedLink)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected queued state %+v", extra)
	default:
	}
}

func TestNotifier_NormalizesPartialState(t *testing.T) {
	n := New()
	defer n.Close()

	n.Broadcast(context.Background(), domain.State{SessionID: "P1"})
	assert.Equal(t, domain.State{}, n.Latest())
}

func TestNotifier_Badge(t *testing.T) {
	n := New()
	defer n.Close()

	n.Broadcast(context.Background(), active)
	assert.Equal(t, BadgeState{Text: "ON", Color: "#28a745"}, n.Badge().Snapshot())

	n.Broadcast(context.Background(), domain.State{})
	assert.Equal(t, BadgeState{}, n.Badge().Snapshot())
}

func TestNotifier_SinkFailuresAreSwallowed(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	n := New(WithSink(sink))
	defer n.Close()

	n.Broadcast(context.Background(), active)

	require.Eventually(t, func() bool { return len(sink.published()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, active, n.Latest())
}

func TestNotifier_BlockedSinkDoesNotBlockBroadcast(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	n := New(WithSink(sink))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			n.Broadcast(context.Background(), active)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a sink")
	}

	close(sink.block)
	n.Close()
}

func TestNotifier_UnsubscribeAndClose(t *testing.T) {
	n := New()

	ch, cancel := n.Subscribe()
	assert.Equal(t, 1, n.Observers())
	cancel()
	cancel()
	assert.Equal(t, 0, n.Observers())

	<-ch // initial state
	_, open := <-ch
	assert.False(t, open)

	other, _ := n.Subscribe()
	n.Close()
	n.Close()
	<-other
	_, open = <-other
	assert.False(t, open)

	// broadcasting after close is a no-op
	n.Broadcast(context.Background(), active)
}
