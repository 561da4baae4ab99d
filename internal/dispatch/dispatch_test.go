package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/felixgeelhaar/linkparty/internal/backend"
	"github.com/felixgeelhaar/linkparty/internal/domain"
	"github.com/felixgeelhaar/linkparty/internal/mirror"
	"github.com/felixgeelhaar/linkparty/internal/party"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSession struct {
	stateFn     func() domain.State
	createFn    func(ctx context.Context) (domain.State, error)
	joinFn      func(ctx context.Context, code string) (domain.State, error)
	leaveFn     func(ctx context.Context) error
	shareLinkFn func(ctx context.Context, link string) error
	readyErr    error
}

func (m *mockSession) State() domain.State {
	if m.stateFn != nil {
		return m.stateFn()
	}
	return domain.State{}
}

func (m *mockSession) Create(ctx context.Context) (domain.State, error) {
	if m.createFn != nil {
		return m.createFn(ctx)
	}
	return domain.State{}, errors.New("not implemented")
}

func (m *mockSession) Join(ctx context.Context, code string) (domain.State, error) {
	if m.joinFn != nil {
		return m.joinFn(ctx, code)
	}
	return domain.State{}, errors.New("not implemented")
}

func (m *mockSession) Leave(ctx context.Context) error {
	if m.leaveFn != nil {
		return m.leaveFn(ctx)
	}
	return nil
}

func (m *mockSession) ShareLink(ctx context.Context, link string) error {
	if m.shareLinkFn != nil {
		return m.shareLinkFn(ctx, link)
	}
	return nil
}

func (m *mockSession) EnsureReady(context.Context) error {
	return m.readyErr
}

type recordingOpener struct {
	opened []string
	err    error
}

func (o *recordingOpener) Open(_ context.Context, url string) error {
	if o.err != nil {
		return o.err
	}
	o.opened = append(o.opened, url)
	return nil
}

func request(t *testing.T, cmd string, payload any) Request {
	t.Helper()
	req, err := NewRequest(cmd, payload)
	require.NoError(t, err)
	return req
}

func TestDispatch_GetStateEncodesNulls(t *testing.T) {
	d := New(&mockSession{}, nil, nil)

	resp := d.Dispatch(context.Background(), Request{Type: GetState})
	require.True(t, resp.Success)
	assert.JSONEq(t, `{"sessionId":null,"partyCode":null,"sharedLink":null}`, string(resp.Data))
}

func TestDispatch_CreateSession(t *testing.T) {
	d := New(&mockSession{
		createFn: func(context.Context) (domain.State, error) {
			return domain.State{SessionID: "P1", PartyCode: "ABCD23"}, nil
		},
	}, nil, nil)

	resp := d.Dispatch(context.Background(), Request{Type: CreateSession})
	require.True(t, resp.Success, resp.Error)

	var got CreatedData
	require.NoError(t, resp.Decode(&got))
	assert.Equal(t, CreatedData{SessionID: "P1", PartyCode: "ABCD23"}, got)
}

func TestDispatch_JoinPassesCode(t *testing.T) {
	var gotCode string
	d := New(&mockSession{
		joinFn: func(_ context.Context, code string) (domain.State, error) {
			gotCode = code
			return domain.State{SessionID: "P1", PartyCode: "ABCD23", SharedLink: "https://example.com"}, nil
		},
	}, nil, nil)

	resp := d.Dispatch(context.Background(), request(t, JoinSession, JoinPayload{Code: "abcd23"}))
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "abcd23", gotCode)
	assert.JSONEq(t, `{"sessionId":"P1","partyCode":"ABCD23","sharedLink":"https://example.com"}`, string(resp.Data))
}

func TestDispatch_ErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind domain.Kind
	}{
		{"not found", fmt.Errorf("no such party X: %w", domain.ErrNotFound), domain.KindNotFound},
		{"invalid", fmt.Errorf("%w: party code is required", domain.ErrInvalidInput), domain.KindInvalidInput},
		{"unavailable", domain.ErrBackendUnavailable, domain.KindBackendUnavailable},
		{"unclassified", errors.New("boom"), domain.KindBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(&mockSession{
				joinFn: func(context.Context, string) (domain.State, error) {
					return domain.State{}, tt.err
				},
			}, nil, nil)

			resp := d.Dispatch(context.Background(), request(t, JoinSession, JoinPayload{Code: "X"}))
			assert.False(t, resp.Success)
			assert.Equal(t, tt.kind, resp.Kind)
			assert.Equal(t, tt.err.Error(), resp.Error)
			assert.Nil(t, resp.Data)
		})
	}
}

func TestDispatch_ReadinessGate(t *testing.T) {
	session := &mockSession{
		readyErr: fmt.Errorf("service temporarily unavailable: %w", domain.ErrBackendUnavailable),
		stateFn: func() domain.State {
			return domain.State{SessionID: "P1", PartyCode: "ABCD23"}
		},
		createFn: func(context.Context) (domain.State, error) {
			t.Fatal("create must not run while the backend is unavailable")
			return domain.State{}, nil
		},
	}
	opener := &recordingOpener{}
	d := New(session, opener, nil)
	ctx := context.Background()

	for _, req := range []Request{
		{Type: CreateSession},
		request(t, JoinSession, JoinPayload{Code: "ABCD23"}),
		{Type: LeaveSession},
		request(t, ShareLink, SharePayload{Link: "https://example.com"}),
	} {
		resp := d.Dispatch(ctx, req)
		assert.False(t, resp.Success, req.Type)
		assert.Equal(t, domain.KindBackendUnavailable, resp.Kind, req.Type)
	}

	assert.True(t, d.Dispatch(ctx, Request{Type: GetState}).Success)
	assert.True(t, d.Dispatch(ctx, request(t, OpenLink, OpenPayload{URL: "https://example.com"})).Success)
	assert.Equal(t, []string{"https://example.com"}, opener.opened)
}

func TestDispatch_InvalidInputBeforeReadinessGate(t *testing.T) {
	tests := []struct {
		name  string
		state domain.State
		req   Request
	}{
		{"join without code", domain.State{}, Request{Type: JoinSession}},
		{"join with blank code", domain.State{}, Request{Type: JoinSession, Payload: json.RawMessage(`{"code":"   "}`)}},
		{"share while idle", domain.State{}, Request{Type: ShareLink, Payload: json.RawMessage(`{"link":"https://example.com"}`)}},
		{"share without link", domain.State{SessionID: "P1", PartyCode: "ABCD23"}, Request{Type: ShareLink}},
		{"share bad link", domain.State{SessionID: "P1", PartyCode: "ABCD23"}, Request{Type: ShareLink, Payload: json.RawMessage(`{"link":"ftp://example.com"}`)}},
		{"malformed payload", domain.State{}, Request{Type: JoinSession, Payload: json.RawMessage(`"ABCD23"`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session := &mockSession{
				readyErr: fmt.Errorf("service temporarily unavailable: %w", domain.ErrBackendUnavailable),
				stateFn:  func() domain.State { return tt.state },
			}
			resp := New(session, nil, nil).Dispatch(context.Background(), tt.req)
			assert.False(t, resp.Success)
			assert.Equal(t, domain.KindInvalidInput, resp.Kind, resp.Error)
		})
	}
}

func TestDispatch_OpenLink(t *testing.T) {
	ctx := context.Background()

	t.Run("missing url", func(t *testing.T) {
		opener := &recordingOpener{}
		resp := New(&mockSession{}, opener, nil).Dispatch(ctx, Request{Type: OpenLink})
		assert.False(t, resp.Success)
		assert.Equal(t, domain.KindInvalidInput, resp.Kind)
		assert.Empty(t, opener.opened)
	})

	t.Run("trims url", func(t *testing.T) {
		opener := &recordingOpener{}
		resp := New(&mockSession{}, opener, nil).Dispatch(ctx, request(t, OpenLink, OpenPayload{URL: "  https://example.com/a  "}))
		require.True(t, resp.Success, resp.Error)
		assert.Equal(t, []string{"https://example.com/a"}, opener.opened)
	})

	t.Run("opener fails", func(t *testing.T) {
		opener := &recordingOpener{err: errors.New("no browser")}
		resp := New(&mockSession{}, opener, nil).Dispatch(ctx, request(t, OpenLink, OpenPayload{URL: "https://example.com"}))
		assert.False(t, resp.Success)
		assert.Equal(t, KindOpenFailed, resp.Kind)
		assert.Contains(t, resp.Error, "no browser")
	})

	t.Run("no opener", func(t *testing.T) {
		resp := New(&mockSession{}, nil, nil).Dispatch(ctx, request(t, OpenLink, OpenPayload{URL: "https://example.com"}))
		assert.False(t, resp.Success)
		assert.Equal(t, KindOpenFailed, resp.Kind)
	})
}

func TestDispatch_UnknownCommand(t *testing.T) {
	d := New(&mockSession{}, nil, nil)

	for _, typ := range []string{"", "CREATE_PARTY", "dance"} {
		resp := d.Dispatch(context.Background(), Request{Type: typ})
		assert.False(t, resp.Success)
		assert.Equal(t, KindUnknownCommand, resp.Kind)
		assert.Contains(t, resp.Error, "unknown command")
		assert.ErrorIs(t, resp.Err(), ErrUnknownCommand)
	}
}

func TestDispatch_MalformedPayload(t *testing.T) {
	d := New(&mockSession{
		shareLinkFn: func(context.Context, string) error {
			t.Fatal("share must not run with a malformed payload")
			return nil
		},
	}, nil, nil)

	resp := d.Dispatch(context.Background(), Request{Type: ShareLink, Payload: json.RawMessage(`"https://example.com"`)})
	assert.False(t, resp.Success)
	assert.Equal(t, domain.KindInvalidInput, resp.Kind)
}

func TestResponse_ErrMapsKinds(t *testing.T) {
	assert.NoError(t, Response{Success: true}.Err())

	err := Response{Error: "no such party", Kind: domain.KindNotFound}.Err()
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NotErrorIs(t, err, domain.ErrInvalidInput)
	assert.EqualError(t, err, "no such party")
}

// End to end through a real manager and the in-memory backend.
func TestDispatch_WithManager(t *testing.T) {
	store := backend.NewMemoryStore()
	manager := party.NewManager(party.Config{
		Gateway: store,
		Cache:   mirror.NewMemoryCache(),
		Ready:   backend.ReadyConfig{MaxAttempts: 1, Delay: time.Millisecond},
	})
	t.Cleanup(manager.Close)

	d := New(manager, nil, nil)
	ctx := context.Background()

	resp := d.Dispatch(ctx, Request{Type: CreateSession})
	require.True(t, resp.Success, resp.Error)
	var created CreatedData
	require.NoError(t, resp.Decode(&created))
	require.NotEmpty(t, created.SessionID)

	resp = d.Dispatch(ctx, request(t, ShareLink, SharePayload{Link: "https://example.com/watch"}))
	require.True(t, resp.Success, resp.Error)

	require.Eventually(t, func() bool {
		resp := d.Dispatch(ctx, Request{Type: GetState})
		var st domain.State
		return resp.Decode(&st) == nil && st.SharedLink == "https://example.com/watch"
	}, 2*time.Second, 10*time.Millisecond)

	resp = d.Dispatch(ctx, request(t, ShareLink, SharePayload{Link: "not a link"}))
	assert.Equal(t, domain.KindInvalidInput, resp.Kind)

	resp = d.Dispatch(ctx, request(t, JoinSession, JoinPayload{Code: "ZZZZZZ"}))
	assert.Equal(t, domain.KindNotFound, resp.Kind)
	assert.Contains(t, resp.Error, "no such party")

	resp = d.Dispatch(ctx, Request{Type: LeaveSession})
	require.True(t, resp.Success, resp.Error)
	assert.JSONEq(t, `{}`, string(resp.Data))

	resp = d.Dispatch(ctx, Request{Type: GetState})
	assert.JSONEq(t, `{"sessionId":null,"partyCode":null,"sharedLink":null}`, string(resp.Data))
}
