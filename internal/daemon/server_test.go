package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/felixgeelhaar/linkparty/internal/backend"
	"github.com/felixgeelhaar/linkparty/internal/config"
	"github.com/felixgeelhaar/linkparty/internal/dispatch"
	"github.com/felixgeelhaar/linkparty/internal/domain"
	"github.com/felixgeelhaar/linkparty/internal/mirror"
	"github.com/felixgeelhaar/linkparty/internal/notify"
	"github.com/felixgeelhaar/linkparty/internal/party"
	"github.com/gorilla/websocket"
)

type testEnv struct {
	server   *Server
	store    *backend.MemoryStore
	manager  *party.Manager
	notifier *notify.Notifier
	http     *httptest.Server
}

// setupTestServer wires a daemon over the in-memory backend
func setupTestServer(t *testing.T, tune ...func(*config.LocalConfig)) *testEnv {
	t.Helper()

	store := backend.NewMemoryStore()
	notifier := notify.New(notify.WithLogger(discardLogger()))
	manager := party.NewManager(party.Config{
		Gateway:  store,
		Cache:    mirror.NewMemoryCache(),
		Notifier: notifier,
		Logger:   discardLogger(),
		Ready:    backend.ReadyConfig{MaxAttempts: 1, Delay: time.Millisecond},
	})

	cfg := config.DefaultLocalConfig()
	cfg.Daemon.Port = 0
	for _, fn := range tune {
		fn(cfg)
	}

	server, err := NewServer(ServerConfig{
		Config:    cfg,
		Commands:  dispatch.New(manager, nil, discardLogger()),
		Hub:       notifier,
		Readiness: manager,
		Version:   "test",
		Logger:    discardLogger(),
	})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		_ = server.Shutdown(context.Background())
		ts.Close()
		manager.Close()
		notifier.Close()
	})

	return &testEnv{server: server, store: store, manager: manager, notifier: notifier, http: ts}
}

func (e *testEnv) command(t *testing.T, cmd string, payload any) (int, dispatch.Response) {
	t.Helper()
	req, err := dispatch.NewRequest(cmd, payload)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	return e.postCommand(t, body)
}

func (e *testEnv) postCommand(t *testing.T, body []byte) (int, dispatch.Response) {
	t.Helper()
	resp, err := http.Post(e.http.URL+"/v1/commands", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post command: %v", err)
	}
	defer resp.Body.Close()

	var out dispatch.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t)

	var resp map[string]any
	if code := getJSON(t, env.http.URL+"/v1/health", &resp); code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, code)
	}
	if resp["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %v", resp["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := setupTestServer(t)

	var before StatusResponse
	getJSON(t, env.http.URL+"/v1/status", &before)
	if before.Status != "running" || before.Version != "test" {
		t.Errorf("status = %+v", before)
	}
	if before.Backend != config.BackendMemory {
		t.Errorf("backend = %q, want memory", before.Backend)
	}
	if before.Badge.Text != "" {
		t.Errorf("badge = %+v, want blank while idle", before.Badge)
	}

	code, resp := env.command(t, dispatch.CreateSession, nil)
	if code != http.StatusOK || !resp.Success {
		t.Fatalf("create-session = %d %+v", code, resp)
	}
	var created dispatch.CreatedData
	if err := resp.Decode(&created); err != nil {
		t.Fatalf("decode created: %v", err)
	}

	var after StatusResponse
	getJSON(t, env.http.URL+"/v1/status", &after)
	if !after.BackendReady {
		t.Error("backend should be ready after a successful command")
	}
	if after.Subscribed != created.SessionID {
		t.Errorf("subscribed = %q, want %q", after.Subscribed, created.SessionID)
	}
	if after.State.PartyCode != created.PartyCode {
		t.Errorf("state = %+v, want code %s", after.State, created.PartyCode)
	}
	if after.Badge.Text != notify.BadgeText || after.Badge.Color != notify.BadgeColor {
		t.Errorf("badge = %+v, want ON", after.Badge)
	}
}

func TestStateEndpoint(t *testing.T) {
	env := setupTestServer(t)

	resp, err := http.Get(env.http.URL + "/v1/state")
	if err != nil {
		t.Fatalf("GET /v1/state: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	want := `{"sessionId":null,"partyCode":null,"sharedLink":null}`
	if strings.TrimSpace(string(body)) != want {
		t.Errorf("body = %s, want %s", body, want)
	}
}

func TestCommandStatusCodes(t *testing.T) {
	tests := []struct {
		name     string
		cmd      string
		payload  any
		wantCode int
		wantKind domain.Kind
	}{
		{"create", dispatch.CreateSession, nil, http.StatusOK, domain.KindNone},
		{"get state", dispatch.GetState, nil, http.StatusOK, domain.KindNone},
		{"leave while idle", dispatch.LeaveSession, nil, http.StatusOK, domain.KindNone},
		{"join empty code", dispatch.JoinSession, dispatch.JoinPayload{Code: "  "}, http.StatusBadRequest, domain.KindInvalidInput},
		{"join unknown code", dispatch.JoinSession, dispatch.JoinPayload{Code: "ZZZZZZ"}, http.StatusNotFound, domain.KindNotFound},
		{"share while idle", dispatch.ShareLink, dispatch.SharePayload{Link: "https://example.com"}, http.StatusBadRequest, domain.KindInvalidInput},
		{"open without url", dispatch.OpenLink, dispatch.OpenPayload{}, http.StatusBadRequest, domain.KindInvalidInput},
		{"unknown command", "dance", nil, http.StatusBadRequest, dispatch.KindUnknownCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)

			code, resp := env.command(t, tt.cmd, tt.payload)
			if code != tt.wantCode {
				t.Errorf("status = %d, want %d (%+v)", code, tt.wantCode, resp)
			}
			if resp.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", resp.Kind, tt.wantKind)
			}
			if resp.Success != (tt.wantKind == domain.KindNone) {
				t.Errorf("success = %v for kind %q", resp.Success, tt.wantKind)
			}
			if !resp.Success && resp.Error == "" {
				t.Error("failed response must carry an error message")
			}
		})
	}
}

func TestCommand_BackendUnavailable(t *testing.T) {
	env := setupTestServer(t)
	env.store.SetAvailable(false)

	code, resp := env.command(t, dispatch.CreateSession, nil)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if resp.Kind != domain.KindBackendUnavailable {
		t.Errorf("kind = %q, want backend_unavailable", resp.Kind)
	}

	// get-state still answers
	code, resp = env.command(t, dispatch.GetState, nil)
	if code != http.StatusOK || !resp.Success {
		t.Errorf("get-state = %d %+v, want success", code, resp)
	}
}

func TestCommand_MalformedBody(t *testing.T) {
	env := setupTestServer(t)

	code, resp := env.postCommand(t, []byte(`{"type":`))
	if code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
	if resp.Kind != dispatch.KindUnknownCommand || !strings.Contains(resp.Error, "unknown command") {
		t.Errorf("response = %+v, want unknown command", resp)
	}
}

type sseEvent struct {
	name string
	data string
}

// readEvents parses server-sent events from body onto a channel.
func readEvents(body io.Reader) <-chan sseEvent {
	out := make(chan sseEvent, 16)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(body)
		var ev sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			case line == "" && ev.name != "":
				out <- ev
				ev = sseEvent{}
			}
		}
	}()
	return out
}

func nextState(t *testing.T, events <-chan sseEvent) domain.State {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event stream ended")
		}
		if ev.name != EventState {
			t.Fatalf("event = %q, want %q", ev.name, EventState)
		}
		var st domain.State
		if err := json.Unmarshal([]byte(ev.data), &st); err != nil {
			t.Fatalf("decode state %q: %v", ev.data, err)
		}
		return st
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state event")
	}
	return domain.State{}
}

func TestEventsStream(t *testing.T) {
	env := setupTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.http.URL+"/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	events := readEvents(resp.Body)
	if first := nextState(t, events); first.Active() {
		t.Errorf("first event = %+v, want idle", first)
	}

	_, created := env.command(t, dispatch.CreateSession, nil)
	var data dispatch.CreatedData
	if err := created.Decode(&data); err != nil {
		t.Fatalf("decode created: %v", err)
	}

	if st := nextState(t, events); st.SessionID != data.SessionID || st.PartyCode != data.PartyCode {
		t.Errorf("pushed state = %+v, want %+v", st, data)
	}
}

func TestEventsStream_EndsOnShutdown(t *testing.T) {
	env := setupTestServer(t)

	resp, err := http.Get(env.http.URL + "/v1/events")
	if err != nil {
		t.Fatalf("GET /v1/events: %v", err)
	}
	defer resp.Body.Close()

	events := readEvents(resp.Body)
	nextState(t, events)

	if err := env.server.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected the stream to end after shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream still open after shutdown")
	}
}

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read websocket message: %v", err)
	}
	msg, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode websocket message %s: %v", data, err)
	}
	return msg
}

func TestWebSocket_CommandsAndPushes(t *testing.T) {
	env := setupTestServer(t)
	conn := dialWS(t, env)

	if first := readMessage(t, conn); first.Event != EventState || first.State.Active() {
		t.Fatalf("first message = %+v, want idle state", first)
	}

	if err := conn.WriteJSON(CommandMessage{ID: "c1", Type: dispatch.CreateSession}); err != nil {
		t.Fatalf("write command: %v", err)
	}

	var reply *dispatch.Response
	var pushed *domain.State
	for reply == nil || pushed == nil {
		msg := readMessage(t, conn)
		switch msg.Event {
		case EventResponse:
			if msg.ID != "c1" {
				t.Fatalf("response id = %q, want c1", msg.ID)
			}
			reply = msg.Response
		case EventState:
			if msg.State.Active() {
				pushed = msg.State
			}
		}
	}

	if !reply.Success {
		t.Fatalf("create-session failed: %+v", reply)
	}
	var created dispatch.CreatedData
	if err := reply.Decode(&created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if pushed.SessionID != created.SessionID {
		t.Errorf("pushed session %q, want %q", pushed.SessionID, created.SessionID)
	}
}

func TestWebSocket_MalformedCommand(t *testing.T) {
	env := setupTestServer(t)
	conn := dialWS(t, env)
	readMessage(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readMessage(t, conn)
	if msg.Event != EventResponse || msg.Response.Kind != dispatch.KindUnknownCommand {
		t.Errorf("message = %+v, want unknown command response", msg)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind domain.Kind
		want int
	}{
		{domain.KindNone, http.StatusOK},
		{domain.KindInvalidInput, http.StatusBadRequest},
		{dispatch.KindUnknownCommand, http.StatusBadRequest},
		{domain.KindNotFound, http.StatusNotFound},
		{domain.KindBackendUnavailable, http.StatusServiceUnavailable},
		{domain.KindBackend, http.StatusBadGateway},
		{domain.KindListenerFailure, http.StatusBadGateway},
		{KindRateLimited, http.StatusTooManyRequests},
		{dispatch.KindOpenFailed, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.kind); got != tt.want {
			t.Errorf("statusFor(%q) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestCommand_RateLimited(t *testing.T) {
	env := setupTestServer(t, func(cfg *config.LocalConfig) {
		cfg.Daemon.CommandRate = 1
	})

	limited := false
	for range 10 {
		status, resp := env.command(t, dispatch.GetState, nil)
		if status == http.StatusTooManyRequests {
			if resp.Kind != KindRateLimited {
				t.Errorf("kind = %q, want %q", resp.Kind, KindRateLimited)
			}
			limited = true
			break
		}
	}
	if !limited {
		t.Error("expected a 429 after exceeding the burst")
	}
}
