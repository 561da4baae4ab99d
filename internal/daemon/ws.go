package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/felixgeelhaar/linkparty/internal/dispatch"
	"github.com/felixgeelhaar/linkparty/internal/domain"
	"github.com/gorilla/websocket"
)

// Event names shared by the event stream and the websocket.
const (
	EventState    = "state"
	EventResponse = "response"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsBuffer     = 8
)

// Message is sent from the daemon to a websocket client: either a state
// push or the answer to a command.
type Message struct {
	Event    string             `json:"event"`
	ID       string             `json:"id,omitempty"`
	State    *domain.State      `json:"state,omitempty"`
	Response *dispatch.Response `json:"response,omitempty"`
}

// CommandMessage is a command sent by a websocket client. ID is echoed in
// the response.
type CommandMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWebSocket pushes every broadcast state and answers commands on the
// same connection. Only this goroutine writes to the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered the request
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	states, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	replies := make(chan Message, wsBuffer)
	go s.readCommands(ctx, cancel, conn, replies)

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	write := func(msg Message) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(msg); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			if !write(Message{Event: EventState, State: &st}) {
				return
			}
		case msg := <-replies:
			if !write(msg) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) readCommands(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, replies chan<- Message) {
	defer cancel()

	conn.SetReadLimit(maxCommandBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var cmd CommandMessage
		var resp dispatch.Response
		if err := json.Unmarshal(data, &cmd); err != nil {
			resp = malformedCommand(err)
		} else {
			resp = s.dispatch(ctx, dispatch.Request{Type: cmd.Type, Payload: cmd.Payload})
		}

		select {
		case replies <- Message{Event: EventResponse, ID: cmd.ID, Response: &resp}:
		case <-ctx.Done():
			return
		}
	}
}

// DecodeMessage parses a daemon websocket message.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	switch msg.Event {
	case EventState:
		if msg.State == nil {
			return Message{}, errors.New("state event without state")
		}
	case EventResponse:
		if msg.Response == nil {
			return Message{}, errors.New("response event without response")
		}
	default:
		return Message{}, errors.New("unknown event " + msg.Event)
	}
	return msg, nil
}
