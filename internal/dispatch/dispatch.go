// Package dispatch maps named commands from any surface (HTTP, MCP, CLI) onto
// the party manager and answers every request with a Response.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/felixgeelhaar/linkparty/internal/domain"
)

// Command names.
const (
	GetState      = "get-state"
	CreateSession = "create-session"
	JoinSession   = "join-session"
	LeaveSession  = "leave-session"
	ShareLink     = "share-link"
	OpenLink      = "open-link"
)

// Kinds added by the dispatcher on top of domain.Kind.
const (
	KindUnknownCommand domain.Kind = "unknown_command"
	KindOpenFailed     domain.Kind = "open_failed"
)

// ErrUnknownCommand is returned for unrecognized command types.
var ErrUnknownCommand = errors.New("unknown command")

// Commands lists every supported command type.
func Commands() []string {
	return []string{GetState, CreateSession, JoinSession, LeaveSession, ShareLink, OpenLink}
}

// Request is a single command.
type Request struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewRequest builds a request with payload encoded as JSON. A nil payload is
// omitted.
func NewRequest(cmd string, payload any) (Request, error) {
	req := Request{Type: cmd}
	if payload == nil {
		return req, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Request{}, fmt.Errorf("encode %s payload: %w", cmd, err)
	}
	req.Payload = data
	return req, nil
}

// Response carries either success data or a human-readable error.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Kind    domain.Kind     `json:"kind,omitempty"`
}

// Decode unmarshals Data into v.
func (r Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return errors.New("response has no data")
	}
	return json.Unmarshal(r.Data, v)
}

// Err returns the failure as an error, or nil on success.
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	return &Error{Kind: r.Kind, Message: r.Error}
}

// Error is a failed Response seen from the caller's side.
type Error struct {
	Kind    domain.Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is maps the kind back onto the domain sentinels so callers can use
// errors.Is on responses that crossed a transport.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case domain.KindInvalidInput:
		return target == domain.ErrInvalidInput
	case domain.KindNotFound:
		return target == domain.ErrNotFound
	case domain.KindBackendUnavailable:
		return target == domain.ErrBackendUnavailable
	case domain.KindListenerFailure:
		return target == domain.ErrListenerFailure
	case domain.KindBackend:
		return target == domain.ErrBackend
	case KindUnknownCommand:
		return target == ErrUnknownCommand
	}
	return false
}

// CreatedData is the success payload of create-session.
type CreatedData struct {
	SessionID string `json:"sessionId"`
	PartyCode string `json:"partyCode"`
}

// JoinPayload is the input of join-session.
type JoinPayload struct {
	Code string `json:"code"`
}

// SharePayload is the input of share-link.
type SharePayload struct {
	Link string `json:"link"`
}

// OpenPayload is the input of open-link.
type OpenPayload struct {
	URL string `json:"url"`
}

// Session is the part of the party manager driven by commands.
type Session interface {
	State() domain.State
	Create(ctx context.Context) (domain.State, error)
	Join(ctx context.Context, code string) (domain.State, error)
	Leave(ctx context.Context) error
	ShareLink(ctx context.Context, link string) error
	EnsureReady(ctx context.Context) error
}

// Opener shows a URL to the user.
type Opener interface {
	Open(ctx context.Context, url string) error
}

// Dispatcher routes requests to the session.
type Dispatcher struct {
	session Session
	opener  Opener
	logger  *slog.Logger
}

// New creates a dispatcher. A nil logger uses slog.Default().
func New(session Session, opener Opener, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{session: session, opener: opener, logger: logger}
}

// Dispatch executes req. It never panics on bad input and always returns a
// Response.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	d.logger.Debug("dispatching command", "type", req.Type)

	var (
		join  JoinPayload
		share SharePayload
	)
	if err := d.checkInput(req, &join, &share); err != nil {
		return d.fail(req.Type, err)
	}

	// get-state and open-link work without the backend
	switch req.Type {
	case CreateSession, JoinSession, LeaveSession, ShareLink:
		if err := d.session.EnsureReady(ctx); err != nil {
			return d.fail(req.Type, err)
		}
	}

	switch req.Type {
	case GetState:
		return ok(d.session.State())

	case CreateSession:
		st, err := d.session.Create(ctx)
		if err != nil {
			return d.fail(req.Type, err)
		}
		return ok(CreatedData{SessionID: st.SessionID, PartyCode: st.PartyCode})

	case JoinSession:
		st, err := d.session.Join(ctx, join.Code)
		if err != nil {
			return d.fail(req.Type, err)
		}
		return ok(st)

	case LeaveSession:
		if err := d.session.Leave(ctx); err != nil {
			return d.fail(req.Type, err)
		}
		return ok(struct{}{})

	case ShareLink:
		if err := d.session.ShareLink(ctx, share.Link); err != nil {
			return d.fail(req.Type, err)
		}
		return ok(struct{}{})

	case OpenLink:
		var p OpenPayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return d.fail(req.Type, err)
		}
		target := strings.TrimSpace(p.URL)
		if err := domain.ValidateLink(target); err != nil {
			return d.fail(req.Type, err)
		}
		if d.opener == nil {
			return d.failKind(req.Type, KindOpenFailed, errors.New("no link opener configured"))
		}
		if err := d.opener.Open(ctx, target); err != nil {
			return d.failKind(req.Type, KindOpenFailed, fmt.Errorf("open link: %w", err))
		}
		return ok(struct{}{})
	}

	d.logger.Warn("unknown command", "type", req.Type)
	return d.failKind(req.Type, KindUnknownCommand, fmt.Errorf("%w: %q", ErrUnknownCommand, req.Type))
}

// checkInput decodes and validates the payloads of join-session and
// share-link. It never touches the backend.
func (d *Dispatcher) checkInput(req Request, join *JoinPayload, share *SharePayload) error {
	switch req.Type {
	case JoinSession:
		if err := decodePayload(req.Payload, join); err != nil {
			return err
		}
		if domain.NormalizePartyCode(join.Code) == "" {
			return fmt.Errorf("%w: party code is required", domain.ErrInvalidInput)
		}
	case ShareLink:
		if err := decodePayload(req.Payload, share); err != nil {
			return err
		}
		if !d.session.State().Active() {
			return fmt.Errorf("%w: not in a party", domain.ErrInvalidInput)
		}
		return domain.ValidateLink(share.Link)
	}
	return nil
}

func (d *Dispatcher) fail(cmd string, err error) Response {
	return d.failKind(cmd, domain.KindOf(err), err)
}

func (d *Dispatcher) failKind(cmd string, kind domain.Kind, err error) Response {
	d.logger.Info("command failed", "type", cmd, "kind", kind, "error", err)
	return Response{Success: false, Error: err.Error(), Kind: kind}
}

func ok(v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return Response{Success: false, Error: fmt.Sprintf("encode response: %v", err), Kind: domain.KindBackend}
	}
	return Response{Success: true, Data: data}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: malformed payload: %v", domain.ErrInvalidInput, err)
	}
	return nil
}
