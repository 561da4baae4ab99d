package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/ratelimit"
	"github.com/felixgeelhaar/linkparty/internal/config"
	"github.com/felixgeelhaar/linkparty/internal/dispatch"
	"github.com/felixgeelhaar/linkparty/internal/domain"
	"github.com/felixgeelhaar/linkparty/internal/notify"
)

const (
	maxCommandBytes = 64 << 10
	keepAlivePeriod = 15 * time.Second
	commandLimitKey = "commands"
)

// KindRateLimited answers commands rejected by the rate limit.
const KindRateLimited domain.Kind = "rate_limited"

// Commander executes commands.
type Commander interface {
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Response
}

// Hub is the broadcast side the server streams from.
type Hub interface {
	Subscribe() (<-chan domain.State, func())
	Latest() domain.State
	Observers() int
	Badge() *notify.Badge
}

// Readiness reports backend and subscription health.
type Readiness interface {
	Ready() bool
	Watching() (string, bool)
}

// Server represents the party daemon HTTP server
type Server struct {
	cfg      *config.LocalConfig
	server   *http.Server
	router   *http.ServeMux
	handler  http.Handler
	logger   *slog.Logger
	version  string
	started  time.Time
	commands Commander
	hub      Hub
	ready    Readiness
	limiter  ratelimit.RateLimiter

	closing   chan struct{}
	closeOnce sync.Once
}

// ServerConfig holds configuration for creating a new server
type ServerConfig struct {
	Config    *config.LocalConfig
	Commands  Commander
	Hub       Hub
	Readiness Readiness
	Version   string
	Logger    *slog.Logger
}

// NewServer creates a new daemon server
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Config == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Commands == nil || cfg.Hub == nil || cfg.Readiness == nil {
		return nil, errors.New("commands, hub and readiness are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg.Config,
		router:   http.NewServeMux(),
		logger:   logger,
		version:  cfg.Version,
		started:  time.Now(),
		commands: cfg.Commands,
		hub:      cfg.Hub,
		ready:    cfg.Readiness,
		closing:  make(chan struct{}),
	}

	if rate := cfg.Config.Daemon.CommandRate; rate > 0 {
		s.limiter = ratelimit.New(&ratelimit.Config{
			Rate:     rate,
			Burst:    rate * 3,
			Interval: time.Second,
		})
	}

	s.setupRoutes()
	s.handler = withMiddleware(logger, s.router)

	addr := net.JoinHostPort(cfg.Config.Daemon.Bind, fmt.Sprint(cfg.Config.Daemon.Port))
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second, // streams clear their own deadline
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /v1/health", s.handleHealth)
	s.router.HandleFunc("GET /v1/status", s.handleStatus)

	s.router.HandleFunc("GET /v1/state", s.handleState)
	s.router.HandleFunc("POST /v1/commands", s.handleCommand)

	s.router.HandleFunc("GET /v1/events", s.handleEvents)
	s.router.HandleFunc("GET /v1/ws", s.handleWebSocket)
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting party daemon",
		"addr", s.server.Addr,
		"backend", s.cfg.Backend.Driver,
		"cache", s.cfg.Cache.Driver,
	)
	return s.server.ListenAndServe()
}

// Serve accepts connections on l.
func (s *Server) Serve(l net.Listener) error {
	return s.server.Serve(l)
}

// Shutdown ends open streams and gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down daemon...")
	s.closeOnce.Do(func() {
		close(s.closing)
		if s.limiter != nil {
			if err := s.limiter.Close(); err != nil {
				s.logger.Warn("failed to close rate limiter", "error", err)
			}
		}
	})
	return s.server.Shutdown(ctx)
}

// Handler implementations

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version"`
	Uptime       string            `json:"uptime"`
	Backend      string            `json:"backend"`
	BackendReady bool              `json:"backend_ready"`
	Cache        string            `json:"cache"`
	AMQP         bool              `json:"amqp"`
	State        domain.State      `json:"state"`
	Subscribed   string            `json:"subscribed,omitempty"`
	Badge        notify.BadgeState `json:"badge"`
	Observers    int               `json:"observers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	subscribed, _ := s.ready.Watching()
	s.jsonResponse(w, http.StatusOK, StatusResponse{
		Status:       "running",
		Version:      s.version,
		Uptime:       time.Since(s.started).Truncate(time.Second).String(),
		Backend:      s.cfg.Backend.Driver,
		BackendReady: s.ready.Ready(),
		Cache:        s.cfg.Cache.Driver,
		AMQP:         s.cfg.Notify.AMQP.Enabled,
		State:        s.hub.Latest(),
		Subscribed:   subscribed,
		Badge:        s.hub.Badge().Snapshot(),
		Observers:    s.hub.Observers(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	resp := s.commands.Dispatch(r.Context(), dispatch.Request{Type: dispatch.GetState})
	if !resp.Success {
		s.jsonResponse(w, statusFor(resp.Kind), resp)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp.Data); err != nil {
		s.logger.Debug("failed to write state", "error", err)
	}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCommandBytes)

	var req dispatch.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonResponse(w, http.StatusBadRequest, malformedCommand(err))
		return
	}

	resp := s.dispatch(r.Context(), req)
	s.jsonResponse(w, statusFor(resp.Kind), resp)
}

// dispatch runs a command from any client connection under the shared
// rate limit.
func (s *Server) dispatch(ctx context.Context, req dispatch.Request) dispatch.Response {
	if s.limiter != nil && !s.limiter.Allow(ctx, commandLimitKey) {
		s.logger.Warn("command rate limit exceeded", "type", req.Type)
		return dispatch.Response{
			Success: false,
			Error:   "too many commands, try again shortly",
			Kind:    KindRateLimited,
		}
	}
	return s.commands.Dispatch(ctx, req)
}

// handleEvents streams every broadcast state as server-sent events. The
// first event is the current state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.jsonError(w, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("cannot clear write deadline", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	states, cancel := s.hub.Subscribe()
	defer cancel()

	keepAlive := time.NewTicker(keepAlivePeriod)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
		case st, ok := <-states:
			if !ok {
				return
			}
			data, err := json.Marshal(st)
			if err != nil {
				s.logger.Error("failed to encode state event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", EventState, data); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

// Helper methods

// statusFor maps an error kind to an HTTP status. The body always carries
// the full command response.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindNone:
		return http.StatusOK
	case domain.KindInvalidInput, dispatch.KindUnknownCommand:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindBackend, domain.KindListenerFailure:
		return http.StatusBadGateway
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func malformedCommand(err error) dispatch.Response {
	return dispatch.Response{
		Success: false,
		Error:   fmt.Sprintf("%v: malformed request: %v", dispatch.ErrUnknownCommand, err),
		Kind:    dispatch.KindUnknownCommand,
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]any{
		"error":  message,
		"status": status,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	s.jsonResponse(w, status, response)
}
