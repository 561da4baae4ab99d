package mcp

import (
	"context"
	"fmt"

	mcp "github.com/felixgeelhaar/mcp-go"
	"github.com/felixgeelhaar/mcp-go/server"
	"github.com/felixgeelhaar/linkparty/internal/dispatch"
	"github.com/felixgeelhaar/linkparty/internal/domain"
)

// Party is the daemon surface the tools drive. *client.Client satisfies it.
type Party interface {
	State(ctx context.Context) (domain.State, error)
	Create(ctx context.Context) (dispatch.CreatedData, error)
	Join(ctx context.Context, code string) (domain.State, error)
	Leave(ctx context.Context) error
	Share(ctx context.Context, link string) error
	Open(ctx context.Context, url string) error
}

// Server wraps the MCP server with party tools
type Server struct {
	mcpServer *server.Server
	party     Party
}

// Config contains configuration for the MCP server
type Config struct {
	Party   Party
	Version string
}

// NewServer creates a new MCP server for link parties
func NewServer(cfg Config) *Server {
	s := &Server{
		party: cfg.Party,
	}

	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s.mcpServer = server.New(server.Info{
		Name:    "linkparty",
		Version: version,
	}, server.WithInstructions(`
Link Party keeps a small group on the same link. One member creates a party
and shares its six-character code; everyone who joins sees every link shared
to the party as soon as it changes.

Available tools:
- party_state: Show the current party and shared link
- party_create: Create a party and make it current
- party_join: Join a party by its code
- party_leave: Leave the current party
- party_share: Share a link with the current party
- party_open: Open a link in the browser on this machine

The party daemon must be running (party start).
`))

	s.registerTools()

	return s
}

// registerTools registers all party MCP tools
func (s *Server) registerTools() {
	s.mcpServer.Tool("party_state").
		Description("Show the current party: session id, party code and shared link.").
		Handler(s.handleState)

	s.mcpServer.Tool("party_create").
		Description("Create a new party and make it current. Returns the code to give to others.").
		Handler(s.handleCreate)

	s.mcpServer.Tool("party_join").
		Description("Join an existing party by its code. Replaces any current party.").
		Handler(s.handleJoin)

	s.mcpServer.Tool("party_leave").
		Description("Leave the current party. Succeeds when not in a party.").
		Handler(s.handleLeave)

	s.mcpServer.Tool("party_share").
		Description("Share an http or https link with everyone in the current party.").
		Handler(s.handleShare)

	s.mcpServer.Tool("party_open").
		Description("Open an http or https link in the default browser.").
		Handler(s.handleOpen)
}

// Input/Output types for tools

type StateInput struct{}

type StateOutput struct {
	Active     bool   `json:"active"`
	SessionID  string `json:"session_id,omitempty"`
	PartyCode  string `json:"party_code,omitempty"`
	SharedLink string `json:"shared_link,omitempty"`
	Message    string `json:"message"`
}

type CreateInput struct{}

type JoinInput struct {
	Code string `json:"code" jsonschema:"description=Six-character party code, case-insensitive"`
}

type LeaveInput struct{}

type ShareInput struct {
	Link string `json:"link" jsonschema:"description=http or https URL to share"`
}

type OpenInput struct {
	URL string `json:"url" jsonschema:"description=http or https URL to open"`
}

type MessageOutput struct {
	Message string `json:"message"`
}

// Tool handlers

func (s *Server) handleState(ctx context.Context, _ StateInput) (StateOutput, error) {
	st, err := s.party.State(ctx)
	if err != nil {
		return StateOutput{}, fmt.Errorf("failed to get state: %w", err)
	}
	return stateOutput(st), nil
}

func (s *Server) handleCreate(ctx context.Context, _ CreateInput) (StateOutput, error) {
	created, err := s.party.Create(ctx)
	if err != nil {
		return StateOutput{}, fmt.Errorf("failed to create party: %w", err)
	}
	out := stateOutput(domain.State{SessionID: created.SessionID, PartyCode: created.PartyCode})
	out.Message = fmt.Sprintf("Party created. Others can join with code %s.", created.PartyCode)
	return out, nil
}

func (s *Server) handleJoin(ctx context.Context, input JoinInput) (StateOutput, error) {
	st, err := s.party.Join(ctx, input.Code)
	if err != nil {
		return StateOutput{}, fmt.Errorf("failed to join party: %w", err)
	}
	out := stateOutput(st)
	out.Message = fmt.Sprintf("Joined party %s.", st.PartyCode)
	return out, nil
}

func (s *Server) handleLeave(ctx context.Context, _ LeaveInput) (MessageOutput, error) {
	if err := s.party.Leave(ctx); err != nil {
		return MessageOutput{}, fmt.Errorf("failed to leave party: %w", err)
	}
	return MessageOutput{Message: "Left the party."}, nil
}

func (s *Server) handleShare(ctx context.Context, input ShareInput) (MessageOutput, error) {
	if err := s.party.Share(ctx, input.Link); err != nil {
		return MessageOutput{}, fmt.Errorf("failed to share link: %w", err)
	}
	return MessageOutput{Message: "Link shared. Party members will see it shortly."}, nil
}

func (s *Server) handleOpen(ctx context.Context, input OpenInput) (MessageOutput, error) {
	if err := s.party.Open(ctx, input.URL); err != nil {
		return MessageOutput{}, fmt.Errorf("failed to open link: %w", err)
	}
	return MessageOutput{Message: "Opened " + input.URL}, nil
}

func stateOutput(st domain.State) StateOutput {
	if !st.Active() {
		return StateOutput{Message: "Not in a party."}
	}
	out := StateOutput{
		Active:     true,
		SessionID:  st.SessionID,
		PartyCode:  st.PartyCode,
		SharedLink: st.SharedLink,
		Message:    fmt.Sprintf("In party %s.", st.PartyCode),
	}
	if st.SharedLink == "" {
		out.Message += " Nothing shared yet."
	}
	return out
}

// ServeStdio starts the MCP server on stdio
func (s *Server) ServeStdio(ctx context.Context) error {
	return mcp.ServeStdio(ctx, s.mcpServer)
}

// ServeHTTP starts the MCP server on HTTP (alternative transport)
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	return mcp.ServeHTTP(ctx, s.mcpServer, addr)
}

// GetMCPServer returns the underlying MCP server (for testing)
func (s *Server) GetMCPServer() *server.Server {
	return s.mcpServer
}
