// Package postgres stores parties in PostgreSQL and streams document changes
// to subscribers through LISTEN/NOTIFY.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/felixgeelhaar/linkparty/internal/backend"
	"github.com/felixgeelhaar/linkparty/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Channel is the notification channel the parties trigger publishes on.
// The payload is the changed party id.
const Channel = "linkparty_parties"

// Store implements backend.Gateway on a pgx connection pool.
type Store struct {
	pool    *pgxpool.Pool
	newCode domain.CodeGenerator
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCodeGenerator overrides party code generation.
func WithCodeGenerator(fn domain.CodeGenerator) Option {
	return func(s *Store) { s.newCode = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:    pool,
		newCode: domain.NewPartyCode,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to databaseURL. The pool connects lazily, so an
// unreachable server is reported by Ping rather than here.
func Open(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return New(pool, opts...), nil
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

var _ backend.Gateway = (*Store)(nil)

// CreateSession implements backend.Gateway.
func (s *Store) CreateSession(ctx context.Context) (domain.Created, error) {
	code := s.newCode()
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO parties (party_code) VALUES ($1) RETURNING id::text`,
		code,
	).Scan(&id)
	if err != nil {
		return domain.Created{}, classify("create party", err)
	}

	s.logger.Debug("party created", "session_id", id, "party_code", code)
	return domain.Created{SessionID: id, PartyCode: code}, nil
}

// FindSessionByCode implements backend.Gateway.
func (s *Store) FindSessionByCode(ctx context.Context, code string) (*domain.PartySession, error) {
	code = domain.NormalizePartyCode(code)
	row := s.pool.QueryRow(ctx, `
		SELECT id::text, party_code, shared_link, members, created_at, last_activity
		FROM parties WHERE party_code = $1
		ORDER BY created_at, id
		LIMIT 1`, code)

	doc, err := scanParty(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("party %s: %w", code, domain.ErrNotFound)
	}
	if err != nil {
		return nil, classify("find party", err)
	}
	return doc, nil
}

// UpdateSharedLink implements backend.Gateway.
func (s *Store) UpdateSharedLink(ctx context.Context, sessionID, link string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("update shared link: %w: session id is required", domain.ErrInvalidInput)
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		return fmt.Errorf("party %s: %w", sessionID, domain.ErrNotFound)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE parties
		SET shared_link = $2, last_activity = GREATEST(now(), last_activity)
		WHERE id = $1`, sessionID, link)
	if err != nil {
		return classify("update shared link", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("party %s: %w", sessionID, domain.ErrNotFound)
	}
	return nil
}

// GetSession implements backend.Gateway.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.PartySession, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, fmt.Errorf("party %s: %w", sessionID, domain.ErrNotFound)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT id::text, party_code, shared_link, members, created_at, last_activity
		FROM parties WHERE id = $1`, sessionID)

	doc, err := scanParty(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("party %s: %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, classify("get party", err)
	}
	return doc, nil
}

// Delete removes a party. Subscribers observe it as a missing document.
func (s *Store) Delete(ctx context.Context, sessionID string) (bool, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM parties WHERE id = $1`, sessionID)
	if err != nil {
		return false, classify("delete party", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Ping implements backend.Gateway.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w: %v", domain.ErrBackendUnavailable, err)
	}
	return nil
}

func scanParty(row pgx.Row) (*domain.PartySession, error) {
	var (
		doc  domain.PartySession
		link *string
	)
	if err := row.Scan(&doc.ID, &doc.PartyCode, &link, &doc.Members, &doc.CreatedAt, &doc.LastActivity); err != nil {
		return nil, err
	}
	if link != nil {
		doc.SharedLink = *link
	}
	if doc.Members == nil {
		doc.Members = []string{}
	}
	return &doc, nil
}

// classify maps driver errors onto domain sentinels. Statements the server
// rejected are backend errors; anything below that is unavailability.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w: %s (%s)", op, domain.ErrBackend, pgErr.Message, pgErr.Code)
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrBackendUnavailable, err)
}
