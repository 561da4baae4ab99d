package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/linkparty/internal/domain"
	"github.com/felixgeelhaar/linkparty/internal/mirror"
)

const metaLaunchedVersion = "launchedVersion"

// MirrorStore keeps the session triple as rows of a key/value table. All
// three keys change in one transaction.
type MirrorStore struct {
	db *DB
}

// NewMirrorStore creates a mirror on a migrated database.
func NewMirrorStore(db *DB) *MirrorStore {
	return &MirrorStore{db: db}
}

// OpenMirror opens the database at path, migrates it and returns the store.
func OpenMirror(path string) (*MirrorStore, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache: %w", err)
	}
	return NewMirrorStore(db), nil
}

// Close closes the underlying database.
func (s *MirrorStore) Close() error {
	return s.db.Close()
}

// Load implements mirror.Cache.
func (s *MirrorStore) Load(ctx context.Context) (domain.State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM mirror WHERE key IN (?, ?, ?)`,
		mirror.KeySessionID, mirror.KeyPartyCode, mirror.KeySharedLink)
	if err != nil {
		return domain.State{}, fmt.Errorf("query mirror: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string, len(mirror.Keys))
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return domain.State{}, fmt.Errorf("scan mirror: %w", err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return domain.State{}, fmt.Errorf("iterate mirror: %w", err)
	}
	return mirror.FromValues(values), nil
}

// Save implements mirror.Cache.
func (s *MirrorStore) Save(ctx context.Context, st domain.State) error {
	values := mirror.Values(st.Normalize())
	return s.inTx(ctx, "save mirror", func(tx *sql.Tx) error {
		for _, key := range mirror.Keys {
			value, ok := values[key]
			if !ok {
				if _, err := tx.ExecContext(ctx, `DELETE FROM mirror WHERE key = ?`, key); err != nil {
					return err
				}
				continue
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO mirror (key, value, updated_at) VALUES (?, ?, datetime('now'))
				ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
				key, value)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Clear implements mirror.Cache.
func (s *MirrorStore) Clear(ctx context.Context) error {
	return s.inTx(ctx, "clear mirror", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM mirror WHERE key IN (?, ?, ?)`,
			mirror.KeySessionID, mirror.KeyPartyCode, mirror.KeySharedLink)
		return err
	})
}

// LastVersion implements mirror.VersionStore.
func (s *MirrorStore) LastVersion(ctx context.Context) (string, error) {
	var version string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaLaunchedVersion).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load version: %w", err)
	}
	return version, nil
}

// RecordVersion implements mirror.VersionStore.
func (s *MirrorStore) RecordVersion(ctx context.Context, version string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		metaLaunchedVersion, version)
	if err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return nil
}

func (s *MirrorStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}
