package mirror

import (
	"context"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/linkparty/internal/domain"
	"github.com/felixgeelhaar/linkparty/internal/storage/local"
)

const (
	fileCollection = "state"
	fileMirrorID   = "mirror"
	fileVersionID  = "version"
)

type versionDoc struct {
	Version string `json:"version"`
}

// FileCache keeps the mirror as a single JSON document in a local store.
type FileCache struct {
	store *local.Store
}

// NewFileCache creates a file-backed cache under dir.
func NewFileCache(dir string) (*FileCache, error) {
	store, err := local.NewStore(dir)
	if err != nil {
		return nil, err
	}
	return &FileCache{store: store}, nil
}

var _ Store = (*FileCache)(nil)

// Load implements Cache.
func (c *FileCache) Load(ctx context.Context) (domain.State, error) {
	values := map[string]string{}
	if err := c.store.Load(fileCollection, fileMirrorID, &values); err != nil {
		if errors.Is(err, local.ErrNotFound) {
			return domain.State{}, nil
		}
		return domain.State{}, fmt.Errorf("load mirror: %w", err)
	}
	return FromValues(values), nil
}

// Save implements Cache.
func (c *FileCache) Save(ctx context.Context, s domain.State) error {
	if err := c.store.Save(fileCollection, fileMirrorID, Values(s.Normalize())); err != nil {
		return fmt.Errorf("save mirror: %w", err)
	}
	return nil
}

// Clear implements Cache.
func (c *FileCache) Clear(ctx context.Context) error {
	if err := c.store.Delete(fileCollection, fileMirrorID); err != nil && !errors.Is(err, local.ErrNotFound) {
		return fmt.Errorf("clear mirror: %w", err)
	}
	return nil
}

// LastVersion implements VersionStore.
func (c *FileCache) LastVersion(ctx context.Context) (string, error) {
	var doc versionDoc
	if err := c.store.Load(fileCollection, fileVersionID, &doc); err != nil {
		if errors.Is(err, local.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("load version: %w", err)
	}
	return doc.Version, nil
}

// RecordVersion implements VersionStore.
func (c *FileCache) RecordVersion(ctx context.Context, version string) error {
	if err := c.store.Save(fileCollection, fileVersionID, versionDoc{Version: version}); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return nil
}
