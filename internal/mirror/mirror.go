// Package mirror persists the current session triple on the local machine so
// it survives daemon restarts.
package mirror

import (
	"context"

	"github.com/felixgeelhaar/linkparty/internal/domain"
)

// Stable keys of the persisted triple.
const (
	KeySessionID  = "currentPartyId"
	KeyPartyCode  = "currentPartyCode"
	KeySharedLink = "currentSharedLink"
)

// Keys lists the triple's keys in a fixed order.
var Keys = []string{KeySessionID, KeyPartyCode, KeySharedLink}

// Cache is the local mirror of the current session. Implementations
// write the three keys together.
type Cache interface {
	// Load returns the persisted triple, or the zero State when nothing
	// (or only part of a triple) is stored.
	Load(ctx context.Context) (domain.State, error)

	// Save overwrites the persisted triple.
	Save(ctx context.Context, s domain.State) error

	// Clear removes all three keys.
	Clear(ctx context.Context) error
}

// VersionStore remembers which build of the daemon ran last.
type VersionStore interface {
	LastVersion(ctx context.Context) (string, error)
	RecordVersion(ctx context.Context, version string) error
}

// Store is a cache that also tracks the launched version.
type Store interface {
	Cache
	VersionStore
}

// FromValues builds a State from stored key/value pairs.
func FromValues(values map[string]string) domain.State {
	return domain.State{
		SessionID:  values[KeySessionID],
		PartyCode:  values[KeyPartyCode],
		SharedLink: values[KeySharedLink],
	}.Normalize()
}

// Values flattens a State into key/value pairs. Empty fields are omitted.
func Values(s domain.State) map[string]string {
	values := make(map[string]string, len(Keys))
	if s.SessionID != "" {
		values[KeySessionID] = s.SessionID
	}
	if s.PartyCode != "" {
		values[KeyPartyCode] = s.PartyCode
	}
	if s.SharedLink != "" {
		values[KeySharedLink] = s.SharedLink
	}
	return values
}
