package domain

import "encoding/json"

// State is the "current session" triple held in memory, mirrored to the
// local cache and pushed to observers.
//
// SessionID is set if and only if PartyCode is set. SharedLink may be empty
// on its own. Empty strings are encoded as JSON null.
type State struct {
	SessionID  string
	PartyCode  string
	SharedLink string
}

// Active reports whether the state names a session.
func (s State) Active() bool {
	return s.SessionID != "" && s.PartyCode != ""
}

// Normalize enforces the null-or-complete invariant: a triple with only one
// of SessionID and PartyCode collapses to the empty state.
func (s State) Normalize() State {
	if !s.Active() {
		return State{}
	}
	return s
}

type stateJSON struct {
	SessionID  *string `json:"sessionId"`
	PartyCode  *string `json:"partyCode"`
	SharedLink *string `json:"sharedLink"`
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// MarshalJSON encodes the triple with camelCase keys and nulls for empty
// fields.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateJSON{
		SessionID:  nullable(s.SessionID),
		PartyCode:  nullable(s.PartyCode),
		SharedLink: nullable(s.SharedLink),
	})
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw stateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = State{
		SessionID:  deref(raw.SessionID),
		PartyCode:  deref(raw.PartyCode),
		SharedLink: deref(raw.SharedLink),
	}
	return nil
}
