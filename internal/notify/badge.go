package notify

import "sync"

// Badge colors and text shown while a party is active.
const (
	BadgeText  = "ON"
	BadgeColor = "#28a745"
)

// BadgeState is a snapshot of the presence indicator.
type BadgeState struct {
	Text  string `json:"text"`
	Color string `json:"color,omitempty"`
}

// Badge is the presence indicator: "ON" in green while in a party, blank
// otherwise.
type Badge struct {
	mu    sync.RWMutex
	state BadgeState
}

// Set switches the badge on or off.
func (b *Badge) Set(active bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if active {
		b.state = BadgeState{Text: BadgeText, Color: BadgeColor}
		return
	}
	b.state = BadgeState{}
}

// Snapshot returns the current badge.
func (b *Badge) Snapshot() BadgeState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}
