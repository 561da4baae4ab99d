package domain

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"
)

const (
	// PartyCodeAlphabet leaves out characters that are easy to confuse
	// (0/O, 1/I).
	PartyCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	// PartyCodeLength is the fixed length of a party code.
	PartyCodeLength = 6
)

// PartySession is the remote, authoritative record of a party.
type PartySession struct {
	ID           string    `json:"id"`
	PartyCode    string    `json:"party_code"`
	SharedLink   string    `json:"shared_link,omitempty"` // empty means no link shared yet
	Members      []string  `json:"members"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// State returns the session triple observed in this record.
func (p *PartySession) State() State {
	return State{
		SessionID:  p.ID,
		PartyCode:  p.PartyCode,
		SharedLink: p.SharedLink,
	}
}

// Created is the result of creating a party on the backend.
type Created struct {
	SessionID string
	PartyCode string
}

// CodeGenerator produces party codes.
type CodeGenerator func() string

// NewPartyCode returns a random code of PartyCodeLength characters drawn
// from PartyCodeAlphabet.
func NewPartyCode() string {
	var b strings.Builder
	b.Grow(PartyCodeLength)
	max := big.NewInt(int64(len(PartyCodeAlphabet)))
	for i := 0; i < PartyCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand does not fail on supported platforms
			panic(fmt.Sprintf("generate party code: %v", err))
		}
		b.WriteByte(PartyCodeAlphabet[n.Int64()])
	}
	return b.String()
}

// NormalizePartyCode trims and uppercases a user supplied code so lookups
// are case-insensitive.
func NormalizePartyCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidPartyCode reports whether code is a well-formed, normalized code.
func ValidPartyCode(code string) bool {
	if len(code) != PartyCodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(PartyCodeAlphabet, rune(code[i])) {
			return false
		}
	}
	return true
}

// ValidateLink checks that link is an absolute http(s) URL.
func ValidateLink(link string) error {
	link = strings.TrimSpace(link)
	if link == "" {
		return fmt.Errorf("%w: link is required", ErrInvalidInput)
	}
	u, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("%w: malformed link: %v", ErrInvalidInput, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: link must be an absolute URL", ErrInvalidInput)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported link scheme %q", ErrInvalidInput, u.Scheme)
	}
	return nil
}
