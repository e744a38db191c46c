// Package domain contains entity without logic, just meta-data
package domain

import (
	"encoding/json"
	"errors"
)

const MaxUserIDLen = 64

var (
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUserIDTooLong = errors.New("user id too long")
)

type UserID string

// Validate is the only check the relay applies to identities. Who may claim
// an id is decided upstream.
func (id UserID) Validate() error {
	if len(id) == 0 {
		return ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	return nil
}

// Profile is a display-only snapshot handed in by the client on world join.
// It is not authoritative and is relayed as-is.
type Profile struct {
	ID          UserID          `json:"id"`
	DisplayName string          `json:"displayName,omitempty"`
	AvatarURL   string          `json:"avatarUrl,omitempty"`
	Headline    string          `json:"headline,omitempty"`
	Extra       json.RawMessage `json:"extra,omitempty"`
}
