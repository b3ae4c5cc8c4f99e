// Package storage defines persistence for the kiosk's dual role sessions.
//
// Each role owns a disjoint record; the active-role pointer lives beside
// them and never implies the other role's record was cleared. The device
// auto-mode flag shares the store so one file carries all device-local
// state.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a role has no stored session.
var ErrNotFound = errors.New("not found")

// Record is one role's session state.
type Record struct {
	Role           string
	AccessToken    string
	RefreshToken   string
	UserID         string
	Username       string
	DisplayName    string
	RoleSpecificID string
	Authenticated  bool
	UpdatedAt      time.Time
}

// Store persists role sessions, the active-role pointer, and device flags.
type Store interface {
	PutSession(ctx context.Context, record Record) error
	GetSession(ctx context.Context, role string) (Record, error)
	DeleteSession(ctx context.Context, role string) error

	// ActiveRole returns the pointer, or "" when unset.
	ActiveRole(ctx context.Context) (string, error)
	// SetActiveRole updates the pointer; "" clears it.
	SetActiveRole(ctx context.Context, role string) error

	AutoMode(ctx context.Context) (bool, error)
	SetAutoMode(ctx context.Context, enabled bool) error
}
