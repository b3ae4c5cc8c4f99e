// Package session manages the kiosk's two independent login namespaces.
//
// An admin session and a member session coexist on one device; logging one
// role in or out never touches the other role's tokens. The active-role
// pointer selects which session outgoing requests use, and switching roles
// only ever moves the pointer.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openrep/kioskgate/internal/kiosk/backend"
	"github.com/openrep/kioskgate/internal/session/storage"
)

// ErrSessionMissing is returned when a switch targets a role with no live
// session. The caller should redirect to that role's login.
var ErrSessionMissing = errors.New("no session for role")

// Availability reports which roles hold a live session.
type Availability struct {
	Admin  bool
	Member bool
}

// LoginClient is the backend surface the manager needs.
type LoginClient interface {
	Login(ctx context.Context, role backend.Role, credentials backend.Credentials) (backend.LoginResult, error)
	Refresh(ctx context.Context, role backend.Role, refreshToken string) (backend.LoginResult, error)
}

// Manager owns both role sessions and the active-role pointer.
type Manager struct {
	store  storage.Store
	client LoginClient
	now    func() time.Time
}

// New builds a manager. A nil now func uses time.Now.
func New(store storage.Store, client LoginClient, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, client: client, now: now}
}

// Login authenticates the given role and makes it active. Only that role's
// namespace is written.
func (m *Manager) Login(ctx context.Context, role backend.Role, credentials backend.Credentials) (storage.Record, error) {
	result, err := m.client.Login(ctx, role, credentials)
	if err != nil {
		return storage.Record{}, err
	}

	record := storage.Record{
		Role:           string(role),
		AccessToken:    result.AccessToken,
		RefreshToken:   result.RefreshToken,
		UserID:         result.UserID,
		Username:       result.Username,
		DisplayName:    result.DisplayName,
		RoleSpecificID: result.MemberID,
		Authenticated:  true,
		UpdatedAt:      m.now(),
	}
	if err := m.store.PutSession(ctx, record); err != nil {
		return storage.Record{}, fmt.Errorf("persist %s session: %w", role, err)
	}
	if err := m.store.SetActiveRole(ctx, string(role)); err != nil {
		return storage.Record{}, fmt.Errorf("set active role: %w", err)
	}
	return record, nil
}

// Logout clears only the given role's session. When that role was active the
// pointer is cleared too; the other role's session survives untouched.
func (m *Manager) Logout(ctx context.Context, role backend.Role) error {
	if err := m.store.DeleteSession(ctx, string(role)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("clear %s session: %w", role, err)
	}
	active, err := m.store.ActiveRole(ctx)
	if err != nil {
		return fmt.Errorf("read active role: %w", err)
	}
	if active == string(role) {
		if err := m.store.SetActiveRole(ctx, ""); err != nil {
			return fmt.Errorf("clear active role: %w", err)
		}
	}
	return nil
}

// SwitchSession moves the pointer to the given role. The target must hold a
// live session; a missing or expired one returns ErrSessionMissing without
// mutating any namespace, so the caller can redirect to login.
func (m *Manager) SwitchSession(ctx context.Context, role backend.Role) (storage.Record, error) {
	record, err := m.store.GetSession(ctx, string(role))
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Record{}, fmt.Errorf("switch to %s: %w", role, ErrSessionMissing)
	}
	if err != nil {
		return storage.Record{}, fmt.Errorf("read %s session: %w", role, err)
	}
	if !m.live(record) {
		return storage.Record{}, fmt.Errorf("switch to %s: %w", role, ErrSessionMissing)
	}
	if err := m.store.SetActiveRole(ctx, string(role)); err != nil {
		return storage.Record{}, fmt.Errorf("set active role: %w", err)
	}
	return record, nil
}

// GetAvailableSessions reports which roles currently hold a live session.
func (m *Manager) GetAvailableSessions(ctx context.Context) (Availability, error) {
	var availability Availability
	for _, role := range []backend.Role{backend.RoleAdmin, backend.RoleMember} {
		record, err := m.store.GetSession(ctx, string(role))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return Availability{}, fmt.Errorf("read %s session: %w", role, err)
		}
		if !m.live(record) {
			continue
		}
		if role == backend.RoleAdmin {
			availability.Admin = true
		} else {
			availability.Member = true
		}
	}
	return availability, nil
}

// Active returns the pointer, or "" when no role is active.
func (m *Manager) Active(ctx context.Context) (backend.Role, error) {
	role, err := m.store.ActiveRole(ctx)
	if err != nil {
		return "", fmt.Errorf("read active role: %w", err)
	}
	return backend.Role(role), nil
}

// Current returns the active role's session record.
func (m *Manager) Current(ctx context.Context) (storage.Record, error) {
	role, err := m.store.ActiveRole(ctx)
	if err != nil {
		return storage.Record{}, fmt.Errorf("read active role: %w", err)
	}
	if role == "" {
		return storage.Record{}, ErrSessionMissing
	}
	record, err := m.store.GetSession(ctx, role)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Record{}, ErrSessionMissing
	}
	if err != nil {
		return storage.Record{}, fmt.Errorf("read %s session: %w", role, err)
	}
	return record, nil
}

// AccessToken returns the given role's bearer token, refreshing once when the
// stored token has expired and a refresh token is on hand.
func (m *Manager) AccessToken(ctx context.Context, role backend.Role) (string, error) {
	record, err := m.store.GetSession(ctx, string(role))
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrSessionMissing
	}
	if err != nil {
		return "", fmt.Errorf("read %s session: %w", role, err)
	}
	if m.live(record) {
		return record.AccessToken, nil
	}
	if record.RefreshToken == "" {
		return "", fmt.Errorf("%s token expired: %w", role, ErrSessionMissing)
	}
	refreshed, err := m.RefreshSession(ctx, role)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// RefreshSession exchanges the role's refresh token for new tokens and
// persists them.
func (m *Manager) RefreshSession(ctx context.Context, role backend.Role) (storage.Record, error) {
	record, err := m.store.GetSession(ctx, string(role))
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Record{}, ErrSessionMissing
	}
	if err != nil {
		return storage.Record{}, fmt.Errorf("read %s session: %w", role, err)
	}
	if record.RefreshToken == "" {
		return storage.Record{}, fmt.Errorf("%s session has no refresh token: %w", role, ErrSessionMissing)
	}

	result, err := m.client.Refresh(ctx, role, record.RefreshToken)
	if err != nil {
		return storage.Record{}, err
	}
	record.AccessToken = result.AccessToken
	record.RefreshToken = result.RefreshToken
	record.Authenticated = true
	record.UpdatedAt = m.now()
	if err := m.store.PutSession(ctx, record); err != nil {
		return storage.Record{}, fmt.Errorf("persist %s session: %w", role, err)
	}
	return record, nil
}

// live reports whether a record still authenticates. Tokens without an exp
// claim (or that are not JWTs at all) are trusted as long as the record says
// it was authenticated; the backend is the final arbiter either way.
func (m *Manager) live(record storage.Record) bool {
	if !record.Authenticated || record.AccessToken == "" {
		return false
	}
	expiry, ok := tokenExpiry(record.AccessToken)
	if !ok {
		return true
	}
	return expiry.After(m.now())
}

// tokenExpiry extracts the exp claim without verifying the signature. The
// kiosk never validates tokens; it only avoids sending ones the backend is
// guaranteed to reject.
func tokenExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	expiry, err := parsed.Claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return time.Time{}, false
	}
	return expiry.Time, true
}
