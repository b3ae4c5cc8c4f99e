// Package backend is the HTTP client for the gym server's check-in and
// session endpoints. It owns the request/response contracts only; biometric
// matching and persistence live server-side.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openrep/kioskgate/internal/kiosk/autherr"
	"github.com/openrep/kioskgate/internal/kiosk/sensor"
	"github.com/openrep/kioskgate/internal/kiosk/webauthn"
	"github.com/openrep/kioskgate/internal/platform/codec"
)

// Role selects which login endpoint and token namespace a session uses.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Member identifies the checked-in athlete in a verification response.
type Member struct {
	AthleteID       string `json:"athlete_id"`
	Name            string `json:"name"`
	WrongTimeAccess bool   `json:"wrong_time_access,omitempty"`
}

// CheckinResult is the outcome of one verification call.
type CheckinResult struct {
	Success          bool    `json:"success"`
	Member           *Member `json:"member,omitempty"`
	AlreadyCheckedIn bool    `json:"already_checked_in,omitempty"`
	Message          string  `json:"error,omitempty"`
}

// Credentials are role login inputs.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult is the role-specific login response. The backend emits the
// access token under either `access_token` or `token`.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	Username     string
	DisplayName  string
	MemberID     string
}

// Client talks to the gym backend.
type Client struct {
	baseURL string
	http    *http.Client
	tracer  trace.Tracer
}

// New builds a client for the given base URL. A nil http client uses
// http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tracer:  otel.Tracer("kioskgate/backend"),
	}
}

// RegisterOptions fetches WebAuthn registration options for an athlete. The
// options come back base64url-encoded, ready for the authenticator ceremony.
func (c *Client) RegisterOptions(ctx context.Context, athleteID string) (json.RawMessage, error) {
	var options json.RawMessage
	err := c.post(ctx, "/webauthn/register/options/", map[string]any{"athlete_id": athleteID}, &options)
	if err != nil {
		return nil, err
	}
	return options, nil
}

// RegisterComplete posts the attestation payload to finish enrollment.
func (c *Client) RegisterComplete(ctx context.Context, athleteID string, credential *webauthn.RegistrationPayload) error {
	var result CheckinResult
	err := c.post(ctx, "/webauthn/register/complete/", map[string]any{
		"athlete_id": athleteID,
		"credential": credential,
	}, &result)
	if err != nil {
		return err
	}
	if !result.Success {
		return autherr.New(autherr.CodeDuplicateCredential, "register complete", fmt.Errorf("%s", nonEmpty(result.Message, "registration rejected")))
	}
	return nil
}

// KioskCheckin verifies a WebAuthn assertion from the shared kiosk.
func (c *Client) KioskCheckin(ctx context.Context, assertion *webauthn.AssertionPayload) (CheckinResult, error) {
	ctx, span := c.tracer.Start(ctx, "backend.KioskCheckin")
	defer span.End()

	var result CheckinResult
	if err := c.post(ctx, "/webauthn/kiosk/checkin/", map[string]any{"assertion": assertion}, &result); err != nil {
		return CheckinResult{}, err
	}
	span.SetAttributes(attribute.Bool("checkin.success", result.Success))
	return result, nil
}

// ExternalSensorCheckin verifies a fingerprint capture from an external
// sensor. Matching is server-side and opaque.
func (c *Client) ExternalSensorCheckin(ctx context.Context, sample sensor.Sample) (CheckinResult, error) {
	ctx, span := c.tracer.Start(ctx, "backend.ExternalSensorCheckin")
	defer span.End()

	var result CheckinResult
	err := c.post(ctx, "/webauthn/kiosk/external-sensor/", map[string]any{
		"fingerprint_data": codec.ToText(sample.Data, codec.Base64),
		"sensor_type":      sample.SensorType,
		"quality":          sample.Quality,
	}, &result)
	if err != nil {
		return CheckinResult{}, err
	}
	span.SetAttributes(attribute.Bool("checkin.success", result.Success))
	return result, nil
}

// PinCheckin submits the PIN+photo fallback.
func (c *Client) PinCheckin(ctx context.Context, pin string, photo []byte) (CheckinResult, error) {
	ctx, span := c.tracer.Start(ctx, "backend.PinCheckin")
	defer span.End()

	var result CheckinResult
	err := c.post(ctx, "/pin/checkin/", map[string]any{
		"pin":   pin,
		"photo": codec.ToText(photo, codec.Base64),
	}, &result)
	if err != nil {
		return CheckinResult{}, err
	}
	return result, nil
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	Token       string `json:"token"`
	Refresh     string `json:"refresh"`
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	Name        string `json:"name"`
	MemberID    string `json:"member_id"`
}

// Login authenticates against the role-appropriate endpoint.
func (c *Client) Login(ctx context.Context, role Role, credentials Credentials) (LoginResult, error) {
	var decoded loginResponse
	if err := c.post(ctx, loginPath(role), credentials, &decoded); err != nil {
		return LoginResult{}, err
	}
	access := decoded.AccessToken
	if access == "" {
		access = decoded.Token
	}
	if access == "" {
		return LoginResult{}, autherr.New(autherr.CodeNetwork, "login", fmt.Errorf("response missing access token"))
	}
	return LoginResult{
		AccessToken:  access,
		RefreshToken: decoded.Refresh,
		UserID:       decoded.UserID,
		Username:     decoded.Username,
		DisplayName:  decoded.Name,
		MemberID:     decoded.MemberID,
	}, nil
}

// Refresh exchanges a refresh token for a new access token on the role's
// endpoint.
func (c *Client) Refresh(ctx context.Context, role Role, refreshToken string) (LoginResult, error) {
	var decoded loginResponse
	if err := c.post(ctx, refreshPath(role), map[string]any{"refresh": refreshToken}, &decoded); err != nil {
		return LoginResult{}, err
	}
	access := decoded.AccessToken
	if access == "" {
		access = decoded.Token
	}
	if access == "" {
		return LoginResult{}, autherr.New(autherr.CodeNetwork, "refresh", fmt.Errorf("response missing access token"))
	}
	refresh := decoded.Refresh
	if refresh == "" {
		refresh = refreshToken
	}
	return LoginResult{AccessToken: access, RefreshToken: refresh}, nil
}

func loginPath(role Role) string {
	if role == RoleAdmin {
		return "/auth/admin/login/"
	}
	return "/auth/member/login/"
}

func refreshPath(role Role) string {
	if role == RoleAdmin {
		return "/auth/admin/refresh/"
	}
	return "/auth/member/refresh/"
}

// post sends a JSON body and decodes a JSON response. Transport failures and
// 5xx responses become NetworkError; 4xx responses with a decodable body are
// returned to the caller as-is so verification rejections stay recoverable.
func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return autherr.New(autherr.CodeNetwork, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return autherr.New(autherr.CodeNetwork, path, fmt.Errorf("server returned %s", resp.Status))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if out != nil && json.NewDecoder(resp.Body).Decode(out) == nil {
			return nil
		}
		return autherr.New(autherr.CodeNetwork, path, fmt.Errorf("request rejected with %s", resp.Status))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return autherr.New(autherr.CodeNetwork, path, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func nonEmpty(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
