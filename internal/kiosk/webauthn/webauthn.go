// Package webauthn wraps the platform credential ceremonies into typed
// register/authenticate operations for the kiosk.
//
// The backend issues registration and assertion options as base64url-encoded
// JSON (the WebAuthn wire convention); this package decodes them, runs the
// ceremony through an attached Authenticator, and re-encodes the result into
// the payload shape the backend expects. Credential material is never
// persisted here and never logged.
package webauthn

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/openrep/kioskgate/internal/kiosk/autherr"
	"github.com/openrep/kioskgate/internal/platform/codec"
)

// Ceremony faults reported by Authenticator implementations.
var (
	// ErrCeremonyDeclined means the user dismissed the native prompt.
	ErrCeremonyDeclined = errors.New("ceremony declined by user")
	// ErrCeremonyAborted means the platform cancelled the prompt itself.
	ErrCeremonyAborted = errors.New("ceremony aborted by platform")
	// ErrDuplicateCredential means the authenticator is already enrolled
	// for one of the excluded credentials.
	ErrDuplicateCredential = errors.New("authenticator already enrolled")
	// ErrCapability means the authenticator cannot perform the ceremony.
	ErrCapability = errors.New("authenticator capability unavailable")
)

// Attestation is the raw outcome of a create-credential ceremony.
type Attestation struct {
	CredentialID      []byte
	ClientDataJSON    []byte
	AttestationObject []byte
	Attachment        protocol.AuthenticatorAttachment
}

// Assertion is the raw outcome of a get-credential ceremony.
type Assertion struct {
	CredentialID      []byte
	ClientDataJSON    []byte
	AuthenticatorData []byte
	Signature         []byte
	UserHandle        []byte
}

// Authenticator performs the native credential ceremonies on the kiosk
// device. Implementations own the native prompt UI; the client only shapes
// options and results.
type Authenticator interface {
	// PlatformAvailable probes for a platform (built-in) authenticator.
	PlatformAvailable(ctx context.Context) bool
	// Create runs the create-credential ceremony.
	Create(ctx context.Context, options protocol.PublicKeyCredentialCreationOptions) (*Attestation, error)
	// Get runs the get-credential ceremony.
	Get(ctx context.Context, options protocol.PublicKeyCredentialRequestOptions) (*Assertion, error)
}

// Config controls ceremony parameters.
type Config struct {
	RPID    string        `env:"KIOSKGATE_WEBAUTHN_RP_ID"   envDefault:"localhost"`
	Timeout time.Duration `env:"KIOSKGATE_WEBAUTHN_TIMEOUT" envDefault:"30s"`
}

// Client exposes register/authenticate operations over an Authenticator.
type Client struct {
	auth    Authenticator
	rpID    string
	timeout time.Duration
}

// New builds a client. A nil authenticator yields an unsupported client, the
// capability probes report false and ceremonies fail with
// CodeCapabilityUnavailable.
func New(auth Authenticator, cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rpID := cfg.RPID
	if rpID == "" {
		rpID = "localhost"
	}
	return &Client{auth: auth, rpID: rpID, timeout: timeout}
}

// IsSupported reports whether any authenticator is attached. Capability
// probe only, no side effects.
func (c *Client) IsSupported() bool {
	return c != nil && c.auth != nil
}

// IsPlatformAuthenticatorAvailable probes for a built-in authenticator.
func (c *Client) IsPlatformAuthenticatorAvailable(ctx context.Context) bool {
	if !c.IsSupported() {
		return false
	}
	return c.auth.PlatformAvailable(ctx)
}

// RegistrationPayload is the server-postable attestation result.
type RegistrationPayload struct {
	ID       string               `json:"id"`
	RawID    string               `json:"rawId"`
	Response RegistrationResponse `json:"response"`
	Type     string               `json:"type"`
}

// RegistrationResponse carries the attestation blobs, base64url-encoded.
type RegistrationResponse struct {
	ClientDataJSON    string `json:"clientDataJSON"`
	AttestationObject string `json:"attestationObject"`
}

// AssertionPayload is the server-postable assertion result.
type AssertionPayload struct {
	ID       string            `json:"id"`
	RawID    string            `json:"rawId"`
	Response AssertionResponse `json:"response"`
	Type     string            `json:"type"`
}

// AssertionResponse carries the assertion blobs, base64url-encoded.
type AssertionResponse struct {
	ClientDataJSON    string `json:"clientDataJSON"`
	AuthenticatorData string `json:"authenticatorData"`
	Signature         string `json:"signature"`
	UserHandle        string `json:"userHandle,omitempty"`
}

// Register decodes server-issued registration options, runs the
// create-credential ceremony, and re-encodes the attestation.
func (c *Client) Register(ctx context.Context, optionsJSON []byte) (*RegistrationPayload, error) {
	if !c.IsSupported() {
		return nil, autherr.New(autherr.CodeCapabilityUnavailable, "register", ErrCapability)
	}
	options, err := parseCreationOptions(optionsJSON)
	if err != nil {
		return nil, autherr.New(autherr.CodeDecode, "register", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	attestation, err := c.auth.Create(ctx, *options)
	if err != nil {
		return nil, ceremonyError("register", err, autherr.CodeRegistrationDenied)
	}

	id := codec.ToText(attestation.CredentialID, codec.Base64URL)
	return &RegistrationPayload{
		ID:    id,
		RawID: id,
		Response: RegistrationResponse{
			ClientDataJSON:    codec.ToText(attestation.ClientDataJSON, codec.Base64URL),
			AttestationObject: codec.ToText(attestation.AttestationObject, codec.Base64URL),
		},
		Type: "public-key",
	}, nil
}

// Authenticate decodes server-issued assertion options, runs the
// get-credential ceremony, and re-encodes the assertion. Cancelling ctx
// raises CodeAuthenticationAborted, distinct from a user decline.
func (c *Client) Authenticate(ctx context.Context, optionsJSON []byte) (*AssertionPayload, error) {
	if !c.IsSupported() {
		return nil, autherr.New(autherr.CodeCapabilityUnavailable, "authenticate", ErrCapability)
	}
	options, err := parseRequestOptions(optionsJSON)
	if err != nil {
		return nil, autherr.New(autherr.CodeDecode, "authenticate", err)
	}
	return c.assert(ctx, "authenticate", *options)
}

// KioskAuthenticate runs an assertion with an empty allow-list and the
// relying party forced to the kiosk host, so any enrolled member is accepted
// without a per-user credential lookup.
func (c *Client) KioskAuthenticate(ctx context.Context) (*AssertionPayload, error) {
	if !c.IsSupported() {
		return nil, autherr.New(autherr.CodeCapabilityUnavailable, "kiosk authenticate", ErrCapability)
	}
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("kiosk challenge: %w", err)
	}
	options := protocol.PublicKeyCredentialRequestOptions{
		Challenge:        challenge,
		RelyingPartyID:   c.rpID,
		UserVerification: protocol.VerificationPreferred,
	}
	return c.assert(ctx, "kiosk authenticate", options)
}

// RPID returns the relying party the client is scoped to.
func (c *Client) RPID() string {
	return c.rpID
}

func (c *Client) assert(ctx context.Context, op string, options protocol.PublicKeyCredentialRequestOptions) (*AssertionPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	assertion, err := c.auth.Get(ctx, options)
	if err != nil {
		return nil, ceremonyError(op, err, autherr.CodeAuthenticationDenied)
	}

	id := codec.ToText(assertion.CredentialID, codec.Base64URL)
	payload := &AssertionPayload{
		ID:    id,
		RawID: id,
		Response: AssertionResponse{
			ClientDataJSON:    codec.ToText(assertion.ClientDataJSON, codec.Base64URL),
			AuthenticatorData: codec.ToText(assertion.AuthenticatorData, codec.Base64URL),
			Signature:         codec.ToText(assertion.Signature, codec.Base64URL),
		},
		Type: "public-key",
	}
	if len(assertion.UserHandle) > 0 {
		payload.Response.UserHandle = codec.ToText(assertion.UserHandle, codec.Base64URL)
	}
	return payload, nil
}

// ceremonyError maps authenticator faults onto the taxonomy. A context
// deadline becomes a timeout, an outside cancellation becomes an abort, and
// a user decline maps to the operation's denied code.
func ceremonyError(op string, err error, denied autherr.Code) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return autherr.New(autherr.CodeTimeout, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCeremonyAborted):
		return autherr.New(autherr.CodeAuthenticationAborted, op, err)
	case errors.Is(err, ErrCeremonyDeclined):
		return autherr.New(denied, op, err)
	case errors.Is(err, ErrDuplicateCredential):
		return autherr.New(autherr.CodeDuplicateCredential, op, err)
	case errors.Is(err, ErrCapability):
		return autherr.New(autherr.CodeCapabilityUnavailable, op, err)
	default:
		return autherr.New(autherr.CodeUnknown, op, err)
	}
}

func parseCreationOptions(optionsJSON []byte) (*protocol.PublicKeyCredentialCreationOptions, error) {
	var creation protocol.CredentialCreation
	if err := json.Unmarshal(optionsJSON, &creation); err == nil && len(creation.Response.Challenge) > 0 {
		return &creation.Response, nil
	}
	var options protocol.PublicKeyCredentialCreationOptions
	if err := json.Unmarshal(optionsJSON, &options); err != nil {
		return nil, fmt.Errorf("parse creation options: %w", err)
	}
	if len(options.Challenge) == 0 {
		return nil, fmt.Errorf("creation options missing challenge")
	}
	return &options, nil
}

func parseRequestOptions(optionsJSON []byte) (*protocol.PublicKeyCredentialRequestOptions, error) {
	var assertion protocol.CredentialAssertion
	if err := json.Unmarshal(optionsJSON, &assertion); err == nil && len(assertion.Response.Challenge) > 0 {
		return &assertion.Response, nil
	}
	var options protocol.PublicKeyCredentialRequestOptions
	if err := json.Unmarshal(optionsJSON, &options); err != nil {
		return nil, fmt.Errorf("parse request options: %w", err)
	}
	if len(options.Challenge) == 0 {
		return nil, fmt.Errorf("request options missing challenge")
	}
	return &options, nil
}
