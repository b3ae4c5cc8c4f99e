// Package selector picks the best available check-in method for a kiosk
// session and exposes one continuous-authentication contract over it.
//
// Method priority is fixed: an external fingerprint sensor beats the
// platform authenticator, which beats the PIN+photo fallback. Selection
// happens once per Initialize and is only recomputed by Refresh.
//
// Every verification outcome, success or failure, is delivered through the
// caller's callbacks and then the in-flight attempt halts; the caller owns
// cooldown and retry policy. Aborted platform prompts are delivered as
// errors coded CodeAuthenticationAborted so presentation layers can stay
// silent about them while still observing the cancellation.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"

	"github.com/openrep/kioskgate/internal/kiosk/autherr"
	"github.com/openrep/kioskgate/internal/kiosk/backend"
	"github.com/openrep/kioskgate/internal/kiosk/sensor"
	"github.com/openrep/kioskgate/internal/kiosk/webauthn"
)

// Kind tags the active authentication method.
type Kind string

const (
	KindExternal Kind = "external"
	KindPlatform Kind = "platform"
	KindPinPhoto Kind = "pin_photo"
)

// Method is the resolved authentication method for the session.
type Method struct {
	Kind           Kind
	SensorName     string
	SensorPriority int
}

// StartInfo tells the caller how the continuous contract is backed. Mode
// "pin" means no loop runs and the caller must render manual input.
type StartInfo struct {
	Mode string
}

// ErrAuthenticationActive is returned when a continuous attempt is already
// running; two concurrent attempts would race two native prompts.
var ErrAuthenticationActive = errors.New("authentication already active")

// Assertor runs kiosk WebAuthn assertions.
type Assertor interface {
	IsSupported() bool
	KioskAuthenticate(ctx context.Context) (*webauthn.AssertionPayload, error)
}

// Verifier submits captures and assertions to the backend for matching.
type Verifier interface {
	KioskCheckin(ctx context.Context, assertion *webauthn.AssertionPayload) (backend.CheckinResult, error)
	ExternalSensorCheckin(ctx context.Context, sample sensor.Sample) (backend.CheckinResult, error)
}

// Detector is the sensor discovery surface the selector drives.
type Detector interface {
	Detect(ctx context.Context) []sensor.Descriptor
	Active() (sensor.Descriptor, bool)
	Sensors() []sensor.Descriptor
	StartScanning(ctx context.Context, onMatch func(sensor.Sample), onError func(error)) error
	StopScanning()
}

// Selector owns method selection and the single in-flight attempt.
type Selector struct {
	detector Detector
	assertor Assertor
	verifier Verifier

	mu              sync.Mutex
	method          *Method
	listeners       []func(Method)
	verifyListeners []func()
	running         bool
	verifying       bool
	paused          bool
	downgraded      bool
	gen             int
	cancel          context.CancelFunc
}

// New builds a selector over its collaborators.
func New(detector Detector, assertor Assertor, verifier Verifier) *Selector {
	return &Selector{detector: detector, assertor: assertor, verifier: verifier}
}

// OnMethodChange registers a listener notified synchronously whenever the
// resolved method changes.
func (s *Selector) OnMethodChange(fn func(Method)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// OnVerifying registers a listener notified synchronously when a capture or
// assertion is handed to the backend for verification.
func (s *Selector) OnVerifying(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyListeners = append(s.verifyListeners, fn)
}

// PauseCapture drops incoming sensor captures before they reach the backend.
// The scan loop keeps running so the hardware stays warm; ResumeCapture
// reopens the gate.
func (s *Selector) PauseCapture() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// ResumeCapture reopens the capture gate after PauseCapture.
func (s *Selector) ResumeCapture() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

// Initialize probes capabilities and resolves the session method. Calling it
// again recomputes from scratch.
func (s *Selector) Initialize(ctx context.Context) Method {
	s.detector.Detect(ctx)

	s.mu.Lock()
	method := s.resolveLocked()
	s.method = &method
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(method)
	}
	return method
}

func (s *Selector) resolveLocked() Method {
	if !s.downgraded {
		if active, ok := s.detector.Active(); ok {
			return Method{Kind: KindExternal, SensorName: active.Name, SensorPriority: active.Priority}
		}
	}
	if s.assertor != nil && s.assertor.IsSupported() {
		return Method{Kind: KindPlatform}
	}
	return Method{Kind: KindPinPhoto}
}

// Method returns the cached session method, if initialized.
func (s *Selector) Method() (Method, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.method == nil {
		return Method{}, false
	}
	return *s.method, true
}

// StartContinuousAuthentication begins the active method's attempt cycle.
// The call is rejected with ErrAuthenticationActive while an attempt is
// outstanding.
func (s *Selector) StartContinuousAuthentication(ctx context.Context, onSuccess func(backend.CheckinResult), onError func(error)) (StartInfo, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return StartInfo{}, ErrAuthenticationActive
	}
	if s.method == nil {
		s.mu.Unlock()
		s.Initialize(ctx)
		s.mu.Lock()
		if s.running {
			s.mu.Unlock()
			return StartInfo{}, ErrAuthenticationActive
		}
	}
	method := *s.method

	if method.Kind == KindPinPhoto {
		// Manual submission only; nothing to run.
		s.mu.Unlock()
		return StartInfo{Mode: "pin"}, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.gen++
	gen := s.gen
	s.running = true
	s.verifying = false
	s.cancel = cancel
	s.mu.Unlock()

	switch method.Kind {
	case KindExternal:
		if err := s.startExternal(runCtx, gen, onSuccess, onError); err != nil {
			return s.downgradeToPlatform(runCtx, gen, err, onSuccess, onError)
		}
		return StartInfo{Mode: "external"}, nil
	default:
		s.startPlatform(runCtx, gen, onSuccess, onError)
		return StartInfo{Mode: "platform"}, nil
	}
}

// StopAuthentication aborts the in-flight attempt. No callback issued by a
// stopped attempt is delivered afterwards.
func (s *Selector) StopAuthentication() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.running = false
	s.verifying = false
	s.paused = false
	s.gen++
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.detector.StopScanning()
}

// Refresh stops any in-flight attempt, clears the cached method and the
// sensor downgrade, and recomputes from scratch.
func (s *Selector) Refresh(ctx context.Context) Method {
	s.StopAuthentication()
	s.mu.Lock()
	s.method = nil
	s.downgraded = false
	s.mu.Unlock()
	return s.Initialize(ctx)
}

// SensorInfo is a read-only snapshot for diagnostics panels.
func (s *Selector) SensorInfo() []sensor.Descriptor {
	return s.detector.Sensors()
}

// Status is a diagnostics snapshot of the selector state.
type Status struct {
	Method     Method
	Running    bool
	Downgraded bool
}

// AuthStatus reports the current method and loop state.
func (s *Selector) AuthStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := Status{Running: s.running, Downgraded: s.downgraded}
	if s.method != nil {
		status.Method = *s.method
	}
	return status
}

func (s *Selector) startExternal(ctx context.Context, gen int, onSuccess func(backend.CheckinResult), onError func(error)) error {
	return s.detector.StartScanning(ctx,
		func(sample sensor.Sample) {
			s.verifyCapture(ctx, gen, sample, onSuccess, onError)
		},
		func(err error) {
			if !s.activeGen(gen) {
				return
			}
			onError(autherr.New(autherr.CodeSensorFault, "sensor capture", err))
		},
	)
}

// verifyCapture submits one capture. Captures arriving while a verification
// is outstanding, or while the gate is paused, are dropped before the
// backend sees them, keeping at most one attempt in flight.
func (s *Selector) verifyCapture(ctx context.Context, gen int, sample sensor.Sample, onSuccess func(backend.CheckinResult), onError func(error)) {
	s.mu.Lock()
	if s.gen != gen || s.verifying || s.paused {
		s.mu.Unlock()
		return
	}
	s.verifying = true
	s.mu.Unlock()

	s.notifyVerifying()
	result, err := s.verifier.ExternalSensorCheckin(ctx, sample)

	s.mu.Lock()
	s.verifying = false
	stale := s.gen != gen
	s.mu.Unlock()
	if stale {
		return
	}

	switch {
	case err != nil:
		onError(err)
	case !result.Success:
		onError(autherr.New(autherr.CodeNetwork, "sensor verify", fmt.Errorf("%s", nonEmpty(result.Message, "not recognized"))))
	default:
		onSuccess(result)
	}
}

// downgradeToPlatform falls back to the platform authenticator for the
// remainder of the session after the external sensor path failed to start.
// The fallback never skips ahead to PIN; if the platform method is also
// unavailable the error is returned to the caller.
func (s *Selector) downgradeToPlatform(ctx context.Context, gen int, cause error, onSuccess func(backend.CheckinResult), onError func(error)) (StartInfo, error) {
	if s.assertor == nil || !s.assertor.IsSupported() {
		s.mu.Lock()
		if s.gen == gen {
			s.running = false
		}
		s.mu.Unlock()
		return StartInfo{}, fmt.Errorf("external sensor unavailable: %w", cause)
	}

	log.Printf("external sensor failed, downgrading to platform authenticator: %v", cause)

	s.mu.Lock()
	s.downgraded = true
	method := Method{Kind: KindPlatform}
	s.method = &method
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(method)
	}

	s.startPlatform(ctx, gen, onSuccess, onError)
	return StartInfo{Mode: "platform"}, nil
}

// startPlatform runs one kiosk assertion attempt. The outcome, including a
// denied or aborted prompt, is delivered and the attempt halts; restart
// timing belongs to the caller.
func (s *Selector) startPlatform(ctx context.Context, gen int, onSuccess func(backend.CheckinResult), onError func(error)) {
	go func() {
		payload, err := s.assertor.KioskAuthenticate(ctx)
		if !s.activeGen(gen) {
			return
		}
		if err != nil {
			s.halt(gen)
			onError(err)
			return
		}

		s.notifyVerifying()
		result, verifyErr := s.verifier.KioskCheckin(ctx, payload)
		if !s.activeGen(gen) {
			return
		}
		s.halt(gen)
		if verifyErr != nil {
			onError(verifyErr)
			return
		}
		onSuccess(result)
	}()
}

func (s *Selector) notifyVerifying() {
	s.mu.Lock()
	verifyListeners := slices.Clone(s.verifyListeners)
	s.mu.Unlock()
	for _, fn := range verifyListeners {
		fn()
	}
}

func (s *Selector) activeGen(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Selector) halt(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.running = false
	}
}

func nonEmpty(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
