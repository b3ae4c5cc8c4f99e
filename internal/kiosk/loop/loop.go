// Package loop drives continuous unattended check-in on a kiosk screen.
//
// The cycle is Idle → Listening → Verifying → (Success | Failure) →
// Cooldown → Listening. Success and transient failures display for a fixed
// window and re-listen automatically; only DisableAutoMode halts the loop.
// Cancelled native prompts skip the failure display and re-listen after a
// longer suppression window so a device whose platform UI auto-cancels
// cannot spiral into a prompt storm.
package loop

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/openrep/kioskgate/internal/kiosk/autherr"
	"github.com/openrep/kioskgate/internal/kiosk/backend"
	"github.com/openrep/kioskgate/internal/kiosk/selector"
	"github.com/openrep/kioskgate/internal/platform/schedule"
)

// State is the loop's current phase.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateVerifying State = "verifying"
	StateSuccess   State = "success"
	StateFailure   State = "failure"
	StateCooldown  State = "cooldown"
)

// Display and suppression windows.
const (
	successDisplay = 4000 * time.Millisecond
	errorDisplay   = 3000 * time.Millisecond
	cancelCooldown = 5000 * time.Millisecond
)

// EventType tags UI-facing events.
type EventType string

const (
	EventSuccess          EventType = "success"
	EventAlreadyCheckedIn EventType = "already_checked_in"
	EventError            EventType = "error"
)

// Event is consumed by presentation components.
type Event struct {
	Type    EventType
	Member  *backend.Member
	Message string
}

// Authenticator is the selector surface the loop drives. The capture gate
// keeps external sensor hardware scanning while the loop is displaying an
// outcome without letting those captures reach the backend.
type Authenticator interface {
	StartContinuousAuthentication(ctx context.Context, onSuccess func(backend.CheckinResult), onError func(error)) (selector.StartInfo, error)
	StopAuthentication()
	PauseCapture()
	ResumeCapture()
	OnVerifying(fn func())
}

// FlagStore persists the device-local auto-mode flag across restarts.
type FlagStore interface {
	AutoMode(ctx context.Context) (bool, error)
	SetAutoMode(ctx context.Context, enabled bool) error
}

// Loop is the kiosk check-in state machine.
type Loop struct {
	auth  Authenticator
	flags FlagStore
	clock schedule.Clock

	mu            sync.Mutex
	state         State
	gen           int
	runCtx        context.Context
	cancel        context.CancelFunc
	timer         schedule.Timer
	listeners     []func(Event)
	lastCancelAt  time.Time
	suppressUntil time.Time
	manualMode    bool
}

// New builds a loop. A nil clock uses the system clock; a nil flag store
// skips persistence.
func New(auth Authenticator, flags FlagStore, clock schedule.Clock) *Loop {
	if clock == nil {
		clock = schedule.System()
	}
	l := &Loop{auth: auth, flags: flags, clock: clock, state: StateIdle}
	auth.OnVerifying(l.onVerifying)
	return l
}

// onVerifying marks the phase where a capture or assertion is at the backend.
func (l *Loop) onVerifying() {
	l.mu.Lock()
	if l.state == StateListening {
		l.state = StateVerifying
	}
	l.mu.Unlock()
}

// OnEvent registers a UI event listener. Listeners run synchronously on the
// loop's callback path.
func (l *Loop) OnEvent(fn func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// State returns the current phase.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Status is a diagnostics snapshot.
type Status struct {
	State           State
	AutoMode        bool
	ManualMode      bool
	SuppressedUntil time.Time
	LastCancelAt    time.Time
}

// Status reports the loop phase and suppression window.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		State:           l.state,
		AutoMode:        l.state != StateIdle,
		ManualMode:      l.manualMode,
		SuppressedUntil: l.suppressUntil,
		LastCancelAt:    l.lastCancelAt,
	}
}

// Restore re-enables auto mode when the persisted flag says so. Called at
// kiosk boot.
func (l *Loop) Restore(ctx context.Context) error {
	if l.flags == nil {
		return nil
	}
	enabled, err := l.flags.AutoMode(ctx)
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}
	return l.EnableAutoMode(ctx)
}

// EnableAutoMode starts the loop: Idle → Listening. Idempotent while
// running.
func (l *Loop) EnableAutoMode(ctx context.Context) error {
	if l.flags != nil {
		if err := l.flags.SetAutoMode(ctx, true); err != nil {
			return err
		}
	}

	l.mu.Lock()
	if l.state != StateIdle {
		l.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.runCtx = runCtx
	l.cancel = cancel
	l.gen++
	gen := l.gen
	l.manualMode = false
	l.mu.Unlock()

	l.enterListening(gen)
	return nil
}

// DisableAutoMode is the loop's only terminal stop: any state → Idle. The
// outstanding attempt is aborted and its late callbacks are suppressed.
func (l *Loop) DisableAutoMode(ctx context.Context) error {
	l.mu.Lock()
	l.gen++
	l.state = StateIdle
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	cancel := l.cancel
	l.cancel = nil
	l.runCtx = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.auth.StopAuthentication()

	if l.flags != nil {
		return l.flags.SetAutoMode(ctx, false)
	}
	return nil
}

// enterListening starts (or resumes) listening, honoring any suppression
// window left by a cancelled prompt.
func (l *Loop) enterListening(gen int) {
	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		return
	}
	now := l.clock.Now()
	if l.suppressUntil.After(now) {
		l.state = StateCooldown
		wait := l.suppressUntil.Sub(now)
		l.timer = l.clock.AfterFunc(wait, func() { l.listen(gen) })
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	l.listen(gen)
}

func (l *Loop) listen(gen int) {
	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		return
	}
	l.state = StateListening
	ctx := l.runCtx
	l.mu.Unlock()

	l.auth.ResumeCapture()
	info, err := l.auth.StartContinuousAuthentication(ctx,
		func(result backend.CheckinResult) { l.onOutcome(gen, result) },
		func(err error) { l.onFault(gen, err) },
	)
	if errors.Is(err, selector.ErrAuthenticationActive) {
		// The external scan loop is still live from the previous cycle;
		// its next capture flows through the same callbacks.
		return
	}
	if err != nil {
		l.onFault(gen, err)
		return
	}
	if info.Mode == "pin" {
		// Manual submission only; continuous listening is meaningless.
		l.mu.Lock()
		if l.gen == gen {
			l.state = StateIdle
			l.manualMode = true
		}
		l.mu.Unlock()
	}
}

// onOutcome handles a verified check-in result.
func (l *Loop) onOutcome(gen int, result backend.CheckinResult) {
	l.mu.Lock()
	if l.gen != gen || (l.state != StateListening && l.state != StateVerifying) {
		l.mu.Unlock()
		return
	}

	event := Event{Type: EventSuccess, Member: result.Member}
	display := successDisplay
	if result.AlreadyCheckedIn {
		event.Type = EventAlreadyCheckedIn
	}
	if !result.Success && !result.AlreadyCheckedIn {
		event = Event{Type: EventError, Member: result.Member, Message: result.Message}
		display = errorDisplay
		l.state = StateFailure
	} else {
		l.state = StateSuccess
	}
	l.timer = l.clock.AfterFunc(display, func() { l.enterCooldown(gen) })
	listeners := slices.Clone(l.listeners)
	l.mu.Unlock()

	// Captures arriving during the display window must not reach the
	// backend; the gate reopens when listening resumes.
	l.auth.PauseCapture()
	for _, fn := range listeners {
		fn(event)
	}
}

// onFault handles a failed cycle. Network and capture faults surface a
// transient message and re-listen; denied prompts cool down first; aborted
// prompts surface nothing and extend the suppression window.
func (l *Loop) onFault(gen int, err error) {
	code := autherr.CodeOf(err)

	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		return
	}

	if code.Retry() == autherr.RetrySilent {
		now := l.clock.Now()
		// Consecutive cancellations keep the loop in auto mode; the
		// suppression window just slides forward so no prompt ever fires
		// inside 5s of the latest cancel.
		l.lastCancelAt = now
		l.suppressUntil = now.Add(cancelCooldown)

		entered := false
		if l.state == StateListening {
			l.state = StateCooldown
			if l.timer != nil {
				l.timer.Stop()
			}
			l.timer = l.clock.AfterFunc(cancelCooldown, func() { l.listen(gen) })
			entered = true
		}
		l.mu.Unlock()
		if entered {
			l.auth.PauseCapture()
		}
		return
	}

	if l.state != StateListening && l.state != StateVerifying {
		l.mu.Unlock()
		return
	}
	l.state = StateFailure
	l.timer = l.clock.AfterFunc(errorDisplay, func() { l.enterCooldown(gen) })
	listeners := slices.Clone(l.listeners)
	l.mu.Unlock()

	l.auth.PauseCapture()

	message := "check-in failed, please try again"
	if err != nil {
		message = err.Error()
	}
	for _, fn := range listeners {
		fn(Event{Type: EventError, Message: message})
	}
}

// enterCooldown follows a display window and hands back to listening.
func (l *Loop) enterCooldown(gen int) {
	l.mu.Lock()
	if l.gen != gen {
		l.mu.Unlock()
		return
	}
	l.state = StateCooldown
	l.mu.Unlock()
	l.enterListening(gen)
}
