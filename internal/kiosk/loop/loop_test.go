package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openrep/kioskgate/internal/kiosk/autherr"
	"github.com/openrep/kioskgate/internal/kiosk/backend"
	"github.com/openrep/kioskgate/internal/kiosk/selector"
	"github.com/openrep/kioskgate/internal/testkit/fakeclock"
)

// fakeAuth hands the loop's callbacks back to the test so outcomes can be
// injected deterministically.
type fakeAuth struct {
	mu          sync.Mutex
	mode        string
	startErr    error
	starts      int
	stops       int
	paused      bool
	pauses      int
	resumes     int
	onSuccess   func(backend.CheckinResult)
	onError     func(error)
	onVerifying func()
}

func (f *fakeAuth) StartContinuousAuthentication(ctx context.Context, onSuccess func(backend.CheckinResult), onError func(error)) (selector.StartInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return selector.StartInfo{}, f.startErr
	}
	f.starts++
	f.onSuccess = onSuccess
	f.onError = onError
	mode := f.mode
	if mode == "" {
		mode = "platform"
	}
	return selector.StartInfo{Mode: mode}, nil
}

func (f *fakeAuth) StopAuthentication() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeAuth) PauseCapture() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	f.pauses++
}

func (f *fakeAuth) ResumeCapture() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	f.resumes++
}

func (f *fakeAuth) OnVerifying(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onVerifying = fn
}

func (f *fakeAuth) capturePaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeAuth) deliverVerifying() {
	f.mu.Lock()
	fn := f.onVerifying
	f.mu.Unlock()
	fn()
}

func (f *fakeAuth) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeAuth) deliverSuccess(result backend.CheckinResult) {
	f.mu.Lock()
	fn := f.onSuccess
	f.mu.Unlock()
	fn(result)
}

func (f *fakeAuth) deliverError(err error) {
	f.mu.Lock()
	fn := f.onError
	f.mu.Unlock()
	fn(err)
}

type flagMemory struct {
	enabled bool
	sets    []bool
}

func (f *flagMemory) AutoMode(ctx context.Context) (bool, error) {
	return f.enabled, nil
}

func (f *flagMemory) SetAutoMode(ctx context.Context, enabled bool) error {
	f.enabled = enabled
	f.sets = append(f.sets, enabled)
	return nil
}

func newTestLoop(t *testing.T) (*Loop, *fakeAuth, *fakeclock.Clock, *[]Event) {
	t.Helper()
	clock := fakeclock.New(time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC))
	auth := &fakeAuth{}
	l := New(auth, &flagMemory{}, clock)
	events := &[]Event{}
	l.OnEvent(func(e Event) { *events = append(*events, e) })
	if err := l.EnableAutoMode(context.Background()); err != nil {
		t.Fatalf("enable auto mode: %v", err)
	}
	return l, auth, clock, events
}

func TestEnableAutoModeStartsListening(t *testing.T) {
	l, auth, _, _ := newTestLoop(t)
	if l.State() != StateListening {
		t.Fatalf("expected listening, got %s", l.State())
	}
	if auth.startCount() != 1 {
		t.Fatalf("expected one start, got %d", auth.startCount())
	}
	// Enabling again while running is a no-op.
	if err := l.EnableAutoMode(context.Background()); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if auth.startCount() != 1 {
		t.Fatalf("re-enable must not start a second attempt, got %d", auth.startCount())
	}
}

func TestSuccessDisplaysThenRelistens(t *testing.T) {
	l, auth, clock, events := newTestLoop(t)

	auth.deliverSuccess(backend.CheckinResult{Success: true, Member: &backend.Member{Name: "Jo"}})
	if l.State() != StateSuccess {
		t.Fatalf("expected success display, got %s", l.State())
	}
	if len(*events) != 1 || (*events)[0].Type != EventSuccess {
		t.Fatalf("expected success event, got %v", *events)
	}

	clock.Advance(3999 * time.Millisecond)
	if l.State() != StateSuccess {
		t.Fatalf("success must display for 4s, got %s at 3.999s", l.State())
	}
	clock.Advance(time.Millisecond)
	if l.State() != StateListening {
		t.Fatalf("expected re-listen after display, got %s", l.State())
	}
	if auth.startCount() != 2 {
		t.Fatalf("expected restart, got %d starts", auth.startCount())
	}
}

func TestAlreadyCheckedInEvent(t *testing.T) {
	l, auth, clock, events := newTestLoop(t)

	auth.deliverSuccess(backend.CheckinResult{Success: true, AlreadyCheckedIn: true, Member: &backend.Member{Name: "Sam"}})
	if len(*events) != 1 || (*events)[0].Type != EventAlreadyCheckedIn {
		t.Fatalf("expected already_checked_in event, got %v", *events)
	}
	clock.Advance(successDisplay)
	if l.State() != StateListening {
		t.Fatalf("expected re-listen, got %s", l.State())
	}
}

func TestServerRejectionDisplaysTransientError(t *testing.T) {
	l, auth, clock, events := newTestLoop(t)

	auth.deliverSuccess(backend.CheckinResult{Success: false, Message: "member not found"})
	if l.State() != StateFailure {
		t.Fatalf("expected failure display, got %s", l.State())
	}
	if len(*events) != 1 || (*events)[0].Type != EventError || (*events)[0].Message != "member not found" {
		t.Fatalf("expected error event with server message, got %v", *events)
	}

	clock.Advance(errorDisplay)
	if l.State() != StateListening {
		t.Fatalf("rejections are never fatal to the loop, got %s", l.State())
	}
}

func TestNetworkErrorKeepsLoopAlive(t *testing.T) {
	l, auth, clock, _ := newTestLoop(t)

	auth.deliverError(autherr.New(autherr.CodeNetwork, "kiosk checkin", nil))
	if l.State() != StateFailure {
		t.Fatalf("expected failure display, got %s", l.State())
	}
	clock.Advance(errorDisplay)
	if l.State() != StateListening {
		t.Fatalf("network errors must return to listening, got %s", l.State())
	}
	if auth.startCount() != 2 {
		t.Fatalf("expected restart after transient error, got %d", auth.startCount())
	}
}

func TestCancelledPromptSkipsFailureDisplay(t *testing.T) {
	l, auth, clock, events := newTestLoop(t)

	auth.deliverError(autherr.New(autherr.CodeAuthenticationAborted, "kiosk authenticate", nil))
	if l.State() != StateCooldown {
		t.Fatalf("cancel should go straight to cooldown, got %s", l.State())
	}
	if len(*events) != 0 {
		t.Fatalf("cancel must not surface an event, got %v", *events)
	}

	clock.Advance(4999 * time.Millisecond)
	if l.State() != StateCooldown {
		t.Fatalf("cancel suppression is 5s, got %s at 4.999s", l.State())
	}
	clock.Advance(time.Millisecond)
	if l.State() != StateListening {
		t.Fatalf("expected re-listen after suppression, got %s", l.State())
	}
}

func TestCancellationStormNeverPromptsWithinFiveSeconds(t *testing.T) {
	l, auth, clock, _ := newTestLoop(t)

	auth.deliverError(autherr.New(autherr.CodeAuthenticationAborted, "kiosk authenticate", nil))
	clock.Advance(cancelCooldown)
	if auth.startCount() != 2 {
		t.Fatalf("expected second prompt after suppression, got %d", auth.startCount())
	}

	// Second cancellation, right after the first suppression lapsed.
	auth.deliverError(autherr.New(autherr.CodeAuthenticationAborted, "kiosk authenticate", nil))
	secondCancel := clock.Now()

	clock.Advance(4 * time.Second)
	if auth.startCount() != 2 {
		t.Fatalf("no prompt may fire within 5s of the second cancel, got %d starts", auth.startCount())
	}
	clock.Advance(time.Second)
	if auth.startCount() != 3 {
		t.Fatalf("expected prompt once suppression lapsed, got %d starts", auth.startCount())
	}
	if status := l.Status(); !status.LastCancelAt.Equal(secondCancel) {
		t.Fatalf("status should expose the last cancellation, got %v", status.LastCancelAt)
	}
	// Auto mode was never forced off.
	if l.State() != StateListening {
		t.Fatalf("storm must not leave auto mode, got %s", l.State())
	}
}

func TestDeniedThenAbortedSuppressesSecondMessage(t *testing.T) {
	l, auth, clock, events := newTestLoop(t)

	auth.deliverError(autherr.New(autherr.CodeAuthenticationDenied, "kiosk authenticate", nil))
	if len(*events) != 1 {
		t.Fatalf("denial should surface one message, got %v", *events)
	}

	clock.Advance(2 * time.Second)
	auth.deliverError(autherr.New(autherr.CodeAuthenticationAborted, "kiosk authenticate", nil))
	if len(*events) != 1 {
		t.Fatalf("abort within 2s must not surface a second message, got %v", *events)
	}
	if state := l.State(); state != StateFailure {
		t.Fatalf("loop should still be in the failure display, got %s", state)
	}

	// Failure display ends 1s later; the abort's suppression window still
	// holds the loop in cooldown until 5s after the cancel.
	clock.Advance(time.Second)
	if l.State() != StateCooldown {
		t.Fatalf("expected cooldown per the cancel suppression, got %s", l.State())
	}
	clock.Advance(4 * time.Second)
	if l.State() != StateListening {
		t.Fatalf("expected re-listen after suppression, got %s", l.State())
	}
}

func TestDisableAutoModeDropsLateCallbacks(t *testing.T) {
	l, auth, _, events := newTestLoop(t)

	if err := l.DisableAutoMode(context.Background()); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if l.State() != StateIdle {
		t.Fatalf("expected idle, got %s", l.State())
	}
	if auth.stops != 1 {
		t.Fatalf("expected outstanding attempt aborted, got %d stops", auth.stops)
	}

	// A platform call issued before disable resolves late.
	auth.deliverSuccess(backend.CheckinResult{Success: true})
	auth.deliverError(autherr.New(autherr.CodeNetwork, "kiosk checkin", nil))
	if len(*events) != 0 {
		t.Fatalf("no callback may fire after disable, got %v", *events)
	}
	if l.State() != StateIdle {
		t.Fatalf("late callbacks must not revive the loop, got %s", l.State())
	}
}

func TestAutoModeFlagPersists(t *testing.T) {
	clock := fakeclock.New(time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC))
	flags := &flagMemory{}
	auth := &fakeAuth{}
	l := New(auth, flags, clock)

	if err := l.EnableAutoMode(context.Background()); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if !flags.enabled {
		t.Fatal("enable must persist the flag")
	}
	if err := l.DisableAutoMode(context.Background()); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if flags.enabled {
		t.Fatal("disable must persist the flag")
	}

	// Restore honors the stored flag across restarts.
	flags.enabled = true
	restored := New(&fakeAuth{}, flags, clock)
	if err := restored.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.State() != StateListening {
		t.Fatalf("expected restored loop to listen, got %s", restored.State())
	}

	flags.enabled = false
	idle := New(&fakeAuth{}, flags, clock)
	if err := idle.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if idle.State() != StateIdle {
		t.Fatalf("expected idle without the flag, got %s", idle.State())
	}
}

func TestDisplayWindowGatesCaptures(t *testing.T) {
	l, auth, clock, _ := newTestLoop(t)

	if auth.capturePaused() {
		t.Fatal("capture gate must be open while listening")
	}

	auth.deliverSuccess(backend.CheckinResult{Success: true, Member: &backend.Member{Name: "Jo"}})
	if !auth.capturePaused() {
		t.Fatal("a finger resting on the platen during the display must not reach the backend")
	}

	clock.Advance(successDisplay)
	if l.State() != StateListening {
		t.Fatalf("expected re-listen, got %s", l.State())
	}
	if auth.capturePaused() {
		t.Fatal("re-listening must reopen the capture gate")
	}
}

func TestFailureAndCancelGateCaptures(t *testing.T) {
	l, auth, clock, _ := newTestLoop(t)

	auth.deliverError(autherr.New(autherr.CodeNetwork, "kiosk checkin", nil))
	if !auth.capturePaused() {
		t.Fatal("failure display must gate captures")
	}
	clock.Advance(errorDisplay)
	if auth.capturePaused() {
		t.Fatal("re-listening must reopen the gate after a failure")
	}

	auth.deliverError(autherr.New(autherr.CodeAuthenticationAborted, "kiosk authenticate", nil))
	if !auth.capturePaused() {
		t.Fatal("cancel cooldown must gate captures")
	}
	clock.Advance(cancelCooldown)
	if l.State() != StateListening || auth.capturePaused() {
		t.Fatalf("expected open gate after suppression, state %s", l.State())
	}
}

func TestVerifyingPhaseIsObservable(t *testing.T) {
	l, auth, _, _ := newTestLoop(t)

	auth.deliverVerifying()
	if l.State() != StateVerifying {
		t.Fatalf("expected verifying while the backend call runs, got %s", l.State())
	}

	auth.deliverSuccess(backend.CheckinResult{Success: true})
	if l.State() != StateSuccess {
		t.Fatalf("expected success display after verification, got %s", l.State())
	}
}

func TestVerifyingSignalIgnoredWhileIdle(t *testing.T) {
	l, auth, _, _ := newTestLoop(t)

	if err := l.DisableAutoMode(context.Background()); err != nil {
		t.Fatalf("disable: %v", err)
	}
	auth.deliverVerifying()
	if l.State() != StateIdle {
		t.Fatalf("verifying signal must not revive an idle loop, got %s", l.State())
	}
}

func TestPinModeLeavesLoopManual(t *testing.T) {
	clock := fakeclock.New(time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC))
	auth := &fakeAuth{mode: "pin"}
	l := New(auth, &flagMemory{}, clock)

	if err := l.EnableAutoMode(context.Background()); err != nil {
		t.Fatalf("enable: %v", err)
	}
	status := l.Status()
	if status.State != StateIdle || !status.ManualMode {
		t.Fatalf("pin mode should park the loop for manual input, got %+v", status)
	}
}
