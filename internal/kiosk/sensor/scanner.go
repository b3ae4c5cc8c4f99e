package sensor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/openrep/kioskgate/internal/platform/schedule"
)

// CaptureFunc performs one capture attempt against a sensor. Returning
// ErrNoFinger means the platen was empty; any other error is a capture
// fault.
type CaptureFunc func(ctx context.Context) (Sample, error)

// PollScanner drives a CaptureFunc on a fixed interval. Vendor integrations
// wrap their SDK capture call in a CaptureFunc; tests inject deterministic
// captures.
type PollScanner struct {
	capture  CaptureFunc
	interval time.Duration
	clock    schedule.Clock

	mu      sync.Mutex
	running bool
	timer   schedule.Timer
	cancel  context.CancelFunc

	// cbMu is held while a poll decides on and delivers its callback, so
	// Stop can use it as a barrier. Callbacks must not call Stop.
	cbMu sync.Mutex
}

// NewPollScanner builds a polling scanner. A zero interval defaults to
// 500ms; a nil clock uses the system clock.
func NewPollScanner(capture CaptureFunc, interval time.Duration, clock schedule.Clock) *PollScanner {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if clock == nil {
		clock = schedule.System()
	}
	return &PollScanner{capture: capture, interval: interval, clock: clock}
}

// Start begins polling. Capture faults other than ErrNoFinger go to
// onError and the loop continues.
func (s *PollScanner) Start(ctx context.Context, onMatch func(Sample), onError func(error)) error {
	if s.capture == nil {
		return errors.New("no capture backend attached")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scanner already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.scheduleLocked(ctx, onMatch, onError)
	return nil
}

// Stop halts polling. Idempotent; no callback fires after it returns.
func (s *PollScanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	// A poll whose capture was in flight when running flipped re-checks
	// running under cbMu before delivering; waiting on cbMu here means any
	// such delivery has finished and later ones see the stop.
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
}

func (s *PollScanner) scheduleLocked(ctx context.Context, onMatch func(Sample), onError func(error)) {
	s.timer = s.clock.AfterFunc(s.interval, func() {
		s.poll(ctx, onMatch, onError)
	})
}

func (s *PollScanner) poll(ctx context.Context, onMatch func(Sample), onError func(error)) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	sample, err := s.capture(ctx)

	s.cbMu.Lock()
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		switch {
		case err == nil:
			onMatch(sample)
		case errors.Is(err, ErrNoFinger) || errors.Is(err, context.Canceled):
			// Empty platen or shutdown race, keep polling.
		default:
			onError(err)
		}
	}
	s.cbMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.scheduleLocked(ctx, onMatch, onError)
	}
}

// nullScanner rejects Start so callers can fall back to another method when
// a detected sensor has no capture backend linked in.
type nullScanner struct{}

func newNullScanner() Scanner {
	return nullScanner{}
}

func (nullScanner) Start(context.Context, func(Sample), func(error)) error {
	return errors.New("sensor has no capture backend")
}

func (nullScanner) Stop() {}
