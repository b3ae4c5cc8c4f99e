// Package sensor discovers and drives external fingerprint readers attached
// to the kiosk.
//
// Detection walks a fixed-order vendor registry. Each vendor is probed three
// ways, best first: a vendor SDK/runtime present on the device (priority 1),
// a USB descriptor with a known vendor id (priority 2), and a generic
// heuristic over USB product names (priority 3). The active sensor is the
// lowest priority number found, detection order breaking ties.
package sensor

import (
	"context"
	"errors"
	"sync"
)

// Descriptor identifies a detected fingerprint sensor.
type Descriptor struct {
	// Type is the vendor key, e.g. "secugen" or "generic".
	Type string
	// Name is the human-readable sensor name.
	Name string
	// Priority ranks detection confidence: 1 SDK, 2 USB vendor id,
	// 3 generic heuristic. Lower wins.
	Priority int
	// Device is the USB descriptor when detection came from enumeration.
	Device *USBDevice
}

// USBDevice is the minimal descriptor surfaced by USB enumeration.
type USBDevice struct {
	VendorID  uint16
	ProductID uint16
	Product   string
}

// Enumerator lists attached USB devices. The enumeration API may be entirely
// unavailable on a platform; Detect treats a nil enumerator or an
// enumeration error as "no devices" and never fails because of it.
type Enumerator interface {
	Devices(ctx context.Context) ([]USBDevice, error)
}

// Sample is one fingerprint capture.
type Sample struct {
	Data       []byte
	Quality    int
	SensorType string
}

// ErrNoFinger is the capture fault for an empty platen. Scan loops swallow
// it and keep polling; every other capture fault is surfaced.
var ErrNoFinger = errors.New("no finger present")

// Scanner is a vendor-specific capture loop.
type Scanner interface {
	// Start begins capturing. onMatch fires per capture; onError fires on
	// capture faults other than ErrNoFinger. Start returns an error only
	// when the loop cannot begin at all.
	Start(ctx context.Context, onMatch func(Sample), onError func(error)) error
	// Stop halts the loop. Idempotent; no callback fires after it returns.
	Stop()
}

// Detector probes the vendor registry and owns the single active sensor.
type Detector struct {
	vendors []Vendor
	enum    Enumerator

	mu      sync.Mutex
	sensors []Descriptor
	active  *Descriptor
	scanner Scanner
}

// NewDetector builds a detector over a vendor registry. A nil registry uses
// the built-in vendor table.
func NewDetector(vendors []Vendor, enum Enumerator) *Detector {
	if vendors == nil {
		vendors = DefaultVendors()
	}
	return &Detector{vendors: vendors, enum: enum}
}

// Detect probes every vendor and replaces the sensor list and active
// selection wholesale. It never returns an error: probe failures degrade to
// "not found".
func (d *Detector) Detect(ctx context.Context) []Descriptor {
	devices := d.enumerate(ctx)

	var found []Descriptor
	for _, vendor := range d.vendors {
		if desc, ok := vendor.probe(ctx, devices); ok {
			found = append(found, desc)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.sensors = found
	d.active = nil
	for i := range found {
		if d.active == nil || found[i].Priority < d.active.Priority {
			active := found[i]
			d.active = &active
		}
	}
	return append([]Descriptor(nil), found...)
}

// Active returns the selected sensor, if any.
func (d *Detector) Active() (Descriptor, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return Descriptor{}, false
	}
	return *d.active, true
}

// Sensors returns the last detection results.
func (d *Detector) Sensors() []Descriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Descriptor(nil), d.sensors...)
}

// StartScanning begins the active sensor's capture loop. The loop keeps
// running across captures; ErrNoFinger faults are swallowed by the scanner.
func (d *Detector) StartScanning(ctx context.Context, onMatch func(Sample), onError func(error)) error {
	d.mu.Lock()
	if d.scanner != nil {
		d.mu.Unlock()
		return errors.New("scan already running")
	}
	if d.active == nil {
		d.mu.Unlock()
		return errors.New("no active sensor")
	}
	active := *d.active
	scanner := d.newScanner(active)
	d.scanner = scanner
	d.mu.Unlock()

	if err := scanner.Start(ctx, onMatch, onError); err != nil {
		d.mu.Lock()
		d.scanner = nil
		d.mu.Unlock()
		return err
	}
	return nil
}

// StopScanning halts the capture loop. Idempotent; no capture callback
// fires after it returns.
func (d *Detector) StopScanning() {
	d.mu.Lock()
	scanner := d.scanner
	d.scanner = nil
	d.mu.Unlock()
	if scanner != nil {
		scanner.Stop()
	}
}

func (d *Detector) newScanner(desc Descriptor) Scanner {
	for _, vendor := range d.vendors {
		if vendor.Key == desc.Type && vendor.NewScanner != nil {
			return vendor.NewScanner(desc)
		}
	}
	return newNullScanner()
}

func (d *Detector) enumerate(ctx context.Context) []USBDevice {
	if d.enum == nil {
		return nil
	}
	devices, err := d.enum.Devices(ctx)
	if err != nil {
		return nil
	}
	return devices
}
