package sensor

import (
	"context"
	"strings"
)

// SDKProbe reports whether a vendor runtime/SDK is installed on the device.
type SDKProbe func(ctx context.Context) bool

// Vendor describes one supported sensor vendor and how to detect it.
type Vendor struct {
	// Key identifies the vendor, used as Descriptor.Type.
	Key string
	// Name is the descriptor name when detection succeeds via SDK.
	Name string
	// SDK probes for the vendor runtime. Optional.
	SDK SDKProbe
	// VendorIDs are known USB vendor id constants.
	VendorIDs []uint16
	// NameHint matches USB product names case-insensitively. Optional.
	NameHint string
	// Heuristic marks the catch-all entry that matches any USB device
	// whose product name looks like a fingerprint reader.
	Heuristic bool
	// NewScanner builds the vendor capture loop for a detected sensor.
	NewScanner func(Descriptor) Scanner
}

// probe applies the vendor's detection strategies in confidence order.
func (v Vendor) probe(ctx context.Context, devices []USBDevice) (Descriptor, bool) {
	if v.SDK != nil && v.SDK(ctx) {
		return Descriptor{Type: v.Key, Name: v.Name, Priority: 1}, true
	}
	if v.Heuristic {
		for i := range devices {
			if looksLikeFingerprintReader(devices[i].Product) {
				device := devices[i]
				return Descriptor{Type: v.Key, Name: device.Product, Priority: 3, Device: &device}, true
			}
		}
		return Descriptor{}, false
	}
	for i := range devices {
		if v.matchesDevice(devices[i]) {
			device := devices[i]
			name := device.Product
			if name == "" {
				name = v.Name
			}
			return Descriptor{Type: v.Key, Name: name, Priority: 2, Device: &device}, true
		}
	}
	return Descriptor{}, false
}

func (v Vendor) matchesDevice(device USBDevice) bool {
	for _, id := range v.VendorIDs {
		if device.VendorID == id {
			return true
		}
	}
	if v.NameHint != "" && device.Product != "" {
		return strings.Contains(strings.ToLower(device.Product), strings.ToLower(v.NameHint))
	}
	return false
}

func looksLikeFingerprintReader(product string) bool {
	lowered := strings.ToLower(product)
	return strings.Contains(lowered, "fingerprint") || strings.Contains(lowered, "biometric")
}

// USB vendor id constants for the supported readers.
const (
	vendorIDSecuGen        uint16 = 0x1162
	vendorIDDigitalPersona uint16 = 0x05ba
	vendorIDFutronic       uint16 = 0x1491
	vendorIDSuprema        uint16 = 0x16d1
)

// DefaultVendors returns the built-in registry in detection order. The
// generic heuristic entry is last so named vendors win ties. Capture
// backends are linked per deployment via Vendor.NewScanner; without one the
// selector downgrades to the platform authenticator.
func DefaultVendors() []Vendor {
	return []Vendor{
		{
			Key:       "secugen",
			Name:      "SecuGen Hamster",
			VendorIDs: []uint16{vendorIDSecuGen},
			NameHint:  "secugen",
		},
		{
			Key:       "digitalpersona",
			Name:      "DigitalPersona U.are.U",
			VendorIDs: []uint16{vendorIDDigitalPersona},
			NameHint:  "u.are.u",
		},
		{
			Key:       "futronic",
			Name:      "Futronic FS80",
			VendorIDs: []uint16{vendorIDFutronic},
			NameHint:  "futronic",
		},
		{
			Key:       "suprema",
			Name:      "Suprema BioMini",
			VendorIDs: []uint16{vendorIDSuprema},
			NameHint:  "biomini",
		},
		{
			Key:       "generic",
			Name:      "Generic fingerprint reader",
			Heuristic: true,
		},
	}
}
