// Package codec converts credential material between the transport text
// encodings used by the backend and the binary buffers required by the
// authenticator ceremonies.
//
// Two encodings appear on the wire: standard base64 with padding, and
// URL-safe base64 without padding (the WebAuthn convention). ToBuffer and
// ToText are exact inverses for valid inputs of a given encoding.
package codec

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Encoding identifies a transport text encoding.
type Encoding string

const (
	// Base64 is standard base64 with `+`/`/` and padding.
	Base64 Encoding = "base64"
	// Base64URL is URL-safe base64 with `-`/`_` and no padding.
	Base64URL Encoding = "base64url"
)

// DecodeError reports malformed transport text. It is fatal to the single
// operation that produced it and is never retried automatically.
type DecodeError struct {
	Encoding Encoding
	cause    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Encoding, e.cause)
}

func (e *DecodeError) Unwrap() error {
	return e.cause
}

// ToBuffer decodes transport text into a binary buffer.
//
// Base64URL input is normalized first: `-`/`_` become `+`/`/` and padding is
// restored, so values produced by either padded or unpadded encoders decode.
// Malformed input returns a DecodeError; the buffer is never truncated.
func ToBuffer(text string, encoding Encoding) ([]byte, error) {
	switch encoding {
	case Base64:
		buf, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return nil, &DecodeError{Encoding: encoding, cause: err}
		}
		return buf, nil
	case Base64URL:
		normalized := strings.NewReplacer("-", "+", "_", "/").Replace(text)
		normalized = strings.TrimRight(normalized, "=")
		if rem := len(normalized) % 4; rem != 0 {
			normalized += strings.Repeat("=", 4-rem)
		}
		buf, err := base64.StdEncoding.DecodeString(normalized)
		if err != nil {
			return nil, &DecodeError{Encoding: encoding, cause: err}
		}
		return buf, nil
	default:
		return nil, &DecodeError{Encoding: encoding, cause: fmt.Errorf("unknown encoding")}
	}
}

// ToText encodes a binary buffer into transport text.
func ToText(buf []byte, encoding Encoding) string {
	switch encoding {
	case Base64URL:
		return base64.RawURLEncoding.EncodeToString(buf)
	default:
		return base64.StdEncoding.EncodeToString(buf)
	}
}
