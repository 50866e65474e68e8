package prontokv

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// FingerprintSize is the size of a BLAKE3 digest in bytes (256 bits).
const FingerprintSize = 32

// Fingerprint is a BLAKE3 256-bit digest of captured content. Rescue
// cache keys embed the full fingerprint; a truncated digest would make
// cache entries guessable.
type Fingerprint [FingerprintSize]byte

// String returns the hex-encoded digest.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short returns a shortened hex form for log output.
func (f Fingerprint) Short() string {
	return hex.EncodeToString(f[:8])
}

// IsZero reports whether the fingerprint is all zeros (uninitialized).
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// MarshalText implements encoding.TextMarshaler.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	if len(text) != FingerprintSize*2 {
		return fmt.Errorf("invalid fingerprint length: expected %d hex chars, got %d", FingerprintSize*2, len(text))
	}
	_, err := hex.Decode(f[:], text)
	return err
}

// ParseFingerprint parses a hex-encoded fingerprint string.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	if err := f.UnmarshalText([]byte(s)); err != nil {
		return Fingerprint{}, err
	}
	return f, nil
}

// FingerprintBytes computes the BLAKE3 digest of the given bytes.
func FingerprintBytes(data []byte) Fingerprint {
	return Fingerprint(blake3.Sum256(data))
}
