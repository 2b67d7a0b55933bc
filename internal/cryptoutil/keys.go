// Package cryptoutil decodes configured key material.
package cryptoutil

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// SealKeySize is the secretbox key length.
const SealKeySize = 32

// ErrKeyTooShort is returned when decoded key material is below the minimum.
var ErrKeyTooShort = errors.New("key too short")

// IsHexString reports whether s consists entirely of hexadecimal characters
// (0-9, a-f, A-F). It returns true for an empty string.
func IsHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// DecodeKey interprets key as hex when it is an even-length hex string of
// at least 2*minLen characters, otherwise as raw bytes. The result must be
// at least minLen bytes.
func DecodeKey(key string, minLen int) ([]byte, error) {
	if len(key) >= 2*minLen && len(key)%2 == 0 && IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("key hex decode: %w", err)
		}
		return decoded, nil
	}
	if len(key) < minLen {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrKeyTooShort, minLen, len(key))
	}
	return []byte(key), nil
}

// SealKey decodes a secretbox key. It must be exactly 32 raw bytes or 64
// hex characters.
func SealKey(key string) (*[SealKeySize]byte, error) {
	b, err := DecodeKey(key, SealKeySize)
	if err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}
	if len(b) != SealKeySize {
		return nil, fmt.Errorf("seal key must be exactly %d bytes, got %d", SealKeySize, len(b))
	}
	var out [SealKeySize]byte
	copy(out[:], b)
	return &out, nil
}
