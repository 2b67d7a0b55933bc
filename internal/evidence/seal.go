package evidence

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/movingally/smsrelay/internal/cryptoutil"
)

const nonceSize = 24

var (
	// ErrNotSealed is returned by Open for records stored without a body.
	ErrNotSealed = errors.New("record has no sealed input")
	// ErrNoSealKey is returned by Open when the store has no seal key.
	ErrNoSealKey = errors.New("no seal key configured")
	// ErrUnseal is returned when a sealed body fails authentication.
	ErrUnseal = errors.New("sealed input failed authentication")
)

// Sealer encrypts customer text for audit records with nacl/secretbox.
type Sealer struct {
	key *[cryptoutil.SealKeySize]byte
}

// NewSealer decodes a 32-byte key (raw or 64 hex characters).
func NewSealer(key string) (*Sealer, error) {
	k, err := cryptoutil.SealKey(key)
	if err != nil {
		return nil, err
	}
	return &Sealer{key: k}, nil
}

// Seal returns base64(nonce || box).
func (s *Sealer) Seal(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, s.key)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decoding sealed input: %w", err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrUnseal
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, s.key)
	if !ok {
		return "", ErrUnseal
	}
	return string(plain), nil
}
