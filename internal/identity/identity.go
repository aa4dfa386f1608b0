// Package identity derives and holds the per-session secret that every
// room encryption key is keyed from.
package identity

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/pokisachi/DeChat/internal/room"
)

// Signer is the external wallet collaborator: it supplies the session
// address and a one-time signing capability used to seed key derivation.
type Signer interface {
	Address() string
	Sign(message string) ([]byte, error)
}

// Secret is a hex-encoded 256-bit session secret. It is held for the
// session only and must never leave the local machine.
type Secret string

// Challenge builds the one-time login challenge string. Embedding the
// timestamp keeps replayed signatures from minting old sessions.
func Challenge(now time.Time) string {
	return fmt.Sprintf("Sign in to DeChat at %d", now.UnixMilli())
}

// SessionSecretFromSignature hashes a one-time authentication signature
// into the session secret.
func SessionSecretFromSignature(sig []byte) Secret {
	return Secret(hex.EncodeToString(keccak256(sig)))
}

// Login signs a fresh challenge and derives the session secret from it.
func Login(s Signer, now time.Time) (Secret, error) {
	sig, err := s.Sign(Challenge(now))
	if err != nil {
		return "", fmt.Errorf("sign challenge: %w", err)
	}
	return SessionSecretFromSignature(sig), nil
}

// RoomKey returns the encryption key for a room. Direct rooms use the
// session secret as-is; group rooms diversify it with the group id so one
// leaked group key does not expose sibling groups.
func (s Secret) RoomKey(roomID string) string {
	if room.IsGroup(roomID) {
		return hex.EncodeToString(keccak256([]byte(roomID + string(s))))
	}
	return string(s)
}

// Save persists the secret to path with owner-only permissions. Persisting
// it at all is a usability trade-off; Remove must be called on logout.
func (s Secret) Save(path string) error {
	return os.WriteFile(path, []byte(s), 0600)
}

// LoadSecret reads a previously saved session secret.
func LoadSecret(path string) (Secret, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return Secret(strings.TrimSpace(string(data))), nil
}

// RemoveSecret deletes the persisted secret. Missing files are fine.
func RemoveSecret(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}
