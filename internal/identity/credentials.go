package identity

import (
	"encoding/hex"

	"golang.org/x/crypto/argon2"
)

// Argon2Params controls credential-based key derivation. The defaults match
// the floor the protocol requires; callers may raise them, never lower.
type Argon2Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultArgon2Params returns the baseline parameters.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Time: 3, MemoryKiB: 4096, Threads: 1}
}

const secretLen = 32

// FromCredentials deterministically derives the session secret from an
// email/password pair: argon2id salted with the keccak-256 of the email.
// The same credentials always reproduce the same secret, and hence the
// same derived identity.
func FromCredentials(email, password string, p Argon2Params) Secret {
	if p.Time < 3 {
		p.Time = 3
	}
	if p.MemoryKiB < 4096 {
		p.MemoryKiB = 4096
	}
	if p.Threads == 0 {
		p.Threads = 1
	}
	salt := keccak256([]byte(email))
	key := argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKiB, p.Threads, secretLen)
	return Secret(hex.EncodeToString(keccak256(key)))
}
