package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedIdentity signals text that is not a 64-character hex key.
var ErrMalformedIdentity = errors.New("identity: malformed identity")

// Identity is a participant's ed25519 public key.
type Identity [32]byte

// Parse decodes the hex form of an identity.
func Parse(s string) (Identity, error) {
	var id Identity
	s = strings.TrimSpace(s)
	if len(s) != hex.EncodedLen(len(id)) {
		return id, fmt.Errorf("%w: want %d hex characters, got %d", ErrMalformedIdentity, hex.EncodedLen(len(id)), len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("%w: %v", ErrMalformedIdentity, err)
	}
	return id, nil
}

// FromPublicKey converts an ed25519 public key.
func FromPublicKey(pub ed25519.PublicKey) (Identity, error) {
	var id Identity
	if len(pub) != ed25519.PublicKeySize {
		return id, fmt.Errorf("%w: public key has %d bytes", ErrMalformedIdentity, len(pub))
	}
	copy(id[:], pub)
	return id, nil
}

func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// PublicKey returns the key used to check the identity's signatures.
func (id Identity) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(id[:])
}

func (id Identity) IsZero() bool {
	return id == Identity{}
}

func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// LoginRequest proves control of an identity: Signature is the identity's
// ed25519 signature over LoginMessage(Identity, IssuedAt).
type LoginRequest struct {
	Identity  Identity  `json:"identity"`
	IssuedAt  time.Time `json:"issued_at"`
	Signature []byte    `json:"signature"`
}

// LoginResult bundles the bearer token and its expiry.
type LoginResult struct {
	Token     string    `json:"token"`
	Identity  Identity  `json:"identity"`
	ExpiresAt time.Time `json:"expires_at"`
}
