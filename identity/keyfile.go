package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrKeyfileExists is returned when GenerateKeyfile would overwrite a key.
var ErrKeyfileExists = errors.New("identity: keyfile already exists")

// LoadKeyfile reads a private key stored as a JSON array of its 64 bytes.
func LoadKeyfile(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read keyfile: %w", err)
	}
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return nil, fmt.Errorf("identity: decode keyfile: %w", err)
	}
	if len(ints) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: keyfile holds %d bytes, want %d", len(ints), ed25519.PrivateKeySize)
	}
	key := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("identity: keyfile byte %d out of range", i)
		}
		key[i] = byte(v)
	}
	priv := ed25519.NewKeyFromSeed(key[:ed25519.SeedSize])
	if !priv.Equal(ed25519.PrivateKey(key)) {
		return nil, fmt.Errorf("identity: keyfile public half does not match seed")
	}
	return priv, nil
}

// GenerateKeyfile creates a fresh key at path and returns its identity.
func GenerateKeyfile(path string) (Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return Identity{}, ErrKeyfileExists
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: generate key: %w", err)
	}
	ints := make([]int, len(priv))
	for i, b := range priv {
		ints[i] = int(b)
	}
	raw, err := json.Marshal(ints)
	if err != nil {
		return Identity{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return Identity{}, fmt.Errorf("identity: create key dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return Identity{}, fmt.Errorf("identity: write keyfile: %w", err)
	}
	return FromPublicKey(pub)
}

// Of returns the identity owning key.
func Of(key ed25519.PrivateKey) Identity {
	var id Identity
	copy(id[:], key[ed25519.SeedSize:])
	return id
}
