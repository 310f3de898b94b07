// Package envelope provides authenticated symmetric encryption for intake
// packages, plus the key ring that holds the clinic's master keys. Key
// material lives only in memory; packages reference keys by id so rotation
// never breaks decryption of older artifacts.
package envelope

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// KeySize is the byte length of every master key.
const KeySize = 32

// Algorithm selects the AEAD suite a key is used with.
type Algorithm string

const (
	AlgorithmAESGCM   Algorithm = "aes-256-gcm"
	AlgorithmXChaCha  Algorithm = "xchacha20-poly1305"
	defaultAlgorithm            = AlgorithmAESGCM
)

var (
	// ErrKeyUnavailable means the requested key id is unknown or the ring
	// holds no usable key.
	ErrKeyUnavailable = errors.New("envelope: key unavailable")
)

// KeyConfig is the configuration shape for one master key. Material is
// hex-encoded; it never appears in logs or package metadata.
type KeyConfig struct {
	ID        string    `yaml:"id"`
	Algorithm Algorithm `yaml:"algorithm"`
	Material  string    `yaml:"material"`
}

// Key is one resolved master key.
type Key struct {
	ID        string
	Algorithm Algorithm
	material  []byte
}

// KeyRing is the append-only key registry. It is built once from
// configuration and read-only afterwards, so it is safe to share.
type KeyRing struct {
	current string
	keys    map[string]Key
}

// NewKeyRing resolves the configured keys and pins the current one used
// for new encryptions. Malformed material fails construction, not first use.
func NewKeyRing(configs []KeyConfig, currentID string) (*KeyRing, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("%w: no keys configured", ErrKeyUnavailable)
	}

	keys := make(map[string]Key, len(configs))
	for _, cfg := range configs {
		if cfg.ID == "" {
			return nil, fmt.Errorf("envelope: key with empty id")
		}
		if _, exists := keys[cfg.ID]; exists {
			return nil, fmt.Errorf("envelope: duplicate key id %q", cfg.ID)
		}
		alg := cfg.Algorithm
		if alg == "" {
			alg = defaultAlgorithm
		}
		if alg != AlgorithmAESGCM && alg != AlgorithmXChaCha {
			return nil, fmt.Errorf("envelope: key %q: unknown algorithm %q", cfg.ID, cfg.Algorithm)
		}
		material, err := hex.DecodeString(cfg.Material)
		if err != nil {
			return nil, fmt.Errorf("envelope: key %q: decode material: %w", cfg.ID, err)
		}
		if len(material) != KeySize {
			return nil, fmt.Errorf("envelope: key %q: material is %d bytes, want %d", cfg.ID, len(material), KeySize)
		}
		keys[cfg.ID] = Key{ID: cfg.ID, Algorithm: alg, material: material}
	}

	if currentID == "" {
		return nil, fmt.Errorf("%w: no current key id", ErrKeyUnavailable)
	}
	if _, ok := keys[currentID]; !ok {
		return nil, fmt.Errorf("%w: current key %q not in ring", ErrKeyUnavailable, currentID)
	}

	return &KeyRing{current: currentID, keys: keys}, nil
}

// Current returns the key used for new encryptions.
func (kr *KeyRing) Current() (Key, error) {
	if kr == nil {
		return Key{}, ErrKeyUnavailable
	}
	return kr.Lookup(kr.current)
}

// Lookup resolves a key by the id stored in package metadata.
func (kr *KeyRing) Lookup(id string) (Key, error) {
	if kr == nil {
		return Key{}, ErrKeyUnavailable
	}
	key, ok := kr.keys[id]
	if !ok {
		return Key{}, fmt.Errorf("%w: id %q", ErrKeyUnavailable, id)
	}
	return key, nil
}
