package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrIntegrity means the authentication tag did not verify: the
// ciphertext, IV, or tag was tampered with or corrupted. Always fatal for
// the package; corrupted plaintext is never returned.
var ErrIntegrity = errors.New("envelope: integrity check failed")

// TagSize is the Poly1305/GCM authentication tag length shared by both
// suites.
const TagSize = 16

// Sealed is the output of one Encrypt call. The tag is kept apart from the
// ciphertext to match the package metadata model.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
}

// Encrypt seals plaintext under the key with a freshly random IV. The IV
// is never reused across calls.
func Encrypt(plaintext []byte, key Key) (Sealed, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return Sealed{}, err
	}

	iv := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Sealed{}, fmt.Errorf("envelope: generate iv: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - TagSize

	return Sealed{
		Ciphertext: sealed[:split],
		IV:         iv,
		AuthTag:    sealed[split:],
	}, nil
}

// Decrypt opens a sealed payload. Any verification failure is ErrIntegrity.
func Decrypt(sealed Sealed, key Key) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed.IV) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: iv is %d bytes, want %d", ErrIntegrity, len(sealed.IV), aead.NonceSize())
	}
	if len(sealed.AuthTag) != TagSize {
		return nil, fmt.Errorf("%w: tag is %d bytes, want %d", ErrIntegrity, len(sealed.AuthTag), TagSize)
	}

	combined := make([]byte, 0, len(sealed.Ciphertext)+TagSize)
	combined = append(combined, sealed.Ciphertext...)
	combined = append(combined, sealed.AuthTag...)

	plaintext, err := aead.Open(nil, sealed.IV, combined, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// Checksum returns the lowercase hex SHA-256 digest of data. Exports take
// it over the ciphertext for post-upload verification.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newAEAD(key Key) (cipher.AEAD, error) {
	if len(key.material) != KeySize {
		return nil, fmt.Errorf("%w: id %q has no material", ErrKeyUnavailable, key.ID)
	}

	switch key.Algorithm {
	case AlgorithmAESGCM:
		block, err := aes.NewCipher(key.material)
		if err != nil {
			return nil, fmt.Errorf("envelope: aes cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("envelope: gcm mode: %w", err)
		}
		return aead, nil
	case AlgorithmXChaCha:
		aead, err := chacha20poly1305.NewX(key.material)
		if err != nil {
			return nil, fmt.Errorf("envelope: xchacha20: %w", err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("envelope: unknown algorithm %q", key.Algorithm)
	}
}
