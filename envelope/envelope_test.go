package envelope

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

const (
	testKeyHexA = "0001020304050607080910111213141516171819202122232425262728293031"
	testKeyHexB = "aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899"
)

func testRing(t *testing.T) *KeyRing {
	t.Helper()
	ring, err := NewKeyRing([]KeyConfig{
		{ID: "k-2025-a", Algorithm: AlgorithmAESGCM, Material: testKeyHexA},
		{ID: "k-2025-b", Algorithm: AlgorithmXChaCha, Material: testKeyHexB},
	}, "k-2025-a")
	if err != nil {
		t.Fatalf("new key ring: %v", err)
	}
	return ring
}

func TestEncryptDecrypt_RoundTripBothSuites(t *testing.T) {
	ring := testRing(t)
	payloads := [][]byte{
		nil,
		{},
		[]byte("x"),
		[]byte("pre-clinical intake bundle"),
		bytes.Repeat([]byte{0x42}, 1<<16),
	}

	for _, id := range []string{"k-2025-a", "k-2025-b"} {
		key, err := ring.Lookup(id)
		if err != nil {
			t.Fatalf("lookup %s: %v", id, err)
		}
		for _, plaintext := range payloads {
			sealed, err := Encrypt(plaintext, key)
			if err != nil {
				t.Fatalf("%s: encrypt %d bytes: %v", id, len(plaintext), err)
			}
			if len(sealed.AuthTag) != TagSize {
				t.Fatalf("%s: tag is %d bytes, want %d", id, len(sealed.AuthTag), TagSize)
			}
			out, err := Decrypt(sealed, key)
			if err != nil {
				t.Fatalf("%s: decrypt %d bytes: %v", id, len(plaintext), err)
			}
			if !bytes.Equal(out, plaintext) {
				t.Fatalf("%s: round trip mismatch for %d bytes", id, len(plaintext))
			}
		}
	}
}

func TestEncrypt_FreshIVPerCall(t *testing.T) {
	ring := testRing(t)
	key, _ := ring.Current()

	first, err := Encrypt([]byte("same plaintext"), key)
	if err != nil {
		t.Fatalf("first encrypt: %v", err)
	}
	second, err := Encrypt([]byte("same plaintext"), key)
	if err != nil {
		t.Fatalf("second encrypt: %v", err)
	}
	if bytes.Equal(first.IV, second.IV) {
		t.Fatal("IV reused across calls")
	}
	if bytes.Equal(first.Ciphertext, second.Ciphertext) {
		t.Fatal("identical ciphertext for repeated encryption")
	}
}

func TestDecrypt_TamperFailsHard(t *testing.T) {
	ring := testRing(t)

	for _, id := range []string{"k-2025-a", "k-2025-b"} {
		key, _ := ring.Lookup(id)
		sealed, err := Encrypt([]byte("tamper target"), key)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}

		flipEach := func(name string, buf []byte) {
			for i := range buf {
				for bit := 0; bit < 8; bit++ {
					buf[i] ^= 1 << bit
					if _, err := Decrypt(sealed, key); !errors.Is(err, ErrIntegrity) {
						t.Fatalf("%s: %s byte %d bit %d: expected ErrIntegrity, got %v", id, name, i, bit, err)
					}
					buf[i] ^= 1 << bit
				}
			}
		}

		flipEach("ciphertext", sealed.Ciphertext)
		flipEach("tag", sealed.AuthTag)
		flipEach("iv", sealed.IV)
	}
}

func TestDecrypt_WrongKeyIsIntegrityError(t *testing.T) {
	ring := testRing(t)
	keyA, _ := ring.Lookup("k-2025-a")

	other, err := NewKeyRing([]KeyConfig{
		{ID: "k-2025-a", Algorithm: AlgorithmAESGCM, Material: testKeyHexB},
	}, "k-2025-a")
	if err != nil {
		t.Fatalf("other ring: %v", err)
	}
	wrongKey, _ := other.Current()

	sealed, err := Encrypt([]byte("secret"), keyA)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := Decrypt(sealed, wrongKey); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity with wrong key, got %v", err)
	}
}

func TestNewKeyRing_Validation(t *testing.T) {
	if _, err := NewKeyRing(nil, "k"); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable for empty ring, got %v", err)
	}
	if _, err := NewKeyRing([]KeyConfig{{ID: "k", Material: "zz"}}, "k"); err == nil {
		t.Fatal("expected error for malformed hex material")
	}
	if _, err := NewKeyRing([]KeyConfig{{ID: "k", Material: "abcd"}}, "k"); err == nil {
		t.Fatal("expected error for short material")
	}
	if _, err := NewKeyRing([]KeyConfig{{ID: "k", Algorithm: "rot13", Material: testKeyHexA}}, "k"); err == nil {
		t.Fatal("expected error for unknown algorithm")
	}
	if _, err := NewKeyRing([]KeyConfig{
		{ID: "k", Material: testKeyHexA},
		{ID: "k", Material: testKeyHexB},
	}, "k"); err == nil {
		t.Fatal("expected error for duplicate key id")
	}
	if _, err := NewKeyRing([]KeyConfig{{ID: "k", Material: testKeyHexA}}, "missing"); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable for missing current, got %v", err)
	}
}

func TestKeyRing_LookupUnknown(t *testing.T) {
	ring := testRing(t)
	if _, err := ring.Lookup("retired-key"); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable, got %v", err)
	}
}

func TestChecksum_HexSHA256(t *testing.T) {
	sum := Checksum([]byte("abc"))
	if sum != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("unexpected digest %s", sum)
	}
	if strings.ToLower(sum) != sum {
		t.Fatal("digest must be lowercase hex")
	}
}
