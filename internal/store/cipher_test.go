package store

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestTokenCipherRoundTrip(t *testing.T) {
	c, err := NewTokenCipher(testKey(t))
	if err != nil {
		t.Fatal(err)
	}

	for _, plaintext := range []string{"ya29.a0AfB_secret", "app-password", "x"} {
		sealed, err := c.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt %q: %v", plaintext, err)
		}
		if sealed == plaintext {
			t.Fatalf("ciphertext equals plaintext for %q", plaintext)
		}
		opened, err := c.Decrypt(sealed)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if opened != plaintext {
			t.Fatalf("round trip: got %q, want %q", opened, plaintext)
		}
	}
}

func TestTokenCipherEmptyStaysEmpty(t *testing.T) {
	c, err := NewTokenCipher(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := c.Encrypt("")
	if err != nil || sealed != "" {
		t.Fatalf("Encrypt(\"\") = %q, %v", sealed, err)
	}
	opened, err := c.Decrypt("")
	if err != nil || opened != "" {
		t.Fatalf("Decrypt(\"\") = %q, %v", opened, err)
	}
}

func TestTokenCipherNonDeterministicNonce(t *testing.T) {
	c, err := NewTokenCipher(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	a, _ := c.Encrypt("same plaintext")
	b, _ := c.Encrypt("same plaintext")
	if a == b {
		t.Fatal("two encryptions of the same value must differ")
	}
}

func TestTokenCipherWrongKey(t *testing.T) {
	c1, err := NewTokenCipher(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	c2, err := NewTokenCipher(testKey(t))
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := c1.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c2.Decrypt(sealed); !errors.Is(err, ErrCiphertextInvalid) {
		t.Fatalf("decrypt with wrong key: got %v, want ErrCiphertextInvalid", err)
	}
}

func TestTokenCipherTamperDetected(t *testing.T) {
	c, err := NewTokenCipher(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := c.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}

	blob, _ := base64.StdEncoding.DecodeString(sealed)
	blob[len(blob)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(blob)

	if _, err := c.Decrypt(tampered); !errors.Is(err, ErrCiphertextInvalid) {
		t.Fatalf("decrypt tampered: got %v, want ErrCiphertextInvalid", err)
	}
}

func TestNewTokenCipherRejectsBadKeys(t *testing.T) {
	if _, err := NewTokenCipher("not base64!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	if _, err := NewTokenCipher(short); err == nil {
		t.Error("expected error for short key")
	}
}
