package secret

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	manager "github.com/codexmgr/codexmgr/internal"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}
	box, err := Open("correct horse battery staple", salt)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const plaintext = "sk-test-secret-key-12345"
	sealed, err := box.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// The stored form must not leak the plaintext.
	if strings.Contains(sealed, plaintext) {
		t.Error("sealed form contains plaintext")
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		t.Fatalf("sealed form is not base64: %v", err)
	}
	// nonce(12) + tag(16) overhead on top of the plaintext.
	if got, want := len(raw), 12+len(plaintext)+16; got != want {
		t.Errorf("sealed length = %d, want %d", got, want)
	}

	got, err := box.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != plaintext {
		t.Errorf("Decrypt = %q, want %q", got, plaintext)
	}
}

func TestNoncesAreUnique(t *testing.T) {
	t.Parallel()

	salt, _ := NewSalt()
	box, err := Open("pass", salt)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	seen := make(map[string]bool)
	for range 100 {
		sealed, err := box.Encrypt("same plaintext")
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		raw, _ := base64.StdEncoding.DecodeString(sealed)
		nonce := string(raw[:12])
		if seen[nonce] {
			t.Fatal("nonce reused")
		}
		seen[nonce] = true
	}
}

func TestDecryptWrongKey(t *testing.T) {
	t.Parallel()

	salt, _ := NewSalt()
	box1, _ := Open("key one", salt)
	box2, _ := Open("key two", salt)

	sealed, err := box1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := box2.Decrypt(sealed); !errors.Is(err, manager.ErrDecrypt) {
		t.Errorf("Decrypt with wrong key: err = %v, want ErrDecrypt", err)
	}
}

func TestDecryptGarbage(t *testing.T) {
	t.Parallel()

	salt, _ := NewSalt()
	box, _ := Open("pass", salt)

	for _, in := range []string{"", "not-base64!!!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := box.Decrypt(in); !errors.Is(err, manager.ErrDecrypt) {
			t.Errorf("Decrypt(%q): err = %v, want ErrDecrypt", in, err)
		}
	}
}

func TestSameSaltSameKey(t *testing.T) {
	t.Parallel()

	salt, _ := NewSalt()
	box1, _ := Open("pass", salt)
	box2, _ := Open("pass", salt)

	sealed, err := box1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := box2.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt across instances: %v", err)
	}
	if got != "secret" {
		t.Errorf("Decrypt = %q, want %q", got, "secret")
	}
}
