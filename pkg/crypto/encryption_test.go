package crypto

import (
	"errors"
	"strings"
	"testing"
)

func testKey(seed byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return key
}

func TestSealOpen(t *testing.T) {
	s, err := NewSealer(testKey(0), 1)
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty", ""},
		{"short", "a1-token"},
		{"long", strings.Repeat("deriv-api-token-", 8)},
		{"unicode", "令牌 🔐"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := s.Seal(tt.plaintext, "user-1/DEMO")
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}
			if !strings.HasPrefix(sealed, "ENC[v1]:") {
				t.Errorf("sealed token missing version prefix: %s", sealed)
			}
			opened, err := s.Open(sealed, "user-1/DEMO")
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if opened != tt.plaintext {
				t.Errorf("opened = %q, want %q", opened, tt.plaintext)
			}
		})
	}
}

func TestSealIsBoundToOwner(t *testing.T) {
	s, _ := NewSealer(testKey(0), 1)
	sealed, _ := s.Seal("token", "user-1/LIVE")

	if _, err := s.Open(sealed, "user-2/LIVE"); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed for another owner, got %v", err)
	}
	if _, err := s.Open(sealed, "user-1/DEMO"); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed for another mode, got %v", err)
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	s, _ := NewSealer(testKey(0), 1)
	c1, _ := s.Seal("same-token", "")
	c2, _ := s.Seal("same-token", "")
	if c1 == c2 {
		t.Error("expected different ciphertexts for same plaintext")
	}
}

func TestInvalidKey(t *testing.T) {
	if _, err := NewSealer([]byte("short"), 1); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestOpenInvalidCiphertext(t *testing.T) {
	s, _ := NewSealer(testKey(0), 1)
	for _, invalid := range []string{"", "not-encrypted", "ENC[v1]:", "ENC[v1]:!!!invalid", "ENC[v1]:AAAA"} {
		if _, err := s.Open(invalid, ""); err == nil {
			t.Errorf("expected error for invalid ciphertext: %q", invalid)
		}
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		ciphertext string
		expected   int
	}{
		{"ENC[v1]:data", 1},
		{"ENC[v2]:data", 2},
		{"ENC[v10]:data", 10},
		{"invalid", 0},
		{"ENC[vX]:data", 0},
	}
	for _, tt := range tests {
		if got := ParseVersion(tt.ciphertext); got != tt.expected {
			t.Errorf("ParseVersion(%q) = %d, want %d", tt.ciphertext, got, tt.expected)
		}
	}
}

func TestKeyManagerRotation(t *testing.T) {
	k1, _ := GenerateKey()
	old, err := NewKeyManager(map[int]string{1: k1})
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	sealed, err := old.Seal("token", "u")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	k2, _ := GenerateKey()
	env := map[string]string{"MASTER_ENCRYPTION_KEY": k1, "MASTER_ENCRYPTION_KEY_V2": k2}
	km, err := NewKeyManager(KeysFromLookup(func(k string) string { return env[k] }))
	if err != nil {
		t.Fatalf("NewKeyManager rotated: %v", err)
	}
	if km.CurrentVersion() != 2 {
		t.Fatalf("expected current version 2, got %d", km.CurrentVersion())
	}

	if got, err := km.Open(sealed, "u"); err != nil || got != "token" {
		t.Fatalf("old token should still open: %q %v", got, err)
	}
	resealed, err := km.Reseal(sealed, "u")
	if err != nil {
		t.Fatalf("Reseal: %v", err)
	}
	if ParseVersion(resealed) != 2 {
		t.Fatalf("expected resealed token on v2, got %s", resealed)
	}
	if _, err := old.Open(resealed, "u"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound from the old manager, got %v", err)
	}
}

func TestKeyManagerRequiresPrimaryKey(t *testing.T) {
	if _, err := NewKeyManager(map[int]string{2: "x"}); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}
