package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrKeyNotFound  = errors.New("encryption key not found")
	ErrKeyNotLoaded = errors.New("key manager not initialized")
)

// MaxKeyVersion bounds the MASTER_ENCRYPTION_KEY_Vn lookup.
const MaxKeyVersion = 10

// KeyManager holds every configured key version. New tokens are sealed with
// the newest version; older versions stay available for opening.
type KeyManager struct {
	mu      sync.RWMutex
	current int
	sealers map[int]*Sealer
}

// NewKeyManager builds a manager from base64 keys indexed by version.
// Version 1 is required.
func NewKeyManager(keys map[int]string) (*KeyManager, error) {
	km := &KeyManager{sealers: make(map[int]*Sealer)}
	if keys[1] == "" {
		return nil, fmt.Errorf("load primary key: %w", ErrKeyNotFound)
	}
	for v := 1; v <= MaxKeyVersion; v++ {
		encoded, ok := keys[v]
		if !ok || encoded == "" {
			continue
		}
		if err := km.add(v, encoded); err != nil {
			return nil, err
		}
		km.current = v
	}
	return km, nil
}

// KeysFromLookup collects MASTER_ENCRYPTION_KEY and MASTER_ENCRYPTION_KEY_Vn
// through lookup, typically os.Getenv.
func KeysFromLookup(lookup func(string) string) map[int]string {
	keys := map[int]string{1: lookup("MASTER_ENCRYPTION_KEY")}
	for v := 2; v <= MaxKeyVersion; v++ {
		if k := lookup(fmt.Sprintf("MASTER_ENCRYPTION_KEY_V%d", v)); k != "" {
			keys[v] = k
		}
	}
	return keys
}

func (km *KeyManager) add(version int, encoded string) error {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode key v%d: %w", version, err)
	}
	s, err := NewSealer(key, version)
	if err != nil {
		return fmt.Errorf("create sealer v%d: %w", version, err)
	}
	km.sealers[version] = s
	return nil
}

// Seal encrypts plaintext with the current key version.
func (km *KeyManager) Seal(plaintext, binding string) (string, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	s, ok := km.sealers[km.current]
	if !ok {
		return "", ErrKeyNotLoaded
	}
	return s.Seal(plaintext, binding)
}

// Open decrypts ciphertext with the key version recorded in its prefix.
func (km *KeyManager) Open(ciphertext, binding string) (string, error) {
	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	km.mu.RLock()
	s, ok := km.sealers[version]
	km.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: version %d", ErrKeyNotFound, version)
	}
	return s.Open(ciphertext, binding)
}

// Reseal re-encrypts ciphertext with the current key version.
func (km *KeyManager) Reseal(ciphertext, binding string) (string, error) {
	plaintext, err := km.Open(ciphertext, binding)
	if err != nil {
		return "", fmt.Errorf("open for reseal: %w", err)
	}
	return km.Seal(plaintext, binding)
}

// CurrentVersion returns the key version used for new tokens.
func (km *KeyManager) CurrentVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.current
}

// GenerateKey returns a random base64 AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
