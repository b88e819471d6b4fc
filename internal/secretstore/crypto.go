package secretstore

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
)

const keySize = 32

// loadOrCreateKey reads a 32-byte secretbox key from path, generating
// and persisting a fresh one on first run. The key never leaves the
// daemon's runtime_home and is never logged.
func loadOrCreateKey(path string) (*[keySize]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != keySize {
			return nil, fmt.Errorf("secret key file %s has wrong length %d", path, len(data))
		}
		var key [keySize]byte
		copy(key[:], data)
		return &key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read secret key: %w", err)
	}

	var key [keySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create secret key dir: %w", err)
	}
	if err := os.WriteFile(path, key[:], 0o600); err != nil {
		return nil, fmt.Errorf("write secret key: %w", err)
	}
	return &key, nil
}

// seal encrypts plaintext with a fresh random nonce.
func seal(key *[keySize]byte, plaintext string) (nonce, ciphertext []byte, err error) {
	var n [24]byte
	if _, err := rand.Read(n[:]); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := secretbox.Seal(nil, []byte(plaintext), &n, key)
	return n[:], out, nil
}

// open decrypts a value sealed by seal.
func open(key *[keySize]byte, nonce, ciphertext []byte) (string, error) {
	if len(nonce) != 24 {
		return "", fmt.Errorf("invalid nonce length %d", len(nonce))
	}
	var n [24]byte
	copy(n[:], nonce)
	plaintext, ok := secretbox.Open(nil, ciphertext, &n, key)
	if !ok {
		return "", fmt.Errorf("decrypt env_private value: authentication failed")
	}
	return string(plaintext), nil
}
