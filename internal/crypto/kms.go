package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// MasterKeySize is the length of an AES-256 master key.
const MasterKeySize = 32

// KMS defines the interface for key management operations.
type KMS interface {
	GenerateDataKey(ctx context.Context, keyID string) (plaintext, wrapped []byte, err error)
	Decrypt(ctx context.Context, wrapped []byte, keyID string) ([]byte, error)
}

// LocalKMS holds master keys in process and wraps data keys with AES-256-GCM, using
// the key id as additional data so a wrapped key cannot be replayed under another id.
type LocalKMS struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func NewLocalKMS() *LocalKMS {
	return &LocalKMS{keys: make(map[string][]byte)}
}

// AddKey registers a master key under keyID.
func (k *LocalKMS) AddKey(keyID string, master []byte) error {
	if keyID == "" {
		return errors.New("key ID must not be empty")
	}
	if len(master) != MasterKeySize {
		return fmt.Errorf("master key %s must be %d bytes, got %d", keyID, MasterKeySize, len(master))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = append([]byte(nil), master...)
	return nil
}

func (k *LocalKMS) master(keyID string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	m, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("master key not found for key ID: %s", keyID)
	}
	return m, nil
}

// GenerateDataKey returns a fresh 256-bit data key and its wrapped form.
func (k *LocalKMS) GenerateDataKey(ctx context.Context, keyID string) (plaintext, wrapped []byte, err error) {
	master, err := k.master(keyID)
	if err != nil {
		return nil, nil, err
	}
	plaintext = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, plaintext); err != nil {
		return nil, nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	wrapped, err = seal(master, plaintext, []byte(keyID))
	if err != nil {
		return nil, nil, err
	}
	return plaintext, wrapped, nil
}

// Decrypt unwraps a data key produced by GenerateDataKey.
func (k *LocalKMS) Decrypt(ctx context.Context, wrapped []byte, keyID string) ([]byte, error) {
	master, err := k.master(keyID)
	if err != nil {
		return nil, err
	}
	return open(master, wrapped, []byte(keyID))
}

// ParseKey decodes a master key given as 64 hex characters or standard base64.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if key, err := hex.DecodeString(s); err == nil && len(key) == MasterKeySize {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(s); err == nil && len(key) == MasterKeySize {
		return key, nil
	}
	return nil, fmt.Errorf("master key must be %d bytes as hex or base64", MasterKeySize)
}

// LoadKeyFile reads a master key written as hex or base64 text.
func LoadKeyFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}
	return ParseKey(string(raw))
}

// seal returns nonce || ciphertext.
func seal(key, plaintext, additionalData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, additionalData), nil
}

func open(key, sealed, additionalData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("sealed data is too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
