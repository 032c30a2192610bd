// Package crypto seals sensitive account fields with AES-256-GCM envelope encryption:
// each record gets its own data key, wrapped by a master key held in a KMS.
package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// EncryptedData is the stored envelope. Additional data is not kept in it; callers
// bind the envelope to a record by passing the same value to Encrypt and Decrypt.
type EncryptedData struct {
	KeyID            string `json:"kid"`
	EncryptedDataKey []byte `json:"edk"`
	Ciphertext       []byte `json:"ct"`
}

// AEADEncryptor provides AES-256-GCM envelope encryption with per-record data keys.
type AEADEncryptor struct {
	kms   KMS
	keyID string
}

// NewAEADEncryptor encrypts new records under keyID. Decrypt honours the key id
// stored in each envelope, so older keys stay readable while registered in kms.
func NewAEADEncryptor(kms KMS, keyID string) *AEADEncryptor {
	return &AEADEncryptor{kms: kms, keyID: keyID}
}

func (a *AEADEncryptor) Encrypt(ctx context.Context, plaintext, additionalData []byte) (*EncryptedData, error) {
	dataKey, wrapped, err := a.kms.GenerateDataKey(ctx, a.keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}
	ciphertext, err := seal(dataKey, plaintext, additionalData)
	if err != nil {
		return nil, err
	}
	return &EncryptedData{KeyID: a.keyID, EncryptedDataKey: wrapped, Ciphertext: ciphertext}, nil
}

func (a *AEADEncryptor) Decrypt(ctx context.Context, d *EncryptedData, additionalData []byte) ([]byte, error) {
	if d == nil {
		return nil, errors.New("no encrypted data")
	}
	dataKey, err := a.kms.Decrypt(ctx, d.EncryptedDataKey, d.KeyID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt data key: %w", err)
	}
	return open(dataKey, d.Ciphertext, additionalData)
}

// Seal encrypts plaintext and returns the JSON envelope.
func (a *AEADEncryptor) Seal(ctx context.Context, plaintext, additionalData []byte) ([]byte, error) {
	d, err := a.Encrypt(ctx, plaintext, additionalData)
	if err != nil {
		return nil, err
	}
	return json.Marshal(d)
}

// Open decrypts a JSON envelope produced by Seal.
func (a *AEADEncryptor) Open(ctx context.Context, sealed, additionalData []byte) ([]byte, error) {
	var d EncryptedData
	if err := json.Unmarshal(sealed, &d); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return a.Decrypt(ctx, &d, additionalData)
}

// IsSealed reports whether raw is an envelope rather than plaintext JSON.
func IsSealed(raw []byte) bool {
	var header struct {
		KeyID string `json:"kid"`
		EDK   []byte `json:"edk"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return false
	}
	return header.KeyID != "" && len(header.EDK) > 0
}
