package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/tiered-ledger/internal/crypto"
	"github.com/example/tiered-ledger/internal/ledger"
)

// FieldCipher seals column values bound to a record id. crypto.AEADEncryptor
// implements it.
type FieldCipher interface {
	Seal(ctx context.Context, plaintext, additionalData []byte) ([]byte, error)
	Open(ctx context.Context, sealed, additionalData []byte) ([]byte, error)
}

// UseFieldCipher encrypts bank account details written from now on. Rows written
// before a cipher was configured are still read as plaintext.
func (s *Store) UseFieldCipher(c FieldCipher) {
	s.cipher = c
}

func (s *Store) sealBankAccount(ctx context.Context, a *ledger.Account) ([]byte, error) {
	if a.BankAccount == nil {
		return nil, nil
	}
	raw, err := json.Marshal(a.BankAccount)
	if err != nil {
		return nil, err
	}
	if s.cipher == nil {
		return raw, nil
	}
	sealed, err := s.cipher.Seal(ctx, raw, []byte(a.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to seal bank account for %s: %w", a.ID, err)
	}
	return sealed, nil
}

func (s *Store) openBankAccount(ctx context.Context, accountID string, raw []byte) ([]byte, error) {
	if !crypto.IsSealed(raw) {
		return raw, nil
	}
	if s.cipher == nil {
		return nil, fmt.Errorf("bank account for %s is encrypted and no key is configured", accountID)
	}
	plain, err := s.cipher.Open(ctx, raw, []byte(accountID))
	if err != nil {
		return nil, fmt.Errorf("failed to open bank account for %s: %w", accountID, err)
	}
	return plain, nil
}
