package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tiered-ledger/internal/crypto"
	"github.com/example/tiered-ledger/internal/ledger"
)

func bankCipher(t *testing.T) *crypto.AEADEncryptor {
	t.Helper()
	kms := crypto.NewLocalKMS()
	require.NoError(t, kms.AddKey("bank-v1", bytes.Repeat([]byte{9}, crypto.MasterKeySize)))
	return crypto.NewAEADEncryptor(kms, "bank-v1")
}

func TestBankAccountSealing(t *testing.T) {
	ctx := context.Background()
	s := &Store{}
	s.UseFieldCipher(bankCipher(t))

	acct := &ledger.Account{ID: "acct-1", BankAccount: &ledger.BankAccount{
		AccountHolder: "Broker X", BankName: "First Bank", AccountNumber: "000123456789",
	}}
	sealed, err := s.sealBankAccount(ctx, acct)
	require.NoError(t, err)
	assert.True(t, crypto.IsSealed(sealed))
	assert.NotContains(t, string(sealed), "000123456789")

	raw, err := s.openBankAccount(ctx, "acct-1", sealed)
	require.NoError(t, err)
	var got ledger.BankAccount
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "000123456789", got.AccountNumber)

	_, err = s.openBankAccount(ctx, "acct-2", sealed)
	assert.Error(t, err, "envelope is bound to its account")
}

func TestBankAccountPlaintextCompatibility(t *testing.T) {
	ctx := context.Background()
	plain := &Store{}

	acct := &ledger.Account{ID: "acct-1", BankAccount: &ledger.BankAccount{AccountNumber: "42"}}
	raw, err := plain.sealBankAccount(ctx, acct)
	require.NoError(t, err)
	assert.False(t, crypto.IsSealed(raw))

	none, err := plain.sealBankAccount(ctx, &ledger.Account{ID: "acct-2"})
	require.NoError(t, err)
	assert.Nil(t, none)

	encrypted := &Store{}
	encrypted.UseFieldCipher(bankCipher(t))
	got, err := encrypted.openBankAccount(ctx, "acct-1", raw)
	require.NoError(t, err, "rows written before encryption stay readable")
	assert.Equal(t, raw, got)

	sealed, err := encrypted.sealBankAccount(ctx, acct)
	require.NoError(t, err)
	_, err = plain.openBankAccount(ctx, "acct-1", sealed)
	assert.ErrorContains(t, err, "no key is configured")
}
