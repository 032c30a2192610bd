package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainLogger(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	logger := NewChainLogger(key)

	e1 := logger.Append("bybit|BTC|balanced")
	e2 := logger.Append("bybit|ETH|under_allocated")
	e3 := logger.Append("okx|BTC|over_allocated")

	assert.Equal(t, GenesisHash(), e1.PreviousHash)
	assert.NotEmpty(t, e1.Signature)
	assert.Equal(t, e3.Hash, logger.Head())

	chain := []*LogEntry{e1, e2, e3}
	require.NoError(t, VerifyChain(chain, key))

	originalPayload := e2.Payload
	e2.Payload = "bybit|ETH|balanced"
	assert.ErrorIs(t, VerifyChain(chain, key), ErrHashMismatch)
	e2.Payload = originalPayload

	originalHash := e2.Hash
	e2.Hash = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	assert.Error(t, VerifyChain(chain, key))
	e2.Hash = originalHash

	assert.ErrorIs(t, VerifyChain(chain, []byte("another-key-another-key-another!!")), ErrBadSignature)

	e3.PreviousHash = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	assert.ErrorIs(t, VerifyChain(chain, key), ErrBrokenLink)
}

func TestResumeContinuesChain(t *testing.T) {
	first := NewChainLogger(nil)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e1 := first.AppendAt("one", at)
	assert.Empty(t, e1.Signature)

	second := NewChainLogger(nil)
	second.Resume(e1.Hash)
	e2 := second.AppendAt("two", at.Add(time.Minute))

	require.NoError(t, VerifyChain([]*LogEntry{e1, e2}, nil))
	assert.Equal(t, "2024-05-01T12:01:00Z", e2.Timestamp)

	second.Resume("")
	assert.Equal(t, GenesisHash(), second.Head())
}
