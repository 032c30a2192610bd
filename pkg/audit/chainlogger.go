// Package audit builds tamper-evident chains of records. Each entry hashes the
// previous entry's hash together with its own timestamp and payload, and may carry an
// HMAC-SHA256 signature over that hash.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrBrokenLink   = errors.New("audit chain link broken")
	ErrHashMismatch = errors.New("audit entry hash mismatch")
	ErrBadSignature = errors.New("audit entry signature invalid")
)

// LogEntry represents a single audit log entry
type LogEntry struct {
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
	Signature    string `json:"signature,omitempty"`
}

// GenesisHash is the previous hash of the first entry of every chain.
func GenesisHash() string {
	return strings.Repeat("0", 64)
}

// ComputeHash returns the hex SHA-256 of previousHash|timestamp|payload.
func ComputeHash(previousHash, timestamp, payload string) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", previousHash, timestamp, payload)))
	return hex.EncodeToString(hash[:])
}

// Sign returns the hex HMAC-SHA256 of hash under key.
func Sign(key []byte, hash string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(hash))
	return hex.EncodeToString(mac.Sum(nil))
}

// ChainLogger appends entries to one chain. It is safe for concurrent use.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	key          []byte
}

// NewChainLogger starts a chain at the genesis hash. A nil key leaves entries unsigned.
func NewChainLogger(key []byte) *ChainLogger {
	return &ChainLogger{
		previousHash: GenesisHash(),
		key:          key,
	}
}

// Resume continues an existing chain whose last entry hashed to previousHash.
func (c *ChainLogger) Resume(previousHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if previousHash == "" {
		previousHash = GenesisHash()
	}
	c.previousHash = previousHash
}

// Head returns the hash the next entry will link to.
func (c *ChainLogger) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previousHash
}

// Append adds a new log entry to the chain stamped with the current time.
func (c *ChainLogger) Append(payload string) *LogEntry {
	return c.AppendAt(payload, time.Now())
}

// AppendAt adds a new log entry stamped with at.
func (c *ChainLogger) AppendAt(payload string, at time.Time) *LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &LogEntry{
		Timestamp:    at.UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = ComputeHash(entry.PreviousHash, entry.Timestamp, entry.Payload)
	if len(c.key) > 0 {
		entry.Signature = Sign(c.key, entry.Hash)
	}

	c.previousHash = entry.Hash
	return entry
}

// VerifyChain checks that entries form an unbroken hash chain and, when key is
// non-empty, that every signature matches. The returned error names the first bad
// entry by index.
func VerifyChain(entries []*LogEntry, key []byte) error {
	for i, entry := range entries {
		if i > 0 && entry.PreviousHash != entries[i-1].Hash {
			return fmt.Errorf("%w at entry %d", ErrBrokenLink, i)
		}
		if ComputeHash(entry.PreviousHash, entry.Timestamp, entry.Payload) != entry.Hash {
			return fmt.Errorf("%w at entry %d", ErrHashMismatch, i)
		}
		if len(key) > 0 && !hmac.Equal([]byte(Sign(key, entry.Hash)), []byte(entry.Signature)) {
			return fmt.Errorf("%w at entry %d", ErrBadSignature, i)
		}
	}
	return nil
}
