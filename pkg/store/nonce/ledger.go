// Package nonce implements the write-once (sender, nonce) ledger that makes
// replayed messages detectable.
package nonce

import (
	"context"
	"sync"
)

// Ledger reserves (sender, nonce) pairs. Reserve is an atomic insert-if-absent:
// it returns true exactly once per pair, however many callers race for it.
// Entries are never removed.
type Ledger interface {
	Reserve(ctx context.Context, senderID, nonce string) (bool, error)
}

type pair struct {
	sender string
	nonce  string
}

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[pair]struct{}
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[pair]struct{})}
}

func (l *MemoryLedger) Reserve(_ context.Context, senderID, nonce string) (bool, error) {
	key := pair{sender: senderID, nonce: nonce}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[key]; ok {
		return false, nil
	}
	l.seen[key] = struct{}{}
	return true, nil
}

// Len returns the number of reserved pairs.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
