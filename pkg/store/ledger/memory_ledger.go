package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu        sync.RWMutex
	records   []Record
	chainHead string
	now       func() time.Time
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{chainHead: GenesisHash, now: time.Now}
}

func (l *MemoryLedger) Append(_ context.Context, rec Record) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.Kind == KindOverride {
		for i := range l.records {
			if l.records[i].Kind == KindOverride && l.records[i].Supersedes == rec.Supersedes {
				return Record{}, ErrAlreadySuperseded
			}
		}
	}

	sealed, err := seal(rec, uint64(len(l.records))+1, l.chainHead, l.now())
	if err != nil {
		return Record{}, err
	}
	l.records = append(l.records, sealed)
	l.chainHead = sealed.RecordHash
	return sealed, nil
}

func (l *MemoryLedger) Read(_ context.Context, filter Filter) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0)
	for i := range l.records {
		if filter.matches(&l.records[i]) {
			out = append(out, l.records[i])
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
	}
	return out, nil
}

// ChainHead returns the hash of the latest record.
func (l *MemoryLedger) ChainHead() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chainHead
}
