// Package ledger stores the append-only, hash-chained history of
// verification verdicts, authority overrides and consensus alerts.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-relay/pkg/canonicalize"
)

// Ledger exposes append and read only. There is no update or delete.
type Ledger interface {
	// Append assigns id, sequence, timestamp and chain hashes, then persists rec.
	Append(ctx context.Context, rec Record) (Record, error)
	// Read returns matching records in sequence order.
	Read(ctx context.Context, filter Filter) ([]Record, error)
}

// seal fills the server-assigned fields of rec and computes its hash.
func seal(rec Record, seq uint64, prev string, now time.Time) (Record, error) {
	rec.RecordID = uuid.New().String()
	rec.Sequence = seq
	rec.Timestamp = now.UTC().Truncate(time.Microsecond)
	rec.PreviousHash = prev

	h, err := computeRecordHash(&rec)
	if err != nil {
		return Record{}, err
	}
	rec.RecordHash = h
	return rec, nil
}

func computeRecordHash(rec *Record) (string, error) {
	hashable := *rec
	hashable.RecordHash = ""
	h, err := canonicalize.CanonicalHash(hashable)
	if err != nil {
		return "", fmt.Errorf("failed to hash record: %w", err)
	}
	return "sha256:" + h, nil
}

// VerifyChain checks that records, in sequence order from the first ever
// appended, link and hash correctly.
func VerifyChain(records []Record) error {
	expectedPrev := GenesisHash
	for i := range records {
		rec := &records[i]
		if rec.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: record %d has previous_hash %s but expected %s",
				ErrChainBroken, rec.Sequence, rec.PreviousHash, expectedPrev)
		}
		computed, err := computeRecordHash(rec)
		if err != nil {
			return fmt.Errorf("%w: record %d: %w", ErrChainBroken, rec.Sequence, err)
		}
		if computed != rec.RecordHash {
			return fmt.Errorf("%w: record %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, rec.Sequence, computed, rec.RecordHash)
		}
		expectedPrev = rec.RecordHash
	}
	return nil
}

// Effective returns the record that currently governs a verdict: the latest
// override superseding it, or the verdict itself.
func Effective(ctx context.Context, l Ledger, verdict Record) (Record, error) {
	overrides, err := l.Read(ctx, Filter{Kind: KindOverride, Supersedes: verdict.RecordID})
	if err != nil {
		return Record{}, err
	}
	if len(overrides) == 0 {
		return verdict, nil
	}
	return overrides[len(overrides)-1], nil
}
