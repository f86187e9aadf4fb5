package ledger

import (
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrChainBroken = errors.New("hash chain is broken")
	ErrAppendOnly  = errors.New("verification records are append-only")

	// ErrAlreadySuperseded rejects a second override of the same record.
	ErrAlreadySuperseded = errors.New("record already superseded by an override")
)

// GenesisHash is the previous_hash of the first record.
const GenesisHash = "genesis"

// Kind categorizes verification records.
type Kind string

const (
	KindVerdict  Kind = "verdict"
	KindOverride Kind = "override"
	KindAlert    Kind = "alert"
)

// Outcome is what a record says about its subject.
type Outcome string

const (
	OutcomePassed     Outcome = "passed"
	OutcomeViolation  Outcome = "violation"
	OutcomeRejected   Outcome = "rejected"
	OutcomeOverridden Outcome = "overridden"
	OutcomeAlert      Outcome = "alert"
)

// Record is one immutable entry in the verification history. An override
// never edits the violation it supersedes; it is a new record pointing at it.
type Record struct {
	RecordID     string    `json:"record_id"`
	Sequence     uint64    `json:"sequence"`
	Kind         Kind      `json:"kind"`
	MessageID    string    `json:"message_id,omitempty"`
	Digest       string    `json:"digest,omitempty"`
	SenderID     string    `json:"sender_id,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ViolatedRule string    `json:"violated_rule,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Supersedes   string    `json:"supersedes,omitempty"`
	Authority    string    `json:"authority,omitempty"`
	Rationale    string    `json:"rationale,omitempty"`
	PreviousHash string    `json:"previous_hash"`
	RecordHash   string    `json:"record_hash"`
}

// Filter selects records on Read. Zero fields match everything.
type Filter struct {
	RecordID   string
	Kind       Kind
	Digest     string
	MessageID  string
	Supersedes string
	Outcome    Outcome
	Limit      int
}

func (f Filter) matches(r *Record) bool {
	if f.RecordID != "" && r.RecordID != f.RecordID {
		return false
	}
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Digest != "" && r.Digest != f.Digest {
		return false
	}
	if f.MessageID != "" && r.MessageID != f.MessageID {
		return false
	}
	if f.Supersedes != "" && r.Supersedes != f.Supersedes {
		return false
	}
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	return true
}
