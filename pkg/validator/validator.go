// Package validator performs the structural and temporal checks every inbound
// message passes before any signature or policy work: required fields and
// shape, timestamp freshness, nonce uniqueness.
package validator

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/helm-relay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-relay/pkg/store/nonce"
)

// FreshnessWindow bounds |now - timestamp|. The bound is inclusive.
const FreshnessWindow = 300 * time.Second

// RequiredFields must be present and non-empty on every message.
var RequiredFields = []string{"sender_id", "receiver_id", "message_type", "timestamp", "nonce"}

const schemaURL = "https://relay.schemas.local/message.schema.json"

//go:embed message.schema.json
var messageSchema string

// State is where a message stands in validation.
type State string

const (
	StateReceived          State = "received"
	StateStructurallyValid State = "structurally_valid"
	StateTemporallyValid   State = "temporally_valid"
	StatePassed            State = "passed"
	StateRejected          State = "rejected"
)

// Result reports the final state and, once structure passed, the message.
type Result struct {
	State   State
	Message *contracts.Message
}

// Validator runs Received → StructurallyValid → TemporallyValid → Passed.
type Validator struct {
	schema *jsonschema.Schema
	nonces nonce.Ledger
	now    func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// New compiles the message schema and binds the nonce ledger.
func New(nonces nonce.Ledger, opts ...Option) (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(messageSchema)); err != nil {
		return nil, fmt.Errorf("message schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("message schema compile failed: %w", err)
	}
	v := &Validator{schema: compiled, nonces: nonces, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate runs every stage in order and stops at the first rejection. The
// returned error is a *contracts.RelayError.
func (v *Validator) Validate(ctx context.Context, raw []byte) (Result, error) {
	msg, err := v.CheckStructure(raw)
	if err != nil {
		return Result{State: StateRejected}, err
	}
	if err := v.CheckTimestamp(msg); err != nil {
		return Result{State: StateRejected, Message: msg}, err
	}
	if err := v.CheckNonce(ctx, msg); err != nil {
		return Result{State: StateRejected, Message: msg}, err
	}
	return Result{State: StatePassed, Message: msg}, nil
}

// CheckStructure decodes raw and verifies required fields and shape.
func (v *Validator) CheckStructure(raw []byte) (*contracts.Message, error) {
	doc, err := decodeNumbers(raw)
	if err != nil {
		return nil, contracts.WrapError(contracts.KindStructure, err, "message is not valid JSON")
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, contracts.NewError(contracts.KindStructure, "message is not a JSON object")
	}

	if missing := missingFields(obj); len(missing) > 0 {
		return nil, contracts.NewError(contracts.KindStructure, "missing required fields: %s", strings.Join(missing, ", "))
	}

	if err := v.schema.Validate(obj); err != nil {
		return nil, contracts.NewError(contracts.KindStructure, "malformed message: %s", schemaDetail(err))
	}

	var msg contracts.Message
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return nil, contracts.WrapError(contracts.KindStructure, err, "malformed message")
	}
	if math.IsNaN(msg.Timestamp) || math.IsInf(msg.Timestamp, 0) {
		return nil, contracts.NewError(contracts.KindStructure, "malformed message: timestamp is not finite")
	}
	return &msg, nil
}

// CheckTimestamp enforces the freshness window.
func (v *Validator) CheckTimestamp(msg *contracts.Message) error {
	now := contracts.TimeToSeconds(v.now())
	window := FreshnessWindow.Seconds()

	skew := now - msg.Timestamp
	switch {
	case skew > window:
		return contracts.WrapError(contracts.KindStaleOrFuture,
			&contracts.StaleOrFutureError{Direction: contracts.DirectionStale, SkewSecs: skew},
			"message timestamp outside %.0fs window", window)
	case -skew > window:
		return contracts.WrapError(contracts.KindStaleOrFuture,
			&contracts.StaleOrFutureError{Direction: contracts.DirectionFuture, SkewSecs: -skew},
			"message timestamp outside %.0fs window", window)
	}
	return nil
}

// CheckNonce reserves (sender, nonce). A second reservation is a replay.
func (v *Validator) CheckNonce(ctx context.Context, msg *contracts.Message) error {
	ok, err := v.nonces.Reserve(ctx, msg.SenderID, msg.Nonce)
	if err != nil {
		return contracts.WrapError(contracts.KindInternal, err, "nonce ledger unavailable")
	}
	if !ok {
		return contracts.NewError(contracts.KindReplay, "nonce already used by sender %s", msg.SenderID)
	}
	return nil
}

// DirectionOf extracts the stale/future direction from a validation error.
func DirectionOf(err error) contracts.Direction {
	var sf *contracts.StaleOrFutureError
	if errors.As(err, &sf) {
		return sf.Direction
	}
	return ""
}

func decodeNumbers(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return doc, nil
}

func missingFields(obj map[string]any) []string {
	var missing []string
	for _, f := range RequiredFields {
		val, ok := obj[f]
		if !ok || val == nil {
			missing = append(missing, f)
			continue
		}
		if s, isStr := val.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, f)
		}
	}
	sort.Strings(missing)
	return missing
}

// schemaDetail flattens a validation error to its leaf causes.
func schemaDetail(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var leaves []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			leaves = append(leaves, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(leaves)
	return strings.Join(leaves, "; ")
}
