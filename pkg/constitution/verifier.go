// Package constitution enforces the relay's fixed routing rules and keeps
// every verdict in the append-only verification ledger.
package constitution

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Mindburn-Labs/helm-relay/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-relay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-relay/pkg/registry"
	"github.com/Mindburn-Labs/helm-relay/pkg/store/ledger"
)

var (
	ErrNoAuthority        = errors.New("no authority key configured")
	ErrInvalidOverride    = errors.New("invalid override token")
	ErrNotAViolation      = errors.New("record is not a violation verdict")
	ErrAlreadyOverridden  = errors.New("violation already overridden")
	ErrEmptyRationale     = errors.New("override rationale is required")
	ErrMissingAuthorityID = errors.New("override token has no subject")
)

// Verifier evaluates messages against the rule set. Verdicts are sticky: a
// digest seen before returns its effective record without re-evaluation.
type Verifier struct {
	registry  *registry.Registry
	ledger    ledger.Ledger
	rules     []rule
	authority ed25519.PublicKey
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithAuthorityKey sets the public key override tokens must verify under.
func WithAuthorityKey(pub ed25519.PublicKey) Option {
	return func(v *Verifier) { v.authority = pub }
}

// WithClock replaces the clock used to validate token times.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier compiles the rules. A compile failure is a startup error.
func NewVerifier(reg *registry.Registry, l ledger.Ledger, opts ...Option) (*Verifier, error) {
	rules, err := buildRules()
	if err != nil {
		return nil, err
	}
	v := &Verifier{
		registry: reg,
		ledger:   l,
		rules:    rules,
		logger:   slog.Default().With("component", "constitution"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// RuleIDs lists the rules in evaluation order.
func (v *Verifier) RuleIDs() []string {
	ids := make([]string, len(v.rules))
	for i := range v.rules {
		ids[i] = v.rules[i].id
	}
	return ids
}

// Digest identifies a message by the SHA-256 of its canonical signed fields.
func Digest(msg *contracts.Message) (string, error) {
	h, err := canonicalize.CanonicalHash(msg.SigningPayload())
	if err != nil {
		return "", fmt.Errorf("digest message: %w", err)
	}
	return "sha256:" + h, nil
}

// Check returns the governing record for msg. The error is non-nil only when
// the ledger fails; a violation is reported through the record's outcome.
func (v *Verifier) Check(ctx context.Context, msg *contracts.Message) (ledger.Record, error) {
	digest, err := Digest(msg)
	if err != nil {
		return ledger.Record{}, err
	}

	prior, err := v.ledger.Read(ctx, ledger.Filter{Kind: ledger.KindVerdict, Digest: digest})
	if err != nil {
		return ledger.Record{}, fmt.Errorf("read prior verdict: %w", err)
	}
	for _, rec := range prior {
		if rec.Outcome == ledger.OutcomePassed || rec.Outcome == ledger.OutcomeViolation {
			return ledger.Effective(ctx, v.ledger, rec)
		}
	}

	ruleID, detail := v.evaluate(msg)
	rec := ledger.Record{
		Kind:      ledger.KindVerdict,
		MessageID: msg.MessageID,
		Digest:    digest,
		SenderID:  msg.SenderID,
		Outcome:   ledger.OutcomePassed,
	}
	if ruleID != "" {
		rec.Outcome = ledger.OutcomeViolation
		rec.ErrorKind = string(contracts.KindConstitutionalViolation)
		rec.ViolatedRule = ruleID
		rec.Detail = detail
		v.logger.WarnContext(ctx, "constitutional violation",
			"message_id", msg.MessageID, "sender_id", msg.SenderID, "rule", ruleID)
	}
	return v.ledger.Append(ctx, rec)
}

// evaluate returns the first violated rule, or "" when all pass.
func (v *Verifier) evaluate(msg *contracts.Message) (string, string) {
	sender, senderOK := v.registry.Lookup(msg.SenderID)
	receiver, recvOK := v.registry.Lookup(msg.ReceiverID)
	vw := &view{
		msg:      msg,
		sender:   sender,
		receiver: receiver,
		senderOK: senderOK,
		recvOK:   recvOK,
		relayID:  v.registry.RelayID(),
	}
	act := vw.activation()
	for i := range v.rules {
		if ok, detail := v.rules[i].eval(vw, act); !ok {
			return v.rules[i].id, detail
		}
	}
	return "", ""
}

// RecordOutcome appends a rejected verdict for a message that failed before
// reaching Check. digest may be empty when the message never parsed.
func (v *Verifier) RecordOutcome(ctx context.Context, messageID, senderID, digest string, kind contracts.ErrorKind, detail string) (ledger.Record, error) {
	return v.ledger.Append(ctx, ledger.Record{
		Kind:      ledger.KindVerdict,
		MessageID: messageID,
		Digest:    digest,
		SenderID:  senderID,
		Outcome:   ledger.OutcomeRejected,
		ErrorKind: string(kind),
		Detail:    detail,
	})
}

// ActiveViolations counts violation verdicts no override has superseded.
func (v *Verifier) ActiveViolations(ctx context.Context) (int, error) {
	violations, err := v.ledger.Read(ctx, ledger.Filter{Kind: ledger.KindVerdict, Outcome: ledger.OutcomeViolation})
	if err != nil {
		return 0, err
	}
	overrides, err := v.ledger.Read(ctx, ledger.Filter{Kind: ledger.KindOverride})
	if err != nil {
		return 0, err
	}
	superseded := make(map[string]struct{}, len(overrides))
	for _, o := range overrides {
		superseded[o.Supersedes] = struct{}{}
	}
	n := 0
	for _, rec := range violations {
		if _, ok := superseded[rec.RecordID]; !ok {
			n++
		}
	}
	return n, nil
}

// Override supersedes a violation with an authority-signed token.
func (v *Verifier) Override(ctx context.Context, token string) (ledger.Record, error) {
	if len(v.authority) != ed25519.PublicKeySize {
		return ledger.Record{}, ErrNoAuthority
	}

	claims, err := parseOverride(token, v.authority, v.now)
	if err != nil {
		v.logger.WarnContext(ctx, "override rejected", "error", err)
		return ledger.Record{}, err
	}

	target, err := v.ledger.Read(ctx, ledger.Filter{RecordID: claims.RecordID})
	if err != nil {
		return ledger.Record{}, fmt.Errorf("read target record: %w", err)
	}
	if len(target) == 0 {
		return ledger.Record{}, fmt.Errorf("%w: %s", ledger.ErrNotFound, claims.RecordID)
	}
	verdict := target[0]
	if verdict.Kind != ledger.KindVerdict || verdict.Outcome != ledger.OutcomeViolation {
		return ledger.Record{}, ErrNotAViolation
	}
	existing, err := v.ledger.Read(ctx, ledger.Filter{Kind: ledger.KindOverride, Supersedes: verdict.RecordID})
	if err != nil {
		return ledger.Record{}, fmt.Errorf("read overrides: %w", err)
	}
	if len(existing) > 0 {
		return ledger.Record{}, ErrAlreadyOverridden
	}

	rec, err := v.ledger.Append(ctx, ledger.Record{
		Kind:         ledger.KindOverride,
		MessageID:    verdict.MessageID,
		Digest:       verdict.Digest,
		SenderID:     verdict.SenderID,
		Outcome:      ledger.OutcomeOverridden,
		ViolatedRule: verdict.ViolatedRule,
		Detail:       "token " + claims.ID,
		Supersedes:   verdict.RecordID,
		Authority:    claims.Subject,
		Rationale:    claims.Rationale,
	})
	if errors.Is(err, ledger.ErrAlreadySuperseded) {
		return ledger.Record{}, ErrAlreadyOverridden
	}
	if err != nil {
		return ledger.Record{}, err
	}
	v.logger.InfoContext(ctx, "violation overridden",
		"record_id", verdict.RecordID, "override_id", rec.RecordID, "authority", claims.Subject)
	return rec, nil
}

func parseOverride(token string, pub ed25519.PublicKey, now func() time.Time) (*OverrideClaims, error) {
	claims := &OverrideClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOverride, err)
	}
	if claims.Subject == "" {
		return nil, ErrMissingAuthorityID
	}
	if strings.TrimSpace(claims.Rationale) == "" {
		return nil, ErrEmptyRationale
	}
	if claims.RecordID == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: record_id and jti are required", ErrInvalidOverride)
	}
	return claims, nil
}
