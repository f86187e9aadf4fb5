// Package router runs one inbound message through the relay pipeline and
// produces the signed response that goes back to the sender.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-relay/pkg/consensus"
	"github.com/Mindburn-Labs/helm-relay/pkg/constitution"
	"github.com/Mindburn-Labs/helm-relay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-relay/pkg/crypto"
	"github.com/Mindburn-Labs/helm-relay/pkg/registry"
	"github.com/Mindburn-Labs/helm-relay/pkg/store/ledger"
	"github.com/Mindburn-Labs/helm-relay/pkg/validator"
)

// Body annotations.
const (
	WarningUnsignedMessage = "unsigned_message"
	AnnotationVoteRecorded = "override_vote_recorded"
	BusStatusDelivered     = "delivered"
	unknownSender          = "unknown"
	genericSignatureDetail = "signature verification failed"
)

// Result is the outcome of routing one message.
type Result struct {
	Status    contracts.Status
	MessageID string
	SenderID  string
	Kind      contracts.ErrorKind // empty when accepted
	Detail    string
	Response  *contracts.Response
	Alert     *consensus.Alert
}

// Config wires the pipeline stages. Every field except Monitor and Deliverer
// is required.
type Config struct {
	RequireSignatures bool
	Validator         *validator.Validator
	Registry          *registry.Registry
	Verifier          *constitution.Verifier
	Monitor           *consensus.Monitor
	Deliverer         Deliverer
	Signer            *crypto.Signer
	Now               func() time.Time
}

// Router is safe for use by one poll loop at a time.
type Router struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// New validates cfg and returns a Router.
func New(cfg Config) (*Router, error) {
	switch {
	case cfg.Validator == nil:
		return nil, errors.New("router: validator is required")
	case cfg.Registry == nil:
		return nil, errors.New("router: registry is required")
	case cfg.Verifier == nil:
		return nil, errors.New("router: verifier is required")
	case cfg.Signer == nil:
		return nil, errors.New("router: signer is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.Deliverer == nil {
		cfg.Deliverer = DiscardDeliverer{}
	}
	return &Router{cfg: cfg, now: now, logger: slog.Default().With("component", "router")}, nil
}

// Route processes raw. fallbackID names the message when it carries no
// message_id (the artifact stem). The returned error is non-nil only when no
// response could be produced at all.
func (r *Router) Route(ctx context.Context, raw []byte, fallbackID string) (Result, error) {
	res := r.route(ctx, raw, fallbackID)
	resp, err := r.respond(res)
	if err != nil {
		return res.Result, err
	}
	res.Response = resp
	return res.Result, nil
}

type outcome struct {
	Result
	body      map[string]any
	direction contracts.Direction
}

func (r *Router) route(ctx context.Context, raw []byte, fallbackID string) outcome {
	msg, err := r.cfg.Validator.CheckStructure(raw)
	if err != nil {
		return r.reject(ctx, nil, fallbackID, err)
	}
	if err := r.cfg.Validator.CheckTimestamp(msg); err != nil {
		return r.reject(ctx, msg, fallbackID, err)
	}
	if err := r.cfg.Validator.CheckNonce(ctx, msg); err != nil {
		return r.reject(ctx, msg, fallbackID, err)
	}

	var warnings []string
	if msg.Signed() {
		if err := r.verifySignature(ctx, msg); err != nil {
			return r.reject(ctx, msg, fallbackID, err)
		}
	} else if r.cfg.RequireSignatures {
		return r.reject(ctx, msg, fallbackID, contracts.NewError(contracts.KindSignature, "signature required"))
	} else {
		warnings = append(warnings, WarningUnsignedMessage)
		r.logger.WarnContext(ctx, "unsigned message accepted", "sender_id", msg.SenderID, "message_id", messageID(msg, fallbackID))
	}

	verdict, err := r.cfg.Verifier.Check(ctx, msg)
	if err != nil {
		return r.reject(ctx, msg, fallbackID, contracts.WrapError(contracts.KindInternal, err, "verification ledger unavailable"))
	}
	if verdict.Outcome == ledger.OutcomeViolation {
		return r.rejected(ctx, msg, fallbackID,
			contracts.NewError(contracts.KindConstitutionalViolation, "rule %s: %s (record %s)",
				verdict.ViolatedRule, verdict.Detail, verdict.RecordID))
	}

	now := r.now()
	var annotations []string
	var alert *consensus.Alert
	if r.cfg.Monitor != nil {
		if vote, ok := consensus.VoteFrom(msg, now); ok {
			r.cfg.Monitor.Observe(vote)
			annotations = append(annotations, AnnotationVoteRecorded)
		}
		alert = r.cfg.Monitor.Evaluate(ctx, now)
	}

	if err := r.cfg.Deliverer.Deliver(ctx, msg, raw); err != nil {
		r.logger.ErrorContext(ctx, "delivery failed", "message_id", messageID(msg, fallbackID), "error", err)
		return r.rejected(ctx, msg, fallbackID, contracts.WrapError(contracts.KindInternal, err, "delivery failed"))
	}

	body := map[string]any{
		"original_message_id": messageID(msg, fallbackID),
		"original_sender":     msg.SenderID,
		"original_receiver":   msg.ReceiverID,
		"message_type":        string(msg.MessageType),
		"bus_status":          BusStatusDelivered,
		"routing_timestamp":   contracts.TimeToSeconds(now),
		"verdict_record_id":   verdict.RecordID,
	}
	if verdict.Kind == ledger.KindOverride {
		body["override_record_id"] = verdict.RecordID
		body["verdict_record_id"] = verdict.Supersedes
	}
	active, err := r.cfg.Verifier.ActiveViolations(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "active violations unavailable", "error", err)
	} else {
		body["active_violations"] = active
	}
	if len(warnings) > 0 {
		body["warnings"] = warnings
	}
	if len(annotations) > 0 {
		body["annotations"] = annotations
	}
	if alert != nil {
		body["consensus_alert_id"] = alert.AlertID
	}

	r.logger.InfoContext(ctx, "message routed",
		"message_id", messageID(msg, fallbackID),
		"sender_id", msg.SenderID,
		"receiver_id", msg.ReceiverID,
		"message_type", msg.MessageType,
	)
	return outcome{
		Result: Result{
			Status:    contracts.StatusAccepted,
			MessageID: messageID(msg, fallbackID),
			SenderID:  msg.SenderID,
			Alert:     alert,
		},
		body: body,
	}
}

// verifySignature resolves the key through the registry only. Every failure
// reason is collapsed to one generic SignatureError.
func (r *Router) verifySignature(ctx context.Context, msg *contracts.Message) error {
	pub, ok := r.cfg.Registry.PublicKey(msg.Signature.PublicKeyID)
	if !ok {
		r.logger.DebugContext(ctx, "signature rejected", "reason", "unknown key id", "sender_id", msg.SenderID)
		return contracts.NewError(contracts.KindSignature, genericSignatureDetail)
	}
	if err := crypto.VerifyDetailed(msg.SigningPayload(), *msg.Signature, pub); err != nil {
		r.logger.DebugContext(ctx, "signature rejected", "reason", err.Error(), "sender_id", msg.SenderID)
		return contracts.NewError(contracts.KindSignature, genericSignatureDetail)
	}
	return nil
}

// reject records a rejected verdict, then builds the rejection.
func (r *Router) reject(ctx context.Context, msg *contracts.Message, fallbackID string, err error) outcome {
	out := r.rejected(ctx, msg, fallbackID, err)

	var digest, sender string
	if msg != nil {
		sender = msg.SenderID
		if d, derr := constitution.Digest(msg); derr == nil {
			digest = d
		}
	}
	if _, lerr := r.cfg.Verifier.RecordOutcome(ctx, out.MessageID, sender, digest, out.Kind, out.Detail); lerr != nil {
		r.logger.ErrorContext(ctx, "failed to record rejection", "message_id", out.MessageID, "error", lerr)
	}
	return out
}

func (r *Router) rejected(ctx context.Context, msg *contracts.Message, fallbackID string, err error) outcome {
	kind := contracts.KindOf(err)
	detail := err.Error()
	var re *contracts.RelayError
	if errors.As(err, &re) {
		detail = re.Detail
	}
	out := outcome{
		Result: Result{
			Status:    contracts.StatusRejected,
			MessageID: messageID(msg, fallbackID),
			Kind:      kind,
			Detail:    detail,
		},
		direction: validator.DirectionOf(err),
	}
	if msg != nil {
		out.SenderID = msg.SenderID
	}
	r.logger.InfoContext(ctx, "message rejected", "message_id", out.MessageID, "kind", kind, "detail", detail)
	return out
}

func (r *Router) respond(out outcome) (*contracts.Response, error) {
	resp := &contracts.Response{
		From:         r.cfg.Registry.RelayID(),
		To:           out.SenderID,
		Timestamp:    contracts.TimeToSeconds(r.now()),
		ResponseType: contracts.ResponseTypeRouting,
		MessageID:    out.MessageID,
		Status:       out.Status,
		Nonce:        uuid.New().String(),
	}
	if resp.To == "" {
		resp.To = unknownSender
	}
	if out.Status == contracts.StatusAccepted {
		resp.Body = out.body
	} else {
		resp.ResponseType = contracts.ResponseTypeError
		resp.Error = &contracts.ErrorBody{Kind: out.Kind, Detail: out.Detail, Direction: out.direction}
	}

	sig, err := r.cfg.Signer.Sign(resp.SigningPayload())
	if err != nil {
		return nil, fmt.Errorf("sign response: %w", err)
	}
	resp.Signature = &sig
	return resp, nil
}

func messageID(msg *contracts.Message, fallback string) string {
	if msg != nil && msg.MessageID != "" {
		return msg.MessageID
	}
	return fallback
}
