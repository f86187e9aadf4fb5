package constitution

import (
	"encoding/json"
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/google/cel-go/cel"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/helm-relay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-relay/pkg/registry"
)

// Rule identifiers, in evaluation order.
const (
	RuleSenderRegistered       = "sender-registered"
	RuleReceiverRegistered     = "receiver-registered"
	RuleRelayImpersonation     = "relay-impersonation"
	RuleNoSelfAddressing       = "no-self-addressing"
	RuleCanonicalIdentifiers   = "canonical-identifiers"
	RuleSendCapability         = "send-capability"
	RuleReceiveCapability      = "receive-capability"
	RuleSignerBinding          = "signer-binding"
	RulePayloadEchoConsistency = "payload-echo-consistency"
	RuleContentReference       = "content-reference"
)

// view is what every rule sees of a message.
type view struct {
	msg      *contracts.Message
	sender   registry.Component
	receiver registry.Component
	senderOK bool
	recvOK   bool
	relayID  string
}

func (v *view) activation() map[string]any {
	sigKeyID := ""
	if v.msg.Signature != nil {
		sigKeyID = v.msg.Signature.PublicKeyID
	}
	return map[string]any{
		"msg": map[string]any{
			"sender_id":        v.msg.SenderID,
			"receiver_id":      v.msg.ReceiverID,
			"message_type":     string(v.msg.MessageType),
			"payload":          celValue(v.msg.Payload),
			"signed":           v.msg.Signed(),
			"signature_key_id": sigKeyID,
			"sender_key_id":    v.sender.KeyID,
			"sender_role":      string(v.sender.Role),
			"receiver_role":    string(v.receiver.Role),
			"relay_id":         v.relayID,
		},
	}
}

// rule is either a structural Go check or a compiled CEL predicate. Both
// return a detail string when violated.
type rule struct {
	id          string
	description string
	check       func(v *view) (ok bool, detail string)
	expr        string
	program     cel.Program
}

var celRules = map[string]string{
	RuleRelayImpersonation: `msg.sender_id != msg.relay_id`,
	RuleNoSelfAddressing:   `msg.sender_id != msg.receiver_id`,
	RuleSignerBinding:      `!msg.signed || msg.signature_key_id == msg.sender_key_id`,
	RulePayloadEchoConsistency: `(!has(msg.payload.sender_id) || msg.payload.sender_id == msg.sender_id) &&
		(!has(msg.payload.receiver_id) || msg.payload.receiver_id == msg.receiver_id) &&
		(!has(msg.payload.message_type) || msg.payload.message_type == msg.message_type)`,
	RuleContentReference: `!has(msg.payload.content_reference) ||
		(type(msg.payload.content_reference) == string && size(msg.payload.content_reference) > 0)`,
}

// buildRules compiles the fixed rule list. There is no way to extend it.
func buildRules() ([]rule, error) {
	env, err := cel.NewEnv(cel.Variable("msg", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	rules := []rule{
		{id: RuleSenderRegistered, description: "sender must be a registered component", check: func(v *view) (bool, string) {
			return v.senderOK, fmt.Sprintf("sender %q is not registered", v.msg.SenderID)
		}},
		{id: RuleReceiverRegistered, description: "receiver must be a registered component", check: func(v *view) (bool, string) {
			return v.recvOK, fmt.Sprintf("receiver %q is not registered", v.msg.ReceiverID)
		}},
		{id: RuleRelayImpersonation, description: "no component may send as the relay", expr: celRules[RuleRelayImpersonation]},
		{id: RuleNoSelfAddressing, description: "sender and receiver must differ", expr: celRules[RuleNoSelfAddressing]},
		{id: RuleCanonicalIdentifiers, description: "identifiers must be NFC with no control or space runes", check: func(v *view) (bool, string) {
			for _, id := range []string{v.msg.SenderID, v.msg.ReceiverID} {
				if !canonicalIdentifier(id) {
					return false, fmt.Sprintf("identifier %q is not canonical", id)
				}
			}
			return true, ""
		}},
		{id: RuleSendCapability, description: "sender role must be allowed to send the message type", check: func(v *view) (bool, string) {
			return registry.CanSend(v.sender.Role, v.msg.MessageType),
				fmt.Sprintf("role %s may not send %s", v.sender.Role, v.msg.MessageType)
		}},
		{id: RuleReceiveCapability, description: "receiver role must be allowed to receive the message type", check: func(v *view) (bool, string) {
			return registry.CanReceive(v.receiver.Role, v.msg.MessageType),
				fmt.Sprintf("role %s may not receive %s", v.receiver.Role, v.msg.MessageType)
		}},
		{id: RuleSignerBinding, description: "a signature must come from the sender's registered key", expr: celRules[RuleSignerBinding]},
		{id: RulePayloadEchoConsistency, description: "identity fields echoed in the payload must match the envelope", expr: celRules[RulePayloadEchoConsistency]},
		{id: RuleContentReference, description: "content_reference, when present, must be a non-empty string", expr: celRules[RuleContentReference]},
	}

	for i := range rules {
		if rules[i].expr == "" {
			continue
		}
		ast, issues := env.Compile(rules[i].expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile rule %s: %w", rules[i].id, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("program rule %s: %w", rules[i].id, err)
		}
		rules[i].program = prg
	}
	return rules, nil
}

// eval runs one rule. CEL errors count as violations.
func (r *rule) eval(v *view, act map[string]any) (bool, string) {
	if r.check != nil {
		ok, detail := r.check(v)
		if ok {
			return true, ""
		}
		return false, detail
	}
	out, _, err := r.program.Eval(act)
	if err != nil {
		return false, fmt.Sprintf("%s: evaluation failed", r.description)
	}
	allowed, ok := out.Value().(bool)
	if !ok || !allowed {
		return false, r.description
	}
	return true, ""
}

func canonicalIdentifier(id string) bool {
	if !utf8.ValidString(id) || !norm.NFC.IsNormalString(id) {
		return false
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// celValue converts decoded JSON into values the CEL type adapter understands.
func celValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = celValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = celValue(val)
		}
		return out
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case nil:
		return nil
	default:
		return t
	}
}
