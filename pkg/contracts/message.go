// Package contracts defines the wire types exchanged through the relay and the
// error kinds every stage reports.
package contracts

import "time"

// MessageType enumerates the message kinds components may exchange.
type MessageType string

const (
	MessageVerificationRequest MessageType = "verification_request"
	MessagePlan                MessageType = "plan"
	MessageExecute             MessageType = "execute"
	MessageConsensusUpdate     MessageType = "consensus_update"
	MessageHealthReport        MessageType = "health_report"
	MessageAlert               MessageType = "alert"
)

// AllMessageTypes lists every known message type in a stable order.
var AllMessageTypes = []MessageType{
	MessageVerificationRequest,
	MessagePlan,
	MessageExecute,
	MessageConsensusUpdate,
	MessageHealthReport,
	MessageAlert,
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	for _, known := range AllMessageTypes {
		if t == known {
			return true
		}
	}
	return false
}

// AlgorithmEd25519 is the only signature algorithm the relay accepts.
const AlgorithmEd25519 = "Ed25519"

// Signature accompanies a signed message or response.
type Signature struct {
	Algorithm      string  `json:"algorithm"`
	SignatureData  string  `json:"signature_data"` // base64, standard encoding
	PublicKeyID    string  `json:"public_key_id"`
	Timestamp      float64 `json:"timestamp"`
	KeyFingerprint string  `json:"key_fingerprint,omitempty"`
}

// Message is an inbound envelope. It is never mutated after decoding.
type Message struct {
	MessageID   string         `json:"message_id"`
	SenderID    string         `json:"sender_id"`
	ReceiverID  string         `json:"receiver_id"`
	MessageType MessageType    `json:"message_type"`
	Payload     map[string]any `json:"payload"`
	Timestamp   float64        `json:"timestamp"`
	Nonce       string         `json:"nonce"`
	Signature   *Signature     `json:"signature,omitempty"`
}

// Signed reports whether the message carries a signature block.
func (m *Message) Signed() bool {
	return m.Signature != nil
}

// SigningPayload returns the exact field set covered by a message signature.
func (m *Message) SigningPayload() map[string]any {
	payload := m.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"sender_id":    m.SenderID,
		"receiver_id":  m.ReceiverID,
		"message_type": string(m.MessageType),
		"payload":      payload,
		"timestamp":    m.Timestamp,
		"nonce":        m.Nonce,
	}
}

// Time converts the float seconds timestamp into a time.Time.
func (m *Message) Time() time.Time {
	return SecondsToTime(m.Timestamp)
}

// SecondsToTime converts Unix float seconds to a UTC time.
func SecondsToTime(s float64) time.Time {
	sec := int64(s)
	nsec := int64((s - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// TimeToSeconds converts a time to Unix float seconds.
func TimeToSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
