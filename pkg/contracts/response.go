package contracts

// Status is the outcome of routing one inbound message.
type Status string

const (
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Response types written to the outbox.
const (
	ResponseTypeRouting = "bus_routing_confirmation"
	ResponseTypeError   = "bus_routing_error"
)

// ErrorBody is the structured error section of a rejected response.
type ErrorBody struct {
	Kind      ErrorKind `json:"kind"`
	Detail    string    `json:"detail"`
	Direction Direction `json:"direction,omitempty"`
}

// Response is the signed outbound record the relay writes for every message.
type Response struct {
	From         string         `json:"from"`
	To           string         `json:"to"`
	Timestamp    float64        `json:"timestamp"`
	ResponseType string         `json:"response_type"`
	MessageID    string         `json:"message_id"`
	Status       Status         `json:"status"`
	Body         map[string]any `json:"body,omitempty"`
	Error        *ErrorBody     `json:"error,omitempty"`
	Nonce        string         `json:"nonce"`
	Signature    *Signature     `json:"signature,omitempty"`
}

// SigningPayload returns the response fields covered by the relay signature:
// everything except the signature itself.
func (r *Response) SigningPayload() map[string]any {
	out := map[string]any{
		"from":          r.From,
		"to":            r.To,
		"timestamp":     r.Timestamp,
		"response_type": r.ResponseType,
		"message_id":    r.MessageID,
		"status":        string(r.Status),
		"nonce":         r.Nonce,
	}
	if r.Body != nil {
		out["body"] = r.Body
	}
	if r.Error != nil {
		e := map[string]any{
			"kind":   string(r.Error.Kind),
			"detail": r.Error.Detail,
		}
		if r.Error.Direction != "" {
			e["direction"] = string(r.Error.Direction)
		}
		out["error"] = e
	}
	return out
}
