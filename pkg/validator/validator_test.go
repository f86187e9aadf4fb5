package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-relay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-relay/pkg/store/nonce"
)

var fixedNow = time.Unix(1700000000, 0)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New(nonce.NewMemoryLedger(), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return v
}

func message(overrides map[string]any) []byte {
	m := map[string]any{
		"message_id":   "m-1",
		"sender_id":    "planner-1",
		"receiver_id":  "executor-1",
		"message_type": "plan",
		"payload":      map[string]any{"steps": []any{"a"}},
		"timestamp":    float64(fixedNow.Unix()),
		"nonce":        "nonce-1",
	}
	for k, v := range overrides {
		if v == nil {
			delete(m, k)
			continue
		}
		m[k] = v
	}
	b, _ := json.Marshal(m)
	return b
}

func TestValidate_Passes(t *testing.T) {
	v := newValidator(t)
	res, err := v.Validate(context.Background(), message(nil))
	require.NoError(t, err)
	assert.Equal(t, StatePassed, res.State)
	assert.Equal(t, "planner-1", res.Message.SenderID)
	assert.Equal(t, contracts.MessagePlan, res.Message.MessageType)
	assert.False(t, res.Message.Signed())
}

func TestValidate_MissingFieldsNamed(t *testing.T) {
	v := newValidator(t)
	_, err := v.Validate(context.Background(), message(map[string]any{"nonce": nil, "sender_id": ""}))
	require.ErrorIs(t, err, contracts.ErrStructure)
	assert.Contains(t, err.Error(), "missing required fields: nonce, sender_id")
}

func TestValidate_MalformedShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"not json", []byte(`{"sender_id":`)},
		{"array", []byte(`[1,2]`)},
		{"trailing data", append(message(nil), []byte(`{}`)...)},
		{"unknown type", message(map[string]any{"message_type": "takeover"})},
		{"payload not object", message(map[string]any{"payload": "text"})},
		{"timestamp string", message(map[string]any{"timestamp": "yesterday"})},
		{"signature missing data", message(map[string]any{"signature": map[string]any{
			"algorithm": "Ed25519", "public_key_id": "k", "timestamp": 1.0,
		}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newValidator(t).Validate(context.Background(), tt.raw)
			require.ErrorIs(t, err, contracts.ErrStructure)
		})
	}
}

func TestValidate_PayloadAbsentOrNull(t *testing.T) {
	absent := message(map[string]any{"payload": nil})
	explicitNull, err := json.Marshal(contracts.Message{
		MessageID: "m-1", SenderID: "planner-1", ReceiverID: "executor-1",
		MessageType: contracts.MessagePlan, Timestamp: float64(fixedNow.Unix()), Nonce: "nonce-2",
	})
	require.NoError(t, err)
	require.Contains(t, string(explicitNull), `"payload":null`)

	for name, raw := range map[string][]byte{"absent": absent, "null": explicitNull} {
		t.Run(name, func(t *testing.T) {
			res, err := newValidator(t).Validate(context.Background(), raw)
			require.NoError(t, err)
			assert.Equal(t, StatePassed, res.State)
			assert.Nil(t, res.Message.Payload)
			assert.Equal(t, map[string]any{}, res.Message.SigningPayload()["payload"])
		})
	}
}

func TestValidate_NullSignatureIsUnsigned(t *testing.T) {
	raw := []byte(fmt.Sprintf(`{"sender_id":"a","receiver_id":"b","message_type":"alert","timestamp":%d,"nonce":"n","signature":null}`, fixedNow.Unix()))
	res, err := newValidator(t).Validate(context.Background(), raw)
	require.NoError(t, err)
	assert.False(t, res.Message.Signed())
}

func TestValidate_TimestampWindowBoundaries(t *testing.T) {
	now := float64(fixedNow.Unix())
	tests := []struct {
		name      string
		ts        float64
		wantErr   bool
		direction contracts.Direction
	}{
		{"exactly 300s old", now - 300, false, ""},
		{"exactly 300s ahead", now + 300, false, ""},
		{"301s old", now - 301, true, contracts.DirectionStale},
		{"301s ahead", now + 301, true, contracts.DirectionFuture},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newValidator(t)
			_, err := v.Validate(context.Background(), message(map[string]any{
				"timestamp": tt.ts,
				"nonce":     fmt.Sprintf("n-%d", i),
			}))
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, contracts.ErrStaleOrFuture)
			assert.Equal(t, tt.direction, DirectionOf(err))
		})
	}
}

func TestValidate_ReplayRejected(t *testing.T) {
	v := newValidator(t)
	ctx := context.Background()

	_, err := v.Validate(ctx, message(nil))
	require.NoError(t, err)

	_, err = v.Validate(ctx, message(nil))
	require.ErrorIs(t, err, contracts.ErrReplay)

	// Same nonce from a different sender is fine.
	_, err = v.Validate(ctx, message(map[string]any{"sender_id": "planner-2"}))
	require.NoError(t, err)
}

func TestValidate_StaleMessageDoesNotBurnNonce(t *testing.T) {
	v := newValidator(t)
	ctx := context.Background()

	_, err := v.Validate(ctx, message(map[string]any{"timestamp": float64(fixedNow.Unix() - 1000)}))
	require.ErrorIs(t, err, contracts.ErrStaleOrFuture)

	_, err = v.Validate(ctx, message(nil))
	require.NoError(t, err)
}

func TestValidate_PreservesLargeIntegers(t *testing.T) {
	raw := []byte(fmt.Sprintf(`{"sender_id":"a","receiver_id":"b","message_type":"plan","timestamp":%d,"nonce":"n","payload":{"big":12345678901234567890}}`, fixedNow.Unix()))
	res, err := newValidator(t).Validate(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, json.Number("12345678901234567890"), res.Message.Payload["big"])
}

func TestValidate_WindowProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	v := newValidator(t)
	now := float64(fixedNow.Unix())

	properties.Property("accepted iff |now - ts| <= 300", prop.ForAll(
		func(offset int64) bool {
			msg := &contracts.Message{Timestamp: now + float64(offset)}
			err := v.CheckTimestamp(msg)
			inside := offset >= -300 && offset <= 300
			return (err == nil) == inside
		},
		gen.Int64Range(-1000, 1000),
	))

	properties.TestingRun(t)
}
