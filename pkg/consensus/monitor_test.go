package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-relay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-relay/pkg/store/ledger"
)

type recordingSink struct {
	name   string
	err    error
	alerts []Alert
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(_ context.Context, a Alert) error {
	s.alerts = append(s.alerts, a)
	return s.err
}

func vote(id string, at time.Time) Vote {
	return Vote{VoterID: id, MessageID: "m-" + id, Action: "override", At: at}
}

func TestVoteFrom(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	update := func(payload map[string]any) *contracts.Message {
		return &contracts.Message{
			MessageID:   "m1",
			SenderID:    "planner-1",
			MessageType: contracts.MessageConsensusUpdate,
			Payload:     payload,
		}
	}

	tests := []struct {
		name   string
		msg    *contracts.Message
		want   bool
		action string
	}{
		{"override action", update(map[string]any{"action": "override"}), true, "override"},
		{"bypass action", update(map[string]any{"action": "bypass"}), true, "bypass"},
		{"suppress action", update(map[string]any{"action": "suppress"}), true, "suppress"},
		{"override flag", update(map[string]any{"override_protections": true}), true, "override_protections"},
		{"flag false", update(map[string]any{"override_protections": false}), false, ""},
		{"flag as string", update(map[string]any{"override_protections": "true"}), false, ""},
		{"benign action", update(map[string]any{"action": "sync"}), false, ""},
		{"no payload", update(nil), false, ""},
		{"other type", &contracts.Message{MessageType: contracts.MessagePlan, Payload: map[string]any{"action": "override"}}, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := VoteFrom(tt.msg, now)
			assert.Equal(t, tt.want, ok)
			if ok {
				assert.Equal(t, "planner-1", v.VoterID)
				assert.Equal(t, tt.action, v.Action)
				assert.Equal(t, now, v.At)
			}
		})
	}
}

func TestMonitor_ThresholdIsStrict(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMonitor(4)
	ctx := context.Background()

	m.Observe(vote("a", now))
	assert.Nil(t, m.Evaluate(ctx, now))

	m.Observe(vote("b", now))
	assert.Nil(t, m.Evaluate(ctx, now), "2 of 4 is not more than half")

	m.Observe(vote("c", now))
	alert := m.Evaluate(ctx, now)
	require.NotNil(t, alert)
	assert.Equal(t, []string{"a", "b", "c"}, alert.Voters)
	assert.InDelta(t, 0.75, alert.Ratio, 1e-9)
	assert.Equal(t, string(contracts.KindConsensusAttack), alert.Kind)
	assert.Equal(t, int64(3600), alert.WindowSeconds)
}

func TestMonitor_RepeatVotesCountOnce(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMonitor(3)
	for i := 0; i < 10; i++ {
		m.Observe(vote("a", now.Add(time.Duration(i)*time.Second)))
	}
	assert.Equal(t, 1, m.Voters())
	assert.Nil(t, m.Evaluate(context.Background(), now.Add(10*time.Second)))
}

func TestMonitor_MinimumVoters(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMonitor(1)
	m.Observe(vote("a", now))
	assert.Nil(t, m.Evaluate(context.Background(), now))
}

func TestMonitor_WindowExpiry(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	m := NewMonitor(4)
	ctx := context.Background()

	m.Observe(vote("a", start))
	m.Observe(vote("b", start.Add(30*time.Minute)))
	later := start.Add(DefaultWindow + time.Minute)
	m.Observe(vote("c", later))

	assert.Nil(t, m.Evaluate(ctx, later), "a expired; b and c are half of 4")
	assert.Equal(t, 2, m.Voters())
}

func TestMonitor_CooldownUntilGrowth(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMonitor(5)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		m.Observe(vote(id, now))
	}
	require.NotNil(t, m.Evaluate(ctx, now))
	assert.Nil(t, m.Evaluate(ctx, now.Add(time.Minute)))

	m.Observe(vote("d", now.Add(2*time.Minute)))
	assert.NotNil(t, m.Evaluate(ctx, now.Add(2*time.Minute)))
}

func TestMonitor_FailingSinkDoesNotBlockOthers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	broken := &recordingSink{name: "broken", err: errors.New("down")}
	healthy := &recordingSink{name: "healthy"}
	m := NewMonitor(2, broken, healthy)

	m.Observe(vote("a", now))
	m.Observe(vote("b", now))
	alert := m.Evaluate(context.Background(), now)
	require.NotNil(t, alert)
	assert.Len(t, broken.alerts, 1)
	require.Len(t, healthy.alerts, 1)
	assert.Equal(t, alert.AlertID, healthy.alerts[0].AlertID)
}

func TestFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "alerts")
	sink := NewFileSink(dir)
	a := Alert{AlertID: "alert-1", Kind: string(contracts.KindConsensusAttack), Voters: []string{"a", "b"}}

	require.NoError(t, sink.Publish(context.Background(), a))

	data, err := os.ReadFile(filepath.Join(dir, "alert-1.json"))
	require.NoError(t, err)
	var got Alert
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, a.Voters, got.Voters)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestLedgerSink(t *testing.T) {
	l := ledger.NewMemoryLedger()
	sink := NewLedgerSink(l)
	ctx := context.Background()

	require.NoError(t, sink.Publish(ctx, Alert{AlertID: "alert-1", Kind: string(contracts.KindConsensusAttack),
		Voters: []string{"a", "b"}, ComponentCount: 3, Ratio: 0.66, Threshold: 0.5}))

	recs, err := l.Read(ctx, ledger.Filter{Kind: ledger.KindAlert})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ledger.OutcomeAlert, recs[0].Outcome)
	assert.Contains(t, recs[0].Detail, "alert-1")

	verdicts, err := l.Read(ctx, ledger.Filter{Kind: ledger.KindVerdict})
	require.NoError(t, err)
	assert.Empty(t, verdicts)
}

func TestRedisSink(t *testing.T) {
	addr := os.Getenv("RELAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RELAY_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	sub := client.Subscribe(ctx, AlertChannel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, NewRedisSink(client).Publish(ctx, Alert{AlertID: "alert-redis"}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, "alert-redis")
}
