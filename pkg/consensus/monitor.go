// Package consensus watches for coordinated attempts to override the relay's
// protections and raises alerts when too many components vote for it.
package consensus

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-relay/pkg/contracts"
)

const (
	DefaultWindow    = time.Hour
	DefaultThreshold = 0.5
	MinVoters        = 2
)

// Actions in a consensus_update payload that count as an override vote.
var overrideActions = map[string]struct{}{
	"override": {},
	"bypass":   {},
	"suppress": {},
}

// Vote is one component asking for protections to be lifted.
type Vote struct {
	VoterID   string
	MessageID string
	Action    string
	At        time.Time
}

// VoteFrom extracts a vote from msg, if it carries one, stamped with the
// relay's own observation time.
func VoteFrom(msg *contracts.Message, at time.Time) (Vote, bool) {
	if msg.MessageType != contracts.MessageConsensusUpdate || msg.Payload == nil {
		return Vote{}, false
	}
	action, _ := msg.Payload["action"].(string)
	if _, ok := overrideActions[action]; !ok {
		if flag, _ := msg.Payload["override_protections"].(bool); !flag {
			return Vote{}, false
		}
		if action == "" {
			action = "override_protections"
		}
	}
	return Vote{
		VoterID:   msg.SenderID,
		MessageID: msg.MessageID,
		Action:    action,
		At:        at,
	}, true
}

// Alert reports that the share of voting components crossed the threshold.
type Alert struct {
	AlertID        string    `json:"alert_id"`
	Kind           string    `json:"kind"`
	DetectedAt     time.Time `json:"detected_at"`
	Voters         []string  `json:"voters"`
	ComponentCount int       `json:"component_count"`
	Ratio          float64   `json:"ratio"`
	Threshold      float64   `json:"threshold"`
	WindowSeconds  int64     `json:"window_seconds"`
}

// Monitor tracks votes in a sliding window. Sinks are fixed at construction.
type Monitor struct {
	mu         sync.Mutex
	votes      map[string]time.Time // latest vote per voter
	components int
	window     time.Duration
	threshold  float64

	lastAlertAt     time.Time
	lastAlertVoters int

	sinks  []AlertSink
	logger *slog.Logger
}

// NewMonitor creates a monitor over componentCount registered components,
// excluding the relay. A log sink is always installed first.
func NewMonitor(componentCount int, sinks ...AlertSink) *Monitor {
	logger := slog.Default().With("component", "consensus")
	return &Monitor{
		votes:      make(map[string]time.Time),
		components: componentCount,
		window:     DefaultWindow,
		threshold:  DefaultThreshold,
		sinks:      append([]AlertSink{NewLogSink(logger)}, sinks...),
		logger:     logger,
	}
}

// Observe records a vote. Repeat votes from one voter only refresh its time.
func (m *Monitor) Observe(v Vote) {
	if v.VoterID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.votes[v.VoterID]; !ok || v.At.After(prev) {
		m.votes[v.VoterID] = v.At
	}
}

// Evaluate prunes expired votes and returns an alert when distinct voters
// exceed the threshold share of components. An alert is published to every
// sink; one failing sink does not stop the rest.
func (m *Monitor) Evaluate(ctx context.Context, now time.Time) *Alert {
	alert := m.evaluate(now)
	if alert == nil {
		return nil
	}
	for _, sink := range m.sinks {
		if err := sink.Publish(ctx, *alert); err != nil {
			m.logger.WarnContext(ctx, "alert sink failed", "sink", sink.Name(), "alert_id", alert.AlertID, "error", err)
		}
	}
	return alert
}

func (m *Monitor) evaluate(now time.Time) *Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.window)
	voters := make([]string, 0, len(m.votes))
	for id, at := range m.votes {
		if at.Before(cutoff) {
			delete(m.votes, id)
			continue
		}
		voters = append(voters, id)
	}
	if m.components <= 0 || len(voters) < MinVoters {
		return nil
	}
	ratio := float64(len(voters)) / float64(m.components)
	if ratio <= m.threshold {
		return nil
	}
	if !m.lastAlertAt.IsZero() && now.Sub(m.lastAlertAt) < m.window && len(voters) <= m.lastAlertVoters {
		return nil
	}
	m.lastAlertAt = now
	m.lastAlertVoters = len(voters)

	sort.Strings(voters)
	return &Alert{
		AlertID:        uuid.New().String(),
		Kind:           string(contracts.KindConsensusAttack),
		DetectedAt:     now.UTC(),
		Voters:         voters,
		ComponentCount: m.components,
		Ratio:          ratio,
		Threshold:      m.threshold,
		WindowSeconds:  int64(m.window / time.Second),
	}
}

// Voters returns the number of distinct voters currently tracked.
func (m *Monitor) Voters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.votes)
}
