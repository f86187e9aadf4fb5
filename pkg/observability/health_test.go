package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthTracker_EmptyIsHealthy(t *testing.T) {
	rep := NewHealthTracker(time.Hour).Report()
	assert.Equal(t, StatusHealthy, rep.Status)
	assert.Zero(t, rep.Observations)
}

func TestHealthTracker_DegradedAtTenPercent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tr := NewHealthTracker(time.Hour).WithClock(func() time.Time { return now })

	for i := 0; i < 10; i++ {
		tr.Record(Observation{Latency: time.Millisecond, Success: i != 0})
	}
	rep := tr.Report()
	assert.Equal(t, 1, rep.Failures)
	assert.InDelta(t, 0.10, rep.FailureRate, 1e-9)
	assert.Equal(t, StatusDegraded, rep.Status)

	tr.Record(Observation{Latency: time.Millisecond, Success: true})
	assert.Equal(t, StatusHealthy, tr.Report().Status, "1 of 11 is under 10%")
}

func TestHealthTracker_WindowPrunes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tr := NewHealthTracker(time.Minute).WithClock(func() time.Time { return now })

	tr.Record(Observation{Success: false, Timestamp: now.Add(-2 * time.Minute)})
	tr.Record(Observation{Success: true, Latency: 40 * time.Millisecond, Timestamp: now})

	rep := tr.Report()
	assert.Equal(t, 1, rep.Observations)
	assert.Equal(t, StatusHealthy, rep.Status)
	assert.InDelta(t, 40.0, rep.P99LatencyMs, 1e-9)
	assert.Equal(t, int64(60), rep.WindowSecs)
}
