package observability

import (
	"sort"
	"sync"
	"time"
)

// Wellbeing states.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// DegradedFailureRate is the failure share at which the relay reports degraded.
const DegradedFailureRate = 0.10

// Observation is one processed artifact.
type Observation struct {
	Latency   time.Duration
	Success   bool
	Timestamp time.Time
}

// HealthReport summarizes the observations inside the window.
type HealthReport struct {
	Status       string  `json:"status"`
	Observations int     `json:"observations"`
	Failures     int     `json:"failures"`
	FailureRate  float64 `json:"failure_rate"`
	P99LatencyMs float64 `json:"p99_latency_ms"`
	WindowSecs   int64   `json:"window_seconds"`
}

// HealthTracker keeps a rolling window of observations.
type HealthTracker struct {
	mu           sync.Mutex
	window       time.Duration
	observations []Observation
	clock        func() time.Time
}

// NewHealthTracker tracks the last window of processing. A zero window keeps
// everything since start.
func NewHealthTracker(window time.Duration) *HealthTracker {
	return &HealthTracker{window: window, clock: time.Now}
}

// WithClock overrides clock for testing.
func (t *HealthTracker) WithClock(clock func() time.Time) *HealthTracker {
	t.clock = clock
	return t
}

func (t *HealthTracker) Record(obs Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	t.observations = append(t.observations, obs)
	t.pruneLocked()
}

func (t *HealthTracker) pruneLocked() {
	if t.window <= 0 {
		return
	}
	cutoff := t.clock().Add(-t.window)
	i := 0
	for i < len(t.observations) && !t.observations[i].Timestamp.After(cutoff) {
		i++
	}
	t.observations = t.observations[i:]
}

// Report computes the current health. No observations is healthy.
func (t *HealthTracker) Report() HealthReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()

	rep := HealthReport{Status: StatusHealthy, WindowSecs: int64(t.window / time.Second)}
	n := len(t.observations)
	if n == 0 {
		return rep
	}

	latencies := make([]float64, n)
	for i, obs := range t.observations {
		if !obs.Success {
			rep.Failures++
		}
		latencies[i] = float64(obs.Latency) / float64(time.Millisecond)
	}
	sort.Float64s(latencies)
	idx := int(float64(n) * 0.99)
	if idx >= n {
		idx = n - 1
	}

	rep.Observations = n
	rep.P99LatencyMs = latencies[idx]
	rep.FailureRate = float64(rep.Failures) / float64(n)
	if rep.FailureRate >= DegradedFailureRate {
		rep.Status = StatusDegraded
	}
	return rep
}
