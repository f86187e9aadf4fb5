// Package daemon runs the relay poll loop: claim inbox artifacts, route them,
// write the signed response, archive the original.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm-relay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-relay/pkg/observability"
	"github.com/Mindburn-Labs/helm-relay/pkg/router"
	"github.com/Mindburn-Labs/helm-relay/pkg/transport"
)

// DefaultPollInterval is the wait between inbox scans.
const DefaultPollInterval = 2 * time.Second

// DefaultHealthWindow bounds the observations behind the status report.
const DefaultHealthWindow = time.Hour

// State is where an artifact stands in processing.
type State string

const (
	StateClaimed   State = "claimed"
	StateValidated State = "validated"
	StateRouted    State = "routed"
	StateArchived  State = "archived"
)

// ViolationCounter reports unresolved constitutional violations.
type ViolationCounter interface {
	ActiveViolations(ctx context.Context) (int, error)
}

// Config wires the daemon. Queue and Router are required.
type Config struct {
	Queue             *transport.Queue
	Router            *router.Router
	Violations        ViolationCounter
	Telemetry         *observability.Provider
	PollInterval      time.Duration
	MaxRate           float64 // messages per second; 0 disables the cap
	HealthWindow      time.Duration
	RequireSignatures bool
	Components        int
}

// Stats counts processed artifacts since start.
type Stats struct {
	Processed uint64    `json:"messages_processed"`
	Accepted  uint64    `json:"messages_successful"`
	Rejected  uint64    `json:"messages_failed"`
	Alerts    uint64    `json:"alerts_raised"`
	Errors    uint64    `json:"internal_errors"`
	StartedAt time.Time `json:"started_at"`
	LastPoll  time.Time `json:"last_poll"`
}

// Status is the wellbeing report published after every poll.
type Status struct {
	Status            string                     `json:"status"`
	Stats             Stats                      `json:"stats"`
	Health            observability.HealthReport `json:"health"`
	ActiveViolations  int                        `json:"active_violations"`
	Components        int                        `json:"components"`
	RequireSignatures bool                       `json:"require_signatures"`
	GeneratedAt       time.Time                  `json:"generated_at"`
}

// Daemon processes one artifact at a time.
type Daemon struct {
	cfg       Config
	queue     *transport.Queue
	router    *router.Router
	telemetry *observability.Provider
	health    *observability.HealthTracker
	limiter   *rate.Limiter
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	stats Stats
}

// New validates cfg and returns a Daemon.
func New(cfg Config) (*Daemon, error) {
	if cfg.Queue == nil {
		return nil, errors.New("daemon: queue is required")
	}
	if cfg.Router == nil {
		return nil, errors.New("daemon: router is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = DefaultHealthWindow
	}
	telemetry := cfg.Telemetry
	if telemetry == nil {
		telemetry, _ = observability.New(context.Background(), nil)
	}

	d := &Daemon{
		cfg:       cfg,
		queue:     cfg.Queue,
		router:    cfg.Router,
		telemetry: telemetry,
		health:    observability.NewHealthTracker(cfg.HealthWindow),
		logger:    slog.Default().With("component", "daemon"),
		now:       time.Now,
	}
	if cfg.MaxRate > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRate), 1)
	}
	d.stats.StartedAt = d.now().UTC()
	return d, nil
}

// Run resumes stranded artifacts, then polls until ctx is cancelled.
// Cancellation is a clean shutdown and returns nil.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "relay daemon started",
		"base_dir", d.queue.Layout().Base,
		"poll_interval", d.cfg.PollInterval,
		"require_signatures", d.cfg.RequireSignatures,
		"max_rate", d.cfg.MaxRate,
	)

	if _, err := d.Resume(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.PollOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.ErrorContext(ctx, "poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			stats := d.Stats()
			d.logger.InfoContext(context.WithoutCancel(ctx), "relay daemon stopped",
				"processed", stats.Processed,
				"accepted", stats.Accepted,
				"rejected", stats.Rejected,
			)
			return nil
		case <-ticker.C:
		}
	}
}

// Resume re-runs artifacts this instance, or a dead one, left in its claim
// directory. Nonces already reserved make a re-run produce a ReplayError
// response.
func (d *Daemon) Resume(ctx context.Context) (int, error) {
	stranded, err := d.queue.Stranded(ctx)
	if err != nil {
		return 0, err
	}
	if len(stranded) > 0 {
		d.logger.WarnContext(ctx, "resuming stranded artifacts", "count", len(stranded))
	}
	n := 0
	for _, a := range stranded {
		if err := d.wait(ctx); err != nil {
			return n, err
		}
		d.Process(ctx, a)
		n++
	}
	return n, nil
}

// PollOnce claims and processes every artifact currently in the inbox, in
// lexical order, and publishes the status file.
func (d *Daemon) PollOnce(ctx context.Context) (int, error) {
	defer d.publishStatus(ctx)

	names, err := d.queue.Pending()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, name := range names {
		if err := d.wait(ctx); err != nil {
			return n, err
		}
		a, err := d.queue.Claim(name)
		if errors.Is(err, transport.ErrClaimLost) {
			d.logger.DebugContext(ctx, "artifact claimed elsewhere", "artifact", name)
			continue
		}
		if err != nil {
			d.logger.ErrorContext(ctx, "claim failed", "artifact", name, "error", err)
			continue
		}
		d.Process(ctx, a)
		n++
	}

	d.mu.Lock()
	d.stats.LastPoll = d.now().UTC()
	d.mu.Unlock()
	return n, nil
}

func (d *Daemon) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.limiter == nil {
		return nil
	}
	return d.limiter.Wait(ctx)
}

// Process runs one claimed artifact to completion and returns the state it
// reached. A panic is recovered and leaves the artifact claimed.
func (d *Daemon) Process(ctx context.Context, a transport.Artifact) (state State) {
	state = StateClaimed
	start := d.now()
	ctx, finish := d.telemetry.TrackMessage(ctx, a.Name)

	var (
		status    = "failed"
		errorKind string
		procErr   error
	)
	defer func() {
		if r := recover(); r != nil {
			procErr = fmt.Errorf("panic: %v", r)
			d.logger.ErrorContext(ctx, "artifact processing panicked",
				"artifact", a.Name, "state", state, "panic", r)
		}
		if procErr != nil {
			errorKind = string(contracts.KindInternal)
			d.mu.Lock()
			d.stats.Errors++
			d.mu.Unlock()
		}
		finish(status, errorKind, procErr)
	}()

	raw, err := d.queue.Read(a)
	if err != nil {
		procErr = err
		d.logger.ErrorContext(ctx, "read failed", "artifact", a.Name, "error", err)
		return state
	}
	state = StateValidated

	res, err := d.router.Route(ctx, raw, a.Stem)
	if err != nil {
		procErr = err
		d.logger.ErrorContext(ctx, "no response produced", "artifact", a.Name, "error", err)
		return state
	}
	state = StateRouted
	status, errorKind = string(res.Status), string(res.Kind)
	observability.AddSpanEvent(ctx, "routed", observability.AttrMessageID.String(res.MessageID))

	data, err := json.MarshalIndent(res.Response, "", "  ")
	if err != nil {
		procErr = fmt.Errorf("encode response: %w", err)
		return state
	}
	out, err := d.queue.WriteResponse(a, res.Status, data)
	if err != nil {
		procErr = err
		d.logger.ErrorContext(ctx, "response write failed", "artifact", a.Name, "error", err)
		return state
	}
	d.record(ctx, res, d.now().Sub(start))

	if _, err := d.queue.Archive(ctx, a, raw); err != nil {
		procErr = err
		d.logger.ErrorContext(ctx, "archive failed", "artifact", a.Name, "error", err)
		return state
	}
	state = StateArchived

	d.logger.DebugContext(ctx, "artifact processed",
		"artifact", a.Name, "status", res.Status, "response", out)
	return state
}

func (d *Daemon) record(ctx context.Context, res router.Result, latency time.Duration) {
	accepted := res.Status == contracts.StatusAccepted

	d.mu.Lock()
	d.stats.Processed++
	if accepted {
		d.stats.Accepted++
	} else {
		d.stats.Rejected++
	}
	if res.Alert != nil {
		d.stats.Alerts++
	}
	d.mu.Unlock()

	d.health.Record(observability.Observation{Latency: latency, Success: accepted, Timestamp: d.now()})
	if res.Alert != nil {
		d.telemetry.RecordAlert(ctx)
	}
}

// Stats returns a snapshot of the counters.
func (d *Daemon) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Status builds the wellbeing report.
func (d *Daemon) Status(ctx context.Context) Status {
	health := d.health.Report()
	st := Status{
		Status:            health.Status,
		Stats:             d.Stats(),
		Health:            health,
		Components:        d.cfg.Components,
		RequireSignatures: d.cfg.RequireSignatures,
		GeneratedAt:       d.now().UTC(),
	}
	if d.cfg.Violations != nil {
		active, err := d.cfg.Violations.ActiveViolations(ctx)
		if err != nil {
			d.logger.WarnContext(ctx, "active violations unavailable", "error", err)
		} else {
			st.ActiveViolations = active
		}
	}
	return st
}

func (d *Daemon) publishStatus(ctx context.Context) {
	data, err := json.MarshalIndent(d.Status(ctx), "", "  ")
	if err != nil {
		return
	}
	if err := transport.WriteAtomic(d.queue.Layout().StatusFile(), data); err != nil {
		d.logger.WarnContext(ctx, "status publish failed", "error", err)
	}
}

// ReadStatus loads the last status a daemon published under layout.
func ReadStatus(layout transport.Layout) (*Status, error) {
	data, err := os.ReadFile(layout.StatusFile())
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}
