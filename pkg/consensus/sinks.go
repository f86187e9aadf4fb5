package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm-relay/pkg/store/ledger"
)

// AlertChannel is the Redis pub/sub channel alerts are published on.
const AlertChannel = "relay:alerts"

// AlertSink receives consensus alerts.
type AlertSink interface {
	Name() string
	Publish(ctx context.Context, alert Alert) error
}

// LogSink writes alerts at ERROR level.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink { return &LogSink{logger: logger} }

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(ctx context.Context, a Alert) error {
	s.logger.ErrorContext(ctx, "consensus attack detected",
		"alert_id", a.AlertID,
		"voters", strings.Join(a.Voters, ","),
		"ratio", a.Ratio,
		"threshold", a.Threshold,
		"components", a.ComponentCount,
	)
	return nil
}

// FileSink writes each alert as <alert_id>.json in a dedicated directory.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) *FileSink { return &FileSink{dir: dir} }

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Publish(_ context.Context, a Alert) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return fmt.Errorf("create alerts dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".alert-*")
	if err != nil {
		return fmt.Errorf("create alert file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write alert file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close alert file: %w", err)
	}
	return os.Rename(tmp.Name(), filepath.Join(s.dir, a.AlertID+".json"))
}

// RedisSink publishes alerts on a pub/sub channel.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisSink(client redis.UniversalClient) *RedisSink {
	return &RedisSink{client: client, channel: AlertChannel}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Publish(ctx context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// LedgerSink appends alerts to the verification ledger as alert records.
type LedgerSink struct {
	ledger ledger.Ledger
}

func NewLedgerSink(l ledger.Ledger) *LedgerSink { return &LedgerSink{ledger: l} }

func (s *LedgerSink) Name() string { return "ledger" }

func (s *LedgerSink) Publish(ctx context.Context, a Alert) error {
	_, err := s.ledger.Append(ctx, ledger.Record{
		Kind:      ledger.KindAlert,
		Outcome:   ledger.OutcomeAlert,
		ErrorKind: a.Kind,
		Detail: fmt.Sprintf("alert %s: %d of %d components voted (%.2f > %.2f): %s",
			a.AlertID, len(a.Voters), a.ComponentCount, a.Ratio, a.Threshold, strings.Join(a.Voters, ",")),
	})
	return err
}
