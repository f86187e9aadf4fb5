package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mindburn-Labs/helm-relay/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-relay/pkg/config"
	"github.com/Mindburn-Labs/helm-relay/pkg/consensus"
	"github.com/Mindburn-Labs/helm-relay/pkg/constitution"
	"github.com/Mindburn-Labs/helm-relay/pkg/crypto"
	"github.com/Mindburn-Labs/helm-relay/pkg/daemon"
	"github.com/Mindburn-Labs/helm-relay/pkg/observability"
	"github.com/Mindburn-Labs/helm-relay/pkg/registry"
	"github.com/Mindburn-Labs/helm-relay/pkg/router"
	"github.com/Mindburn-Labs/helm-relay/pkg/transport"
	"github.com/Mindburn-Labs/helm-relay/pkg/validator"
)

func runRelayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		once    bool
		baseDir string
	)
	cmd.BoolVar(&once, "once", false, "Process the inbox once and exit")
	cmd.StringVar(&baseDir, "base-dir", "", "Relay base directory (overrides RELAY_BASE_DIR)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if baseDir != "" {
		cfg.BaseDir = baseDir
		cfg.Rebase()
	}
	setupLogger(cfg, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runRelay(ctx, cfg, once, stdout); err != nil {
		_, _ = fmt.Fprintf(stderr, "%sError:%s %v\n", ColorRed, ColorReset, err)
		return 1
	}
	return 0
}

func runRelay(ctx context.Context, cfg *config.Config, once bool, stdout io.Writer) error {
	layout := transport.Layout{Base: cfg.BaseDir}
	if err := layout.Ensure(); err != nil {
		return err
	}

	telemetry, err := observability.New(ctx, observability.ConfigFromEndpoint(cfg.OTLPEndpoint, cfg.Production))
	if err != nil {
		return err
	}
	defer func() { _ = telemetry.Shutdown(context.WithoutCancel(ctx)) }()

	b, err := openBackends(ctx, cfg, layout, true)
	if err != nil {
		return err
	}
	defer b.Close()

	ks := crypto.NewKeyStore(layout.Keys(), cfg.KeySearchDirs...)
	relayKey, err := loadOrGenerateRelayKey(ctx, cfg, ks)
	if err != nil {
		return err
	}
	signer := crypto.NewSigner(relayKey, cfg.RelayID)
	_, _ = fmt.Fprintf(stdout, "Relay key: %s%s%s\n", ColorBold+ColorGreen, signer.Fingerprint(), ColorReset)

	reg, err := registry.Load(cfg.RegistryFile, cfg.RelayID, signer.PublicKey(), ks)
	if err != nil {
		return err
	}

	authority, err := loadAuthorityKey(cfg, ks)
	if err != nil {
		return err
	}
	var verifierOpts []constitution.Option
	if authority != nil {
		verifierOpts = append(verifierOpts, constitution.WithAuthorityKey(authority))
	}
	verifier, err := constitution.NewVerifier(reg, b.records, verifierOpts...)
	if err != nil {
		return err
	}

	sinks := []consensus.AlertSink{
		consensus.NewFileSink(layout.Alerts()),
		consensus.NewLedgerSink(b.records),
	}
	if b.redis != nil {
		sinks = append(sinks, consensus.NewRedisSink(b.redis))
	}
	monitor := consensus.NewMonitor(reg.ComponentCount(), sinks...)

	val, err := validator.New(b.nonces)
	if err != nil {
		return err
	}

	rt, err := router.New(router.Config{
		RequireSignatures: cfg.RequireSignatures,
		Validator:         val,
		Registry:          reg,
		Verifier:          verifier,
		Monitor:           monitor,
		Deliverer:         router.NewFileDeliverer(layout.Deliver()),
		Signer:            signer,
	})
	if err != nil {
		return err
	}

	mirror, err := artifacts.NewStore(ctx, cfg.Mirror)
	if err != nil {
		return err
	}

	queue := transport.NewQueue(layout, mirror, transport.WithInstance(cfg.InstanceID))
	if err := queue.Lock(); err != nil {
		return err
	}
	defer func() { _ = queue.Unlock() }()

	d, err := daemon.New(daemon.Config{
		Queue:             queue,
		Router:            rt,
		Violations:        verifier,
		Telemetry:         telemetry,
		PollInterval:      cfg.PollInterval,
		MaxRate:           cfg.MaxRate,
		RequireSignatures: cfg.RequireSignatures,
		Components:        reg.ComponentCount(),
	})
	if err != nil {
		return err
	}

	if !once {
		return d.Run(ctx)
	}
	if _, err := d.Resume(ctx); err != nil {
		return err
	}
	n, err := d.PollOnce(ctx)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "inbox drained", "processed", n)
	return nil
}
