package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/helm-relay/pkg/config"
	"github.com/Mindburn-Labs/helm-relay/pkg/constitution"
	"github.com/Mindburn-Labs/helm-relay/pkg/crypto"
	"github.com/Mindburn-Labs/helm-relay/pkg/registry"
	"github.com/Mindburn-Labs/helm-relay/pkg/store/ledger"
	"github.com/Mindburn-Labs/helm-relay/pkg/transport"
)

func runOverrideCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("override", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		recordID     string
		rationale    string
		authorityKey string
		authorityID  string
		token        string
		baseDir      string
	)
	cmd.StringVar(&recordID, "record", "", "Violation record ID to override (REQUIRED)")
	cmd.StringVar(&rationale, "rationale", "", "Why the violation is overridden (REQUIRED)")
	cmd.StringVar(&authorityKey, "authority-key", "", "Authority private key used to sign the override")
	cmd.StringVar(&authorityID, "authority-id", "", "Authority identity (default: key file name)")
	cmd.StringVar(&token, "token", "", "Pre-issued override token instead of --authority-key")
	cmd.StringVar(&baseDir, "base-dir", "", "Relay base directory (overrides RELAY_BASE_DIR)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if token == "" && (recordID == "" || rationale == "" || authorityKey == "") {
		_, _ = fmt.Fprintln(stderr, "Error: --record, --rationale and --authority-key are required (or --token)")
		return 2
	}

	cfg := config.Load()
	if baseDir != "" {
		cfg.BaseDir = baseDir
		cfg.Rebase()
	}
	setupLogger(cfg, stderr)

	if token == "" {
		cred, err := constitution.LoadAuthority(authorityKey, authorityID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "%sError:%s %v\n", ColorRed, ColorReset, err)
			return 1
		}
		token, err = cred.IssueOverride(recordID, rationale, time.Now())
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "%sError:%s %v\n", ColorRed, ColorReset, err)
			return 1
		}
	}

	rec, err := applyOverride(context.Background(), cfg, token)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%sError:%s %v\n", ColorRed, ColorReset, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%sOverride recorded%s\n", ColorBold+ColorGreen, ColorReset)
	_, _ = fmt.Fprintf(stdout, "  record:     %s\n", rec.RecordID)
	_, _ = fmt.Fprintf(stdout, "  supersedes: %s\n", rec.Supersedes)
	_, _ = fmt.Fprintf(stdout, "  authority:  %s\n", rec.Authority)
	return 0
}

// applyOverride checks token against the configured authority public key and
// appends the override to the verification ledger.
func applyOverride(ctx context.Context, cfg *config.Config, token string) (ledger.Record, error) {
	layout := transport.Layout{Base: cfg.BaseDir}
	b, err := openBackends(ctx, cfg, layout, false)
	if err != nil {
		return ledger.Record{}, err
	}
	defer b.Close()

	pub, err := loadAuthorityKey(cfg, crypto.NewKeyStore(layout.Keys(), cfg.KeySearchDirs...))
	if err != nil {
		return ledger.Record{}, err
	}
	var opts []constitution.Option
	if pub != nil {
		opts = append(opts, constitution.WithAuthorityKey(pub))
	}

	reg, err := registry.New(cfg.RelayID, nil, nil)
	if err != nil {
		return ledger.Record{}, err
	}
	verifier, err := constitution.NewVerifier(reg, b.records, opts...)
	if err != nil {
		return ledger.Record{}, err
	}
	return verifier.Override(ctx, token)
}
