package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/helm-relay/pkg/config"
	"github.com/Mindburn-Labs/helm-relay/pkg/crypto"
	"github.com/Mindburn-Labs/helm-relay/pkg/transport"
)

func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir   string
		force bool
	)
	cmd.StringVar(&dir, "dir", "", "Key directory (default <base-dir>/keys)")
	cmd.BoolVar(&force, "force", false, "Overwrite an existing key pair")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: relayd keygen [--dir <path>] [--force] <component-id>")
		return 2
	}
	id := cmd.Arg(0)

	cfg := config.Load()
	setupLogger(cfg, stderr)
	if dir == "" {
		dir = transport.Layout{Base: cfg.BaseDir}.Keys()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		_, _ = fmt.Fprintf(stderr, "%sError:%s %v\n", ColorRed, ColorReset, err)
		return 1
	}

	ks := crypto.NewKeyStore(dir)
	privPath, pubPath := ks.PrivateKeyPath(id), ks.PublicKeyPath(id)
	if _, err := os.Stat(privPath); err == nil && !force {
		_, _ = fmt.Fprintf(stderr, "%sError:%s %s already exists (use --force to replace)\n", ColorRed, ColorReset, privPath)
		return 1
	}

	priv, pub, err := crypto.GenerateKeyPair()
	if err == nil {
		err = savePrivate(ks, priv, privPath, cfg.KeyPassphrase)
	}
	if err == nil {
		err = ks.SavePublicKey(pub, pubPath)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%sError:%s %v\n", ColorRed, ColorReset, err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "%sGenerated key pair for %s%s\n", ColorBold+ColorGreen, id, ColorReset)
	_, _ = fmt.Fprintf(stdout, "  private:     %s\n", privPath)
	_, _ = fmt.Fprintf(stdout, "  public:      %s\n", pubPath)
	_, _ = fmt.Fprintf(stdout, "  fingerprint: %s\n", crypto.Fingerprint(pub))
	return 0
}
