package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm-relay/pkg/config"
	"github.com/Mindburn-Labs/helm-relay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-relay/pkg/crypto"
	"github.com/Mindburn-Labs/helm-relay/pkg/store"
	"github.com/Mindburn-Labs/helm-relay/pkg/store/ledger"
	"github.com/Mindburn-Labs/helm-relay/pkg/store/nonce"
	"github.com/Mindburn-Labs/helm-relay/pkg/transport"
)

func setupLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

// backends holds the stores shared by every subcommand that touches state.
type backends struct {
	db      *store.DB
	records *ledger.SQLLedger
	nonces  nonce.Ledger
	redis   *redis.Client
}

func (b *backends) Close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.db != nil {
		_ = b.db.Close()
	}
}

// openBackends connects the verification ledger and, when withNonces is set,
// the nonce ledger: Redis when REDIS_ADDR is configured, the database otherwise.
func openBackends(ctx context.Context, cfg *config.Config, layout transport.Layout, withNonces bool) (*backends, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL, layout.Data())
	if err != nil {
		return nil, err
	}
	b := &backends{db: db}

	b.records = ledger.NewSQLLedger(db)
	if err := b.records.Init(ctx); err != nil {
		b.Close()
		return nil, err
	}
	if !withNonces {
		return b, nil
	}

	if cfg.RedisAddr != "" {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := b.redis.Ping(ctx).Err(); err != nil {
			b.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		slog.InfoContext(ctx, "nonce ledger: redis", "addr", cfg.RedisAddr)
		b.nonces = nonce.NewRedisLedger(b.redis)
		return b, nil
	}

	sqlNonces := nonce.NewSQLLedger(db)
	if err := sqlNonces.Init(ctx); err != nil {
		b.Close()
		return nil, err
	}
	b.nonces = sqlNonces
	return b, nil
}

// loadOrGenerateRelayKey loads the relay signing key. Outside production a
// missing key is generated with its public half next to it.
func loadOrGenerateRelayKey(ctx context.Context, cfg *config.Config, ks *crypto.KeyStore) (ed25519.PrivateKey, error) {
	if _, err := os.Stat(cfg.KeyPath); err == nil {
		if cfg.KeyPassphrase != "" {
			return ks.LoadPrivateKeyWithPassphrase(cfg.KeyPath, []byte(cfg.KeyPassphrase))
		}
		return ks.LoadPrivateKey(cfg.KeyPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, &contracts.KeyLoadError{Path: cfg.KeyPath, Reason: "stat failed", Err: err}
	}

	if cfg.Production {
		return nil, &contracts.KeyLoadError{Path: cfg.KeyPath, Reason: "relay key missing in production"}
	}

	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := savePrivate(ks, priv, cfg.KeyPath, cfg.KeyPassphrase); err != nil {
		return nil, err
	}
	if err := ks.SavePublicKey(pub, ks.PublicKeyPath(cfg.RelayID)); err != nil {
		return nil, err
	}
	slog.WarnContext(ctx, "generated relay key", "path", cfg.KeyPath, "fingerprint", crypto.Fingerprint(pub))
	return priv, nil
}

func savePrivate(ks *crypto.KeyStore, priv ed25519.PrivateKey, path, passphrase string) error {
	if passphrase != "" {
		return ks.SavePrivateKeyWithPassphrase(priv, path, []byte(passphrase))
	}
	return ks.SavePrivateKey(priv, path)
}

// loadAuthorityKey returns nil when no override authority is configured.
func loadAuthorityKey(cfg *config.Config, ks *crypto.KeyStore) (ed25519.PublicKey, error) {
	if cfg.AuthorityKeyPath == "" {
		return nil, nil
	}
	return ks.LoadPublicKey(cfg.AuthorityKeyPath)
}
