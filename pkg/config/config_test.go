package config_test

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/helm-relay/pkg/artifacts"
	"github.com/Mindburn-Labs/helm-relay/pkg/config"
)

var relayVars = []string{
	"RELAY_BASE_DIR", "RELAY_POLL_INTERVAL", "RELAY_REQUIRE_SIGNATURES", "FEATURE_CRYPTO_SIGNING",
	"RELAY_ID", "RELAY_REGISTRY_FILE", "RELAY_KEY_PATH", "RELAY_KEY_PASSPHRASE", "RELAY_PRIVATE_KEY", "RELAY_INSTANCE_ID",
	"RELAY_AUTHORITY_PUBLIC_KEY", "RELAY_MAX_RATE", "RELAY_PRODUCTION", "DATABASE_URL",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "ARCHIVE_MIRROR_TYPE", "ARCHIVE_MIRROR_DIR",
	"ARCHIVE_MIRROR_S3_BUCKET", "ARCHIVE_MIRROR_S3_REGION", "AWS_REGION",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "LOG_LEVEL", "LOG_FORMAT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range relayVars {
		t.Setenv(k, "")
	}
}

// The relay must boot in lite mode with signature enforcement on.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := config.Load()

	assert.Equal(t, "relay", cfg.BaseDir)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.True(t, cfg.RequireSignatures)
	assert.Equal(t, "relay", cfg.RelayID)
	assert.Equal(t, "relay", cfg.InstanceID)
	assert.Equal(t, filepath.Join("relay", "registry.yaml"), cfg.RegistryFile)
	assert.Equal(t, filepath.Join("relay", "keys", "relay.pem"), cfg.KeyPath)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.KeySearchDirs)
	assert.Zero(t, cfg.MaxRate)
	assert.False(t, cfg.Production)
	assert.Equal(t, artifacts.StoreTypeNone, cfg.Mirror.Type)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("RELAY_BASE_DIR", "/srv/relay")
	t.Setenv("RELAY_POLL_INTERVAL", "500ms")
	t.Setenv("RELAY_ID", "relay-eu")
	t.Setenv("RELAY_MAX_RATE", "25")
	t.Setenv("RELAY_PRODUCTION", "true")
	t.Setenv("RELAY_KEY_PATH", "/etc/relay/keys"+string(filepath.ListSeparator)+"/opt/keys")
	t.Setenv("DATABASE_URL", "postgres://relay@db:5432/relay")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("ARCHIVE_MIRROR_TYPE", "s3")
	t.Setenv("ARCHIVE_MIRROR_S3_BUCKET", "relay-archive")
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := config.Load()

	assert.Equal(t, "/srv/relay", cfg.BaseDir)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, "relay-eu", cfg.RelayID)
	assert.Equal(t, "relay-eu", cfg.InstanceID, "instance defaults to the relay id")
	assert.Equal(t, filepath.Join("/srv/relay", "keys", "relay.pem"), cfg.KeyPath)
	assert.Equal(t, "/srv/relay/registry.yaml", cfg.RegistryFile)
	assert.InDelta(t, 25.0, cfg.MaxRate, 1e-9)
	assert.True(t, cfg.Production)
	assert.Equal(t, []string{"/etc/relay/keys", "/opt/keys"}, cfg.KeySearchDirs)
	assert.Equal(t, "postgres://relay@db:5432/relay", cfg.DatabaseURL)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, artifacts.StoreTypeS3, cfg.Mirror.Type)
	assert.Equal(t, "relay-archive", cfg.Mirror.S3Bucket)
	assert.Equal(t, "eu-west-1", cfg.Mirror.S3Region)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoad_SignatureEnforcementAlias(t *testing.T) {
	tests := []struct {
		name    string
		primary string
		alias   string
		want    bool
	}{
		{"unset", "", "", true},
		{"alias off", "", "false", false},
		{"primary wins", "true", "false", true},
		{"primary off", "false", "", false},
		{"garbage keeps enforcement", "maybe", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("RELAY_REQUIRE_SIGNATURES", tt.primary)
			t.Setenv("FEATURE_CRYPTO_SIGNING", tt.alias)
			assert.Equal(t, tt.want, config.Load().RequireSignatures)
		})
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("RELAY_POLL_INTERVAL", "soon")
	t.Setenv("RELAY_MAX_RATE", "-4")
	t.Setenv("REDIS_DB", "x")

	cfg := config.Load()
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Zero(t, cfg.MaxRate)
	assert.Zero(t, cfg.RedisDB)

	t.Setenv("RELAY_POLL_INTERVAL", "3")
	assert.Equal(t, 3*time.Second, config.Load().PollInterval)
}

func TestRebase_KeepsExplicitPaths(t *testing.T) {
	clearEnv(t)
	t.Setenv("RELAY_PRIVATE_KEY", "/etc/relay/relay.pem")
	t.Setenv("RELAY_INSTANCE_ID", "relay-eu-2")

	cfg := config.Load()
	assert.Equal(t, "relay-eu-2", cfg.InstanceID)
	cfg.BaseDir = "/var/lib/relay"
	cfg.Rebase()

	assert.Equal(t, filepath.Join("/var/lib/relay", "registry.yaml"), cfg.RegistryFile)
	assert.Equal(t, "/etc/relay/relay.pem", cfg.KeyPath)
	assert.Equal(t, filepath.Join("/var/lib/relay", "data", "mirror"), cfg.Mirror.Dir)
}
