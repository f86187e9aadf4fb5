package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-relay/pkg/artifacts"
)

// Config holds relay daemon configuration.
type Config struct {
	BaseDir           string
	PollInterval      time.Duration
	RequireSignatures bool
	RelayID           string
	InstanceID        string // names this process's claim directory
	RegistryFile      string
	KeyPath           string
	KeyPassphrase     string
	KeySearchDirs     []string
	AuthorityKeyPath  string
	MaxRate           float64 // messages per second; 0 disables the cap
	Production        bool

	DatabaseURL   string // empty selects SQLite lite mode
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Mirror artifacts.MirrorConfig

	OTLPEndpoint string
	LogLevel     string
	LogFormat    string
}

// Load loads configuration from environment variables.
func Load() *Config {
	baseDir := envOr("RELAY_BASE_DIR", "relay")
	relayID := envOr("RELAY_ID", "relay")

	return &Config{
		BaseDir:           baseDir,
		PollInterval:      envDuration("RELAY_POLL_INTERVAL", 2*time.Second),
		RequireSignatures: requireSignatures(),
		RelayID:           relayID,
		InstanceID:        envOr("RELAY_INSTANCE_ID", relayID),
		RegistryFile:      envOr("RELAY_REGISTRY_FILE", defaultRegistryFile(baseDir)),
		KeyPath:           envOr("RELAY_PRIVATE_KEY", defaultKeyPath(baseDir)),
		KeyPassphrase:     os.Getenv("RELAY_KEY_PASSPHRASE"),
		KeySearchDirs:     filepath.SplitList(os.Getenv("RELAY_KEY_PATH")),
		AuthorityKeyPath:  os.Getenv("RELAY_AUTHORITY_PUBLIC_KEY"),
		MaxRate:           envFloat("RELAY_MAX_RATE", 0),
		Production:        os.Getenv("RELAY_PRODUCTION") == "true",

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		Mirror: artifacts.MirrorConfig{
			Type:       artifacts.StoreType(envOr("ARCHIVE_MIRROR_TYPE", string(artifacts.StoreTypeNone))),
			Dir:        envOr("ARCHIVE_MIRROR_DIR", defaultMirrorDir(baseDir)),
			S3Bucket:   os.Getenv("ARCHIVE_MIRROR_S3_BUCKET"),
			S3Region:   envOr("ARCHIVE_MIRROR_S3_REGION", os.Getenv("AWS_REGION")),
			S3Endpoint: os.Getenv("ARCHIVE_MIRROR_S3_ENDPOINT"),
			S3Prefix:   os.Getenv("ARCHIVE_MIRROR_S3_PREFIX"),
			GCSBucket:  os.Getenv("ARCHIVE_MIRROR_GCS_BUCKET"),
			GCSPrefix:  os.Getenv("ARCHIVE_MIRROR_GCS_PREFIX"),
		},

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:     strings.ToUpper(envOr("LOG_LEVEL", "INFO")),
		LogFormat:    strings.ToLower(envOr("LOG_FORMAT", "text")),
	}
}

// Rebase re-derives the paths that default to locations under BaseDir after
// BaseDir changed. Paths set explicitly through the environment are kept.
func (c *Config) Rebase() {
	if os.Getenv("RELAY_REGISTRY_FILE") == "" {
		c.RegistryFile = defaultRegistryFile(c.BaseDir)
	}
	if os.Getenv("RELAY_PRIVATE_KEY") == "" {
		c.KeyPath = defaultKeyPath(c.BaseDir)
	}
	if os.Getenv("ARCHIVE_MIRROR_DIR") == "" {
		c.Mirror.Dir = defaultMirrorDir(c.BaseDir)
	}
}

func defaultRegistryFile(base string) string { return filepath.Join(base, "registry.yaml") }
func defaultKeyPath(base string) string      { return filepath.Join(base, "keys", "relay.pem") }
func defaultMirrorDir(base string) string    { return filepath.Join(base, "data", "mirror") }

// requireSignatures reads RELAY_REQUIRE_SIGNATURES, falling back to the
// FEATURE_CRYPTO_SIGNING alias. Enforcement is on unless explicitly disabled.
func requireSignatures() bool {
	v := os.Getenv("RELAY_REQUIRE_SIGNATURES")
	if v == "" {
		v = os.Getenv("FEATURE_CRYPTO_SIGNING")
	}
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("config: invalid signature enforcement flag, keeping enforcement on", "value", v)
		return true
	}
	return b
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration accepts Go durations ("1500ms") or plain seconds ("2").
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	slog.Warn("config: invalid duration, using default", "key", key, "value", v, "default", def)
	return def
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		slog.Warn("config: invalid number, using default", "key", key, "value", v)
		return def
	}
	return f
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config: invalid integer, using default", "key", key, "value", v)
		return def
	}
	return n
}

// SlogLevel maps LogLevel onto slog levels.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
