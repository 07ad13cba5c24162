// Package config loads environment configuration and schema-validated YAML
// documents (mood profiles, verifier allowlists). Invalid configuration is
// exit code 2 at the CLI.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the supervisor's environment configuration. Zero values mean
// the feature is disabled or defaulted.
type Config struct {
	// Addr is the listen address for the supervisor API.
	Addr string
	// Namespace is the subject namespace constant for all events.
	Namespace string
	// UserID identifies the single-user deployment principal.
	UserID string
	// DatabaseURL selects Postgres when set; empty means lite mode (SQLite).
	DatabaseURL string
	// DataDir is the root for lite-mode state and the file artifact store.
	DataDir string
	// ArtifactURL selects the artifact backend by scheme: empty or file://
	// for the local store, s3://bucket/prefix, gs://bucket/prefix.
	ArtifactURL string
	// NATSURL enables the JetStream event-log backend when set.
	NATSURL string
	// RedisAddr enables the distributed lease registry when set.
	RedisAddr string
	// LeaseSecret seeds lease token key derivation. Required for serve.
	LeaseSecret string
	// WorkspaceRoot is the durable workspace the director commits into.
	WorkspaceRoot string
	// SandboxRoot is where local sandboxes allocate their trees.
	SandboxRoot string
	// VerifierAllowlist is the path to the verifier allowlist YAML.
	VerifierAllowlist string
	// MoodProfiles is the path to the versioned mood profile YAML.
	MoodProfiles string
	// OTLPEndpoint enables telemetry export when set.
	OTLPEndpoint string
	// LogFormat is "text" (default) or "json".
	LogFormat string
	// InconclusiveConfidenceThreshold is the confidence above which an
	// inconclusive attestation stops blocking commit in strict moods.
	InconclusiveConfidenceThreshold float64
	// ShutdownGrace bounds in-flight work on termination.
	ShutdownGrace time.Duration
}

// Load reads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Addr:                            envOr("DIRECTOR_ADDR", ":8090"),
		Namespace:                       envOr("DIRECTOR_NAMESPACE", "choiros"),
		UserID:                          envOr("DIRECTOR_USER_ID", "local"),
		DatabaseURL:                     os.Getenv("DATABASE_URL"),
		DataDir:                         envOr("DIRECTOR_DATA_DIR", "data"),
		ArtifactURL:                     os.Getenv("DIRECTOR_ARTIFACT_URL"),
		NATSURL:                         os.Getenv("NATS_URL"),
		RedisAddr:                       os.Getenv("REDIS_ADDR"),
		LeaseSecret:                     os.Getenv("DIRECTOR_LEASE_SECRET"),
		WorkspaceRoot:                   envOr("DIRECTOR_WORKSPACE", "."),
		SandboxRoot:                     envOr("DIRECTOR_SANDBOX_ROOT", ""),
		VerifierAllowlist:               envOr("DIRECTOR_VERIFIERS", "config/verifiers.yaml"),
		MoodProfiles:                    envOr("DIRECTOR_MOODS", "config/moods.yaml"),
		OTLPEndpoint:                    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogFormat:                       envOr("DIRECTOR_LOG_FORMAT", "text"),
		InconclusiveConfidenceThreshold: envFloat("DIRECTOR_INCONCLUSIVE_CONFIDENCE", 0.8),
		ShutdownGrace:                   envDuration("DIRECTOR_SHUTDOWN_GRACE", 10*time.Second),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
