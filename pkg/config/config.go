// Package config loads broker configuration from environment variables,
// optionally layered with a YAML tuning file.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the full broker configuration. The first seven fields are
// the configuration contract; the rest are tuning knobs with safe defaults.
type Config struct {
	TransportURL    string
	PolicyURL       string
	StoreDSN        string
	PolicyDir       string
	HealthInterval  time.Duration
	DispatchTimeout time.Duration
	RequestTimeout  time.Duration

	LogLevel            string
	RedisAddr           string
	CacheTTL            time.Duration
	AuditHeavy          bool
	AuditMaxBytes       int
	HealthFailThreshold int
	OTelEnabled         bool

	// KBTimeouts overrides the dispatch timeout per kb_id (YAML only).
	KBTimeouts map[string]time.Duration
}

// Load reads configuration from environment variables, falling back to
// defaults that boot a local single-node mesh. If MESH_CONFIG_FILE is set,
// the YAML file is applied on top.
func Load() (*Config, error) {
	cfg := &Config{
		TransportURL:        envOr("MESH_TRANSPORT_URL", "nats://127.0.0.1:4222"),
		PolicyURL:           envOr("MESH_POLICY_URL", "http://127.0.0.1:8181"),
		StoreDSN:            envOr("MESH_STORE_DSN", "mesh.db"),
		PolicyDir:           envOr("MESH_POLICY_DIR", "policies"),
		HealthInterval:      envDuration("MESH_HEALTH_INTERVAL", 30*time.Second),
		DispatchTimeout:     envDuration("MESH_DISPATCH_TIMEOUT", 30*time.Second),
		RequestTimeout:      envDuration("MESH_REQUEST_TIMEOUT", 5*time.Second),
		LogLevel:            envOr("MESH_LOG_LEVEL", "INFO"),
		RedisAddr:           os.Getenv("MESH_REDIS_ADDR"),
		CacheTTL:            envDuration("MESH_CACHE_TTL", 30*time.Second),
		AuditHeavy:          os.Getenv("MESH_AUDIT_HEAVY") == "true",
		AuditMaxBytes:       envInt("MESH_AUDIT_MAX_BYTES", 65536),
		HealthFailThreshold: envInt("MESH_HEALTH_FAIL_THRESHOLD", 3),
		OTelEnabled:         os.Getenv("MESH_OTEL_ENABLED") == "true",
		KBTimeouts:          make(map[string]time.Duration),
	}

	if path := os.Getenv("MESH_CONFIG_FILE"); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// TimeoutFor returns the dispatch timeout for a KB, honoring per-KB
// overrides.
func (c *Config) TimeoutFor(kbID string) time.Duration {
	if d, ok := c.KBTimeouts[kbID]; ok && d > 0 {
		return d
	}
	return c.DispatchTimeout
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
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

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
