package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML tuning file. Every field is optional; set fields
// override the environment.
type fileConfig struct {
	TransportURL string            `yaml:"transport_url"`
	PolicyURL    string            `yaml:"policy_url"`
	StoreDSN     string            `yaml:"store_dsn"`
	PolicyDir    string            `yaml:"policy_dir"`
	KBTimeouts   map[string]string `yaml:"kb_timeouts"`

	Health struct {
		Interval      string `yaml:"interval"`
		FailThreshold int    `yaml:"fail_threshold"`
	} `yaml:"health"`

	Audit struct {
		Heavy    *bool `yaml:"heavy"`
		MaxBytes int   `yaml:"max_bytes"`
	} `yaml:"audit"`

	Cache struct {
		RedisAddr string `yaml:"redis_addr"`
		TTL       string `yaml:"ttl"`
	} `yaml:"cache"`

	Timeouts struct {
		Dispatch string `yaml:"dispatch"`
		Request  string `yaml:"request"`
	} `yaml:"timeouts"`
}

// ApplyFile layers the YAML file at path over c. Unknown keys are rejected
// so typos surface at boot rather than as silently ignored tuning.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if fc.TransportURL != "" {
		c.TransportURL = fc.TransportURL
	}
	if fc.PolicyURL != "" {
		c.PolicyURL = fc.PolicyURL
	}
	if fc.StoreDSN != "" {
		c.StoreDSN = fc.StoreDSN
	}
	if fc.PolicyDir != "" {
		c.PolicyDir = fc.PolicyDir
	}
	for kb, raw := range fc.KBTimeouts {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: kb_timeouts[%s]: %w", kb, err)
		}
		c.KBTimeouts[kb] = d
	}
	if fc.Health.Interval != "" {
		d, err := time.ParseDuration(fc.Health.Interval)
		if err != nil {
			return fmt.Errorf("config: health.interval: %w", err)
		}
		c.HealthInterval = d
	}
	if fc.Health.FailThreshold > 0 {
		c.HealthFailThreshold = fc.Health.FailThreshold
	}
	if fc.Audit.Heavy != nil {
		c.AuditHeavy = *fc.Audit.Heavy
	}
	if fc.Audit.MaxBytes > 0 {
		c.AuditMaxBytes = fc.Audit.MaxBytes
	}
	if fc.Cache.RedisAddr != "" {
		c.RedisAddr = fc.Cache.RedisAddr
	}
	if fc.Cache.TTL != "" {
		d, err := time.ParseDuration(fc.Cache.TTL)
		if err != nil {
			return fmt.Errorf("config: cache.ttl: %w", err)
		}
		c.CacheTTL = d
	}
	if fc.Timeouts.Dispatch != "" {
		d, err := time.ParseDuration(fc.Timeouts.Dispatch)
		if err != nil {
			return fmt.Errorf("config: timeouts.dispatch: %w", err)
		}
		c.DispatchTimeout = d
	}
	if fc.Timeouts.Request != "" {
		d, err := time.ParseDuration(fc.Timeouts.Request)
		if err != nil {
			return fmt.Errorf("config: timeouts.request: %w", err)
		}
		c.RequestTimeout = d
	}
	return nil
}
