// Package config loads squadron configuration from defaults, an
// optional YAML file, and SQUADRON_-prefixed environment variables,
// in that order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Log          LogConfig          `koanf:"log"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Store        StoreConfig        `koanf:"store"`
	Bus          BusConfig          `koanf:"bus"`
	Reasoner     ReasonerConfig     `koanf:"reasoner"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

type StoreConfig struct {
	Backend string `koanf:"backend"` // memory, sqlite
	Path    string `koanf:"path"`
}

type BusConfig struct {
	BufferSize int    `koanf:"buffer_size"`
	Policy     string `koanf:"policy"` // block, drop_oldest
}

type ReasonerConfig struct {
	Provider    string        `koanf:"provider"` // http, scripted
	BaseURL     string        `koanf:"base_url"`
	Model       string        `koanf:"model"`
	Timeout     time.Duration `koanf:"timeout"`
	MaxAttempts int           `koanf:"max_attempts"`
}

type OrchestratorConfig struct {
	// GracePeriod is how long the system must stay idle before it is
	// declared quiescent.
	GracePeriod time.Duration `koanf:"grace_period"`
	// GapThreshold is the entity confidence at or above which an
	// uncovered area counts as a coverage gap.
	GapThreshold float64 `koanf:"gap_threshold"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("telemetry.exporter", "stdout")

	k.Set("store.backend", "memory")
	k.Set("store.path", "squadron.db")

	k.Set("bus.buffer_size", 64)
	k.Set("bus.policy", "block")

	k.Set("reasoner.provider", "http")
	k.Set("reasoner.base_url", "http://localhost:8900")
	k.Set("reasoner.model", "squad-v1")
	k.Set("reasoner.timeout", "30s")
	k.Set("reasoner.max_attempts", 3)

	k.Set("orchestrator.grace_period", "2s")
	k.Set("orchestrator.gap_threshold", 0.7)

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// 2. Load from ENV (SQUADRON_STORE_BACKEND -> store.backend)
	if err := k.Load(env.Provider("SQUADRON_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "SQUADRON_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
