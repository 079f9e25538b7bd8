// Package config defines the runtime's single configuration surface: one
// Config struct decoded from a YAML or JSON file, overlaid with environment
// variables, validated once at startup. Components receive the sections
// they need by value; nothing re-reads the file at runtime.
package config

import (
	"fmt"
	"strings"

	"github.com/coregov/runtime/internal/apierrors"
)

// Config is the root configuration document.
type Config struct {
	// Profile names the deployment profile (dev, staging, prod).
	Profile string `yaml:"profile" json:"profile"`

	Server        ServerConfig        `yaml:"server" json:"server"`
	Transports    []string            `yaml:"transports" json:"transports"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	ContextEngine ContextEngineConfig `yaml:"context_engine" json:"context_engine"`
	Performance   PerformanceConfig   `yaml:"performance" json:"performance"`

	// FSAllowlist is the set of canonical path prefixes under which tools
	// may operate. FS_ALLOWLIST augments this list at startup.
	FSAllowlist []string `yaml:"fs_allowlist" json:"fs_allowlist"`

	// ManifestDir is where tool manifests live, one JSON document each.
	ManifestDir string `yaml:"manifest_dir" json:"manifest_dir"`

	// ModulesDir anchors relative wasm module paths from manifest entries.
	ModulesDir string `yaml:"modules_dir" json:"modules_dir"`

	Auth AuthConfig `yaml:"auth" json:"auth"`
}

// ServerConfig configures the HTTP control API listener.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// ObservabilityConfig configures logging and trace export.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level" json:"log_level"`
	LogFormat string `yaml:"log_format" json:"log_format"`

	// OTelExporter is the OTLP/gRPC collector endpoint; empty disables
	// trace export (spans still open, nothing leaves the process).
	OTelExporter string `yaml:"otel_exporter" json:"otel_exporter"`

	// OTelInsecure disables TLS on the exporter connection (dev only).
	OTelInsecure bool `yaml:"otel_insecure" json:"otel_insecure"`
}

// ContextEngineConfig bounds the self-tuning loop.
type ContextEngineConfig struct {
	Enabled            bool    `yaml:"enabled" json:"enabled"`
	ChangeCapPctPerDay float64 `yaml:"change_cap_pct_per_day" json:"change_cap_pct_per_day"`
	MinConfidence      float64 `yaml:"min_confidence" json:"min_confidence"`
}

// PerformanceConfig seeds the tunable baselines.
type PerformanceConfig struct {
	MaxInflight    int64   `yaml:"max_inflight" json:"max_inflight"`
	BatchSize      int64   `yaml:"batch_size" json:"batch_size"`
	QueueWatermark float64 `yaml:"queue_watermark" json:"queue_watermark"`
}

// AuthConfig configures bearer-token auth on mutating endpoints. An empty
// secret disables auth entirely (dev profile).
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Profile:    "dev",
		Server:     ServerConfig{Host: "127.0.0.1", Port: 4050},
		Transports: []string{"http"},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		ContextEngine: ContextEngineConfig{
			Enabled:            true,
			ChangeCapPctPerDay: 0.10,
			MinConfidence:      0.6,
		},
		Performance: PerformanceConfig{
			MaxInflight:    100,
			BatchSize:      16,
			QueueWatermark: 0.8,
		},
		FSAllowlist: []string{"/tmp"},
		ManifestDir: "manifests",
		ModulesDir:  "modules",
	}
}

// Validate checks the closed option set. Startup fails on the first
// violation; there is no partial-config mode.
func (c *Config) Validate() error {
	switch c.Profile {
	case "dev", "staging", "prod":
	default:
		return apierrors.New(apierrors.KindInvalidConfig, "profile must be one of dev, staging, prod, got %q", c.Profile)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return apierrors.New(apierrors.KindInvalidConfig, "server.port %d out of range", c.Server.Port)
	}
	for _, tr := range c.Transports {
		if tr != "http" {
			return apierrors.New(apierrors.KindInvalidConfig, "unknown transport %q", tr)
		}
	}
	if c.ContextEngine.ChangeCapPctPerDay < 0 || c.ContextEngine.ChangeCapPctPerDay > 1 {
		return apierrors.New(apierrors.KindInvalidConfig, "context_engine.change_cap_pct_per_day must be within [0,1]")
	}
	if c.ContextEngine.MinConfidence < 0 || c.ContextEngine.MinConfidence > 1 {
		return apierrors.New(apierrors.KindInvalidConfig, "context_engine.min_confidence must be within [0,1]")
	}
	if c.Performance.MaxInflight <= 0 {
		return apierrors.New(apierrors.KindInvalidConfig, "performance.max_inflight must be positive")
	}
	if c.Performance.QueueWatermark <= 0 || c.Performance.QueueWatermark > 1 {
		return apierrors.New(apierrors.KindInvalidConfig, "performance.queue_watermark must be within (0,1]")
	}
	if len(c.FSAllowlist) == 0 {
		return apierrors.New(apierrors.KindInvalidConfig, "fs_allowlist must name at least one prefix")
	}
	for _, p := range c.FSAllowlist {
		if strings.TrimSpace(p) == "" {
			return apierrors.New(apierrors.KindInvalidConfig, "fs_allowlist entries must be non-empty")
		}
	}
	return nil
}

// Addr returns the control-API listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
