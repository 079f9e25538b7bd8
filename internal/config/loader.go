package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coregov/runtime/internal/apierrors"
)

// Environment variables recognized at load time.
const (
	// EnvContextEngine force-enables or force-disables the engine,
	// overriding the config file: "on"/"true"/"1" or "off"/"false"/"0".
	EnvContextEngine = "CONTEXT_ENGINE"

	// EnvFSAllowlist is a comma-separated prefix list appended to the
	// file's fs_allowlist.
	EnvFSAllowlist = "FS_ALLOWLIST"
)

// Load reads path, decodes it by extension (.json or YAML), applies the
// environment overlay, and validates. An empty path yields Default() with
// the overlay applied — the server can start with no file at all.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, apierrors.Wrap(apierrors.KindInvalidConfig, err, "reading config %s", path)
		}
		expanded := os.ExpandEnv(string(data))
		if err := decode([]byte(expanded), path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, pathHint string, cfg *Config) error {
	if strings.ToLower(filepath.Ext(pathHint)) == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return apierrors.Wrap(apierrors.KindInvalidConfig, err, "parsing %s", pathHint)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return apierrors.Wrap(apierrors.KindInvalidConfig, err, "parsing %s", pathHint)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv(EnvContextEngine); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "on", "true", "1", "enabled":
			cfg.ContextEngine.Enabled = true
		case "off", "false", "0", "disabled":
			cfg.ContextEngine.Enabled = false
		}
	}
	if v, ok := os.LookupEnv(EnvFSAllowlist); ok {
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.FSAllowlist = append(cfg.FSAllowlist, p)
			}
		}
	}
}
