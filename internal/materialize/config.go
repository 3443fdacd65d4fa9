// Package materialize turns uploaded Parquet data into query engine tables
// and rebuilds the cross-table view of a model.
package materialize

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lakeside-io/lakeside/internal/config"
)

// JoinType selects how tables are joined into the model view.
type JoinType string

const (
	JoinFull  JoinType = "FULL"
	JoinLeft  JoinType = "LEFT"
	JoinInner JoinType = "INNER"
)

// DefaultConfigPath is where the join policy is read from when
// LAKESIDE_JOIN_CONFIG_PATH is unset.
const DefaultConfigPath = ".lakeside.yaml"

// ConfigPathEnvVar is the environment variable naming the join policy file.
const ConfigPathEnvVar = "LAKESIDE_JOIN_CONFIG_PATH"

// JoinConfig is the join policy used when building model views.
type JoinConfig struct {
	// JoinKeys restricts join keys to these column names. When empty, any
	// shared column of equal non-float type is a key.
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	JoinKeys []string `yaml:"join_keys"`

	// ExcludeColumns are never projected by the view and never used as keys.
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	ExcludeColumns []string `yaml:"exclude_columns"`

	//nolint:tagliatelle // snake_case is intentional for YAML config files
	JoinType JoinType `yaml:"join_type"`
}

// DefaultJoinConfig returns the policy used without a config file.
func DefaultJoinConfig() *JoinConfig {
	return &JoinConfig{JoinType: JoinFull}
}

// LoadJoinConfig reads the join policy from a YAML file.
//
// A missing, unreadable or invalid file yields the default policy and no
// error; the view can always be built without configuration.
func LoadJoinConfig(path string) (*JoinConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Join config not found, using defaults", slog.String("path", path))

			return DefaultJoinConfig(), nil
		}

		slog.Warn("Failed to read join config, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultJoinConfig(), nil
	}

	cfg := DefaultJoinConfig()
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse join config, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultJoinConfig(), nil
	}

	cfg.JoinType = JoinType(strings.ToUpper(strings.TrimSpace(string(cfg.JoinType))))

	switch cfg.JoinType {
	case JoinFull, JoinLeft, JoinInner:
	case "":
		cfg.JoinType = JoinFull
	default:
		slog.Warn("Unknown join type, using FULL",
			slog.String("path", path),
			slog.String("join_type", string(cfg.JoinType)))

		cfg.JoinType = JoinFull
	}

	return cfg, nil
}

// LoadJoinConfigFromEnv loads the policy from LAKESIDE_JOIN_CONFIG_PATH,
// falling back to .lakeside.yaml in the working directory.
func LoadJoinConfigFromEnv() (*JoinConfig, error) {
	return LoadJoinConfig(config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath))
}

func (c *JoinConfig) clause() string {
	switch c.JoinType {
	case JoinLeft:
		return "LEFT JOIN"
	case JoinInner:
		return "INNER JOIN"
	default:
		return "FULL OUTER JOIN"
	}
}

func (c *JoinConfig) excluded(name string) bool {
	for _, ex := range c.ExcludeColumns {
		if strings.EqualFold(ex, name) {
			return true
		}
	}

	return false
}

func (c *JoinConfig) keyAllowed(name string) bool {
	if len(c.JoinKeys) == 0 {
		return true
	}

	for _, k := range c.JoinKeys {
		if strings.EqualFold(k, name) {
			return true
		}
	}

	return false
}
