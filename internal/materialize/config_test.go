package materialize

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "lakeside.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoadJoinConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
join_keys:
  - customer_id
  - region
exclude_columns:
  - loaded_at
join_type: left
`)

	cfg, err := LoadJoinConfig(path)

	require.NoError(t, err)
	assert.Equal(t, []string{"customer_id", "region"}, cfg.JoinKeys)
	assert.Equal(t, []string{"loaded_at"}, cfg.ExcludeColumns)
	assert.Equal(t, JoinLeft, cfg.JoinType)
	assert.Equal(t, "LEFT JOIN", cfg.clause())
}

func TestLoadJoinConfig_MissingFile(t *testing.T) {
	cfg, err := LoadJoinConfig("/nonexistent/path/lakeside.yaml")

	require.NoError(t, err)
	assert.Equal(t, DefaultJoinConfig(), cfg)
}

func TestLoadJoinConfig_EmptyFile(t *testing.T) {
	cfg, err := LoadJoinConfig(writeConfig(t, ""))

	require.NoError(t, err)
	assert.Equal(t, JoinFull, cfg.JoinType)
	assert.Empty(t, cfg.JoinKeys)
}

func TestLoadJoinConfig_InvalidYAML(t *testing.T) {
	cfg, err := LoadJoinConfig(writeConfig(t, "join_keys: [broken\n"))

	require.NoError(t, err)
	assert.Equal(t, DefaultJoinConfig(), cfg)
}

func TestLoadJoinConfig_UnknownJoinType(t *testing.T) {
	cfg, err := LoadJoinConfig(writeConfig(t, "join_type: CROSS\n"))

	require.NoError(t, err)
	assert.Equal(t, JoinFull, cfg.JoinType)
	assert.Equal(t, "FULL OUTER JOIN", cfg.clause())
}

func TestLoadJoinConfigFromEnv(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, writeConfig(t, "join_type: inner\n"))

	cfg, err := LoadJoinConfigFromEnv()

	require.NoError(t, err)
	assert.Equal(t, JoinInner, cfg.JoinType)
	assert.Equal(t, "INNER JOIN", cfg.clause())
}
