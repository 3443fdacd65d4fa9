package query

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakeside-io/lakeside/internal/ingestion"
)

func TestMemoryEngine_Catalog(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	engine := NewMemoryEngine()

	_, err := engine.RunQuery(ctx, "CREATE EXTERNAL TABLE IF NOT EXISTS `C1_m1_t1` (\n  `id` bigint,\n  `name` string\n)\n"+
		"STORED AS PARQUET\nLOCATION 's3://lake/client/C1/m1/data/t1/'", WithoutResults())
	require.NoError(t, err)

	_, err = engine.RunQuery(ctx, "CREATE EXTERNAL TABLE IF NOT EXISTS `c1_m1_t2` (\n  `id` bigint,\n  `score` double\n)\n"+
		"STORED AS PARQUET\nLOCATION 's3://lake/client/c1/m1/data/t2/'", WithoutResults())
	require.NoError(t, err)

	assert.True(t, engine.HasTable("c1_m1_t1"))
	assert.Equal(t, "s3://lake/client/C1/m1/data/t1/", engine.TableLocation("C1_M1_T1"))

	rs, err := engine.RunQuery(ctx, "SELECT * FROM \"c1_m1_t2\" LIMIT 0")
	require.NoError(t, err)
	assert.Equal(t, []Column{{Name: "id", Type: "bigint"}, {Name: "score", Type: "double"}}, rs.Columns)
	assert.Empty(t, rs.Rows)

	_, err = engine.RunQuery(ctx, "CREATE OR REPLACE VIEW \"c1_m1_view\" AS\nSELECT\n"+
		"  COALESCE(\"t0\".\"id\", \"t1\".\"id\") AS \"id\",\n"+
		"  \"t0\".\"name\" AS \"name\",\n"+
		"  \"t1\".\"score\" AS \"score\"\n"+
		"FROM \"c1_m1_t1\" \"t0\"\nFULL OUTER JOIN \"c1_m1_t2\" \"t1\" ON \"t0\".\"id\" = \"t1\".\"id\"", WithoutResults())
	require.NoError(t, err)
	assert.True(t, engine.HasView("c1_m1_view"))

	rs, err = engine.RunQuery(ctx, "SELECT * FROM \"c1_m1_view\" LIMIT 10")
	require.NoError(t, err)
	assert.Equal(t, []Column{{Name: "id", Type: "bigint"}, {Name: "name", Type: "string"}, {Name: "score", Type: "double"}}, rs.Columns)

	rs, err = engine.RunQuery(ctx, "SHOW TABLES")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"c1_m1_t1"}, {"c1_m1_t2"}, {"c1_m1_view"}}, rs.Rows)

	_, err = engine.RunQuery(ctx, "DROP VIEW IF EXISTS \"c1_m1_view\"", WithoutResults())
	require.NoError(t, err)
	_, err = engine.RunQuery(ctx, "DROP TABLE IF EXISTS `c1_m1_t1`", WithoutResults())
	require.NoError(t, err)

	assert.False(t, engine.HasView("c1_m1_view"))
	assert.False(t, engine.HasTable("c1_m1_t1"))
	assert.Len(t, engine.Statements(), 8)
}

func TestMemoryEngine_Failures(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := t.Context()
	engine := NewMemoryEngine()

	_, err := engine.RunQuery(ctx, "SELECT * FROM \"missing\"")
	require.ErrorIs(t, err, ErrQueryFailed)
	require.ErrorIs(t, err, ingestion.ErrExternal)

	_, err = engine.RunQuery(ctx, "MERGE INTO x")
	require.ErrorIs(t, err, ErrQueryFailed)

	boom := errors.New("throttled")
	engine.FailOn("DROP TABLE", boom)

	_, err = engine.RunQuery(ctx, "DROP TABLE IF EXISTS `t`")
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, err, ingestion.ErrExternal)

	var seen []string
	engine.OnStatement = func(stmt string) { seen = append(seen, stmt) }

	_, _ = engine.RunQuery(ctx, "SHOW TABLES")
	assert.Equal(t, []string{"SHOW TABLES"}, seen)
}

func TestConfig_Validate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := &Config{Backend: BackendAthena, OutputLocation: "s3://results/", QueryTimeout: defaultQueryTimeout}
	require.NoError(t, cfg.Validate())

	cfg.OutputLocation = "results"
	require.Error(t, cfg.Validate())

	cfg = &Config{Backend: "presto", QueryTimeout: defaultQueryTimeout}
	require.ErrorIs(t, cfg.Validate(), ErrUnknownBackend)

	t.Setenv("LAKESIDE_QUERY_ENGINE", "Memory")
	t.Setenv("ATHENA_QUERY_TIMEOUT", "90s")

	loaded := LoadConfig()
	assert.Equal(t, BackendMemory, loaded.Backend)
	assert.Equal(t, 90*time.Second, loaded.QueryTimeout)
	require.NoError(t, loaded.Validate())
}
