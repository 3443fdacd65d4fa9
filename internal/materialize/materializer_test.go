package materialize

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakeside-io/lakeside/internal/ingestion"
	"github.com/lakeside-io/lakeside/internal/objectstore"
	"github.com/lakeside-io/lakeside/internal/query"
	"github.com/lakeside-io/lakeside/internal/schema"
)

const testView = "c1_m1_view"

func stats(table string, columns ...any) ingestion.FileStatistics {
	s := ingestion.FileStatistics{TableName: table, FileName: table + ".csv", Operation: ingestion.OperationAdd}

	for i := 0; i+1 < len(columns); i += 2 {
		s.Columns = append(s.Columns, ingestion.ColumnStatistics{
			Name: columns[i].(string),
			Type: columns[i+1].(schema.ColumnType),
		})
	}

	return s
}

func newMaterializer(engine query.Engine, join *JoinConfig) *Materializer {
	return newMaterializerWithStore(engine, objectstore.NewMemoryStore(), join)
}

func newMaterializerWithStore(engine query.Engine, store TableLister, join *JoinConfig) *Materializer {
	return New(engine, Options{Bucket: "lake", ClientID: "c1", ModelID: "m1", Store: store, Join: join})
}

func putObject(t *testing.T, store *objectstore.MemoryStore, key string) {
	t.Helper()

	require.NoError(t, store.Put(t.Context(), key, strings.NewReader("PAR1")))
}

func TestProcessTables_CreatesTablesAndView(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine := query.NewMemoryEngine()
	m := newMaterializer(engine, nil)

	defs, err := m.ProcessTables(t.Context(), testView, []ingestion.FileStatistics{
		stats("orders", "order_id", schema.TypeInteger, "customer_id", schema.TypeInteger, "amount", schema.TypeFloat),
		stats("customers", "customer_id", schema.TypeInteger, "name", schema.TypeString),
	})
	require.NoError(t, err)

	assert.True(t, engine.HasTable("c1_m1_orders"))
	assert.True(t, engine.HasTable("c1_m1_customers"))
	assert.True(t, engine.HasView(testView))
	assert.Equal(t, "s3://lake/client/c1/m1/data/orders/", engine.TableLocation("c1_m1_orders"))

	require.Len(t, defs, 2)
	assert.Equal(t, "c1_m1_customers", defs[0].TableName, "tables are joined in name order")
	assert.Equal(t, "c1_m1_orders", defs[1].TableName)

	assert.Equal(t, []ingestion.JoinColumn{
		{Name: "customer_id", Type: schema.TypeInteger, IsSelectedColumn: true},
		{Name: "name", Type: schema.TypeString, IsSelectedColumn: true},
	}, defs[0].Columns)
	assert.Equal(t, []ingestion.JoinColumn{
		{Name: "order_id", Type: schema.TypeInteger, IsSelectedColumn: true},
		{Name: "customer_id", Type: schema.TypeInteger, IsSelectedColumn: false},
		{Name: "amount", Type: schema.TypeFloat, IsSelectedColumn: true},
	}, defs[1].Columns)

	statements := engine.Statements()
	view := statements[len(statements)-1]

	assert.Equal(t, `CREATE OR REPLACE VIEW "c1_m1_view" AS
SELECT
  COALESCE("t0"."customer_id", "t1"."customer_id") AS "customer_id",
  "t0"."name" AS "name",
  "t1"."order_id" AS "order_id",
  "t1"."amount" AS "amount"
FROM "c1_m1_customers" "t0"
FULL OUTER JOIN "c1_m1_orders" "t1" ON "t0"."customer_id" = "t1"."customer_id"`, view)

	rs, err := engine.RunQuery(t.Context(), `SELECT * FROM "c1_m1_view" LIMIT 0`)
	require.NoError(t, err)
	assert.Equal(t, []query.Column{
		{Name: "customer_id", Type: "bigint"},
		{Name: "name", Type: "string"},
		{Name: "order_id", Type: "bigint"},
		{Name: "amount", Type: "double"},
	}, rs.Columns)
}

func TestProcessTables_ExistingTablesKeepCatalogSchema(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine := query.NewMemoryEngine()
	engine.AddTable("c1_m1_accounts", []query.Column{{Name: "account_id", Type: "varchar"}, {Name: "opened", Type: "date"}})
	engine.AddTable("c2_m1_other", []query.Column{{Name: "account_id", Type: "varchar"}})

	m := newMaterializer(engine, nil)

	defs, err := m.ProcessTables(t.Context(), testView, []ingestion.FileStatistics{
		stats("accounts", "account_id", schema.TypeInteger),
		stats("balances", "account_id", schema.TypeString, "balance", schema.TypeFloat),
	})
	require.NoError(t, err)

	for _, stmt := range engine.Statements() {
		assert.NotContains(t, stmt, "IF NOT EXISTS `c1_m1_accounts`", "existing tables are not recreated")
	}

	require.Len(t, defs, 2, "other models' tables are ignored")
	assert.Equal(t, []ingestion.JoinColumn{
		{Name: "account_id", Type: schema.TypeString, IsSelectedColumn: true},
		{Name: "opened", Type: schema.TypeDate, IsSelectedColumn: true},
	}, defs[0].Columns)
	assert.Equal(t, "c1_m1_balances", defs[1].TableName)
	assert.False(t, defs[1].Columns[0].IsSelectedColumn)
	assert.True(t, defs[1].Columns[1].IsSelectedColumn)
}

func TestProcessTables_DiscoversModelTablesFromStore(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine := query.NewMemoryEngine()
	store := objectstore.NewMemoryStore()

	// Model m1_x shares the c1_m1_ catalog prefix with model m1.
	engine.AddTable("c1_m1_x_t9", []query.Column{{Name: "id", Type: "bigint"}, {Name: "secret", Type: "string"}})
	putObject(t, store, "client/c1/m1_x/data/t9/t9.parquet")

	engine.AddTable("c1_m1_accounts", []query.Column{{Name: "id", Type: "bigint"}, {Name: "owner", Type: "string"}})
	putObject(t, store, "client/c1/m1/data/accounts/accounts.parquet")

	engine.AddTable("c1_m1_stale", []query.Column{{Name: "id", Type: "bigint"}})
	putObject(t, store, "client/c1/m1/data/orphan/orphan.parquet")

	m := newMaterializerWithStore(engine, store, nil)

	defs, err := m.ProcessTables(t.Context(), testView, []ingestion.FileStatistics{
		stats("t1", "id", schema.TypeInteger, "amount", schema.TypeFloat),
	})
	require.NoError(t, err)

	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.TableName)
	}

	assert.Equal(t, []string{"c1_m1_accounts", "c1_m1_t1"}, names,
		"tables of other models and tables without data are not joined")

	view := engine.Statements()[len(engine.Statements())-1]
	assert.Contains(t, view, `FULL OUTER JOIN "c1_m1_t1" "t1"`)
	assert.NotContains(t, view, "c1_m1_x_t9")
	assert.NotContains(t, view, "secret")
	assert.NotContains(t, view, "c1_m1_stale")
	assert.NotContains(t, view, "c1_m1_orphan")
}

type failingLister struct{ err error }

func (f failingLister) List(context.Context, string) ([]string, error) { return nil, f.err }

func TestProcessTables_StoreListFailureIsFatal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	boom := errors.New("bucket unreachable")
	m := newMaterializerWithStore(query.NewMemoryEngine(), failingLister{err: boom}, nil)

	defs, err := m.ProcessTables(t.Context(), testView, []ingestion.FileStatistics{stats("a", "id", schema.TypeInteger)})
	require.ErrorIs(t, err, boom)
	assert.Nil(t, defs)
	assert.True(t, strings.HasPrefix(err.Error(), "list model tables"), err.Error())
}

func TestProcessTables_UnjoinableTableIsPassthrough(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine := query.NewMemoryEngine()
	m := newMaterializer(engine, nil)

	defs, err := m.ProcessTables(t.Context(), testView, []ingestion.FileStatistics{
		stats("a", "id", schema.TypeInteger, "score", schema.TypeFloat),
		stats("b", "score", schema.TypeFloat, "note", schema.TypeString),
	})
	require.NoError(t, err)

	require.Len(t, defs, 2)
	for _, col := range defs[1].Columns {
		assert.False(t, col.IsSelectedColumn, "float columns are not join keys")
	}

	view := engine.Statements()[len(engine.Statements())-1]
	assert.NotContains(t, view, `"c1_m1_b"`)
}

func TestProcessTables_JoinPolicy(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine := query.NewMemoryEngine()
	m := newMaterializer(engine, &JoinConfig{
		JoinKeys:       []string{"id"},
		ExcludeColumns: []string{"loaded_at"},
		JoinType:       JoinLeft,
	})

	defs, err := m.ProcessTables(t.Context(), testView, []ingestion.FileStatistics{
		stats("a", "id", schema.TypeInteger, "region", schema.TypeString, "loaded_at", schema.TypeTimestamp),
		stats("b", "id", schema.TypeInteger, "region", schema.TypeString, "total", schema.TypeFloat),
	})
	require.NoError(t, err)

	assert.False(t, defs[0].Columns[2].IsSelectedColumn, "excluded columns are never selected")
	assert.False(t, defs[1].Columns[1].IsSelectedColumn, "names already selected are not selected again")

	view := engine.Statements()[len(engine.Statements())-1]
	assert.Contains(t, view, `LEFT JOIN "c1_m1_b" "t1" ON "t0"."id" = "t1"."id"`)
	assert.NotContains(t, view, "region\" = ", "only configured keys join")
	assert.NotContains(t, view, "COALESCE")
	assert.NotContains(t, view, "loaded_at")
}

func TestProcessTables_ThreeWayFullJoinCoalescesKeys(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine := query.NewMemoryEngine()
	m := newMaterializer(engine, nil)

	_, err := m.ProcessTables(t.Context(), testView, []ingestion.FileStatistics{
		stats("a", "id", schema.TypeInteger),
		stats("b", "id", schema.TypeInteger, "x", schema.TypeString),
		stats("c", "id", schema.TypeInteger, "y", schema.TypeString),
	})
	require.NoError(t, err)

	view := engine.Statements()[len(engine.Statements())-1]
	assert.Contains(t, view, `COALESCE("t0"."id", "t1"."id", "t2"."id") AS "id"`)
	assert.Contains(t, view, `FULL OUTER JOIN "c1_m1_c" "t2" ON COALESCE("t0"."id", "t1"."id") = "t2"."id"`)
	assert.True(t, engine.HasView(testView))
}

func TestProcessTables_NoTables(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	engine := query.NewMemoryEngine()
	m := newMaterializer(engine, nil)

	defs, err := m.ProcessTables(t.Context(), testView, nil)
	require.NoError(t, err)

	assert.Empty(t, defs)
	assert.NotNil(t, defs)
	assert.False(t, engine.HasView(testView))
	assert.Equal(t, []string{"SHOW TABLES"}, engine.Statements())
}

func TestProcessTables_StatementFailureIsFatal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	boom := errors.New("access denied")

	tests := []struct {
		name    string
		failOn  string
		wantMsg string
	}{
		{name: "list tables", failOn: "SHOW TABLES", wantMsg: "list tables"},
		{name: "create table", failOn: "CREATE EXTERNAL TABLE", wantMsg: "create table c1_m1_a"},
		{name: "create view", failOn: "CREATE OR REPLACE VIEW", wantMsg: "create view c1_m1_view"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := query.NewMemoryEngine()
			engine.FailOn(tt.failOn, boom)

			m := newMaterializer(engine, nil)

			defs, err := m.ProcessTables(t.Context(), testView, []ingestion.FileStatistics{
				stats("a", "id", schema.TypeInteger),
			})

			require.Error(t, err)
			assert.Nil(t, defs)
			require.ErrorIs(t, err, boom)
			require.ErrorIs(t, err, ingestion.ErrExternal)
			assert.True(t, strings.HasPrefix(err.Error(), tt.wantMsg), err.Error())
		})
	}
}
