package materialize

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/lakeside-io/lakeside/internal/config"
	"github.com/lakeside-io/lakeside/internal/ingestion"
	"github.com/lakeside-io/lakeside/internal/query"
	"github.com/lakeside-io/lakeside/internal/schema"
)

const defaultQueryTimeout = 5 * time.Minute

// TableLister lists object keys under a prefix. objectstore.Store satisfies it.
type TableLister interface {
	List(ctx context.Context, prefix string) ([]string, error)
}

// Options configures a Materializer for one model.
type Options struct {
	Bucket   string
	ClientID string
	ModelID  string

	// Store holds the model's Parquet data. A table belongs to the model when
	// objects exist under its data prefix. Nil means only the tables in the
	// statistics passed to ProcessTables.
	Store TableLister

	// Join is the view join policy. Nil means DefaultJoinConfig.
	Join *JoinConfig

	QueryTimeout time.Duration
	Logger       *slog.Logger
}

// Materializer issues table and view DDL for one model.
type Materializer struct {
	engine query.Engine
	opts   Options
}

// New creates a Materializer running statements on engine.
func New(engine query.Engine, opts Options) *Materializer {
	if opts.Join == nil {
		opts.Join = DefaultJoinConfig()
	}

	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}

	if opts.Logger == nil {
		opts.Logger = config.NewLogger()
	}

	return &Materializer{engine: engine, opts: opts}
}

// ProcessTables creates the tables described by stats that do not exist yet,
// then rebuilds viewName over every table of the model. The model's tables
// are the ones in stats plus those with objects under its data prefix.
//
// Existing tables keep their catalog schema. The returned definitions cover
// every model table in name order, whether or not it joined into the view.
// When no column can be projected the view is not created. Any failed
// statement aborts the call.
func (m *Materializer) ProcessTables(
	ctx context.Context, viewName string, stats []ingestion.FileStatistics,
) ([]ingestion.JoinTableDefinition, error) {
	catalog, err := m.listCatalog(ctx)
	if err != nil {
		return nil, err
	}

	stored, err := m.listStoredTables(ctx)
	if err != nil {
		return nil, err
	}

	known := make(map[string]tableSchema, len(stats))

	for _, s := range stats {
		name := strings.ToLower(ingestion.TableName(m.opts.ClientID, m.opts.ModelID, s.TableName))
		stored[name] = struct{}{}

		if _, ok := catalog[name]; ok {
			continue
		}

		if err := m.createTable(ctx, s); err != nil {
			return nil, err
		}

		known[name] = tableSchema{name: name, columns: columnsFromStatistics(s)}
		catalog[name] = struct{}{}
	}

	names := make([]string, 0, len(stored))
	for name := range stored {
		names = append(names, name)
	}

	sort.Strings(names)

	tables := make([]tableSchema, 0, len(names))

	for _, name := range names {
		table, ok := known[name]
		if !ok {
			if _, inCatalog := catalog[name]; !inCatalog {
				m.opts.Logger.Warn("Stored table has no catalog entry, not joined",
					slog.String("table_name", name),
					slog.String("view", viewName))

				continue
			}

			table, err = m.describeTable(ctx, name)
			if err != nil {
				return nil, err
			}
		}

		tables = append(tables, table)
	}

	plan := planView(m.opts.Join, tables)

	stmt := plan.statement(m.opts.Join, viewName)
	if stmt == "" {
		m.opts.Logger.Info("No tables to join, view not created",
			slog.String("view", viewName))

		return plan.definitions, nil
	}

	if _, err := m.engine.RunQuery(ctx, stmt, query.WithoutResults(), query.WithTimeout(m.opts.QueryTimeout)); err != nil {
		return nil, fmt.Errorf("create view %s: %w", viewName, err)
	}

	m.opts.Logger.Info("Created view",
		slog.String("view", viewName),
		slog.Int("tables", len(tables)),
		slog.Int("columns", len(plan.projections)))

	return plan.definitions, nil
}

// listCatalog returns the lowercased names of every catalog table.
func (m *Materializer) listCatalog(ctx context.Context) (map[string]struct{}, error) {
	rs, err := m.engine.RunQuery(ctx, "SHOW TABLES", query.WithTimeout(m.opts.QueryTimeout))
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	tables := make(map[string]struct{}, len(rs.Rows))

	for _, row := range rs.Rows {
		if len(row) == 0 {
			continue
		}

		tables[strings.ToLower(strings.TrimSpace(row[0]))] = struct{}{}
	}

	return tables, nil
}

// listStoredTables returns the lowercased full names of the tables with data
// under the model's data prefix. Catalog names are not used for discovery:
// identifiers may contain underscores, so <client>_<model>_ also prefixes the
// tables of models whose ID extends this one.
func (m *Materializer) listStoredTables(ctx context.Context) (map[string]struct{}, error) {
	tables := make(map[string]struct{})

	if m.opts.Store == nil {
		return tables, nil
	}

	prefix := ingestion.ModelDataPrefix(m.opts.ClientID, m.opts.ModelID)

	keys, err := m.opts.Store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list model tables: %w", err)
	}

	for _, key := range keys {
		table, _, ok := strings.Cut(strings.TrimPrefix(key, prefix), "/")
		if !ok || table == "" {
			continue
		}

		tables[strings.ToLower(ingestion.TableName(m.opts.ClientID, m.opts.ModelID, table))] = struct{}{}
	}

	return tables, nil
}

func (m *Materializer) createTable(ctx context.Context, s ingestion.FileStatistics) error {
	name := ingestion.TableName(m.opts.ClientID, m.opts.ModelID, s.TableName)
	location := fmt.Sprintf("s3://%s/%s", m.opts.Bucket, ingestion.DataPrefix(m.opts.ClientID, m.opts.ModelID, s.TableName))

	columns := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		columns = append(columns, fmt.Sprintf("  `%s` %s", c.Name, c.Type.AthenaType()))
	}

	stmt := fmt.Sprintf("CREATE EXTERNAL TABLE IF NOT EXISTS `%s` (\n%s\n)\nSTORED AS PARQUET\nLOCATION '%s'\nTBLPROPERTIES ('parquet.compression'='SNAPPY')",
		name, strings.Join(columns, ",\n"), location)

	if _, err := m.engine.RunQuery(ctx, stmt, query.WithoutResults(), query.WithTimeout(m.opts.QueryTimeout)); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}

	m.opts.Logger.Info("Created table",
		slog.String("table_name", name),
		slog.String("location", location),
		slog.Int("columns", len(columns)))

	return nil
}

func (m *Materializer) describeTable(ctx context.Context, name string) (tableSchema, error) {
	rs, err := m.engine.RunQuery(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", quote(name)),
		query.WithTimeout(m.opts.QueryTimeout))
	if err != nil {
		return tableSchema{}, fmt.Errorf("describe table %s: %w", name, err)
	}

	columns := make([]ingestion.JoinColumn, 0, len(rs.Columns))
	for _, c := range rs.Columns {
		columns = append(columns, ingestion.JoinColumn{Name: c.Name, Type: schema.FromEngineType(c.Type)})
	}

	return tableSchema{name: name, columns: columns}, nil
}

func columnsFromStatistics(s ingestion.FileStatistics) []ingestion.JoinColumn {
	columns := make([]ingestion.JoinColumn, 0, len(s.Columns))
	for _, c := range s.Columns {
		columns = append(columns, ingestion.JoinColumn{Name: c.Name, Type: c.Type})
	}

	return columns
}
