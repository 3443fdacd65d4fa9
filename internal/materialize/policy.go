package materialize

import (
	"fmt"
	"strings"

	"github.com/lakeside-io/lakeside/internal/ingestion"
	"github.com/lakeside-io/lakeside/internal/schema"
)

// tableSchema is a table as the view builder sees it.
type tableSchema struct {
	name    string
	columns []ingestion.JoinColumn
}

// projection is one column of the view and the aliases it can be read from.
type projection struct {
	name    string
	typ     schema.ColumnType
	sources []string
}

// viewPlan is the outcome of applying the join policy to a set of tables.
type viewPlan struct {
	definitions []ingestion.JoinTableDefinition
	projections []*projection
	from        []string
}

// planView applies the join policy to tables, which must be sorted by name.
// The first table is the base; every later table joins on the keys it
// shares with the tables already joined, or is left out of the view.
func planView(cfg *JoinConfig, tables []tableSchema) *viewPlan {
	plan := &viewPlan{definitions: make([]ingestion.JoinTableDefinition, 0, len(tables))}
	selected := make(map[string]*projection)

	for _, table := range tables {
		alias := fmt.Sprintf("t%d", len(plan.from))

		columns := make([]ingestion.JoinColumn, len(table.columns))
		copy(columns, table.columns)

		var keys []string

		if len(plan.from) > 0 {
			keys = joinKeys(cfg, selected, columns)
			if len(keys) == 0 {
				for i := range columns {
					columns[i].IsSelectedColumn = false
				}

				plan.definitions = append(plan.definitions, ingestion.JoinTableDefinition{
					TableName: table.name,
					Columns:   columns,
				})

				continue
			}
		}

		if len(plan.from) == 0 {
			plan.from = append(plan.from, fmt.Sprintf("FROM %s %s", quote(table.name), quote(alias)))
		} else {
			conditions := make([]string, 0, len(keys))
			for _, k := range keys {
				p := selected[k]
				conditions = append(conditions, fmt.Sprintf("%s = %s", p.expr(cfg), columnRef(alias, p.name)))
			}

			plan.from = append(plan.from, fmt.Sprintf("%s %s %s ON %s",
				cfg.clause(), quote(table.name), quote(alias), strings.Join(conditions, " AND ")))

			for _, k := range keys {
				selected[k].sources = append(selected[k].sources, alias)
			}
		}

		for i := range columns {
			col := &columns[i]
			key := strings.ToLower(col.Name)

			_, taken := selected[key]
			col.IsSelectedColumn = !taken && !cfg.excluded(col.Name)

			if col.IsSelectedColumn {
				p := &projection{name: col.Name, typ: col.Type, sources: []string{alias}}
				selected[key] = p
				plan.projections = append(plan.projections, p)
			}
		}

		plan.definitions = append(plan.definitions, ingestion.JoinTableDefinition{
			TableName: table.name,
			Columns:   columns,
		})
	}

	return plan
}

// joinKeys returns the lowercased names of columns usable to join columns
// onto the already selected projections.
func joinKeys(cfg *JoinConfig, selected map[string]*projection, columns []ingestion.JoinColumn) []string {
	var keys []string

	for _, col := range columns {
		key := strings.ToLower(col.Name)

		p, ok := selected[key]
		if !ok || p.typ != col.Type || cfg.excluded(col.Name) || !cfg.keyAllowed(col.Name) {
			continue
		}

		if len(cfg.JoinKeys) == 0 && col.Type == schema.TypeFloat {
			continue
		}

		keys = append(keys, key)
	}

	return keys
}

// statement renders the CREATE OR REPLACE VIEW statement, or "" when no
// column is projected.
func (p *viewPlan) statement(cfg *JoinConfig, viewName string) string {
	if len(p.projections) == 0 {
		return ""
	}

	items := make([]string, 0, len(p.projections))
	for _, proj := range p.projections {
		items = append(items, fmt.Sprintf("%s AS %s", proj.expr(cfg), quote(proj.name)))
	}

	return fmt.Sprintf("CREATE OR REPLACE VIEW %s AS\nSELECT\n  %s\n%s",
		quote(viewName), strings.Join(items, ",\n  "), strings.Join(p.from, "\n"))
}

// expr reads the projection from its first source, or coalesces every source
// under a full outer join where any side may be missing.
func (p *projection) expr(cfg *JoinConfig) string {
	if len(p.sources) == 1 || cfg.JoinType != JoinFull {
		return columnRef(p.sources[0], p.name)
	}

	refs := make([]string, 0, len(p.sources))
	for _, alias := range p.sources {
		refs = append(refs, columnRef(alias, p.name))
	}

	return fmt.Sprintf("COALESCE(%s)", strings.Join(refs, ", "))
}

func columnRef(alias, column string) string {
	return quote(alias) + "." + quote(column)
}

func quote(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
