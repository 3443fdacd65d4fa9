package query

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	createTablePattern = regexp.MustCompile("(?is)^CREATE EXTERNAL TABLE IF NOT EXISTS\\s+`([^`]+)`\\s*\\((.*)\\)\\s*STORED AS PARQUET\\s+LOCATION\\s+'([^']+)'")
	columnDefPattern   = regexp.MustCompile("`([^`]+)`\\s+(\\w+)")
	dropTablePattern   = regexp.MustCompile("(?i)^DROP TABLE IF EXISTS\\s+`?([^`\\s]+)`?")
	dropViewPattern    = regexp.MustCompile(`(?i)^DROP VIEW IF EXISTS\s+"?([^"\s]+)"?`)
	createViewPattern  = regexp.MustCompile(`(?is)^CREATE OR REPLACE VIEW\s+"([^"]+)"\s+AS\s+(.*)$`)
	showTablesPattern  = regexp.MustCompile(`(?i)^SHOW TABLES`)
	selectStarPattern  = regexp.MustCompile(`(?i)^SELECT \* FROM\s+"?([^"\s]+)"?(?:\s+LIMIT\s+(\d+))?\s*$`)
	viewColumnPattern  = regexp.MustCompile(`"(t\d+)"\."([^"]+)"`)
	viewAliasPattern   = regexp.MustCompile(`(?i)\s+AS\s+"([^"]+)"\s*$`)
	viewSourcePattern  = regexp.MustCompile(`(?i)(?:FROM|JOIN)\s+"([^"]+)"\s+"(t\d+)"`)
)

// MemoryEngine is an in-process Engine that keeps a catalog of tables and
// views. It understands the statements the ingestion pipeline issues, records
// every statement in order, and can be told to fail statements.
//
// Table and view names are stored lowercased, as Athena reports them.
type MemoryEngine struct {
	mu         sync.Mutex
	tables     map[string]*memoryTable
	views      map[string]*memoryView
	statements []string
	failures   []failure

	// OnStatement, when set, is called with every statement before it runs.
	OnStatement func(statement string)
}

type memoryTable struct {
	columns  []Column
	location string
	rows     [][]string
}

type memoryView struct {
	columns []Column
	sql     string
}

type failure struct {
	substring string
	err       error
}

var _ Engine = (*MemoryEngine)(nil)

// NewMemoryEngine creates an empty catalog.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		tables: make(map[string]*memoryTable),
		views:  make(map[string]*memoryView),
	}
}

// MemoryOpener returns an Opener handing out one MemoryEngine per database.
func MemoryOpener() Opener {
	var mu sync.Mutex

	engines := make(map[string]*MemoryEngine)

	return func(_ context.Context, database string) (Engine, error) {
		mu.Lock()
		defer mu.Unlock()

		engine, ok := engines[database]
		if !ok {
			engine = NewMemoryEngine()
			engines[database] = engine
		}

		return engine, nil
	}
}

// FailOn makes every later statement containing substring fail with err.
func (m *MemoryEngine) FailOn(substring string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failures = append(m.failures, failure{substring: substring, err: err})
}

// Statements returns every statement run so far, in order.
func (m *MemoryEngine) Statements() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.statements...)
}

// AddTable registers a table directly, bypassing DDL.
func (m *MemoryEngine) AddTable(name string, columns []Column, rows ...[]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tables[strings.ToLower(name)] = &memoryTable{columns: columns, rows: rows}
}

// HasTable reports whether a table exists.
func (m *MemoryEngine) HasTable(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.tables[strings.ToLower(name)]

	return ok
}

// HasView reports whether a view exists.
func (m *MemoryEngine) HasView(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.views[strings.ToLower(name)]

	return ok
}

// TableLocation returns the LOCATION a table was created with.
func (m *MemoryEngine) TableLocation(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tables[strings.ToLower(name)]; ok {
		return t.location
	}

	return ""
}

// RunQuery implements Engine.
func (m *MemoryEngine) RunQuery(ctx context.Context, statement string, opts ...Option) (*ResultSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Statement: statement, Err: err}
	}

	o := applyOptions(defaultQueryTimeout, opts)
	stmt := strings.TrimSpace(statement)

	if m.OnStatement != nil {
		m.OnStatement(stmt)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.statements = append(m.statements, stmt)

	for _, f := range m.failures {
		if strings.Contains(stmt, f.substring) {
			return nil, &Error{Statement: stmt, State: "FAILED", Err: f.err}
		}
	}

	rs, err := m.execute(stmt)
	if err != nil {
		return nil, &Error{Statement: stmt, State: "FAILED", Reason: err.Error(), Err: ErrQueryFailed}
	}

	if !o.wantRows {
		return &ResultSet{}, nil
	}

	return rs, nil
}

func (m *MemoryEngine) execute(stmt string) (*ResultSet, error) {
	switch {
	case createTablePattern.MatchString(stmt):
		match := createTablePattern.FindStringSubmatch(stmt)
		name := strings.ToLower(match[1])

		if _, ok := m.tables[name]; ok {
			return &ResultSet{}, nil
		}

		table := &memoryTable{location: match[3]}
		for _, def := range columnDefPattern.FindAllStringSubmatch(match[2], -1) {
			table.columns = append(table.columns, Column{Name: def[1], Type: def[2]})
		}

		m.tables[name] = table

		return &ResultSet{}, nil
	case dropTablePattern.MatchString(stmt):
		delete(m.tables, strings.ToLower(dropTablePattern.FindStringSubmatch(stmt)[1]))

		return &ResultSet{}, nil
	case dropViewPattern.MatchString(stmt):
		delete(m.views, strings.ToLower(dropViewPattern.FindStringSubmatch(stmt)[1]))

		return &ResultSet{}, nil
	case createViewPattern.MatchString(stmt):
		match := createViewPattern.FindStringSubmatch(stmt)

		columns, err := m.viewColumns(match[2])
		if err != nil {
			return nil, err
		}

		m.views[strings.ToLower(match[1])] = &memoryView{columns: columns, sql: match[2]}

		return &ResultSet{}, nil
	case showTablesPattern.MatchString(stmt):
		return m.showTables(), nil
	case selectStarPattern.MatchString(stmt):
		match := selectStarPattern.FindStringSubmatch(stmt)

		return m.selectStar(strings.ToLower(match[1]), match[2])
	default:
		return nil, fmt.Errorf("unsupported statement")
	}
}

func (m *MemoryEngine) showTables() *ResultSet {
	names := make([]string, 0, len(m.tables)+len(m.views))
	for name := range m.tables {
		names = append(names, name)
	}

	for name := range m.views {
		names = append(names, name)
	}

	sort.Strings(names)

	rs := &ResultSet{Columns: []Column{{Name: "tab_name", Type: "string"}}, Rows: make([][]string, 0, len(names))}
	for _, name := range names {
		rs.Rows = append(rs.Rows, []string{name})
	}

	return rs
}

func (m *MemoryEngine) selectStar(name, limit string) (*ResultSet, error) {
	var (
		columns []Column
		rows    [][]string
	)

	if table, ok := m.tables[name]; ok {
		columns, rows = table.columns, table.rows
	} else if view, ok := m.views[name]; ok {
		columns = view.columns
	} else {
		return nil, fmt.Errorf("table %s does not exist", name)
	}

	if limit != "" {
		n, _ := strconv.Atoi(limit)
		if n < len(rows) {
			rows = rows[:n]
		}
	}

	return &ResultSet{
		Columns: append([]Column(nil), columns...),
		Rows:    append([][]string{}, rows...),
	}, nil
}

// viewColumns resolves the projected columns of a view body against the
// catalog. Select items are separated by ",\n" and each ends in AS "<name>";
// the first column reference of an item determines its type.
func (m *MemoryEngine) viewColumns(body string) ([]Column, error) {
	selectList := body
	if i := strings.Index(strings.ToUpper(body), "\nFROM "); i >= 0 {
		selectList = body[:i]
	}

	selectList = strings.TrimSpace(selectList)
	if len(selectList) >= len("SELECT") && strings.EqualFold(selectList[:len("SELECT")], "SELECT") {
		selectList = selectList[len("SELECT"):]
	}

	aliases := make(map[string]*memoryTable)

	for _, src := range viewSourcePattern.FindAllStringSubmatch(body, -1) {
		table, ok := m.tables[strings.ToLower(src[1])]
		if !ok {
			return nil, fmt.Errorf("table %s does not exist", src[1])
		}

		aliases[src[2]] = table
	}

	var columns []Column

	for _, item := range strings.Split(selectList, ",\n") {
		ref := viewColumnPattern.FindStringSubmatch(item)
		if ref == nil {
			return nil, fmt.Errorf("unsupported select item %q", strings.TrimSpace(item))
		}

		table, ok := aliases[ref[1]]
		if !ok {
			return nil, fmt.Errorf("unknown alias %s", ref[1])
		}

		name := ref[2]
		if alias := viewAliasPattern.FindStringSubmatch(item); alias != nil {
			name = alias[1]
		}

		columnType := ""

		for _, c := range table.columns {
			if c.Name == ref[2] {
				columnType = c.Type
			}
		}

		if columnType == "" {
			return nil, fmt.Errorf("column %s does not exist", ref[2])
		}

		columns = append(columns, Column{Name: name, Type: columnType})
	}

	return columns, nil
}
