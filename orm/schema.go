package orm

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ColType is the abstract storage type of a column, mapped to a concrete
// SQL type per dialect.
type ColType int

const (
	Integer ColType = iota
	String
	Text
	Timestamp
)

// Column declares one table column.
type Column struct {
	Name string
	Type ColType
	// Size applies to String columns; zero means 255.
	Size       int
	PrimaryKey bool
	NotNull    bool
	// References names the referenced column as "table.column". Declaring
	// it adds a FOREIGN KEY constraint and orders this table after its
	// target in CreateAll.
	References string
}

// Table is a declared table: a name plus its columns, in declaration order.
type Table struct {
	Name    string
	Columns []Column
}

// refTables returns the tables this table references through foreign keys.
func (t *Table) refTables() []string {
	var refs []string
	for _, c := range t.Columns {
		if c.References == "" {
			continue
		}
		if name, _, ok := strings.Cut(c.References, "."); ok {
			refs = append(refs, name)
		}
	}
	return refs
}

// Metadata is an ordered collection of table declarations. A program
// typically builds a single Metadata next to its Registry at startup.
type Metadata struct {
	tables []*Table
}

// NewMetadata returns an empty Metadata.
func NewMetadata() *Metadata {
	return &Metadata{}
}

// AddTable declares a table and returns it.
func (m *Metadata) AddTable(name string, cols ...Column) *Table {
	t := &Table{Name: name, Columns: cols}
	m.tables = append(m.tables, t)
	return t
}

// Tables returns the declared tables in declaration order.
func (m *Metadata) Tables() []*Table {
	return append([]*Table(nil), m.tables...)
}

// sorted returns the tables in dependency order: referenced tables before
// referencing ones. Declaration order breaks ties.
func (m *Metadata) sorted() []*Table {
	byName := make(map[string]*Table, len(m.tables))
	for _, t := range m.tables {
		byName[t.Name] = t
	}

	var out []*Table
	done := make(map[string]bool, len(m.tables))

	var visit func(t *Table)
	visit = func(t *Table) {
		if done[t.Name] {
			return
		}
		done[t.Name] = true
		for _, ref := range t.refTables() {
			if dep, ok := byName[ref]; ok && dep != t {
				visit(dep)
			}
		}
		out = append(out, t)
	}
	for _, t := range m.tables {
		visit(t)
	}
	return out
}

// CreateAll emits CREATE TABLE IF NOT EXISTS for every declared table, in
// dependency order so foreign keys always reference an existing table.
func (m *Metadata) CreateAll(ctx context.Context, db Querier) error {
	for _, t := range m.sorted() {
		if _, err := db.ExecContext(ctx, createTableSQL(db.dialect(), t)); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// DropAll emits DROP TABLE IF EXISTS for every declared table in reverse
// dependency order. Failures do not stop the teardown; they are collected
// and returned together.
func (m *Metadata) DropAll(ctx context.Context, db Querier) error {
	sorted := m.sorted()
	var errs *multierror.Error
	for i := len(sorted) - 1; i >= 0; i-- {
		t := sorted[i]
		stmt := "DROP TABLE IF EXISTS " + db.dialect().QuoteIdent(t.Name)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("drop table %s: %w", t.Name, err))
		}
	}
	return errs.ErrorOrNil() //nolint:wrapcheck // pass through
}

func createTableSQL(d Dialect, t *Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", d.QuoteIdent(t.Name))

	parts := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		parts = append(parts, columnSQL(d, c))
	}
	for _, c := range t.Columns {
		if c.References == "" {
			continue
		}
		table, column, ok := strings.Cut(c.References, ".")
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf(
			"FOREIGN KEY (%s) REFERENCES %s (%s)",
			d.QuoteIdent(c.Name), d.QuoteIdent(table), d.QuoteIdent(column),
		))
	}

	b.WriteString(strings.Join(parts, ", "))
	b.WriteByte(')')
	return b.String()
}

func columnSQL(d Dialect, c Column) string {
	var b strings.Builder
	b.WriteString(d.QuoteIdent(c.Name))
	b.WriteByte(' ')

	if c.PrimaryKey && c.Type == Integer {
		// Surrogate keys are auto-generated; the syntax is per-engine.
		switch d.(type) {
		case mysqlDialect:
			b.WriteString("INT AUTO_INCREMENT PRIMARY KEY")
		case postgresDialect:
			b.WriteString("SERIAL PRIMARY KEY")
		default:
			b.WriteString("INTEGER PRIMARY KEY AUTOINCREMENT")
		}
		return b.String()
	}

	b.WriteString(typeSQL(d, c))
	if c.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
	}
	if c.NotNull {
		b.WriteString(" NOT NULL")
	}
	return b.String()
}

func typeSQL(d Dialect, c Column) string {
	switch c.Type {
	case Integer:
		if _, ok := d.(mysqlDialect); ok {
			return "INT"
		}
		return "INTEGER"
	case String:
		size := c.Size
		if size == 0 {
			size = 255
		}
		return fmt.Sprintf("VARCHAR(%d)", size)
	case Text:
		return "TEXT"
	case Timestamp:
		switch d.(type) {
		case mysqlDialect:
			return "DATETIME"
		case postgresDialect:
			return "TIMESTAMPTZ"
		default:
			return "TIMESTAMP"
		}
	default:
		return "TEXT"
	}
}

// ReflectedColumn is one column definition read back from the database.
type ReflectedColumn struct {
	Name       string
	Type       string
	NotNull    bool
	PrimaryKey bool
}

// Reflect returns the column definitions of an existing table, letting a
// program bind to a table it did not declare. Returns ErrNotFound when
// the table has no columns, i.e. does not exist.
func Reflect(ctx context.Context, db Querier, table string) ([]ReflectedColumn, error) {
	query := reflectSQL(db.dialect())
	query = rewritePlaceholders(db.dialect(), query)

	rows, err := db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, err //nolint:wrapcheck // pass through
	}
	defer func() { _ = rows.Close() }()

	var cols []ReflectedColumn
	for rows.Next() {
		var c ReflectedColumn
		var notNull, pk int
		if err := rows.Scan(&c.Name, &c.Type, &notNull, &pk); err != nil {
			return nil, err //nolint:wrapcheck // pass through
		}
		c.NotNull = notNull != 0
		c.PrimaryKey = pk != 0
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err //nolint:wrapcheck // pass through
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("orm: table %q: %w", table, ErrNotFound)
	}
	return cols, nil
}

func reflectSQL(d Dialect) string {
	switch d.(type) {
	case mysqlDialect:
		return "SELECT column_name, column_type, IF(is_nullable = 'NO', 1, 0), IF(column_key = 'PRI', 1, 0) " +
			"FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position"
	case postgresDialect:
		return "SELECT c.column_name, c.data_type, CASE WHEN c.is_nullable = 'NO' THEN 1 ELSE 0 END, " +
			"CASE WHEN EXISTS (SELECT 1 FROM information_schema.key_column_usage k " +
			"JOIN information_schema.table_constraints tc ON tc.constraint_name = k.constraint_name " +
			"WHERE tc.constraint_type = 'PRIMARY KEY' AND k.table_name = c.table_name AND k.column_name = c.column_name) " +
			"THEN 1 ELSE 0 END " +
			"FROM information_schema.columns c WHERE c.table_name = ? ORDER BY c.ordinal_position"
	default:
		return `SELECT "name", "type", "notnull", "pk" FROM pragma_table_info(?) ORDER BY "cid"`
	}
}
