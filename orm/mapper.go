package orm

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"time"

	"github.com/jinzhu/inflection"

	"github.com/mashiro/relorm/internal/naming"
	"github.com/mashiro/relorm/scope"
)

// ScanFunc scans a single row into T.
// Written by hand per entity type at registration time.
type ScanFunc[T any] func(rows *sql.Rows) (T, error)

// ColumnValueFunc extracts column names and their values from a *T.
// When includesPK is false the primary key column is excluded (for INSERT
// with auto-increment).
type ColumnValueFunc[T any] func(t *T, includesPK bool) (columns []string, values []any)

// SetPKFunc sets the auto-generated primary key on *T after INSERT.
type SetPKFunc[T any] func(t *T, id int64)

// TableNamer can be implemented by entity structs to override the
// auto-derived table name.
type TableNamer interface {
	TableName() string
}

// Entity describes how one entity type binds to a table. All binding is
// explicit; no struct tags or field introspection are involved.
type Entity[T any] struct {
	// Table is the table name. When empty, the name comes from the
	// TableNamer interface if T implements it, or is derived from the
	// type name (pluralized snake_case: "UserAccount" → "user_accounts").
	Table string

	// Columns lists every mapped column, primary key included.
	Columns []string

	// PK is the surrogate primary key column.
	PK string

	Scan         ScanFunc[T]
	ColumnValues ColumnValueFunc[T]

	// SetPK and PKValue give the mapper access to the surrogate key.
	// SetPK may be nil when the key is not auto-generated.
	SetPK   SetPKFunc[T]
	PKValue func(t *T) int64

	// SetCreatedAt, when non-nil, is called on Create/CreateAll with the
	// current time (see WithClock) before column values are extracted.
	SetCreatedAt func(t *T, now time.Time)
}

// Meta is the registered mapping for one entity type. It is the factory
// for queries against the entity's table and carries its relationship
// edges.
type Meta[T any] struct {
	reg     *Registry
	table   string
	columns []string
	pk      string

	scan         ScanFunc[T]
	colVals      ColumnValueFunc[T]
	setPK        SetPKFunc[T]
	pkValue      func(t *T) int64
	setCreatedAt func(t *T, now time.Time)

	rels  map[string]*relation
	joins map[string]JoinConfig
}

// Registry holds the metas of all registered entity types. A program
// typically builds a single Registry at startup.
type Registry struct {
	mappers map[reflect.Type]mapper
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{mappers: make(map[reflect.Type]mapper)}
}

// Register binds an entity type to its table. It panics on an incomplete
// Entity; a broken mapping is a programming error, not a runtime
// condition.
func Register[T any](reg *Registry, cfg Entity[T]) *Meta[T] {
	if len(cfg.Columns) == 0 || cfg.PK == "" || cfg.Scan == nil || cfg.ColumnValues == nil || cfg.PKValue == nil {
		panic(fmt.Sprintf("orm: incomplete entity registration for %T", *new(T)))
	}

	table := cfg.Table
	if table == "" {
		table = resolveTableName[T]()
	}

	m := &Meta[T]{
		reg:          reg,
		table:        table,
		columns:      cfg.Columns,
		pk:           cfg.PK,
		scan:         cfg.Scan,
		colVals:      cfg.ColumnValues,
		setPK:        cfg.SetPK,
		pkValue:      cfg.PKValue,
		setCreatedAt: cfg.SetCreatedAt,
		rels:         make(map[string]*relation),
		joins:        make(map[string]JoinConfig),
	}
	reg.mappers[reflect.TypeOf((**T)(nil)).Elem()] = m
	return m
}

// Table returns the table name the entity is bound to.
func (m *Meta[T]) Table() string { return m.table }

// Query returns a new query against the entity's table.
func (m *Meta[T]) Query(db Querier) *Query[T] {
	return &Query[T]{db: db, meta: m}
}

// resolveTableName returns the table name for type T: the TableNamer
// override when implemented, otherwise the derived conventional name.
func resolveTableName[T any]() string {
	var zero T
	if tn, ok := any(&zero).(TableNamer); ok {
		return tn.TableName()
	}
	return DeriveTableName(reflect.TypeOf((*T)(nil)).Elem().Name())
}

// DeriveTableName converts an entity type name to its conventional table
// name: snake_case, pluralized. "User" → "users", "UserEmail" →
// "user_emails".
func DeriveTableName(typeName string) string {
	return inflection.Plural(naming.CamelToSnake(typeName))
}

// mapper is the type-erased view of a Meta, used by Session and the
// relationship loaders to work across entity types.
type mapper interface {
	tableName() string
	pkColumn() string
	pkOf(e any) int64
	assignPK(e any, id int64)
	create(ctx context.Context, db Querier, e any) error
	refresh(ctx context.Context, db Querier, e any) error
	selectIn(ctx context.Context, db Querier, column string, ids []int64) ([]any, error)
	relation(name string) (*relation, bool)
	relationNames() []string
}

func (m *Meta[T]) tableName() string { return m.table }
func (m *Meta[T]) pkColumn() string  { return m.pk }

func (m *Meta[T]) pkOf(e any) int64 {
	return m.pkValue(e.(*T))
}

func (m *Meta[T]) assignPK(e any, id int64) {
	if m.setPK != nil {
		m.setPK(e.(*T), id)
	}
}

func (m *Meta[T]) create(ctx context.Context, db Querier, e any) error {
	return m.Query(db).Create(ctx, e.(*T))
}

// refresh re-reads the row identified by the entity's primary key and
// overwrites the in-memory attributes. Relationship attributes revert to
// their zero values and must be loaded again.
func (m *Meta[T]) refresh(ctx context.Context, db Querier, e any) error {
	t := e.(*T)
	got, err := m.Query(db).Where(m.pk+" = ?", m.pkValue(t)).First(ctx)
	if err != nil {
		return err
	}
	*t = got
	return nil
}

func (m *Meta[T]) selectIn(ctx context.Context, db Querier, column string, ids []int64) ([]any, error) {
	items, err := m.Query(db).Scopes(scope.In(column, ids)).OrderBy(m.pk).All(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out, nil
}

func (m *Meta[T]) relation(name string) (*relation, bool) {
	rel, ok := m.rels[name]
	return rel, ok
}

func (m *Meta[T]) relationNames() []string {
	names := make([]string, 0, len(m.rels))
	for name := range m.rels {
		names = append(names, name)
	}
	return names
}

// mapperOf returns the registered mapper for the entity, which must be a
// pointer to a registered struct type.
func (r *Registry) mapperOf(e any) (mapper, error) {
	m, ok := r.mappers[reflect.TypeOf(e)]
	if !ok {
		return nil, fmt.Errorf("orm: unregistered entity type %T", e)
	}
	return m, nil
}
