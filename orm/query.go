package orm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mashiro/relorm/scope"
)

// JoinConfig holds the metadata needed to build a JOIN clause at runtime.
// It is registered per relation by RegisterOneToMany.
type JoinConfig struct {
	TargetTable  string
	TargetColumn string
	SourceTable  string
	SourceColumn string

	// SelectColumns, when set, are the target-table columns selected as
	// "<relation>__<column>" aliases so the row scan can populate the
	// related attribute in the same round trip. Only to-one edges carry
	// select columns.
	SelectColumns []string
}

// Query represents a pending query against a single table.
// All builder methods return a new Query; the receiver is never modified.
type Query[T any] struct {
	db   Querier
	meta *Meta[T]

	wheres   []whereClause
	orderBys []string
	joins    []joinClause
	selects  *string
	limit    *int
	offset   *int

	preloads []string
	eagers   []eagerSpec
	contains []string
}

type whereClause struct {
	clause string
	args   []any
}

type joinClause struct {
	name   string // relation name, for redundancy detection
	clause string
}

type eagerSpec struct {
	name  string
	inner bool
}

// clone returns a shallow copy with slices copied to avoid aliasing.
func (q *Query[T]) clone() *Query[T] {
	q2 := *q
	q2.wheres = append([]whereClause(nil), q.wheres...)
	q2.orderBys = append([]string(nil), q.orderBys...)
	q2.joins = append([]joinClause(nil), q.joins...)
	q2.preloads = append([]string(nil), q.preloads...)
	q2.eagers = append([]eagerSpec(nil), q.eagers...)
	q2.contains = append([]string(nil), q.contains...)
	return &q2
}

// --- Builder methods ---

func (q *Query[T]) Where(clause string, args ...any) *Query[T] {
	q2 := q.clone()
	q2.wheres = append(q2.wheres, whereClause{clause, args})
	return q2
}

func (q *Query[T]) OrderBy(clause string) *Query[T] {
	q2 := q.clone()
	q2.orderBys = append(q2.orderBys, clause)
	return q2
}

func (q *Query[T]) Limit(n int) *Query[T] {
	q2 := q.clone()
	q2.limit = &n
	return q2
}

func (q *Query[T]) Offset(n int) *Query[T] {
	q2 := q.clone()
	q2.offset = &n
	return q2
}

func (q *Query[T]) Select(columns string) *Query[T] {
	q2 := q.clone()
	q2.selects = &columns
	return q2
}

// Join adds an explicit INNER JOIN for the named relation.
func (q *Query[T]) Join(name string) *Query[T] {
	return q.addJoin("INNER JOIN", name)
}

// LeftJoin adds an explicit LEFT JOIN for the named relation.
func (q *Query[T]) LeftJoin(name string) *Query[T] {
	return q.addJoin("LEFT JOIN", name)
}

func (q *Query[T]) addJoin(joinType, name string) *Query[T] {
	cfg, ok := q.meta.joins[name]
	if !ok {
		return q
	}
	q2 := q.clone()
	q2.joins = append(q2.joins, joinClause{name: name, clause: q.joinSQL(joinType, cfg)})
	return q2
}

func (q *Query[T]) joinSQL(joinType string, cfg JoinConfig) string {
	return fmt.Sprintf(
		"%s %s ON %s.%s = %s.%s",
		joinType,
		q.qi(cfg.TargetTable),
		q.qi(cfg.TargetTable), q.qi(cfg.TargetColumn),
		q.qi(cfg.SourceTable), q.qi(cfg.SourceColumn),
	)
}

// Preload requests the batched-deferred strategy for the named relation:
// after the main query, one follow-up fetch retrieves the related rows for
// the entire result set, keyed by the join column.
func (q *Query[T]) Preload(name string) *Query[T] {
	q2 := q.clone()
	q2.preloads = append(q2.preloads, name)
	return q2
}

// EagerJoin requests the eager-join strategy for the named to-one
// relation: the related row is fetched through a LEFT JOIN folded into the
// main query, with no follow-up round trip. Collections cannot be
// eager-joined; use Preload for them.
func (q *Query[T]) EagerJoin(name string) *Query[T] {
	q2 := q.clone()
	q2.eagers = append(q2.eagers, eagerSpec{name: name})
	return q2
}

// EagerJoinInner is EagerJoin with an INNER JOIN, for edges whose foreign
// key is known to be present.
func (q *Query[T]) EagerJoinInner(name string) *Query[T] {
	q2 := q.clone()
	q2.eagers = append(q2.eagers, eagerSpec{name: name, inner: true})
	return q2
}

// ContainsEager populates the named to-one relation from the columns of an
// explicit Join/LeftJoin already present on the query, instead of adding a
// join of its own. Executing without the matching explicit join fails with
// ErrMissingJoin.
func (q *Query[T]) ContainsEager(name string) *Query[T] {
	q2 := q.clone()
	q2.contains = append(q2.contains, name)
	return q2
}

// Scopes applies the given scope.Scope values to the query.
func (q *Query[T]) Scopes(scopes ...scope.Scope) *Query[T] {
	q2 := q.clone()
	for _, s := range scopes {
		s.Apply(q2)
	}
	return q2
}

// --- scope.Applier implementation ---

func (q *Query[T]) ApplyWhere(clause string, args []any) {
	q.wheres = append(q.wheres, whereClause{clause, args})
}

func (q *Query[T]) ApplyOrderBy(clause string) {
	q.orderBys = append(q.orderBys, clause)
}

func (q *Query[T]) ApplyLimit(n int)  { q.limit = &n }
func (q *Query[T]) ApplyOffset(n int) { q.offset = &n }

func (q *Query[T]) ApplySelect(columns string) {
	q.selects = &columns
}

var _ scope.Applier = (*Query[any])(nil)

// --- Terminal methods ---

// All executes a SELECT and returns all matching rows, then runs any
// requested relationship-loading strategies.
func (q *Query[T]) All(ctx context.Context) ([]T, error) {
	eagerNames, eagerJoins, err := q.resolveEager(ctx)
	if err != nil {
		return nil, err
	}

	query, args := q.buildSelect(eagerNames, eagerJoins)
	query, args = q.rewrite(query, args)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err //nolint:wrapcheck // pass through
	}
	defer func() { _ = rows.Close() }()

	var result []T
	for rows.Next() {
		item, err := q.meta.scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err //nolint:wrapcheck // pass through
	}
	// Release the connection before follow-up fetches; the pool may hold a
	// single connection.
	if err := rows.Close(); err != nil {
		return nil, err //nolint:wrapcheck // pass through
	}

	for _, name := range q.preloads {
		rel, ok := q.meta.rels[name]
		if !ok {
			return nil, fmt.Errorf("orm: unknown preload %q", name)
		}
		parents := make([]any, len(result))
		for i := range result {
			parents[i] = &result[i]
		}
		if err := rel.preload(ctx, q.db, parents); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// resolveEager validates the eager-load requests and reconciles them with
// the explicit joins. Asking for an eager join on an edge that is already
// joined — explicitly or via ContainsEager — would emit the same join
// twice; that combination is reported through WarnLogger and folded into a
// single join.
func (q *Query[T]) resolveEager(ctx context.Context) (names []string, extraJoins []string, err error) {
	seen := make(map[string]bool)

	for _, name := range q.contains {
		rel, ok := q.meta.rels[name]
		if !ok {
			return nil, nil, fmt.Errorf("orm: unknown relation %q", name)
		}
		if rel.kind != belongsTo {
			return nil, nil, fmt.Errorf("orm: ContainsEager(%q): only to-one relations can be populated from joined columns", name)
		}
		if !q.hasExplicitJoin(name) {
			return nil, nil, fmt.Errorf("%w: %q", ErrMissingJoin, name)
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	for _, e := range q.eagers {
		rel, ok := q.meta.rels[e.name]
		if !ok {
			return nil, nil, fmt.Errorf("orm: unknown relation %q", e.name)
		}
		if rel.kind != belongsTo {
			return nil, nil, fmt.Errorf("orm: EagerJoin(%q): collections cannot be eager-joined, use Preload", e.name)
		}
		if seen[e.name] || q.hasExplicitJoin(e.name) {
			warn(ctx, q.db, fmt.Sprintf("orm: relation %q is joined explicitly and eagerly; emitting a single join", e.name))
			if !seen[e.name] {
				seen[e.name] = true
				names = append(names, e.name)
			}
			continue
		}
		joinType := "LEFT JOIN"
		if e.inner {
			joinType = "INNER JOIN"
		}
		extraJoins = append(extraJoins, q.joinSQL(joinType, q.meta.joins[e.name]))
		seen[e.name] = true
		names = append(names, e.name)
	}

	return names, extraJoins, nil
}

func (q *Query[T]) hasExplicitJoin(name string) bool {
	for _, j := range q.joins {
		if j.name == name {
			return true
		}
	}
	return false
}

// First executes a SELECT with LIMIT 1 and returns the first row.
// Returns ErrNotFound if no rows match.
func (q *Query[T]) First(ctx context.Context) (T, error) {
	q2 := q.Limit(1)
	items, err := q2.All(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	if len(items) == 0 {
		var zero T
		return zero, ErrNotFound
	}
	return items[0], nil
}

// Count returns the number of rows matching the current query conditions.
func (q *Query[T]) Count(ctx context.Context) (int64, error) {
	query, args := q.buildCount()
	query, args = q.rewrite(query, args)

	var count int64
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, err //nolint:wrapcheck // pass through
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return 0, errors.New("orm: COUNT returned no rows")
	}
	if err := rows.Scan(&count); err != nil {
		return 0, err //nolint:wrapcheck // pass through
	}
	return count, rows.Err() //nolint:wrapcheck // pass through
}

// Exists returns true if at least one row matches the current query conditions.
func (q *Query[T]) Exists(ctx context.Context) (bool, error) {
	count, err := q.Limit(1).Count(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Create inserts a new row. If the entity registered SetPK, the generated
// primary key is populated via RETURNING (PostgreSQL) or LastInsertId
// (MySQL, SQLite). A registered SetCreatedAt fires first with the Clock
// time from ctx.
func (q *Query[T]) Create(ctx context.Context, t *T) error {
	if q.meta.setCreatedAt != nil {
		q.meta.setCreatedAt(t, now(ctx))
	}

	includesPK := q.meta.setPK == nil
	columns, values := q.meta.colVals(t, includesPK)

	query := q.buildInsert(columns)
	query, values = q.rewrite(query, values)

	d := q.db.dialect()
	if d.UseReturning() && q.meta.setPK != nil {
		query += d.ReturningClause(q.meta.pk)
		rows, err := q.db.QueryContext(ctx, query, values...)
		if err != nil {
			return err //nolint:wrapcheck // pass through
		}
		defer func() { _ = rows.Close() }()
		if !rows.Next() {
			return errors.New("orm: INSERT RETURNING returned no rows")
		}
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err //nolint:wrapcheck // pass through
		}
		q.meta.setPK(t, id)
		return rows.Err() //nolint:wrapcheck // pass through
	}

	result, err := q.db.ExecContext(ctx, query, values...)
	if err != nil {
		return err //nolint:wrapcheck // pass through
	}

	if q.meta.setPK != nil {
		id, err := result.LastInsertId()
		if err != nil {
			return err //nolint:wrapcheck // pass through
		}
		q.meta.setPK(t, id)
	}
	return nil
}

// CreateAll inserts multiple rows in a single INSERT statement, the
// executemany idiom. Primary keys are populated for each row when SetPK is
// registered.
func (q *Query[T]) CreateAll(ctx context.Context, items []*T) error {
	if len(items) == 0 {
		return nil
	}

	if q.meta.setCreatedAt != nil {
		stamp := now(ctx)
		for _, item := range items {
			q.meta.setCreatedAt(item, stamp)
		}
	}

	includesPK := q.meta.setPK == nil
	columns, _ := q.meta.colVals(items[0], includesPK)

	var allValues []any
	for _, item := range items {
		_, vals := q.meta.colVals(item, includesPK)
		allValues = append(allValues, vals...)
	}

	query := q.buildBatchInsert(columns, len(items))
	query, allValues = q.rewrite(query, allValues)

	d := q.db.dialect()
	if d.UseReturning() && q.meta.setPK != nil {
		query += d.ReturningClause(q.meta.pk)
		rows, err := q.db.QueryContext(ctx, query, allValues...)
		if err != nil {
			return err //nolint:wrapcheck // pass through
		}
		defer func() { _ = rows.Close() }()
		for i := 0; rows.Next(); i++ {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err //nolint:wrapcheck // pass through
			}
			q.meta.setPK(items[i], id)
		}
		return rows.Err() //nolint:wrapcheck // pass through
	}

	result, err := q.db.ExecContext(ctx, query, allValues...)
	if err != nil {
		return err //nolint:wrapcheck // pass through
	}

	if q.meta.setPK != nil {
		firstID, err := result.LastInsertId()
		if err != nil {
			return err //nolint:wrapcheck // pass through
		}
		if !lastInsertIDAnchorsFirst(d) {
			firstID -= int64(len(items) - 1)
		}
		for i, item := range items {
			q.meta.setPK(item, firstID+int64(i))
		}
	}
	return nil
}

// Upsert inserts a row or updates it on primary key conflict.
// All non-PK columns are updated on conflict.
// The primary key must be set on t before calling Upsert.
func (q *Query[T]) Upsert(ctx context.Context, t *T) error {
	columns, values := q.meta.colVals(t, true) // always include PK

	query := q.buildUpsert(columns)
	query, values = q.rewrite(query, values)

	d := q.db.dialect()
	if d.UseReturning() && q.meta.setPK != nil {
		query += d.ReturningClause(q.meta.pk)
		rows, err := q.db.QueryContext(ctx, query, values...)
		if err != nil {
			return err //nolint:wrapcheck // pass through
		}
		defer func() { _ = rows.Close() }()
		if rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err //nolint:wrapcheck // pass through
			}
			q.meta.setPK(t, id)
		}
		return rows.Err() //nolint:wrapcheck // pass through
	}

	_, err := q.db.ExecContext(ctx, query, values...)
	return err //nolint:wrapcheck // pass through
}

// Update updates the row identified by the primary key of t.
// All non-PK columns are SET.
func (q *Query[T]) Update(ctx context.Context, t *T) error {
	allCols, allVals := q.meta.colVals(t, true)

	var setCols []string
	var setVals []any
	var pkVal any
	for i, col := range allCols {
		if col == q.meta.pk {
			pkVal = allVals[i]
		} else {
			setCols = append(setCols, col)
			setVals = append(setVals, allVals[i])
		}
	}
	if pkVal == nil {
		return errors.New("orm: primary key value is required for Update")
	}

	setVals = append(setVals, pkVal)
	query := q.buildUpdate(setCols)
	query, setVals = q.rewrite(query, setVals)

	_, err := q.db.ExecContext(ctx, query, setVals...)
	return err //nolint:wrapcheck // pass through
}

// Delete deletes rows matching the accumulated WHERE clauses.
// Returns an error if no WHERE clauses are set (safety guard).
func (q *Query[T]) Delete(ctx context.Context) error {
	if len(q.wheres) == 0 {
		return errors.New("orm: Delete without WHERE clause is not allowed")
	}
	query, args := q.buildDelete()
	query, args = q.rewrite(query, args)

	_, err := q.db.ExecContext(ctx, query, args...)
	return err //nolint:wrapcheck // pass through
}

// --- SQL building ---

// qi quotes an identifier (table/column name) using the dialect.
func (q *Query[T]) qi(name string) string {
	return q.db.dialect().QuoteIdent(name)
}

// quoteColumns joins column names with dialect-aware quoting.
func (q *Query[T]) quoteColumns(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = q.qi(c)
	}
	return strings.Join(quoted, ", ")
}

func (q *Query[T]) buildSelect(eagerNames, eagerJoins []string) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")

	joined := len(q.joins) > 0 || len(eagerJoins) > 0

	switch {
	case q.selects != nil:
		b.WriteString(*q.selects)
	case joined || len(eagerNames) > 0:
		// Qualify base columns: a joined table may share column names.
		cols := make([]string, 0, len(q.meta.columns))
		for _, c := range q.meta.columns {
			cols = append(cols, q.qi(q.meta.table)+"."+q.qi(c))
		}
		for _, name := range eagerNames {
			cfg := q.meta.joins[name]
			for _, c := range cfg.SelectColumns {
				cols = append(cols, fmt.Sprintf(
					"%s.%s AS %s",
					q.qi(cfg.TargetTable), q.qi(c), q.qi(name+"__"+c),
				))
			}
		}
		b.WriteString(strings.Join(cols, ", "))
	default:
		b.WriteString(q.quoteColumns(q.meta.columns))
	}

	b.WriteString(" FROM ")
	b.WriteString(q.qi(q.meta.table))

	for _, j := range q.joins {
		b.WriteByte(' ')
		b.WriteString(j.clause)
	}
	for _, j := range eagerJoins {
		b.WriteByte(' ')
		b.WriteString(j)
	}

	args := q.appendWhere(&b)

	if len(q.orderBys) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(q.orderBys, ", "))
	}

	if q.limit != nil {
		fmt.Fprintf(&b, " LIMIT %d", *q.limit)
	}
	if q.offset != nil {
		fmt.Fprintf(&b, " OFFSET %d", *q.offset)
	}

	return b.String(), args
}

func (q *Query[T]) buildCount() (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT COUNT(*) FROM ")
	b.WriteString(q.qi(q.meta.table))

	for _, j := range q.joins {
		b.WriteByte(' ')
		b.WriteString(j.clause)
	}

	args := q.appendWhere(&b)

	if q.limit != nil {
		fmt.Fprintf(&b, " LIMIT %d", *q.limit)
	}
	if q.offset != nil {
		fmt.Fprintf(&b, " OFFSET %d", *q.offset)
	}

	return b.String(), args
}

func (q *Query[T]) buildInsert(columns []string) string {
	placeholders := make([]string, len(columns))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		q.qi(q.meta.table),
		q.quoteColumns(columns),
		strings.Join(placeholders, ", "),
	)
}

func (q *Query[T]) buildBatchInsert(columns []string, rowCount int) string {
	ph := make([]string, len(columns))
	for i := range ph {
		ph[i] = "?"
	}
	oneRow := "(" + strings.Join(ph, ", ") + ")"

	rows := make([]string, rowCount)
	for i := range rows {
		rows[i] = oneRow
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES %s",
		q.qi(q.meta.table),
		q.quoteColumns(columns),
		strings.Join(rows, ", "),
	)
}

func (q *Query[T]) buildUpsert(columns []string) string {
	placeholders := make([]string, len(columns))
	for i := range placeholders {
		placeholders[i] = "?"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)",
		q.qi(q.meta.table),
		q.quoteColumns(columns),
		strings.Join(placeholders, ", "),
	)

	var updateCols []string
	for _, col := range columns {
		if col != q.meta.pk {
			updateCols = append(updateCols, col)
		}
	}

	d := q.db.dialect()
	if _, ok := d.(mysqlDialect); ok {
		sets := make([]string, len(updateCols))
		for i, col := range updateCols {
			sets[i] = fmt.Sprintf("%s = VALUES(%s)", q.qi(col), q.qi(col))
		}
		fmt.Fprintf(&b, " ON DUPLICATE KEY UPDATE %s", strings.Join(sets, ", "))
	} else {
		sets := make([]string, len(updateCols))
		for i, col := range updateCols {
			sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", q.qi(col), q.qi(col))
		}
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET %s", q.qi(q.meta.pk), strings.Join(sets, ", "))
	}

	return b.String()
}

func (q *Query[T]) buildUpdate(setCols []string) string {
	sets := make([]string, len(setCols))
	for i, col := range setCols {
		sets[i] = q.qi(col) + " = ?"
	}
	return fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = ?",
		q.qi(q.meta.table),
		strings.Join(sets, ", "),
		q.qi(q.meta.pk),
	)
}

func (q *Query[T]) buildDelete() (string, []any) {
	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(q.qi(q.meta.table))
	args := q.appendWhere(&b)
	return b.String(), args
}

func (q *Query[T]) appendWhere(b *strings.Builder) []any {
	if len(q.wheres) == 0 {
		return nil
	}

	var args []any
	b.WriteString(" WHERE ")
	for i, w := range q.wheres {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(w.clause)
		args = append(args, w.args...)
	}
	return args
}

// rewrite converts ? placeholders to dialect-specific placeholders.
// For MySQL and SQLite this is a no-op. For PostgreSQL, ? becomes $1, $2,
// etc.
func (q *Query[T]) rewrite(query string, args []any) (string, []any) {
	return rewritePlaceholders(q.db.dialect(), query), args
}

// rewritePlaceholders converts ? to dialect-specific placeholders.
func rewritePlaceholders(d Dialect, query string) string {
	if usesQuestionMark(d) {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	idx := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(d.Placeholder(idx))
			idx++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}
