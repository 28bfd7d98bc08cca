// Package scope provides reusable query condition fragments that can be
// composed and applied to any query builder implementing Applier.
package scope

import "strings"

// Applier is implemented by query builders to receive scope fragments.
// The interface lives here so that orm can import scope without creating
// a circular dependency.
type Applier interface {
	ApplyWhere(clause string, args []any)
	ApplyOrderBy(clause string)
	ApplyLimit(n int)
	ApplyOffset(n int)
	ApplySelect(columns string)
}

type scopeKind int

const (
	kindWhere scopeKind = iota
	kindOrderBy
	kindLimit
	kindOffset
	kindSelect
)

// Scope represents a single query condition fragment.
// Scopes are immutable and safe to reuse across queries.
type Scope struct {
	kind   scopeKind
	clause string
	args   []any
	n      int
}

// Apply dispatches this Scope to the given Applier.
func (s Scope) Apply(a Applier) {
	switch s.kind {
	case kindWhere:
		a.ApplyWhere(s.clause, s.args)
	case kindOrderBy:
		a.ApplyOrderBy(s.clause)
	case kindLimit:
		a.ApplyLimit(s.n)
	case kindOffset:
		a.ApplyOffset(s.n)
	case kindSelect:
		a.ApplySelect(s.clause)
	}
}

// Where returns a Scope that adds a WHERE clause fragment.
//
//	scope.Where("email_address = ?", "pearl@aol.com")
func Where(clause string, args ...any) Scope {
	return Scope{kind: kindWhere, clause: clause, args: args}
}

// OrderBy returns a Scope that sets the ORDER BY clause.
//
//	scope.OrderBy("id")
func OrderBy(clause string) Scope {
	return Scope{kind: kindOrderBy, clause: clause}
}

// Limit returns a Scope that sets the LIMIT.
func Limit(n int) Scope {
	return Scope{kind: kindLimit, n: n}
}

// Offset returns a Scope that sets the OFFSET.
func Offset(n int) Scope {
	return Scope{kind: kindOffset, n: n}
}

// Select returns a Scope that overrides the SELECT column list.
func Select(columns ...string) Scope {
	return Scope{kind: kindSelect, clause: strings.Join(columns, ", ")}
}

// In returns a WHERE scope with an IN clause, expanding the slice into
// individual placeholders. An empty slice matches nothing.
//
//	scope.In("user_id", []int64{1, 2, 3})  // → WHERE user_id IN (?, ?, ?)
func In[T any](column string, values []T) Scope {
	if len(values) == 0 {
		return Where("1 = 0")
	}
	return Where(column+" IN ("+placeholders(len(values))+")", anySlice(values)...)
}

// NotIn returns a WHERE scope with a NOT IN clause. An empty slice
// matches everything.
func NotIn[T any](column string, values []T) Scope {
	if len(values) == 0 {
		return Where("1 = 1")
	}
	return Where(column+" NOT IN ("+placeholders(len(values))+")", anySlice(values)...)
}

// Paginate combines Limit and Offset for 1-based page numbers.
//
//	q.Scopes(scope.Paginate(2, 20)...)  // rows 21–40
func Paginate(page, perPage int) Scopes {
	if page < 1 {
		page = 1
	}
	return Scopes{Limit(perPage), Offset((page - 1) * perPage)}
}

// Scopes is a named slice of Scope, useful for conditionally building
// up a set of scopes.
type Scopes []Scope

// Append adds scopes and returns a new Scopes. The receiver is not modified.
func (ss Scopes) Append(scopes ...Scope) Scopes {
	return append(append(Scopes(nil), ss...), scopes...)
}

// Merge concatenates two Scopes and returns a new Scopes.
// Neither receiver nor argument is modified.
func (ss Scopes) Merge(other Scopes) Scopes {
	return append(append(Scopes(nil), ss...), other...)
}

// Combine creates a Scopes from the given scopes.
func Combine(scopes ...Scope) Scopes {
	return Scopes(scopes)
}

func placeholders(count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = "?"
	}
	return strings.Join(parts, ", ")
}

func anySlice[T any](values []T) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
