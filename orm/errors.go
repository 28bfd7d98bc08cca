package orm

import "errors"

// ErrNotFound is returned when a query expects exactly one row but finds none.
var ErrNotFound = errors.New("orm: not found")

// ErrMissingJoin is returned when ContainsEager names a relation that has
// no matching explicit Join on the query, so there are no joined columns
// to populate the relation from.
var ErrMissingJoin = errors.New("orm: ContainsEager requires an explicit Join on the same relation")

// TransactionError wraps the storage error that aborted a Session commit.
// The whole pending unit of work is rolled back; nothing is partially
// applied and the session's working set is left as it was before Commit.
type TransactionError struct {
	Err error
}

func (e *TransactionError) Error() string {
	return "orm: transaction failed: " + e.Err.Error()
}

func (e *TransactionError) Unwrap() error { return e.Err }
