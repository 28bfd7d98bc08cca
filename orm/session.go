package orm

import (
	"context"
	"fmt"
)

// LoadState is the lifecycle of a relationship attribute on an attached
// entity.
type LoadState int

const (
	// StateUnloaded: the attribute has never been fetched.
	StateUnloaded LoadState = iota
	// StateLoading: a fetch for the attribute is in flight.
	StateLoading
	// StateLoaded: the attribute holds current values; access emits no SQL.
	StateLoaded
	// StateStale: the owning session committed since the last fetch; the
	// next access re-fetches.
	StateStale
)

func (s LoadState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateStale:
		return "stale"
	default:
		return fmt.Sprintf("LoadState(%d)", int(s))
	}
}

// instanceState tracks per-entity freshness inside a session.
type instanceState struct {
	// fresh is cleared on every successful commit; Refresh re-reads the
	// row and sets it again.
	fresh bool
	rels  map[string]LoadState
}

// Session is a unit of work: it tracks a working set of in-memory
// entities, flushes pending inserts in dependency order on Commit, and
// expires loaded attributes afterwards so reads go back to storage.
//
// A Session is owned by a single flow; it is not safe for concurrent use.
type Session struct {
	db  *DB
	reg *Registry

	pending    []any // insertion order is preserved within a flush
	pendingSet map[any]bool
	states     map[any]*instanceState
}

// NewSession returns a Session over db using the entity registry.
func NewSession(db *DB, reg *Registry) *Session {
	return &Session{
		db:         db,
		reg:        reg,
		pendingSet: make(map[any]bool),
		states:     make(map[any]*instanceState),
	}
}

// Add attaches the entity and everything reachable from it through
// relationship edges: owned children via collections and owners via
// back-references. Entities without an assigned surrogate key become
// pending inserts for the next Commit.
func (s *Session) Add(e any) error {
	m, err := s.reg.mapperOf(e)
	if err != nil {
		return err
	}
	if _, ok := s.states[e]; ok {
		return nil
	}

	st := &instanceState{fresh: true, rels: make(map[string]LoadState)}
	s.states[e] = st

	if m.pkOf(e) == 0 {
		s.pending = append(s.pending, e)
		s.pendingSet[e] = true
	}

	for _, name := range m.relationNames() {
		rel, _ := m.relation(name)
		switch rel.kind {
		case hasMany:
			children := rel.items(e)
			if len(children) > 0 {
				st.rels[name] = StateLoaded
			} else {
				st.rels[name] = StateUnloaded
			}
			for _, c := range children {
				if err := s.Add(c); err != nil {
					return err
				}
			}
		case belongsTo:
			owner := rel.owner(e)
			if owner != nil {
				st.rels[name] = StateLoaded
				if err := s.Add(owner); err != nil {
					return err
				}
			} else {
				st.rels[name] = StateUnloaded
			}
		}
	}
	return nil
}

// Contains reports whether the entity is attached to the session.
func (s *Session) Contains(e any) bool {
	_, ok := s.states[e]
	return ok
}

// Append links child into the named collection of parent (reciprocally,
// see Registry.Append) and, when parent is attached, attaches child too.
func (s *Session) Append(parent any, relName string, child any) error {
	if err := s.reg.Append(parent, relName, child); err != nil {
		return err
	}
	if s.Contains(parent) {
		return s.Add(child)
	}
	return nil
}

// pkUndo records a surrogate key assigned during a flush so a failed
// commit can take it back.
type pkUndo struct {
	m mapper
	e any
}

// fkUndo records a foreign key propagated during a flush.
type fkUndo struct {
	rel  *relation
	e    any
	prev int64
}

// Commit flushes all pending entities inside one transaction, inserting
// referenced entities before referencing ones and propagating freshly
// assigned surrogate keys into child foreign keys. On success every
// attached entity is expired: scalar attributes are stale until Refresh
// and relationship attributes transition to StateStale. On failure the
// transaction is rolled back, assigned keys are taken back, and the
// working set is left exactly as before; the error is a *TransactionError.
func (s *Session) Commit(ctx context.Context) error {
	var pks []pkUndo
	var fks []fkUndo

	err := s.db.Transaction(ctx, func(tx *Tx) error {
		return s.flush(ctx, tx, &pks, &fks)
	})
	if err != nil {
		for _, u := range pks {
			u.m.assignPK(u.e, 0)
		}
		for _, u := range fks {
			u.rel.setFK(u.e, u.prev)
		}
		return &TransactionError{Err: err}
	}

	s.pending = nil
	s.pendingSet = make(map[any]bool)
	s.expireAll()
	return nil
}

func (s *Session) flush(ctx context.Context, tx *Tx, pks *[]pkUndo, fks *[]fkUndo) error {
	done := make(map[any]bool, len(s.pending))

	var visit func(e any) error
	visit = func(e any) error {
		if done[e] {
			return nil
		}
		done[e] = true

		m, err := s.reg.mapperOf(e)
		if err != nil {
			return err
		}

		// Referenced rows first: resolve owners, then take their keys.
		for _, name := range m.relationNames() {
			rel, _ := m.relation(name)
			if rel.kind != belongsTo {
				continue
			}
			owner := rel.owner(e)
			if owner == nil {
				continue
			}
			if s.pendingSet[owner] {
				if err := visit(owner); err != nil {
					return err
				}
			}
			*fks = append(*fks, fkUndo{rel: rel, e: e, prev: rel.fkValue(e)})
			rel.setFK(e, rel.parent.pkOf(owner))
		}

		if err := m.create(ctx, tx, e); err != nil {
			return err
		}
		*pks = append(*pks, pkUndo{m: m, e: e})
		return nil
	}

	for _, e := range s.pending {
		if err := visit(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) expireAll() {
	for e, st := range s.states {
		st.fresh = false
		m, err := s.reg.mapperOf(e)
		if err != nil {
			continue
		}
		for _, name := range m.relationNames() {
			st.rels[name] = StateStale
		}
	}
}

// Rollback discards the pending entities: they are detached from the
// session and keep whatever in-memory state they had. Entities that were
// already persisted stay attached.
func (s *Session) Rollback() {
	for _, e := range s.pending {
		delete(s.states, e)
	}
	s.pending = nil
	s.pendingSet = make(map[any]bool)
}

// Load fetches the named relationship attribute of an attached entity,
// scoped to that single entity. A loaded attribute is returned from
// memory until the session commits; after a commit the attribute is stale
// and the next Load fetches again.
func (s *Session) Load(ctx context.Context, e any, relName string) error {
	st, ok := s.states[e]
	if !ok {
		return fmt.Errorf("orm: entity %T is not attached to the session", e)
	}
	m, err := s.reg.mapperOf(e)
	if err != nil {
		return err
	}
	rel, ok := m.relation(relName)
	if !ok {
		return fmt.Errorf("orm: %T has no relation %q", e, relName)
	}

	switch st.rels[relName] {
	case StateLoaded:
		return nil
	case StateLoading:
		return fmt.Errorf("orm: relation %q of %T is already loading", relName, e)
	}

	st.rels[relName] = StateLoading
	if err := rel.loadFor(ctx, s.db, e); err != nil {
		st.rels[relName] = StateUnloaded
		return err
	}
	st.rels[relName] = StateLoaded
	return nil
}

// Refresh re-reads the entity's row, overwriting in-memory scalar
// attributes and resetting relationship attributes to StateUnloaded.
func (s *Session) Refresh(ctx context.Context, e any) error {
	st, ok := s.states[e]
	if !ok {
		return fmt.Errorf("orm: entity %T is not attached to the session", e)
	}
	m, err := s.reg.mapperOf(e)
	if err != nil {
		return err
	}
	if err := m.refresh(ctx, s.db, e); err != nil {
		return err
	}
	st.fresh = true
	for _, name := range m.relationNames() {
		st.rels[name] = StateUnloaded
	}
	return nil
}

// Fresh reports whether the entity's scalar attributes are current, i.e.
// it has been read since the last commit. Detached entities report false.
func (s *Session) Fresh(e any) bool {
	st, ok := s.states[e]
	return ok && st.fresh
}

// RelationState returns the load state of the named relationship
// attribute. Detached entities report StateUnloaded.
func (s *Session) RelationState(e any, relName string) LoadState {
	st, ok := s.states[e]
	if !ok {
		return StateUnloaded
	}
	return st.rels[relName]
}
