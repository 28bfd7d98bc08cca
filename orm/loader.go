package orm

import (
	"context"
	"fmt"
)

// preload is the batched-deferred strategy: one follow-up fetch retrieves
// the related rows for the whole parent set, keyed by the join column.
// The fetch count is independent of len(parents).
func (rel *relation) preload(ctx context.Context, db Querier, parents []any) error {
	if len(parents) == 0 {
		return nil
	}

	switch rel.kind {
	case hasMany:
		ids := make([]int64, 0, len(parents))
		byPK := make(map[int64][]any, len(parents))
		for _, p := range parents {
			pk := rel.parent.pkOf(p)
			if _, ok := byPK[pk]; !ok {
				ids = append(ids, pk)
				byPK[pk] = nil
			}
		}

		children, err := rel.child.selectIn(ctx, db, rel.foreignKey, ids)
		if err != nil {
			return err
		}
		for _, c := range children {
			fk := rel.fkValue(c)
			byPK[fk] = append(byPK[fk], c)
		}

		for _, p := range parents {
			children := byPK[rel.parent.pkOf(p)]
			rel.setItems(p, children)
			for _, c := range children {
				rel.setOwner(c, p)
			}
		}
		return nil

	case belongsTo:
		ids := make([]int64, 0, len(parents))
		seen := make(map[int64]bool, len(parents))
		for _, c := range parents {
			fk := rel.fkValue(c)
			if fk != 0 && !seen[fk] {
				seen[fk] = true
				ids = append(ids, fk)
			}
		}
		if len(ids) == 0 {
			return nil
		}

		owners, err := rel.parent.selectIn(ctx, db, rel.parent.pkColumn(), ids)
		if err != nil {
			return err
		}
		byPK := make(map[int64]any, len(owners))
		for _, o := range owners {
			byPK[rel.parent.pkOf(o)] = o
		}

		for _, c := range parents {
			if o, ok := byPK[rel.fkValue(c)]; ok {
				rel.setOwner(c, o)
			}
		}
		return nil

	default:
		return fmt.Errorf("orm: unsupported relation kind %d", rel.kind)
	}
}

// loadFor is the deferred-per-parent strategy: a separate fetch scoped to
// a single entity, issued on first access through Session.Load.
func (rel *relation) loadFor(ctx context.Context, db Querier, e any) error {
	switch rel.kind {
	case hasMany:
		children, err := rel.child.selectIn(ctx, db, rel.foreignKey, []int64{rel.parent.pkOf(e)})
		if err != nil {
			return err
		}
		rel.setItems(e, children)
		for _, c := range children {
			rel.setOwner(c, e)
		}
		return nil

	case belongsTo:
		fk := rel.fkValue(e)
		if fk == 0 {
			rel.setOwner(e, nil)
			return nil
		}
		owners, err := rel.parent.selectIn(ctx, db, rel.parent.pkColumn(), []int64{fk})
		if err != nil {
			return err
		}
		if len(owners) == 0 {
			return fmt.Errorf("orm: %s %d referenced by %s.%s: %w",
				rel.parent.tableName(), fk, rel.child.tableName(), rel.foreignKey, ErrNotFound)
		}
		rel.setOwner(e, owners[0])
		return nil

	default:
		return fmt.Errorf("orm: unsupported relation kind %d", rel.kind)
	}
}
