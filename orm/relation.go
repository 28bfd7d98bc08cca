package orm

import "fmt"

type relKind int

const (
	hasMany relKind = iota
	belongsTo
)

// relation is the runtime descriptor of one direction of a relationship
// edge. Both directions of a OneToMany share the same accessor closures,
// which keeps the two sides reciprocally consistent.
type relation struct {
	name       string
	kind       relKind
	foreignKey string // column on the owned (child) table
	backref    string // reciprocal attribute name on the other side

	parent mapper // owning side
	child  mapper // owned side

	items    func(parent any) []any
	setItems func(parent any, children []any)
	appendTo func(parent, child any)
	owner    func(child any) any
	setOwner func(child, parent any)
	fkValue  func(child any) int64
	setFK    func(child any, id int64)
}

// OneToMany declares a bidirectional one-to-many edge between a parent
// (owning) entity and its owned children. The accessor closures take the
// place of reflection: the mapping layer calls them to read and write the
// collection, the back-reference, and the foreign key.
type OneToMany[P, C any] struct {
	// Name is the collection attribute on the parent, e.g. "Addresses".
	Name string
	// Backref is the owner attribute on the child, e.g. "User".
	Backref string
	// ForeignKey is the referencing column on the child table, e.g. "user_id".
	ForeignKey string

	Items    func(p *P) []*C
	SetItems func(p *P, children []*C)
	Owner    func(c *C) *P
	SetOwner func(c *C, p *P)
	FK       func(c *C) int64
	SetFK    func(c *C, id int64)
}

// RegisterOneToMany registers both directions of the edge: the collection
// under cfg.Name on the parent meta and the back-reference under
// cfg.Backref on the child meta. It also registers the join definitions
// that Join, EagerJoin and ContainsEager resolve by relation name.
// Like Register, it panics on an incomplete configuration.
func RegisterOneToMany[P, C any](parent *Meta[P], child *Meta[C], cfg OneToMany[P, C]) {
	if cfg.Name == "" || cfg.Backref == "" || cfg.ForeignKey == "" ||
		cfg.Items == nil || cfg.SetItems == nil || cfg.Owner == nil ||
		cfg.SetOwner == nil || cfg.FK == nil || cfg.SetFK == nil {
		panic(fmt.Sprintf("orm: incomplete one-to-many registration %T.%s", *new(P), cfg.Name))
	}

	base := relation{
		foreignKey: cfg.ForeignKey,
		parent:     parent,
		child:      child,
		items: func(p any) []any {
			children := cfg.Items(p.(*P))
			out := make([]any, len(children))
			for i, c := range children {
				out[i] = c
			}
			return out
		},
		setItems: func(p any, children []any) {
			typed := make([]*C, len(children))
			for i, c := range children {
				typed[i] = c.(*C)
			}
			cfg.SetItems(p.(*P), typed)
		},
		appendTo: func(p, c any) {
			pp, cc := p.(*P), c.(*C)
			for _, existing := range cfg.Items(pp) {
				if existing == cc {
					return
				}
			}
			cfg.SetItems(pp, append(cfg.Items(pp), cc))
		},
		owner: func(c any) any {
			p := cfg.Owner(c.(*C))
			if p == nil {
				return nil
			}
			return p
		},
		setOwner: func(c, p any) {
			if p == nil {
				cfg.SetOwner(c.(*C), nil)
				return
			}
			cfg.SetOwner(c.(*C), p.(*P))
		},
		fkValue: func(c any) int64 { return cfg.FK(c.(*C)) },
		setFK:   func(c any, id int64) { cfg.SetFK(c.(*C), id) },
	}

	many := base
	many.name = cfg.Name
	many.kind = hasMany
	many.backref = cfg.Backref
	parent.rels[cfg.Name] = &many

	one := base
	one.name = cfg.Backref
	one.kind = belongsTo
	one.backref = cfg.Name
	child.rels[cfg.Backref] = &one

	parent.joins[cfg.Name] = JoinConfig{
		TargetTable:  child.table,
		TargetColumn: cfg.ForeignKey,
		SourceTable:  parent.table,
		SourceColumn: parent.pk,
	}
	child.joins[cfg.Backref] = JoinConfig{
		TargetTable:   parent.table,
		TargetColumn:  parent.pk,
		SourceTable:   child.table,
		SourceColumn:  cfg.ForeignKey,
		SelectColumns: parent.columns,
	}
}

// Append adds child to the named collection of parent and reciprocally
// sets the child's back-reference. Appending an already-present child is
// a no-op, so the two sides cannot drift apart.
func (r *Registry) Append(parent any, relName string, child any) error {
	m, err := r.mapperOf(parent)
	if err != nil {
		return err
	}
	rel, ok := m.relation(relName)
	if !ok || rel.kind != hasMany {
		return fmt.Errorf("orm: %T has no collection %q", parent, relName)
	}
	rel.appendTo(parent, child)
	rel.setOwner(child, parent)
	return nil
}

// SetOwner assigns the named owner attribute of child and reciprocally
// appends child to the owner's collection. It is the inverse entry point
// of Append; both leave the edge in the same state.
func (r *Registry) SetOwner(child any, relName string, parent any) error {
	m, err := r.mapperOf(child)
	if err != nil {
		return err
	}
	rel, ok := m.relation(relName)
	if !ok || rel.kind != belongsTo {
		return fmt.Errorf("orm: %T has no owner attribute %q", child, relName)
	}
	rel.setOwner(child, parent)
	if parent != nil {
		rel.appendTo(parent, child)
	}
	return nil
}
