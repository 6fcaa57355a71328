package policy

// Copy returns a deep copy of p: every Bundle, Body, PromiseType, Promise
// and Constraint is a fresh value, so mutating the copy (e.g. the
// evaluation context rewriting a promise's classes while iterating a run)
// never touches p. Insertion order is preserved throughout, so
// Hash(p) == Hash(p.Copy()) (§8 "copy/hash round-trip").
func (p *Policy) Copy() *Policy {
	out := &Policy{
		ReleaseID: p.ReleaseID,
		Bundles:   make([]*Bundle, len(p.Bundles)),
		Bodies:    make([]*Body, len(p.Bodies)),
	}
	for i, b := range p.Bundles {
		out.Bundles[i] = b.Copy()
	}
	for i, bd := range p.Bodies {
		out.Bodies[i] = bd.Copy()
	}
	return out
}

// Copy returns a deep copy of b.
func (b *Bundle) Copy() *Bundle {
	out := &Bundle{
		Namespace:    b.Namespace,
		Type:         b.Type,
		Name:         b.Name,
		SourcePath:   b.SourcePath,
		Args:         append([]string(nil), b.Args...),
		Line:         b.Line,
		PromiseTypes: make([]*PromiseType, len(b.PromiseTypes)),
	}
	for i, pt := range b.PromiseTypes {
		out.PromiseTypes[i] = pt.Copy()
	}
	return out
}

// Copy returns a deep copy of pt.
func (pt *PromiseType) Copy() *PromiseType {
	out := &PromiseType{
		Name:     pt.Name,
		Line:     pt.Line,
		Promises: make([]*Promise, len(pt.Promises)),
	}
	for i, p := range pt.Promises {
		out.Promises[i] = p.Copy()
	}
	return out
}

// Copy returns a deep copy of p.
func (p *Promise) Copy() *Promise {
	out := &Promise{
		Promiser: p.Promiser,
		Promisee: p.Promisee.Copy(),
		Classes:  p.Classes,
		Comment:  p.Comment,
		Line:     p.Line,
		Conlist:  make([]Constraint, len(p.Conlist)),
	}
	for i, c := range p.Conlist {
		out.Conlist[i] = c.Copy()
	}
	return out
}

// Copy returns a deep copy of b.
func (b *Body) Copy() *Body {
	out := &Body{
		Namespace: b.Namespace,
		Type:      b.Type,
		Name:      b.Name,
		Args:      append([]string(nil), b.Args...),
		Line:      b.Line,
		Conlist:   make([]Constraint, len(b.Conlist)),
	}
	for i, c := range b.Conlist {
		out.Conlist[i] = c.Copy()
	}
	return out
}

// Copy returns a deep copy of c.
func (c Constraint) Copy() Constraint {
	c.Rval = c.Rval.Copy()
	return c
}
