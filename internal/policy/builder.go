package policy

import "fmt"

// NewPolicy returns an empty Policy ready for incremental construction.
func NewPolicy() *Policy {
	return &Policy{}
}

// AppendBundle appends a new Bundle to p and returns a pointer to it. The
// caller is responsible for checking ReservedBundleNames and duplicate keys
// before calling this — the builder itself never rejects a bundle, since the
// validator (§4.2) is where "partial" checks live, not construction.
func (p *Policy) AppendBundle(namespace string, typ BundleType, name, sourcePath string, args []string) *Bundle {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	b := &Bundle{
		Namespace:  namespace,
		Type:       typ,
		Name:       name,
		SourcePath: sourcePath,
		Args:       args,
	}
	p.Bundles = append(p.Bundles, b)
	return b
}

// AppendBody appends a new Body to p and returns a pointer to it.
func (p *Policy) AppendBody(namespace, typ, name string, args []string) *Body {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	b := &Body{
		Namespace: namespace,
		Type:      typ,
		Name:      name,
		Args:      args,
	}
	p.Bodies = append(p.Bodies, b)
	return b
}

// AppendPromiseType returns the PromiseType named name, creating it if this
// is the first promise of that type seen in the bundle (promise types with
// the same name may appear in several places in the source and are merged
// into one ordered collection, §4.1).
func (b *Bundle) AppendPromiseType(name string, line int) *PromiseType {
	for _, pt := range b.PromiseTypes {
		if pt.Name == name {
			return pt
		}
	}
	pt := &PromiseType{Name: name, Line: line}
	b.PromiseTypes = append(b.PromiseTypes, pt)
	return pt
}

// AppendPromise appends a new Promise to pt and returns a pointer to it.
func (pt *PromiseType) AppendPromise(promiser string, promisee Value, classes string, line int) *Promise {
	if classes == "" {
		classes = "any"
	}
	p := &Promise{
		Promiser: promiser,
		Promisee: promisee,
		Classes:  classes,
		Line:     line,
	}
	pt.Promises = append(pt.Promises, p)
	return p
}

// AppendConstraint appends lval/rval to p. A repeated ifvarclass or if
// constraint with the same classes is merged into the existing one per the
// ifvarclass/if merge rule (§4.1); any other repeated (lval, classes)
// replaces the earlier rval:
//
//   - Scalar + Scalar  -> Scalar "(prev).(new)"
//   - Scalar + FnCall   -> FnCall and(prev_scalar, new_fncall)
//   - anything else     -> a programming error: the policy source is
//     malformed in a way the parser should have rejected before construction
//     reached this point.
func (p *Promise) AppendConstraint(lval string, rval Value, classes string, referencesBody bool, line int) (*Constraint, error) {
	if classes == "" {
		classes = "any"
	}
	for i := range p.Conlist {
		c := &p.Conlist[i]
		if c.Lval != lval || c.Classes != classes {
			continue
		}
		if lval != "ifvarclass" && lval != "if" {
			c.Rval = rval
			c.ReferencesBody = referencesBody
			c.Line = line
			return c, nil
		}
		merged, err := mergeRval(c.Rval, rval)
		if err != nil {
			return nil, fmt.Errorf("promise %q: constraint %q: %w", p.Promiser, lval, err)
		}
		c.Rval = merged
		c.ReferencesBody = c.ReferencesBody || referencesBody
		return c, nil
	}
	p.Conlist = append(p.Conlist, Constraint{
		Lval:           lval,
		Rval:           rval,
		Classes:        classes,
		ReferencesBody: referencesBody,
		Parent:         ParentPromise,
		Line:           line,
	})
	return &p.Conlist[len(p.Conlist)-1], nil
}

// AppendConstraint appends lval/rval to b. Unlike Promise.AppendConstraint,
// a body constraint with the same (lval, classes) replaces the previous one
// rather than merging (§4.1): bodies are attribute bags, not accumulating
// class-guarded clauses.
func (b *Body) AppendConstraint(lval string, rval Value, classes string, referencesBody bool, line int) *Constraint {
	if classes == "" {
		classes = "any"
	}
	for i := range b.Conlist {
		c := &b.Conlist[i]
		if c.Lval == lval && c.Classes == classes {
			c.Rval = rval
			c.ReferencesBody = referencesBody
			c.Line = line
			return c
		}
	}
	b.Conlist = append(b.Conlist, Constraint{
		Lval:           lval,
		Rval:           rval,
		Classes:        classes,
		ReferencesBody: referencesBody,
		Parent:         ParentBody,
		Line:           line,
	})
	return &b.Conlist[len(b.Conlist)-1]
}

func mergeRval(prev, next Value) (Value, error) {
	switch {
	case prev.IsScalar() && next.IsScalar():
		return Scalar(fmt.Sprintf("(%s).(%s)", prev.Scalar, next.Scalar)), nil
	case prev.IsScalar() && next.IsFnCall():
		return FnCall("and", Scalar(prev.Scalar), next), nil
	default:
		return Value{}, fmt.Errorf("cannot merge %s constraint onto %s constraint", next.Kind, prev.Kind)
	}
}
