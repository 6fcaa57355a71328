// Tree serialization (§4.1): Policy <-> a language-neutral JSON document,
// so a policy parsed or built in this process can be handed to cfctl, a
// test fixture, or another agent without sharing Go types. Decoding uses
// tidwall/gjson for cheap field access over the raw bytes; encoding uses
// encoding/json directly since the output shape is simple and fully known
// up front.
package policy

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

type treeValue struct {
	Type      string      `json:"type"`
	Value     interface{} `json:"value,omitempty"`
	Name      string      `json:"name,omitempty"`
	Arguments []treeValue `json:"arguments,omitempty"`
}

type treeAttribute struct {
	Line int       `json:"line"`
	Lval string    `json:"lval"`
	Rval treeValue `json:"rval"`
}

type treePromise struct {
	Line       int             `json:"line"`
	Promiser   string          `json:"promiser"`
	Promisee   *treeValue      `json:"promisee,omitempty"`
	Attributes []treeAttribute `json:"attributes"`
}

type treeContext struct {
	Name       string          `json:"name"`
	Promises   []treePromise   `json:"promises,omitempty"`
	Attributes []treeAttribute `json:"attributes,omitempty"`
}

type treePromiseType struct {
	Line     int           `json:"line"`
	Name     string        `json:"name"`
	Contexts []treeContext `json:"contexts"`
}

type treeBundle struct {
	SourcePath   string            `json:"sourcePath,omitempty"`
	Line         int               `json:"line"`
	Namespace    string            `json:"namespace"`
	Name         string            `json:"name"`
	BundleType   string            `json:"bundleType"`
	Arguments    []string          `json:"arguments"`
	PromiseTypes []treePromiseType `json:"promiseTypes"`
}

type treeBody struct {
	Line      int           `json:"line"`
	Namespace string        `json:"namespace"`
	Name      string        `json:"name"`
	BodyType  string        `json:"bodyType"`
	Arguments []string      `json:"arguments"`
	Contexts  []treeContext `json:"contexts"`
}

type treePolicy struct {
	Bundles []treeBundle `json:"bundles"`
	Bodies  []treeBody   `json:"bodies"`
}

// ToTreeJSON renders p as the language-neutral JSON tree shape.
func (p *Policy) ToTreeJSON() ([]byte, error) {
	t := treePolicy{
		Bundles: make([]treeBundle, len(p.Bundles)),
		Bodies:  make([]treeBody, len(p.Bodies)),
	}
	for i, b := range p.Bundles {
		t.Bundles[i] = bundleToTree(b)
	}
	for i, b := range p.Bodies {
		t.Bodies[i] = bodyToTree(b)
	}
	return json.MarshalIndent(t, "", "  ")
}

func bundleToTree(b *Bundle) treeBundle {
	t := treeBundle{
		SourcePath:   b.SourcePath,
		Line:         b.Line,
		Namespace:    b.Namespace,
		Name:         b.Name,
		BundleType:   string(b.Type),
		Arguments:    append([]string(nil), b.Args...),
		PromiseTypes: make([]treePromiseType, len(b.PromiseTypes)),
	}
	for i, pt := range b.PromiseTypes {
		t.PromiseTypes[i] = treePromiseType{
			Line:     pt.Line,
			Name:     pt.Name,
			Contexts: groupPromisesByClasses(pt.Promises),
		}
	}
	return t
}

// groupPromisesByClasses groups consecutive promises sharing the same
// Classes string into one {name, promises} context, matching the source
// file's `classes::` blocks rather than re-sorting by class (§4.1: "a
// context is grouped by consecutive identical classes").
func groupPromisesByClasses(promises []*Promise) []treeContext {
	var out []treeContext
	for _, p := range promises {
		if len(out) > 0 && out[len(out)-1].Name == p.Classes {
			last := &out[len(out)-1]
			last.Promises = append(last.Promises, promiseToTree(p))
			continue
		}
		out = append(out, treeContext{Name: p.Classes, Promises: []treePromise{promiseToTree(p)}})
	}
	return out
}

func promiseToTree(p *Promise) treePromise {
	t := treePromise{
		Line:       p.Line,
		Promiser:   p.Promiser,
		Attributes: make([]treeAttribute, len(p.Conlist)),
	}
	if !p.Promisee.IsNoPromisee() {
		v := valueToTree(p.Promisee)
		t.Promisee = &v
	}
	for i, c := range p.Conlist {
		t.Attributes[i] = treeAttribute{Line: c.Line, Lval: c.Lval, Rval: valueToTree(c.Rval)}
	}
	return t
}

func bodyToTree(b *Body) treeBody {
	t := treeBody{
		Line:      b.Line,
		Namespace: b.Namespace,
		Name:      b.Name,
		BodyType:  b.Type,
		Arguments: append([]string(nil), b.Args...),
	}
	t.Contexts = groupConstraintsByClasses(b.Conlist)
	return t
}

func groupConstraintsByClasses(cs []Constraint) []treeContext {
	var out []treeContext
	for _, c := range cs {
		attr := treeAttribute{Line: c.Line, Lval: c.Lval, Rval: valueToTree(c.Rval)}
		if len(out) > 0 && out[len(out)-1].Name == c.Classes {
			last := &out[len(out)-1]
			last.Attributes = append(last.Attributes, attr)
			continue
		}
		out = append(out, treeContext{Name: c.Classes, Attributes: []treeAttribute{attr}})
	}
	return out
}

func valueToTree(v Value) treeValue {
	switch v.Kind {
	case KindScalar:
		if v.Symbol {
			return treeValue{Type: "symbol", Value: v.Scalar}
		}
		return treeValue{Type: "string", Value: v.Scalar}
	case KindList:
		items := make([]interface{}, len(v.List))
		for i, item := range v.List {
			items[i] = valueToTree(item)
		}
		return treeValue{Type: "list", Value: items}
	case KindFnCall:
		args := make([]treeValue, len(v.FnArgs))
		for i, a := range v.FnArgs {
			args[i] = valueToTree(a)
		}
		return treeValue{Type: "functionCall", Name: v.FnName, Arguments: args}
	case KindContainer:
		return treeValue{Type: "container", Value: v.Container}
	default:
		return treeValue{Type: "string", Value: ""}
	}
}

// PolicyFromTreeJSON parses raw (the shape ToTreeJSON produces) back into a
// Policy. Field access is done via gjson rather than json.Unmarshal into the
// tree* structs directly, since the decode side additionally needs to
// recover the Value Kind from the "type" discriminant, which gjson makes
// cheap to dispatch on per-node without re-declaring UnmarshalJSON on every
// tree type.
func PolicyFromTreeJSON(raw []byte) (*Policy, error) {
	root := gjson.ParseBytes(raw)
	p := NewPolicy()

	var bundleErr error
	root.Get("bundles").ForEach(func(_, bv gjson.Result) bool {
		b := p.AppendBundle(
			bv.Get("namespace").String(),
			BundleType(bv.Get("bundleType").String()),
			bv.Get("name").String(),
			bv.Get("sourcePath").String(),
			stringArray(bv.Get("arguments")),
		)
		b.Line = int(bv.Get("line").Int())
		bv.Get("promiseTypes").ForEach(func(_, ptv gjson.Result) bool {
			pt := b.AppendPromiseType(ptv.Get("name").String(), int(ptv.Get("line").Int()))
			ptv.Get("contexts").ForEach(func(_, ctxv gjson.Result) bool {
				classes := ctxv.Get("name").String()
				ctxv.Get("promises").ForEach(func(_, pv gjson.Result) bool {
					promisee := NoPromisee
					if pv.Get("promisee").Exists() {
						promisee = valueFromGJSON(pv.Get("promisee"))
					}
					prom := pt.AppendPromise(pv.Get("promiser").String(), promisee, classes, int(pv.Get("line").Int()))
					pv.Get("attributes").ForEach(func(_, av gjson.Result) bool {
						// A promise's constraints are always classes="any"
						// regardless of the promise's own class guard (original
						// PromiseAppendConstraint, policy.c ~1415-1485): classes
						// is a promise-level concept here, not per-constraint.
						// Reusing the promise's `classes` would key constraint
						// dedup/merge on the wrong thing and change Hash() across
						// a JSON round-trip for any non-"any"-classed promise.
						_, err := prom.AppendConstraint(av.Get("lval").String(), valueFromGJSON(av.Get("rval")), "any", false, int(av.Get("line").Int()))
						if err != nil {
							bundleErr = err
							return false
						}
						return true
					})
					return bundleErr == nil
				})
				return bundleErr == nil
			})
			return bundleErr == nil
		})
		return bundleErr == nil
	})
	if bundleErr != nil {
		return nil, bundleErr
	}

	root.Get("bodies").ForEach(func(_, bv gjson.Result) bool {
		body := p.AppendBody(
			bv.Get("namespace").String(),
			bv.Get("bodyType").String(),
			bv.Get("name").String(),
			stringArray(bv.Get("arguments")),
		)
		body.Line = int(bv.Get("line").Int())
		bv.Get("contexts").ForEach(func(_, ctxv gjson.Result) bool {
			classes := ctxv.Get("name").String()
			ctxv.Get("attributes").ForEach(func(_, av gjson.Result) bool {
				body.AppendConstraint(av.Get("lval").String(), valueFromGJSON(av.Get("rval")), classes, false, int(av.Get("line").Int()))
				return true
			})
			return true
		})
		return true
	})

	return p, nil
}

func stringArray(r gjson.Result) []string {
	var out []string
	r.ForEach(func(_, v gjson.Result) bool {
		out = append(out, v.String())
		return true
	})
	return out
}

func valueFromGJSON(r gjson.Result) Value {
	switch r.Get("type").String() {
	case "symbol":
		return SymbolRef(r.Get("value").String())
	case "string":
		return Scalar(r.Get("value").String())
	case "list":
		var items []Value
		r.Get("value").ForEach(func(_, iv gjson.Result) bool {
			items = append(items, valueFromGJSON(iv))
			return true
		})
		return ListOf(items...)
	case "functionCall":
		var args []Value
		r.Get("arguments").ForEach(func(_, av gjson.Result) bool {
			args = append(args, valueFromGJSON(av))
			return true
		})
		return FnCall(r.Get("name").String(), args...)
	case "container":
		return Container(r.Get("value").Value())
	default:
		return Container(r.Value())
	}
}

// mustJSON is a small helper used by callers that want to fail loudly on a
// serialization bug rather than thread an error through (e.g. log lines).
func mustJSON(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	return string(raw)
}
