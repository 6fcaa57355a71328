package policy

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Hash returns a deterministic digest of p that depends on the order of
// bundles, bodies, promise types and promises; constraints are hashed in
// (lval, classes) order, so their append order does not change it. It is
// used to detect whether a freshly parsed policy differs from the one
// backing the running agent's evaluation context (§4.4 "policy hash").
// Digests are stable across process restarts: no map iteration, pointer
// address, or wall-clock value feeds into the hashed bytes.
func Hash(p *Policy) string {
	h, _ := blake2b.New256(nil)
	var b strings.Builder
	writePolicy(&b, p)
	h.Write([]byte(b.String()))
	return hex.EncodeToString(h.Sum(nil))
}

// HashBundle returns a deterministic digest of a single bundle, independent
// of unrelated bundles in the same file.
func HashBundle(b *Bundle) string {
	h, _ := blake2b.New256(nil)
	var sb strings.Builder
	writeBundle(&sb, b)
	h.Write([]byte(sb.String()))
	return hex.EncodeToString(h.Sum(nil))
}

func writePolicy(b *strings.Builder, p *Policy) {
	fmt.Fprintf(b, "policy{release=%s;", p.ReleaseID)
	for _, bd := range p.Bodies {
		writeBody(b, bd)
	}
	for _, bn := range p.Bundles {
		writeBundle(b, bn)
	}
	b.WriteByte('}')
}

func writeBundle(b *strings.Builder, bn *Bundle) {
	fmt.Fprintf(b, "bundle{ns=%s;type=%s;name=%s;args=%s;", bn.Namespace, bn.Type, bn.Name, strings.Join(bn.Args, ","))
	for _, pt := range bn.PromiseTypes {
		fmt.Fprintf(b, "pt{name=%s;", pt.Name)
		for _, p := range pt.Promises {
			writePromise(b, p)
		}
		b.WriteByte('}')
	}
	b.WriteByte('}')
}

func writeBody(b *strings.Builder, bd *Body) {
	fmt.Fprintf(b, "body{ns=%s;type=%s;name=%s;args=%s;", bd.Namespace, bd.Type, bd.Name, strings.Join(bd.Args, ","))
	writeConstraints(b, bd.Conlist)
	b.WriteByte('}')
}

func writePromise(b *strings.Builder, p *Promise) {
	fmt.Fprintf(b, "promise{classes=%s;promiser=%s;promisee=", p.Classes, p.Promiser)
	writeValue(b, p.Promisee)
	b.WriteByte(';')
	writeConstraints(b, p.Conlist)
	b.WriteByte('}')
}

// writeConstraints sorts a defensive copy by (lval, classes) so that
// constraint append order — which the parser does not guarantee is stable
// across equivalent source texts — does not change the digest.
func writeConstraints(b *strings.Builder, cs []Constraint) {
	sorted := make([]Constraint, len(cs))
	copy(sorted, cs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Lval != sorted[j].Lval {
			return sorted[i].Lval < sorted[j].Lval
		}
		return sorted[i].Classes < sorted[j].Classes
	})
	for _, c := range sorted {
		fmt.Fprintf(b, "c{lval=%s;classes=%s;ref=%v;rval=", c.Lval, c.Classes, c.ReferencesBody)
		writeValue(b, c.Rval)
		b.WriteByte('}')
	}
}

func writeValue(b *strings.Builder, v Value) {
	switch v.Kind {
	case KindScalar:
		fmt.Fprintf(b, "s(%s,symbol=%v)", v.Scalar, v.Symbol)
	case KindList:
		b.WriteString("l(")
		for _, item := range v.List {
			writeValue(b, item)
			b.WriteByte(',')
		}
		b.WriteByte(')')
	case KindFnCall:
		fmt.Fprintf(b, "f(%s;", v.FnName)
		for _, a := range v.FnArgs {
			writeValue(b, a)
			b.WriteByte(',')
		}
		b.WriteByte(')')
	case KindContainer:
		fmt.Fprintf(b, "j(%v)", v.Container)
	case KindNoPromisee:
		b.WriteString("none")
	}
}
