package policy

import (
	"fmt"
	"sort"
	"strings"
)

// Kind discriminates the Value sum type (§3 "Value (sum type)").
type Kind int

const (
	KindScalar Kind = iota
	KindList
	KindFnCall
	KindContainer
	KindNoPromisee
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "string"
	case KindList:
		return "list"
	case KindFnCall:
		return "functionCall"
	case KindContainer:
		return "container"
	case KindNoPromisee:
		return "none"
	default:
		return "unknown"
	}
}

// Value is the tagged union backing constraint rvals and promisees. Modeled
// per §9's design note as a single struct with a Kind discriminant rather
// than an interface hierarchy, so hashing/equality/serialization can switch
// on Kind exhaustively without type assertions scattered across the package.
type Value struct {
	Kind   Kind
	Scalar string
	// Symbol marks a KindScalar rval as a bare (unquoted) identifier — a
	// class or variable reference — rather than literal quoted text. The
	// original's JSON tree schema carries this as the rval "type" field
	// ("symbol" vs "string"); collapsing both to "string" loses the
	// reference-vs-literal distinction across a JSON round-trip.
	Symbol    bool
	List      []Value
	FnName    string
	FnArgs    []Value
	Container any // opaque JSON-like tree (map[string]any / []any / scalars)
}

// Scalar constructs a literal (quoted-text) scalar Value.
func Scalar(text string) Value { return Value{Kind: KindScalar, Scalar: text} }

// SymbolRef constructs a scalar Value representing a bare identifier (a
// class name or variable reference), as opposed to literal quoted text.
func SymbolRef(text string) Value { return Value{Kind: KindScalar, Scalar: text, Symbol: true} }

// ListOf constructs a list Value.
func ListOf(items ...Value) Value { return Value{Kind: KindList, List: items} }

// FnCall constructs a function-call Value.
func FnCall(name string, args ...Value) Value {
	return Value{Kind: KindFnCall, FnName: name, FnArgs: args}
}

// Container constructs an opaque-JSON-tree Value.
func Container(tree any) Value { return Value{Kind: KindContainer, Container: tree} }

// NoPromisee is the sentinel Value for a promise with no promisee.
var NoPromisee = Value{Kind: KindNoPromisee}

// IsScalar, IsList, IsFnCall, IsContainer, IsNoPromisee are readability
// helpers over Kind.
func (v Value) IsScalar() bool     { return v.Kind == KindScalar }
func (v Value) IsList() bool       { return v.Kind == KindList }
func (v Value) IsFnCall() bool     { return v.Kind == KindFnCall }
func (v Value) IsContainer() bool  { return v.Kind == KindContainer }
func (v Value) IsNoPromisee() bool { return v.Kind == KindNoPromisee }

// EscapeScalar escapes ' and " with a backslash for pretty-printing (§4.1).
func EscapeScalar(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\'' || r == '"' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Equal reports deep, order-sensitive equality between two Values (Container
// trees compare by their JSON-equivalent shape, not by pointer identity).
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindScalar:
		return v.Scalar == o.Scalar && v.Symbol == o.Symbol
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	case KindFnCall:
		if v.FnName != o.FnName || len(v.FnArgs) != len(o.FnArgs) {
			return false
		}
		for i := range v.FnArgs {
			if !v.FnArgs[i].Equal(o.FnArgs[i]) {
				return false
			}
		}
		return true
	case KindContainer:
		return containerEqual(v.Container, o.Container)
	case KindNoPromisee:
		return true
	}
	return false
}

func containerEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		keys := make([]string, 0, len(av))
		for k := range av {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			bVal, ok := bv[k]
			if !ok || !containerEqual(av[k], bVal) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !containerEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return fmt.Sprint(a) == fmt.Sprint(b)
	}
}

// Copy returns a deep copy of v.
func (v Value) Copy() Value {
	switch v.Kind {
	case KindList:
		cp := make([]Value, len(v.List))
		for i, item := range v.List {
			cp[i] = item.Copy()
		}
		return Value{Kind: KindList, List: cp}
	case KindFnCall:
		cp := make([]Value, len(v.FnArgs))
		for i, a := range v.FnArgs {
			cp[i] = a.Copy()
		}
		return Value{Kind: KindFnCall, FnName: v.FnName, FnArgs: cp}
	case KindContainer:
		return Value{Kind: KindContainer, Container: copyContainer(v.Container)}
	default:
		return v
	}
}

func copyContainer(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(tv))
		for k, val := range tv {
			cp[k] = copyContainer(val)
		}
		return cp
	case []any:
		cp := make([]any, len(tv))
		for i, val := range tv {
			cp[i] = copyContainer(val)
		}
		return cp
	default:
		return tv
	}
}
