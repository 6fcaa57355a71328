package validator

import "github.com/r3e-cfagent/cfagentd/internal/policy"

// DataType is the syntactic type a constraint's lval expects its rval to
// be, per the typing table in spec §4.2.
type DataType int

const (
	DataScalar DataType = iota
	DataList
	DataScalarOrList
	DataContainer
)

func (d DataType) String() string {
	switch d {
	case DataScalar:
		return "scalar"
	case DataList:
		return "list"
	case DataScalarOrList:
		return "scalar-or-list"
	case DataContainer:
		return "container"
	default:
		return "unknown"
	}
}

// Accepts applies the typing rule from §4.2: FnCall matches anything;
// Scalar matches scalar and scalar-or-list types; List matches list and
// scalar-or-list types; Container matches container only.
func (d DataType) Accepts(k policy.Kind) bool {
	if k == policy.KindFnCall {
		return true
	}
	switch d {
	case DataScalar:
		return k == policy.KindScalar
	case DataList:
		return k == policy.KindList
	case DataScalarOrList:
		return k == policy.KindScalar || k == policy.KindList
	case DataContainer:
		return k == policy.KindContainer
	default:
		return false
	}
}

// LvalSyntax is the (partial, representative) syntax table mapping a
// well-known constraint lval to its expected DataType. Unknown lvals are
// skipped by the partial check, not rejected — this table names the lvals
// this repository's bundled promise types (files, packages, routing,
// classes) actually use; a full distribution would extend it per
// promise-type module.
var LvalSyntax = map[string]DataType{
	"comment":               DataScalar,
	"ifvarclass":            DataScalarOrList,
	"if":                    DataScalarOrList,
	"unless":                DataScalarOrList,
	"perms":                 DataScalar,
	"copy_from":             DataScalar,
	"edit_defaults":         DataScalar,
	"depth_search":          DataScalar,
	"package_method":        DataScalar,
	"package_policy":        DataScalar,
	"package_version":       DataScalar,
	"package_architecture":  DataScalar,
	"package_select":        DataScalar,
	"usebundle":             DataScalar,
	"home_bundle":           DataScalar,
	"expression":            DataScalarOrList,
	"and_expression":        DataList,
	"or_expression":         DataList,
	"not_expression":        DataScalar,
	"destination":           DataScalar,
	"ifelapsed":             DataScalar,
	"expireafter":           DataScalar,
	"data":                  DataContainer,
	"require_comments":      DataScalar,
}
