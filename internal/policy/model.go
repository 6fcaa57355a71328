// Package policy is the in-memory representation of bundles, bodies,
// promise types, promises and constraints (spec §3/§4.1): construction,
// query, merge, hash/copy/equality, and tree serialization.
package policy

// ParentKind identifies whether a Constraint belongs to a Promise or a Body.
type ParentKind int

const (
	ParentPromise ParentKind = iota
	ParentBody
)

// ReservedBundleNames must not be used as a Bundle's name (§4.1).
var ReservedBundleNames = map[string]bool{
	"sys": true, "const": true, "mon": true, "edit": true, "match": true, "this": true,
}

// Constraint is a (lval, rval, classes) triple belonging to a Promise or a
// Body. There is no back-pointer to the parent (§9 design note): callers
// that need parentage track it via ParentKind plus the index into the
// owning slice, known from stack context while walking top-down.
type Constraint struct {
	Lval            string
	Rval            Value
	Classes         string // defaults to "any"
	ReferencesBody  bool
	Parent          ParentKind
	Line            int
}

// Promise is the atomic assertion (§3).
type Promise struct {
	Promiser string
	Promisee Value // NoPromisee when absent
	Classes  string
	Conlist  []Constraint
	Comment  string
	Line     int
}

// CommentValue reports whether the promise carries a non-empty comment
// constraint, used by the "require_comments" runnable check.
func (p *Promise) CommentValue() (string, bool) {
	for _, c := range p.Conlist {
		if c.Lval == "comment" && c.Rval.IsScalar() {
			return c.Rval.Scalar, true
		}
	}
	return "", false
}

// PromiseType is a named subsection inside a Bundle (e.g. "files", "packages").
type PromiseType struct {
	Name     string
	Line     int
	Promises []*Promise
}

// BundleType is the closed set of agent types a Bundle may declare.
type BundleType string

const (
	BundleAgent    BundleType = "agent"
	BundleServer   BundleType = "server"
	BundleCommon   BundleType = "common"
	BundleEditLine BundleType = "edit_line"
	BundleEditXML  BundleType = "edit_xml"
	BundleKnowledge BundleType = "knowledge"
	BundleRouting  BundleType = "routing"
)

// Bundle is a named group of PromiseType collections (§3).
type Bundle struct {
	Namespace    string
	Type         BundleType
	Name         string
	SourcePath   string
	Args         []string
	PromiseTypes []*PromiseType
	Line         int
}

// Key returns the (namespace, type, name) tuple used for bundle uniqueness.
func (b *Bundle) Key() BundleKey {
	return BundleKey{Namespace: b.Namespace, Type: b.Type, Name: b.Name}
}

// BundleKey identifies a bundle for duplicate-detection and lookup.
type BundleKey struct {
	Namespace string
	Type      BundleType
	Name      string
}

// Body is a reusable attribute set referenced by name+type from promises (§3).
type Body struct {
	Namespace string
	Type      string
	Name      string
	Args      []string
	Conlist   []Constraint
	Line      int
}

// Key returns the (namespace, type, name) tuple used for body uniqueness.
func (b *Body) Key() BodyKey {
	return BodyKey{Namespace: b.Namespace, Type: b.Type, Name: b.Name}
}

// BodyKey identifies a body for duplicate-detection and lookup.
type BodyKey struct {
	Namespace string
	Type      string
	Name      string
}

// Policy is the root entity (§3).
type Policy struct {
	Bundles   []*Bundle
	Bodies    []*Body
	ReleaseID string
}

// DefaultNamespace is used when a Bundle/Body does not specify one.
const DefaultNamespace = "default"
