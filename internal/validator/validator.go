// Package validator runs the structural and semantic checks a Policy must
// pass before it is handed to the evaluator (spec §4.2). Errors are
// aggregated with hashicorp/go-multierror so a single Validate call reports
// every problem found, not just the first.
package validator

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/r3e-cfagent/cfagentd/internal/policy"
)

// PolicyError references the offending element by a human-readable path
// (e.g. "bundle agent foo", "promise /etc/motd") rather than a pointer,
// since the validator runs over possibly-invalid policies that the caller
// may still want to print diagnostics for without walking Go pointers.
type PolicyError struct {
	ElementRef string
	Message    string
}

func (e PolicyError) Error() string {
	return fmt.Sprintf("%s: %s", e.ElementRef, e.Message)
}

// Options controls which checks Validate runs.
type Options struct {
	// Runnable enables the additional checks required before execution
	// (duplicate-handle-with-same-classes, body/bundle reference
	// resolution, require_comments). When false, only the partial
	// checks run.
	Runnable bool
	// RequireComments mirrors common.control's require_comments setting;
	// only consulted when Runnable is true.
	RequireComments bool
}

// Result is the outcome of Validate.
type Result struct {
	Errors  []PolicyError
	Success bool
}

// Validate runs the partial checks (always) and, when opts.Runnable, the
// additional runnable checks (spec §4.2).
func Validate(p *policy.Policy, opts Options) Result {
	var merr *multierror.Error

	checkDuplicateBundles(p, &merr)
	checkDuplicateBodies(p, &merr)
	checkReservedNames(p, &merr)
	checkControlBodyArgs(p, &merr)
	checkConstraintTypes(p, &merr)

	if opts.Runnable {
		checkDuplicatePromiseHandles(p, &merr)
		checkBodyReferences(p, &merr)
		checkBundleReferences(p, &merr)
		if opts.RequireComments {
			checkRequireComments(p, &merr)
		}
	}

	if merr == nil {
		return Result{Success: true}
	}
	errs := make([]PolicyError, 0, len(merr.Errors))
	for _, e := range merr.Errors {
		if pe, ok := e.(PolicyError); ok {
			errs = append(errs, pe)
		} else {
			errs = append(errs, PolicyError{ElementRef: "policy", Message: e.Error()})
		}
	}
	return Result{Errors: errs, Success: false}
}

func addErr(merr **multierror.Error, ref, format string, args ...interface{}) {
	*merr = multierror.Append(*merr, PolicyError{ElementRef: ref, Message: fmt.Sprintf(format, args...)})
}

func checkDuplicateBundles(p *policy.Policy, merr **multierror.Error) {
	seen := make(map[policy.BundleKey][]*policy.Bundle)
	for _, b := range p.Bundles {
		k := b.Key()
		seen[k] = append(seen[k], b)
	}
	for k, bs := range seen {
		if len(bs) > 1 {
			addErr(merr, fmt.Sprintf("bundle %s %s", k.Type, k.Name),
				"Duplicate definition of bundle %s with type %s", k.Name, k.Type)
		}
	}
}

func checkDuplicateBodies(p *policy.Policy, merr **multierror.Error) {
	seen := make(map[policy.BodyKey][]*policy.Body)
	for _, b := range p.Bodies {
		if b.Type == "file" {
			continue
		}
		k := b.Key()
		seen[k] = append(seen[k], b)
	}
	for k, bs := range seen {
		if len(bs) > 1 {
			addErr(merr, fmt.Sprintf("body %s %s", k.Type, k.Name),
				"Duplicate definition of body %s with type %s", k.Name, k.Type)
		}
	}
}

func checkReservedNames(p *policy.Policy, merr **multierror.Error) {
	for _, b := range p.Bundles {
		if policy.ReservedBundleNames[b.Name] {
			addErr(merr, fmt.Sprintf("bundle %s %s", b.Type, b.Name),
				"Bundle name %q is reserved", b.Name)
		}
	}
}

func checkControlBodyArgs(p *policy.Policy, merr **multierror.Error) {
	for _, b := range p.Bodies {
		if b.Name == "control" && len(b.Args) > 0 {
			addErr(merr, fmt.Sprintf("body %s control", b.Type),
				"control body must not declare arguments, got %d", len(b.Args))
		}
	}
}

// checkConstraintTypes applies the FnCall/Scalar/List/Container typing
// rule from §4.2 against the syntax table for every constraint whose lval
// is known. Unknown lvals are not flagged here — the partial check is
// conservative by design; an unresolvable lval is a runnable-check concern
// (reference checks), not a partial-check one.
func checkConstraintTypes(p *policy.Policy, merr **multierror.Error) {
	for _, b := range p.Bodies {
		for _, c := range b.Conlist {
			checkOneConstraintType(fmt.Sprintf("body %s %s", b.Type, b.Name), c, merr)
		}
	}
	for _, bn := range p.Bundles {
		for _, pt := range bn.PromiseTypes {
			for _, prom := range pt.Promises {
				for _, c := range prom.Conlist {
					checkOneConstraintType(fmt.Sprintf("promise %s", prom.Promiser), c, merr)
				}
			}
		}
	}
}

func checkOneConstraintType(ref string, c policy.Constraint, merr **multierror.Error) {
	expected, ok := LvalSyntax[c.Lval]
	if !ok {
		return
	}
	if !expected.Accepts(c.Rval.Kind) {
		addErr(merr, ref, "constraint %q: rval of kind %s does not match expected type %s", c.Lval, c.Rval.Kind, expected)
	}
}

func checkDuplicatePromiseHandles(p *policy.Policy, merr **multierror.Error) {
	type handleKey struct {
		promiser string
		classes  string
	}
	seen := make(map[handleKey]bool)
	for _, bn := range p.Bundles {
		for _, pt := range bn.PromiseTypes {
			for _, prom := range pt.Promises {
				k := handleKey{promiser: prom.Promiser, classes: prom.Classes}
				if seen[k] {
					addErr(merr, fmt.Sprintf("promise %s", prom.Promiser),
						"Duplicate promise handle %q with classes %q", prom.Promiser, prom.Classes)
					continue
				}
				seen[k] = true
			}
		}
	}
}

// bodyReferenceLvals maps an lval that is expected to name a body to the
// body sub-type (namespace-aware lookup, §4.2).
var bodyReferenceLvals = map[string]string{
	"perms":   "perms",
	"copy_from": "copy_from",
	"edit_defaults": "edit_defaults",
	"depth_search":  "depth_search",
	"package_method": "package_method",
}

func checkBodyReferences(p *policy.Policy, merr **multierror.Error) {
	for _, bn := range p.Bundles {
		ns := bn.Namespace
		for _, pt := range bn.PromiseTypes {
			for _, prom := range pt.Promises {
				for _, c := range prom.Conlist {
					subtype, ok := bodyReferenceLvals[c.Lval]
					if !ok || !c.Rval.IsScalar() {
						continue
					}
					if p.GetBody(&ns, subtype, c.Rval.Scalar) == nil {
						addErr(merr, fmt.Sprintf("promise %s", prom.Promiser),
							"constraint %q references undefined body %q of type %s", c.Lval, c.Rval.Scalar, subtype)
					}
				}
			}
		}
	}
}

// bundleReferenceLvals are lvals whose literal scalar rval must resolve to
// an existing bundle. usebundle/home_bundle try "agent" then "common";
// these two are the only lvals checked, so a bundle reference under any
// other lval is not resolved here.
var bundleReferenceLvals = map[string]bool{
	"usebundle":   true,
	"home_bundle": true,
}

func checkBundleReferences(p *policy.Policy, merr **multierror.Error) {
	for _, bn := range p.Bundles {
		ns := bn.Namespace
		for _, pt := range bn.PromiseTypes {
			for _, prom := range pt.Promises {
				for _, c := range prom.Conlist {
					if !c.Rval.IsScalar() {
						continue
					}
					if bundleReferenceLvals[c.Lval] {
						if p.GetBundle(&ns, policy.BundleAgent, c.Rval.Scalar) == nil &&
							p.GetBundle(&ns, policy.BundleCommon, c.Rval.Scalar) == nil {
							addErr(merr, fmt.Sprintf("promise %s", prom.Promiser),
								"constraint %q references undefined bundle %q", c.Lval, c.Rval.Scalar)
						}
					}
				}
			}
		}
	}
}

func checkRequireComments(p *policy.Policy, merr **multierror.Error) {
	for _, bn := range p.Bundles {
		for _, pt := range bn.PromiseTypes {
			for _, prom := range pt.Promises {
				if _, ok := prom.CommentValue(); !ok {
					addErr(merr, fmt.Sprintf("promise %s", prom.Promiser),
						"require_comments is set but promise has no comment constraint")
				}
			}
		}
	}
}
