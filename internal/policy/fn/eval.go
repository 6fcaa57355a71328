// Package fn evaluates policy.Value function calls (and(), or(), not(),
// classmatch(), etc.) against a resolved argument list. Evaluation is
// delegated to a goja VM: CFEngine's function library is small and almost
// entirely boolean-combinator shaped, which maps directly onto JavaScript
// without needing a bespoke expression grammar.
package fn

import (
	"fmt"
	"regexp"

	"github.com/dop251/goja"

	"github.com/r3e-cfagent/cfagentd/internal/policy"
)

// Evaluator evaluates FnCall Values. Resolve supplies the already-expanded
// scalar arguments (variable expansion happens one layer up, in evalctx);
// Evaluator itself only implements the function bodies.
type Evaluator struct {
	vm *goja.Runtime
}

// New constructs an Evaluator with the builtin function library installed.
func New() *Evaluator {
	vm := goja.New()
	mustSet(vm, "and", func(args ...bool) bool {
		for _, a := range args {
			if !a {
				return false
			}
		}
		return true
	})
	mustSet(vm, "or", func(args ...bool) bool {
		for _, a := range args {
			if a {
				return true
			}
		}
		return false
	})
	mustSet(vm, "not", func(a bool) bool { return !a })
	mustSet(vm, "classmatch", func(pattern, class string) bool {
		ok, err := regexp.MatchString("^(?:"+pattern+")$", class)
		return err == nil && ok
	})
	mustSet(vm, "strcmp", func(a, b string) bool { return a == b })
	mustSet(vm, "concat", func(args ...string) string {
		out := ""
		for _, a := range args {
			out += a
		}
		return out
	})
	return &Evaluator{vm: vm}
}

func mustSet(vm *goja.Runtime, name string, fn interface{}) {
	if err := vm.Set(name, fn); err != nil {
		panic(fmt.Sprintf("fn: failed to bind builtin %q: %v", name, err))
	}
}

// EvalBool evaluates a FnCall Value whose resolved arguments are all
// scalars, and reports the boolean result used for class-expression and
// "if"/"unless" guard evaluation (§4.3).
func (e *Evaluator) EvalBool(name string, args []string) (bool, error) {
	call, err := e.callExpr(name, args)
	if err != nil {
		return false, err
	}
	v, err := e.vm.RunString(call)
	if err != nil {
		return false, fmt.Errorf("fn: %s: %w", name, err)
	}
	return v.ToBoolean(), nil
}

// EvalString evaluates a FnCall Value expected to produce a scalar string
// result (e.g. concat()).
func (e *Evaluator) EvalString(name string, args []string) (string, error) {
	call, err := e.callExpr(name, args)
	if err != nil {
		return "", err
	}
	v, err := e.vm.RunString(call)
	if err != nil {
		return "", fmt.Errorf("fn: %s: %w", name, err)
	}
	return v.String(), nil
}

func (e *Evaluator) callExpr(name string, args []string) (string, error) {
	if !e.Has(name) {
		return "", fmt.Errorf("fn: unknown function %q", name)
	}
	call := name + "("
	for i, a := range args {
		if i > 0 {
			call += ","
		}
		call += fmt.Sprintf("%q", a)
	}
	call += ")"
	return call, nil
}

// Has reports whether name is a registered builtin.
func (e *Evaluator) Has(name string) bool {
	v := e.vm.Get(name)
	return v != nil && !goja.IsUndefined(v)
}

// ResolveValue flattens a policy.Value into the scalar argument list a
// function call needs: scalars pass through, nested FnCalls evaluate
// recursively, lists are rejected (no function in the builtin library
// takes a list argument).
func (e *Evaluator) ResolveValue(v policy.Value) (string, error) {
	switch v.Kind {
	case policy.KindScalar:
		return v.Scalar, nil
	case policy.KindFnCall:
		args := make([]string, len(v.FnArgs))
		for i, a := range v.FnArgs {
			r, err := e.ResolveValue(a)
			if err != nil {
				return "", err
			}
			args[i] = r
		}
		return e.EvalString(v.FnName, args)
	default:
		return "", fmt.Errorf("fn: cannot resolve %s value to a scalar argument", v.Kind)
	}
}
