// Package actuator defines the shared contract every promise-keeping
// backend implements (spec §4.6): file, link, process, package, and the
// illustrative routing actuator. The query/diff/apply shape the routing
// actuator follows is prescribed by the spec as the model for the others.
package actuator

import (
	"context"

	"github.com/r3e-cfagent/cfagentd/internal/evalctx"
	"github.com/r3e-cfagent/cfagentd/internal/outcome"
	"github.com/r3e-cfagent/cfagentd/internal/policy"
)

// Actuator keeps a single promise, producing an Outcome and mutating the
// evaluation context's class set as a side effect of doing so.
type Actuator interface {
	KeepPromise(ctx context.Context, promise *policy.Promise, ectx *evalctx.Context) (outcome.Outcome, error)
}
