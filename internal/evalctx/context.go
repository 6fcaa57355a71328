package evalctx

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/r3e-cfagent/cfagentd/internal/kvstore"
)

// PersistentPolicy is the retention policy for a persistent class entry.
type PersistentPolicy int

const (
	PolicyReset PersistentPolicy = iota
	PolicyPreserve
)

// persistentEntry is the on-disk shape of one PersistentClassStore row.
type persistentEntry struct {
	ExpiresUnix int64            `json:"expiresUnix"`
	Policy      PersistentPolicy `json:"policy"`
}

// PersistentClassStore is the disk-backed map from class name to
// {expiry_time, policy} described in spec §3/§6.
type PersistentClassStore struct {
	backend kvstore.PersistenceBackend
}

// NewPersistentClassStore wraps backend (a file-backed or redis-backed
// kvstore.PersistenceBackend) as a PersistentClassStore.
func NewPersistentClassStore(backend kvstore.PersistenceBackend) *PersistentClassStore {
	return &PersistentClassStore{backend: backend}
}

// Put records class with the given ttl and policy.
func (s *PersistentClassStore) Put(ctx context.Context, class string, ttl time.Duration, policy PersistentPolicy, now time.Time) error {
	entry := persistentEntry{ExpiresUnix: now.Add(ttl).Unix(), Policy: policy}
	return s.backend.Save(ctx, class, encodePersistentEntry(entry))
}

// ActiveClasses returns every non-expired class name, deleting any entry
// whose expiry has passed ("now > expires are deleted on scan", §6).
func (s *PersistentClassStore) ActiveClasses(ctx context.Context, now time.Time) ([]string, error) {
	keys, err := s.backend.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var active []string
	for _, k := range keys {
		raw, err := s.backend.Load(ctx, k)
		if err != nil {
			continue
		}
		entry, err := decodePersistentEntry(raw)
		if err != nil {
			continue
		}
		if now.Unix() > entry.ExpiresUnix {
			_ = s.backend.Delete(ctx, k)
			continue
		}
		active = append(active, k)
	}
	return active, nil
}

// Context is the concrete EvaluationContext (spec §4.3): a hierarchical
// hard/soft class set, per-scope variables, and a persistent class store.
// It is process-wide but guarded by a mutex so the package-module engine
// and the routing actuator can both read/mutate it from the single
// evaluation goroutine and any background cache-refresh goroutine without
// a data race.
type Context struct {
	mu          sync.RWMutex
	hardClasses map[string]bool
	softClasses map[string]bool
	scopes      map[string]map[string]Variable
	persistent  *PersistentClassStore
}

// Variable is a scoped (name, value, datatype, tags) entry (spec §4.3).
type Variable struct {
	Value    interface{}
	DataType string
	Tags     []string
}

// RecognizedScopes are the scope names §4.3 calls out by name; other
// bundle-named scopes (one per evaluated bundle) are created on demand.
var RecognizedScopes = map[string]bool{
	"sys": true, "const": true, "mon": true, "this": true, "remote_access": true,
}

// New constructs an empty Context backed by persistent.
func New(persistent *PersistentClassStore) *Context {
	return &Context{
		hardClasses: make(map[string]bool),
		softClasses: make(map[string]bool),
		scopes:      make(map[string]map[string]Variable),
		persistent:  persistent,
	}
}

// PutHardClass defines name as an immutable hard class for the remainder
// of the run, plus every hierarchical suffix: defining "a.b.c" also
// defines "b.c" and "c" (spec §3/§4.3).
func (c *Context) PutHardClass(name string, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range hierarchicalSuffixes(name) {
		c.hardClasses[n] = true
	}
}

// PutSoftClass defines name as a soft (run-scoped, class-activation) class,
// with the same hierarchical expansion as PutHardClass.
func (c *Context) PutSoftClass(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range hierarchicalSuffixes(name) {
		c.softClasses[n] = true
	}
}

// hierarchicalSuffixes returns name plus every dot-suffix: "a.b.c" ->
// ["a.b.c", "b.c", "c"].
func hierarchicalSuffixes(name string) []string {
	parts := strings.Split(name, ".")
	out := make([]string, 0, len(parts))
	for i := range parts {
		out = append(out, strings.Join(parts[i:], "."))
	}
	return out
}

// IsMember reports whether class is currently active (hard or soft).
func (c *Context) IsMember(class string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hardClasses[class] || c.softClasses[class]
}

// IsDefinedClass evaluates a boolean class expression against the current
// class set (spec §4.3).
func (c *Context) IsDefinedClass(expr string) (bool, error) {
	return IsDefinedClass(expr, c.IsMember)
}

// PutPersistentClass activates name immediately (as a soft class) and
// schedules it for persistence across runs with the given ttl/policy
// (spec §4.3 put_persistent_class).
func (c *Context) PutPersistentClass(ctx context.Context, name string, ttl time.Duration, policy PersistentPolicy, now time.Time) error {
	c.PutSoftClass(name)
	if c.persistent == nil {
		return nil
	}
	return c.persistent.Put(ctx, name, ttl, policy, now)
}

// RestorePersistentClasses activates every non-expired persisted class as
// a soft class; called once at the start of a run.
func (c *Context) RestorePersistentClasses(ctx context.Context, now time.Time) error {
	if c.persistent == nil {
		return nil
	}
	active, err := c.persistent.ActiveClasses(ctx, now)
	if err != nil {
		return err
	}
	for _, class := range active {
		c.PutSoftClass(class)
	}
	return nil
}

// VariableGet returns the variable named name in scope, if any.
func (c *Context) VariableGet(scope, name string) (Variable, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vars, ok := c.scopes[scope]
	if !ok {
		return Variable{}, false
	}
	v, ok := vars[name]
	return v, ok
}

// VariablePutSpecial sets a variable in scope, creating the scope if
// necessary (spec §4.3 variable_put_special).
func (c *Context) VariablePutSpecial(scope, name string, value interface{}, datatype string, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scopes[scope] == nil {
		c.scopes[scope] = make(map[string]Variable)
	}
	c.scopes[scope][name] = Variable{Value: value, DataType: datatype, Tags: tags}
}

// ActivateOutcomeClasses implements the class-activation side effects a
// promise outcome must trigger (spec §4.4). timerPolicy selects RESET vs
// PRESERVE for classes.persist.
func (c *Context) ActivateOutcomeClasses(ctx context.Context, outcomeClass string, now time.Time, timerTTL time.Duration, timerPolicy PersistentPolicy) error {
	switch outcomeClass {
	case "change":
		c.PutSoftClass("classes.change")
		if err := c.PutPersistentClass(ctx, "classes.persist", timerTTL, timerPolicy, now); err != nil {
			return err
		}
	case "timeout":
		c.PutSoftClass("classes.timeout")
	case "failure":
		c.PutSoftClass("classes.failure")
	case "denied":
		c.PutSoftClass("classes.denied")
	case "interrupt":
		c.PutSoftClass("classes.interrupt")
	case "kept":
		c.PutSoftClass("classes.kept")
	}
	return nil
}
