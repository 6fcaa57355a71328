// Package lock implements named mutual exclusion with ifelapsed/
// expireafter/steal semantics (spec §3/§4.4), backed by the embedded
// key/value store abstraction rather than an in-process map, so locks are
// visible across concurrent agent processes on the same host.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-cfagent/cfagentd/internal/kvstore"
)

// AcquireResult reports what Acquire actually did.
type AcquireResult int

const (
	Granted AcquireResult = iota
	Stolen
	Skipped
)

func (r AcquireResult) String() string {
	switch r {
	case Granted:
		return "granted"
	case Stolen:
		return "stolen"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// record is the on-disk shape of one held lock.
type record struct {
	Acquirer    string    `json:"acquirer"`
	AcquireTime time.Time `json:"acquireTime"`
}

// Lock is a handle to a held named lock; Yield releases it.
type Lock struct {
	Name    string
	Token   string
	store   *Store
	Result  AcquireResult
}

// Options mirrors the per-acquisition parameters in spec §3 ("Lock").
type Options struct {
	IfElapsed    time.Duration
	ExpireAfter  time.Duration
	PromiseRef   string
	Wait         bool
	WaitInterval time.Duration
	WaitTimeout  time.Duration
}

// ErrBusy is returned by Acquire when the lock cannot be granted and
// Options.Wait is false.
var ErrBusy = fmt.Errorf("lock: busy")

// Store is the named-lock table, one row per lock name.
type Store struct {
	backend kvstore.PersistenceBackend
}

// NewStore wraps backend (typically a kvstore.FileBackend under
// state/locks.json) as a lock Store.
func NewStore(backend kvstore.PersistenceBackend) *Store {
	return &Store{backend: backend}
}

// Acquire attempts to acquire name for acquirer at time now, per the
// semantics in spec §4.4:
//   - no existing lock -> grant
//   - now - last_acquire < ifelapsed -> skip
//   - now - last_acquire >= expireafter -> steal and grant
//   - otherwise wait briefly (if requested) or fail with ErrBusy
func (s *Store) Acquire(ctx context.Context, name, acquirer string, now time.Time, opts Options) (*Lock, error) {
	deadline := now.Add(opts.WaitTimeout)
	interval := opts.WaitInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	for {
		lk, result, err := s.tryAcquire(ctx, name, acquirer, now, opts)
		if err != nil {
			return nil, err
		}
		if result != AcquireResult(-1) {
			return lk, nil
		}
		if !opts.Wait || now.After(deadline) {
			return nil, ErrBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		now = now.Add(interval)
	}
}

// tryAcquire performs a single non-blocking attempt. A returned result of
// -1 (expressed via the sentinel busy case, since AcquireResult has no
// "busy" member — §3 only names Granted/Stolen/Skipped semantics for
// Acquire's success path) signals the caller should wait-and-retry.
func (s *Store) tryAcquire(ctx context.Context, name, acquirer string, now time.Time, opts Options) (*Lock, AcquireResult, error) {
	raw, err := s.backend.Load(ctx, name)
	if err == kvstore.ErrNotFound {
		if err := s.write(ctx, name, record{Acquirer: acquirer, AcquireTime: now}); err != nil {
			return nil, 0, err
		}
		return &Lock{Name: name, Token: uuid.NewString(), store: s, Result: Granted}, Granted, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var existing record
	if err := json.Unmarshal(raw, &existing); err != nil {
		return nil, 0, fmt.Errorf("lock: corrupt record for %q: %w", name, err)
	}
	age := now.Sub(existing.AcquireTime)
	switch {
	case opts.IfElapsed > 0 && age < opts.IfElapsed:
		return &Lock{Name: name, store: s, Result: Skipped}, Skipped, nil
	case opts.ExpireAfter > 0 && age >= opts.ExpireAfter:
		if err := s.write(ctx, name, record{Acquirer: acquirer, AcquireTime: now}); err != nil {
			return nil, 0, err
		}
		return &Lock{Name: name, Token: uuid.NewString(), store: s, Result: Stolen}, Stolen, nil
	default:
		return nil, -1, nil
	}
}

func (s *Store) write(ctx context.Context, name string, r record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.backend.Save(ctx, name, raw)
}

// Yield releases l. Yielding a Skipped lock (one that was never actually
// granted) is a no-op.
func (l *Lock) Yield(ctx context.Context) error {
	if l.Result == Skipped {
		return nil
	}
	return l.store.backend.Delete(ctx, l.Name)
}

// Well-known lock names (spec §4.4).
const (
	GlobalPackageLock = "package_global"
)

// CacheLockName returns the per-kind, per-module cache-update lock name
// ("package-cache-installed-<module>" / "package-cache-updates-<module>").
func CacheLockName(kind, module string) string {
	return fmt.Sprintf("package-cache-%s-%s", kind, module)
}
