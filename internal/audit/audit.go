// Package audit is the promise outcome ledger (spec §3/§4.4): an
// append-only record per evaluated promise, keyed by a high-resolution
// timestamp concatenated with the current lock name. Writing is
// best-effort — a missing or unreachable ledger does not abort the run.
package audit

import (
	"context"
	"time"
)

// Record is one ledger entry (spec §3 "AuditRecord").
type Record struct {
	Operator string
	Comment  string
	Filename string
	Version  string
	Date     time.Time
	Line     int
	Status   string
}

// Key is the (timestamp, lock name) composite used to address a Record.
type Key struct {
	Timestamp string
	LockName  string
}

// String renders the key the way it is stored: "<timestamp>:<lockName>".
func (k Key) String() string { return k.Timestamp + ":" + k.LockName }

// Ledger is the append-only audit store.
type Ledger interface {
	Append(ctx context.Context, key Key, rec Record) error
	Tail(ctx context.Context, limit int) ([]Record, error)
}

// NewKey builds a Key from a monotonic-ish high-resolution timestamp
// (RFC3339Nano, which is unique enough in practice within a single agent
// process) and the lock name active when the outcome was produced.
func NewKey(now time.Time, lockName string) Key {
	return Key{Timestamp: now.Format(time.RFC3339Nano), LockName: lockName}
}
