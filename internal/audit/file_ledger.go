package audit

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/r3e-cfagent/cfagentd/internal/kvstore"
	"github.com/r3e-cfagent/cfagentd/internal/logging"
)

// FileLedger is the default, always-available Ledger implementation: one
// kvstore.FileBackend row per audit key. Append failures are logged, not
// returned, by callers that treat the ledger as best-effort (§4.4
// "Writing is best-effort: a missing ledger does not abort the action").
type FileLedger struct {
	backend kvstore.PersistenceBackend
	log     *logging.Logger
}

// NewFileLedger wraps backend as a FileLedger.
func NewFileLedger(backend kvstore.PersistenceBackend, log *logging.Logger) *FileLedger {
	return &FileLedger{backend: backend, log: log}
}

func (l *FileLedger) Append(ctx context.Context, key Key, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := l.backend.Save(ctx, key.String(), raw); err != nil {
		if l.log != nil {
			l.log.ErrorLog(ctx, "audit ledger append failed, continuing", err, logrus.Fields{"key": key.String()})
		}
		return err
	}
	return nil
}

func (l *FileLedger) Tail(ctx context.Context, limit int) ([]Record, error) {
	keys, err := l.backend.List(ctx, "")
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		raw, err := l.backend.Load(ctx, k)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
