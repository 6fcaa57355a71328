package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresLedger is an alternate Ledger implementation for installations
// that centralize audit records in a shared Postgres database rather than
// per-host files (e.g. a fleet-wide compliance dashboard reading across
// many agents). It shares the Ledger interface with FileLedger so
// cmd/cfagentd can select either at startup from RunOptions/env without
// the evaluator caring which backend is active.
type PostgresLedger struct {
	db *sqlx.DB
}

type auditRow struct {
	Timestamp string `db:"ts"`
	LockName  string `db:"lock_name"`
	Operator  string `db:"operator"`
	Comment   string `db:"comment"`
	Filename  string `db:"filename"`
	Version   string `db:"version"`
	Date      string `db:"date"`
	Line      int    `db:"line"`
	Status    string `db:"status"`
}

// NewPostgresLedger opens dsn and returns a PostgresLedger. Callers are
// expected to have already run the migrations under
// internal/audit/migrations (golang-migrate) against the target database.
func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: connect postgres: %w", err)
	}
	return &PostgresLedger{db: db}, nil
}

// NewPostgresLedgerFromDB wraps an already-open *sqlx.DB (used by tests
// with go-sqlmock, and by callers that manage their own connection pool).
func NewPostgresLedgerFromDB(db *sqlx.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const insertAuditSQL = `
INSERT INTO promise_audit (ts, lock_name, operator, comment, filename, version, date, line, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (ts, lock_name) DO NOTHING`

func (l *PostgresLedger) Append(ctx context.Context, key Key, rec Record) error {
	_, err := l.db.ExecContext(ctx, insertAuditSQL,
		key.Timestamp, key.LockName, rec.Operator, rec.Comment, rec.Filename,
		rec.Version, rec.Date.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"), rec.Line, rec.Status,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

const tailAuditSQL = `
SELECT operator, comment, filename, version, date, line, status
FROM promise_audit
ORDER BY ts DESC
LIMIT $1`

func (l *PostgresLedger) Tail(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryxContext(ctx, tailAuditSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: tail query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var row struct {
			Operator string `db:"operator"`
			Comment  string `db:"comment"`
			Filename string `db:"filename"`
			Version  string `db:"version"`
			Date     sql.NullTime `db:"date"`
			Line     int    `db:"line"`
			Status   string `db:"status"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		rec := Record{
			Operator: row.Operator,
			Comment:  row.Comment,
			Filename: row.Filename,
			Version:  row.Version,
			Line:     row.Line,
			Status:   row.Status,
		}
		if row.Date.Valid {
			rec.Date = row.Date.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the underlying connection pool.
func (l *PostgresLedger) Close() error {
	return l.db.Close()
}
