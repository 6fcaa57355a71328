package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/r3e-cfagent/cfagentd/internal/audit"
)

func newMockLedger(t *testing.T) (*audit.PostgresLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	return audit.NewPostgresLedgerFromDB(sqlxDB), mock
}

func TestPostgresLedger_Append(t *testing.T) {
	ledger, mock := newMockLedger(t)

	key := audit.NewKey(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "package_global")
	rec := audit.Record{
		Operator: "cfagent",
		Comment:  "install bash",
		Filename: "/inputs/packages.cf",
		Version:  "1",
		Date:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Line:     10,
		Status:   "REPAIRED",
	}

	mock.ExpectExec("INSERT INTO promise_audit").
		WithArgs(key.Timestamp, key.LockName, rec.Operator, rec.Comment, rec.Filename, rec.Version,
			sqlmock.AnyArg(), rec.Line, rec.Status).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := ledger.Append(context.Background(), key, rec)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedger_Tail(t *testing.T) {
	ledger, mock := newMockLedger(t)

	rows := sqlmock.NewRows([]string{"operator", "comment", "filename", "version", "date", "line", "status"}).
		AddRow("cfagent", "", "/inputs/packages.cf", "1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), 10, "KEPT")

	mock.ExpectQuery("SELECT operator, comment, filename, version, date, line, status").
		WithArgs(5).
		WillReturnRows(rows)

	recs, err := ledger.Tail(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "KEPT", recs[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}
