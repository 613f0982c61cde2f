package utils

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
)

type txRecorder struct {
	committed  int
	rolledBack int
}

func (r *txRecorder) Prepare(string) (driver.Stmt, error) { return nil, errors.New("unsupported") }
func (r *txRecorder) Close() error                        { return nil }
func (r *txRecorder) Begin() (driver.Tx, error)           { return recTx{r: r}, nil }

type recTx struct{ r *txRecorder }

func (t recTx) Commit() error   { t.r.committed++; return nil }
func (t recTx) Rollback() error { t.r.rolledBack++; return nil }

type recConnector struct{ rec *txRecorder }

func (c recConnector) Connect(context.Context) (driver.Conn, error) { return c.rec, nil }
func (c recConnector) Driver() driver.Driver                        { return nil }

func openRecorded(t *testing.T) (*sql.DB, *txRecorder) {
	t.Helper()
	rec := &txRecorder{}
	db := sql.OpenDB(recConnector{rec: rec})
	t.Cleanup(func() { db.Close() })
	return db, rec
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	db, rec := openRecorded(t)
	err := WithTx(context.Background(), db, nil, func(context.Context, *sql.Tx) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.committed != 1 || rec.rolledBack != 0 {
		t.Fatalf("commits=%d rollbacks=%d, want 1/0", rec.committed, rec.rolledBack)
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	db, rec := openRecorded(t)
	boom := errors.New("boom")
	err := WithTx(context.Background(), db, nil, func(context.Context, *sql.Tx) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error back, got %v", err)
	}
	if rec.committed != 0 || rec.rolledBack != 1 {
		t.Fatalf("commits=%d rollbacks=%d, want 0/1", rec.committed, rec.rolledBack)
	}
}

func TestWithTx_RollbackOnPanic(t *testing.T) {
	db, rec := openRecorded(t)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic to propagate")
		}
		if rec.rolledBack != 1 {
			t.Fatalf("expected rollback after panic, got %d", rec.rolledBack)
		}
	}()
	_ = WithTx(context.Background(), db, nil, func(context.Context, *sql.Tx) error {
		panic("boom")
	})
}
