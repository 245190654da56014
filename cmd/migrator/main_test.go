package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeDB struct {
	applied map[string]bool
	tx      *fakeTx

	execErr   error
	lookupErr error
	beginErr  error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.lookupErr != nil {
		return fakeRow{err: f.lookupErr}
	}
	name, _ := args[0].(string)
	return fakeRow{exists: f.applied[name]}
}

func (f *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	if f.tx == nil {
		f.tx = &fakeTx{}
	}
	return f.tx, nil
}

type fakeRow struct {
	exists bool
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	b, ok := dest[0].(*bool)
	if !ok {
		return errors.New("expected *bool")
	}
	*b = r.exists
	return nil
}

// fakeTx stubs pgx.Tx; only Exec, Commit, and Rollback matter here.
type fakeTx struct {
	execErr   error
	commitErr error
	rollbacks int
	execs     []string
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeTx) Commit(ctx context.Context) error          { return t.commitErr }
func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rollbacks++
	return nil
}
func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.execErr != nil {
		return pgconn.CommandTag{}, t.execErr
	}
	t.execs = append(t.execs, sql)
	return pgconn.NewCommandTag("EXEC 1"), nil
}
func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{err: errors.New("not implemented")}
}
func (t *fakeTx) Conn() *pgx.Conn { return nil }

func staticGlob(files ...string) func(string) ([]string, error) {
	return func(string) ([]string, error) { return files, nil }
}

func staticRead(sql string) func(string) ([]byte, error) {
	return func(string) ([]byte, error) { return []byte(sql), nil }
}

func TestRunMigrationsAppliesInOrderAndSkipsApplied(t *testing.T) {
	db := &fakeDB{applied: map[string]bool{"0001_platform_calls.sql": true}}

	var reads []string
	readFile := func(name string) ([]byte, error) {
		reads = append(reads, name)
		return []byte("SELECT 1;"), nil
	}
	glob := staticGlob("migrations/0002_indexes.sql", "migrations/0001_platform_calls.sql")
	var logs []string
	logf := func(format string, args ...any) { logs = append(logs, format) }

	if err := runMigrations(context.Background(), db, "migrations", readFile, glob, logf); err != nil {
		t.Fatalf("runMigrations: %v", err)
	}
	if len(reads) != 1 || !strings.Contains(reads[0], "0002_indexes.sql") {
		t.Fatalf("reads = %v, want only the unapplied file", reads)
	}
	if db.tx.rollbacks != 0 {
		t.Fatalf("rollbacks = %d", db.tx.rollbacks)
	}
	if len(logs) < 2 {
		t.Fatalf("expected applied + summary logs, got %v", logs)
	}
}

func TestRunMigrationsNilDB(t *testing.T) {
	err := runMigrations(context.Background(), nil, "migrations", nil, staticGlob(), nil)
	if err == nil || !strings.Contains(err.Error(), "db required") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunMigrationsLookupFailure(t *testing.T) {
	db := &fakeDB{lookupErr: errors.New("lookup fail")}
	err := runMigrations(context.Background(), db, "migrations", staticRead("SELECT 1;"), staticGlob("migrations/0001.sql"), nil)
	if err == nil || !strings.Contains(err.Error(), "migration lookup") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunMigrationsApplyFailureRollsBack(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{execErr: errors.New("apply fail")}}
	err := runMigrations(context.Background(), db, "migrations", staticRead("SELECT 1;"), staticGlob("migrations/0001.sql"), nil)
	if err == nil || !strings.Contains(err.Error(), "apply migration") {
		t.Fatalf("err = %v", err)
	}
	if db.tx.rollbacks != 1 {
		t.Fatalf("rollbacks = %d, want 1", db.tx.rollbacks)
	}
}

func TestRunMigrationsCommitFailure(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{commitErr: errors.New("commit fail")}}
	err := runMigrations(context.Background(), db, "migrations", staticRead("SELECT 1;"), staticGlob("migrations/0001.sql"), nil)
	if err == nil || !strings.Contains(err.Error(), "commit migration") {
		t.Fatalf("err = %v", err)
	}
}
