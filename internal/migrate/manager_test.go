package migrate

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"
)

func newDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	db, _ := newDB(t)
	m, err := NewManager(db)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	files, err := collectSQL(m.migrations)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(files) < 4 || files[0] != "00001_users.sql" {
		t.Fatalf("unexpected migrations: %v", files)
	}
}

func TestUpAndDownUseGoose(t *testing.T) {
	db, _ := newDB(t)
	m, err := NewManager(db)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	origUp, origDown := gooseUp, gooseDown
	t.Cleanup(func() { gooseUp, gooseDown = origUp, origDown })

	var calls []string
	gooseUp = func(_ context.Context, _ *sql.DB, dir string) error {
		calls = append(calls, "up:"+dir)
		return nil
	}
	gooseDown = func(_ context.Context, _ *sql.DB, dir string) error {
		calls = append(calls, "down:"+dir)
		return errors.New("boom")
	}

	if err := m.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := m.Down(context.Background()); err == nil {
		t.Fatal("expected Down error")
	}
	if len(calls) != 2 || calls[0] != "up:." || calls[1] != "down:." {
		t.Fatalf("unexpected goose calls: %v", calls)
	}
}

func TestStatusListsAppliedVersions(t *testing.T) {
	db, _ := newDB(t)
	m, err := NewManager(db)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	origVersion, origCollect := gooseVersion, gooseCollect
	t.Cleanup(func() { gooseVersion, gooseCollect = origVersion, origCollect })
	gooseVersion = func(context.Context, *sql.DB) (int64, error) { return 2, nil }
	gooseCollect = func(string) (goose.Migrations, error) {
		return goose.Migrations{
			{Version: 1, Source: "00001_users.sql"},
			{Version: 2, Source: "00002_applications.sql"},
			{Version: 3, Source: "00003_disbursements.sql"},
		}, nil
	}

	applied, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(applied) != 2 || applied[1] != "00002_applications.sql" {
		t.Fatalf("unexpected status: %v", applied)
	}
}

func TestSeedSkipsExecutedFiles(t *testing.T) {
	db, mock := newDB(t)
	seeds := fstest.MapFS{
		"001_a.sql": {Data: []byte("insert into t values (1);")},
		"002_b.sql": {Data: []byte("-- comment\ninsert into t values ('x;y');\ninsert into t values (3);")},
	}
	m, err := NewManager(db, WithSeeds(seeds))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_seeds").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("001_a.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(`insert into t values \('x;y'\)`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`insert into t values \(3\)`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into schema_seeds").
		WithArgs("002_b.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := m.Seed(context.Background()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSplitStatements(t *testing.T) {
	got := splitStatements("-- header\ncreate table a (x text default 'a;b');\n\ninsert into a values ('c');\n-- trailing\n")
	if len(got) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(got), got)
	}
}
