package kv

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "token"); err != nil || ok {
		t.Fatalf("expected empty store, ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, "token", "abc"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, err := s.Get(ctx, "token"); err != nil || !ok || v != "abc" {
		t.Fatalf("Get after Set: v=%q ok=%v err=%v", v, ok, err)
	}
	if err := s.Set(ctx, "token", "def"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if v, _, _ := s.Get(ctx, "token"); v != "def" {
		t.Fatalf("expected overwrite, got %q", v)
	}
	if err := s.Clear(ctx, "token"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := s.Clear(ctx, "token"); err != nil {
		t.Fatalf("second Clear must be a no-op: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "token"); ok {
		t.Fatal("value survived Clear")
	}
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	exerciseStore(t, NewFile(path))
}

func TestFilePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")

	if err := NewFile(path).Set(ctx, "token", "persisted"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := NewFile(path).Get(ctx, "token")
	if err != nil || !ok || v != "persisted" {
		t.Fatalf("reopen: v=%q ok=%v err=%v", v, ok, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("unexpected permissions %o", perm)
	}
}

func TestFileCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := NewFile(path).Get(context.Background(), "token"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	store := NewPostgres(db)
	ctx := context.Background()

	mock.ExpectExec("create table if not exists client_kv").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	mock.ExpectQuery("select value from client_kv where key").WithArgs("token").WillReturnError(sql.ErrNoRows)
	if _, ok, err := store.Get(ctx, "token"); err != nil || ok {
		t.Fatalf("expected miss, ok=%v err=%v", ok, err)
	}

	mock.ExpectExec("insert into client_kv").WithArgs("token", "abc").WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.Set(ctx, "token", "abc"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	mock.ExpectQuery("select value from client_kv where key").WithArgs("token").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("abc"))
	if v, ok, err := store.Get(ctx, "token"); err != nil || !ok || v != "abc" {
		t.Fatalf("Get: v=%q ok=%v err=%v", v, ok, err)
	}

	mock.ExpectExec("delete from client_kv where key").WithArgs("token").WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Clear(ctx, "token"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresGetError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	boom := errors.New("connection reset")
	mock.ExpectQuery("select value from client_kv").WithArgs("token").WillReturnError(boom)
	if _, _, err := NewPostgres(db).Get(context.Background(), "token"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped driver error, got %v", err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, closeFn, err := Open(ctx, "memory:")
	if err != nil {
		t.Fatalf("Open memory: %v", err)
	}
	defer closeFn()
	if _, ok := s.(*Memory); !ok {
		t.Fatalf("expected *Memory, got %T", s)
	}

	path := filepath.Join(t.TempDir(), "s.json")
	s, _, err = Open(ctx, "file:"+path)
	if err != nil {
		t.Fatalf("Open file: %v", err)
	}
	if f, ok := s.(*File); !ok || f.Path() != path {
		t.Fatalf("unexpected store %T", s)
	}

	if _, _, err := Open(ctx, "redis://localhost"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
