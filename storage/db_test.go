package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func exerciseBackend(t *testing.T, db Database) {
	t.Helper()
	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := db.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.Put([]byte("k"), []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, []byte("v2")) {
		t.Fatalf("unexpected value %q", got)
	}
	got[0] = 'x'
	again, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if !bytes.Equal(again, []byte("v2")) {
		t.Fatalf("stored value mutated through returned slice: %q", again)
	}
	exerciseBatch(t, db)
}

func exerciseBatch(t *testing.T, db Database) {
	t.Helper()
	batch := NewBatch()
	batch.Put([]byte("a"), []byte("1"))
	batch.Put([]byte("b"), []byte("2"))
	batch.Put([]byte("a"), []byte("3"))
	if batch.Len() != 3 {
		t.Fatalf("unexpected batch length %d", batch.Len())
	}
	if err := db.Write(batch); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	for key, want := range map[string]string{"a": "3", "b": "2"} {
		got, err := db.Get([]byte(key))
		if err != nil || string(got) != want {
			t.Fatalf("batch key %s = %q (%v), want %q", key, got, err, want)
		}
	}

	broken := NewBatch()
	broken.Put([]byte("c"), []byte("4"))
	broken.Put(nil, []byte("5"))
	if err := db.Write(broken); err == nil {
		t.Fatalf("expected batch with empty key to fail")
	}
	if _, err := db.Get([]byte("c")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected batch left a partial write: %v", err)
	}
	if err := db.Write(nil); err == nil {
		t.Fatalf("expected nil batch to fail")
	}
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseBackend(t, db)
	if db.Len() != 3 {
		t.Fatalf("expected 3 keys, got %d", db.Len())
	}
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "ldb"))
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer db.Close()
	exerciseBackend(t, db)
}

func TestBoltDB(t *testing.T) {
	db, err := NewBoltDB(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	defer db.Close()
	exerciseBackend(t, db)
}

func TestBoltDBPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := NewBoltDB(path)
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	if err := db.Put([]byte("deal"), []byte{1, 2, 3}); err != nil {
		t.Fatalf("put: %v", err)
	}
	db.Close()

	reopened, err := NewBoltDB(path)
	if err != nil {
		t.Fatalf("reopen bolt: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Get([]byte("deal"))
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("unexpected value after reopen: %x", got)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("redis", ""); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	db, err := Open("memory", "")
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := db.(*MemDB); !ok {
		t.Fatalf("expected MemDB, got %T", db)
	}
}
