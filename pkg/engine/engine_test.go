package engine

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type backend struct {
	name string
	open func(t *testing.T, dir string) Engine
}

var backends = []backend{
	{"memory", func(t *testing.T, dir string) Engine { return NewMemStore(nil, nil) }},
	{"json", func(t *testing.T, dir string) Engine {
		e, err := OpenJSON(dir)
		if err != nil {
			t.Fatalf("OpenJSON failed: %v", err)
		}
		return e
	}},
	{"sqlite", func(t *testing.T, dir string) Engine {
		e, err := OpenSQLite(dir)
		if err != nil {
			t.Fatalf("OpenSQLite failed: %v", err)
		}
		return e
	}},
	{"badger", func(t *testing.T, dir string) Engine {
		e, err := OpenBadger(dir, nil)
		if err != nil {
			t.Fatalf("OpenBadger failed: %v", err)
		}
		return e
	}},
}

// forEachBackend runs fn against a fresh engine of every backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, e Engine)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			e := b.open(t, t.TempDir())
			defer e.Close()
			fn(t, e)
		})
	}
}

func TestEngine_GetSetDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e Engine) {
		key := []byte("test-key")

		if err := e.Set(key, []byte("test-value")); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		got, err := e.Get(key)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got) != "test-value" {
			t.Errorf("Expected test-value, got %q", got)
		}

		if err := e.Set(key, []byte("second")); err != nil {
			t.Fatalf("overwrite failed: %v", err)
		}
		got, _ = e.Get(key)
		if string(got) != "second" {
			t.Errorf("Expected second, got %q", got)
		}

		if _, err := e.Get([]byte("non-existent")); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Expected ErrKeyNotFound, got %v", err)
		}

		if err := e.Delete(key); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := e.Get(key); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Expected ErrKeyNotFound after delete, got %v", err)
		}
		if err := e.Delete(key); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Expected ErrKeyNotFound deleting twice, got %v", err)
		}
	})
}

func TestEngine_BinaryKeysAndEmptyValues(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e Engine) {
		key := []byte{0x00, 0xff, 0x10, 0x00}
		if err := e.Set(key, nil); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		got, err := e.Get(key)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got == nil || len(got) != 0 {
			t.Errorf("Expected empty non-nil value, got %#v", got)
		}
		if err := e.Set(nil, []byte("x")); !errors.Is(err, ErrEmptyKey) {
			t.Errorf("Expected ErrEmptyKey, got %v", err)
		}
	})
}

func TestEngine_ScanPrefixOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e Engine) {
		keys := []string{"b/2", "a/1", "b/1", "c", "b/10", "b", "b\xff", "ba"}
		for _, k := range keys {
			if err := e.Set([]byte(k), []byte("v:"+k)); err != nil {
				t.Fatalf("Set %q failed: %v", k, err)
			}
		}

		var got []string
		err := e.Scan([]byte("b/"), func(k, v []byte) error {
			if string(v) != "v:"+string(k) {
				t.Errorf("value mismatch for %q: %q", k, v)
			}
			got = append(got, string(k))
			return nil
		})
		if err != nil {
			t.Fatalf("Scan failed: %v", err)
		}
		want := []string{"b/1", "b/10", "b/2"}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("Expected %q, got %q", want, got)
		}

		got = got[:0]
		if err := e.Scan(nil, func(k, v []byte) error {
			got = append(got, string(k))
			return nil
		}); err != nil {
			t.Fatalf("full Scan failed: %v", err)
		}
		if len(got) != len(keys) {
			t.Fatalf("Expected %d entries, got %d", len(keys), len(got))
		}
		for i := 1; i < len(got); i++ {
			if got[i-1] >= got[i] {
				t.Errorf("full scan out of order at %d: %q >= %q", i, got[i-1], got[i])
			}
		}

		// A prefix of 0xff bytes has no upper bound.
		got = got[:0]
		e.Set([]byte{0xff, 0xff}, []byte("top"))
		e.Set([]byte{0xff, 0xff, 0x01}, []byte("top2"))
		e.Scan([]byte{0xff, 0xff}, func(k, v []byte) error {
			got = append(got, string(k))
			return nil
		})
		if len(got) != 2 {
			t.Errorf("Expected 2 entries under 0xffff, got %d", len(got))
		}
	})
}

func TestEngine_ScanStopsOnError(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e Engine) {
		for i := 0; i < 5; i++ {
			e.Set([]byte(fmt.Sprintf("k%d", i)), []byte("v"))
		}
		stop := errors.New("stop")
		calls := 0
		err := e.Scan([]byte("k"), func(k, v []byte) error {
			calls++
			if calls == 2 {
				return stop
			}
			return nil
		})
		if !errors.Is(err, stop) {
			t.Errorf("Expected stop error, got %v", err)
		}
		if calls != 2 {
			t.Errorf("Expected 2 calls, got %d", calls)
		}
	})
}

func TestEngine_ScanCallbackMayWrite(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e Engine) {
		e.Set([]byte("src/1"), []byte("a"))
		e.Set([]byte("src/2"), []byte("b"))
		err := e.Scan([]byte("src/"), func(k, v []byte) error {
			return e.Set(append([]byte("dst/"), k[4:]...), v)
		})
		if err != nil {
			t.Fatalf("Scan failed: %v", err)
		}
		got, err := e.Get([]byte("dst/2"))
		if err != nil || string(got) != "b" {
			t.Errorf("Expected b, got %q, %v", got, err)
		}
	})
}

func TestEngine_ApplyAtomic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e Engine) {
		e.Set([]byte("old"), []byte("1"))

		err := e.Apply([]Op{
			DeleteOp([]byte("old")),
			SetOp([]byte("new"), []byte("2")),
			DeleteOp([]byte("never-existed")),
		})
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if _, err := e.Get([]byte("old")); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("old should be gone, got %v", err)
		}
		if v, _ := e.Get([]byte("new")); string(v) != "2" {
			t.Errorf("Expected 2, got %q", v)
		}

		// An invalid op anywhere in the batch rejects the whole batch.
		err = e.Apply([]Op{
			SetOp([]byte("partial"), []byte("x")),
			{Code: OpCode(9), Key: []byte("bad")},
		})
		if !errors.Is(err, ErrUnknownOp) {
			t.Fatalf("Expected ErrUnknownOp, got %v", err)
		}
		if _, err := e.Get([]byte("partial")); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("partial batch was applied: %v", err)
		}

		// Later ops in a batch see earlier ones.
		err = e.Apply([]Op{
			SetOp([]byte("k"), []byte("first")),
			SetOp([]byte("k"), []byte("second")),
		})
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if v, _ := e.Get([]byte("k")); string(v) != "second" {
			t.Errorf("Expected second, got %q", v)
		}
	})
}

func TestEngine_Close(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			e := b.open(t, t.TempDir())
			if err := e.Close(); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			if err := e.Close(); err != nil {
				t.Errorf("second Close failed: %v", err)
			}
			if _, err := e.Get([]byte("k")); !errors.Is(err, ErrClosed) {
				t.Errorf("Expected ErrClosed, got %v", err)
			}
			if err := e.Set([]byte("k"), []byte("v")); !errors.Is(err, ErrClosed) {
				t.Errorf("Expected ErrClosed, got %v", err)
			}
		})
	}
}

func TestEngine_Reopen(t *testing.T) {
	for _, b := range backends[1:] {
		t.Run(b.name, func(t *testing.T) {
			dir := t.TempDir()
			e := b.open(t, dir)
			if err := e.Set([]byte("k1"), []byte("v1")); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			if err := e.Sync(); err != nil {
				t.Fatalf("Sync failed: %v", err)
			}
			e.Close()

			e2 := b.open(t, dir)
			defer e2.Close()
			val, err := e2.Get([]byte("k1"))
			if err != nil {
				t.Fatalf("Get on reopened store failed: %v", err)
			}
			if string(val) != "v1" {
				t.Errorf("Expected v1, got %q", val)
			}
		})
	}
}

func TestEngine_Concurrent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, e Engine) {
		const (
			numGoroutines = 8
			numOps        = 25
		)
		var wg sync.WaitGroup
		errs := make(chan error, numGoroutines*numOps)
		for i := 0; i < numGoroutines; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				for j := 0; j < numOps; j++ {
					key := []byte(fmt.Sprintf("key-%d-%d", id, j))
					val := []byte(fmt.Sprint(j))
					if err := e.Set(key, val); err != nil {
						errs <- err
						continue
					}
					got, err := e.Get(key)
					if err != nil || !bytes.Equal(got, val) {
						errs <- fmt.Errorf("%s: expected %s, got %s, err %v", key, val, got, err)
					}
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Error(err)
		}
	})
}

func TestPersistence(t *testing.T) {
	tmpDir := t.TempDir()

	p, err := NewPersistence(tmpDir)
	if err != nil {
		t.Fatalf("NewPersistence failed: %v", err)
	}

	data := map[string][]byte{
		"key1":       []byte("val1"),
		"\x00\xffbin": {0x01, 0x02},
	}
	if err := p.Save(data); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, SnapshotFile)); os.IsNotExist(err) {
		t.Fatal("snapshot file was not created")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, SnapshotFile+".tmp")); !os.IsNotExist(err) {
		t.Error("temporary file was left behind")
	}

	allData, err := p.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if len(allData) != 2 {
		t.Errorf("Expected 2 entries, got %d", len(allData))
	}
	if !bytes.Equal(allData["\x00\xffbin"], []byte{0x01, 0x02}) {
		t.Errorf("binary key mismatch: %v", allData)
	}
}

func TestPersistence_Corrupt(t *testing.T) {
	tmpDir := t.TempDir()
	os.WriteFile(filepath.Join(tmpDir, SnapshotFile), []byte("{not json"), 0644)
	if _, err := OpenJSON(tmpDir); err == nil {
		t.Fatal("Expected error for corrupt snapshot")
	}
}

func TestMemStore_RollbackOnPersistFailure(t *testing.T) {
	tmpDir := t.TempDir()
	ms, err := OpenJSON(tmpDir)
	if err != nil {
		t.Fatalf("OpenJSON failed: %v", err)
	}
	ms.Set([]byte("keep"), []byte("1"))

	// Point the snapshot into a directory that does not exist.
	ms.persister.Path = filepath.Join(tmpDir, "missing", SnapshotFile)
	err = ms.Apply([]Op{SetOp([]byte("lost"), []byte("2")), DeleteOp([]byte("keep"))})
	if err == nil {
		t.Fatal("Expected persistence error")
	}
	if _, err := ms.Get([]byte("lost")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("set was not rolled back: %v", err)
	}
	if v, _ := ms.Get([]byte("keep")); string(v) != "1" {
		t.Errorf("delete was not rolled back: %q", v)
	}
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in     string
		scheme string
		path   string
		dir    string
	}{
		{"", SchemeMemory, "", ""},
		{"mem:", SchemeMemory, "", ""},
		{":memory:", SchemeMemory, "", ""},
		{"./data", SchemeSQLite, "./data", "./data"},
		{"sqlite:/var/lib/shelf", SchemeSQLite, "/var/lib/shelf", "/var/lib/shelf"},
		{"badger:db", SchemeBadger, "db", "db"},
		{"json:snap", SchemeJSON, "snap", "snap"},
		{"tcp://127.0.0.1:7001", SchemeTCP, "127.0.0.1:7001", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			loc, err := ParseLocation(tt.in)
			if err != nil {
				t.Fatalf("ParseLocation failed: %v", err)
			}
			if loc.Scheme != tt.scheme || loc.Path != tt.path || loc.Dir() != tt.dir {
				t.Errorf("got %+v (dir %q)", loc, loc.Dir())
			}
		})
	}

	for _, bad := range []string{"sqlite:", "badger:", "json:", "tcp://"} {
		if _, err := ParseLocation(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	for _, loc := range []string{"mem:", "sqlite:" + filepath.Join(dir, "s"), "badger:" + filepath.Join(dir, "b"), "json:" + filepath.Join(dir, "j")} {
		e, err := Open(loc)
		if err != nil {
			t.Fatalf("Open(%q) failed: %v", loc, err)
		}
		if err := e.Set([]byte("k"), []byte("v")); err != nil {
			t.Errorf("Set on %q failed: %v", loc, err)
		}
		e.Close()
	}

	_, err := Open("sqlite:")
	var oe *OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("Expected *OpenError, got %v", err)
	}

	// A file where a directory is expected cannot be opened.
	file := filepath.Join(dir, "file")
	os.WriteFile(file, []byte("x"), 0644)
	if _, err := Open("sqlite:" + file); !errors.As(err, &oe) {
		t.Errorf("Expected *OpenError, got %v", err)
	}
}

func TestMigrate(t *testing.T) {
	src := NewMemStore(nil, nil)
	const n = MigrateBatchSize + 17
	for i := 0; i < n; i++ {
		src.Set([]byte(fmt.Sprintf("k%05d", i)), []byte(fmt.Sprint(i)))
	}

	dst, err := OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer dst.Close()
	dst.Set([]byte("pre-existing"), []byte("x"))

	count, err := Migrate(src, dst)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if count != n {
		t.Errorf("Expected %d migrated, got %d", n, count)
	}
	val, err := dst.Get([]byte("k01000"))
	if err != nil || string(val) != "1000" {
		t.Errorf("Expected 1000, got %q, %v", val, err)
	}
	if _, err := dst.Get([]byte("pre-existing")); err != nil {
		t.Errorf("pre-existing entry was removed: %v", err)
	}
}
