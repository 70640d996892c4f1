package localcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/VKCOM/buildcache/internal/cacheentry"
	"github.com/VKCOM/buildcache/internal/hash"
)

func Test_lookupMissWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 1<<30)
	h := hash.New().UpdateString("nonexistent").Final()

	entry, lock := c.Lookup(h)
	if entry.Valid {
		t.Error("expected an invalid entry for a cache miss")
	}
	if lock.HasLock() {
		t.Error("expected no lock to be held after a miss")
	}
}

func Test_addThenLookupHit(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 1<<30)
	h := hash.New().UpdateString("gcc -O2 foo.c").Final()

	srcDir := t.TempDir()
	objPath := filepath.Join(srcDir, "foo.o")
	if err := os.WriteFile(objPath, []byte("object bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	entry := cacheentry.New([]string{"obj"}, cacheentry.CompressionNone, "", "", 0)
	if err := c.Add(h, entry, map[string]string{"obj": objPath}, true); err != nil {
		t.Fatal(err)
	}

	got, lock := c.Lookup(h)
	if !got.Valid {
		t.Fatal("expected a cache hit after Add")
	}
	defer lock.Release()
	if !lock.HasLock() {
		t.Error("expected a hit to return a held lock")
	}
	if len(got.FileIDs) != 1 || got.FileIDs[0] != "obj" {
		t.Errorf("expected file ids [obj], got %v", got.FileIDs)
	}
}

func Test_getFileMaterializesArtifact(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 1<<30)
	h := hash.New().UpdateString("clang -c bar.c").Final()

	srcDir := t.TempDir()
	objPath := filepath.Join(srcDir, "bar.o")
	if err := os.WriteFile(objPath, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	entry := cacheentry.New([]string{"obj"}, cacheentry.CompressionNone, "", "", 0)
	if err := c.Add(h, entry, map[string]string{"obj": objPath}, false); err != nil {
		t.Fatal(err)
	}

	outDir := t.TempDir()
	target := filepath.Join(outDir, "restored.o")
	if err := c.GetFile(h, "obj", target, false, false); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("expected restored content %q, got %q", "payload", data)
	}
}

func Test_statsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 1<<30)
	h := hash.New().UpdateString("any").Final()

	c.recordStat(h, "local_hits", 1)
	c.recordStat(h, "local_hits", 1)
	c.recordStat(h, "local_misses", 1)

	stats := c.ShowStats()
	if stats["local_hits"] != 2 || stats["local_misses"] != 1 {
		t.Errorf("unexpected aggregated stats: %+v", stats)
	}

	c.ZeroStats()
	stats = c.ShowStats()
	if stats["local_hits"] != 0 {
		t.Errorf("expected ZeroStats to reset counters, got %+v", stats)
	}
}

func Test_entriesAreRootedUnderCSubdir(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 1<<30)
	h := hash.New().UpdateString("rooted-under-c").Final()

	srcDir := t.TempDir()
	objPath := filepath.Join(srcDir, "x.o")
	if err := os.WriteFile(objPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	entry := cacheentry.New([]string{"obj"}, cacheentry.CompressionNone, "", "", 0)
	if err := c.Add(h, entry, map[string]string{"obj": objPath}, false); err != nil {
		t.Fatal(err)
	}

	wantDir := filepath.Join(dir, "c", h.PrefixDir(), h.LeafDir())
	if _, err := os.Stat(filepath.Join(wantDir, entryFileName)); err != nil {
		t.Errorf("expected entry under %s: %v", wantDir, err)
	}
	if _, err := os.Stat(filepath.Join(dir, h.PrefixDir())); err == nil {
		t.Error("did not expect a hash-prefix directory directly under rootDir, outside c/")
	}
}

func Test_walkEntriesIgnoresNonHexSiblings(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 1<<30)
	h := hash.New().UpdateString("sibling-dirs").Final()

	srcDir := t.TempDir()
	objPath := filepath.Join(srcDir, "x.o")
	if err := os.WriteFile(objPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	entry := cacheentry.New([]string{"obj"}, cacheentry.CompressionNone, "", "", 0)
	if err := c.Add(h, entry, map[string]string{"obj": objPath}, false); err != nil {
		t.Fatal(err)
	}

	// a data store or tmp scratch dir living under c/ (never should, but a
	// stray directory from manual tinkering is exactly what the invariant
	// guards against) must not be mistaken for a hash-prefix directory.
	if err := os.MkdirAll(filepath.Join(dir, "c", "manifests"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "c", "zz"), 0o755); err != nil {
		t.Fatal(err)
	}

	entries := c.walkEntries()
	if len(entries) != 1 {
		t.Errorf("expected exactly one real entry, got %d: %+v", len(entries), entries)
	}
}

func Test_clearRemovesEntries(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 1<<30)
	h := hash.New().UpdateString("to-be-cleared").Final()

	srcDir := t.TempDir()
	objPath := filepath.Join(srcDir, "x.o")
	if err := os.WriteFile(objPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	entry := cacheentry.New([]string{"obj"}, cacheentry.CompressionNone, "", "", 0)
	if err := c.Add(h, entry, map[string]string{"obj": objPath}, false); err != nil {
		t.Fatal(err)
	}

	c.Clear()

	got, lock := c.Lookup(h)
	if got.Valid {
		t.Error("expected Clear to remove the entry")
	}
	lock.Release()
}
