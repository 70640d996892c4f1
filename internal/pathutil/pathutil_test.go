package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func Test_moveReplacesExistingDestination(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "src")
	to := filepath.Join(dir, "dst")

	if err := os.WriteFile(from, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(to, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Move(from, to); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(to)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "new" {
		t.Errorf("expected moved content %q, got %q", "new", data)
	}
	if _, err := os.Stat(from); !os.IsNotExist(err) {
		t.Errorf("expected source to be gone after move")
	}
}

func Test_copyPreservesSourceAndProducesDestination(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "src")
	to := filepath.Join(dir, "dst")
	if err := os.WriteFile(from, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Copy(from, to); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(to)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("expected copied content %q, got %q", "payload", data)
	}
	if _, err := os.Stat(from); err != nil {
		t.Errorf("expected source to still exist after copy: %v", err)
	}
}

func Test_linkOrCopyProducesDestination(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "src")
	to := filepath.Join(dir, "dst")
	if err := os.WriteFile(from, []byte("linked"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := LinkOrCopy(from, to); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(to)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "linked" {
		t.Errorf("expected linked content %q, got %q", "linked", data)
	}
}

func Test_walkDirectoryListsFilesBeforeContainingDir(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "a.txt"), []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := WalkDirectory(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries (file + sub dir + root dir), got %d", len(entries))
	}
	if entries[0].IsDir {
		t.Errorf("expected the file entry before the directory entry")
	}
	if !entries[1].IsDir {
		t.Errorf("expected the sub directory entry right after its file")
	}
	if entries[1].Size != 5 {
		t.Errorf("expected aggregated directory size 5, got %d", entries[1].Size)
	}
}

func Test_scopedTempFileCleansUpOnClose(t *testing.T) {
	dir := t.TempDir()
	tmp, err := NewScopedTempFile(dir, ".tmp")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(tmp.Path(), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(tmp.Path()); !os.IsNotExist(err) {
		t.Errorf("expected scoped temp file to be removed on close")
	}
}

func Test_scopedTempFileKeepSkipsCleanup(t *testing.T) {
	dir := t.TempDir()
	tmp, err := NewScopedTempFile(dir, ".tmp")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(tmp.Path(), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	tmp.Keep()
	if err := tmp.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(tmp.Path()); err != nil {
		t.Errorf("expected kept temp file to survive Close: %v", err)
	}
}

func Test_findExecutableSkipsExcludedResolvedPath(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "mytool")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir)

	if _, err := FindExecutable("mytool", exe); err == nil {
		t.Errorf("expected FindExecutable to skip the excluded resolved path")
	}

	found, err := FindExecutable("mytool", "")
	if err != nil {
		t.Fatal(err)
	}
	if found == "" {
		t.Errorf("expected FindExecutable to find mytool when nothing is excluded")
	}
}
