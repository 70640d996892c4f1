package ghs

import (
	"os"
	"testing"

	"github.com/VKCOM/buildcache/internal/config"
)

func Test_canHandleCommand(t *testing.T) {
	cases := map[string]bool{
		"ccarm":    true,
		"cxarm":    true,
		"ccthumb":  true,
		"cxthumb":  true,
		"ccintarm": true,
		"cxintarm": true,
		"gcc":      false,
		"cl":       false,
	}
	for exe, want := range cases {
		w := New([]string{exe}, config.Defaults())
		if got := w.CanHandleCommand(); got != want {
			t.Errorf("CanHandleCommand(%q) = %v, want %v", exe, got, want)
		}
	}
}

func Test_getRelevantArgumentsStripsOsDir(t *testing.T) {
	w := New([]string{"ccarm", "-os_dir=/opt/ghs/os", "-Wall", "-Ifoo", "a.c", "-o", "a.o"}, config.Defaults())
	got := w.GetRelevantArguments()

	for _, arg := range got {
		if arg == "-os_dir=/opt/ghs/os" {
			t.Error("expected -os_dir=... to be stripped from the fingerprint")
		}
	}

	found := false
	for _, arg := range got {
		if arg == "-Wall" {
			found = true
		}
	}
	if !found {
		t.Error("expected -Wall to survive filtering")
	}
}

func Test_getProgramIDFallsBackToHashingBinary(t *testing.T) {
	w := New([]string{"ccarm"}, config.Defaults())
	w.Args[0] = writeExecutableFixture(t)

	id, err := w.GetProgramID()
	if err != nil {
		t.Fatal(err)
	}
	if len(id) <= len(formatVersion) {
		t.Error("expected a non-empty hash appended to the format version prefix")
	}
	if id[:len(formatVersion)] != formatVersion {
		t.Errorf("expected program id to be prefixed with format version %q, got %q", formatVersion, id)
	}
}

func writeExecutableFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/ccarm"
	if err := os.WriteFile(path, []byte("not a real compiler, just fixture bytes"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}
