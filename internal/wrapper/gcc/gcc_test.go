package gcc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/VKCOM/buildcache/internal/config"
)

func Test_isGCCOrClang(t *testing.T) {
	cases := map[string]bool{
		"gcc":          true,
		"g++":          true,
		"/usr/bin/gcc": true,
		"clang":        true,
		"clang++":      true,
		"clang-14":     true,
		"clang-14.0":   true,
		"clang-tidy":   false,
		"cl":           false,
		"cc1":          false,
	}
	for exe, want := range cases {
		if got := IsGCCOrClang(exe); got != want {
			t.Errorf("IsGCCOrClang(%q) = %v, want %v", exe, got, want)
		}
	}
}

func Test_canHandleCommand(t *testing.T) {
	w := New([]string{"gcc", "-c", "a.c", "-o", "a.o"}, config.Defaults())
	if !w.CanHandleCommand() {
		t.Error("expected gcc to be recognized")
	}

	w = New([]string{"cl"}, config.Defaults())
	if w.CanHandleCommand() {
		t.Error("did not expect cl to be recognized by the gcc wrapper")
	}
}

func Test_filterArgumentsStripsIncludesAndDefines(t *testing.T) {
	args := []string{"gcc", "-Wall", "-Ifoo", "-I", "bar", "-DFOO=1", "-MF", "dep.d", "a.c", "-o", "a.o"}
	got := FilterArguments(args)

	want := []string{"gcc", "-Wall"}
	if len(got) != len(want) {
		t.Fatalf("FilterArguments(%v) = %v, want %v", args, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("FilterArguments(%v)[%d] = %q, want %q", args, i, got[i], want[i])
		}
	}
}

func Test_getBuildFilesRequiresOutput(t *testing.T) {
	if _, err := GetBuildFiles([]string{"gcc", "-c", "a.c"}); err == nil {
		t.Error("expected an error when -o is missing")
	}

	files, err := GetBuildFiles([]string{"gcc", "-c", "a.c", "-o", "a.o"})
	if err != nil {
		t.Fatal(err)
	}
	if files["object"] != "a.o" {
		t.Errorf("expected object a.o, got %q", files["object"])
	}
	if _, hasCoverage := files["coverage"]; hasCoverage {
		t.Error("did not expect a coverage sidecar without coverage flags")
	}
}

func Test_getBuildFilesAddsCoverageSidecar(t *testing.T) {
	files, err := GetBuildFiles([]string{"gcc", "-c", "--coverage", "a.c", "-o", "a.o"})
	if err != nil {
		t.Fatal(err)
	}
	if files["coverage"] != "a.gcno" {
		t.Errorf("expected coverage sidecar a.gcno, got %q", files["coverage"])
	}
}

func Test_getBuildFilesRejectsMultipleOutputs(t *testing.T) {
	if _, err := GetBuildFiles([]string{"gcc", "-o", "a.o", "-o", "b.o"}); err == nil {
		t.Error("expected an error for two -o arguments")
	}
}

func Test_makePreprocessorCmdInhibitsLineInfoByDefault(t *testing.T) {
	cfg := config.Defaults()
	args := makePreprocessorCmd([]string{"gcc", "-c", "a.c", "-o", "a.o"}, cfg, "a.i")

	found := false
	for _, arg := range args {
		if arg == "-P" {
			found = true
		}
	}
	if !found {
		t.Error("expected -P to inhibit line info under default accuracy with no debug flags")
	}
}

func Test_makePreprocessorCmdKeepsLineInfoForDebugUnderStrictAccuracy(t *testing.T) {
	cfg := config.Defaults()
	cfg.Accuracy = config.AccuracyStrict
	args := makePreprocessorCmd([]string{"gcc", "-g", "-c", "a.c", "-o", "a.o"}, cfg, "a.i")

	for _, arg := range args {
		if arg == "-P" {
			t.Error("did not expect -P when debug symbols are requested under strict accuracy")
		}
	}
}

func Test_makePreprocessorCmdKeepsLineInfoForCoverageRegardlessOfAccuracy(t *testing.T) {
	cfg := config.Defaults()
	args := makePreprocessorCmd([]string{"gcc", "--coverage", "-c", "a.c", "-o", "a.o"}, cfg, "a.i")

	for _, arg := range args {
		if arg == "-P" {
			t.Error("did not expect -P when coverage output is requested")
		}
	}
}

func Test_parseMakeDepFileHandlesContinuationsAndEscapedSpaces(t *testing.T) {
	dir := t.TempDir()
	depPath := filepath.Join(dir, "a.d")
	content := "a.o: a.c foo.h \\\n  dir\\ with\\ spaces/bar.h \\\n  baz.h\n"
	if err := os.WriteFile(depPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	paths, err := parseMakeDepFile(depPath)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.c", "foo.h", "dir with spaces/bar.h", "baz.h"}
	if len(paths) != len(want) {
		t.Fatalf("parseMakeDepFile = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("parseMakeDepFile[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}

func Test_getDirectModeInputsRequiresMF(t *testing.T) {
	w := New([]string{"gcc", "-c", "a.c", "-o", "a.o"}, config.Defaults())
	if _, ok := w.GetDirectModeInputs(); ok {
		t.Error("did not expect direct mode inputs without -MF")
	}
}

func Test_getDirectModeInputsParsesNamedFile(t *testing.T) {
	dir := t.TempDir()
	depPath := filepath.Join(dir, "a.d")
	if err := os.WriteFile(depPath, []byte("a.o: a.c foo.h\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := New([]string{"gcc", "-c", "a.c", "-MF", depPath, "-o", "a.o"}, config.Defaults())
	paths, ok := w.GetDirectModeInputs()
	if !ok {
		t.Fatal("expected direct mode inputs with -MF present")
	}
	if len(paths) != 2 || paths[0] != "a.c" || paths[1] != "foo.h" {
		t.Errorf("GetDirectModeInputs() = %v, want [a.c foo.h]", paths)
	}
}
