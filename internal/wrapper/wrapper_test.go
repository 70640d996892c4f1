package wrapper

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/VKCOM/buildcache/internal/config"
	"github.com/VKCOM/buildcache/internal/engine"
	"github.com/VKCOM/buildcache/internal/localcache"
	"github.com/VKCOM/buildcache/internal/subprocess"
)

// fakeWrapper is a minimal, hand-built Wrapper used to exercise Handle
// without depending on any real compiler family.
type fakeWrapper struct {
	Base
	canHandle  bool
	programID  string
	source     string
	buildFiles map[string]string
	runResult  subprocess.Result
	runErr     error
}

func (f *fakeWrapper) CanHandleCommand() bool            { return f.canHandle }
func (f *fakeWrapper) PreprocessSource() (string, error) { return f.source, nil }
func (f *fakeWrapper) GetRelevantArguments() []string    { return f.Args }
func (f *fakeWrapper) GetProgramID() (string, error)     { return f.programID, nil }
func (f *fakeWrapper) GetBuildFiles() (map[string]string, error) {
	return f.buildFiles, nil
}
func (f *fakeWrapper) RunForMiss(ctx context.Context) (subprocess.Result, error) {
	for _, path := range f.buildFiles {
		if err := os.WriteFile(path, []byte("built"), 0o644); err != nil {
			return subprocess.Result{}, err
		}
	}
	return f.runResult, f.runErr
}

// directModeFakeWrapper additionally implements DirectModer, reporting a
// fixed set of input files so tests can control manifest verification.
type directModeFakeWrapper struct {
	fakeWrapper
	directInputs []string
}

func (f *directModeFakeWrapper) GetDirectModeInputs() ([]string, bool) {
	return f.directInputs, true
}

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	dir := t.TempDir()
	return engine.New(localcache.New(dir, 1024*1024*1024), nil)
}

func Test_resolveSelfInvocation(t *testing.T) {
	SetSelfBasename("buildcache")
	defer SetSelfBasename("buildcache")

	_, err := Resolve([]string{"buildcache"}, config.Defaults(), nil)
	if !IsSelfInvocation(err) {
		t.Errorf("expected self-invocation sentinel, got %v", err)
	}
}

func Test_resolveImpersonateOverridesArgv0(t *testing.T) {
	dir := t.TempDir()
	fakeCompiler := filepath.Join(dir, "my-cc")
	if err := os.WriteFile(fakeCompiler, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir)

	cfg := config.Defaults()
	cfg.Impersonate = "my-cc"

	var seenArgs []string
	factory := Factory(func(args []string, cfg *config.Config) Wrapper {
		seenArgs = args
		return &fakeWrapper{Base: Base{Args: args, Config: cfg}, canHandle: true}
	})

	w, err := Resolve([]string{"irrelevant-argv0"}, cfg, []Factory{factory})
	if err != nil {
		t.Fatal(err)
	}
	if w == nil {
		t.Fatal("expected a wrapper to match")
	}
	resolved, err := filepath.EvalSymlinks(seenArgs[0])
	if err != nil {
		t.Fatal(err)
	}
	wantResolved, err := filepath.EvalSymlinks(fakeCompiler)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != wantResolved {
		t.Errorf("expected impersonated argv[0] to resolve to %q, got %q", wantResolved, resolved)
	}
}

func Test_resolvePassthroughWhenNoBuiltinMatches(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "some-tool"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir)

	factory := Factory(func(args []string, cfg *config.Config) Wrapper {
		return &fakeWrapper{Base: Base{Args: args, Config: cfg}, canHandle: false}
	})

	w, err := Resolve([]string{"some-tool"}, config.Defaults(), []Factory{factory})
	if err != nil {
		t.Fatal(err)
	}
	if w != nil {
		t.Error("expected passthrough (nil wrapper) when no built-in matches")
	}
}

func Test_handleCachesOnMissAndReplaysOnHit(t *testing.T) {
	dir := t.TempDir()
	objPath := filepath.Join(dir, "a.o")
	cfg := config.Defaults()
	cfg.Dir = filepath.Join(dir, "cache")

	w := &fakeWrapper{
		Base:       Base{Args: []string{"cc", "-c", "a.c", "-o", "a.o"}, Config: cfg},
		canHandle:  true,
		programID:  "cc-1.0",
		source:     "int main(){}",
		buildFiles: map[string]string{"object": objPath},
		runResult:  subprocess.Result{Stdout: []byte("built ok"), ExitCode: 0},
	}

	eng := newTestEngine(t)

	code, handled := Handle(context.Background(), w, eng, cfg)
	if !handled {
		t.Fatal("expected the invocation to be handled")
	}
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if _, err := os.Stat(objPath); err != nil {
		t.Fatalf("expected the object file to exist after a miss: %v", err)
	}

	// second invocation: same fingerprint, should be served from cache
	// without RunForMiss ever being called again.
	if err := os.Remove(objPath); err != nil {
		t.Fatal(err)
	}
	w.runErr = nil
	w2 := &fakeWrapper{
		Base:       Base{Args: []string{"cc", "-c", "a.c", "-o", "a.o"}, Config: cfg},
		canHandle:  true,
		programID:  "cc-1.0",
		source:     "int main(){}",
		buildFiles: map[string]string{"object": objPath},
		runResult:  subprocess.Result{Stdout: []byte("should not run again"), ExitCode: 1},
	}

	code, handled = Handle(context.Background(), w2, eng, cfg)
	if !handled {
		t.Fatal("expected the second invocation to be handled")
	}
	if code != 0 {
		t.Fatalf("expected a cache hit to replay the original exit code 0, got %d", code)
	}
	if _, err := os.Stat(objPath); err != nil {
		t.Fatalf("expected the object file to be materialized from cache: %v", err)
	}
}

func Test_handleDoesNotCacheOnNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	objPath := filepath.Join(dir, "a.o")
	cfg := config.Defaults()
	cfg.Dir = filepath.Join(dir, "cache")

	w := &fakeWrapper{
		Base:       Base{Args: []string{"cc", "-c", "a.c", "-o", "a.o"}, Config: cfg},
		canHandle:  true,
		programID:  "cc-1.0",
		source:     "broken",
		buildFiles: map[string]string{"object": objPath},
		runResult:  subprocess.Result{Stderr: []byte("compile error"), ExitCode: 1},
	}

	eng := newTestEngine(t)
	code, handled := Handle(context.Background(), w, eng, cfg)
	if !handled {
		t.Fatal("expected the invocation to be handled")
	}
	if code != 1 {
		t.Fatalf("expected exit code 1 to propagate, got %d", code)
	}
}

func Test_handleDirectModePersistsAndReplaysWithoutReprocessing(t *testing.T) {
	dir := t.TempDir()
	objPath := filepath.Join(dir, "a.o")
	headerPath := filepath.Join(dir, "foo.h")
	if err := os.WriteFile(headerPath, []byte("#define FOO 1"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Defaults()
	cfg.Dir = filepath.Join(dir, "cache")
	cfg.DirectMode = true

	args := []string{"cc", "-c", "a.c", "-o", "a.o"}
	w := &directModeFakeWrapper{
		fakeWrapper: fakeWrapper{
			Base:       Base{Args: args, Config: cfg},
			canHandle:  true,
			programID:  "cc-1.0",
			source:     "int main(){}",
			buildFiles: map[string]string{"object": objPath},
			runResult:  subprocess.Result{Stdout: []byte("built ok"), ExitCode: 0},
		},
		directInputs: []string{headerPath},
	}

	eng := newTestEngine(t)

	code, handled := Handle(context.Background(), w, eng, cfg)
	if !handled || code != 0 {
		t.Fatalf("expected a handled, successful first build, got code=%d handled=%v", code, handled)
	}
	if _, found := manifestStore(cfg).Get(directModeKey("cc-1.0", args)); !found {
		t.Fatal("expected a direct mode manifest to be persisted after a successful miss")
	}

	// second invocation: same argv, header unchanged. A direct-mode hit
	// should replay without ever calling PreprocessSource/RunForMiss again,
	// which we confirm by making a rerun poison the result.
	if err := os.Remove(objPath); err != nil {
		t.Fatal(err)
	}
	w2 := &directModeFakeWrapper{
		fakeWrapper: fakeWrapper{
			Base:       Base{Args: args, Config: cfg},
			canHandle:  true,
			programID:  "cc-1.0",
			source:     "this would be a different preprocessed body",
			buildFiles: map[string]string{"object": objPath},
			runResult:  subprocess.Result{Stdout: []byte("should not run again"), ExitCode: 1},
		},
		directInputs: []string{headerPath},
	}

	code, handled = Handle(context.Background(), w2, eng, cfg)
	if !handled {
		t.Fatal("expected the second invocation to be handled")
	}
	if code != 0 {
		t.Fatalf("expected a direct mode hit to replay exit code 0, got %d", code)
	}
	if _, err := os.Stat(objPath); err != nil {
		t.Fatalf("expected the object file to be materialized from cache: %v", err)
	}

	// third invocation: header changed, manifest must be invalidated and
	// fall back to the normal path (which reruns and fails here on purpose).
	if err := os.WriteFile(headerPath, []byte("#define FOO 2"), 0o644); err != nil {
		t.Fatal(err)
	}
	w3 := &directModeFakeWrapper{
		fakeWrapper: fakeWrapper{
			Base:       Base{Args: args, Config: cfg},
			canHandle:  true,
			programID:  "cc-1.0",
			source:     "int main(){ changed }",
			buildFiles: map[string]string{"object": objPath},
			runResult:  subprocess.Result{Stdout: []byte("rebuilt"), ExitCode: 1},
		},
		directInputs: []string{headerPath},
	}
	code, handled = Handle(context.Background(), w3, eng, cfg)
	if !handled {
		t.Fatal("expected the third invocation to be handled")
	}
	if code != 1 {
		t.Fatalf("expected a changed header to invalidate the manifest and force a real rerun (exit 1), got %d", code)
	}
}
