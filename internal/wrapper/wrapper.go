// Package wrapper defines the polymorphic contract every compiler family
// adapter implements, and the dispatch algorithm that picks one for a
// given invocation.
//
// Grounded on original_source/src/wrappers/program_wrapper.hpp (the base
// class every concrete wrapper derives from) and compiler_wrapper.cpp
// (handle_command's hash-then-lookup-then-run-or-replay shape), generalized
// from a single hard-coded cache reference into the two-tier engine
// (internal/engine) spec.md 4.K calls for. The embedded Lua scripting host
// the original uses to let users define ad hoc wrappers is out of scope
// (see spec.md's explicit non-goal list); LuaPaths is still accepted as
// configuration and each configured path is checked for accessibility, but no script is ever
// instantiated or executed - see dispatchScripted below.
package wrapper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/VKCOM/buildcache/internal/buildcachelog"
	"github.com/VKCOM/buildcache/internal/cacheentry"
	"github.com/VKCOM/buildcache/internal/config"
	"github.com/VKCOM/buildcache/internal/datastore"
	"github.com/VKCOM/buildcache/internal/engine"
	"github.com/VKCOM/buildcache/internal/hash"
	"github.com/VKCOM/buildcache/internal/pathutil"
	"github.com/VKCOM/buildcache/internal/subprocess"
)

// Wrapper is the capability set every compiler family adapter implements.
// A zero-value Go interface stands in for the original's virtual methods;
// every method may return an error to signal "this invocation can't be
// cached, fall back to running it unchanged."
type Wrapper interface {
	// CanHandleCommand reports whether this wrapper recognizes argv[0].
	CanHandleCommand() bool

	// ResolveArgs gives the wrapper a chance to expand response files or
	// other indirection before any other method is called.
	ResolveArgs() error

	// GetCapabilities lists opt-in optimizations this wrapper supports,
	// currently only "hard_links".
	GetCapabilities() []string

	// PreprocessSource returns the preprocessed source text that stands
	// in for "the inputs that matter" in the fingerprint.
	PreprocessSource() (string, error)

	// GetRelevantArguments returns the command line flags that affect
	// compiled output, with paths/defines/dependency-file flags (already
	// reflected in the preprocessed source) stripped out.
	GetRelevantArguments() []string

	// GetRelevantEnvVars returns the environment variables that can
	// affect this tool's output.
	GetRelevantEnvVars() map[string]string

	// GetProgramID returns a string uniquely identifying the compiler
	// binary and its version.
	GetProgramID() (string, error)

	// GetBuildFiles returns file_id -> path for every artifact this
	// invocation is expected to produce.
	GetBuildFiles() (map[string]string, error)

	// RunForMiss actually runs the tool (optionally through a configured
	// command prefix) and returns its captured result.
	RunForMiss(ctx context.Context) (subprocess.Result, error)

	// Argv returns the resolved argv this wrapper was constructed from.
	// Every built-in wrapper gets this for free from Base; it exists on
	// the interface (rather than a type assertion against a concrete
	// struct) so direct-mode keying in Handle doesn't need to know the
	// concrete wrapper type.
	Argv() []string
}

// DirectModer is implemented by wrappers that, after actually running the
// tool, can enumerate every file the invocation's output transitively
// depended on (the source plus whatever headers it pulled in) - letting
// Handle persist a direct-mode manifest (spec.md's DirectModeManifest,
// 4.G) that a later, identical invocation can confirm purely from file
// hashes, without ever re-preprocessing. Only wrappers whose tool can
// produce such a listing deterministically (the GCC family's -MF) bother
// to implement it; spec.md 4.G leaves this decision to implementers.
type DirectModer interface {
	GetDirectModeInputs() ([]string, bool)
}

// HashExtraFiler is implemented by wrappers whose fingerprint should also
// fold in config.HashExtraFiles; every built-in wrapper implements it via
// Base. Handle does not consult this interface: it reads
// cfg.HashExtraFiles directly.
type HashExtraFiler interface {
	HashExtraFiles() []string
}

// Base holds the state and helpers shared by every concrete wrapper: the
// resolved argv, the process-wide config, and the scratch temp-file
// helper the original's get_temp_file provided. Concrete wrapper packages
// embed Base and implement the remaining Wrapper methods themselves.
type Base struct {
	Args   []string
	Config *config.Config
}

func (b *Base) HashExtraFiles() []string {
	return b.Config.HashExtraFiles
}

// Argv returns the resolved argv this wrapper was built from.
func (b *Base) Argv() []string {
	return b.Args
}

// TempFile creates a scoped temporary file with the given extension under
// the cache's tmp directory; Close removes it unless Keep was called.
func (b *Base) TempFile(ext string) (*pathutil.ScopedTempFile, error) {
	tmpDir := filepath.Join(b.Config.Dir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, err
	}
	return pathutil.NewScopedTempFile(tmpDir, ext)
}

// ResolveArgs is the default no-op implementation (most wrappers have no
// response files or other indirection to expand); wrappers that do
// override it by defining their own ResolveArgs method, which shadows
// this one.
func (b *Base) ResolveArgs() error { return nil }

// GetCapabilities is the default "opts into nothing" implementation.
func (b *Base) GetCapabilities() []string { return nil }

// GetRelevantEnvVars is the default "nothing relevant" implementation.
func (b *Base) GetRelevantEnvVars() map[string]string { return map[string]string{} }

// RunForMiss is the default implementation: run the resolved argv, through
// the configured command prefix if any.
func (b *Base) RunForMiss(ctx context.Context) (subprocess.Result, error) {
	return subprocess.Run(ctx, subprocess.WithPrefix(b.Config.Prefix, b.Args), "")
}

// Factory constructs a candidate wrapper for a resolved argv; the wrapper
// itself decides (via CanHandleCommand) whether it actually applies.
// Dispatch order comes from the order factories appear in the slice
// Resolve is given, not from package init order - cmd/buildcache builds
// that slice once, in the fixed order spec.md 4.K mandates (GCC, GHS,
// MSVC, Clang-cl, TI-C6x, TI-ARM, TI-ARP32, Analyzer, QCC), since this
// package can't import the concrete per-family packages itself (they
// import it).
type Factory func(args []string, cfg *config.Config) Wrapper

// selfBasename is compared against argv[0]'s basename to detect "the user
// invoked the buildcache binary directly" (step 2 of dispatch).
var selfBasename = "buildcache"

// SetSelfBasename overrides the basename used to detect direct
// self-invocation; exercised by cmd/buildcache at startup and by tests.
func SetSelfBasename(name string) {
	selfBasename = name
}

// Resolve performs dispatch steps 1-6 and returns either a matching
// Wrapper or nil (meaning: run argv unchanged, no caching). builtins is
// the fixed-order list of built-in wrapper factories (see Factory).
func Resolve(argv []string, cfg *config.Config, builtins []Factory) (Wrapper, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("wrapper: empty argv")
	}

	args := append([]string(nil), argv...)

	// step 1: BUILDCACHE_IMPERSONATE replaces argv[0] wholesale.
	if impersonate := cfg.Impersonate; impersonate != "" {
		args[0] = impersonate
	}

	// step 2: invoking the binary by its own name means "show help";
	// Resolve reports it as errSelfInvocation and cmd/buildcache prints
	// the usage text when IsSelfInvocation matches.
	if filepath.Base(args[0]) == selfBasename {
		return nil, errSelfInvocation
	}

	// step 3: resolve argv[0] against PATH, excluding ourselves so a
	// same-named symlink can't recurse into this process.
	self, err := os.Executable()
	if err != nil {
		self = selfBasename
	}
	resolved, err := pathutil.FindExecutable(args[0], self)
	if err != nil {
		// can't find the real tool at all: nothing to wrap.
		return nil, nil
	}
	args[0] = resolved

	// step 4: script-defined wrappers. Out of scope (see package doc);
	// dispatchScripted always returns nil, nil but still validates the
	// configured paths so a typo'd lua_paths entry is visible in logs.
	if w, err := dispatchScripted(args, cfg); w != nil || err != nil {
		return w, err
	}

	// step 5: fixed-order built-ins.
	for _, factory := range builtins {
		w := factory(args, cfg)
		if w.CanHandleCommand() {
			return w, nil
		}
	}

	// step 6: passthrough, no caching.
	return nil, nil
}

// errSelfInvocation signals that argv[0]'s basename is our own: the
// caller should print help and exit rather than attempt to wrap anything.
var errSelfInvocation = fmt.Errorf("wrapper: self-invocation")

// IsSelfInvocation reports whether err is the sentinel Resolve returns for
// dispatch step 2.
func IsSelfInvocation(err error) bool {
	return err == errSelfInvocation
}

// dispatchScripted would iterate cfg.LuaPaths for *.lua script wrappers.
// The scripting host itself is out of scope for this implementation (see
// package doc and DESIGN.md); this stub only logs
// when a configured path can't even be scanned, so a misconfiguration is
// still visible.
func dispatchScripted(_ []string, cfg *config.Config) (Wrapper, error) {
	for _, dir := range cfg.LuaPaths {
		if _, err := os.Stat(dir); err != nil {
			buildcachelog.Default().Debug("wrapper: lua_paths entry not accessible", dir, err)
		}
	}
	return nil, nil
}

// Handle runs the full fingerprint -> lookup -> replay-or-run-and-add
// flow described in spec.md 4.K's handle_command, against the given
// engine. It returns the process return code to exit with and whether the
// invocation was handled at all (false means the caller should fall back
// to running argv unchanged).
func Handle(ctx context.Context, w Wrapper, eng *engine.Engine, cfg *config.Config) (returnCode int, handled bool) {
	if err := w.ResolveArgs(); err != nil {
		buildcachelog.Default().Debug("wrapper: resolve_args declined", err)
		return 0, false
	}

	capabilities := w.GetCapabilities()
	allowHardLinks := hasCapability(capabilities, "hard_links") && cfg.HardLinks && !cfg.Compress

	programID, err := w.GetProgramID()
	if err != nil {
		buildcachelog.Default().Debug("wrapper: fingerprinting declined", err)
		return 0, false
	}

	dm, supportsDirectMode := w.(DirectModer)
	if cfg.DirectMode && supportsDirectMode {
		if code, ok := tryDirectMode(w, programID, eng, cfg, allowHardLinks); ok {
			return code, true
		}
	}

	fingerprint, expectedFiles, sourceHash, err := computeFingerprint(w, cfg, programID)
	if err != nil {
		buildcachelog.Default().Debug("wrapper: fingerprinting declined", err)
		return 0, false
	}

	if entry, ok := eng.Lookup(fingerprint, expectedFiles, allowHardLinks); ok {
		replay(entry)
		return int(entry.ReturnCode), true
	}

	if cfg.TerminateOnMiss {
		return 1, true
	}

	result, err := w.RunForMiss(ctx)
	if err != nil {
		buildcachelog.Default().Error("wrapper: run_for_miss failed", err)
		return 1, true
	}

	os.Stdout.Write(result.Stdout)
	os.Stderr.Write(result.Stderr)

	if result.ExitCode != 0 || !allExpectedFilesExist(expectedFiles) {
		return result.ExitCode, true
	}

	mode := cacheentry.CompressionNone
	if cfg.Compress {
		mode = cacheentry.CompressionAll
	}
	entry := cacheentry.New(fileIDs(expectedFiles), mode, string(result.Stdout), string(result.Stderr), int32(result.ExitCode))
	if err := eng.Add(fingerprint, entry, expectedFiles, allowHardLinks); err != nil {
		buildcachelog.Default().Error("wrapper: caching a fresh build failed (continuing)", err)
	}

	if cfg.DirectMode && supportsDirectMode {
		persistDirectModeManifest(dm, w.Argv(), programID, cfg, sourceHash)
	}

	return result.ExitCode, true
}

func hasCapability(capabilities []string, name string) bool {
	for _, c := range capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// computeFingerprint builds the hash spec.md 4.K's handle_command
// describes: program id, relevant args, relevant env, preprocessed
// source, and any configured extra files, each group separated by
// InjectSeparator so group boundaries can't be confused with content. It
// also returns sourceHash, the digest of the preprocessed text alone -
// the same surrogate a direct-mode manifest records as PreprocHash, so a
// later direct-mode hit (tryDirectMode) reassembles an identical
// fingerprint without ever calling PreprocessSource again.
func computeFingerprint(w Wrapper, cfg *config.Config, programID string) (fingerprint hash.Hash, expectedFiles map[string]string, sourceHash string, err error) {
	source, err := w.PreprocessSource()
	if err != nil {
		return hash.Hash{}, nil, "", err
	}
	sourceHash = hash.New().UpdateString(source).Final().String()

	expectedFiles, err = w.GetBuildFiles()
	if err != nil {
		return hash.Hash{}, nil, "", err
	}

	fingerprint, err = assembleFingerprint(programID, w.GetRelevantArguments(), w.GetRelevantEnvVars(), sourceHash, cfg.HashExtraFiles)
	if err != nil {
		return hash.Hash{}, nil, "", err
	}
	return fingerprint, expectedFiles, sourceHash, nil
}

// assembleFingerprint folds program id, relevant args, relevant env and a
// source digest together, the shared tail end of both the normal
// preprocess-then-hash path and the direct-mode hash-only path.
func assembleFingerprint(programID string, relevantArgs []string, relevantEnv map[string]string, sourceHash string, extraFiles []string) (hash.Hash, error) {
	h := hash.New()
	h.UpdateString(programID).InjectSeparator()
	h.UpdateStringSlice(relevantArgs).InjectSeparator()
	h.UpdateStringMap(relevantEnv).InjectSeparator()
	h.UpdateString(sourceHash).InjectSeparator()
	for _, extra := range extraFiles {
		if err := h.UpdateFromFile(extra); err != nil {
			return hash.Hash{}, fmt.Errorf("wrapper: hashing hash_extra_files entry %q: %w", extra, err)
		}
	}
	return h.Final(), nil
}

// directModeManifestTTLSeconds bounds how long a persisted manifest is
// trusted before it is treated as expired; 30 days comfortably outlives a
// typical incremental build cycle without letting the manifest store grow
// unbounded (datastore's own housekeeping reclaims expired entries).
const directModeManifestTTLSeconds = 30 * 24 * 3600

// manifestStore is where direct-mode manifests live: a namespace inside
// cfg.Dir, separate from the content-addressed cache proper, matching
// spec.md 4.F's datastore being for advisory/volatile metadata.
func manifestStore(cfg *config.Config) *datastore.Store {
	return datastore.New(cfg.Dir, "manifests")
}

// directModeKey identifies one invocation's manifest slot: program id plus
// the full, unfiltered argv (unlike GetRelevantArguments, this must keep
// the source file path, since that's what pins a manifest to one
// translation unit rather than to every TU built with the same flags).
func directModeKey(programID string, argv []string) string {
	h := hash.New()
	h.UpdateString(programID).InjectSeparator()
	h.UpdateStringSlice(argv)
	return h.Final().String()
}

// tryDirectMode attempts a direct-mode hit: look up a manifest for this
// exact invocation, confirm every file it names still hashes the same, and
// if so reassemble the fingerprint from the manifest's recorded PreprocHash
// instead of re-preprocessing. Returns ok=false for anything short of a
// full replay so the caller falls back to the normal path transparently.
func tryDirectMode(w Wrapper, programID string, eng *engine.Engine, cfg *config.Config, allowHardLinks bool) (int, bool) {
	raw, found := manifestStore(cfg).Get(directModeKey(programID, w.Argv()))
	if !found {
		return 0, false
	}
	manifest, err := cacheentry.DeserializeManifest([]byte(raw))
	if err != nil {
		buildcachelog.Default().Debug("wrapper: direct mode manifest unreadable, falling back", err)
		return 0, false
	}
	if !manifestFilesUnchanged(manifest) {
		return 0, false
	}

	expectedFiles, err := w.GetBuildFiles()
	if err != nil {
		return 0, false
	}
	fingerprint, err := assembleFingerprint(programID, w.GetRelevantArguments(), w.GetRelevantEnvVars(), manifest.PreprocHash, cfg.HashExtraFiles)
	if err != nil {
		return 0, false
	}
	entry, ok := eng.Lookup(fingerprint, expectedFiles, allowHardLinks)
	if !ok {
		return 0, false
	}
	replay(entry)
	return int(entry.ReturnCode), true
}

// manifestFilesUnchanged reports whether every file a manifest names still
// hashes to the value recorded when the manifest was persisted; any
// missing or changed file invalidates the whole manifest.
func manifestFilesUnchanged(manifest cacheentry.Manifest) bool {
	for path, wantHash := range manifest.FilesWithHashes {
		fh := hash.New()
		if err := fh.UpdateFromFile(path); err != nil {
			return false
		}
		if fh.Final().String() != wantHash {
			return false
		}
	}
	return true
}

// persistDirectModeManifest runs only after a successful, freshly-run miss:
// it asks dm for the set of files the invocation actually depended on
// (only knowable now that the tool has run) and stores their current
// hashes alongside sourceHash, so a bit-for-bit repeat of this exact argv
// can skip preprocessing next time.
func persistDirectModeManifest(dm DirectModer, argv []string, programID string, cfg *config.Config, sourceHash string) {
	inputs, ok := dm.GetDirectModeInputs()
	if !ok {
		return
	}

	filesWithHashes := make(map[string]string, len(inputs))
	for _, path := range inputs {
		fh := hash.New()
		if err := fh.UpdateFromFile(path); err != nil {
			continue // vanished or unreadable: just omit it from the manifest
		}
		filesWithHashes[path] = fh.Final().String()
	}

	manifest := cacheentry.Manifest{PreprocHash: sourceHash, FilesWithHashes: filesWithHashes}
	manifestStore(cfg).Store(directModeKey(programID, argv), string(manifest.Serialize()), directModeManifestTTLSeconds)
}

func replay(entry cacheentry.Entry) {
	os.Stdout.WriteString(entry.StdOut)
	os.Stderr.WriteString(entry.StdErr)
}

func allExpectedFilesExist(expectedFiles map[string]string) bool {
	for _, path := range expectedFiles {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

func fileIDs(expectedFiles map[string]string) []string {
	ids := make([]string, 0, len(expectedFiles))
	for id := range expectedFiles {
		ids = append(ids, id)
	}
	return ids
}
