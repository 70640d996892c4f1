// Package msvc implements the MSVC cl.exe and clang-cl wrappers: `/EP`
// preprocessing, `/Fo<path>` as the object output, and PDB generation
// (`/Zi`, `/ZI`) rejected outright since debug info there depends on
// un-hashed state this cache can't reproduce.
//
// Grounded on original_source/src/wrappers/msvc_wrapper.cpp (the cl.exe
// argument dialect, the CL/_CL_ relevant env vars, and the
// stderr-redirected-to-stdout version banner trick) and
// wrappers/clang_cl_wrapper.cpp (clang-cl subclasses msvc_wrapper_t,
// overriding only can_handle_command and get_program_id - modeled here as
// a ClangCL wrapper embedding Wrapper the same way).
package msvc

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/VKCOM/buildcache/internal/config"
	"github.com/VKCOM/buildcache/internal/subprocess"
	"github.com/VKCOM/buildcache/internal/wrapper"
)

const clangCLFormatVersion = "1"

var envVars = []string{"CL", "_CL_"}

// Wrapper implements wrapper.Wrapper for cl.exe.
type Wrapper struct {
	wrapper.Base
}

// New builds an MSVC wrapper for args.
func New(args []string, cfg *config.Config) *Wrapper {
	return &Wrapper{Base: wrapper.Base{Args: args, Config: cfg}}
}

func (w *Wrapper) CanHandleCommand() bool {
	return strings.ToLower(basename(w.Args[0])) == "cl"
}

func (w *Wrapper) GetCapabilities() []string {
	return []string{"hard_links"}
}

func (w *Wrapper) PreprocessSource() (string, error) {
	isObjectCompilation, hasObjectOutput := false, false
	for _, arg := range w.Args {
		switch {
		case argEquals(arg, "c"):
			isObjectCompilation = true
		case argStartsWith(arg, "Fo") && extOf(arg) == ".obj":
			hasObjectOutput = true
		case argEquals(arg, "Zi") || argEquals(arg, "ZI"):
			return "", fmt.Errorf("msvc: PDB generation is not supported")
		case strings.HasPrefix(arg, "@"):
			return "", fmt.Errorf("msvc: response files are not supported")
		}
	}
	if !isObjectCompilation || !hasObjectOutput {
		return "", fmt.Errorf("msvc: unsupported compilation command")
	}

	preprocessArgs := makePreprocessorCmd(w.Args)
	result, err := subprocess.Run(context.Background(), preprocessArgs, "")
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("msvc: preprocessing command was unsuccessful: %s", result.Stderr)
	}
	return string(result.Stdout), nil
}

func makePreprocessorCmd(args []string) []string {
	var preprocessArgs []string
	for _, arg := range args {
		if argEquals(arg, "c") || argStartsWith(arg, "Fo") || argEquals(arg, "C") || argEquals(arg, "E") {
			continue
		}
		preprocessArgs = append(preprocessArgs, arg)
	}
	return append(preprocessArgs, "/EP")
}

func (w *Wrapper) GetRelevantArguments() []string {
	filtered := []string{basename(w.Args[0])}

	skipNext := true
	for _, arg := range w.Args {
		if skipNext {
			skipNext = false
			continue
		}
		firstTwo := firstN(arg, 2)
		isUnwanted := (argEquals(firstTwo, "F") && !argEquals(arg, "F")) ||
			argEquals(firstTwo, "I") || argEquals(firstTwo, "D") || isSourceFile(arg)
		if !isUnwanted {
			filtered = append(filtered, arg)
		}
	}
	return filtered
}

func (w *Wrapper) GetRelevantEnvVars() map[string]string {
	envs := map[string]string{}
	for _, key := range envVars {
		if v, ok := os.LookupEnv(key); ok {
			envs[key] = v
		}
	}
	return envs
}

func (w *Wrapper) GetProgramID() (string, error) {
	// cl.exe prints its version banner on stderr when given no arguments;
	// subprocess.Run keeps stderr separate, so fold it in explicitly.
	result, err := subprocess.Run(context.Background(), []string{w.Args[0]}, "")
	if err != nil {
		return "", err
	}
	combined := string(result.Stdout) + string(result.Stderr)
	if combined == "" {
		return "", fmt.Errorf("msvc: unable to get the compiler version information string")
	}
	return combined, nil
}

func (w *Wrapper) GetBuildFiles() (map[string]string, error) {
	files := map[string]string{}
	found := false
	for _, arg := range w.Args {
		if argStartsWith(arg, "Fo") && extOf(arg) == ".obj" {
			if found {
				return nil, fmt.Errorf("msvc: only a single target object file can be specified")
			}
			files["object"] = arg[3:]
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("msvc: unable to get the target object file")
	}
	return files, nil
}

// ClangCL implements wrapper.Wrapper for clang-cl, which speaks the same
// argument dialect as cl.exe but is matched and version-probed
// differently.
type ClangCL struct {
	*Wrapper
}

// NewClangCL builds a clang-cl wrapper for args.
func NewClangCL(args []string, cfg *config.Config) *ClangCL {
	return &ClangCL{Wrapper: New(args, cfg)}
}

func (w *ClangCL) CanHandleCommand() bool {
	return strings.ToLower(basename(w.Args[0])) == "clang-cl"
}

func (w *ClangCL) GetProgramID() (string, error) {
	// unlike cl.exe, clang-cl requires --version and reports it on stdout.
	result, err := subprocess.Run(context.Background(), []string{w.Args[0], "--version"}, "")
	if err != nil {
		return "", err
	}
	if len(result.Stdout) == 0 {
		return "", fmt.Errorf("clang-cl: unable to get the compiler version information string")
	}
	return clangCLFormatVersion + string(result.Stdout), nil
}

func argStartsWith(arg, sub string) bool {
	if len(arg) < 1 {
		return false
	}
	isFlag := arg[0] == '/' || arg[0] == '-'
	return isFlag && len(arg) >= len(sub)+1 && arg[1:1+len(sub)] == sub
}

func argEquals(arg, sub string) bool {
	if len(arg) < 1 {
		return false
	}
	isFlag := arg[0] == '/' || arg[0] == '-'
	return isFlag && len(arg) >= len(sub)+1 && arg[1:] == sub
}

func isSourceFile(arg string) bool {
	ext := strings.ToLower(extOf(arg))
	return ext == ".cpp" || ext == ".cc" || ext == ".cxx" || ext == ".c"
}

func basename(path string) string {
	if i := strings.LastIndexAny(path, "/\\"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func extOf(path string) string {
	base := basename(path)
	if i := strings.LastIndex(base, "."); i >= 0 {
		return base[i:]
	}
	return ""
}

func firstN(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}

var (
	_ wrapper.Wrapper = (*Wrapper)(nil)
	_ wrapper.Wrapper = (*ClangCL)(nil)
)
