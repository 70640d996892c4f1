// Package gcc implements the GCC/Clang family wrapper: can_handle_command
// matches gcc/g++/clang/clang++/clang-N basenames, preprocessing runs
// "<cc> -E [-P] -o <tmp.i> <args minus -c/-o>", and the fingerprint strips
// include/define/dependency flags and source file names since those are
// already reflected in the preprocessed output.
//
// Grounded on original_source/src/wrappers/gcc_wrapper.cpp: same
// can_handle_command regex, the same -P line-info inhibition rule (only
// keep line info when debug symbols are requested under strict accuracy,
// or coverage output is requested at all), and the same argument filter
// (-I/-D/-M*/--sysroot=/source files dropped, plus the file name following
// -I/-MF/-MT/-MQ/-o). Also the base every other GCC-family wrapper in this
// module (ghs, qcc, analyzer) embeds and overrides.
package gcc

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/VKCOM/buildcache/internal/config"
	"github.com/VKCOM/buildcache/internal/subprocess"
	"github.com/VKCOM/buildcache/internal/wrapper"
)

// formatVersion is bumped when the fingerprint's shape changes in a way
// that isn't backward compatible.
const formatVersion = "3"

var clangBasenameRe = regexp.MustCompile(`^.*clang(\+\+|-cpp)?(-[1-9][0-9]*(\.[0-9]+)*)?$`)

var debugOptions = map[string]bool{
	"-g": true, "-ggdb": true, "-gdwarf": true, "-gdwarf-2": true, "-gdwarf-3": true,
	"-gdwarf-4": true, "-gdwarf-5": true, "-gstabs": true, "-gstabs+": true,
	"-gxcoff": true, "-gxcoff+": true, "-gvms": true,
}

var coverageOptions = map[string]bool{
	"-ftest-coverage": true, "-fprofile-arcs": true, "--coverage": true,
}

// Wrapper implements wrapper.Wrapper for GCC and Clang.
type Wrapper struct {
	wrapper.Base
}

// New builds a GCC/Clang wrapper for args.
func New(args []string, cfg *config.Config) *Wrapper {
	return &Wrapper{Base: wrapper.Base{Args: args, Config: cfg}}
}

// CanHandleCommand reports whether argv[0]'s basename looks like gcc, g++,
// or a clang/clang++/clang-N invocation (but not clang-tidy and similar).
func (w *Wrapper) CanHandleCommand() bool {
	return IsGCCOrClang(w.Args[0])
}

// IsGCCOrClang is exported so family wrappers (ghs, qcc, analyzer) that
// embed this package's Wrapper can reuse the same basename test under
// their own, narrower can_handle_command.
func IsGCCOrClang(exe string) bool {
	cmd := strings.ToLower(basename(exe))
	if strings.Contains(cmd, "gcc") || strings.Contains(cmd, "g++") {
		return true
	}
	return clangBasenameRe.MatchString(cmd)
}

func (w *Wrapper) GetCapabilities() []string {
	return []string{"hard_links"}
}

func (w *Wrapper) PreprocessSource() (string, error) {
	isObjectCompilation, hasObjectOutput := false, false
	for _, arg := range w.Args {
		switch {
		case arg == "-c":
			isObjectCompilation = true
		case arg == "-o":
			hasObjectOutput = true
		case strings.HasPrefix(arg, "@"):
			return "", fmt.Errorf("gcc: response files are not supported")
		}
	}
	if !isObjectCompilation || !hasObjectOutput {
		return "", fmt.Errorf("gcc: unsupported compilation command")
	}

	tmp, err := w.TempFile(".i")
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	preprocessArgs := makePreprocessorCmd(w.Args, w.Config, tmp.Path())
	result, err := subprocess.Run(context.Background(), preprocessArgs, "")
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("gcc: preprocessing command was unsuccessful: %s", result.Stderr)
	}

	return readFile(tmp.Path())
}

// makePreprocessorCmd builds "<args minus -c/-o+value> -E [-P] -o <out>".
func makePreprocessorCmd(args []string, cfg *config.Config, preprocessedFile string) []string {
	var preprocessArgs []string
	dropNext := false
	for _, arg := range args {
		dropThis := dropNext
		dropNext = false
		if arg == "-c" {
			dropThis = true
		} else if arg == "-o" {
			dropThis = true
			dropNext = true
		}
		if !dropThis {
			preprocessArgs = append(preprocessArgs, arg)
		}
	}

	debugRequired := hasAny(args, debugOptions) && cfg.Accuracy == config.AccuracyStrict
	coverageRequired := hasAny(args, coverageOptions)
	inhibitLineInfo := !(debugRequired || coverageRequired)

	preprocessArgs = append(preprocessArgs, "-E")
	if inhibitLineInfo {
		preprocessArgs = append(preprocessArgs, "-P")
	}
	preprocessArgs = append(preprocessArgs, "-o", preprocessedFile)
	return preprocessArgs
}

func hasAny(args []string, set map[string]bool) bool {
	for _, arg := range args {
		if set[arg] {
			return true
		}
	}
	return false
}

func hasCoverageOutput(args []string) bool {
	return hasAny(args, coverageOptions)
}

func (w *Wrapper) GetRelevantArguments() []string {
	return FilterArguments(w.Args)
}

// FilterArguments strips -I/-D/-M*/--sysroot=/source-file arguments (and
// -I, -MF, -MT, -MQ, -o together with the file name that follows each),
// keeping the compiler
// basename as the first element. Exported for reuse by wrappers that
// embed this package's Wrapper but keep GCC's argument dialect (ghs, qcc).
func FilterArguments(args []string) []string {
	filtered := []string{basename(args[0])}

	skipNext := true // the first arg is already accounted for above
	for _, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}

		isArgPlusFileName := arg == "-I" || arg == "-MF" || arg == "-MT" || arg == "-MQ" || arg == "-o"
		firstTwo := firstN(arg, 2)
		isUnwanted := firstTwo == "-I" || firstTwo == "-D" || firstTwo == "-M" ||
			strings.HasPrefix(arg, "--sysroot=") || isSourceFile(arg)

		if isArgPlusFileName {
			skipNext = true
		} else if !isUnwanted {
			filtered = append(filtered, arg)
		}
	}
	return filtered
}

func (w *Wrapper) GetProgramID() (string, error) {
	result, err := subprocess.Run(context.Background(), []string{w.Args[0], "--version"}, "")
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("gcc: unable to get the compiler version information string")
	}
	return formatVersion + string(result.Stdout), nil
}

func (w *Wrapper) GetBuildFiles() (map[string]string, error) {
	return GetBuildFiles(w.Args)
}

// GetDirectModeInputs implements wrapper.DirectModer: if -MF named a
// dependency file, it's parsed as a Makefile prerequisite list ("target:
// dep dep \<newline> dep ..."), which after a real compilation names
// exactly the set of files -E would have pulled in, without paying for
// another preprocessing pass to find out.
func (w *Wrapper) GetDirectModeInputs() ([]string, bool) {
	for i, arg := range w.Args {
		if arg == "-MF" && i+1 < len(w.Args) {
			paths, err := parseMakeDepFile(w.Args[i+1])
			if err != nil {
				return nil, false
			}
			return paths, true
		}
	}
	return nil, false
}

// parseMakeDepFile reads a GCC-style ".d" dependency file and returns the
// prerequisite paths following the first colon, undoing line-continuation
// backslashes and the "\ " escape GCC uses for spaces inside paths.
func parseMakeDepFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	text := strings.ReplaceAll(string(data), "\\\n", " ")
	colon := strings.Index(text, ":")
	if colon < 0 {
		return nil, fmt.Errorf("gcc: malformed dependency file %q", path)
	}

	const spaceEscape = "\x00"
	rest := strings.ReplaceAll(text[colon+1:], "\\ ", spaceEscape)
	fields := strings.Fields(rest)
	paths := make([]string, 0, len(fields))
	for _, f := range fields {
		paths = append(paths, strings.ReplaceAll(f, spaceEscape, " "))
	}
	return paths, nil
}

// GetBuildFiles implements the shared "-o <path>" -> object (+ .gcno
// coverage sidecar when coverage flags are present) rule, exported for
// reuse by wrappers whose own get_build_files only adds checks on top
// (qcc).
func GetBuildFiles(args []string) (map[string]string, error) {
	files := map[string]string{}
	found := false
	for i, arg := range args {
		if arg == "-o" && i+1 < len(args) {
			if found {
				return nil, fmt.Errorf("gcc: only a single target object file can be specified")
			}
			files["object"] = args[i+1]
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("gcc: unable to get the target object file")
	}
	if hasCoverageOutput(args) {
		files["coverage"] = changeExtension(files["object"], ".gcno")
	}
	return files, nil
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

func changeExtension(path, newExt string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[:i] + newExt
	}
	return path + newExt
}

func firstN(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

var (
	_ wrapper.Wrapper     = (*Wrapper)(nil)
	_ wrapper.DirectModer = (*Wrapper)(nil)
)
