// Package ti implements the Texas Instruments optimizing compiler family
// (C6x, ARM, ARP32): arguments use "--flag=value" syntax, response files
// are referenced by "--cmd_file=..." or "-@...", compilation is
// "--compile_only" and linking is "--run_linker" (cached only when
// cfg.CacheLinkCommands is set), and preprocessing uses "--preproc_only"
// (or "--preproc_with_line" under strict accuracy with debug symbols).
//
// Grounded on original_source/src/wrappers/ti_common_wrapper.cpp (the
// shared logic) and ti_c6x_wrapper.hpp/ti_arm_cgt_wrapper.cpp (the
// per-target can_handle_command variants, which the original expresses as
// tiny subclasses and this package expresses as one Wrapper parameterized
// by a basename matcher).
package ti

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/VKCOM/buildcache/internal/config"
	"github.com/VKCOM/buildcache/internal/hash"
	"github.com/VKCOM/buildcache/internal/subprocess"
	"github.com/VKCOM/buildcache/internal/wrapper"
)

// Wrapper implements wrapper.Wrapper for one TI compiler variant.
type Wrapper struct {
	wrapper.Base
	resolvedArgs []string
	matches      func(basename string) bool
}

var c6xRe = regexp.MustCompile(`^cl6x.*`)

// NewC6x builds a wrapper for the TI C6x (TMS320C6000) compiler, cl6x*.
func NewC6x(args []string, cfg *config.Config) *Wrapper {
	return newVariant(args, cfg, func(basename string) bool {
		return c6xRe.MatchString(basename)
	})
}

var armCgtRe = regexp.MustCompile(`^armcl.*`)

// NewARM builds a wrapper for the TI ARM Code Generation Tools, armcl*.
func NewARM(args []string, cfg *config.Config) *Wrapper {
	return newVariant(args, cfg, func(basename string) bool {
		return armCgtRe.MatchString(basename)
	})
}

var arp32Re = regexp.MustCompile(`^arp32.*`)

// NewARP32 builds a wrapper for the TI ARP32 Code Generation Tools,
// arp32*.
func NewARP32(args []string, cfg *config.Config) *Wrapper {
	return newVariant(args, cfg, func(basename string) bool {
		return arp32Re.MatchString(basename)
	})
}

func newVariant(args []string, cfg *config.Config, matches func(string) bool) *Wrapper {
	return &Wrapper{Base: wrapper.Base{Args: args, Config: cfg}, matches: matches}
}

func (w *Wrapper) CanHandleCommand() bool {
	return w.matches(strings.ToLower(basename(w.Args[0])))
}

// ResolveArgs expands --cmd_file=.../-@... response files, recursively
// disallowed (a response file may not itself reference another).
func (w *Wrapper) ResolveArgs() error {
	w.resolvedArgs = w.resolvedArgs[:0]
	for _, arg := range w.Args {
		var responseFile string
		switch {
		case strings.HasPrefix(arg, "--cmd_file="):
			responseFile = strings.TrimPrefix(arg, "--cmd_file=")
		case strings.HasPrefix(arg, "-@"):
			responseFile = strings.TrimPrefix(arg, "-@")
		}
		if responseFile == "" {
			w.resolvedArgs = append(w.resolvedArgs, arg)
			continue
		}
		if err := w.appendResponseFile(responseFile); err != nil {
			return err
		}
	}
	return nil
}

func (w *Wrapper) appendResponseFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ti: reading response file %s: %w", path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		if line[0] == '#' {
			continue
		}
		if strings.Contains(line, "/*") {
			return fmt.Errorf("ti: C style comments are unsupported, found in %s", path)
		}
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		w.resolvedArgs = append(w.resolvedArgs, splitArgs(line)...)
	}
	return nil
}

func (w *Wrapper) args() []string {
	if w.resolvedArgs == nil {
		return w.Args
	}
	return w.resolvedArgs
}

func hasDebugSymbols(args []string) bool {
	result := true
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--symdebug:"):
			result = arg != "--symdebug:none"
		case arg == "-g":
			result = true
		}
	}
	return result
}

func (w *Wrapper) PreprocessSource() (string, error) {
	args := w.args()

	isObjectCompilation, isLink, hasOutputFile := false, false, false
	for _, arg := range args {
		switch {
		case arg == "--compile_only":
			isObjectCompilation = true
		case arg == "--run_linker":
			if !w.Config.CacheLinkCommands {
				return "", fmt.Errorf("ti: caching link commands is disabled")
			}
			isLink = true
		case strings.HasPrefix(arg, "--output_file="):
			hasOutputFile = true
		case strings.HasPrefix(arg, "--cmd_file=") || strings.HasPrefix(arg, "-@"):
			return "", fmt.Errorf("ti: recursive response files are not supported")
		}
	}

	switch {
	case isObjectCompilation && hasOutputFile:
		return w.preprocessCompile(args)
	case isLink && hasOutputFile:
		return w.hashLinkInputs(args)
	default:
		return "", fmt.Errorf("ti: unsupported compilation command")
	}
}

func (w *Wrapper) preprocessCompile(args []string) (string, error) {
	tmp, err := w.TempFile(".i")
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	preprocessArgs := makePreprocessorCmd(args, w.Config, tmp.Path())
	result, err := subprocess.Run(context.Background(), preprocessArgs, "")
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("ti: preprocessing command was unsuccessful: %s", result.Stderr)
	}

	data, err := os.ReadFile(tmp.Path())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func makePreprocessorCmd(args []string, cfg *config.Config, preprocessedFile string) []string {
	var out []string
	for _, arg := range args {
		if arg == "--compile_only" || strings.HasPrefix(arg, "--output_file=") ||
			strings.HasPrefix(arg, "-pp") || strings.HasPrefix(arg, "--preproc_") {
			continue
		}
		out = append(out, arg)
	}

	inhibitLineInfo := !(hasDebugSymbols(args) && cfg.Accuracy == config.AccuracyStrict)
	if inhibitLineInfo {
		out = append(out, "--preproc_only")
	} else {
		out = append(out, "--preproc_with_line")
	}
	return append(out, "--output_file="+preprocessedFile)
}

// hashLinkInputs hashes every regular-file, non-flag argument; ".cmd"
// response files are parsed line by line, with -l"..." lines hashing the
// referenced file's content rather than its path.
func (w *Wrapper) hashLinkInputs(args []string) (string, error) {
	h := hash.New()
	for _, arg := range args[1:] {
		if arg == "" || arg[0] == '-' {
			continue
		}
		if _, err := os.Stat(arg); err != nil {
			continue
		}
		if strings.ToLower(extOf(arg)) == ".cmd" {
			if err := hashLinkCmdFile(arg, h); err != nil {
				return "", err
			}
		} else if err := h.UpdateFromFileDeterministic(arg); err != nil {
			return "", err
		}
	}
	return h.Final().String(), nil
}

func hashLinkCmdFile(path string, h *hash.Hasher) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ti: reading cmd file %s: %w", path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "-l") {
			fileName := strings.TrimPrefix(line, "-l")
			if len(fileName) > 2 && fileName[0] == '"' {
				fileName = fileName[1 : len(fileName)-1]
			}
			if err := h.UpdateFromFileDeterministic(fileName); err != nil {
				return err
			}
		} else {
			h.UpdateString(line)
		}
	}
	return nil
}

func (w *Wrapper) GetRelevantArguments() []string {
	args := w.args()
	filtered := []string{basename(args[0])}

	for i, arg := range args {
		if i == 0 || arg == "" {
			continue
		}
		firstTwo := firstN(arg, 2)
		isUnwanted := firstTwo == "-I" || strings.HasPrefix(arg, "--include") ||
			strings.HasPrefix(arg, "--preinclude=") || firstTwo == "-D" ||
			strings.HasPrefix(arg, "--define=") || strings.HasPrefix(arg, "--c_file=") ||
			strings.HasPrefix(arg, "--cpp_file=") || strings.HasPrefix(arg, "--output_file=") ||
			strings.HasPrefix(arg, "--map_file=") || strings.HasPrefix(arg, "-ppd=") ||
			strings.HasPrefix(arg, "--preproc_dependency=")
		if isUnwanted {
			continue
		}
		_, statErr := os.Stat(arg)
		isInputFile := arg[0] != '-' && statErr == nil
		if !isInputFile {
			filtered = append(filtered, arg)
		}
	}
	return filtered
}

func (w *Wrapper) GetProgramID() (string, error) {
	args := w.args()
	result, err := subprocess.Run(context.Background(), []string{args[0], "--help"}, "")
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("ti: unable to get the compiler version information string")
	}
	return string(result.Stdout), nil
}

func (w *Wrapper) GetBuildFiles() (map[string]string, error) {
	args := w.args()
	files := map[string]string{}
	var outputFile, depFile, mapFile string
	isObjectCompilation, isLink := false, false

	for _, arg := range args {
		switch {
		case arg == "--compile_only":
			isObjectCompilation = true
		case arg == "--run_linker":
			isLink = true
		case strings.HasPrefix(arg, "--output_file="):
			if outputFile != "" {
				return nil, fmt.Errorf("ti: only a single target file can be specified")
			}
			outputFile = strings.SplitN(arg, "=", 2)[1]
		case strings.HasPrefix(arg, "-ppd=") || strings.HasPrefix(arg, "--preproc_dependency="):
			if depFile != "" {
				return nil, fmt.Errorf("ti: only a single dependency file can be specified")
			}
			depFile = strings.SplitN(arg, "=", 2)[1]
		case strings.HasPrefix(arg, "--map_file="):
			if mapFile != "" {
				return nil, fmt.Errorf("ti: only a single map file can be specified")
			}
			mapFile = strings.SplitN(arg, "=", 2)[1]
		}
	}
	if outputFile == "" {
		return nil, fmt.Errorf("ti: unable to get the output file")
	}

	switch {
	case isObjectCompilation:
		files["object"] = outputFile
	case isLink:
		files["linktarget"] = outputFile
	default:
		return nil, fmt.Errorf("ti: unrecognized compilation type")
	}

	if depFile != "" {
		files["dep"] = depFile
	}
	if mapFile != "" {
		files["map"] = mapFile
	}
	return files, nil
}

func (w *Wrapper) RunForMiss(ctx context.Context) (subprocess.Result, error) {
	return subprocess.Run(ctx, subprocess.WithPrefix(w.Config.Prefix, w.args()), "")
}

func splitArgs(line string) []string {
	return strings.Fields(line)
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

var _ wrapper.Wrapper = (*Wrapper)(nil)
