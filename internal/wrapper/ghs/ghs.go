// Package ghs implements the Green Hills Software compiler family wrapper
// (ccarm/cxarm/ccthumb/cxthumb/ccintarm/cxintarm): it inherits GCC's
// argument dialect and preprocessing, but its command-line flags include
// -os_dir=..., and its program ID can't be obtained by the usual
// "--version" trick (GHS needs valid -bsp/-os_dir arguments and a scratch
// source file just to print a version banner on stderr), so it falls back
// to hashing the compiler binary's own content plus, if present, the
// target OS's INTEGRITY_version.h header.
//
// Grounded on original_source/src/wrappers/ghs_wrapper.cpp, which
// subclasses gcc_wrapper_t the same way this package embeds gcc.Wrapper.
package ghs

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/VKCOM/buildcache/internal/config"
	"github.com/VKCOM/buildcache/internal/hash"
	"github.com/VKCOM/buildcache/internal/wrapper"
	"github.com/VKCOM/buildcache/internal/wrapper/gcc"
)

const formatVersion = "1"

var ghsBasenameRe = regexp.MustCompile(`ccarm|cxarm|ccthumb|cxthumb|ccintarm|cxintarm`)

// Wrapper implements wrapper.Wrapper for the GHS compiler family, reusing
// gcc.Wrapper for everything except the three methods below.
type Wrapper struct {
	*gcc.Wrapper
}

// New builds a GHS wrapper for args.
func New(args []string, cfg *config.Config) *Wrapper {
	return &Wrapper{Wrapper: gcc.New(args, cfg)}
}

func (w *Wrapper) CanHandleCommand() bool {
	cmd := strings.ToLower(basename(w.Args[0]))
	return ghsBasenameRe.MatchString(cmd)
}

func (w *Wrapper) GetRelevantArguments() []string {
	filtered := []string{basename(w.Args[0])}

	skipNext := true
	for _, arg := range w.Args {
		if skipNext {
			skipNext = false
			continue
		}

		isArgPlusFileName := arg == "-I" || arg == "-MF" || arg == "-MT" || arg == "-MQ" || arg == "-o"
		firstTwo := firstN(arg, 2)
		isUnwanted := firstTwo == "-I" || firstTwo == "-D" || firstTwo == "-M" ||
			strings.HasPrefix(arg, "-os_dir=") || isSourceFile(arg)

		if isArgPlusFileName {
			skipNext = true
		} else if !isUnwanted {
			filtered = append(filtered, arg)
		}
	}
	return filtered
}

func (w *Wrapper) GetProgramID() (string, error) {
	h := hash.New()
	if err := h.UpdateFromFile(w.Args[0]); err != nil {
		return "", fmt.Errorf("ghs: hashing compiler binary: %w", err)
	}

	var osDir string
	for _, arg := range w.Args {
		if strings.HasPrefix(arg, "-os_dir=") {
			osDir = strings.TrimPrefix(arg, "-os_dir=")
		}
	}

	var osVersionInfo []byte
	if osDir != "" {
		versionFile := osDir + "/INTEGRITY-include/INTEGRITY_version.h"
		if data, err := os.ReadFile(versionFile); err == nil {
			osVersionInfo = data
		}
	}

	h.UpdateBytes(osVersionInfo)
	return formatVersion + h.Final().String(), nil
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

var _ wrapper.Wrapper = (*Wrapper)(nil)
