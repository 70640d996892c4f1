// Package qcc implements the QNX qcc/q++ wrapper: it reuses GCC's
// argument dialect and preprocessing entirely, but opts out of the
// hard_links capability (qcc gives us no reliable direct-mode signal), has
// no "--version" flag (so the program ID comes from filtering "qcc -V"'s
// stderr), and folds QNX-specific environment variables into the
// fingerprint.
//
// Grounded on original_source/src/wrappers/qcc_wrapper.cpp, which
// subclasses gcc_wrapper_t the same way this package embeds gcc.Wrapper.
package qcc

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/VKCOM/buildcache/internal/config"
	"github.com/VKCOM/buildcache/internal/subprocess"
	"github.com/VKCOM/buildcache/internal/wrapper"
	"github.com/VKCOM/buildcache/internal/wrapper/gcc"
)

const formatVersion = "1"

var envVars = []string{"QNX_HOST", "QNX_TARGET", "QCC_CONF_PATH"}

// Wrapper implements wrapper.Wrapper for qcc/q++, reusing gcc.Wrapper for
// preprocessing and argument filtering.
type Wrapper struct {
	*gcc.Wrapper
}

// New builds a qcc wrapper for args.
func New(args []string, cfg *config.Config) *Wrapper {
	return &Wrapper{Wrapper: gcc.New(args, cfg)}
}

func (w *Wrapper) CanHandleCommand() bool {
	cmd := strings.ToLower(basename(w.Args[0]))
	return cmd == "qcc" || cmd == "q++"
}

// GetCapabilities is empty: unlike gcc, qcc accepts no direct-mode signal
// (the -H flag produces no usable output on stderr).
func (w *Wrapper) GetCapabilities() []string {
	return nil
}

func (w *Wrapper) GetBuildFiles() (map[string]string, error) {
	for _, arg := range w.Args {
		if arg == "-set-default" {
			return nil, fmt.Errorf("qcc: -set-default can't be reproduced from a cached entry")
		}
	}
	return gcc.GetBuildFiles(w.Args)
}

func (w *Wrapper) GetProgramID() (string, error) {
	result, err := subprocess.Run(context.Background(), []string{w.Args[0], "-V"}, "")
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("qcc: unable to get the compiler version information string")
	}

	var filtered []string
	for _, line := range strings.Split(string(result.Stderr), "\n") {
		if !strings.Contains(line, "cc: targets available in") {
			filtered = append(filtered, line)
		}
	}

	return formatVersion + strings.Join(filtered, "\n"), nil
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

func basename(path string) string {
	if i := strings.LastIndexAny(path, "/\\"); i >= 0 {
		return path[i+1:]
	}
	return path
}

var _ wrapper.Wrapper = (*Wrapper)(nil)
