// Package analyzer implements the ccc-analyzer/c++-analyzer (scan-build)
// wrapper: it inherits GCC's argument dialect and preprocessing wholesale,
// adds the CCC_ANALYZER_* environment variables listed in analyzerEnvVars
// to the fingerprint (others, such as CCC_ANALYZER_HTML, are not
// included), and
// redirects the tool's randomly-named HTML reports into invented,
// cacheable file names.
//
// Grounded on original_source/src/wrappers/ccc_analyzer_wrapper.cpp, which
// subclasses gcc_wrapper_t the same way this package embeds gcc.Wrapper;
// run_for_miss's "point CCC_ANALYZER_HTML at a scratch dir, then rename
// whatever lands there" trick is reproduced directly since there is no
// other way to learn the report names scan-build will pick.
package analyzer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/VKCOM/buildcache/internal/config"
	"github.com/VKCOM/buildcache/internal/pathutil"
	"github.com/VKCOM/buildcache/internal/subprocess"
	"github.com/VKCOM/buildcache/internal/wrapper"
	"github.com/VKCOM/buildcache/internal/wrapper/gcc"
)

// maxNumReports caps how many reports a single invocation may produce;
// scan-build emits at most one report per translation unit bug, and this
// is generous for a single compile command.
const maxNumReports = 16

var analyzerBasenameRe = regexp.MustCompile(`^c(\+\+|cc)-analyzer$`)

var analyzerEnvVars = []string{
	"CCC_ANALYZER_LOG",
	"CCC_ANALYZER_ANALYSIS",
	"CCC_ANALYZER_PLUGINS",
	"CCC_ANALYZER_STORE_MODEL",
	"CCC_ANALYZER_CONSTRAINTS_MODEL",
	"CCC_ANALYZER_INTERNAL_STATS",
	"CCC_ANALYZER_OUTPUT_FORMAT",
	"CCC_ANALYZER_CONFIG",
	"CCC_ANALYZER_VERBOSE",
	"CCC_ANALYZER_FORCE_ANALYZE_DEBUG_CODE",
}

// Wrapper implements wrapper.Wrapper for ccc-analyzer/c++-analyzer.
type Wrapper struct {
	*gcc.Wrapper
	reportPaths []string
}

// New builds a ccc-analyzer wrapper for args.
func New(args []string, cfg *config.Config) *Wrapper {
	return &Wrapper{Wrapper: gcc.New(args, cfg)}
}

func (w *Wrapper) CanHandleCommand() bool {
	return analyzerBasenameRe.MatchString(strings.ToLower(basename(w.Args[0])))
}

func (w *Wrapper) GetRelevantEnvVars() map[string]string {
	envs := map[string]string{}
	for _, key := range analyzerEnvVars {
		if v, ok := os.LookupEnv(key); ok {
			envs[key] = v
		}
	}
	return envs
}

func (w *Wrapper) GetBuildFiles() (map[string]string, error) {
	files, err := gcc.GetBuildFiles(w.Args)
	if err != nil {
		return nil, err
	}

	reportDir, ok := os.LookupEnv("CCC_ANALYZER_HTML")
	if !ok {
		return nil, fmt.Errorf("analyzer: CCC_ANALYZER_HTML is not specified")
	}

	w.reportPaths = make([]string, maxNumReports)
	for i := 0; i < maxNumReports; i++ {
		path := filepath.Join(reportDir, fmt.Sprintf("report-%s.html", uuid.NewString()))
		w.reportPaths[i] = path
		files[fmt.Sprintf("ccc_analyzer_report_%d", i+1)] = path
	}
	return files, nil
}

// RunForMiss points CCC_ANALYZER_HTML at a scratch directory for the
// duration of the run, then moves whatever reports landed there to the
// invented paths GetBuildFiles already committed to the fingerprint.
func (w *Wrapper) RunForMiss(ctx context.Context) (subprocess.Result, error) {
	scratchDir, err := os.MkdirTemp("", "buildcache-analyzer-")
	if err != nil {
		return subprocess.Result{}, err
	}
	defer os.RemoveAll(scratchDir)

	prevHTML, hadPrevHTML := os.LookupEnv("CCC_ANALYZER_HTML")
	if err := os.Setenv("CCC_ANALYZER_HTML", scratchDir); err != nil {
		return subprocess.Result{}, err
	}
	defer func() {
		if hadPrevHTML {
			os.Setenv("CCC_ANALYZER_HTML", prevHTML)
		} else {
			os.Unsetenv("CCC_ANALYZER_HTML")
		}
	}()

	result, err := subprocess.Run(ctx, subprocess.WithPrefix(w.Config.Prefix, w.Args), "")
	if err != nil {
		return subprocess.Result{}, err
	}

	found, err := pathutil.WalkDirectory(scratchDir)
	if err != nil {
		return result, err
	}

	numReports := 0
	for _, f := range found {
		if f.IsDir {
			continue
		}
		if numReports >= maxNumReports {
			return result, fmt.Errorf("analyzer: too many reports were found")
		}
		if err := pathutil.Copy(f.Path, w.reportPaths[numReports]); err != nil {
			return result, err
		}
		numReports++
	}

	return result, nil
}

var _ wrapper.Wrapper = (*Wrapper)(nil)

func basename(path string) string {
	if i := strings.LastIndexAny(path, "/\\"); i >= 0 {
		return path[i+1:]
	}
	return path
}
