package analyzer

import (
	"testing"

	"github.com/VKCOM/buildcache/internal/config"
)

func Test_canHandleCommand(t *testing.T) {
	cases := map[string]bool{
		"ccc-analyzer": true,
		"c++-analyzer": true,
		"gcc":          false,
	}
	for exe, want := range cases {
		w := New([]string{exe}, config.Defaults())
		if got := w.CanHandleCommand(); got != want {
			t.Errorf("CanHandleCommand(%q) = %v, want %v", exe, got, want)
		}
	}
}

func Test_getBuildFilesRequiresAnalyzerHTML(t *testing.T) {
	w := New([]string{"ccc-analyzer", "-c", "a.c", "-o", "a.o"}, config.Defaults())
	if _, err := w.GetBuildFiles(); err == nil {
		t.Error("expected an error without CCC_ANALYZER_HTML set")
	}
}

func Test_getBuildFilesInventsReportPaths(t *testing.T) {
	t.Setenv("CCC_ANALYZER_HTML", t.TempDir())

	w := New([]string{"ccc-analyzer", "-c", "a.c", "-o", "a.o"}, config.Defaults())
	files, err := w.GetBuildFiles()
	if err != nil {
		t.Fatal(err)
	}
	if files["object"] != "a.o" {
		t.Errorf("expected object a.o, got %q", files["object"])
	}

	numReports := 0
	for key := range files {
		if key != "object" {
			numReports++
		}
	}
	if numReports != maxNumReports {
		t.Errorf("expected %d invented report paths, got %d", maxNumReports, numReports)
	}
	if len(w.reportPaths) != maxNumReports {
		t.Errorf("expected %d tracked report paths, got %d", maxNumReports, len(w.reportPaths))
	}
}

func Test_getRelevantEnvVarsOnlyAnalyzerKeys(t *testing.T) {
	t.Setenv("CCC_ANALYZER_LOG", "1")
	t.Setenv("PATH", "/usr/bin")

	w := New([]string{"ccc-analyzer"}, config.Defaults())
	envs := w.GetRelevantEnvVars()

	if envs["CCC_ANALYZER_LOG"] != "1" {
		t.Errorf("expected CCC_ANALYZER_LOG to be captured, got %q", envs["CCC_ANALYZER_LOG"])
	}
	if _, ok := envs["PATH"]; ok {
		t.Error("did not expect PATH to be treated as relevant")
	}
}
