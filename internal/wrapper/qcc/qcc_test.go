package qcc

import (
	"testing"

	"github.com/VKCOM/buildcache/internal/config"
)

func Test_canHandleCommand(t *testing.T) {
	cases := map[string]bool{
		"qcc": true,
		"q++": true,
		"gcc": false,
		"cl":  false,
	}
	for exe, want := range cases {
		w := New([]string{exe}, config.Defaults())
		if got := w.CanHandleCommand(); got != want {
			t.Errorf("CanHandleCommand(%q) = %v, want %v", exe, got, want)
		}
	}
}

func Test_getCapabilitiesIsEmpty(t *testing.T) {
	w := New([]string{"qcc"}, config.Defaults())
	if caps := w.GetCapabilities(); len(caps) != 0 {
		t.Errorf("expected no capabilities, got %v", caps)
	}
}

func Test_getBuildFilesRejectsSetDefault(t *testing.T) {
	w := New([]string{"qcc", "-set-default", "-o", "a.o"}, config.Defaults())
	if _, err := w.GetBuildFiles(); err == nil {
		t.Error("expected -set-default to be rejected")
	}
}

func Test_getBuildFilesDelegatesToGCC(t *testing.T) {
	w := New([]string{"qcc", "-c", "a.c", "-o", "a.o"}, config.Defaults())
	files, err := w.GetBuildFiles()
	if err != nil {
		t.Fatal(err)
	}
	if files["object"] != "a.o" {
		t.Errorf("expected object a.o, got %q", files["object"])
	}
}

func Test_getRelevantEnvVarsOnlyQNXKeys(t *testing.T) {
	t.Setenv("QNX_HOST", "/opt/qnx/host")
	t.Setenv("PATH", "/usr/bin")

	w := New([]string{"qcc"}, config.Defaults())
	envs := w.GetRelevantEnvVars()

	if envs["QNX_HOST"] != "/opt/qnx/host" {
		t.Errorf("expected QNX_HOST to be captured, got %q", envs["QNX_HOST"])
	}
	if _, ok := envs["PATH"]; ok {
		t.Error("did not expect PATH to be treated as relevant")
	}
}
