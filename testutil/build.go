// Package testutil provides shared test helpers for the worker and pool
// suites, chiefly building the scripted fake OCR child process once per
// test run.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
)

var (
	buildOnce sync.Once
	binPath   string
	buildErr  error
)

// BuildFakeWorker compiles testutil/fakeworker into a temp binary and
// returns its path. The build runs once per test binary invocation; later
// callers reuse the same path.
func BuildFakeWorker(t testing.TB) string {
	t.Helper()

	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "fakeworker-build-")
		if err != nil {
			buildErr = err
			return
		}
		out := filepath.Join(dir, "fakeworker")
		cmd := exec.Command("go", "build", "-o", out, "github.com/jupark12/ocr-supervisor/testutil/fakeworker")
		if combined, err := cmd.CombinedOutput(); err != nil {
			buildErr = err
			t.Logf("fakeworker build output: %s", combined)
			return
		}
		binPath = out
	})

	if buildErr != nil {
		t.Fatalf("building fakeworker: %v", buildErr)
	}
	return binPath
}
