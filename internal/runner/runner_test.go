package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	return &Runner{
		Workspace: t.TempDir(),
		Timeout:   10 * time.Second,
		MaxOutput: 1 << 20,
	}
}

func TestRun_Success(t *testing.T) {
	r := newTestRunner(t)
	res, err := r.Run(context.Background(), []string{"echo", "hello"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if !strings.Contains(string(res.Stdout), "hello") {
		t.Errorf("Stdout = %q, want to contain 'hello'", res.Stdout)
	}
	if got := res.FirstLine(); got != "hello" {
		t.Errorf("FirstLine() = %q, want hello", got)
	}
}

func TestResult_FirstLineFallsBackToStderr(t *testing.T) {
	res := &Result{Stdout: []byte("\n  \n"), Stderr: []byte("\nPython 2.7.18\n")}
	if got := res.FirstLine(); got != "Python 2.7.18" {
		t.Errorf("FirstLine() = %q", got)
	}
	if got := (&Result{}).FirstLine(); got != "" {
		t.Errorf("FirstLine() of empty result = %q", got)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	r := newTestRunner(t)
	res, err := r.Run(context.Background(), []string{"sh", "-c", "exit 3"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
}

func TestRun_BinaryNotFound(t *testing.T) {
	r := newTestRunner(t)
	_, err := r.Run(context.Background(), []string{"nonexistent-binary-xyz-123"}, "")
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if !strings.Contains(err.Error(), "nonexistent-binary-xyz-123") {
		t.Errorf("error = %q, want to mention the binary name", err)
	}
}

func TestRun_EmptyArgv(t *testing.T) {
	r := newTestRunner(t)
	if _, err := r.Run(context.Background(), nil, ""); err == nil {
		t.Fatal("expected error for empty argv")
	}
	if _, err := r.Start(nil, "", nil); err == nil {
		t.Fatal("expected error for empty argv")
	}
}

func TestRun_CWDWithinWorkspace(t *testing.T) {
	r := newTestRunner(t)
	sub := filepath.Join(r.Workspace, "subdir")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	res, err := r.Run(context.Background(), []string{"pwd"}, "subdir")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(res.Stdout), "subdir") {
		t.Errorf("Stdout = %q, want to contain 'subdir'", res.Stdout)
	}
}

func TestRun_CWDOutsideWorkspace(t *testing.T) {
	r := newTestRunner(t)
	for _, cwd := range []string{"../", "/"} {
		_, err := r.Run(context.Background(), []string{"echo"}, cwd)
		if err == nil {
			t.Fatalf("cwd %q: expected error for cwd outside workspace", cwd)
		}
		if !strings.Contains(err.Error(), "outside workspace") {
			t.Errorf("cwd %q: error = %q, want 'outside workspace'", cwd, err)
		}
	}
}

func TestRun_DotDotPrefixedNameIsInside(t *testing.T) {
	r := newTestRunner(t)
	if err := os.Mkdir(filepath.Join(r.Workspace, "..data"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(context.Background(), []string{"true"}, "..data"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRun_Timeout(t *testing.T) {
	r := newTestRunner(t)
	r.Timeout = 100 * time.Millisecond

	start := time.Now()
	res, err := r.Run(context.Background(), []string{"sleep", "10"}, "")
	if time.Since(start) > 5*time.Second {
		t.Fatal("Run did not honour the timeout")
	}
	// The kill surfaces either as a non-zero exit or as an exec error.
	if err == nil && res.ExitCode == 0 {
		t.Error("ExitCode = 0 after timeout, want non-zero")
	}
}

func TestRun_OutputTruncation(t *testing.T) {
	r := newTestRunner(t)
	r.MaxOutput = 100

	res, err := r.Run(context.Background(), []string{"sh", "-c", "dd if=/dev/zero bs=200 count=1 2>/dev/null"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Truncated {
		t.Error("Truncated = false, want true")
	}
	if len(res.Stdout) > r.MaxOutput {
		t.Errorf("len(Stdout) = %d, want <= %d", len(res.Stdout), r.MaxOutput)
	}
}

func TestStart_CapturesOutputAndEnv(t *testing.T) {
	r := newTestRunner(t)
	p, err := r.Start([]string{"sh", "-c", "echo $NBRUN_TEST_VAR; echo oops >&2"}, "", map[string]string{"NBRUN_TEST_VAR": "kernel-env"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Stop(5 * time.Second)

	if !p.Exited() {
		t.Fatal("process still running after Stop")
	}
	if p.ExitCode() != 0 {
		t.Errorf("ExitCode = %d, want 0", p.ExitCode())
	}
	out := string(p.Output())
	if !strings.Contains(out, "kernel-env") || !strings.Contains(out, "oops") {
		t.Errorf("Output = %q, want stdout and stderr", out)
	}
}

func TestStart_StopKillsLongRunningProcess(t *testing.T) {
	r := newTestRunner(t)
	p, err := r.Start([]string{"sleep", "30"}, "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.Pid() <= 0 {
		t.Errorf("Pid = %d, want positive", p.Pid())
	}
	if p.ExitCode() != -1 {
		t.Errorf("ExitCode while running = %d, want -1", p.ExitCode())
	}

	start := time.Now()
	p.Stop(50 * time.Millisecond)
	if time.Since(start) > 5*time.Second {
		t.Fatal("Stop took too long")
	}
	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if p.Err() == nil {
		t.Error("Err() = nil, want kill error")
	}
}

func TestProcess_SignalAfterExit(t *testing.T) {
	r := newTestRunner(t)
	p, err := r.Start([]string{"true"}, "", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-p.Done()
	if err := p.Signal(syscall.SIGINT); err != nil {
		t.Errorf("Signal after exit: %v", err)
	}
}
