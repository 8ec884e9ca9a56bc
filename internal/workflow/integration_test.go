package workflow

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/weatherman3/nbrun/internal/config"
	"github.com/weatherman3/nbrun/internal/execute"
	"github.com/weatherman3/nbrun/internal/kernel"
	"github.com/weatherman3/nbrun/internal/notebook"
	"github.com/weatherman3/nbrun/internal/report"
	"github.com/weatherman3/nbrun/internal/runner"
)

// requireIPyKernel skips tests that need a real Python kernel.
func requireIPyKernel(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping kernel integration test in -short mode")
	}
	if err := exec.Command("python3", "-c", "import ipykernel").Run(); err != nil {
		t.Skip("python3 with ipykernel not available")
	}
}

func newKernelEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	requireIPyKernel(t)
	dir := t.TempDir()
	logger := log.New(io.Discard)
	mgr := &kernel.Manager{
		Runner:         &runner.Runner{Workspace: dir, MaxOutput: config.DefaultMaxOutput},
		Dirs:           kernel.DataDirs(nil),
		StartupTimeout: 60 * time.Second,
		Logger:         logger,
	}
	return &Engine{
		Config:    &config.Config{},
		Launch:    LaunchKernels(mgr),
		Store:     report.NewDiskStore(filepath.Join(dir, ".runs")),
		Logger:    logger,
		Workspace: dir,
	}, dir
}

func pythonNotebook(sources ...string) string {
	nb := &notebook.Notebook{
		Metadata: map[string]any{
			"kernelspec": map[string]any{"name": "python3", "display_name": "Python 3", "language": "python"},
		},
		NBFormat:      4,
		NBFormatMinor: 5,
	}
	for _, src := range sources {
		nb.Cells = append(nb.Cells, &notebook.Cell{
			Type:     notebook.Code,
			Metadata: map[string]any{},
			Source:   notebook.MultilineString(src),
			Outputs:  []*notebook.Output{},
		})
	}
	data, err := notebook.Marshal(nb)
	if err != nil {
		panic(err)
	}
	return string(data)
}

func outputText(nb *notebook.Notebook) []string {
	var texts []string
	for _, c := range nb.Cells {
		var b strings.Builder
		for _, o := range c.Outputs {
			b.WriteString(o.PlainText())
		}
		texts = append(texts, b.String())
	}
	return texts
}

func TestIntegration_FastNotebook(t *testing.T) {
	e, dir := newKernelEngine(t)
	writeFile(t, filepath.Join(dir, "weather.ipynb"), pythonNotebook(
		"temps = [21.5, 23.0, 19.25]",
		"print(sum(temps) / len(temps))",
		"max(temps)",
		"import os; os.getcwd()",
	))

	res, err := e.Run(context.Background(), Request{Options: e.Options()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	nb, err := notebook.ReadFile(res.Output)
	if err != nil {
		t.Fatal(err)
	}
	if len(nb.Cells) != 4 {
		t.Fatalf("cells = %d, want 4", len(nb.Cells))
	}
	for i, c := range nb.Cells {
		if c.ExecutionCount == nil {
			t.Errorf("cell %d has no execution count", i)
		}
	}
	texts := outputText(nb)
	if texts[1] != "21.25\n" || texts[2] != "23.0" {
		t.Errorf("outputs = %q", texts)
	}
	if !strings.Contains(texts[3], filepath.Base(dir)) {
		t.Errorf("kernel cwd = %s, want the workspace", texts[3])
	}
	if li, _ := nb.Metadata["language_info"].(map[string]any); li["name"] != "python" {
		t.Errorf("language_info = %v", nb.Metadata["language_info"])
	}
}

func TestIntegration_ErrorStopsRun(t *testing.T) {
	e, dir := newKernelEngine(t)
	writeFile(t, filepath.Join(dir, "weather.ipynb"), pythonNotebook(
		"x = 1",
		"1 / 0",
		"x = 2",
	))

	res, err := e.Run(context.Background(), Request{Options: e.Options()})
	var execErr *execute.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("error = %v, want *execute.ExecutionError", err)
	}
	if execErr.CellIndex != 1 || execErr.EName != "ZeroDivisionError" {
		t.Errorf("ExecutionError = %+v", execErr)
	}
	if res.Cells[2].Status != string(execute.StatusNotRun) {
		t.Errorf("cell 2 status = %s, want not-run", res.Cells[2].Status)
	}
}

func TestIntegration_Timeout(t *testing.T) {
	e, dir := newKernelEngine(t)
	writeFile(t, filepath.Join(dir, "weather.ipynb"), pythonNotebook("import time; time.sleep(60)"))

	opts := e.Options()
	opts.Timeout = 2 * time.Second
	start := time.Now()
	_, err := e.Run(context.Background(), Request{Options: opts})
	var timeoutErr *execute.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want *execute.TimeoutError", err)
	}
	if elapsed := time.Since(start); elapsed > 40*time.Second {
		t.Errorf("Run took %v, want bounded by the timeout", elapsed)
	}
}

func TestIntegration_MissingInputStartsNoKernel(t *testing.T) {
	e, dir := newKernelEngine(t)
	_, err := e.Run(context.Background(), Request{Input: "absent.ipynb", Options: e.Options()})
	if !errors.Is(err, notebook.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "output_notebook.ipynb")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("output written: %v", err)
	}
}

func TestIntegration_Idempotent(t *testing.T) {
	e, dir := newKernelEngine(t)
	writeFile(t, filepath.Join(dir, "weather.ipynb"), pythonNotebook(
		"import math",
		"print([round(math.sin(i), 3) for i in range(4)])",
		"{'city': 'Oslo', 'high': 14}",
	))

	var runs [][]string
	for i := range 2 {
		req := Request{Output: filepath.Join(dir, "out", "run.ipynb"), Options: e.Options()}
		if i == 1 {
			req.Input = req.Output
		}
		if err := os.MkdirAll(filepath.Join(dir, "out"), 0o755); err != nil {
			t.Fatal(err)
		}
		res, err := e.Run(context.Background(), req)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		nb, err := notebook.ReadFile(res.Output)
		if err != nil {
			t.Fatal(err)
		}
		runs = append(runs, outputText(nb))
	}
	if strings.Join(runs[0], "\x00") != strings.Join(runs[1], "\x00") {
		t.Errorf("outputs differ between runs:\n%q\n%q", runs[0], runs[1])
	}
}
