package report

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func intPtr(n int) *int { return &n }

func sampleResult(id string) *RunResult {
	return &RunResult{
		ID:         id,
		Input:      "weather.ipynb",
		Output:     "output_notebook.ipynb",
		Kernel:     "python3",
		Status:     StatusFailed,
		ErrorKind:  KindExecution,
		Error:      "cell 2 raised ValueError: boom",
		FailedCell: intPtr(2),
		StartedAt:  time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC),
		DurationMS: 1250,
		Cells: []CellResult{
			{Index: 0, Type: "markdown", Status: "narrative"},
			{Index: 1, Type: "code", Status: "ok", ExecutionCount: intPtr(1), Outputs: []OutputSummary{{Type: "stream", Name: "stdout", Text: "22.5\n"}}},
			{Index: 2, Type: "code", Status: "failed", ExecutionCount: intPtr(2), Outputs: []OutputSummary{{Type: "error", Name: "ValueError", Text: "ValueError: boom"}}},
			{Index: 3, Type: "code", Status: "not-run"},
		},
	}
}

// countingStore records how often the backing store is hit.
type countingStore struct {
	results map[string]*RunResult
	loads   int
}

func (s *countingStore) Save(r *RunResult) error {
	if s.results == nil {
		s.results = map[string]*RunResult{}
	}
	s.results[r.ID] = r
	return nil
}

func (s *countingStore) Load(id string) (*RunResult, error) {
	s.loads++
	r, ok := s.results[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return r, nil
}

func TestRunResult_Cell(t *testing.T) {
	r := sampleResult("run-1")
	c, err := r.Cell(2)
	if err != nil {
		t.Fatalf("Cell(2): %v", err)
	}
	if c.Status != "failed" || c.Outputs[0].Name != "ValueError" {
		t.Errorf("Cell(2) = %+v", c)
	}
	if _, err := r.Cell(4); err == nil {
		t.Error("expected error for out-of-range cell")
	}
	if _, err := r.Cell(-1); err == nil {
		t.Error("expected error for negative cell")
	}
}

func TestRunResult_Counts(t *testing.T) {
	counts := sampleResult("run-1").Counts()
	want := map[string]int{"narrative": 1, "ok": 1, "failed": 1, "not-run": 1}
	for k, v := range want {
		if counts[k] != v {
			t.Errorf("counts[%s] = %d, want %d", k, counts[k], v)
		}
	}
}

func TestRunResult_CountSummary(t *testing.T) {
	got := sampleResult("run-1").CountSummary()
	if want := "1 failed, 1 narrative, 1 not-run, 1 ok"; got != want {
		t.Errorf("CountSummary() = %q, want %q", got, want)
	}
	if got := (&RunResult{}).CountSummary(); got != "" {
		t.Errorf("CountSummary() of empty run = %q", got)
	}
}

func TestByStatus(t *testing.T) {
	got := ByStatus(sampleResult("run-1"), "failed", "not-run")
	if len(got) != 2 || got[0].Index != 2 || got[1].Index != 3 {
		t.Errorf("ByStatus = %+v, want cells 2 and 3", got)
	}
	if got := ByStatus(sampleResult("run-1"), "skipped"); len(got) != 0 {
		t.Errorf("ByStatus(skipped) = %+v, want none", got)
	}
}

func TestDiskStore_SaveLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs")
	s := NewDiskStore(dir)
	want := sampleResult("run-1")
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "run-1.json")); err != nil {
		t.Errorf("result file: %v", err)
	}

	got, err := s.Load("run-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Error != want.Error || *got.FailedCell != 2 || len(got.Cells) != 4 || !got.StartedAt.Equal(want.StartedAt) {
		t.Errorf("Load = %+v, want %+v", got, want)
	}
	if *got.Cells[1].ExecutionCount != 1 || got.Cells[1].Outputs[0].Text != "22.5\n" {
		t.Errorf("cell 1 = %+v", got.Cells[1])
	}
}

func TestDiskStore_LoadMissing(t *testing.T) {
	s := NewDiskStore(t.TempDir())
	if _, err := s.Load("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("error = %v, want ErrRunNotFound", err)
	}
	if _, err := s.Load("../etc/passwd"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("error = %v, want ErrRunNotFound for a path-like ID", err)
	}
}

func TestDiskStore_LazyTempDir(t *testing.T) {
	s := NewDiskStore("")
	if err := s.Save(sampleResult("run-1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	dir, err := s.Dir()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	if _, err := os.Stat(filepath.Join(dir, "run-1.json")); err != nil {
		t.Errorf("result file: %v", err)
	}
}

func TestLRUStore_HitAvoidsBackingStore(t *testing.T) {
	back := &countingStore{}
	s := NewLRUStore(2, back)
	if err := s.Save(sampleResult("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load("a"); err != nil {
		t.Fatal(err)
	}
	if back.loads != 0 {
		t.Errorf("backing loads = %d, want 0 on a hit", back.loads)
	}
}

func TestLRUStore_EvictsLeastRecentlyUsed(t *testing.T) {
	back := &countingStore{}
	s := NewLRUStore(2, back)
	for _, id := range []string{"a", "b"} {
		if err := s.Save(sampleResult(id)); err != nil {
			t.Fatal(err)
		}
	}
	// Touch a so b becomes the oldest.
	if _, err := s.Load("a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(sampleResult("c")); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}

	if _, err := s.Load("b"); err != nil {
		t.Fatal(err)
	}
	if back.loads != 1 {
		t.Errorf("backing loads = %d, want 1 for the evicted run", back.loads)
	}
	if _, err := s.Load("a"); err != nil {
		t.Fatal(err)
	}
	if back.loads != 2 {
		t.Errorf("backing loads = %d, want a evicted by reloading b", back.loads)
	}
}

func TestLRUStore_MissPropagatesError(t *testing.T) {
	s := NewLRUStore(0, &countingStore{})
	if _, err := s.Load("missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("error = %v, want ErrRunNotFound", err)
	}
}
