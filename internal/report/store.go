// Package report provides structured persistence and retrieval of
// notebook run results. A result summarises every cell of the run and
// can be queried by cell index or outcome.
package report

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrRunNotFound is returned by Load for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// Status is the overall outcome of a run.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// ErrorKind classifies the failure of a run.
type ErrorKind string

const (
	KindNotFound  ErrorKind = "not_found"
	KindParse     ErrorKind = "parse"
	KindExecution ErrorKind = "execution"
	KindTimeout   ErrorKind = "timeout"
	KindKernel    ErrorKind = "kernel"
	KindCancelled ErrorKind = "cancelled"
	KindWrite     ErrorKind = "write"
	KindOther     ErrorKind = "other"
)

// Store persists and retrieves run results.
type Store interface {
	Save(result *RunResult) error
	Load(runID string) (*RunResult, error)
}

// RunResult holds the structured outcome of one notebook run.
type RunResult struct {
	ID     string `json:"id"`
	Input  string `json:"input"`
	Output string `json:"output"`
	Kernel string `json:"kernel"`

	Status     Status    `json:"status"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	FailedCell *int      `json:"failed_cell,omitempty"`

	StartedAt  time.Time    `json:"started_at"`
	DurationMS int64        `json:"duration_ms"`
	Cells      []CellResult `json:"cells"`
}

// CellResult summarises one cell of a run.
type CellResult struct {
	Index          int             `json:"index"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	ExecutionCount *int            `json:"execution_count,omitempty"`
	DurationMS     int64           `json:"duration_ms,omitempty"`
	Outputs        []OutputSummary `json:"outputs,omitempty"`
}

// OutputSummary is the plain-text rendering of one cell output.
type OutputSummary struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"` // stream name or error ename
	Text string `json:"text,omitempty"`
}

// Cell returns the summary of cell index.
func (r *RunResult) Cell(index int) (*CellResult, error) {
	if index < 0 || index >= len(r.Cells) {
		return nil, fmt.Errorf("run %s has no cell %d (it has %d cells)", r.ID, index, len(r.Cells))
	}
	return &r.Cells[index], nil
}

// Counts returns the number of cells per status.
func (r *RunResult) Counts() map[string]int {
	counts := make(map[string]int)
	for _, c := range r.Cells {
		counts[c.Status]++
	}
	return counts
}

// CountSummary renders Counts in a stable order, e.g. "1 narrative, 2 ok".
func (r *RunResult) CountSummary() string {
	counts := r.Counts()
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	slices.Sort(statuses)
	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		parts = append(parts, fmt.Sprintf("%d %s", counts[s], s))
	}
	return strings.Join(parts, ", ")
}

// ByStatus returns the cells of result whose status is one of statuses.
func ByStatus(result *RunResult, statuses ...string) []CellResult {
	var out []CellResult
	for _, c := range result.Cells {
		for _, s := range statuses {
			if c.Status == s {
				out = append(out, c)
				break
			}
		}
	}
	return out
}
