// Package execute runs the code cells of a notebook, in document order,
// on a single kernel session and records their outputs in place.
package execute

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/weatherman3/nbrun/internal/kernel"
)

// Session is a live kernel the executor sends cells to. It is
// implemented by *kernel.Kernel.
type Session interface {
	Execute(code string, stopOnError bool) (msgID string, err error)
	Replies() <-chan *kernel.Message
	IOPub() <-chan *kernel.Message
	Interrupt() error
	LanguageInfo() map[string]any
	Done() <-chan struct{}
	Err() error
	Shutdown(ctx context.Context) error
}

// LaunchFunc starts a kernel session for the named kernel with workdir as
// its current directory.
type LaunchFunc func(ctx context.Context, name, workdir string) (Session, error)

// Options is the execution context of a run.
type Options struct {
	// Timeout bounds the wait for each cell's reply; zero or negative
	// disables it.
	Timeout time.Duration
	// KernelName overrides the notebook's kernelspec.
	KernelName string
	// WorkDir is the kernel's working directory.
	WorkDir string
	// AllowErrors records cell errors as outputs and keeps going.
	AllowErrors bool
	// InterruptOnTimeout interrupts a cell that runs past Timeout instead
	// of failing the run; the interrupted cell then fails like any other
	// erroring cell.
	InterruptOnTimeout bool
	// RecordTiming stores execution timestamps in cell metadata.
	RecordTiming bool
}

// ExecutionError reports a cell that raised an error.
type ExecutionError struct {
	CellIndex int
	Source    string
	EName     string
	EValue    string
	Traceback []string
}

func (e *ExecutionError) Error() string {
	if e.EName == "" {
		return fmt.Sprintf("cell %d failed: %s", e.CellIndex, e.EValue)
	}
	return fmt.Sprintf("cell %d raised %s: %s", e.CellIndex, e.EName, e.EValue)
}

// Detail returns the failing source and traceback, with terminal colour
// codes removed.
func (e *ExecutionError) Detail() string {
	var b strings.Builder
	b.WriteString("------------------\n")
	b.WriteString(e.Source)
	b.WriteString("\n------------------\n\n")
	for _, line := range e.Traceback {
		b.WriteString(StripANSI(line))
		b.WriteByte('\n')
	}
	return b.String()
}

// TimeoutError reports a cell that did not finish within the timeout.
type TimeoutError struct {
	CellIndex int
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("cell %d timed out after %s", e.CellIndex, e.Timeout)
}

// StripANSI removes ANSI escape sequences, which kernels use to colour
// tracebacks and link source files.
func StripANSI(s string) string {
	return ansi.Strip(s)
}
