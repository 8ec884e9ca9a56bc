package execute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/weatherman3/nbrun/internal/kernel"
	"github.com/weatherman3/nbrun/internal/notebook"
)

// iopubGrace bounds how long the executor waits for the kernel's idle
// status once the execute_reply has arrived.
const iopubGrace = 4 * time.Second

// teardownTimeout bounds kernel shutdown after a run, including runs
// whose context was cancelled.
const teardownTimeout = 10 * time.Second

// CellStatus is the outcome of one cell in a run.
type CellStatus string

const (
	StatusNarrative CellStatus = "narrative" // markdown or raw, never sent
	StatusSkipped   CellStatus = "skipped"   // empty source or skip-execution tag
	StatusOK        CellStatus = "ok"
	StatusError     CellStatus = "error" // raised, recorded and tolerated
	StatusFailed    CellStatus = "failed"
	StatusNotRun    CellStatus = "not-run" // after a failure
)

// CellRecord describes what happened to one cell.
type CellRecord struct {
	Index          int
	Type           notebook.CellType
	Status         CellStatus
	ExecutionCount *int
	Outputs        int
	Duration       time.Duration
}

// Result summarises a run. It is returned alongside any error, with the
// cells after a failure marked StatusNotRun.
type Result struct {
	Kernel       string
	LanguageInfo map[string]any
	Cells        []CellRecord
}

// Executor runs notebooks. One Executor runs one notebook at a time;
// concurrent calls to Run are serialised.
type Executor struct {
	Launch  LaunchFunc
	Options Options
	Logger  *log.Logger

	mu sync.Mutex
}

// Run executes every code cell of nb in document order on a single
// kernel, replacing each cell's outputs and execution count in place. The
// kernel is started before the first cell that needs it, so a notebook
// without code is returned untouched, and it is always shut down before
// Run returns. The first failing cell stops the run; nb then holds the
// outputs produced up to and including that cell.
func (x *Executor) Run(ctx context.Context, nb *notebook.Notebook) (*Result, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	logger := x.Logger
	if logger == nil {
		logger = log.Default()
	}

	name := x.Options.KernelName
	if name == "" {
		name = nb.KernelName()
	}
	if name == "" {
		name = kernel.Python3
	}
	res := &Result{Kernel: name, Cells: make([]CellRecord, len(nb.Cells))}
	for i, c := range nb.Cells {
		res.Cells[i] = CellRecord{Index: i, Type: c.Type, Status: StatusNotRun}
		if c.Type != notebook.Code {
			res.Cells[i].Status = StatusNarrative
		}
	}

	var sess Session
	shown := make(displays)
	defer func() {
		if sess == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if err := sess.Shutdown(shutdownCtx); err != nil {
			logger.Warn("kernel shutdown", "err", err)
		}
	}()

	for i, c := range nb.Cells {
		if c.Type != notebook.Code {
			continue
		}
		rec := &res.Cells[i]
		if strings.TrimSpace(string(c.Source)) == "" || c.HasTag(notebook.TagSkipExecution) {
			rec.Status = StatusSkipped
			logger.Debug("skipping cell", "cell", i)
			continue
		}

		if sess == nil {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			s, err := x.Launch(ctx, name, x.Options.WorkDir)
			if err != nil {
				return res, fmt.Errorf("starting kernel %s: %w", name, err)
			}
			sess = s
			if li := sess.LanguageInfo(); li != nil {
				if nb.Metadata == nil {
					nb.Metadata = map[string]any{}
				}
				nb.Metadata["language_info"] = li
				res.LanguageInfo = li
			}
		}

		logger.Debug("executing cell", "cell", i)
		start := time.Now()
		cr := &cellRun{
			index:    i,
			cell:     c,
			sess:     sess,
			opts:     x.Options,
			displays: shown,
			logger:   logger,
		}
		err := cr.run(ctx)
		rec.Duration = time.Since(start)
		rec.ExecutionCount = c.ExecutionCount
		rec.Outputs = len(c.Outputs)
		switch {
		case err != nil:
			rec.Status = StatusFailed
			logger.Error("cell failed", "cell", i, "err", err)
			return res, err
		case cr.raised:
			rec.Status = StatusError
		default:
			rec.Status = StatusOK
		}
	}
	return res, nil
}

// cellRun is the execution of one cell: an execute_request followed by
// the iopub traffic and execute_reply it causes.
type cellRun struct {
	index    int
	cell     *notebook.Cell
	sess     Session
	opts     Options
	displays displays
	logger   *log.Logger

	clearPending bool
	raised       bool
	timing       map[string]any
}

func (r *cellRun) run(ctx context.Context) error {
	r.cell.ClearOutputs()
	if r.opts.RecordTiming {
		r.timing = map[string]any{}
		if r.cell.Metadata == nil {
			r.cell.Metadata = map[string]any{}
		}
		r.cell.Metadata["execution"] = r.timing
		r.stamp("shell.execute_request")
	}

	msgID, err := r.sess.Execute(string(r.cell.Source), !r.opts.AllowErrors)
	if err != nil {
		return fmt.Errorf("cell %d: %w", r.index, err)
	}

	var deadline *time.Timer
	var deadlineC <-chan time.Time
	if r.opts.Timeout > 0 {
		deadline = time.NewTimer(r.opts.Timeout)
		defer deadline.Stop()
		deadlineC = deadline.C
	}

	var reply *kernel.Message
	var graceC <-chan time.Time
	idle, interrupted := false, false
	for reply == nil || !idle {
		select {
		case msg, ok := <-r.sess.Replies():
			if !ok {
				return r.lost()
			}
			if msg.ParentID() != msgID || msg.Type() != "execute_reply" {
				continue
			}
			reply = msg
			r.stamp("shell.execute_reply")
			// The cell has finished; only the idle status is outstanding.
			if deadline != nil {
				deadline.Stop()
				deadlineC = nil
			}
			if !idle {
				graceC = time.After(iopubGrace)
			}
		case msg, ok := <-r.sess.IOPub():
			if !ok {
				return r.lost()
			}
			if msg.ParentID() != msgID {
				continue
			}
			done, err := r.handle(msg)
			if err != nil {
				r.logger.Warn("ignoring malformed output message", "cell", r.index, "type", msg.Type(), "err", err)
			}
			if done {
				idle = true
			}
		case <-graceC:
			r.logger.Warn("timed out waiting for kernel idle status", "cell", r.index)
			idle = true
		case <-deadlineC:
			if r.opts.InterruptOnTimeout && !interrupted {
				r.logger.Error("cell timed out, interrupting kernel", "cell", r.index, "timeout", r.opts.Timeout)
				if err := r.sess.Interrupt(); err != nil {
					return fmt.Errorf("interrupting cell %d: %w", r.index, err)
				}
				interrupted = true
				deadline.Reset(r.opts.Timeout)
				continue
			}
			return &TimeoutError{CellIndex: r.index, Timeout: r.opts.Timeout}
		case <-r.sess.Done():
			return r.lost()
		case <-ctx.Done():
			return fmt.Errorf("cell %d: %w", r.index, ctx.Err())
		}
	}

	var content struct {
		Status         string   `json:"status"`
		ExecutionCount *int     `json:"execution_count"`
		EName          string   `json:"ename"`
		EValue         string   `json:"evalue"`
		Traceback      []string `json:"traceback"`
	}
	if err := reply.Decode(&content); err != nil {
		return fmt.Errorf("cell %d: %w", r.index, err)
	}
	if content.ExecutionCount != nil {
		r.cell.ExecutionCount = content.ExecutionCount
	}
	if content.Status == "ok" {
		return nil
	}

	r.raised = true
	if r.opts.AllowErrors || r.cell.HasTag(notebook.TagRaisesException) {
		return nil
	}
	execErr := &ExecutionError{
		CellIndex: r.index,
		Source:    string(r.cell.Source),
		EName:     content.EName,
		EValue:    content.EValue,
		Traceback: content.Traceback,
	}
	if execErr.EName == "" {
		if out := r.lastError(); out != nil {
			execErr.EName, execErr.EValue, execErr.Traceback = out.EName, out.EValue, out.Traceback
		} else if content.Status == "aborted" {
			execErr.EValue = "execution aborted by the kernel"
		}
	}
	return execErr
}

// lost reports a kernel that went away in the middle of a cell.
func (r *cellRun) lost() error {
	if err := r.sess.Err(); err != nil {
		return fmt.Errorf("cell %d: %w", r.index, err)
	}
	return fmt.Errorf("cell %d: %w", r.index, errKernelGone)
}

var errKernelGone = errors.New("kernel connection closed")

func (r *cellRun) lastError() *notebook.Output {
	for i := len(r.cell.Outputs) - 1; i >= 0; i-- {
		if r.cell.Outputs[i].Type == notebook.Error {
			return r.cell.Outputs[i]
		}
	}
	return nil
}

func (r *cellRun) stamp(key string) {
	if r.timing == nil {
		return
	}
	r.timing[key] = time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
}
