// Package workflow provides the notebook runner: it reads a notebook,
// executes it on a kernel and writes the result, recording a report of
// every run. It is consumed by both the MCP server and the CLI commands.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/weatherman3/nbrun/internal/config"
	"github.com/weatherman3/nbrun/internal/execute"
	"github.com/weatherman3/nbrun/internal/kernel"
	"github.com/weatherman3/nbrun/internal/notebook"
	"github.com/weatherman3/nbrun/internal/report"
)

// State is the phase of the run in progress.
type State int

const (
	Idle State = iota
	Parsing
	Executing
	Writing
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Parsing:
		return "parsing"
	case Executing:
		return "executing"
	case Writing:
		return "writing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Engine holds shared dependencies for notebook runs.
type Engine struct {
	Config    *config.Config
	Launch    execute.LaunchFunc
	Store     report.Store // optional
	Logger    *log.Logger
	Workspace string // relative paths resolve here

	mu    sync.Mutex // one run at a time
	smu   sync.Mutex // state, and Config while it is swapped
	state State
}

// Request describes one run. An empty Input, Output or Options.WorkDir
// takes the configured default; callers normally start Options from
// Engine.Options.
type Request struct {
	Input   string
	Output  string
	Options execute.Options
}

// State returns the phase of the current or most recent run.
func (e *Engine) State() State {
	e.smu.Lock()
	defer e.smu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.smu.Lock()
	e.state = s
	e.smu.Unlock()
	e.logger().Debug("run state", "state", s)
}

// Options returns the execution options the configuration asks for.
func (e *Engine) Options() execute.Options {
	e.smu.Lock()
	cfg := e.Config
	e.smu.Unlock()
	if cfg == nil {
		cfg = &config.Config{}
	}
	return execute.Options{
		Timeout:            cfg.Timeout(),
		KernelName:         cfg.RawKernel,
		WorkDir:            cfg.WorkDir(),
		AllowErrors:        cfg.AllowErrors,
		InterruptOnTimeout: cfg.InterruptOnTimeout,
		RecordTiming:       cfg.RecordTiming,
	}
}

// Reconfigure switches the engine to a new workspace and configuration.
// It waits for a run in progress to finish. apply, when non-nil, runs
// under the same lock; it updates whatever the launcher reads.
func (e *Engine) Reconfigure(cfg *config.Config, workspace string, apply func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.smu.Lock()
	e.Config = cfg
	e.smu.Unlock()
	e.Workspace = workspace
	if apply != nil {
		apply()
	}
}

// Exclusive calls f while no run is in progress.
func (e *Engine) Exclusive(f func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f()
}

// ResolvePath makes p absolute. Relative paths are taken relative to the
// engine's workspace, so a run behaves the same whichever directory the
// process was started from.
func (e *Engine) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.Workspace, p)
}

// Run reads req.Input, executes it, and writes the executed notebook to
// req.Output. The error is returned unchanged from the step that failed;
// the report is returned either way and saved to the store when one is
// configured. A missing input never starts a kernel.
func (e *Engine) Run(ctx context.Context, req Request) (*report.RunResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := e.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	if req.Input == "" {
		req.Input = cfg.Input()
	}
	if req.Output == "" {
		req.Output = cfg.Output()
	}
	if req.Options.WorkDir == "" {
		req.Options.WorkDir = cfg.WorkDir()
	}
	in, out := e.ResolvePath(req.Input), e.ResolvePath(req.Output)
	req.Options.WorkDir = e.ResolvePath(req.Options.WorkDir)

	res := &report.RunResult{
		ID:        uuid.New().String(),
		Input:     in,
		Output:    out,
		Kernel:    req.Options.KernelName,
		StartedAt: time.Now().UTC(),
	}
	logger := e.logger().With("run", res.ID[:8])
	logger.Info("running notebook", "input", in, "output", out)

	err := e.run(ctx, req.Options, in, out, res, logger)
	res.DurationMS = time.Since(res.StartedAt).Milliseconds()
	if err != nil {
		res.Status = report.StatusFailed
		res.ErrorKind = classify(ctx, err, e.State())
		res.Error = err.Error()
		var execErr *execute.ExecutionError
		var timeoutErr *execute.TimeoutError
		switch {
		case errors.As(err, &execErr):
			res.FailedCell = &execErr.CellIndex
		case errors.As(err, &timeoutErr):
			res.FailedCell = &timeoutErr.CellIndex
		}
		e.setState(Failed)
		logger.Error("run failed", "kind", res.ErrorKind, "err", err)
	} else {
		res.Status = report.StatusOK
		e.setState(Done)
		logger.Info("run finished", "cells", len(res.Cells), "duration", time.Duration(res.DurationMS)*time.Millisecond)
	}

	if e.Store != nil {
		if saveErr := e.Store.Save(res); saveErr != nil {
			logger.Warn("saving run report", "err", saveErr)
		}
	}
	return res, err
}

func (e *Engine) run(ctx context.Context, opts execute.Options, in, out string, res *report.RunResult, logger *log.Logger) error {
	e.setState(Parsing)
	nb, err := notebook.ReadFile(in)
	if err != nil {
		return err
	}

	e.setState(Executing)
	x := &execute.Executor{Launch: e.Launch, Options: opts, Logger: logger}
	exres, runErr := x.Run(ctx, nb)
	if exres != nil {
		res.Kernel = exres.Kernel
		res.Cells = summarise(nb, exres)
	}
	if runErr != nil {
		return runErr
	}

	e.setState(Writing)
	if err := notebook.WriteFile(out, nb); err != nil {
		return err
	}
	return nil
}

func (e *Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// classify maps a run error to the kind reported to callers.
func classify(ctx context.Context, err error, state State) report.ErrorKind {
	var (
		parseErr   *notebook.ParseError
		execErr    *execute.ExecutionError
		timeoutErr *execute.TimeoutError
		deadErr    *kernel.DeadKernelError
	)
	switch {
	case errors.Is(err, notebook.ErrNotFound):
		return report.KindNotFound
	case errors.As(err, &parseErr):
		return report.KindParse
	case errors.As(err, &timeoutErr):
		return report.KindTimeout
	case errors.As(err, &execErr):
		return report.KindExecution
	case errors.As(err, &deadErr), errors.Is(err, kernel.ErrNoSuchKernel):
		return report.KindKernel
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return report.KindCancelled
	case state == Writing:
		return report.KindWrite
	case state == Executing:
		return report.KindKernel
	}
	return report.KindOther
}

// LaunchKernels adapts a kernel manager to the executor.
func LaunchKernels(m *kernel.Manager) execute.LaunchFunc {
	return func(ctx context.Context, name, workdir string) (execute.Session, error) {
		k, err := m.Start(ctx, name, workdir)
		if err != nil {
			return nil, err
		}
		return k, nil
	}
}
