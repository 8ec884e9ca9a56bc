package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/weatherman3/nbrun/internal/config"
	"github.com/weatherman3/nbrun/internal/execute"
	"github.com/weatherman3/nbrun/internal/report"
	"github.com/weatherman3/nbrun/internal/workflow"
)

type runParams struct {
	Input       string `json:"input,omitempty" jsonschema:"Notebook to execute, relative to the workspace or absolute. Defaults to the configured input (weather.ipynb)."`
	Output      string `json:"output,omitempty" jsonschema:"Where to write the executed notebook. Defaults to the configured output (output_notebook.ipynb)."`
	Timeout     string `json:"timeout,omitempty" jsonschema:"Per-cell timeout, e.g. 600s or 10m; none disables it. Defaults to the configured timeout (600s)."`
	Kernel      string `json:"kernel,omitempty" jsonschema:"Kernel name (see nb_kernels). Defaults to the notebook's kernelspec, then python3."`
	AllowErrors *bool  `json:"allow_errors,omitempty" jsonschema:"Record cell errors as outputs and keep running instead of stopping. Default: false."`
}

func (h *handler) runHandler(ctx context.Context, req *mcp.CallToolRequest, params runParams) (*mcp.CallToolResult, any, error) {
	opts := h.engine.Options()
	if params.Timeout != "" {
		d, err := config.ParseTimeout(params.Timeout)
		if err != nil {
			return errorResult(fmt.Sprintf("invalid timeout: %v", err))
		}
		opts.Timeout = d
	}
	if params.Kernel != "" {
		opts.KernelName = params.Kernel
	}
	if params.AllowErrors != nil {
		opts.AllowErrors = *params.AllowErrors
	}

	result, err := h.engine.Run(ctx, workflow.Request{
		Input:   params.Input,
		Output:  params.Output,
		Options: opts,
	})
	return textResult(formatRun(result, err))
}

func formatRun(rr *report.RunResult, runErr error) string {
	var b strings.Builder

	if rr.Status == report.StatusOK {
		fmt.Fprintln(&b, "Status: PASS")
	} else {
		fmt.Fprintln(&b, "Status: FAIL")
	}
	fmt.Fprintf(&b, "Run: %s\n", rr.ID)
	fmt.Fprintf(&b, "Notebook: %s -> %s\n", rr.Input, rr.Output)
	if rr.Kernel != "" {
		fmt.Fprintf(&b, "Kernel: %s\n", rr.Kernel)
	}
	fmt.Fprintln(&b)

	if len(rr.Cells) > 0 {
		fmt.Fprintf(&b, "Cells: %d (%s)\n", len(rr.Cells), rr.CountSummary())
		fmt.Fprintln(&b)
	}

	if rr.Status == report.StatusOK {
		fmt.Fprintf(&b, "Executed notebook written to %s.\n", rr.Output)
		return b.String()
	}

	fmt.Fprintf(&b, "Error (%s): %s\n", rr.ErrorKind, rr.Error)
	var execErr *execute.ExecutionError
	if errors.As(runErr, &execErr) && len(execErr.Traceback) > 0 {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "Traceback:")
		for _, line := range execErr.Traceback {
			for _, l := range strings.Split(execute.StripANSI(line), "\n") {
				fmt.Fprintf(&b, "    %s\n", l)
			}
		}
	}
	fmt.Fprintln(&b)
	if rr.FailedCell != nil {
		fmt.Fprintf(&b, "Inspect with nb_inspect(run_id=%q, cell=%d).\n", rr.ID, *rr.FailedCell)
	} else if len(rr.Cells) > 0 {
		fmt.Fprintf(&b, "Inspect with nb_inspect(run_id=%q).\n", rr.ID)
	}
	return b.String()
}
