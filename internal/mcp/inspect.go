package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/weatherman3/nbrun/internal/report"
)

type inspectParams struct {
	RunID string `json:"run_id" jsonschema:"the run ID from an nb_run result"`
	Cell  *int   `json:"cell,omitempty" jsonschema:"zero-based cell index; omit to list all cells"`
}

func (h *handler) inspectHandler(ctx context.Context, req *mcp.CallToolRequest, params inspectParams) (*mcp.CallToolResult, any, error) {
	if params.RunID == "" {
		return errorResult("run_id is required")
	}

	result, err := h.store.Load(params.RunID)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to load run %s: %v", params.RunID, err))
	}

	if params.Cell == nil {
		return textResult(formatCellList(result))
	}
	cell, err := result.Cell(*params.Cell)
	if err != nil {
		return errorResult(err.Error())
	}
	return textResult(formatCell(result, cell))
}

func formatCellList(rr *report.RunResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s (%s)\n", rr.ID, rr.Status)
	fmt.Fprintf(&b, "Notebook: %s\n", rr.Input)
	fmt.Fprintln(&b)

	if len(rr.Cells) == 0 {
		fmt.Fprintln(&b, "No cells were read.")
		return b.String()
	}
	for _, c := range rr.Cells {
		fmt.Fprintf(&b, "  [%d] %-8s %-9s", c.Index, c.Type, c.Status)
		if c.ExecutionCount != nil {
			fmt.Fprintf(&b, " In[%d]", *c.ExecutionCount)
		}
		if n := len(c.Outputs); n > 0 {
			fmt.Fprintf(&b, " %d output(s)", n)
		}
		if c.DurationMS > 0 {
			fmt.Fprintf(&b, " %dms", c.DurationMS)
		}
		fmt.Fprintln(&b)
	}
	return b.String()
}

func formatCell(rr *report.RunResult, c *report.CellResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run: %s (%s)\n", rr.ID, rr.Status)
	fmt.Fprintf(&b, "Cell %d: %s, %s", c.Index, c.Type, c.Status)
	if c.ExecutionCount != nil {
		fmt.Fprintf(&b, ", execution count %d", *c.ExecutionCount)
	}
	fmt.Fprintln(&b)

	if len(c.Outputs) == 0 {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "No outputs.")
		return b.String()
	}
	for i, o := range c.Outputs {
		fmt.Fprintln(&b)
		if o.Name != "" {
			fmt.Fprintf(&b, "Output %d (%s %s):\n", i, o.Type, o.Name)
		} else {
			fmt.Fprintf(&b, "Output %d (%s):\n", i, o.Type)
		}
		for _, line := range strings.Split(strings.TrimRight(o.Text, "\n"), "\n") {
			fmt.Fprintf(&b, "    %s\n", line)
		}
	}
	return b.String()
}
