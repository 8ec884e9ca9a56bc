package mcp

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/weatherman3/nbrun/internal/kernel"
)

type kernelsParams struct{}

func (h *handler) kernelsHandler(ctx context.Context, req *mcp.CallToolRequest, _ kernelsParams) (*mcp.CallToolResult, any, error) {
	dirs := kernel.DataDirs(nil)
	if h.kernels != nil {
		h.engine.Exclusive(func() { dirs = slices.Clone(h.kernels.Dirs) })
	}
	specs, err := kernel.ListSpecs(dirs)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to list kernels: %v", err))
	}
	return textResult(formatKernels(specs))
}

func formatKernels(specs []*kernel.Spec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Kernels (%d):\n", len(specs))
	for _, s := range specs {
		fmt.Fprintf(&b, "  %s: %s [%s]", s.Name, s.DisplayName, s.Language)
		if s.ResourceDir == "" {
			fmt.Fprint(&b, " (built-in)")
		}
		fmt.Fprintln(&b)
	}
	return b.String()
}
