package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/weatherman3/nbrun/internal/kernel"
)

// probeTimeout bounds each kernel executable check of kernels --probe.
const probeTimeout = 10 * time.Second

type kernelEntry struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Language    string `json:"language"`
	ResourceDir string `json:"resource_dir,omitempty"`
	Default     bool   `json:"default,omitempty"`
	Available   *bool  `json:"available,omitempty"`
	Version     string `json:"version,omitempty"`
	Problem     string `json:"problem,omitempty"`
}

func newKernelsCmd(a *app) *cobra.Command {
	var (
		jsonOut bool
		probe   bool
	)
	cmd := &cobra.Command{
		Use:   "kernels",
		Short: "List the kernels nbrun can launch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m := a.kernelManager(a.loaded.Config)
			m.Runner.Timeout = probeTimeout

			specs, err := kernel.ListSpecs(m.Dirs)
			if err != nil {
				return fmt.Errorf("listing kernels: %w", err)
			}
			fallback := a.loaded.Config.Kernel()
			entries := make([]kernelEntry, 0, len(specs))
			for _, s := range specs {
				e := kernelEntry{
					Name:        s.Name,
					DisplayName: s.DisplayName,
					Language:    s.Language,
					ResourceDir: s.ResourceDir,
					Default:     s.Name == fallback,
				}
				if probe {
					e.probe(cmd.Context(), m, s)
				}
				entries = append(entries, e)
			}

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			writeKernels(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the kernels as JSON")
	cmd.Flags().BoolVar(&probe, "probe", false, "check that each kernel's executable runs")
	return cmd
}

func (e *kernelEntry) probe(ctx context.Context, m *kernel.Manager, s *kernel.Spec) {
	version, err := m.Probe(ctx, s)
	ok := err == nil
	e.Available = &ok
	e.Version = version
	if err != nil {
		e.Problem = err.Error()
	}
}

func writeKernels(w io.Writer, entries []kernelEntry) {
	width := 0
	for _, e := range entries {
		width = max(width, len(e.Name))
	}
	for _, e := range entries {
		marker := " "
		if e.Default {
			marker = titleStyle.Render("*")
		}
		line := fmt.Sprintf("%s %-*s  %s %s", marker, width, e.Name, e.DisplayName, mutedStyle.Render("["+e.Language+"]"))
		switch {
		case e.Available == nil:
		case *e.Available:
			line += " " + successStyle.Render("ok") + " " + mutedStyle.Render(e.Version)
		default:
			line += " " + errorStyle.Render("unavailable") + " " + mutedStyle.Render(e.Problem)
		}
		fmt.Fprintln(w, line)
	}
}
