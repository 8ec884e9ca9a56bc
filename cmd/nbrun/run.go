package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/weatherman3/nbrun/internal/config"
	"github.com/weatherman3/nbrun/internal/execute"
	"github.com/weatherman3/nbrun/internal/report"
	"github.com/weatherman3/nbrun/internal/workflow"
)

func newRunCmd(a *app) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "run [input] [output]",
		Short: "Execute a notebook and write the executed copy",
		Long: `Execute every code cell of the input notebook on a fresh kernel and write
the executed notebook to output. The output is only written when every cell
succeeds (or errors are allowed).

input defaults to weather.ipynb and output to output_notebook.ipynb.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := overlay(cmd, a.loaded.Config)
			if err != nil {
				return err
			}

			engine := a.newEngine(cfg, a.kernelManager(cfg), a.runStore(cfg))
			req := workflow.Request{Options: engine.Options()}
			if len(args) > 0 {
				req.Input = args[0]
			}
			if len(args) > 1 {
				req.Output = args[1]
			}

			rr, runErr := engine.Run(cmd.Context(), req)
			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(rr); err != nil {
					return err
				}
			} else {
				writeSummary(cmd.OutOrStdout(), rr, runErr)
			}
			if runErr != nil {
				return &exitError{code: 1}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.String("timeout", "", `per-cell timeout: a duration, seconds, or "none" (default 600s)`)
	f.String("startup-timeout", "", "how long to wait for the kernel to answer (default 60s)")
	f.String("kernel", "", "kernel name (default: the notebook's kernelspec, then python3)")
	f.String("cwd", "", "kernel working directory (default ./)")
	f.Bool("allow-errors", false, "record cell errors and keep going")
	f.Bool("interrupt-on-timeout", false, "interrupt a cell that times out; it then fails like a raising cell (see --allow-errors)")
	f.Bool("record-timing", false, "store execution timestamps in cell metadata")
	f.BoolVar(&jsonOut, "json", false, "print the run report as JSON")
	return cmd
}

// overlayKeys are the run settings that flags and NBRUN_* variables can
// override.
var overlayKeys = []string{
	"timeout", "startup-timeout", "kernel", "cwd",
	"allow-errors", "interrupt-on-timeout", "record-timing",
}

// overlay layers NBRUN_* environment variables and flags over base. A flag
// set on the command line wins over the environment, which wins over the
// config file.
func overlay(cmd *cobra.Command, base *config.Config) (*config.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NBRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("timeout", base.RawTimeout)
	v.SetDefault("startup-timeout", base.RawStartupTimeout)
	v.SetDefault("kernel", base.RawKernel)
	v.SetDefault("cwd", base.RawWorkDir)
	v.SetDefault("allow-errors", base.AllowErrors)
	v.SetDefault("interrupt-on-timeout", base.InterruptOnTimeout)
	v.SetDefault("record-timing", base.RecordTiming)

	for _, key := range overlayKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(key)); err != nil {
			return nil, fmt.Errorf("binding --%s: %w", key, err)
		}
	}

	cfg := *base
	cfg.RawTimeout = v.GetString("timeout")
	cfg.RawStartupTimeout = v.GetString("startup-timeout")
	cfg.RawKernel = v.GetString("kernel")
	cfg.RawWorkDir = v.GetString("cwd")
	cfg.AllowErrors = v.GetBool("allow-errors")
	cfg.InterruptOnTimeout = v.GetBool("interrupt-on-timeout")
	cfg.RecordTiming = v.GetBool("record-timing")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func writeSummary(w io.Writer, rr *report.RunResult, runErr error) {
	if rr.Status == report.StatusOK {
		fmt.Fprintf(w, "%s %s -> %s\n", successStyle.Render("ok"), rr.Input, rr.Output)
	} else {
		fmt.Fprintf(w, "%s %s\n", errorStyle.Render("FAIL"), rr.Input)
	}

	var details []string
	if rr.Kernel != "" {
		details = append(details, "kernel "+rr.Kernel)
	}
	if n := len(rr.Cells); n > 0 {
		details = append(details, fmt.Sprintf("%d cells (%s)", n, rr.CountSummary()))
	}
	details = append(details, (time.Duration(rr.DurationMS) * time.Millisecond).String())
	fmt.Fprintln(w, mutedStyle.Render("  "+strings.Join(details, ", ")))

	for _, c := range report.ByStatus(rr, string(execute.StatusError)) {
		name := "an error"
		for _, o := range c.Outputs {
			if o.Type == "error" {
				name = o.Name
			}
		}
		fmt.Fprintln(w, warningStyle.Render(fmt.Sprintf("  cell %d raised %s (allowed)", c.Index, name)))
	}

	if rr.Status == report.StatusOK {
		return
	}
	fmt.Fprintf(w, "  %s %s\n", warningStyle.Render(string(rr.ErrorKind)+":"), rr.Error)

	var execErr *execute.ExecutionError
	if errors.As(runErr, &execErr) && len(execErr.Traceback) > 0 {
		var lines []string
		for _, line := range execErr.Traceback {
			lines = append(lines, execute.StripANSI(line))
		}
		fmt.Fprintln(w, tracebackStyle.Render(strings.Join(lines, "\n")))
	}
	if rr.ErrorKind == report.KindTimeout {
		fmt.Fprintln(w, mutedStyle.Render("  raise --timeout, or pass --interrupt-on-timeout with --allow-errors to record the cell as an error and continue"))
	}
}
