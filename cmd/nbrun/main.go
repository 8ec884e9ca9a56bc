// Command nbrun executes Jupyter notebooks and writes the executed copy.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/weatherman3/nbrun"
	"github.com/weatherman3/nbrun/internal/config"
	"github.com/weatherman3/nbrun/internal/kernel"
	"github.com/weatherman3/nbrun/internal/report"
	"github.com/weatherman3/nbrun/internal/runner"
	"github.com/weatherman3/nbrun/internal/workflow"
)

// exitError carries a non-zero exit code out of a RunE handler that has
// already reported the failure.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.code)
	}
	fmt.Fprintln(os.Stderr, errorStyle.Render("nbrun:"), err)
	os.Exit(1)
}

// app holds state shared by the subcommands, set up before any of them runs.
type app struct {
	verbose bool

	logger    *log.Logger
	workspace string
	loaded    *config.LoadResult
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "nbrun",
		Short: "Execute Jupyter notebooks headlessly",
		Long: titleStyle.Render("nbrun") + mutedStyle.Render(" - execute Jupyter notebooks headlessly") + `

nbrun runs every code cell of a notebook, in order, on a Jupyter kernel and
writes the executed notebook with its outputs and execution counts.

Settings come from flags, NBRUN_* environment variables, and an optional
.nbrun file found in the working directory or one of its parents.

` + mutedStyle.Render("Examples:") + `
  nbrun run                              weather.ipynb -> output_notebook.ipynb
  nbrun run report.ipynb out.ipynb --timeout 5m
  nbrun kernels
  nbrun mcp --http :9090`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newKernelsCmd(a))
	root.AddCommand(newMCPCmd(a))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), nbrun.Version)
		},
	})
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	level := log.InfoLevel
	if a.verbose {
		level = log.DebugLevel
	}
	a.logger = log.NewWithOptions(cmd.ErrOrStderr(), log.Options{
		Prefix: "nbrun",
		Level:  level,
	})

	workspace, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determining workspace: %w", err)
	}
	loaded, err := config.Load(workspace)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if loaded.Path != "" {
		a.logger.Debug("loaded config", "path", loaded.Path)
	}
	a.workspace = workspace
	a.loaded = loaded
	return nil
}

// kernelManager builds the kernel launcher for cfg. Kernel processes may
// only run inside the config root.
func (a *app) kernelManager(cfg *config.Config) *kernel.Manager {
	return &kernel.Manager{
		Runner: &runner.Runner{
			Workspace: a.loaded.Root,
			MaxOutput: cfg.MaxOutputBytes(),
		},
		Dirs:           kernel.DataDirs(a.loaded.KernelDirs()),
		StartupTimeout: cfg.StartupTimeout(),
		Logger:         a.logger,
	}
}

// newEngine builds an engine for cfg. Relative notebook paths resolve
// against the directory nbrun was started in.
func (a *app) newEngine(cfg *config.Config, m *kernel.Manager, store report.Store) *workflow.Engine {
	return &workflow.Engine{
		Config:    cfg,
		Launch:    workflow.LaunchKernels(m),
		Store:     store,
		Logger:    a.logger,
		Workspace: a.workspace,
	}
}

// runStore returns the report store configured under runs, or nil when
// reports are not kept on disk.
func (a *app) runStore(cfg *config.Config) report.Store {
	if cfg.Runs.Dir == "" {
		return nil
	}
	return report.NewLRUStore(cfg.CacheSize(), report.NewDiskStore(a.loaded.Resolve(cfg.Runs.Dir)))
}
