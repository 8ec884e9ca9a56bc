// Package kernel discovers, launches and talks to Jupyter kernels. A
// kernel is a scoped resource: every Kernel returned by Manager.Start must
// be released with Shutdown, which always terminates the process.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/weatherman3/nbrun/internal/runner"
)

// Default lifecycle timeouts.
const (
	DefaultStartupTimeout = 60 * time.Second
	shutdownGrace         = 5 * time.Second
)

// DeadKernelError reports a kernel process that exited while it was
// still needed.
type DeadKernelError struct {
	ExitCode int
	Output   string // tail of the kernel's own output
}

func (e *DeadKernelError) Error() string {
	msg := fmt.Sprintf("kernel died (exit code %d)", e.ExitCode)
	if e.Output != "" {
		msg += ":\n" + e.Output
	}
	return msg
}

// Manager launches kernels.
type Manager struct {
	Runner         *runner.Runner // kernel processes start inside its workspace
	Dirs           []string       // kernelspec data dirs; see DataDirs
	StartupTimeout time.Duration
	Logger         *log.Logger
}

// Start launches the named kernel with workdir as its current directory
// and waits until it answers a kernel_info_request. On error nothing is
// left running.
func (m *Manager) Start(ctx context.Context, name, workdir string) (*Kernel, error) {
	spec, err := FindSpec(name, m.Dirs)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "nbrun-kernel-*")
	if err != nil {
		return nil, fmt.Errorf("creating kernel runtime dir: %w", err)
	}
	info, err := NewConnectionInfo(spec.Name)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	connFile := filepath.Join(dir, "kernel-"+info.Key[:8]+".json")
	if err := info.WriteFile(connFile); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	env := map[string]string{"JPY_PARENT_PID": strconv.Itoa(os.Getpid())}
	for k, v := range spec.Env {
		env[k] = v
	}
	proc, err := m.Runner.Start(spec.Command(connFile), workdir, env)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("launching kernel %s: %w", spec.Name, err)
	}

	k := &Kernel{
		Spec:   spec,
		Conn:   info,
		proc:   proc,
		dir:    dir,
		logger: m.logger().With("kernel", spec.Name),
	}
	k.logger.Debug("kernel process started", "pid", proc.Pid(), "cwd", workdir)

	timeout := m.StartupTimeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := k.connect(startCtx); err != nil {
		k.Shutdown(context.Background())
		return nil, err
	}
	k.logger.Info("kernel ready", "language", k.Spec.Language)
	return k, nil
}

// Probe checks that the executable a spec launches can run at all, by
// asking it for its version. It returns the first line it printed.
func (m *Manager) Probe(ctx context.Context, spec *Spec) (string, error) {
	res, err := m.Runner.Run(ctx, []string{spec.Argv[0], "--version"}, "")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%s --version exited with code %d: %s", spec.Argv[0], res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return res.FirstLine(), nil
}

func (m *Manager) logger() *log.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return log.Default()
}

// Kernel is a running kernel process and its protocol client.
type Kernel struct {
	Spec *Spec
	Conn *ConnectionInfo

	proc   *runner.Process
	client *Client
	dir    string
	logger *log.Logger

	languageInfo map[string]any
	shutdown     sync.Once
}

// connect dials the kernel and performs the kernel_info handshake. The
// request is repeated until the iopub subscription has seen a reply,
// because SUB sockets drop everything published before they connect.
func (k *Kernel) connect(ctx context.Context) error {
	dialCtx, stopDial := context.WithCancel(ctx)
	go func() {
		select {
		case <-k.proc.Done():
			stopDial()
		case <-dialCtx.Done():
		}
	}()
	client, err := Dial(dialCtx, k.Conn, k.logger)
	stopDial()
	if err != nil {
		if k.proc.Exited() {
			return k.Err()
		}
		return fmt.Errorf("kernel did not start: %w", err)
	}
	k.client = client

	pending := make(map[string]bool)
	gotReply, gotIOPub := false, false
	for !gotReply || !gotIOPub {
		id, err := client.Send(Shell, "kernel_info_request", struct{}{})
		if err != nil {
			return err
		}
		pending[id] = true

		retry := time.NewTimer(time.Second)
	wait:
		for {
			select {
			case msg, ok := <-client.ShellMessages():
				if !ok {
					retry.Stop()
					return k.Err()
				}
				if pending[msg.ParentID()] && msg.Type() == "kernel_info_reply" && !gotReply {
					var reply struct {
						LanguageInfo map[string]any `json:"language_info"`
					}
					if err := msg.Decode(&reply); err != nil {
						retry.Stop()
						return err
					}
					k.languageInfo = reply.LanguageInfo
					gotReply = true
				}
			case msg, ok := <-client.IOPubMessages():
				if !ok {
					retry.Stop()
					return k.Err()
				}
				if pending[msg.ParentID()] {
					gotIOPub = true
				}
			case <-k.proc.Done():
				retry.Stop()
				return k.Err()
			case <-ctx.Done():
				retry.Stop()
				return fmt.Errorf("waiting for kernel %s to start: %w", k.Spec.Name, ctx.Err())
			case <-retry.C:
				break wait
			}
			if gotReply && gotIOPub {
				retry.Stop()
				break wait
			}
		}
	}
	return nil
}

// Execute sends an execute_request for code and returns its msg_id.
func (k *Kernel) Execute(code string, stopOnError bool) (string, error) {
	return k.client.Send(Shell, "execute_request", map[string]any{
		"code":             code,
		"silent":           false,
		"store_history":    true,
		"user_expressions": map[string]any{},
		"allow_stdin":      false,
		"stop_on_error":    stopOnError,
	})
}

// Replies delivers shell channel replies.
func (k *Kernel) Replies() <-chan *Message { return k.client.ShellMessages() }

// IOPub delivers broadcast messages.
func (k *Kernel) IOPub() <-chan *Message { return k.client.IOPubMessages() }

// LanguageInfo returns language_info from the kernel_info_reply.
func (k *Kernel) LanguageInfo() map[string]any { return k.languageInfo }

// Done is closed when the kernel process exits.
func (k *Kernel) Done() <-chan struct{} { return k.proc.Done() }

// Err describes why the kernel process exited. It returns nil while the
// process is running.
func (k *Kernel) Err() error {
	if !k.proc.Exited() {
		return nil
	}
	return &DeadKernelError{ExitCode: k.proc.ExitCode(), Output: tail(string(k.proc.Output()), 2048)}
}

// Interrupt interrupts the running cell, using the mechanism the
// kernelspec asks for.
func (k *Kernel) Interrupt() error {
	k.logger.Warn("interrupting kernel")
	if k.Spec.InterruptMode == "message" {
		_, err := k.client.Send(Control, "interrupt_request", struct{}{})
		return err
	}
	return k.proc.Signal(os.Interrupt)
}

// Shutdown asks the kernel to exit, kills it if it does not, and removes
// its runtime files. It is safe to call more than once.
func (k *Kernel) Shutdown(ctx context.Context) error {
	var err error
	k.shutdown.Do(func() {
		if k.client != nil && !k.proc.Exited() {
			if _, sendErr := k.client.Send(Control, "shutdown_request", map[string]any{"restart": false}); sendErr != nil {
				k.logger.Debug("shutdown request failed", "err", sendErr)
			}
		}

		grace := shutdownGrace
		if deadline, ok := ctx.Deadline(); ok {
			grace = min(grace, time.Until(deadline))
		}
		k.proc.Stop(grace)

		if k.client != nil {
			err = k.client.Close()
		}
		if rmErr := os.RemoveAll(k.dir); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
		k.logger.Debug("kernel stopped", "exit_code", k.proc.ExitCode())
	})
	return err
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
