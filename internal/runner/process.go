package runner

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Process is a background subprocess started by Runner.Start.
type Process struct {
	ID   string
	Argv []string

	cmd    *exec.Cmd
	output *limitWriter
	done   chan struct{}

	mu      sync.Mutex
	waitErr error
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	close(p.done)
}

// Pid returns the operating system process ID.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code, or -1 while the process is running or
// when it was killed by a signal.
func (p *Process) ExitCode() int {
	if !p.Exited() {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Err returns the error reported by Wait, if the process has exited.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Output returns the captured combined stdout and stderr.
func (p *Process) Output() []byte { return p.output.Bytes() }

// Signal sends sig to the process. Signalling an exited process is a no-op.
func (p *Process) Signal(sig os.Signal) error {
	if p.Exited() {
		return nil
	}
	err := p.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Stop waits up to grace for the process to exit on its own, then kills
// it together with any children it spawned. Stop always returns after the
// process is gone.
func (p *Process) Stop(grace time.Duration) {
	if grace > 0 {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-p.done:
			return
		case <-t.C:
		}
	}
	if !p.Exited() {
		killProcessGroup(p.cmd)
	}
	<-p.done
}
