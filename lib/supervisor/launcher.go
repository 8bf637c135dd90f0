// Copyright 2026 The VJBus Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/openvj/vjbus/lib/config"
)

// Process is a spawned worker process as the supervisor sees it:
// a PID to report, a signal path, and exit notification.
type Process interface {
	// PID returns the operating system process ID.
	PID() int

	// Signal delivers a signal to the process.
	Signal(sig os.Signal) error

	// Done is closed when the process has exited.
	Done() <-chan struct{}

	// ExitError returns the exit result. Only meaningful after Done
	// is closed; nil means a zero exit status.
	ExitError() error
}

// Launcher spawns worker processes. The supervisor talks to this
// interface so tests substitute scripted processes for real ones.
type Launcher interface {
	// Launch starts the worker described by spec with the extra
	// environment entries appended to the inherited environment.
	Launch(spec config.WorkerSpec, extraEnv []string) (Process, error)
}

// ExecLauncher spawns real processes with os/exec. Commands run
// directly — argv is never interpreted by a shell.
type ExecLauncher struct{}

func (ExecLauncher) Launch(spec config.WorkerSpec, extraEnv []string) (Process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), append(append([]string{}, spec.Env...), extraEnv...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Own process group, so signaling the supervisor does not also
	// signal every worker out from under it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Command, err)
	}

	process := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		process.mu.Lock()
		process.exitErr = err
		process.mu.Unlock()
		close(process.done)
	}()
	return process, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}
