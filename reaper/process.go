package reaper

import (
	"context"
	"os"
)

// Stdio provides the standard files of a new child
type Stdio interface {
	Files() (stdin, stdout, stderr *os.File)
}

// ProcessAttr defines how CreateChild starts the process
type ProcessAttr struct {
	// Stdio is either a console or pipes, nil uses /dev/null
	Stdio Stdio

	// Terminal makes stdin the controlling terminal of a new session
	Terminal bool

	// Env specifies the environment, nil inherits the monitor environment
	Env []string

	// Dir specifies the working directory
	Dir string
}

// Process is a direct child created by CreateChild
type Process struct {
	pid    int
	exited chan struct{}
	status ExitStatus
}

// Pid returns the pid of the process
func (p *Process) Pid() int {
	return p.pid
}

// Done is closed after the process was reaped
func (p *Process) Done() <-chan struct{} {
	return p.exited
}

// Wait waits for the process to be reaped
func (p *Process) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.exited:
		return p.status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Status returns the exit status, ok is false while the process runs
func (p *Process) Status() (s ExitStatus, ok bool) {
	select {
	case <-p.exited:
		return p.status, true
	default:
		return s, false
	}
}

func (p *Process) finish(s ExitStatus) {
	p.status = s
	close(p.exited)
}
