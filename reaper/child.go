package reaper

import (
	"sync"
)

// Child is a supervised container entrypoint
type Child struct {
	ID        string
	PID       int
	ExitPaths []string

	once   sync.Once
	exited chan struct{}
	status ExitStatus
}

// NewChild creates the supervision record of a container
func NewChild(id string, pid int, exitPaths []string) *Child {
	return &Child{
		ID:        id,
		PID:       pid,
		ExitPaths: append([]string(nil), exitPaths...),
		exited:    make(chan struct{}),
	}
}

// Exited is closed once the exit status was recorded and every exit path
// was written
func (c *Child) Exited() <-chan struct{} {
	return c.exited
}

// ExitStatus returns the recorded exit status, ok is false while running
func (c *Child) ExitStatus() (s ExitStatus, ok bool) {
	select {
	case <-c.exited:
		return c.status, true
	default:
		return s, false
	}
}

func (c *Child) setExited(s ExitStatus) {
	c.once.Do(func() {
		c.status = s
		close(c.exited)
	})
}
