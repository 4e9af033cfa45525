package reaper

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ExitStatus is the collected status of a terminated process
type ExitStatus struct {
	PID    int
	Code   int         // exit code when exited normally
	Signal unix.Signal // terminating signal, 0 if exited normally
}

func newExitStatus(pid int, ws unix.WaitStatus) ExitStatus {
	s := ExitStatus{PID: pid}
	if ws.Signaled() {
		s.Signal = ws.Signal()
	} else {
		s.Code = ws.ExitStatus()
	}
	return s
}

// ExitCode returns the exit code, or 128 + signal for a signaled process
func (s ExitStatus) ExitCode() int {
	if s.Signal != 0 {
		return 128 + int(s.Signal)
	}
	return s.Code
}

// Success reports whether the process exited with code 0
func (s ExitStatus) Success() bool {
	return s.Signal == 0 && s.Code == 0
}

func (s ExitStatus) String() string {
	if s.Signal != 0 {
		return fmt.Sprintf("pid %d signaled: %v", s.PID, s.Signal)
	}
	return fmt.Sprintf("pid %d exited: %d", s.PID, s.Code)
}

// encode is the content of an exit file
func (s ExitStatus) encode() []byte {
	return []byte(strconv.Itoa(s.ExitCode()))
}

// writeExitFile replaces path with the encoded status through a temporary
// file in the same directory
func writeExitFile(path string, s ExitStatus) (err error) {
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, "."+base+".")
	if err != nil {
		return errors.Wrapf(err, "exit file %s", path)
	}
	defer func() {
		if err != nil {
			os.Remove(f.Name())
		}
	}()
	if _, err = f.Write(s.encode()); err != nil {
		f.Close()
		return errors.Wrapf(err, "exit file %s", path)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "exit file %s", path)
	}
	if err = os.Chmod(f.Name(), 0644); err != nil {
		return errors.Wrapf(err, "exit file %s", path)
	}
	if err = os.Rename(f.Name(), path); err != nil {
		return errors.Wrapf(err, "exit file %s", path)
	}
	return nil
}
