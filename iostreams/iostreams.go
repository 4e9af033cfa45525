// Package iostreams wires pipe based stdin / stdout / stderr of a container
// process when no terminal was requested.
package iostreams

import (
	"io"
	"os"
	"sync"

	"github.com/criyle/go-conmon/pkg/pipe"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// IOStreams holds the three pipes of a single child
type IOStreams struct {
	stdinR *os.File
	stdinW *os.File
	stdout *pipe.Relay
	stderr *pipe.Relay

	started   bool
	closeOnce sync.Once
}

// New allocates stdin, stdout and stderr pipes
func New() (_ *IOStreams, err error) {
	s := new(IOStreams)
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	if s.stdinR, s.stdinW, err = os.Pipe(); err != nil {
		return nil, errors.Wrap(err, "iostreams: stdin pipe")
	}
	if s.stdout, err = pipe.NewRelay("stdout"); err != nil {
		return nil, errors.Wrap(err, "iostreams: stdout pipe")
	}
	if s.stderr, err = pipe.NewRelay("stderr"); err != nil {
		return nil, errors.Wrap(err, "iostreams: stderr pipe")
	}
	return s, nil
}

// Start begins relaying child output. It must be called before the child
// is spawned so that no early output is lost.
func (s *IOStreams) Start(stdout, stderr io.Writer) error {
	if s.started {
		return errors.New("iostreams: already started")
	}
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	s.stdout.Start(stdout)
	s.stderr.Start(stderr)
	s.started = true
	return nil
}

// Files returns the child ends as stdin, stdout, stderr
func (s *IOStreams) Files() (stdin, stdout, stderr *os.File) {
	return s.stdinR, s.stdout.W, s.stderr.W
}

// Stdin returns the parent write end of the child stdin
func (s *IOStreams) Stdin() io.WriteCloser {
	return s.stdinW
}

// CloseChildEnds releases the parent copies of the child ends after the
// child was spawned, so that relays see EOF once the child side exits
func (s *IOStreams) CloseChildEnds() error {
	var result *multierror.Error
	for _, f := range []*os.File{s.stdinR, s.stdout.W, s.stderr.W} {
		if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Wait blocks until both output relays are drained
func (s *IOStreams) Wait() error {
	if !s.started {
		return nil
	}
	<-s.stdout.Done()
	<-s.stderr.Done()
	var result *multierror.Error
	if err := s.stdout.Err(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "stdout"))
	}
	if err := s.stderr.Err(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "stderr"))
	}
	return result.ErrorOrNil()
}

// Close releases all pipes
func (s *IOStreams) Close() error {
	var result *multierror.Error
	s.closeOnce.Do(func() {
		for _, f := range []*os.File{s.stdinR, s.stdinW} {
			if f == nil {
				continue
			}
			if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				result = multierror.Append(result, err)
			}
		}
		for _, r := range []*pipe.Relay{s.stdout, s.stderr} {
			if r == nil {
				continue
			}
			if err := r.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				result = multierror.Append(result, err)
			}
		}
	})
	return result.ErrorOrNil()
}
