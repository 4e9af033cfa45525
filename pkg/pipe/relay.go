// Package pipe provides a wrapper to create a pipe and relay everything
// written to its write end into an io.Writer
package pipe

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// aLongTimeAgo is a non-zero deadline in the past used to interrupt reads
var aLongTimeAgo = time.Unix(1, 0)

// Relay is a pipe whose read end is copied into a writer by a goroutine
type Relay struct {
	// W is the write end handed to the child process
	W *os.File

	name string
	r    *os.File
	done chan struct{}

	mu      sync.Mutex
	started bool
	copied  int64
	err     error
}

// NewRelay creates a os pipe, the read end is not consumed until Start.
// caller need to close W in the parent once the child holds a copy,
// otherwise Done never fires
func NewRelay(name string) (*Relay, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &Relay{
		W:    w,
		name: name,
		r:    r,
		done: make(chan struct{}),
	}, nil
}

// Start copies the read end into writer until EOF
func (p *Relay) Start(writer io.Writer) {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	go func() {
		n, err := io.Copy(writer, p.r)
		p.mu.Lock()
		p.copied, p.err = n, err
		p.mu.Unlock()
		p.r.Close()
		close(p.done)
	}()
}

// Done is closed after all data was relayed
func (p *Relay) Done() <-chan struct{} {
	return p.done
}

// Err returns the copy error after Done
func (p *Relay) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close closes the write end, and the read end when relay was never started
func (p *Relay) Close() error {
	err := p.W.Close()
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		p.r.Close()
		return err
	}
	select {
	case <-p.done:
	default:
		// unblock io.Copy
		p.r.SetReadDeadline(aLongTimeAgo)
	}
	return err
}

func (p *Relay) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("Relay[%s:%d]", p.name, p.copied)
}
