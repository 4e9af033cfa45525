package pipe

import (
	"bytes"
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestRelay_WriteAndRead(t *testing.T) {
	r, err := NewRelay("stdout")
	if err != nil {
		t.Fatalf("NewRelay error: %v", err)
	}
	out := new(syncBuffer)
	r.Start(out)

	input := "hello"
	if _, err := r.W.Write([]byte(input)); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	r.W.Close()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Done channel")
	}
	if got := out.String(); got != input {
		t.Errorf("relayed content = %q, want %q", got, input)
	}
	if r.Err() != nil {
		t.Errorf("unexpected copy error %v", r.Err())
	}
	if want := "Relay[stdout:5]"; r.String() != want {
		t.Errorf("String() = %q, want %q", r.String(), want)
	}
}

func TestRelay_CloseUnblocks(t *testing.T) {
	r, err := NewRelay("stderr")
	if err != nil {
		t.Fatal(err)
	}
	// a leaked duplicate of the write end keeps the pipe open
	dup, err := dupFile(r)
	if err != nil {
		t.Fatal(err)
	}
	defer dup.Close()

	r.Start(new(syncBuffer))
	r.Close()

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("Close did not stop relay")
	}
}

func dupFile(p *Relay) (*os.File, error) {
	fd, err := unix.FcntlInt(p.W.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), "dup"), nil
}
