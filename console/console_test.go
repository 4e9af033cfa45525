package console

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/criyle/go-conmon/pkg/unixsocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConsole(t *testing.T) *Console {
	c, err := New(t.TempDir(), nil)
	if err != nil {
		t.Skipf("pty not available: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestWaitConnectedSendsMaster(t *testing.T) {
	c := newConsole(t)

	type result struct {
		master *os.File
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := unixsocket.Dial(c.SocketPath())
		if err != nil {
			ch <- result{err: err}
			return
		}
		defer s.Close()
		buf := make([]byte, 64)
		_, msg, err := s.RecvMsg(buf)
		if err != nil {
			ch <- result{err: err}
			return
		}
		if len(msg.Fds) != 1 {
			ch <- result{err: os.ErrInvalid}
			return
		}
		ch <- result{master: os.NewFile(uintptr(msg.Fds[0]), "master")}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitConnected(ctx))

	r := <-ch
	require.NoError(t, r.err)
	defer r.master.Close()

	_, slave, _ := c.Files()
	_, err := slave.Write([]byte("hello\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := r.master.Read(buf)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(buf[:n]), "hello"), "got %q", buf[:n])
}

func TestWaitConnectedTimeout(t *testing.T) {
	c := newConsole(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := c.WaitConnected(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitConnectedCancel(t *testing.T) {
	c := newConsole(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := c.WaitConnected(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSecondPeerRefused(t *testing.T) {
	c := newConsole(t)

	done := make(chan error, 1)
	go func() {
		s, err := unixsocket.Dial(c.SocketPath())
		if err != nil {
			done <- err
			return
		}
		defer s.Close()
		_, msg, err := s.RecvMsg(make([]byte, 64))
		for _, fd := range msg.Fds {
			os.NewFile(uintptr(fd), "master").Close()
		}
		done <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitConnected(ctx))
	require.NoError(t, <-done)

	_, err := unixsocket.Dial(c.SocketPath())
	assert.Error(t, err)
	assert.ErrorIs(t, c.WaitConnected(ctx), ErrAlreadyConnected)
}

func TestCloseRemovesSocket(t *testing.T) {
	c := newConsole(t)
	path := c.SocketPath()
	_, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, c.Close())
}

func TestResize(t *testing.T) {
	c := newConsole(t)
	assert.NoError(t, c.Resize(120, 40))
}
