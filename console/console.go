// Package console allocates the pseudo terminal of a container started with
// a terminal and hands its master side to the single peer that connects to
// the console socket.
package console

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/console"
	"github.com/criyle/go-conmon/pkg/unixsocket"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const socketName = "console.sock"

// masterMsg is the payload sent with the master fd
var masterMsg = []byte("pty-master")

// aLongTimeAgo is a non-zero deadline in the past used to interrupt accept
var aLongTimeAgo = time.Unix(1, 0)

// ErrAlreadyConnected is returned when WaitConnected is called after a peer
// was already served
var ErrAlreadyConnected = errors.New("console: peer already connected")

// Console is a single allocated pseudo terminal
type Console struct {
	master    console.Console
	slave     *os.File
	slavePath string

	dir      string
	listener *unixsocket.Listener
	logger   *zap.Logger

	mu        sync.Mutex
	connected bool
	closed    bool
}

// New allocates a pty pair and a listening console socket under dir.
// An empty dir uses os.TempDir.
func New(dir string, logger *zap.Logger) (_ *Console, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Console{logger: logger}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	if c.master, c.slavePath, err = console.NewPty(); err != nil {
		return nil, errors.Wrap(err, "console: allocate pty")
	}
	if c.slave, err = os.OpenFile(c.slavePath, os.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0); err != nil {
		return nil, errors.Wrapf(err, "console: open slave %s", c.slavePath)
	}
	if c.dir, err = os.MkdirTemp(dir, "conmon-console-"); err != nil {
		return nil, errors.Wrap(err, "console: socket dir")
	}
	if c.listener, err = unixsocket.Listen(filepath.Join(c.dir, socketName)); err != nil {
		return nil, errors.Wrap(err, "console: listen")
	}
	c.logger.Debug("allocated console",
		zap.String("slave", c.slavePath),
		zap.String("socket", c.SocketPath()))
	return c, nil
}

// SocketPath returns the path the terminal client connects to
func (c *Console) SocketPath() string {
	return filepath.Join(c.dir, socketName)
}

// SlavePath returns the device path of the pty slave
func (c *Console) SlavePath() string {
	return c.slavePath
}

// Files returns the pty slave as stdin, stdout, stderr of the child
func (c *Console) Files() (stdin, stdout, stderr *os.File) {
	return c.slave, c.slave, c.slave
}

// CloseChildEnds releases the parent copy of the slave after the child was
// spawned
func (c *Console) CloseChildEnds() error {
	if err := c.slave.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// Resize sets the terminal window size
func (c *Console) Resize(width, height uint16) error {
	return c.master.Resize(console.WinSize{Width: width, Height: height})
}

// WaitConnected blocks until exactly one peer connected to the console
// socket and received the pty master. Further peers are refused since the
// listener is closed afterwards. It fails when ctx is done first.
func (c *Console) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	if c.closed {
		c.mu.Unlock()
		return errors.New("console: closed")
	}
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "console: wait connected")
	}
	deadline, _ := ctx.Deadline()
	if err := c.listener.SetDeadline(deadline); err != nil {
		return errors.Wrap(err, "console: set deadline")
	}
	stop := context.AfterFunc(ctx, func() {
		c.listener.SetDeadline(aLongTimeAgo)
	})
	defer stop()

	peer, err := c.listener.AcceptSocket()
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "console: no peer connected")
		}
		return errors.Wrap(err, "console: accept")
	}
	defer peer.Close()

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if err := c.listener.Close(); err != nil {
		c.logger.Warn("failed to close console listener", zap.Error(err))
	}

	if err := peer.SendMsg(masterMsg, unixsocket.Msg{Fds: []int{int(c.master.Fd())}}); err != nil {
		return errors.Wrap(err, "console: send pty master")
	}
	c.logger.Debug("console peer connected", zap.String("socket", c.SocketPath()))
	return nil
}

// Close releases the pty and the console socket
func (c *Console) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var result *multierror.Error
	if c.listener != nil {
		if err := c.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	if c.slave != nil {
		if err := c.slave.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	if c.master != nil {
		if err := c.master.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if c.dir != "" {
		if err := os.RemoveAll(c.dir); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
