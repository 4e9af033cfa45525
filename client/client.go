// Package client implements the api client of a running monitor
package client

import (
	"context"
	"os"
	"sync"

	"github.com/criyle/go-conmon/api"
	"github.com/criyle/go-conmon/pkg/unixsocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// Client calls the monitor over a single connection. It is safe for
// concurrent use, replies are matched to calls by request id.
type Client struct {
	socket *api.Socket
	nextID atomic.Uint64
	cred   *unix.Ucred

	sendMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *api.Response

	done     chan struct{}
	err      error
	doneOnce sync.Once
}

// Dial connects to the monitor socket at path
func Dial(path string) (*Client, error) {
	s, err := api.Dial(path)
	if err != nil {
		return nil, err
	}
	return New(s), nil
}

// New creates a client on an established socket
func New(s *api.Socket) *Client {
	// the kernel checks the credentials sent along each request
	cred := &unix.Ucred{
		Pid: int32(os.Getpid()),
		Uid: uint32(os.Getuid()),
		Gid: uint32(os.Getgid()),
	}
	c := &Client{
		socket:  s,
		cred:    cred,
		pending: make(map[uint64]chan *api.Response),
		done:    make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

// Version returns the build metadata of the monitor
func (c *Client) Version(ctx context.Context) (*api.VersionResponse, error) {
	rep, err := c.call(ctx, &api.Request{Method: api.MethodVersion})
	if err != nil {
		return nil, errors.Wrap(err, "version")
	}
	if rep.Version == nil {
		return nil, errors.New("version: no reply received")
	}
	return rep.Version, nil
}

// CreateContainer creates a container and returns its entrypoint pid
func (c *Client) CreateContainer(ctx context.Context, req *api.CreateContainerRequest) (*api.CreateContainerResponse, error) {
	rep, err := c.call(ctx, &api.Request{
		Method:          api.MethodCreateContainer,
		CreateContainer: req,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create container")
	}
	if rep.CreateContainer == nil {
		return nil, errors.New("create container: no reply received")
	}
	return rep.CreateContainer, nil
}

// Close closes the connection, pending calls fail
func (c *Client) Close() error {
	c.shutdown(errors.New("client closed"))
	return nil
}

func (c *Client) call(ctx context.Context, req *api.Request) (*api.Response, error) {
	req.ID = c.nextID.Inc()
	ch := make(chan *api.Response, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, c.err
	default:
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer c.forget(req.ID)

	c.sendMu.Lock()
	err := c.socket.SendMsg(req, unixsocket.Msg{Cred: c.cred})
	c.sendMu.Unlock()
	if err != nil {
		c.shutdown(err)
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case <-c.done:
		return nil, c.err

	case rep := <-ch:
		if rep.Error != nil {
			return nil, rep.Error
		}
		return rep, nil
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) recvLoop() {
	for {
		rep := new(api.Response)
		if _, err := c.socket.RecvMsg(rep); err != nil {
			c.shutdown(err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[rep.ID]
		c.mu.Unlock()
		if ok {
			ch <- rep
		}
	}
}

func (c *Client) shutdown(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		close(c.done)
		c.mu.Unlock()
		c.socket.Close()
	})
}
