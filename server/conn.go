package server

import (
	"context"
	"sync"

	"github.com/criyle/go-conmon/api"
	"github.com/criyle/go-conmon/pkg/unixsocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// conn serves a single client connection. Requests are handled
// concurrently, replies are serialized by the send loop.
type conn struct {
	server *Server
	socket *api.Socket
	logger *zap.Logger

	sendCh chan *api.Response

	done     chan struct{}
	err      error
	doneOnce sync.Once

	requests sync.WaitGroup
}

func newConn(s *Server, soc *api.Socket) *conn {
	return &conn{
		server: s,
		socket: soc,
		logger: s.logger,
		sendCh: make(chan *api.Response, 16),
		done:   make(chan struct{}),
	}
}

func (c *conn) serve(ctx context.Context) {
	go c.sendLoop()
	defer c.requests.Wait()
	defer c.close(nil)

	if err := c.socket.SetPassCred(1); err != nil {
		c.logger.Warn("failed to enable peer credentials", zap.Error(err))
	}
	for {
		req := new(api.Request)
		msg, err := c.socket.RecvMsg(req)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("connection closed", zap.Error(err))
			}
			return
		}
		// no request carries fds
		for _, fd := range msg.Fds {
			unix.Close(fd)
		}
		fields := []zap.Field{zap.Uint64("request", req.ID), zap.String("method", req.Method)}
		if msg.Cred != nil {
			fields = append(fields,
				zap.Int32("peerPid", msg.Cred.Pid),
				zap.Uint32("peerUid", msg.Cred.Uid),
				zap.Uint32("peerGid", msg.Cred.Gid))
		}
		c.logger.Debug("received request", fields...)

		c.requests.Add(1)
		go func() {
			defer c.requests.Done()
			c.send(c.server.handle(ctx, req))
		}()
	}
}

func (c *conn) sendLoop() {
	for {
		select {
		case <-c.done:
			return

		case rep := <-c.sendCh:
			if err := c.socket.SendMsg(rep, unixsocket.Msg{}); err != nil {
				c.close(err)
				return
			}
		}
	}
}

// send queues a reply, it is dropped when the client is gone
func (c *conn) send(rep *api.Response) {
	select {
	case <-c.done:
		c.logger.Warn("dropped reply of closed connection",
			zap.Uint64("request", rep.ID), zap.Error(c.err))

	case c.sendCh <- rep:
	}
}

func (c *conn) close(err error) {
	c.doneOnce.Do(func() {
		if err != nil {
			c.err = errors.Wrap(err, "connection")
		}
		close(c.done)
		c.socket.Close()
	})
}
