// Package server implements the monitor RPC server: the process wide state
// of supervised containers and the handlers of every api method.
package server

import (
	"context"
	"net"
	"sync"

	"github.com/criyle/go-conmon/api"
	"github.com/criyle/go-conmon/config"
	"github.com/criyle/go-conmon/pkg/unixsocket"
	"github.com/criyle/go-conmon/reaper"
	"github.com/criyle/go-conmon/runtimeargs"
	"github.com/pkg/errors"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// Options configures a Server
type Options struct {
	Config config.Configuration
	Reaper *reaper.ChildReaper
	Logger *zap.Logger
	Scope  tally.Scope
}

type serverMetrics struct {
	createSuccess tally.Counter
	createErrors  tally.Counter
	children      tally.Gauge
	connections   tally.Gauge
}

func newServerMetrics(scope tally.Scope) serverMetrics {
	return serverMetrics{
		createSuccess: scope.Counter("create-container.success"),
		createErrors:  scope.Counter("create-container.errors"),
		children:      scope.Gauge("children"),
		connections:   scope.Gauge("open-connections"),
	}
}

// Server holds the monitor state for the process lifetime
type Server struct {
	config   config.Configuration
	reaper   *reaper.ChildReaper
	args     *runtimeargs.Generator
	children *Children
	logger   *zap.Logger
	metrics  serverMetrics

	mu    sync.Mutex
	conns map[*conn]struct{}
	wg    sync.WaitGroup

	// output relays of pipe mode containers
	drains sync.WaitGroup
}

// New creates a Server sharing the given reaper
func New(opts Options) (*Server, error) {
	if opts.Reaper == nil {
		return nil, errors.New("server: reaper is required")
	}
	if opts.Config.Runtime == "" {
		return nil, errors.New("server: runtime is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Scope == nil {
		opts.Scope = tally.NoopScope
	}
	return &Server{
		config: opts.Config,
		reaper: opts.Reaper,
		args: &runtimeargs.Generator{
			Root:       opts.Config.RuntimeRoot,
			GlobalArgs: opts.Config.RuntimeArgs,
		},
		children: NewChildren(),
		logger:   opts.Logger,
		metrics:  newServerMetrics(opts.Scope),
		conns:    make(map[*conn]struct{}),
	}, nil
}

// Children returns the table of supervised containers
func (s *Server) Children() *Children {
	return s.children
}

// ListenAndServe listens on the configured socket and serves until ctx is
// done
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := unixsocket.Listen(s.config.Socket)
	if err != nil {
		return errors.Wrapf(err, "server: listen %s", s.config.Socket)
	}
	return s.Serve(ctx, l)
}

// Serve accepts connections on l until ctx is done. Requests run on ctx,
// not on their connection, so a client disconnect does not abort a request
// already in flight. Serve returns after every request finished and every
// container output relay stopped.
func (s *Server) Serve(ctx context.Context, l *unixsocket.Listener) error {
	s.logger.Info("serving", zap.String("socket", l.Addr().String()))
	stop := context.AfterFunc(ctx, func() {
		l.Close()
	})
	defer stop()
	defer s.shutdown()

	for {
		soc, err := l.AcceptSocket()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "server: accept")
		}
		c := newConn(s, api.NewSocket(soc))
		s.addConn(c)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.removeConn(c)
			c.serve(ctx)
		}()
	}
}

func (s *Server) addConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
	s.metrics.connections.Update(float64(len(s.conns)))
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	s.metrics.connections.Update(float64(len(s.conns)))
}

func (s *Server) shutdown() {
	s.mu.Lock()
	for c := range s.conns {
		c.close(nil)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.drains.Wait()
}
