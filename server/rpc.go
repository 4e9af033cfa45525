package server

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/criyle/go-conmon/api"
	"github.com/criyle/go-conmon/console"
	"github.com/criyle/go-conmon/iostreams"
	"github.com/criyle/go-conmon/reaper"
	"github.com/criyle/go-conmon/runtimeargs"
	"github.com/criyle/go-conmon/version"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
	"golang.org/x/sys/unix"
)

const pidFileName = "pidfile"

// runtimeKillTimeout bounds the wait for a killed runtime to be reaped
const runtimeKillTimeout = time.Second

// ioResource is the stdio of the runtime process, either a console or pipes
type ioResource interface {
	reaper.Stdio
	CloseChildEnds() error
	Close() error
}

func (s *Server) handle(ctx context.Context, req *api.Request) *api.Response {
	rep := &api.Response{ID: req.ID}
	switch req.Method {
	case api.MethodVersion:
		s.logger.Debug("got a version request")
		rep.Version = s.Version()

	case api.MethodCreateContainer:
		r, err := s.CreateContainer(ctx, req.CreateContainer)
		if err != nil {
			rep.Error = &api.ErrorReply{Msg: err.Error()}
			break
		}
		rep.CreateContainer = r

	default:
		rep.Error = &api.ErrorReply{Msg: "unknown method: " + req.Method}
	}
	return rep
}

// Version returns the build metadata of the monitor
func (s *Server) Version() *api.VersionResponse {
	v := version.Get()
	return &api.VersionResponse{
		Version:   v.Version,
		Tag:       v.Tag,
		Commit:    v.Commit,
		BuildDate: v.BuildDate,
		GoVersion: v.GoVersion,
	}
}

// CreateContainer spawns the runtime for req, resolves the container
// entrypoint pid from the pidfile and supervises it. Any failure aborts the
// remaining steps and runs the cleanups of the committed ones in reverse.
func (s *Server) CreateContainer(ctx context.Context, req *api.CreateContainerRequest) (_ *api.CreateContainerResponse, err error) {
	if req == nil {
		return nil, errors.New("create container: no parameter provided")
	}
	logger := s.logger.With(zap.String("id", req.ID))
	logger.Debug("got a create container request",
		zap.Bool("terminal", req.Terminal),
		zap.String("bundle", req.BundlePath),
		zap.Strings("exitPaths", req.ExitPaths))

	var undo cleanups
	defer func() {
		if err == nil {
			s.metrics.createSuccess.Inc(1)
			return
		}
		s.metrics.createErrors.Inc(1)
		if cerr := undo.run(); cerr != nil {
			logger.Warn("cleanup after failed create", zap.Error(cerr))
		}
		logger.Info("create container failed", zap.Error(err))
	}()

	if err := s.validate(req); err != nil {
		return nil, err
	}
	if err = s.children.Reserve(req.ID); err != nil {
		return nil, errors.Wrap(err, "create container")
	}
	undo.push("release id", func() error {
		s.children.Release(req.ID)
		return nil
	})

	// allocate io
	var (
		io      ioResource
		cons    *console.Console
		streams *iostreams.IOStreams
		outputs []*zapio.Writer
	)
	if req.Terminal {
		if cons, err = console.New(s.config.ConsoleDir, logger); err != nil {
			return nil, errors.Wrap(err, "create container: allocate console")
		}
		io = cons
	} else {
		if streams, err = iostreams.New(); err != nil {
			return nil, errors.Wrap(err, "create container: allocate streams")
		}
		outputs = []*zapio.Writer{
			{Log: logger.With(zap.String("stream", "stdout")), Level: zap.InfoLevel},
			{Log: logger.With(zap.String("stream", "stderr")), Level: zap.WarnLevel},
		}
		if err = streams.Start(outputs[0], outputs[1]); err != nil {
			streams.Close()
			return nil, errors.Wrap(err, "create container: start streams")
		}
		io = streams
	}
	undo.push("close io", io.Close)

	pidFile := filepath.Join(req.BundlePath, pidFileName)
	logger.Debug("resolved pidfile", zap.String("pidfile", pidFile))
	// a stale pidfile would be taken for the pid of this container
	if err = os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "create container: remove stale pidfile")
	}

	args, err := s.args.Generate(runtimeargs.Params{
		ID:         req.ID,
		BundlePath: req.BundlePath,
		PidFile:    pidFile,
		Terminal:   req.Terminal,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create container: runtime args")
	}

	proc, err := s.reaper.CreateChild(s.config.Runtime, args, reaper.ProcessAttr{
		Stdio:    io,
		Terminal: req.Terminal,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create container: spawn runtime")
	}
	undo.push("kill runtime", func() error {
		return s.killRuntime(proc, pidFile)
	})
	if cerr := io.CloseChildEnds(); cerr != nil {
		logger.Warn("failed to close child stdio", zap.Error(cerr))
	}

	if cons != nil {
		if err = s.waitConsole(ctx, cons, proc); err != nil {
			return nil, errors.Wrap(err, "create container: wait for console socket connection")
		}
	}

	rctx, cancel := context.WithTimeout(ctx, s.config.RuntimeTimeout)
	status, err := proc.Wait(rctx)
	cancel()
	if err != nil {
		return nil, errors.Wrap(err, "create container: wait for runtime")
	}
	logger.Debug("runtime exited", zap.Stringer("status", status))
	if !status.Success() {
		return nil, errors.Wrap(&runtimeError{status: status}, "create container")
	}

	pid, err := readPidFile(pidFile)
	if err != nil {
		return nil, errors.Wrap(err, "create container")
	}

	child := reaper.NewChild(req.ID, pid, req.ExitPaths)
	if err = s.reaper.WatchGrandchild(child); err != nil {
		return nil, errors.Wrap(err, "create container: watch grandchild")
	}
	undo.push("discard grandchild", func() error {
		return s.reaper.Discard(pid)
	})

	if err = s.children.Add(child); err != nil {
		return nil, errors.Wrap(err, "create container")
	}
	s.metrics.children.Update(float64(s.children.Len()))

	if cons != nil {
		// the terminal client holds the master now
		if cerr := cons.Close(); cerr != nil {
			logger.Warn("failed to close console", zap.Error(cerr))
		}
	} else {
		// pipes live as long as the container
		s.drains.Add(1)
		go func() {
			defer s.drains.Done()
			s.drainStreams(ctx, logger, child, streams, outputs)
		}()
	}

	logger.Info("created container", zap.Int("pid", pid))
	return &api.CreateContainerResponse{ContainerPID: uint32(pid)}, nil
}

func (s *Server) validate(req *api.CreateContainerRequest) error {
	if req.ID == "" {
		return errors.New("create container: empty container id")
	}
	if req.BundlePath == "" {
		return errors.New("create container: empty bundle path")
	}
	fi, err := os.Stat(req.BundlePath)
	if err != nil {
		return errors.Wrap(err, "create container: bundle")
	}
	if !fi.IsDir() {
		return errors.Errorf("create container: bundle %s is not a directory", req.BundlePath)
	}
	for _, p := range req.ExitPaths {
		if p == "" {
			return errors.New("create container: empty exit path")
		}
	}
	return nil
}

// runtimeError is a runtime process that did not exit successfully
type runtimeError struct {
	status reaper.ExitStatus
}

func (e *runtimeError) Error() string {
	return "runtime failed: " + e.status.String()
}

// waitConsole waits for the console peer, bounded by the console timeout.
// A runtime that fails before a peer connected aborts the wait.
func (s *Server) waitConsole(ctx context.Context, cons *console.Console, proc *reaper.Process) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	ctx, cancelTimeout := context.WithTimeout(ctx, s.config.ConsoleTimeout)
	defer cancelTimeout()

	go func() {
		select {
		case <-proc.Done():
			if status, _ := proc.Status(); !status.Success() {
				cancel(&runtimeError{status: status})
			}
		case <-ctx.Done():
		}
	}()

	err := cons.WaitConnected(ctx)
	var rerr *runtimeError
	if err != nil && errors.As(context.Cause(ctx), &rerr) {
		return rerr
	}
	return err
}

// killRuntime kills the process group of the runtime and the container
// entrypoint it may have forked into a session of its own
func (s *Server) killRuntime(proc *reaper.Process, pidFile string) error {
	var result *multierror.Error
	if err := s.reaper.KillGroup(proc, unix.SIGKILL); err != nil {
		result = multierror.Append(result, err)
	}
	// descendants reparent to the monitor once the runtime was reaped
	select {
	case <-proc.Done():
	case <-time.After(runtimeKillTimeout):
	}
	if pid, err := readPidFile(pidFile); err == nil {
		if err := s.reaper.KillUnwatched(pid, unix.SIGKILL); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// drainStreams relays container output until the container exited and its
// pipes are drained, or the server stops
func (s *Server) drainStreams(ctx context.Context, logger *zap.Logger, child *reaper.Child, streams *iostreams.IOStreams, outputs []*zapio.Writer) {
	select {
	case <-child.Exited():
	case <-ctx.Done():
	}

	drained := make(chan error, 1)
	go func() {
		drained <- streams.Wait()
	}()
	var err error
	select {
	case err = <-drained:
	case <-ctx.Done():
		// a descendant may hold the output open, closing unblocks the relays
		streams.Close()
		<-drained
	}
	if err != nil {
		logger.Warn("container output relay failed", zap.Error(err))
	}
	for _, w := range outputs {
		w.Close()
	}
	if err := streams.Close(); err != nil {
		logger.Warn("failed to close container streams", zap.Error(err))
	}
}

// readPidFile reads the pid written by the runtime, a missing or malformed
// file is a hard failure
func readPidFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrap(err, "read pidfile")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, errors.Wrapf(err, "parse pidfile %s", path)
	}
	if pid <= 0 {
		return 0, errors.Errorf("parse pidfile %s: invalid pid %d", path, pid)
	}
	return pid, nil
}
