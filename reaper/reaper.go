package reaper

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultOrphanRetention is how long the exit status of an unknown child is
// kept for a late registration
const DefaultOrphanRetention = time.Minute

// Options configures a ChildReaper
type Options struct {
	Logger *zap.Logger
	Scope  tally.Scope

	// OrphanRetention bounds how long an exit of an unregistered pid is
	// kept, it protects against pid reuse
	OrphanRetention time.Duration
}

type watchState int8

const (
	watchRunning watchState = iota + 1
	watchDelivered
)

type watch struct {
	child *Child
	state watchState
}

type orphanExit struct {
	status ExitStatus
	at     time.Time
}

// delivery is an exit status to be written after the lock was released
type delivery struct {
	child  *Child
	status ExitStatus
}

type reaperMetrics struct {
	reaped         tally.Counter
	orphans        tally.Counter
	exitFileErrors tally.Counter
	watched        tally.Gauge
}

func newReaperMetrics(scope tally.Scope) reaperMetrics {
	scope = scope.SubScope("reaper")
	return reaperMetrics{
		reaped:         scope.Counter("reaped"),
		orphans:        scope.Counter("orphans"),
		exitFileErrors: scope.Counter("exit-files.errors"),
		watched:        scope.Gauge("watched"),
	}
}

// ChildReaper is the single authority spawning and reaping child processes
type ChildReaper struct {
	logger    *zap.Logger
	metrics   reaperMetrics
	retention time.Duration
	now       func() time.Time

	mu        sync.Mutex
	processes map[int]*Process
	watches   map[int]*watch
	orphans   map[int]orphanExit

	signals chan os.Signal
}

// New creates a ChildReaper, call Start and Run to begin reaping
func New(opts Options) *ChildReaper {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Scope == nil {
		opts.Scope = tally.NoopScope
	}
	if opts.OrphanRetention <= 0 {
		opts.OrphanRetention = DefaultOrphanRetention
	}
	return &ChildReaper{
		logger:    opts.Logger,
		metrics:   newReaperMetrics(opts.Scope),
		retention: opts.OrphanRetention,
		now:       time.Now,
		processes: make(map[int]*Process),
		watches:   make(map[int]*watch),
		orphans:   make(map[int]orphanExit),
		signals:   make(chan os.Signal, 32),
	}
}

// Start marks the monitor as child subreaper and subscribes to SIGCHLD
func (r *ChildReaper) Start() error {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return errors.Wrap(err, "reaper: set child subreaper")
	}
	signal.Notify(r.signals, unix.SIGCHLD)
	return nil
}

// Run reaps exited children on every SIGCHLD until ctx is done
func (r *ChildReaper) Run(ctx context.Context) error {
	defer signal.Stop(r.signals)

	// children may have exited before Start
	r.reapAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.signals:
			r.reapAll()
		}
	}
}

// CreateChild starts the binary at path. The returned process is reaped by
// the reaper, never by the caller.
func (r *ChildReaper) CreateChild(path string, args []string, attr ProcessAttr) (*Process, error) {
	cmd := &exec.Cmd{
		Path: path,
		Args: append([]string{path}, args...),
		Env:  attr.Env,
		Dir:  attr.Dir,
		SysProcAttr: &syscall.SysProcAttr{
			Setsid:  true,
			Setctty: attr.Terminal,
		},
	}
	if attr.Stdio != nil {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = attr.Stdio.Files()
	}

	// the table is locked across fork so an immediate exit cannot be
	// dispatched before the process is known
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "reaper: start %s", path)
	}
	p := &Process{
		pid:    cmd.Process.Pid,
		exited: make(chan struct{}),
	}
	r.processes[p.pid] = p
	// exec.Cmd.Wait is never called, the pid is reaped by wait4(-1)
	cmd.Process.Release()

	r.logger.Debug("created child", zap.String("path", path), zap.Strings("args", args), zap.Int("pid", p.pid))
	return p, nil
}

// WatchGrandchild registers child for supervision. Its exit status is
// written to every exit path once the pid terminated and was reaped. A pid
// that already exited since the last retention window is delivered
// immediately.
func (r *ChildReaper) WatchGrandchild(child *Child) error {
	if child == nil || child.PID <= 0 {
		return errors.New("reaper: invalid child pid")
	}

	r.mu.Lock()
	if w, ok := r.watches[child.PID]; ok && w.state == watchRunning {
		r.mu.Unlock()
		return errors.Errorf("reaper: pid %d already watched for %s", child.PID, w.child.ID)
	}
	if _, ok := r.processes[child.PID]; ok {
		r.mu.Unlock()
		return errors.Errorf("reaper: pid %d is a direct child, not a grandchild", child.PID)
	}

	if o, ok := r.orphans[child.PID]; ok {
		delete(r.orphans, child.PID)
		if r.now().Sub(o.at) <= r.retention {
			r.watches[child.PID] = &watch{child: child, state: watchDelivered}
			r.mu.Unlock()

			r.logger.Info("watched pid already exited",
				zap.String("id", child.ID), zap.Int("pid", child.PID))
			r.deliver(delivery{child: child, status: o.status})
			return nil
		}
	}

	// wait4(-1) only ever returns children of this process, a pid that
	// never reparented to the monitor would never be delivered
	if err := reapable(child.PID); err != nil {
		r.mu.Unlock()
		return errors.Wrapf(err, "reaper: pid %d is not a child of the monitor", child.PID)
	}
	r.watches[child.PID] = &watch{child: child, state: watchRunning}
	r.metrics.watched.Update(float64(r.runningWatchesLocked()))
	r.mu.Unlock()

	r.logger.Debug("watching grandchild", zap.String("id", child.ID), zap.Int("pid", child.PID))
	return nil
}

// Unwatch drops the registration of a running pid
func (r *ChildReaper) Unwatch(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.watches[pid]
	if !ok || w.state != watchRunning {
		return false
	}
	delete(r.watches, pid)
	r.metrics.watched.Update(float64(r.runningWatchesLocked()))
	return true
}

// Discard drops the registration of a running pid and kills it, the exit is
// then reaped without being delivered
func (r *ChildReaper) Discard(pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.watches[pid]
	if !ok || w.state != watchRunning {
		return nil
	}
	delete(r.watches, pid)
	r.metrics.watched.Update(float64(r.runningWatchesLocked()))
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return errors.Wrapf(err, "reaper: kill %d", pid)
	}
	return nil
}

// Kill sends sig to a running direct child or watched grandchild. The pid
// cannot be reaped (and reused) while the signal is sent.
func (r *ChildReaper) Kill(pid int, sig unix.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	known := false
	if _, ok := r.processes[pid]; ok {
		known = true
	}
	if w, ok := r.watches[pid]; ok && w.state == watchRunning {
		known = true
	}
	if !known {
		return errors.Errorf("reaper: pid %d is not running under supervision", pid)
	}
	return unix.Kill(pid, sig)
}

// KillGroup sends sig to the process group led by p. Processes are started
// as session leaders, so the group holds every descendant that did not
// create a session of its own, even after p exited.
func (r *ChildReaper) KillGroup(p *Process, sig unix.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := unix.Kill(-p.pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return errors.Wrapf(err, "reaper: kill group %d", p.pid)
	}
	return nil
}

// KillUnwatched sends sig to a pid that is a child of the monitor but not
// under supervision, like a container entrypoint whose creation failed.
// A pid that is not a child of the monitor is left alone.
func (r *ChildReaper) KillUnwatched(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return errors.Errorf("reaper: invalid pid %d", pid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.watches[pid]; ok && w.state == watchRunning {
		return errors.Errorf("reaper: pid %d is watched for %s", pid, w.child.ID)
	}
	if err := reapable(pid); err != nil {
		return nil
	}
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return errors.Wrapf(err, "reaper: kill %d", pid)
	}
	return nil
}

// reapable checks that pid is a child of this process not yet reaped,
// zombies included. It must be called with the lock held, so that the
// pid is not reaped meanwhile.
func reapable(pid int) error {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOHANG|unix.WNOWAIT, nil)
		if err != unix.EINTR {
			return err
		}
	}
}

// reapAll collects every exited child without blocking. Children are reaped
// before they are registered as well, so no zombie is left behind; their
// status is kept as orphan exit for the retention window.
func (r *ChildReaper) reapAll() {
	var deliveries []delivery

	r.mu.Lock()
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err == unix.ECHILD || (err == nil && pid <= 0) {
			break
		}
		if err != nil {
			r.logger.Warn("wait4 failed", zap.Error(err))
			break
		}
		if !ws.Exited() && !ws.Signaled() {
			continue
		}
		r.metrics.reaped.Inc(1)
		if d, ok := r.dispatchLocked(newExitStatus(pid, ws)); ok {
			deliveries = append(deliveries, d)
		}
	}
	r.mu.Unlock()

	for _, d := range deliveries {
		r.deliver(d)
	}
}

// dispatchLocked routes an exit status, it returns a delivery when exit
// files need to be written. A status is only delivered once per watch.
func (r *ChildReaper) dispatchLocked(s ExitStatus) (delivery, bool) {
	if p, ok := r.processes[s.PID]; ok {
		delete(r.processes, s.PID)
		p.finish(s)
		r.logger.Debug("child exited", zap.Stringer("status", s))
		return delivery{}, false
	}

	if w, ok := r.watches[s.PID]; ok {
		if w.state != watchRunning {
			r.logger.Debug("ignored duplicated exit", zap.Stringer("status", s))
			return delivery{}, false
		}
		w.state = watchDelivered
		r.metrics.watched.Update(float64(r.runningWatchesLocked()))
		return delivery{child: w.child, status: s}, true
	}

	r.pruneOrphansLocked()
	r.orphans[s.PID] = orphanExit{status: s, at: r.now()}
	r.metrics.orphans.Inc(1)
	r.logger.Debug("reaped unregistered child", zap.Stringer("status", s))
	return delivery{}, false
}

func (r *ChildReaper) pruneOrphansLocked() {
	now := r.now()
	for pid, o := range r.orphans {
		if now.Sub(o.at) > r.retention {
			delete(r.orphans, pid)
		}
	}
}

func (r *ChildReaper) runningWatchesLocked() int {
	n := 0
	for _, w := range r.watches {
		if w.state == watchRunning {
			n++
		}
	}
	return n
}

// deliver writes the exit files of a child. A failed write is logged and
// dropped, the other paths are still written.
func (r *ChildReaper) deliver(d delivery) {
	logger := r.logger.With(zap.String("id", d.child.ID), zap.Int("pid", d.child.PID))
	for _, p := range d.child.ExitPaths {
		if err := writeExitFile(p, d.status); err != nil {
			r.metrics.exitFileErrors.Inc(1)
			logger.Error("failed to write exit file", zap.String("path", p), zap.Error(err))
		}
	}
	d.child.setExited(d.status)
	logger.Info("container exited", zap.Int("exitCode", d.status.ExitCode()), zap.Stringer("status", d.status))
}
