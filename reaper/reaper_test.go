package reaper

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"golang.org/x/sys/unix"
)

const waitTimeout = 10 * time.Second

func waitProcess(t *testing.T, p *Process) ExitStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	s, err := p.Wait(ctx)
	require.NoError(t, err)
	return s
}

func waitChild(t *testing.T, c *Child) ExitStatus {
	t.Helper()
	select {
	case <-c.Exited():
	case <-time.After(waitTimeout):
		t.Fatalf("child %s (pid %d) did not exit", c.ID, c.PID)
	}
	s, ok := c.ExitStatus()
	require.True(t, ok)
	return s
}

// spawnGrandchild runs a shell that forks script in background, writes its
// pid and exits, like a container runtime does
func spawnGrandchild(t *testing.T, script string) int {
	t.Helper()
	pidfile := filepath.Join(t.TempDir(), "pidfile")
	p, err := testReaper.CreateChild("/bin/sh", []string{"-c",
		"(" + script + ") >/dev/null 2>&1 & echo $! > " + pidfile}, ProcessAttr{})
	require.NoError(t, err)
	require.True(t, waitProcess(t, p).Success())

	b, err := os.ReadFile(pidfile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	require.NoError(t, err)
	return pid
}

func readExitFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestCreateChildExitStatus(t *testing.T) {
	p, err := testReaper.CreateChild("/bin/sh", []string{"-c", "exit 7"}, ProcessAttr{})
	require.NoError(t, err)
	assert.Greater(t, p.Pid(), 0)

	s := waitProcess(t, p)
	assert.Equal(t, p.Pid(), s.PID)
	assert.Equal(t, 7, s.ExitCode())
	assert.False(t, s.Success())
}

func TestCreateChildNotExists(t *testing.T) {
	_, err := testReaper.CreateChild("/not/exists", nil, ProcessAttr{})
	assert.Error(t, err)
}

func TestWatchGrandchildWritesExitPaths(t *testing.T) {
	dir := t.TempDir()
	pid := spawnGrandchild(t, "sleep 0.3")

	paths := []string{filepath.Join(dir, "exit1"), filepath.Join(dir, "exit2")}
	c := NewChild("c1", pid, paths)
	require.NoError(t, testReaper.WatchGrandchild(c))

	s := waitChild(t, c)
	assert.Equal(t, 0, s.ExitCode())
	for _, p := range paths {
		assert.Equal(t, "0", readExitFile(t, p))
	}
}

func TestWatchGrandchildAlreadyExited(t *testing.T) {
	dir := t.TempDir()
	pid := spawnGrandchild(t, "sleep 0.1; exit 3")

	// let the grandchild exit and be reaped before it is registered
	time.Sleep(time.Second)

	exitPath := filepath.Join(dir, "exit")
	c := NewChild("early", pid, []string{exitPath})
	require.NoError(t, testReaper.WatchGrandchild(c))

	s := waitChild(t, c)
	assert.Equal(t, 3, s.ExitCode())
	assert.Equal(t, "3", readExitFile(t, exitPath))
}

func TestWatchGrandchildSignaled(t *testing.T) {
	exitPath := filepath.Join(t.TempDir(), "exit")
	pid := spawnGrandchild(t, "exec sleep 30")

	c := NewChild("killed", pid, []string{exitPath})
	require.NoError(t, testReaper.WatchGrandchild(c))
	require.NoError(t, testReaper.Kill(pid, unix.SIGKILL))

	s := waitChild(t, c)
	assert.Equal(t, unix.SIGKILL, s.Signal)
	assert.Equal(t, "137", readExitFile(t, exitPath))

	// no longer under supervision
	assert.Error(t, testReaper.Kill(pid, unix.SIGKILL))
}

func TestWatchGrandchildTwice(t *testing.T) {
	pid := spawnGrandchild(t, "exec sleep 30")
	c := NewChild("first", pid, nil)
	require.NoError(t, testReaper.WatchGrandchild(c))
	assert.Error(t, testReaper.WatchGrandchild(NewChild("second", pid, nil)))

	require.NoError(t, testReaper.Kill(pid, unix.SIGKILL))
	waitChild(t, c)
}

func TestWatchGrandchildUnknownPid(t *testing.T) {
	// above the kernel pid_max limit
	err := testReaper.WatchGrandchild(NewChild("ghost", 1<<30, nil))
	assert.Error(t, err)
	assert.Error(t, testReaper.WatchGrandchild(NewChild("zero", 0, nil)))
}

func TestUnwatch(t *testing.T) {
	exitPath := filepath.Join(t.TempDir(), "exit")
	pid := spawnGrandchild(t, "exec sleep 30")

	c := NewChild("unwatched", pid, []string{exitPath})
	require.NoError(t, testReaper.WatchGrandchild(c))
	assert.True(t, testReaper.Unwatch(pid))
	assert.False(t, testReaper.Unwatch(pid))
	assert.Error(t, testReaper.Kill(pid, unix.SIGKILL))

	require.NoError(t, unix.Kill(pid, unix.SIGKILL))
	time.Sleep(500 * time.Millisecond)
	_, err := os.Stat(exitPath)
	assert.True(t, os.IsNotExist(err))
	_, ok := c.ExitStatus()
	assert.False(t, ok)
}

func TestDiscard(t *testing.T) {
	exitPath := filepath.Join(t.TempDir(), "exit")
	pid := spawnGrandchild(t, "exec sleep 30")

	c := NewChild("discarded", pid, []string{exitPath})
	require.NoError(t, testReaper.WatchGrandchild(c))
	require.NoError(t, testReaper.Discard(pid))
	assert.NoError(t, testReaper.Discard(pid))

	// killed and reaped, but never delivered
	require.Eventually(t, func() bool {
		return unix.Kill(pid, 0) != nil
	}, waitTimeout, 50*time.Millisecond)
	_, err := os.Stat(exitPath)
	assert.True(t, os.IsNotExist(err))
}

func TestDispatchDeliversOnce(t *testing.T) {
	scope := tally.NewTestScope("", nil)
	r := New(Options{Scope: scope})
	exitPath := filepath.Join(t.TempDir(), "exit")
	c := NewChild("dup", 4242, []string{exitPath})
	r.watches[c.PID] = &watch{child: c, state: watchRunning}

	status := ExitStatus{PID: 4242}
	r.mu.Lock()
	d, ok := r.dispatchLocked(status)
	_, again := r.dispatchLocked(status)
	r.mu.Unlock()
	require.True(t, ok)
	assert.False(t, again)
	assert.Empty(t, r.orphans)

	r.deliver(d)
	assert.Equal(t, "0", readExitFile(t, exitPath))
	s, ok := c.ExitStatus()
	require.True(t, ok)
	assert.Equal(t, 4242, s.PID)

	// a duplicate delivery never rewrites the exit file
	require.NoError(t, os.Remove(exitPath))
	r.mu.Lock()
	_, again = r.dispatchLocked(status)
	r.mu.Unlock()
	assert.False(t, again)
	_, err := os.Stat(exitPath)
	assert.True(t, os.IsNotExist(err))
}

func TestOrphanRetention(t *testing.T) {
	r := New(Options{OrphanRetention: time.Minute})
	now := time.Now()
	r.now = func() time.Time { return now }

	r.mu.Lock()
	r.dispatchLocked(ExitStatus{PID: 1 << 30, Code: 1})
	r.mu.Unlock()
	require.Contains(t, r.orphans, 1<<30)

	// stale exits are not delivered to a reused pid
	now = now.Add(2 * time.Minute)
	assert.Error(t, r.WatchGrandchild(NewChild("late", 1<<30, nil)))
	assert.NotContains(t, r.orphans, 1<<30)
}

func TestOrphanDeliveredOnRegistration(t *testing.T) {
	r := New(Options{})
	exitPath := filepath.Join(t.TempDir(), "exit")

	r.mu.Lock()
	r.dispatchLocked(ExitStatus{PID: 1 << 30, Signal: unix.SIGTERM})
	r.mu.Unlock()

	c := NewChild("orphan", 1<<30, []string{exitPath})
	require.NoError(t, r.WatchGrandchild(c))
	s, ok := c.ExitStatus()
	require.True(t, ok)
	assert.Equal(t, 143, s.ExitCode())
	assert.Equal(t, "143", readExitFile(t, exitPath))
	assert.False(t, r.Unwatch(c.PID))
}

func TestExitFileWriteFailureDoesNotStopOthers(t *testing.T) {
	r := New(Options{})
	dir := t.TempDir()
	good := filepath.Join(dir, "exit")
	c := NewChild("partial", 4243, []string{filepath.Join(dir, "missing", "exit"), good})

	r.deliver(delivery{child: c, status: ExitStatus{PID: 4243, Code: 1}})
	assert.Equal(t, "1", readExitFile(t, good))
	_, ok := c.ExitStatus()
	assert.True(t, ok)
}

func TestWatchGrandchildNotAChild(t *testing.T) {
	// alive, but wait4 of this process never returns it
	ppid := os.Getppid()
	require.NoError(t, unix.Kill(ppid, 0))

	exitPath := filepath.Join(t.TempDir(), "exit")
	err := testReaper.WatchGrandchild(NewChild("foreign", ppid, []string{exitPath}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a child")
	assert.False(t, testReaper.Unwatch(ppid))
}

func TestKillGroup(t *testing.T) {
	pidfile := filepath.Join(t.TempDir(), "pidfile")
	// the forked sleep stays in the group of the shell after the shell exits
	p, err := testReaper.CreateChild("/bin/sh", []string{"-c",
		"sleep 30 >/dev/null 2>&1 & echo $! > " + pidfile}, ProcessAttr{})
	require.NoError(t, err)
	require.True(t, waitProcess(t, p).Success())

	b, err := os.ReadFile(pidfile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	require.NoError(t, err)
	require.NoError(t, unix.Kill(pid, 0))

	require.NoError(t, testReaper.KillGroup(p, unix.SIGKILL))
	require.Eventually(t, func() bool {
		return unix.Kill(pid, 0) == unix.ESRCH
	}, waitTimeout, 20*time.Millisecond)

	// an empty group is not an error
	assert.NoError(t, testReaper.KillGroup(p, unix.SIGKILL))
}

func TestKillUnwatched(t *testing.T) {
	pid := spawnGrandchild(t, "exec sleep 30")
	require.NoError(t, testReaper.KillUnwatched(pid, unix.SIGKILL))
	require.Eventually(t, func() bool {
		return unix.Kill(pid, 0) == unix.ESRCH
	}, waitTimeout, 20*time.Millisecond)

	// gone, and never a child
	assert.NoError(t, testReaper.KillUnwatched(pid, unix.SIGKILL))
	ppid := os.Getppid()
	assert.NoError(t, testReaper.KillUnwatched(ppid, 0))
	assert.Error(t, testReaper.KillUnwatched(0, unix.SIGKILL))

	// watched pids belong to their container
	watched := spawnGrandchild(t, "exec sleep 30")
	c := NewChild("watched", watched, nil)
	require.NoError(t, testReaper.WatchGrandchild(c))
	assert.Error(t, testReaper.KillUnwatched(watched, unix.SIGKILL))
	require.NoError(t, testReaper.Discard(watched))
}
