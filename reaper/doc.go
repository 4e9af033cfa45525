// Package reaper supervises every child and grandchild process of the
// monitor and delivers their exit status.
//
// # Overview
//
// The monitor marks itself as child subreaper, so that the container
// entrypoint (forked by the runtime binary) is reparented to it once the
// runtime exits. A single loop driven by SIGCHLD collects every exited child
// with wait4(-1, WNOHANG) and dispatches the status:
//
//   - direct children created by CreateChild complete their Process handle;
//   - grandchildren registered by WatchGrandchild have their exit status
//     written to every exit path, exactly once;
//   - anything else is kept as an orphan exit for a retention window, so that
//     a registration racing with an early exit still observes it.
//
// wait4 and the table updates happen under one mutex, registration checks
// run under the same mutex, exit files are written without holding it.
package reaper
