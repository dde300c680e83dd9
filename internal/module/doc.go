// Package module is the dispatch engine for periodic work units.
//
// A Module wraps a Worker whose Dispatch method does one unit of work and
// returns how long to wait before the next call. The engine runs in one of
// two modes fixed for the module's lifetime:
//
//   - polled: an application loop (see internal/poll) calls Dispatcher and
//     sleeps for the returned duration;
//   - task-bound: the module owns a task from a taskrt.Runtime whose loop
//     calls Dispatcher and waits for a notification with the returned
//     duration as timeout.
//
// Dispatcher must only be called from one goroutine at a time: the poll
// loop or the module's own task. Suspend, Resume and the accessors are
// safe from any goroutine.
package module
