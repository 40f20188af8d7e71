// Package watch turns filesystem activity into restart requests.
//
// # Overview
//
// A Watcher produces raw Events for a directory tree. Two implementations
// exist behind the same interface:
//
//   - NativeWatcher: OS notifications through fsnotify, registered recursively
//   - PollWatcher: periodic walks comparing modification times, used when
//     native notifications are unavailable or disabled
//
// New selects one of them once at startup.
//
// The Detector consumes Events, drops paths the RuleSet ignores, applies the
// Debouncer's cooldown and pushes at most one pending Request into a
// single-slot channel. The supervisor drains that channel, so restarts never
// overlap and bursts collapse into one restart.
//
// # Debounce
//
// The cooldown is leading-edge: the first qualifying event fires immediately
// and later events are discarded until the window measured from that accepted
// event has elapsed. Editors that write a file in several syscalls therefore
// cause a single restart.
package watch
