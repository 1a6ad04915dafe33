// Package supervisor owns the lifecycle of a single external backend process.
//
// A Supervisor tracks zero or one child processes. Start spawns the backend and
// records its handle; Stop takes the handle and issues one kill request without
// waiting for the child to exit. Stop has no error channel: a failed kill is
// logged and otherwise ignored so that host shutdown always proceeds.
//
// On Unix the child is placed in its own process group and Stop signals the whole
// group, so helper processes started by the backend are terminated with it. On
// Windows only the direct child is killed; any grandchildren it started must be
// cleaned up by the caller.
package supervisor
