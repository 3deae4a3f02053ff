// Package daemon wires the podforge process together: stores, executors,
// worker pool, progress notifier, and HTTP server, under a single instance
// lock with graceful shutdown.
package daemon
