// Package progress streams job state changes to watchers by polling the job
// store, with an optional Redis snapshot cache in front of it.
package progress
