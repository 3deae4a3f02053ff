// Package tasks is the durable work-dispatch channel between job submission
// and stage execution.
//
// Tasks survive process restarts, are claimed under time-bounded leases, and
// come back for another attempt when a worker disappears, so delivery is
// at-least-once; the jobs store's optimistic transition check is what makes
// duplicate delivery safe. Dequeue enforces per-kind concurrency ceilings so
// slow audio work cannot starve lightweight distribution tasks.
package tasks
