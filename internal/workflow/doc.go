// Package workflow drives jobs through their stage sequence. The
// Orchestrator is the single writer of job state, applying optimistic
// transitions and deciding retries; the Manager owns the worker pool that
// executes stage tasks and the reaper that recovers expired leases.
package workflow
