// Package jobs persists generation jobs in SQLite and exposes the optimistic
// transition primitive the orchestrator drives the stage machine with.
//
// Every query filters by tenant_id inside the store itself, so a caller that
// forgets to scope a read still cannot cross the tenant boundary; cross-tenant
// access surfaces ErrNotFound rather than a distinct forbidden error. Apply is
// the only way stage and task_ref change, and it is guarded by an
// expected-state check that turns racing or duplicate completion signals into
// ErrConflict instead of silent overwrites.
package jobs
