package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"podforge/internal/config"
)

var (
	// ErrUnavailable wraps infrastructure failures so submitters can retry.
	ErrUnavailable = errors.New("task queue unavailable")
	// ErrNotHeld is returned when a worker acks or extends a lease it does
	// not hold.
	ErrNotHeld = errors.New("task lease not held")
)

// Queue is a durable, at-least-once work-dispatch channel backed by SQLite.
// It owns the Task lifecycle: pending rows are claimed under a time-bounded
// lease, acked on completion, and returned to pending by the reaper when a
// worker disappears.
type Queue struct {
	db       *sql.DB
	path     string
	lease    time.Duration
	poll     time.Duration
	ceilings map[Kind]int
}

// Open initializes or connects to the queue database and applies migrations.
func Open(cfg *config.Config) (*Queue, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.DataDir, "tasks.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	queue := &Queue{
		db:    db,
		path:  dbPath,
		lease: time.Duration(cfg.Queue.LeaseSeconds) * time.Second,
		poll:  time.Duration(cfg.Queue.DequeuePollMillis) * time.Millisecond,
		ceilings: map[Kind]int{
			KindExtract:    cfg.Queue.ExtractConcurrency,
			KindScript:     cfg.Queue.ScriptConcurrency,
			KindSpeech:     cfg.Queue.SpeechConcurrency,
			KindCompose:    cfg.Queue.ComposeConcurrency,
			KindDistribute: cfg.Queue.DistributeConcurrency,
		},
	}
	if queue.poll <= 0 {
		queue.poll = 500 * time.Millisecond
	}
	if err := queue.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return queue, nil
}

// Close closes the underlying database connection.
func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Path returns the database file location.
func (q *Queue) Path() string {
	return q.path
}

// Enqueue durably records a task and returns its identifier.
func (q *Queue) Enqueue(ctx context.Context, task *Task) (string, error) {
	if task == nil {
		return "", fmt.Errorf("%w: task is nil", ErrUnavailable)
	}
	if err := task.Payload.Validate(); err != nil {
		return "", err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}

	payloadJSON, err := json.Marshal(task.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	now := time.Now().UTC()
	_, err = q.db.ExecContext(
		ctx,
		`INSERT INTO tasks (
            id, job_id, tenant_id, kind, payload_json, attempt, state,
            worker_id, lease_expires_at, enqueued_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)`,
		task.ID,
		task.JobID,
		task.TenantID,
		task.Kind,
		string(payloadJSON),
		task.Attempt,
		StatePending,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("%w: insert task: %v", ErrUnavailable, err)
	}
	return task.ID, nil
}

// Dequeue blocks until a task is claimed, wait elapses, or ctx is cancelled.
// It returns at most one task per call and honors the per-kind in-flight
// ceilings so heavy stage kinds cannot starve lightweight ones. Delivery is
// at-least-once: a claimed task whose lease expires comes back.
func (q *Queue) Dequeue(ctx context.Context, workerID string, wait time.Duration) (*Task, error) {
	deadline := time.Now().Add(wait)
	for {
		task, err := q.tryClaim(ctx, workerID)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		if wait >= 0 && time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.poll):
		}
	}
}

func (q *Queue) tryClaim(ctx context.Context, workerID string) (*Task, error) {
	eligible, err := q.kindsWithCapacity(ctx)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(eligible))
	for _, kind := range eligible {
		args = append(args, kind)
	}
	row := q.db.QueryRowContext(
		ctx,
		`SELECT id FROM tasks WHERE state = 'pending' AND kind IN (`+placeholders(len(eligible))+`)
         ORDER BY enqueued_at LIMIT 1`,
		args...,
	)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select pending task: %w", err)
	}

	now := time.Now().UTC()
	leaseUntil := now.Add(q.lease)
	res, err := q.db.ExecContext(
		ctx,
		`UPDATE tasks SET state = ?, worker_id = ?, lease_expires_at = ?, updated_at = ?
         WHERE id = ? AND state = 'pending'`,
		StateLeased,
		workerID,
		leaseUntil.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		// Another worker won the claim; caller loops.
		return nil, nil
	}
	return q.GetByID(ctx, id)
}

func (q *Queue) kindsWithCapacity(ctx context.Context) ([]Kind, error) {
	rows, err := q.db.QueryContext(
		ctx,
		`SELECT kind, COUNT(1) FROM tasks WHERE state = 'leased' GROUP BY kind`,
	)
	if err != nil {
		return nil, fmt.Errorf("count leased tasks: %w", err)
	}
	defer rows.Close()

	inFlight := make(map[Kind]int)
	for rows.Next() {
		var kind Kind
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		inFlight[kind] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var eligible []Kind
	for _, kind := range allKinds {
		ceiling := q.ceilings[kind]
		if ceiling <= 0 {
			ceiling = 1
		}
		if inFlight[kind] < ceiling {
			eligible = append(eligible, kind)
		}
	}
	return eligible, nil
}

// GetByID fetches a task by identifier.
func (q *Queue) GetByID(ctx context.Context, id string) (*Task, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ExtendLease pushes out the lease expiry for a task the worker still holds.
func (q *Queue) ExtendLease(ctx context.Context, id, workerID string) error {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(
		ctx,
		`UPDATE tasks SET lease_expires_at = ?, updated_at = ?
         WHERE id = ? AND worker_id = ? AND state = 'leased'`,
		now.Add(q.lease).Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		id,
		workerID,
	)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotHeld
	}
	return nil
}

// Ack marks a task complete. Only the worker currently holding the lease may
// ack; anything else gets ErrNotHeld.
func (q *Queue) Ack(ctx context.Context, id, workerID string) error {
	res, err := q.db.ExecContext(
		ctx,
		`UPDATE tasks SET state = ?, lease_expires_at = NULL, updated_at = ?
         WHERE id = ? AND worker_id = ? AND state = 'leased'`,
		StateDone,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
		workerID,
	)
	if err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotHeld
	}
	return nil
}

// ReclaimExpired returns tasks whose lease expired without an ack to pending
// for another attempt, up to maxAttempts. Tasks over budget move to dead and
// are returned so the orchestrator can record a permanent failure.
func (q *Queue) ReclaimExpired(ctx context.Context, maxAttempts int) (requeued int64, dead []*Task, err error) {
	now := time.Now().UTC()
	cutoff := now.Format(time.RFC3339Nano)

	res, err := q.db.ExecContext(
		ctx,
		`UPDATE tasks SET state = 'pending', worker_id = NULL, lease_expires_at = NULL,
            attempt = attempt + 1, updated_at = ?
         WHERE state = 'leased' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
           AND attempt < ?`,
		cutoff,
		cutoff,
		maxAttempts,
	)
	if err != nil {
		return 0, nil, fmt.Errorf("requeue expired tasks: %w", err)
	}
	requeued, err = res.RowsAffected()
	if err != nil {
		return 0, nil, fmt.Errorf("rows affected: %w", err)
	}

	rows, err := q.db.QueryContext(
		ctx,
		`SELECT `+taskColumns+` FROM tasks
         WHERE state = 'leased' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
           AND attempt >= ?`,
		cutoff,
		maxAttempts,
	)
	if err != nil {
		return requeued, nil, fmt.Errorf("select exhausted tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		task, scanErr := scanTask(rows)
		if scanErr != nil {
			return requeued, nil, scanErr
		}
		dead = append(dead, task)
	}
	if err := rows.Err(); err != nil {
		return requeued, nil, err
	}

	for _, task := range dead {
		if _, err := q.db.ExecContext(
			ctx,
			`UPDATE tasks SET state = 'dead', worker_id = NULL, lease_expires_at = NULL, updated_at = ?
             WHERE id = ? AND state = 'leased'`,
			cutoff,
			task.ID,
		); err != nil {
			return requeued, dead, fmt.Errorf("mark task dead: %w", err)
		}
		task.State = StateDead
	}
	return requeued, dead, nil
}

// Stats returns a count of tasks grouped by state.
func (q *Queue) Stats(ctx context.Context) (map[State]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[State]int)
	for rows.Next() {
		var state State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

// ClearDone removes completed tasks older than the cutoff.
func (q *Queue) ClearDone(ctx context.Context, before time.Time) (int64, error) {
	res, err := q.db.ExecContext(
		ctx,
		`DELETE FROM tasks WHERE state = 'done' AND updated_at < ?`,
		before.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("clear done tasks: %w", err)
	}
	return res.RowsAffected()
}

const taskColumns = "id, job_id, tenant_id, kind, payload_json, attempt, state, worker_id, lease_expires_at, enqueued_at, updated_at"

func scanTask(scanner interface{ Scan(dest ...any) error }) (*Task, error) {
	var (
		id          string
		jobID       string
		tenantID    string
		kindStr     string
		payloadJSON string
		attempt     int
		stateStr    string
		workerID    sql.NullString
		leaseRaw    sql.NullString
		enqueuedRaw string
		updatedRaw  string
	)
	if err := scanner.Scan(
		&id, &jobID, &tenantID, &kindStr, &payloadJSON, &attempt, &stateStr,
		&workerID, &leaseRaw, &enqueuedRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}

	task := &Task{
		ID:       id,
		JobID:    jobID,
		TenantID: tenantID,
		Kind:     Kind(kindStr),
		Attempt:  attempt,
		State:    State(stateStr),
		WorkerID: workerID.String,
	}
	if err := json.Unmarshal([]byte(payloadJSON), &task.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if leaseRaw.Valid {
		if lease, err := time.Parse(time.RFC3339Nano, leaseRaw.String); err == nil {
			task.LeaseExpiresAt = &lease
		}
	}
	if enqueued, err := time.Parse(time.RFC3339Nano, enqueuedRaw); err == nil {
		task.EnqueuedAt = enqueued
	}
	if updated, err := time.Parse(time.RFC3339Nano, updatedRaw); err == nil {
		task.UpdatedAt = updated
	}
	return task, nil
}

func placeholders(count int) string {
	if count <= 0 {
		return ""
	}
	out := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
