package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"podforge/internal/config"
	"podforge/internal/identity"
)

// Store manages job persistence backed by SQLite. It is the single source of
// truth for job state; every read and write is constrained by tenant_id at
// the SQL layer, regardless of what callers pass in.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the jobs database and applies migrations.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.DataDir, "jobs.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// NewJob describes a job to create.
type NewJob struct {
	Title   string
	Inputs  []Input
	Options Options
}

// Create inserts a job in draft for the caller's tenant.
func (s *Store) Create(ctx context.Context, actx identity.AccessContext, params NewJob) (*Job, error) {
	for _, input := range params.Inputs {
		if err := input.Validate(); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		TenantID:  actx.TenantID,
		CreatedBy: actx.PrincipalID,
		Title:     strings.TrimSpace(params.Title),
		Stage:     StageDraft,
		Inputs:    params.Inputs,
		Options:   params.Options,
		CreatedAt: now,
		UpdatedAt: now,
	}

	inputsJSON, optionsJSON, artifactsJSON, err := encodeJSONColumns(job)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (
            id, tenant_id, created_by, title, stage, progress, progress_message,
            task_ref, error_message, inputs_json, options_json, artifacts_json,
            created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, 0, NULL, NULL, NULL, ?, ?, ?, ?, ?)`,
		job.ID,
		job.TenantID,
		job.CreatedBy,
		nullableString(job.Title),
		job.Stage,
		inputsJSON,
		optionsJSON,
		artifactsJSON,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// Get fetches a job by identifier within the caller's tenant. Jobs owned by
// other tenants surface ErrNotFound.
func (s *Store) Get(ctx context.Context, actx identity.AccessContext, id string) (*Job, error) {
	return s.Snapshot(ctx, actx.TenantID, id)
}

// Snapshot fetches a job scoped to an explicit tenant. The orchestration path
// uses this with the tenant recorded on the dispatched task; the HTTP
// boundary goes through Get with a resolved AccessContext.
func (s *Store) Snapshot(ctx context.Context, tenantID, id string) (*Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ? AND tenant_id = ?`,
		id, tenantID,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Filter narrows List results.
type Filter struct {
	Stages []Stage
}

// Page controls List pagination.
type Page struct {
	Limit  int
	Offset int
}

// PageResult is one page of jobs plus the tenant-wide total for the filter.
type PageResult struct {
	Jobs   []*Job
	Total  int
	Limit  int
	Offset int
}

// List returns the caller's jobs, newest first.
func (s *Store) List(ctx context.Context, actx identity.AccessContext, filter Filter, page Page) (*PageResult, error) {
	if page.Limit <= 0 || page.Limit > 200 {
		page.Limit = 50
	}
	if page.Offset < 0 {
		page.Offset = 0
	}

	where := `WHERE tenant_id = ?`
	args := []any{actx.TenantID}
	if len(filter.Stages) > 0 {
		where += ` AND stage IN (` + placeholders(len(filter.Stages)) + `)`
		for _, stage := range filter.Stages {
			args = append(args, stage)
		}
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs ` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &PageResult{Jobs: out, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

// Stats returns a tenant-scoped count of jobs grouped by stage.
func (s *Store) Stats(ctx context.Context, actx identity.AccessContext) (map[Stage]int, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT stage, COUNT(1) FROM jobs WHERE tenant_id = ? GROUP BY stage`,
		actx.TenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Stage]int)
	for rows.Next() {
		var stage Stage
		var count int
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, err
		}
		stats[stage] = count
	}
	return stats, rows.Err()
}

// UpdateDraftInputs replaces the input list of a job still in draft.
func (s *Store) UpdateDraftInputs(ctx context.Context, actx identity.AccessContext, id string, inputs []Input) (*Job, error) {
	for _, input := range inputs {
		if err := input.Validate(); err != nil {
			return nil, err
		}
	}
	inputsJSON, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("marshal inputs: %w", err)
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET inputs_json = ?, updated_at = ?
         WHERE id = ? AND tenant_id = ? AND stage = ?`,
		string(inputsJSON),
		time.Now().UTC().Format(time.RFC3339Nano),
		id, actx.TenantID, StageDraft,
	)
	if err != nil {
		return nil, fmt.Errorf("update inputs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		job, getErr := s.Snapshot(ctx, actx.TenantID, id)
		if getErr != nil {
			return nil, getErr
		}
		if job.Stage != StageDraft {
			return nil, ErrImmutableInputs
		}
		return nil, ErrConflict
	}
	return s.Snapshot(ctx, actx.TenantID, id)
}

// Transition describes one optimistic stage mutation. ExpectStage and
// ExpectTaskRef must match the job's current row or the transition fails with
// ErrConflict; this check totally orders stage transitions per job and makes
// duplicate completion signals safe no-ops.
type Transition struct {
	JobID    string
	TenantID string

	ExpectStage   Stage
	ExpectTaskRef string

	ToStage         Stage
	TaskRef         string
	ErrorMessage    string
	ProgressMessage string
	Artifacts       []Artifact
	ClearArtifacts  bool
}

// Apply performs the optimistic transition and returns the resulting job.
// Progress resets to 0 on every stage change, except that entering complete
// pins it to 100.
func (s *Store) Apply(ctx context.Context, tr Transition) (*Job, error) {
	current, err := s.Snapshot(ctx, tr.TenantID, tr.JobID)
	if err != nil {
		return nil, err
	}
	if current.Stage != tr.ExpectStage || current.TaskRef != tr.ExpectTaskRef {
		return nil, ErrConflict
	}

	artifacts := current.Artifacts
	if tr.ClearArtifacts {
		artifacts = nil
	}
	if len(tr.Artifacts) > 0 {
		artifacts = append(append([]Artifact{}, artifacts...), tr.Artifacts...)
	}
	artifactsJSON, err := json.Marshal(ensureArtifacts(artifacts))
	if err != nil {
		return nil, fmt.Errorf("marshal artifacts: %w", err)
	}

	progress := 0
	if tr.ToStage == StageComplete {
		progress = 100
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
         SET stage = ?, task_ref = ?, error_message = ?, progress = ?,
             progress_message = ?, artifacts_json = ?, updated_at = ?
         WHERE id = ? AND tenant_id = ? AND stage = ? AND COALESCE(task_ref, '') = ?`,
		tr.ToStage,
		nullableString(tr.TaskRef),
		nullableString(tr.ErrorMessage),
		progress,
		nullableString(tr.ProgressMessage),
		string(artifactsJSON),
		now.Format(time.RFC3339Nano),
		tr.JobID,
		tr.TenantID,
		tr.ExpectStage,
		tr.ExpectTaskRef,
	)
	if err != nil {
		return nil, fmt.Errorf("apply transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		// Lost the race between the snapshot read and the guarded update.
		return nil, ErrConflict
	}
	return s.Snapshot(ctx, tr.TenantID, tr.JobID)
}

// UpdateProgress records executor progress for the job currently bound to
// taskRef. Progress is monotonic within a stage: regressions and reports for
// stale task refs are dropped without error. The bool reports whether the
// write applied.
func (s *Store) UpdateProgress(ctx context.Context, tenantID, jobID, taskRef string, percent int, message string) (bool, error) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET progress = ?, progress_message = ?, updated_at = ?
         WHERE id = ? AND tenant_id = ? AND task_ref = ? AND progress <= ?`,
		percent,
		nullableString(message),
		time.Now().UTC().Format(time.RFC3339Nano),
		jobID,
		tenantID,
		taskRef,
		percent,
	)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

const jobColumns = "id, tenant_id, created_by, title, stage, progress, progress_message, task_ref, error_message, inputs_json, options_json, artifacts_json, created_at, updated_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id            string
		tenantID      string
		createdBy     string
		title         sql.NullString
		stageStr      string
		progress      int
		progressMsg   sql.NullString
		taskRef       sql.NullString
		errorMessage  sql.NullString
		inputsJSON    string
		optionsJSON   string
		artifactsJSON string
		createdRaw    string
		updatedRaw    string
	)

	if err := scanner.Scan(
		&id, &tenantID, &createdBy, &title, &stageStr, &progress, &progressMsg,
		&taskRef, &errorMessage, &inputsJSON, &optionsJSON, &artifactsJSON,
		&createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:              id,
		TenantID:        tenantID,
		CreatedBy:       createdBy,
		Title:           title.String,
		Stage:           Stage(stageStr),
		Progress:        progress,
		ProgressMessage: progressMsg.String,
		TaskRef:         taskRef.String,
		ErrorMessage:    errorMessage.String,
	}
	if err := json.Unmarshal([]byte(inputsJSON), &job.Inputs); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(optionsJSON), &job.Options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	if err := json.Unmarshal([]byte(artifactsJSON), &job.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	if created, err := time.Parse(time.RFC3339Nano, createdRaw); err == nil {
		job.CreatedAt = created
	}
	if updated, err := time.Parse(time.RFC3339Nano, updatedRaw); err == nil {
		job.UpdatedAt = updated
	}
	return job, nil
}

func encodeJSONColumns(job *Job) (inputs, options, artifacts string, err error) {
	inputsRaw, err := json.Marshal(ensureInputs(job.Inputs))
	if err != nil {
		return "", "", "", fmt.Errorf("marshal inputs: %w", err)
	}
	optionsRaw, err := json.Marshal(job.Options)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal options: %w", err)
	}
	artifactsRaw, err := json.Marshal(ensureArtifacts(job.Artifacts))
	if err != nil {
		return "", "", "", fmt.Errorf("marshal artifacts: %w", err)
	}
	return string(inputsRaw), string(optionsRaw), string(artifactsRaw), nil
}

func ensureInputs(inputs []Input) []Input {
	if inputs == nil {
		return []Input{}
	}
	return inputs
}

func ensureArtifacts(artifacts []Artifact) []Artifact {
	if artifacts == nil {
		return []Artifact{}
	}
	return artifacts
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
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
