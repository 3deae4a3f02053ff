package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"podforge/internal/config"
	"podforge/internal/identity"
	"podforge/internal/jobs"
	"podforge/internal/logging"
	"podforge/internal/services"
	"podforge/internal/stage"
	"podforge/internal/tasks"
)

var (
	// ErrNoInputs is returned when a job is submitted without any content
	// sources.
	ErrNoInputs = errors.New("job has no content sources")

	// ErrNotRegenerable is returned when regenerate targets a job that is not
	// in a terminal stage.
	ErrNotRegenerable = errors.New("job is not in a terminal stage")

	// errStaleTask marks a completion or failure signal whose task no longer
	// matches the job's bound task ref. Stale signals are dropped.
	errStaleTask = errors.New("stale task signal")
)

// Orchestrator is the single writer of job state. Every stage transition,
// retry decision, and failure record goes through here; workers and the HTTP
// surface never touch the job store's Apply directly.
type Orchestrator struct {
	store  *jobs.Store
	queue  *tasks.Queue
	cfg    *config.Config
	logger *slog.Logger
}

// NewOrchestrator wires the orchestrator over its stores.
func NewOrchestrator(store *jobs.Store, queue *tasks.Queue, cfg *config.Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:  store,
		queue:  queue,
		cfg:    cfg,
		logger: logger.With(logging.String(logging.FieldComponent, "orchestrator")),
	}
}

// Submit moves a draft (or previously failed) job into queued and enqueues
// its extraction task. A second submit of the same job observes the stage
// guard and gets jobs.ErrConflict.
func (o *Orchestrator) Submit(ctx context.Context, actx identity.AccessContext, jobID string) (*jobs.Job, error) {
	job, err := o.store.Get(ctx, actx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Stage != jobs.StageDraft && job.Stage != jobs.StageFailed {
		return nil, jobs.ErrConflict
	}
	if len(job.Inputs) == 0 {
		return nil, ErrNoInputs
	}

	taskID := uuid.NewString()
	queued, err := o.store.Apply(ctx, jobs.Transition{
		JobID:           job.ID,
		TenantID:        job.TenantID,
		ExpectStage:     job.Stage,
		ExpectTaskRef:   job.TaskRef,
		ToStage:         jobs.StageQueued,
		TaskRef:         taskID,
		ProgressMessage: "Waiting for a worker",
	})
	if err != nil {
		return nil, err
	}

	task := &tasks.Task{
		ID:       taskID,
		JobID:    job.ID,
		TenantID: job.TenantID,
		Kind:     tasks.KindExtract,
		Payload: tasks.Payload{
			Kind:    tasks.KindExtract,
			Extract: &tasks.ExtractPayload{Inputs: job.Inputs},
		},
	}
	if _, err := o.enqueueWithRetry(ctx, task); err != nil {
		// Undo the queued transition so the submit can be retried once the
		// queue recovers.
		if _, rbErr := o.store.Apply(ctx, jobs.Transition{
			JobID:         job.ID,
			TenantID:      job.TenantID,
			ExpectStage:   jobs.StageQueued,
			ExpectTaskRef: taskID,
			ToStage:       job.Stage,
			TaskRef:       job.TaskRef,
		}); rbErr != nil {
			o.logger.ErrorContext(ctx, "rollback after enqueue failure",
				logging.String(logging.FieldJobID, job.ID), logging.Error(rbErr))
		}
		return nil, err
	}

	o.logger.InfoContext(ctx, "job submitted",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldTenantID, job.TenantID),
		logging.String(logging.FieldTaskID, taskID))
	return queued, nil
}

// Regenerate resets a terminal job back to draft, clearing progress and any
// recorded error. Inputs, options, and recorded artifacts survive the reset;
// artifacts are discarded only when the caller asks for it.
func (o *Orchestrator) Regenerate(ctx context.Context, actx identity.AccessContext, jobID string, clearArtifacts bool) (*jobs.Job, error) {
	job, err := o.store.Get(ctx, actx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Stage.Terminal() {
		return nil, ErrNotRegenerable
	}

	reset, err := o.store.Apply(ctx, jobs.Transition{
		JobID:          job.ID,
		TenantID:       job.TenantID,
		ExpectStage:    job.Stage,
		ExpectTaskRef:  job.TaskRef,
		ToStage:        jobs.StageDraft,
		ClearArtifacts: clearArtifacts,
	})
	if err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "job reset for regeneration",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldTenantID, job.TenantID))
	return reset, nil
}

// Begin binds a dequeued task to its running stage and returns the job
// snapshot the executor runs against. Extraction tasks move the job from
// queued into extracting; later kinds find the job already in their stage.
// A task whose ref no longer matches the job reports stale=true and must be
// acked without running.
func (o *Orchestrator) Begin(ctx context.Context, task *tasks.Task) (job *jobs.Job, stale bool, err error) {
	job, err = o.store.Snapshot(ctx, task.TenantID, task.JobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return nil, true, nil
		}
		return nil, false, err
	}
	if job.TaskRef != task.ID {
		return nil, true, nil
	}

	running := task.Kind.StageFor()
	if job.Stage == running {
		return job, false, nil
	}
	if job.Stage != jobs.StageQueued || task.Kind != tasks.KindExtract {
		return nil, true, nil
	}

	job, err = o.applyWithRetry(ctx, jobs.Transition{
		JobID:           job.ID,
		TenantID:        job.TenantID,
		ExpectStage:     jobs.StageQueued,
		ExpectTaskRef:   task.ID,
		ToStage:         running,
		TaskRef:         task.ID,
		ProgressMessage: stage.Label(running),
	})
	if errors.Is(err, errStaleTask) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return job, false, nil
}

// ReportProgress records executor progress for the job bound to the task.
// Stale and regressive reports are dropped by the store.
func (o *Orchestrator) ReportProgress(ctx context.Context, task *tasks.Task, percent int, message string) {
	applied, err := o.store.UpdateProgress(ctx, task.TenantID, task.JobID, task.ID, percent, message)
	if err != nil {
		o.logger.WarnContext(ctx, "progress update failed",
			logging.String(logging.FieldJobID, task.JobID),
			logging.String(logging.FieldTaskID, task.ID),
			logging.Error(err))
		return
	}
	if !applied {
		o.logger.DebugContext(ctx, "progress update dropped",
			logging.String(logging.FieldJobID, task.JobID),
			logging.String(logging.FieldTaskID, task.ID),
			logging.Int("percent", percent))
	}
}

// OnStageComplete advances the job past a finished stage: either to complete
// or into the next running stage with a freshly enqueued task. Duplicate
// completion signals for the same task lose the task_ref guard and become
// no-ops.
func (o *Orchestrator) OnStageComplete(ctx context.Context, task *tasks.Task, result stage.Result) error {
	job, err := o.store.Snapshot(ctx, task.TenantID, task.JobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return nil
		}
		return err
	}
	running := task.Kind.StageFor()
	if job.Stage != running || job.TaskRef != task.ID {
		o.logger.InfoContext(ctx, "dropping stale completion",
			logging.String(logging.FieldJobID, task.JobID),
			logging.String(logging.FieldTaskID, task.ID),
			logging.String(logging.FieldStage, string(job.Stage)))
		return nil
	}

	next := result.NextStage
	if next == "" {
		next = jobs.StageComplete
	}

	if next == jobs.StageComplete {
		_, err := o.applyWithRetry(ctx, jobs.Transition{
			JobID:           job.ID,
			TenantID:        job.TenantID,
			ExpectStage:     running,
			ExpectTaskRef:   task.ID,
			ToStage:         jobs.StageComplete,
			ProgressMessage: "Complete",
			Artifacts:       result.Artifacts,
		})
		if errors.Is(err, errStaleTask) {
			return nil
		}
		if err == nil {
			o.logger.InfoContext(ctx, "job complete",
				logging.String(logging.FieldJobID, job.ID),
				logging.String(logging.FieldTenantID, job.TenantID))
		}
		return err
	}

	nextTaskID := uuid.NewString()
	advanced, err := o.applyWithRetry(ctx, jobs.Transition{
		JobID:           job.ID,
		TenantID:        job.TenantID,
		ExpectStage:     running,
		ExpectTaskRef:   task.ID,
		ToStage:         next,
		TaskRef:         nextTaskID,
		ProgressMessage: stage.Label(next),
		Artifacts:       result.Artifacts,
	})
	if errors.Is(err, errStaleTask) {
		return nil
	}
	if err != nil {
		return err
	}

	nextTask, err := o.taskForStage(advanced, next, nextTaskID)
	if err != nil {
		return o.failJob(ctx, advanced, nextTaskID, err.Error())
	}
	if _, err := o.enqueueWithRetry(ctx, nextTask); err != nil {
		// The job is already bound to a task that never made it into the
		// queue; record a permanent failure rather than strand it.
		return o.failJob(ctx, advanced, nextTaskID, fmt.Sprintf("enqueue %s task: %v", nextTask.Kind, err))
	}

	o.logger.InfoContext(ctx, "stage advanced",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldStage, string(next)),
		logging.String(logging.FieldTaskID, nextTaskID))
	return nil
}

// OnStageFailed records a stage failure. Retryable failures under the attempt
// budget re-enqueue the same kind as a fresh task; everything else moves the
// job to failed with the cause.
func (o *Orchestrator) OnStageFailed(ctx context.Context, task *tasks.Task, cause error, permanent bool) error {
	job, err := o.store.Snapshot(ctx, task.TenantID, task.JobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return nil
		}
		return err
	}
	running := task.Kind.StageFor()
	if (job.Stage != running && job.Stage != jobs.StageQueued) || job.TaskRef != task.ID {
		o.logger.InfoContext(ctx, "dropping stale failure",
			logging.String(logging.FieldJobID, task.JobID),
			logging.String(logging.FieldTaskID, task.ID))
		return nil
	}

	retryable := !permanent && services.Retryable(cause)
	if retryable && task.Attempt < o.cfg.Queue.MaxAttempts {
		retryID := uuid.NewString()
		_, err := o.applyWithRetry(ctx, jobs.Transition{
			JobID:           job.ID,
			TenantID:        job.TenantID,
			ExpectStage:     job.Stage,
			ExpectTaskRef:   task.ID,
			ToStage:         job.Stage,
			TaskRef:         retryID,
			ProgressMessage: fmt.Sprintf("Retrying (attempt %d of %d)", task.Attempt+1, o.cfg.Queue.MaxAttempts),
		})
		if errors.Is(err, errStaleTask) {
			return nil
		}
		if err != nil {
			return err
		}

		retry := &tasks.Task{
			ID:       retryID,
			JobID:    task.JobID,
			TenantID: task.TenantID,
			Kind:     task.Kind,
			Payload:  task.Payload,
			Attempt:  task.Attempt + 1,
		}
		if _, err := o.enqueueWithRetry(ctx, retry); err != nil {
			return o.failJob(ctx, job, retryID, fmt.Sprintf("enqueue retry: %v", err))
		}
		o.logger.WarnContext(ctx, "stage retry scheduled",
			logging.String(logging.FieldJobID, job.ID),
			logging.String(logging.FieldStage, string(running)),
			logging.Int(logging.FieldAttempt, task.Attempt+1),
			logging.Error(cause))
		return nil
	}

	return o.failJob(ctx, job, task.ID, cause.Error())
}

func (o *Orchestrator) failJob(ctx context.Context, job *jobs.Job, expectTaskRef, message string) error {
	_, err := o.applyWithRetry(ctx, jobs.Transition{
		JobID:         job.ID,
		TenantID:      job.TenantID,
		ExpectStage:   job.Stage,
		ExpectTaskRef: expectTaskRef,
		ToStage:       jobs.StageFailed,
		ErrorMessage:  message,
	})
	if errors.Is(err, errStaleTask) {
		return nil
	}
	if err == nil {
		o.logger.ErrorContext(ctx, "job failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.String(logging.FieldTenantID, job.TenantID),
			logging.String("cause", message))
	}
	return err
}

// applyWithRetry retries transitions that lose the snapshot-to-update race
// while the expectation still holds. Once a fresh snapshot shows the job has
// moved on, the signal is stale and the caller drops it.
func (o *Orchestrator) applyWithRetry(ctx context.Context, tr jobs.Transition) (*jobs.Job, error) {
	retries := o.cfg.Workflow.ConflictRetries
	if retries < 0 {
		retries = 0
	}
	for attempt := 0; ; attempt++ {
		job, err := o.store.Apply(ctx, tr)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, jobs.ErrConflict) {
			return nil, err
		}

		current, snapErr := o.store.Snapshot(ctx, tr.TenantID, tr.JobID)
		if snapErr != nil {
			return nil, snapErr
		}
		if current.Stage != tr.ExpectStage || current.TaskRef != tr.ExpectTaskRef {
			return nil, errStaleTask
		}
		if attempt >= retries {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
}

func (o *Orchestrator) enqueueWithRetry(ctx context.Context, task *tasks.Task) (string, error) {
	base := time.Duration(o.cfg.Workflow.SubmitRetryBaseMilli) * time.Millisecond
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		id, err := o.queue.Enqueue(ctx, task)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !errors.Is(err, tasks.ErrUnavailable) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(base << attempt):
		}
	}
	return "", lastErr
}

// taskForStage builds the queued task feeding the given running stage,
// deriving payload refs from the job's deterministic artifact layout.
func (o *Orchestrator) taskForStage(job *jobs.Job, running jobs.Stage, taskID string) (*tasks.Task, error) {
	kind, ok := tasks.KindForStage(running)
	if !ok {
		return nil, fmt.Errorf("stage %q has no task kind", running)
	}

	payload := tasks.Payload{Kind: kind}
	switch kind {
	case tasks.KindExtract:
		payload.Extract = &tasks.ExtractPayload{Inputs: job.Inputs}
	case tasks.KindScript:
		payload.Script = &tasks.ScriptPayload{
			ContentRef: stage.ContentKey(job.ID),
			Longform:   job.Options.Longform,
		}
	case tasks.KindSpeech:
		payload.Speech = &tasks.SpeechPayload{TranscriptRef: stage.TranscriptKey(job.ID)}
	case tasks.KindCompose:
		payload.Compose = &tasks.ComposePayload{
			AudioRef: stage.AudioKey(job.ID),
			Preset:   job.Options.ComposePreset,
		}
	case tasks.KindDistribute:
		audioRef := stage.AudioKey(job.ID)
		if job.Options.Compose {
			audioRef = stage.ComposedKey(job.ID)
		}
		payload.Distribute = &tasks.DistributePayload{
			AudioRef: audioRef,
			Targets:  job.Options.DistributeTargets,
		}
	}

	return &tasks.Task{
		ID:       taskID,
		JobID:    job.ID,
		TenantID: job.TenantID,
		Kind:     kind,
		Payload:  payload,
	}, nil
}
