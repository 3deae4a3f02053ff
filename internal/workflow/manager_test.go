package workflow_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"podforge/internal/jobs"
	"podforge/internal/logging"
	"podforge/internal/services"
	"podforge/internal/stage"
	"podforge/internal/tasks"
	"podforge/internal/testsupport"
	"podforge/internal/workflow"
)

type stubExecutor struct {
	kind tasks.Kind
	run  func(ctx context.Context, job *jobs.Job, payload tasks.Payload, report stage.Report) (stage.Result, error)
}

func (s *stubExecutor) Kind() tasks.Kind { return s.kind }

func (s *stubExecutor) Run(ctx context.Context, job *jobs.Job, payload tasks.Payload, report stage.Report) (stage.Result, error) {
	return s.run(ctx, job, payload, report)
}

// succeedingExecutor advances through the job's configured stage sequence and
// records one artifact per stage.
func succeedingExecutor(kind tasks.Kind) stage.Executor {
	return &stubExecutor{kind: kind, run: func(_ context.Context, job *jobs.Job, _ tasks.Payload, report stage.Report) (stage.Result, error) {
		report(50, "halfway")
		next, _ := job.NextStageAfter(kind.StageFor())
		artifact := jobs.Artifact{Kind: artifactFor(kind), Location: "mem://" + string(kind), CreatedAt: time.Now().UTC()}
		return stage.Result{Artifacts: []jobs.Artifact{artifact}, NextStage: next}, nil
	}}
}

func artifactFor(kind tasks.Kind) jobs.ArtifactKind {
	switch kind {
	case tasks.KindExtract:
		return jobs.ArtifactContent
	case tasks.KindScript:
		return jobs.ArtifactTranscript
	case tasks.KindSpeech:
		return jobs.ArtifactAudio
	case tasks.KindCompose:
		return jobs.ArtifactComposed
	default:
		return jobs.ArtifactPublished
	}
}

func allSucceeding() []stage.Executor {
	execs := make([]stage.Executor, 0, len(tasks.AllKinds()))
	for _, kind := range tasks.AllKinds() {
		execs = append(execs, succeedingExecutor(kind))
	}
	return execs
}

func startManager(t *testing.T, f *fixture, executors []stage.Executor) {
	t.Helper()
	manager := workflow.NewManager(f.queue, f.orch, executors, f.cfg, logging.NewNop())
	manager.Start(context.Background())
	t.Cleanup(manager.Stop)
}

func waitForStage(t *testing.T, f *fixture, jobID string, want jobs.Stage) *jobs.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := f.store.Snapshot(context.Background(), "tenant-a", jobID)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if job.Stage == want {
			return job
		}
		if job.Stage.Terminal() && !want.Terminal() {
			t.Fatalf("job reached %s (error %q) while waiting for %s", job.Stage, job.ErrorMessage, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for stage %s", want)
	return nil
}

func TestWorkerPoolRunsJobToCompletion(t *testing.T) {
	f := newFixture(t)
	startManager(t, f, allSucceeding())

	job := f.createJob(t, jobs.Options{})
	if _, err := f.orch.Submit(context.Background(), testsupport.Access("tenant-a", "user-1"), job.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := waitForStage(t, f, job.ID, jobs.StageComplete)
	if done.Progress != 100 {
		t.Errorf("complete job should report 100%%, got %d", done.Progress)
	}
	if done.TaskRef != "" {
		t.Errorf("complete job should not be bound to a task, got %q", done.TaskRef)
	}

	// Base pipeline: content, transcript, audio.
	kinds := map[jobs.ArtifactKind]bool{}
	for _, artifact := range done.Artifacts {
		kinds[artifact.Kind] = true
	}
	for _, want := range []jobs.ArtifactKind{jobs.ArtifactContent, jobs.ArtifactTranscript, jobs.ArtifactAudio} {
		if !kinds[want] {
			t.Errorf("missing %s artifact", want)
		}
	}
	if kinds[jobs.ArtifactComposed] || kinds[jobs.ArtifactPublished] {
		t.Error("plain job must not compose or distribute")
	}
}

func TestWorkerPoolHonorsComposeAndDistributeBranch(t *testing.T) {
	f := newFixture(t)
	startManager(t, f, allSucceeding())

	job := f.createJob(t, jobs.Options{
		Compose:           true,
		ComposePreset:     "interview",
		DistributeTargets: []string{"rss", "archive"},
	})
	if _, err := f.orch.Submit(context.Background(), testsupport.Access("tenant-a", "user-1"), job.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := waitForStage(t, f, job.ID, jobs.StageComplete)
	kinds := map[jobs.ArtifactKind]bool{}
	for _, artifact := range done.Artifacts {
		kinds[artifact.Kind] = true
	}
	if !kinds[jobs.ArtifactComposed] {
		t.Error("compose option should produce a composed artifact")
	}
	if !kinds[jobs.ArtifactPublished] {
		t.Error("distribute targets should produce a published artifact")
	}
}

func TestWorkerPoolRetriesTransientFailure(t *testing.T) {
	f := newFixture(t)

	var scriptCalls atomic.Int32
	executors := []stage.Executor{
		succeedingExecutor(tasks.KindExtract),
		&stubExecutor{kind: tasks.KindScript, run: func(_ context.Context, job *jobs.Job, _ tasks.Payload, _ stage.Report) (stage.Result, error) {
			if scriptCalls.Add(1) == 1 {
				return stage.Result{}, services.Wrap(services.ErrTransient, "script", "run", "flaky upstream", nil)
			}
			next, _ := job.NextStageAfter(jobs.StageGenerating)
			return stage.Result{NextStage: next}, nil
		}},
		succeedingExecutor(tasks.KindSpeech),
	}
	startManager(t, f, executors)

	job := f.createJob(t, jobs.Options{})
	if _, err := f.orch.Submit(context.Background(), testsupport.Access("tenant-a", "user-1"), job.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitForStage(t, f, job.ID, jobs.StageComplete)
	if calls := scriptCalls.Load(); calls != 2 {
		t.Errorf("expected 2 script attempts, got %d", calls)
	}
}

func TestWorkerPoolFailsJobAfterAttemptBudget(t *testing.T) {
	f := newFixture(t, testsupport.WithMaxAttempts(2))

	var calls atomic.Int32
	executors := []stage.Executor{
		&stubExecutor{kind: tasks.KindExtract, run: func(context.Context, *jobs.Job, tasks.Payload, stage.Report) (stage.Result, error) {
			calls.Add(1)
			return stage.Result{}, services.Wrap(services.ErrTransient, "extract", "run", "still down", nil)
		}},
	}
	startManager(t, f, executors)

	job := f.createJob(t, jobs.Options{})
	if _, err := f.orch.Submit(context.Background(), testsupport.Access("tenant-a", "user-1"), job.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	failed := waitForStage(t, f, job.ID, jobs.StageFailed)
	if failed.ErrorMessage == "" {
		t.Error("failed job must record the cause")
	}
	if calls.Load() != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", calls.Load())
	}
}

func TestWorkerPoolDoesNotRetryValidationFailure(t *testing.T) {
	f := newFixture(t)

	var calls atomic.Int32
	executors := []stage.Executor{
		&stubExecutor{kind: tasks.KindExtract, run: func(context.Context, *jobs.Job, tasks.Payload, stage.Report) (stage.Result, error) {
			calls.Add(1)
			return stage.Result{}, services.Wrap(services.ErrValidation, "extract", "run", "source rejected", nil)
		}},
	}
	startManager(t, f, executors)

	job := f.createJob(t, jobs.Options{})
	if _, err := f.orch.Submit(context.Background(), testsupport.Access("tenant-a", "user-1"), job.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitForStage(t, f, job.ID, jobs.StageFailed)
	if calls.Load() != 1 {
		t.Errorf("validation failure must not retry, got %d attempts", calls.Load())
	}
}

func TestWorkerPoolRecoversFromExecutorPanic(t *testing.T) {
	f := newFixture(t, testsupport.WithMaxAttempts(1))

	executors := []stage.Executor{
		&stubExecutor{kind: tasks.KindExtract, run: func(context.Context, *jobs.Job, tasks.Payload, stage.Report) (stage.Result, error) {
			panic("executor bug")
		}},
	}
	startManager(t, f, executors)

	job := f.createJob(t, jobs.Options{})
	if _, err := f.orch.Submit(context.Background(), testsupport.Access("tenant-a", "user-1"), job.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	failed := waitForStage(t, f, job.ID, jobs.StageFailed)
	if failed.ErrorMessage == "" {
		t.Error("panic should surface as a recorded failure")
	}
}

func TestProgressReportsFlowToJob(t *testing.T) {
	f := newFixture(t)

	progressSeen := make(chan struct{})
	var once atomic.Bool
	executors := []stage.Executor{
		&stubExecutor{kind: tasks.KindExtract, run: func(_ context.Context, job *jobs.Job, _ tasks.Payload, report stage.Report) (stage.Result, error) {
			report(40, "pulling sources")
			// Give the assertion a chance to observe mid-stage progress.
			if once.CompareAndSwap(false, true) {
				close(progressSeen)
				time.Sleep(300 * time.Millisecond)
			}
			next, _ := job.NextStageAfter(jobs.StageExtracting)
			return stage.Result{NextStage: next}, nil
		}},
		succeedingExecutor(tasks.KindScript),
		succeedingExecutor(tasks.KindSpeech),
	}
	startManager(t, f, executors)

	job := f.createJob(t, jobs.Options{})
	if _, err := f.orch.Submit(context.Background(), testsupport.Access("tenant-a", "user-1"), job.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case <-progressSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never ran")
	}
	snapshot, err := f.store.Snapshot(context.Background(), "tenant-a", job.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.Progress != 40 || snapshot.ProgressMessage != "pulling sources" {
		t.Errorf("mid-stage progress not recorded: %d %q", snapshot.Progress, snapshot.ProgressMessage)
	}

	waitForStage(t, f, job.ID, jobs.StageComplete)
}

func TestExpiredLeaseIsRedelivered(t *testing.T) {
	f := newFixture(t, testsupport.WithLeaseSeconds(1))
	f.cfg.Workflow.HeartbeatSeconds = 3600

	var calls atomic.Int32
	release := make(chan struct{})
	executors := []stage.Executor{
		&stubExecutor{kind: tasks.KindExtract, run: func(ctx context.Context, job *jobs.Job, _ tasks.Payload, _ stage.Report) (stage.Result, error) {
			if calls.Add(1) == 1 {
				// First delivery hangs past its lease without heartbeating.
				<-release
				return stage.Result{}, errors.New("abandoned")
			}
			next, _ := job.NextStageAfter(jobs.StageExtracting)
			return stage.Result{NextStage: next}, nil
		}},
		succeedingExecutor(tasks.KindScript),
		succeedingExecutor(tasks.KindSpeech),
	}
	startManager(t, f, executors)
	defer close(release)

	job := f.createJob(t, jobs.Options{})
	if _, err := f.orch.Submit(context.Background(), testsupport.Access("tenant-a", "user-1"), job.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitForStage(t, f, job.ID, jobs.StageComplete)
	if calls.Load() < 2 {
		t.Errorf("expected redelivery after lease expiry, got %d calls", calls.Load())
	}
}
