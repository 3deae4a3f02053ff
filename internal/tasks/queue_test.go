package tasks_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"podforge/internal/config"
	"podforge/internal/jobs"
	"podforge/internal/tasks"
	"podforge/internal/testsupport"
)

func extractTask(jobID string) *tasks.Task {
	return &tasks.Task{
		JobID:    jobID,
		TenantID: "tenant-a",
		Kind:     tasks.KindExtract,
		Payload: tasks.Payload{
			Kind:    tasks.KindExtract,
			Extract: &tasks.ExtractPayload{Inputs: []jobs.Input{{Kind: jobs.InputURL, Value: "https://example.com"}}},
		},
	}
}

func TestEnqueueDequeueAck(t *testing.T) {
	queue := testsupport.MustOpenQueue(t, testsupport.NewConfig(t))
	ctx := context.Background()

	id, err := queue.Enqueue(ctx, extractTask("job-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	task, err := queue.Dequeue(ctx, "worker-1", time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if task == nil || task.ID != id {
		t.Fatalf("expected task %s, got %+v", id, task)
	}
	if task.State != tasks.StateLeased || task.WorkerID != "worker-1" {
		t.Errorf("claim did not lease: %+v", task)
	}
	if task.Attempt != 1 {
		t.Errorf("first delivery should be attempt 1, got %d", task.Attempt)
	}
	if task.Payload.Extract == nil || len(task.Payload.Extract.Inputs) != 1 {
		t.Errorf("payload not round-tripped: %+v", task.Payload)
	}

	if err := queue.Ack(ctx, task.ID, "worker-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	stats, err := queue.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[tasks.StateDone] != 1 {
		t.Errorf("expected one done task, got %+v", stats)
	}
}

func TestEnqueueRejectsMismatchedPayload(t *testing.T) {
	queue := testsupport.MustOpenQueue(t, testsupport.NewConfig(t))

	_, err := queue.Enqueue(context.Background(), &tasks.Task{
		JobID:    "job-1",
		TenantID: "tenant-a",
		Kind:     tasks.KindSpeech,
		Payload: tasks.Payload{
			Kind:    tasks.KindSpeech,
			Extract: &tasks.ExtractPayload{},
		},
	})
	if err == nil {
		t.Fatal("payload variant mismatch must be rejected")
	}
}

func TestDequeueIsOldestFirst(t *testing.T) {
	queue := testsupport.MustOpenQueue(t, testsupport.NewConfig(t))
	ctx := context.Background()

	first, err := queue.Enqueue(ctx, extractTask("job-1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := queue.Enqueue(ctx, extractTask("job-2")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	task, err := queue.Dequeue(ctx, "worker-1", time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if task.ID != first {
		t.Errorf("expected oldest task first, got %s want %s", task.ID, first)
	}
}

func TestDequeueHonorsKindCeilings(t *testing.T) {
	cfg := testsupport.NewConfig(t, func(cfg *config.Config) {
		cfg.Queue.ExtractConcurrency = 1
	})
	queue := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	if _, err := queue.Enqueue(ctx, extractTask("job-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := queue.Enqueue(ctx, extractTask("job-2")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	held, err := queue.Dequeue(ctx, "worker-1", time.Second)
	if err != nil || held == nil {
		t.Fatalf("first dequeue: %v %v", held, err)
	}

	// Ceiling of one extract in flight: the second pending task must wait.
	blocked, err := queue.Dequeue(ctx, "worker-2", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if blocked != nil {
		t.Fatalf("ceiling violated: claimed %s", blocked.ID)
	}

	if err := queue.Ack(ctx, held.ID, "worker-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	next, err := queue.Dequeue(ctx, "worker-2", time.Second)
	if err != nil || next == nil {
		t.Fatalf("dequeue after ack: %v %v", next, err)
	}
}

func TestAckRequiresLeaseHolder(t *testing.T) {
	queue := testsupport.MustOpenQueue(t, testsupport.NewConfig(t))
	ctx := context.Background()

	if _, err := queue.Enqueue(ctx, extractTask("job-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := queue.Dequeue(ctx, "worker-1", time.Second)
	if err != nil || task == nil {
		t.Fatalf("dequeue: %v %v", task, err)
	}

	if err := queue.Ack(ctx, task.ID, "worker-2"); !errors.Is(err, tasks.ErrNotHeld) {
		t.Fatalf("foreign ack should fail with ErrNotHeld, got %v", err)
	}
	if err := queue.ExtendLease(ctx, task.ID, "worker-2"); !errors.Is(err, tasks.ErrNotHeld) {
		t.Fatalf("foreign lease extension should fail with ErrNotHeld, got %v", err)
	}
	if err := queue.Ack(ctx, task.ID, "worker-1"); err != nil {
		t.Fatalf("holder ack: %v", err)
	}
	// Acking twice no longer holds the lease.
	if err := queue.Ack(ctx, task.ID, "worker-1"); !errors.Is(err, tasks.ErrNotHeld) {
		t.Fatalf("double ack should fail with ErrNotHeld, got %v", err)
	}
}

func TestReclaimExpiredRequeuesWithinBudget(t *testing.T) {
	// Zero lease makes every claim expire immediately.
	cfg := testsupport.NewConfig(t, testsupport.WithLeaseSeconds(0), testsupport.WithMaxAttempts(3))
	queue := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	if _, err := queue.Enqueue(ctx, extractTask("job-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := queue.Dequeue(ctx, "worker-1", time.Second)
	if err != nil || task == nil {
		t.Fatalf("dequeue: %v %v", task, err)
	}

	time.Sleep(10 * time.Millisecond)
	requeued, dead, err := queue.ReclaimExpired(ctx, cfg.Queue.MaxAttempts)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if requeued != 1 || len(dead) != 0 {
		t.Fatalf("expected one requeue, got requeued=%d dead=%d", requeued, len(dead))
	}

	redelivered, err := queue.Dequeue(ctx, "worker-2", time.Second)
	if err != nil || redelivered == nil {
		t.Fatalf("redelivery: %v %v", redelivered, err)
	}
	if redelivered.ID != task.ID {
		t.Errorf("redelivered a different task: %s want %s", redelivered.ID, task.ID)
	}
	if redelivered.Attempt != 2 {
		t.Errorf("redelivery should be attempt 2, got %d", redelivered.Attempt)
	}
}

func TestReclaimExpiredDeadlettersOverBudget(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxAttempts(1), testsupport.WithLeaseSeconds(0))
	queue := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	if _, err := queue.Enqueue(ctx, extractTask("job-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := queue.Dequeue(ctx, "worker-1", time.Second)
	if err != nil || task == nil {
		t.Fatalf("dequeue: %v %v", task, err)
	}

	time.Sleep(10 * time.Millisecond)
	requeued, dead, err := queue.ReclaimExpired(ctx, cfg.Queue.MaxAttempts)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if requeued != 0 || len(dead) != 1 {
		t.Fatalf("expected dead-letter, got requeued=%d dead=%d", requeued, len(dead))
	}
	if dead[0].State != tasks.StateDead {
		t.Errorf("dead task state is %s", dead[0].State)
	}

	// Dead tasks are never redelivered.
	ghost, err := queue.Dequeue(ctx, "worker-2", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if ghost != nil {
		t.Errorf("dead task was redelivered: %+v", ghost)
	}
}

func TestClearDoneRemovesOldCompletions(t *testing.T) {
	queue := testsupport.MustOpenQueue(t, testsupport.NewConfig(t))
	ctx := context.Background()

	if _, err := queue.Enqueue(ctx, extractTask("job-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	task, err := queue.Dequeue(ctx, "worker-1", time.Second)
	if err != nil || task == nil {
		t.Fatalf("dequeue: %v %v", task, err)
	}
	if err := queue.Ack(ctx, task.ID, "worker-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}

	removed, err := queue.ClearDone(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("clear done: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
}

func TestKindStageMappingIsSymmetric(t *testing.T) {
	for _, kind := range tasks.AllKinds() {
		stage := kind.StageFor()
		back, ok := tasks.KindForStage(stage)
		if !ok || back != kind {
			t.Errorf("mapping asymmetry: %s -> %s -> %s (ok=%v)", kind, stage, back, ok)
		}
	}
}
