package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"podforge/internal/config"
	"podforge/internal/jobs"
	"podforge/internal/logging"
	"podforge/internal/stage"
	"podforge/internal/tasks"
)

// Manager runs the worker pool that drains the task queue and the reaper
// that recovers leases from vanished workers. Workers execute stage
// executors and feed every outcome back through the orchestrator.
type Manager struct {
	queue        *tasks.Queue
	orchestrator *Orchestrator
	executors    map[tasks.Kind]stage.Executor
	cfg          *config.Config
	logger       *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewManager wires the worker pool over its collaborators.
func NewManager(queue *tasks.Queue, orchestrator *Orchestrator, executors []stage.Executor, cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	byKind := make(map[tasks.Kind]stage.Executor, len(executors))
	for _, exec := range executors {
		byKind[exec.Kind()] = exec
	}
	return &Manager{
		queue:        queue,
		orchestrator: orchestrator,
		executors:    byKind,
		cfg:          cfg,
		logger:       logger.With(logging.String(logging.FieldComponent, "workflow")),
	}
}

// Start launches the workers and the lease reaper. It is idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	workers := m.cfg.Workflow.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		m.wg.Add(1)
		go m.workerLoop(runCtx, workerID)
	}

	m.wg.Add(1)
	go m.reaperLoop(runCtx)

	m.logger.InfoContext(ctx, "workflow started", logging.Int("workers", workers))
}

// Stop cancels the loops and waits for in-flight work to settle.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.started = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Manager) workerLoop(ctx context.Context, workerID string) {
	defer m.wg.Done()
	logger := m.logger.With(logging.String("worker_id", workerID))

	for {
		task, err := m.queue.Dequeue(ctx, workerID, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WarnContext(ctx, "dequeue failed", logging.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if task == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		m.execute(ctx, workerID, task, logger)
	}
}

func (m *Manager) execute(ctx context.Context, workerID string, task *tasks.Task, logger *slog.Logger) {
	logger = logger.With(
		logging.String(logging.FieldTaskID, task.ID),
		logging.String(logging.FieldJobID, task.JobID),
		logging.String(logging.FieldStage, string(task.Kind.StageFor())),
		logging.Int(logging.FieldAttempt, task.Attempt),
	)

	exec, ok := m.executors[task.Kind]
	if !ok {
		logger.ErrorContext(ctx, "no executor for task kind")
		if err := m.orchestrator.OnStageFailed(ctx, task, fmt.Errorf("no executor for kind %q", task.Kind), true); err != nil {
			logger.ErrorContext(ctx, "record failure", logging.Error(err))
		}
		m.ack(ctx, task, workerID, logger)
		return
	}

	job, stale, err := m.orchestrator.Begin(ctx, task)
	if err != nil {
		// Leave the task leased; the reaper redelivers it once the store
		// recovers.
		logger.WarnContext(ctx, "begin stage failed", logging.Error(err))
		return
	}
	if stale {
		logger.InfoContext(ctx, "acking stale task")
		m.ack(ctx, task, workerID, logger)
		return
	}

	heartbeatStop := m.startHeartbeat(ctx, task, workerID, logger)

	runCtx := ctx
	var cancelRun context.CancelFunc
	if timeout := time.Duration(m.cfg.Workflow.StageTimeoutSeconds) * time.Second; timeout > 0 {
		runCtx, cancelRun = context.WithTimeout(ctx, timeout)
	}

	result, runErr := m.runExecutor(runCtx, exec, task, job)
	if cancelRun != nil {
		cancelRun()
	}
	close(heartbeatStop)

	if runErr != nil {
		logger.WarnContext(ctx, "stage execution failed", logging.Error(runErr))
		if err := m.orchestrator.OnStageFailed(ctx, task, runErr, false); err != nil {
			logger.ErrorContext(ctx, "record failure", logging.Error(err))
		}
	} else {
		if err := m.orchestrator.OnStageComplete(ctx, task, result); err != nil {
			logger.ErrorContext(ctx, "record completion", logging.Error(err))
		}
	}
	m.ack(ctx, task, workerID, logger)
}

// runExecutor isolates executor panics into ordinary errors so a misbehaving
// stage cannot take the worker down.
func (m *Manager) runExecutor(ctx context.Context, exec stage.Executor, task *tasks.Task, job *jobs.Job) (result stage.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage executor panic: %v", r)
		}
	}()
	report := func(percent int, message string) {
		m.orchestrator.ReportProgress(ctx, task, percent, message)
	}
	return exec.Run(ctx, job, task.Payload, report)
}

func (m *Manager) startHeartbeat(ctx context.Context, task *tasks.Task, workerID string, logger *slog.Logger) chan struct{} {
	stop := make(chan struct{})
	interval := time.Duration(m.cfg.Workflow.HeartbeatSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.queue.ExtendLease(ctx, task.ID, workerID); err != nil {
					logger.WarnContext(ctx, "lease extension failed", logging.Error(err))
					return
				}
			}
		}
	}()
	return stop
}

func (m *Manager) ack(ctx context.Context, task *tasks.Task, workerID string, logger *slog.Logger) {
	if err := m.queue.Ack(ctx, task.ID, workerID); err != nil {
		// Lease already lost to the reaper; the transition guards make the
		// redelivered attempt a safe no-op.
		logger.WarnContext(ctx, "ack failed", logging.Error(err))
	}
}

func (m *Manager) reaperLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := time.Duration(m.cfg.Queue.ReapIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requeued, dead, err := m.queue.ReclaimExpired(ctx, m.cfg.Queue.MaxAttempts)
			if err != nil {
				if ctx.Err() == nil {
					m.logger.WarnContext(ctx, "lease reap failed", logging.Error(err))
				}
				continue
			}
			if requeued > 0 {
				m.logger.InfoContext(ctx, "requeued expired leases", logging.Int64("count", requeued))
			}
			for _, task := range dead {
				cause := fmt.Errorf("task lease expired after %d attempts", task.Attempt)
				if err := m.orchestrator.OnStageFailed(ctx, task, cause, true); err != nil {
					m.logger.ErrorContext(ctx, "record dead task failure",
						logging.String(logging.FieldTaskID, task.ID),
						logging.Error(err))
				}
			}
		}
	}
}
