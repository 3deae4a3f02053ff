package progress

import (
	"context"
	"log/slog"
	"time"

	"podforge/internal/config"
	"podforge/internal/identity"
	"podforge/internal/jobs"
	"podforge/internal/logging"
)

// Event is one observed progress state of a job.
type Event struct {
	JobID        string     `json:"job_id"`
	Stage        jobs.Stage `json:"stage"`
	Percent      int        `json:"percent"`
	Message      string     `json:"message,omitempty"`
	ErrorMessage string     `json:"error,omitempty"`
	Terminal     bool       `json:"terminal"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func eventFromJob(job *jobs.Job) Event {
	return Event{
		JobID:        job.ID,
		Stage:        job.Stage,
		Percent:      job.Progress,
		Message:      job.ProgressMessage,
		ErrorMessage: job.ErrorMessage,
		Terminal:     job.Stage.Terminal(),
		UpdatedAt:    job.UpdatedAt,
	}
}

func (e Event) changedFrom(prev Event) bool {
	return e.Stage != prev.Stage ||
		e.Percent != prev.Percent ||
		e.Message != prev.Message ||
		e.ErrorMessage != prev.ErrorMessage
}

// Notifier turns job store state into a per-watcher stream of change events.
// It polls rather than listens: the store is the source of truth and a
// missed tick only delays an event, never loses one.
type Notifier struct {
	store    *jobs.Store
	cache    *Cache
	interval time.Duration
	logger   *slog.Logger
}

// NewNotifier wires a notifier over the job store and optional cache.
func NewNotifier(store *jobs.Store, cache *Cache, cfg *config.Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	interval := time.Duration(cfg.Workflow.ProgressPollSeconds) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Notifier{
		store:    store,
		cache:    cache,
		interval: interval,
		logger:   logger.With(logging.String(logging.FieldComponent, "progress")),
	}
}

// Stream emits the job's current state immediately and then every observed
// change until the job reaches a terminal stage or ctx is cancelled. The
// returned channel is closed when the stream ends. The initial lookup
// enforces tenancy; a job outside the caller's tenant returns
// jobs.ErrNotFound.
func (n *Notifier) Stream(ctx context.Context, actx identity.AccessContext, jobID string) (<-chan Event, error) {
	job, err := n.store.Get(ctx, actx, jobID)
	if err != nil {
		return nil, err
	}

	events := make(chan Event, 8)
	first := eventFromJob(job)
	events <- first
	n.cache.Put(ctx, actx.TenantID, first)

	if first.Terminal {
		close(events)
		return events, nil
	}

	go n.follow(ctx, actx.TenantID, jobID, first, events)
	return events, nil
}

func (n *Notifier) follow(ctx context.Context, tenantID, jobID string, last Event, events chan<- Event) {
	defer close(events)
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		event, ok := n.lookup(ctx, tenantID, jobID, last)
		if !ok {
			return
		}
		if !event.changedFrom(last) {
			continue
		}
		last = event
		select {
		case events <- event:
		case <-ctx.Done():
			return
		}
		if event.Terminal {
			return
		}
	}
}

// lookup prefers a fresh cached snapshot and falls back to the store. The
// store path repopulates the cache for other watchers of the same job.
func (n *Notifier) lookup(ctx context.Context, tenantID, jobID string, last Event) (Event, bool) {
	if cached, ok := n.cache.Get(ctx, tenantID, jobID); ok && cached.UpdatedAt.After(last.UpdatedAt) {
		return cached, true
	}

	job, err := n.store.Snapshot(ctx, tenantID, jobID)
	if err != nil {
		if ctx.Err() == nil {
			n.logger.WarnContext(ctx, "progress poll failed",
				logging.String(logging.FieldJobID, jobID), logging.Error(err))
		}
		return Event{}, false
	}
	event := eventFromJob(job)
	n.cache.Put(ctx, tenantID, event)
	return event, true
}
