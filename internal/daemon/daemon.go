package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"

	"podforge/internal/config"
	"podforge/internal/httpapi"
	"podforge/internal/jobs"
	"podforge/internal/logging"
	"podforge/internal/progress"
	"podforge/internal/tasks"
	"podforge/internal/workflow"
)

// Daemon coordinates the background worker pool and the HTTP surface, and
// enforces single-instance execution through a file lock.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *jobs.Store
	queue    *tasks.Queue
	cache    *progress.Cache
	manager  *workflow.Manager
	server   *httpapi.Server
	lockPath string
	lock     *flock.Flock

	running   atomic.Bool
	cancel    context.CancelFunc
	serverErr chan error
}

// New constructs a daemon with initialized dependencies.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	store *jobs.Store,
	queue *tasks.Queue,
	cache *progress.Cache,
	manager *workflow.Manager,
	server *httpapi.Server,
) (*Daemon, error) {
	if cfg == nil || logger == nil || store == nil || queue == nil || manager == nil || server == nil {
		return nil, errors.New("daemon requires config, logger, stores, workflow manager, and server")
	}
	lockPath := filepath.Join(cfg.Paths.DataDir, "podforged.lock")
	return &Daemon{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		queue:    queue,
		cache:    cache,
		manager:  manager,
		server:   server,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the instance lock, launches the worker pool, and begins
// serving HTTP. It returns once everything is running.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another podforge daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.manager.Start(runCtx)

	d.serverErr = make(chan error, 1)
	go func() {
		d.serverErr <- d.server.Start(runCtx)
	}()

	d.running.Store(true)
	d.logger.Info("podforge daemon started",
		logging.String("lock", d.lockPath),
		logging.String("bind", d.cfg.Server.Bind))
	return nil
}

// Wait blocks until the HTTP server exits and returns its error, if any.
func (d *Daemon) Wait() error {
	if d.serverErr == nil {
		return nil
	}
	return <-d.serverErr
}

// Stop halts background processing and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.manager.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("podforge daemon stopped")
}

// Close stops the daemon and releases held resources.
func (d *Daemon) Close() error {
	d.Stop()
	var firstErr error
	if err := d.cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.queue.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
