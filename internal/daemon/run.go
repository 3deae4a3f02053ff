package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"podforge/internal/config"
	"podforge/internal/httpapi"
	"podforge/internal/identity"
	"podforge/internal/jobs"
	"podforge/internal/logging"
	"podforge/internal/progress"
	"podforge/internal/services"
	"podforge/internal/stage"
	"podforge/internal/tasks"
	"podforge/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel string
}

// Run assembles and runs the daemon until SIGINT/SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	runID := time.Now().UTC().Format("20060102T150405Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("podforge-%s.log", runID))
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update podforge.log link: %v\n", err)
	}

	pidPath := filepath.Join(cfg.Paths.LogDir, "podforge.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := jobs.Open(cfg)
	if err != nil {
		logger.Error("open job store", logging.Error(err))
		return err
	}
	queue, err := tasks.Open(cfg)
	if err != nil {
		_ = store.Close()
		logger.Error("open task queue", logging.Error(err))
		return err
	}

	objects, err := buildObjectStore(signalCtx, cfg, logger)
	if err != nil {
		_ = queue.Close()
		_ = store.Close()
		return err
	}

	cache := progress.NewCache(cfg.Redis)
	if err := cache.Ping(signalCtx); err != nil {
		logger.Warn("redis unreachable, progress cache disabled", logging.Error(err))
		_ = cache.Close()
		cache = nil
	}

	httpClient := &http.Client{}
	executors := []stage.Executor{
		&stage.ExtractExecutor{Extractor: services.NewContentExtractor(cfg.Services.Extractor, httpClient), Objects: objects},
		&stage.ScriptExecutor{Synthesizer: services.NewScriptSynthesizer(cfg.Services.Script, httpClient), Objects: objects},
		&stage.SpeechExecutor{Synthesizer: services.NewSpeechSynthesizer(cfg.Services.Speech, httpClient), Objects: objects},
		&stage.ComposeExecutor{Composer: services.NewAudioComposer(cfg.Services.Composer, httpClient), Objects: objects},
		&stage.DistributeExecutor{Distributor: services.NewDistributor(cfg.Services.Distributor, httpClient)},
	}

	orchestrator := workflow.NewOrchestrator(store, queue, cfg, logger)
	manager := workflow.NewManager(queue, orchestrator, executors, cfg, logger)
	notifier := progress.NewNotifier(store, cache, cfg, logger)
	resolver := identity.NewResolver(cfg.Auth.JWTSecret)
	server := httpapi.NewServer(cfg, logger, resolver, store, orchestrator, notifier)

	d, err := New(cfg, logger, store, queue, cache, manager, server)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		return err
	}
	if err := d.Wait(); err != nil {
		logger.Error("http server exited", logging.Error(err))
		return err
	}
	logger.Info("podforge daemon shutting down")
	return nil
}

// buildObjectStore prefers the configured S3-compatible endpoint and falls
// back to the in-process store for local runs without one.
func buildObjectStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (services.ObjectStore, error) {
	if cfg.Storage.Endpoint == "" {
		logger.Warn("no object storage endpoint configured, artifacts are held in memory")
		return services.NewMemoryStore(), nil
	}
	store, err := services.NewMinioStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "podforge.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
