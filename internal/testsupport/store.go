package testsupport

import (
	"testing"

	"podforge/internal/config"
	"podforge/internal/jobs"
	"podforge/internal/tasks"
)

// MustOpenStore opens a job store against the test config and closes it when
// the test finishes.
func MustOpenStore(t testing.TB, cfg *config.Config) *jobs.Store {
	t.Helper()
	store, err := jobs.Open(cfg)
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close job store: %v", err)
		}
	})
	return store
}

// MustOpenQueue opens a task queue against the test config and closes it when
// the test finishes.
func MustOpenQueue(t testing.TB, cfg *config.Config) *tasks.Queue {
	t.Helper()
	queue, err := tasks.Open(cfg)
	if err != nil {
		t.Fatalf("open task queue: %v", err)
	}
	t.Cleanup(func() {
		if err := queue.Close(); err != nil {
			t.Errorf("close task queue: %v", err)
		}
	})
	return queue
}
