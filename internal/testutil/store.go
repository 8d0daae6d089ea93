package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/harut0/phoned/internal/db"
	"github.com/harut0/phoned/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "phoned-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func SeedTaskRun(t *testing.T, store *db.Store, ctx context.Context, runID, task string) model.TaskRun {
	t.Helper()
	run := model.TaskRun{
		RunID:     runID,
		Task:      task,
		Status:    model.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := store.InsertTaskRun(ctx, run); err != nil {
		t.Fatalf("seed task run: %v", err)
	}
	return run
}
