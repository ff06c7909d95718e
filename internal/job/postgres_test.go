package job

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// newPostgresStore connects to REELSCHED_TEST_DATABASE_URL and empties the
// jobs table. Tests are skipped when the variable is unset.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("REELSCHED_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("REELSCHED_TEST_DATABASE_URL not set")
	}
	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	if _, err := store.db.Exec(`TRUNCATE jobs`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgres_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)

	j := insertOne(t, store, makeDraft("1.mp4", base))

	due, err := store.ListDue(ctx, base.Add(time.Minute), 5)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 1 || due[0].ID != j.ID {
		t.Fatalf("ListDue = %v, want [%s]", due, j.ID)
	}

	if _, err := store.UpdateStatus(ctx, j.ID, StatusProcessing, Fields{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, j.ID, StatusProcessing, Fields{}); !errors.Is(err, ErrTransitionDenied) {
		t.Fatalf("second claim error = %v, want ErrTransitionDenied", err)
	}
	if err := store.SetContainer(ctx, j.ID, "c-1"); err != nil {
		t.Fatalf("container: %v", err)
	}
	got, err := store.UpdateStatus(ctx, j.ID, StatusPublished, Fields{PublishedID: "p-1"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got.ContainerID != "c-1" || got.PublishedID != "p-1" || got.CompletedAt == nil {
		t.Errorf("published job = %+v", got)
	}

	if _, err := store.UpdateStatus(ctx, j.ID, StatusFailed, Fields{Error: "x"}); !errors.Is(err, ErrTransitionDenied) {
		t.Errorf("published -> failed error = %v, want ErrTransitionDenied", err)
	}
	if _, err := store.Reschedule(ctx, j.ID, base); !errors.Is(err, ErrTransitionDenied) {
		t.Errorf("Reschedule published error = %v, want ErrTransitionDenied", err)
	}

	if err := store.Delete(ctx, j.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, j.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete error = %v, want ErrNotFound", err)
	}
}
