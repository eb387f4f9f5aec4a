package taskstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tasksync.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreTaskRoundTrip(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	due := time.Date(2026, 9, 15, 23, 59, 0, 0, time.UTC)
	task := newTestTask("user-1", "assignment_42")
	task.Description = "Submit via Canvas"
	task.DueDate = &due
	task.Course = "ENGL 201"
	task.SourceURL = "https://canvas.example.edu/courses/1/assignments/42"
	task.Metadata = map[string]any{"points": "100"}

	created, err := store.Create(ctx, task)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" || created.CreatedAt.IsZero() {
		t.Fatalf("Create did not stamp id/createdAt: %+v", created)
	}

	got, err := store.FindBySourceKey(ctx, "user-1", SourceCanvas, "assignment_42")
	if err != nil {
		t.Fatalf("FindBySourceKey: %v", err)
	}
	if got.Title != task.Title || got.Course != "ENGL 201" || got.SourceURL != task.SourceURL {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.DueDate == nil || !got.DueDate.Equal(due) {
		t.Errorf("due date = %v, want %v", got.DueDate, due)
	}
	if got.Metadata["points"] != "100" {
		t.Errorf("metadata = %v, want points=100", got.Metadata)
	}

	got.Title = "Essay final draft"
	got.Completed = true
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	updated, err := store.FindBySourceKey(ctx, "user-1", SourceCanvas, "assignment_42")
	if err != nil {
		t.Fatalf("FindBySourceKey after update: %v", err)
	}
	if updated.Title != "Essay final draft" || !updated.Completed {
		t.Errorf("update not persisted: %+v", updated)
	}

	if err := store.Delete(ctx, "user-1", updated.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.FindBySourceKey(ctx, "user-1", SourceCanvas, "assignment_42"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err after delete = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStoreDeleteMatching(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	junk := newTestTask("user-1", "gmail_1")
	junk.Source = SourceGmail
	junk.Title = "Brady's Bday party"
	if _, err := store.Create(ctx, junk); err != nil {
		t.Fatalf("create junk: %v", err)
	}
	keep := newTestTask("user-1", "assignment_1")
	if _, err := store.Create(ctx, keep); err != nil {
		t.Fatalf("create keep: %v", err)
	}

	deleted, err := store.DeleteMatching(ctx, "user-1", []string{"bday"})
	if err != nil {
		t.Fatalf("DeleteMatching: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	remaining, err := store.ListByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(remaining) != 1 || remaining[0].SourceID != "assignment_1" {
		t.Fatalf("remaining = %+v, want only assignment_1", remaining)
	}
}

func TestSQLiteStoreIntegrationUpsert(t *testing.T) {
	store := newSQLiteTestStore(t)
	ctx := context.Background()

	expires := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	saved, err := store.SaveIntegration(ctx, &Integration{
		UserID:       "user-1",
		Provider:     SourceGmail,
		IsConnected:  true,
		AccessToken:  "tok-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    &expires,
	})
	if err != nil {
		t.Fatalf("SaveIntegration: %v", err)
	}

	resaved, err := store.SaveIntegration(ctx, &Integration{
		UserID:      "user-1",
		Provider:    SourceGmail,
		IsConnected: true,
		AccessToken: "tok-2",
	})
	if err != nil {
		t.Fatalf("SaveIntegration update: %v", err)
	}
	if resaved.ID != saved.ID {
		t.Errorf("integration id changed on resave: %q -> %q", saved.ID, resaved.ID)
	}

	at := time.Date(2026, 9, 2, 8, 30, 0, 0, time.UTC)
	if err := store.TouchLastSynced(ctx, "user-1", SourceGmail, at); err != nil {
		t.Fatalf("TouchLastSynced: %v", err)
	}
	got, err := store.GetIntegration(ctx, "user-1", SourceGmail)
	if err != nil {
		t.Fatalf("GetIntegration: %v", err)
	}
	if got.AccessToken != "tok-2" {
		t.Errorf("access token = %q, want tok-2", got.AccessToken)
	}
	if got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(at) {
		t.Errorf("lastSyncedAt = %v, want %v", got.LastSyncedAt, at)
	}

	connected, err := store.ListConnectedIntegrations(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListConnectedIntegrations: %v", err)
	}
	if len(connected) != 1 {
		t.Fatalf("connected = %d, want 1", len(connected))
	}
}
