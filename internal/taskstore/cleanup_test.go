package taskstore

import (
	"context"
	"testing"
	"time"
)

// steppingClock hands out strictly increasing timestamps so create order
// is observable through CreatedAt.
func steppingClock(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func TestCleanupJunk(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seed := func(sourceID, title, description string) {
		t.Helper()
		task := newTestTask("user-1", sourceID)
		task.Title = title
		task.Description = description
		if _, err := Upsert(ctx, store, task); err != nil {
			t.Fatalf("seed %s: %v", sourceID, err)
		}
	}
	seed("gmail_1", "Mom's Birthday reminder", "")
	seed("gmail_2", "CI alert", "Build failed on main")
	seed("gmail_3", "Your credit card statement is ready", "")
	seed("assignment_1", "Essay draft", "Submit by Friday")

	deleted, err := CleanupJunk(ctx, store, "user-1")
	if err != nil {
		t.Fatalf("CleanupJunk: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("deleted = %d, want 3", deleted)
	}
	remaining, _ := store.ListByUser(ctx, "user-1")
	if len(remaining) != 1 || remaining[0].SourceID != "assignment_1" {
		t.Fatalf("remaining = %+v, want only the essay task", remaining)
	}
}

func TestCleanupJunkRejectsMissingUser(t *testing.T) {
	if _, err := CleanupJunk(context.Background(), NewMemoryStore(), "  "); err == nil {
		t.Fatal("expected error for blank user id")
	}
}

func TestCleanupDuplicates(t *testing.T) {
	store := NewMemoryStore()
	store.now = steppingClock(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	// Oldest row carries the legacy bare id; a later sync wrote the
	// prefixed form for the same assignment.
	legacy := newTestTask("user-1", "123")
	legacy.Title = "Problem set 3"
	// Create returns the stored copy carrying the generated id; keep it so
	// the survivor assertion below can compare against the oldest row's id.
	legacy, err := store.Create(ctx, legacy)
	if err != nil {
		t.Fatalf("create legacy: %v", err)
	}
	prefixed := newTestTask("user-1", "assignment_123")
	prefixed.Title = "Problem set 3"
	if _, err := store.Create(ctx, prefixed); err != nil {
		t.Fatalf("create prefixed: %v", err)
	}
	// A distinct quiz sharing the numeric id must not be folded in.
	quiz := newTestTask("user-1", "quiz_123")
	quiz.Category = CategoryQuiz
	if _, err := store.Create(ctx, quiz); err != nil {
		t.Fatalf("create quiz: %v", err)
	}

	removed, err := CleanupDuplicates(ctx, store, "user-1")
	if err != nil {
		t.Fatalf("CleanupDuplicates: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	remaining, _ := store.ListBySource(ctx, "user-1", SourceCanvas)
	if len(remaining) != 2 {
		t.Fatalf("remaining = %d tasks, want 2", len(remaining))
	}
	// The survivor is the oldest row, rewritten to the prefixed id.
	if remaining[0].ID != legacy.ID {
		t.Errorf("survivor id = %q, want the oldest row %q", remaining[0].ID, legacy.ID)
	}
	if remaining[0].SourceID != "assignment_123" {
		t.Errorf("survivor sourceId = %q, want assignment_123", remaining[0].SourceID)
	}
}

func TestNormalizeCanvasSourceID(t *testing.T) {
	cases := []struct {
		sourceID string
		category Category
		want     string
	}{
		{"assignment_9", CategoryAssignment, "assignment_9"},
		{"9", CategoryAssignment, "assignment_9"},
		{"9", CategoryQuiz, "quiz_9"},
		{"9", CategoryAnnouncement, "announcement_9"},
		{"9", CategoryDiscussion, "discussion_9"},
		{"9", CategoryOther, "9"},
	}
	for _, tc := range cases {
		if got := normalizeCanvasSourceID(tc.sourceID, tc.category); got != tc.want {
			t.Errorf("normalizeCanvasSourceID(%q, %q) = %q, want %q", tc.sourceID, tc.category, got, tc.want)
		}
	}
}
