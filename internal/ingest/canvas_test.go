package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/claritihq/tasksync/internal/classify"
	"github.com/claritihq/tasksync/internal/taskstore"
)

func ingestTestNow() time.Time {
	return time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)
}

func newVetoClassifier() *classify.Classifier {
	return classify.NewClassifier(classify.ClassifierOptions{
		ChatClient: &stubChat{reply: `{"isImportant": false, "title": null, "description": null, "dueDate": null}`},
	})
}

func TestCanvasSyncFiltersUndatedAssignments(t *testing.T) {
	dueAt := time.Date(2026, 9, 10, 23, 59, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/courses":
			json.NewEncoder(w).Encode([]map[string]any{{"id": 101, "name": "CS 301"}})
		case strings.HasSuffix(r.URL.Path, "/assignments"):
			json.NewEncoder(w).Encode([]map[string]any{
				{"id": 1, "name": "Reading list", "due_at": nil, "html_url": "https://school.test/a/1"},
			})
		case strings.Contains(r.URL.Path, "/quizzes"):
			json.NewEncoder(w).Encode([]map[string]any{
				{"id": 2, "title": "Midterm quiz", "due_at": dueAt.Format(time.RFC3339), "html_url": "https://school.test/q/2", "points_possible": 50},
			})
		default:
			json.NewEncoder(w).Encode([]any{})
		}
	}))
	defer server.Close()

	store := taskstore.NewMemoryStore()
	ctx := context.Background()
	_, err := store.SaveIntegration(ctx, &taskstore.Integration{
		UserID:      "user-1",
		Provider:    taskstore.SourceCanvas,
		IsConnected: true,
		AccessToken: "canvas-token",
		Metadata:    map[string]any{"canvasUrl": server.URL},
	})
	if err != nil {
		t.Fatal(err)
	}

	orch, err := NewOrchestrator(OrchestratorOptions{
		Store:      store,
		Classifier: alwaysImportantClassifier(),
		Providers:  []Provider{NewCanvasProvider("", server.Client(), nil)},
	})
	if err != nil {
		t.Fatal(err)
	}

	summary, err := orch.SyncProvider(ctx, "user-1", taskstore.SourceCanvas)
	if err != nil {
		t.Fatalf("SyncProvider: %v", err)
	}
	if summary.ItemsProcessed != 2 || summary.Created != 1 || summary.Filtered != 1 || summary.Failed != 0 {
		t.Fatalf("summary = %+v, want processed=2 created=1 filtered=1", summary)
	}

	tasks, err := store.ListByUser(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want only the dated quiz", len(tasks))
	}
	quiz := tasks[0]
	if quiz.SourceID != "quiz_2" || quiz.Category != taskstore.CategoryQuiz {
		t.Errorf("task = %+v", quiz)
	}
	if !strings.HasPrefix(quiz.Title, "📝 ") {
		t.Errorf("quiz title = %q, want emoji prefix", quiz.Title)
	}
	if quiz.DueDate == nil || !quiz.DueDate.Equal(dueAt) {
		t.Errorf("due date = %v, want %v", quiz.DueDate, dueAt)
	}
	if quiz.Course != "CS 301" {
		t.Errorf("course = %q", quiz.Course)
	}
}

func TestCanvasFetchRequiresBaseURL(t *testing.T) {
	provider := NewCanvasProvider("", nil, nil)
	_, err := provider.Fetch(context.Background(), &taskstore.Integration{AccessToken: "tok"})
	if err == nil {
		t.Fatal("expected error when no base url is configured anywhere")
	}
}

func TestCanvasFetchCoursesFailureAborts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance window", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	provider := NewCanvasProvider(server.URL, server.Client(), nil)
	_, err := provider.Fetch(context.Background(), &taskstore.Integration{AccessToken: "tok"})
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("err = %v, want ProviderError with status 503", err)
	}
}

func TestCanvasFetchSkipsFailingCourseEndpoints(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/courses":
			json.NewEncoder(w).Encode([]map[string]any{{"id": 1, "name": "A"}})
		case strings.HasSuffix(r.URL.Path, "/assignments"):
			http.Error(w, "forbidden", http.StatusForbidden)
		case strings.Contains(r.URL.Path, "/quizzes"):
			json.NewEncoder(w).Encode([]map[string]any{
				{"id": 9, "title": "Pop quiz", "due_at": "2026-09-05T10:00:00Z"},
			})
		default:
			json.NewEncoder(w).Encode([]any{})
		}
	}))
	defer server.Close()

	provider := NewCanvasProvider(server.URL, server.Client(), nil)
	items, err := provider.Fetch(context.Background(), &taskstore.Integration{AccessToken: "tok"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want quiz despite assignment endpoint failure", len(items))
	}
	if items[0].Key() != "quiz_9" {
		t.Errorf("key = %q", items[0].Key())
	}
}

func TestCanvasAnnouncementWindow(t *testing.T) {
	now := ingestTestNow()
	recent := now.AddDate(0, 0, -3)
	old := now.AddDate(0, 0, -45)
	nc := NormalizeContext{UserID: "user-1", Classifier: alwaysImportantClassifier(), Now: now}

	fresh := &canvasAnnouncementItem{
		announcement: canvasAnnouncement{ID: 1, Title: "Exam room change", Message: "<p>Room 204</p>", PostedAt: &recent, ReadState: "read"},
		course:       "CS 301",
	}
	tasks, err := fresh.Normalize(context.Background(), nc)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want recent announcement kept", len(tasks))
	}
	if tasks[0].Title != "📢 Exam room change" {
		t.Errorf("title = %q", tasks[0].Title)
	}
	if tasks[0].DueDate != nil {
		t.Error("announcements carry no due date")
	}
	if !tasks[0].Completed {
		t.Error("read announcements should arrive completed")
	}

	stale := &canvasAnnouncementItem{
		announcement: canvasAnnouncement{ID: 2, Title: "Old news", PostedAt: &old},
		course:       "CS 301",
	}
	tasks, err = stale.Normalize(context.Background(), nc)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Error("announcements older than 30 days should be filtered")
	}
}

func TestCanvasDiscussionNeedsAssignmentDueDate(t *testing.T) {
	nc := NormalizeContext{UserID: "user-1", Classifier: alwaysImportantClassifier(), Now: ingestTestNow()}

	undated := &canvasDiscussionItem{
		discussion: canvasDiscussion{ID: 1, Title: "Open forum"},
		course:     "CS 301",
	}
	tasks, err := undated.Normalize(context.Background(), nc)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Error("discussions without a graded due date should be filtered")
	}

	due := time.Date(2026, 9, 8, 23, 59, 0, 0, time.UTC)
	graded := &canvasDiscussionItem{
		discussion: canvasDiscussion{
			ID:          2,
			Title:       "Week 2 response",
			RequirePost: true,
			Assignment:  &struct {
				DueAt *time.Time `json:"due_at"`
			}{DueAt: &due},
		},
		course: "CS 301",
	}
	tasks, err = graded.Normalize(context.Background(), nc)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d", len(tasks))
	}
	task := tasks[0]
	if task.Title != "💬 Week 2 response" || task.Category != taskstore.CategoryDiscussion {
		t.Errorf("task = %+v", task)
	}
	if got, _ := task.Metadata["requiresInitialPost"].(bool); !got {
		t.Error("metadata missing requiresInitialPost")
	}
}

func TestCanvasClassifierVetoFilters(t *testing.T) {
	vetoClassifier := newVetoClassifier()
	due := time.Date(2026, 9, 8, 23, 59, 0, 0, time.UTC)
	item := &canvasAssignmentItem{
		assignment: canvasAssignment{ID: 3, Name: "Ungraded survey", DueAt: &due},
		course:     "CS 301",
	}
	tasks, err := item.Normalize(context.Background(), NormalizeContext{
		UserID:     "user-1",
		Classifier: vetoClassifier,
		Now:        ingestTestNow(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Error("vetoed assignment should be filtered")
	}
}
