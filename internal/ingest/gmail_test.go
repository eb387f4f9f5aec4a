package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/claritihq/tasksync/internal/classify"
	"github.com/claritihq/tasksync/internal/taskstore"
)

func gmailRaw(t *testing.T, id, subject, from, body string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"id":           id,
		"snippet":      truncateRunes(body, 100),
		"internalDate": "1788264000000",
		"payload": map[string]any{
			"headers": []map[string]string{
				{"name": "Subject", "value": subject},
				{"name": "From", "value": from},
				{"name": "Date", "value": "Tue, 01 Sep 2026 08:00:00 +0000"},
			},
			"body": map[string]string{
				"data": base64.RawURLEncoding.EncodeToString([]byte(body)),
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func classifierWithReply(reply string) *classify.Classifier {
	return classify.NewClassifier(classify.ClassifierOptions{ChatClient: &stubChat{reply: reply}})
}

func TestGmailMeetingEmailYieldsTwoTasks(t *testing.T) {
	item := &gmailMessageItem{
		id:  "msg-1",
		raw: gmailRaw(t, "msg-1", "Team meeting tomorrow at 3pm", "lead@example.com", "Quick sync on the project status."),
	}
	nc := NormalizeContext{
		UserID:     "user-1",
		Classifier: classifierWithReply(`{"isImportant": true, "title": "Team meeting", "description": null, "dueDate": "2026-09-02"}`),
		Now:        ingestTestNow(),
	}
	tasks, err := item.Normalize(context.Background(), nc)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want email task plus meeting task", len(tasks))
	}

	email := tasks[0]
	if email.Title != "📧 Team meeting tomorrow at 3pm" {
		t.Errorf("email title = %q", email.Title)
	}
	if email.Category != taskstore.CategoryMeeting || email.SourceID != "msg-1" {
		t.Errorf("email task = %+v", email)
	}
	if email.DueDate == nil || email.DueDate.Format("2006-01-02") != "2026-09-02" {
		t.Errorf("email due date = %v, want classifier date", email.DueDate)
	}

	meeting := tasks[1]
	if meeting.SourceID != "gmail_meeting_msg-1" {
		t.Errorf("meeting source id = %q", meeting.SourceID)
	}
	if !strings.HasPrefix(meeting.Title, "📅 ") {
		t.Errorf("meeting title = %q", meeting.Title)
	}
	if meeting.DueDate == nil {
		t.Fatal("meeting due date missing")
	}
	if meeting.DueDate.Hour() != 15 || meeting.DueDate.Minute() != 0 {
		t.Errorf("meeting time = %v, want 15:00", meeting.DueDate)
	}
	if meeting.DueDate.Day() != 2 || meeting.DueDate.Month() != time.September {
		t.Errorf("meeting day = %v, want the email's deadline day", meeting.DueDate)
	}
}

func TestGmailKeywordGateFiltersChatter(t *testing.T) {
	item := &gmailMessageItem{
		id:  "msg-2",
		raw: gmailRaw(t, "msg-2", "Lunch photos", "friend@example.com", "Here are the pictures from Saturday."),
	}
	tasks, err := item.Normalize(context.Background(), NormalizeContext{
		UserID:     "user-1",
		Classifier: alwaysImportantClassifier(),
		Now:        ingestTestNow(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("tasks = %d, want chatter filtered before classification", len(tasks))
	}
}

func TestGmailClassifierVetoFilters(t *testing.T) {
	item := &gmailMessageItem{
		id:  "msg-3",
		raw: gmailRaw(t, "msg-3", "Weekly newsletter", "news@example.com", "This week's assignment highlights from around the web."),
	}
	tasks, err := item.Normalize(context.Background(), NormalizeContext{
		UserID:     "user-1",
		Classifier: newVetoClassifier(),
		Now:        ingestTestNow(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Error("vetoed email should be filtered")
	}
}

func TestGmailBodyDueDateBeatsClassifierDate(t *testing.T) {
	item := &gmailMessageItem{
		id:  "msg-4",
		raw: gmailRaw(t, "msg-4", "CS 301 homework", "prof@example.edu", "Problem set 3 is due on September 10."),
	}
	nc := NormalizeContext{
		UserID:     "user-1",
		Classifier: classifierWithReply(`{"isImportant": true, "title": null, "description": null, "dueDate": "2026-12-25"}`),
		Now:        ingestTestNow(),
	}
	tasks, err := item.Normalize(context.Background(), nc)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d", len(tasks))
	}
	task := tasks[0]
	if task.Category != taskstore.CategoryAssignment {
		t.Errorf("category = %q, want assignment", task.Category)
	}
	if task.DueDate == nil || task.DueDate.Month() != time.September || task.DueDate.Day() != 10 {
		t.Errorf("due date = %v, want the date written in the body", task.DueDate)
	}
	if got, _ := task.Metadata["hasDeadline"].(bool); !got {
		t.Error("metadata missing hasDeadline")
	}
}

func TestGmailMissingSubjectAndHTMLBody(t *testing.T) {
	raw, err := json.Marshal(map[string]any{
		"id":           "msg-5",
		"internalDate": "1788264000000",
		"payload": map[string]any{
			"headers": []map[string]string{{"name": "From", "value": "prof@example.edu"}},
			"parts": []map[string]any{
				{
					"mimeType": "text/html",
					"body": map[string]string{
						"data": base64.RawURLEncoding.EncodeToString([]byte("<p>Quiz reminder: <b>submit by October 3</b></p>")),
					},
				},
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	item := &gmailMessageItem{id: "msg-5", raw: raw}
	tasks, err := item.Normalize(context.Background(), NormalizeContext{
		UserID:     "user-1",
		Classifier: alwaysImportantClassifier(),
		Now:        ingestTestNow(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d", len(tasks))
	}
	task := tasks[0]
	if task.Title != "📧 No Subject" {
		t.Errorf("title = %q", task.Title)
	}
	if task.Category != taskstore.CategoryQuiz {
		t.Errorf("category = %q", task.Category)
	}
	if strings.Contains(task.Description, "<") {
		t.Errorf("description kept html tags: %q", task.Description)
	}
	if task.DueDate == nil || task.DueDate.Month() != time.October || task.DueDate.Day() != 3 {
		t.Errorf("due date = %v", task.DueDate)
	}
}

func TestGmailProviderFetchDeduplicatesAcrossQueries(t *testing.T) {
	var searches, gets int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/gmail/v1/users/me/messages":
			searches++
			// Every query matches the same message.
			fmt.Fprint(w, `{"messages": [{"id": "dup-1"}]}`)
		case strings.HasPrefix(r.URL.Path, "/gmail/v1/users/me/messages/"):
			gets++
			w.Write(gmailRaw(t, "dup-1", "Project deadline", "a@b.c", "due on September 9"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	provider := &GmailProvider{httpClient: server.Client(), logger: nopLogger{}, baseURL: server.URL}
	items, err := provider.Fetch(context.Background(), &taskstore.Integration{AccessToken: "tok"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if searches != len(gmailSearchQueries) {
		t.Errorf("searches = %d, want %d", searches, len(gmailSearchQueries))
	}
	if gets != 1 || len(items) != 1 {
		t.Fatalf("gets = %d items = %d, want message fetched once", gets, len(items))
	}
}

func TestGmailProviderFetchFailsWhenEverySearchFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "invalid_grant"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := &GmailProvider{httpClient: server.Client(), logger: nopLogger{}, baseURL: server.URL}
	_, err := provider.Fetch(context.Background(), &taskstore.Integration{AccessToken: "tok"})
	if err == nil {
		t.Fatal("expected error when no search query succeeds")
	}
}

func TestParseGmailDate(t *testing.T) {
	fallback := ingestTestNow()
	got := parseGmailDate("Tue, 01 Sep 2026 08:30:00 +0200", "", fallback)
	if got.Hour() != 6 || got.Minute() != 30 {
		t.Errorf("header parse = %v, want 06:30 UTC", got)
	}
	got = parseGmailDate("not a date", "1788264000000", fallback)
	if got.Year() != 2026 {
		t.Errorf("millis parse = %v", got)
	}
	got = parseGmailDate("", "", fallback)
	if !got.Equal(fallback) {
		t.Errorf("fallback = %v", got)
	}
}
