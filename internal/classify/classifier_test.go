package classify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/claritihq/tasksync/internal/taskstore"
)

type fakeChatClient struct {
	reply   string
	err     error
	prompts []string
}

func (f *fakeChatClient) Chat(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func testNow() time.Time {
	return time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
}

func TestClassifyParsesJSONReply(t *testing.T) {
	chat := &fakeChatClient{reply: `{
		"isImportant": true,
		"title": "Finish lab report",
		"description": "Submit the physics lab report",
		"dueDate": "2026-09-05"
	}`}
	classifier := NewClassifier(ClassifierOptions{ChatClient: chat})

	result := classifier.Classify(context.Background(), Request{
		Provider: taskstore.SourceSlack,
		Kind:     KindMessage,
		Excerpt:  "Can you finish the lab report by Friday?",
		Channel:  "physics",
		Now:      testNow(),
	})
	if !result.Important {
		t.Fatal("expected important")
	}
	if result.Title != "Finish lab report" {
		t.Errorf("title = %q", result.Title)
	}
	want := time.Date(2026, 9, 5, 0, 0, 0, 0, time.UTC)
	if result.DueDate == nil || !result.DueDate.Equal(want) {
		t.Errorf("due date = %v, want %v", result.DueDate, want)
	}
	if len(chat.prompts) != 1 || !strings.Contains(chat.prompts[0], "#physics") {
		t.Errorf("prompt did not carry the channel: %v", chat.prompts)
	}
	if !strings.Contains(chat.prompts[0], "2026-09-01") {
		t.Errorf("prompt did not carry today's date: %q", chat.prompts[0])
	}
}

func TestClassifyStripsMarkdownFences(t *testing.T) {
	chat := &fakeChatClient{reply: "```json\n{\"isImportant\": true, \"title\": \"Review PR\", \"description\": null, \"dueDate\": null}\n```"}
	classifier := NewClassifier(ClassifierOptions{ChatClient: chat})

	result := classifier.Classify(context.Background(), Request{
		Provider: taskstore.SourceSlack,
		Kind:     KindMessage,
		Excerpt:  "please review the PR by tomorrow",
		Now:      testNow(),
	})
	if !result.Important || result.Title != "Review PR" {
		t.Fatalf("result = %+v", result)
	}
	if result.DueDate != nil {
		t.Errorf("due date = %v, want nil", result.DueDate)
	}
}

func TestClassifyUnparsableDateIsNotAnError(t *testing.T) {
	chat := &fakeChatClient{reply: `{"isImportant": true, "title": "x", "description": "y", "dueDate": "next Friday-ish"}`}
	classifier := NewClassifier(ClassifierOptions{ChatClient: chat})

	result := classifier.Classify(context.Background(), Request{
		Provider: taskstore.SourceGmail,
		Kind:     KindEmail,
		Excerpt:  "submit the form",
		Now:      testNow(),
	})
	if !result.Important {
		t.Fatal("expected important")
	}
	if result.DueDate != nil {
		t.Errorf("due date = %v, want nil for unparsable date", result.DueDate)
	}
}

func TestClassifyFallsBackOnChatError(t *testing.T) {
	chat := &fakeChatClient{err: errors.New("upstream down")}
	classifier := NewClassifier(ClassifierOptions{ChatClient: chat})

	// Slack chatter defaults to not-important in the fallback.
	slack := classifier.Classify(context.Background(), Request{
		Provider: taskstore.SourceSlack,
		Kind:     KindMessage,
		Excerpt:  "lunch anyone?",
		Now:      testNow(),
	})
	if slack.Important {
		t.Error("slack fallback should not be important")
	}

	// Canvas coursework defaults to important in the fallback.
	canvas := classifier.Classify(context.Background(), Request{
		Provider: taskstore.SourceCanvas,
		Kind:     KindAssignment,
		Excerpt:  "Problem set 4",
		Now:      testNow(),
	})
	if !canvas.Important {
		t.Error("canvas fallback should be important")
	}
	if canvas.Title != "Problem set 4" {
		t.Errorf("fallback title = %q", canvas.Title)
	}
}

func TestClassifyFallsBackOnMalformedReply(t *testing.T) {
	cases := []struct {
		name  string
		reply string
	}{
		{"not json", "Sure! The message looks important."},
		{"wrong type", `{"isImportant": "yes", "title": null, "description": null, "dueDate": null}`},
		{"missing required", `{"title": "x"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chat := &fakeChatClient{reply: tc.reply}
			classifier := NewClassifier(ClassifierOptions{ChatClient: chat})
			result := classifier.Classify(context.Background(), Request{
				Provider: taskstore.SourceCanvas,
				Kind:     KindAssignment,
				Excerpt:  "Essay draft",
				Now:      testNow(),
			})
			// Fallback, not a panic or zero value: canvas defaults important.
			if !result.Important || result.Title != "Essay draft" {
				t.Fatalf("result = %+v, want canvas fallback", result)
			}
		})
	}
}

func TestClassifyTruncatesExcerpt(t *testing.T) {
	chat := &fakeChatClient{reply: `{"isImportant": false, "title": null, "description": null, "dueDate": null}`}
	classifier := NewClassifier(ClassifierOptions{ChatClient: chat})

	long := strings.Repeat("a", 2000)
	classifier.Classify(context.Background(), Request{
		Provider: taskstore.SourceGmail,
		Kind:     KindEmail,
		Excerpt:  long,
		Now:      testNow(),
	})
	if len(chat.prompts) != 1 {
		t.Fatalf("prompts = %d, want 1", len(chat.prompts))
	}
	if strings.Contains(chat.prompts[0], strings.Repeat("a", excerptLimit+1)) {
		t.Error("excerpt was not truncated before prompting")
	}
}

func TestTruncateCutsOnRuneBoundaries(t *testing.T) {
	// 600 three-byte runes; a byte-index cut at 500 would split one.
	text := strings.Repeat("日", 600)
	got := truncate(text, excerptLimit)
	if !utf8.ValidString(got) {
		t.Fatal("truncated excerpt is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(got); n != excerptLimit {
		t.Errorf("rune count = %d, want %d", n, excerptLimit)
	}
	if short := "short"; truncate(short, excerptLimit) != short {
		t.Error("text under the limit was modified")
	}
}

func TestPromptKeyRouting(t *testing.T) {
	cases := []struct {
		provider taskstore.Source
		kind     Kind
		want     string
	}{
		{taskstore.SourceCanvas, KindAssignment, "canvas_assignment"},
		{taskstore.SourceCanvas, KindQuiz, "canvas_assignment"},
		{taskstore.SourceCanvas, KindDiscussion, "canvas_assignment"},
		{taskstore.SourceCanvas, KindAnnouncement, "canvas_announcement"},
		{taskstore.SourceGmail, KindEmail, "gmail_email"},
		{taskstore.SourceSlack, KindMessage, "slack_message"},
		{taskstore.SourceGoogleCalendar, KindEvent, "calendar_event"},
	}
	for _, tc := range cases {
		if got := promptKey(tc.provider, tc.kind); got != tc.want {
			t.Errorf("promptKey(%s, %s) = %q, want %q", tc.provider, tc.kind, got, tc.want)
		}
	}
}
