package classify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/fsnotify/fsnotify"
)

// promptData is what every instruction template renders against.
type promptData struct {
	Today   string
	Excerpt string
	Channel string
	Course  string
}

// Built-in instruction templates, one per (provider, kind). Each encodes
// a false-positive-averse policy: ambiguous or purely informational
// content must come back isImportant=false. Operators can override any
// of them by dropping a <key>.tmpl file into the prompt directory.
var defaultPromptText = map[string]string{
	"canvas_assignment": `Today's date is {{.Today}}.

Rewrite this Canvas assignment{{if .Course}} from {{.Course}}{{end}} into a clear task.

Assignment: {{.Excerpt}}

Mark isImportant=true only if it is graded work with a deadline.
Mark isImportant=false for ungraded practice or syllabus boilerplate.

Respond with ONLY a JSON object (no markdown):
{
  "isImportant": true/false,
  "title": "Clear task title" or null,
  "description": "What needs to be done" or null,
  "dueDate": "YYYY-MM-DD" or null
}`,
	"canvas_announcement": `Today's date is {{.Today}}.

Decide whether this Canvas announcement{{if .Course}} from {{.Course}}{{end}} requires student action.

Announcement: {{.Excerpt}}

Mark isImportant=true only if it asks the student to do something (bring materials, complete a reading, schedule change requiring action).
Mark isImportant=false for grade postings, congratulations, FYI notes.

Respond with ONLY a JSON object (no markdown):
{
  "isImportant": true/false,
  "title": "Clear task title" or null,
  "description": "What needs to be done" or null,
  "dueDate": "YYYY-MM-DD" or null
}`,
	"gmail_email": `Today's date is {{.Today}}.

Analyze this email and determine if it is an ACTIONABLE TASK.

Email: {{.Excerpt}}

CRITICAL: Only mark isImportant=true if this requires someone to DO SOMETHING.

Mark isImportant=false for:
- Newsletters, promotions, receipts
- Social notifications
- FYI updates with no action needed
- Automated build or billing notices

Mark isImportant=true only for:
- Assignments or submissions with deadlines
- Meeting or interview requests needing attendance
- Explicit requests directed at the recipient

If isImportant=true, rewrite into a clear task title and extract the deadline.

Respond with ONLY a JSON object (no markdown):
{
  "isImportant": true/false,
  "title": "Clear task title" or null,
  "description": "What needs to be done" or null,
  "dueDate": "YYYY-MM-DD" or null
}`,
	"slack_message": `Today's date is {{.Today}}.

Analyze this Slack message{{if .Channel}} from #{{.Channel}}{{end}} and determine if it is an ACTIONABLE TASK.

Message: {{.Excerpt}}

CRITICAL: Only mark isImportant=true if this requires someone to DO SOMETHING with a deadline.

Mark isImportant=false for:
- Casual conversations, chit-chat
- Social messages, memes, jokes
- FYI updates with no action needed
- General announcements without deadlines
- "Thanks", "Got it", acknowledgments
- Questions without deadlines

Mark isImportant=true only for:
- Task assignments with deadlines (e.g., "Can you finish X by Friday?")
- Project deadlines mentioned
- Meeting reminders with specific times to attend
- Code review requests with due dates
- Action items from meetings

If isImportant=true, rewrite into a clear task title and extract the deadline.

Respond with ONLY a JSON object (no markdown):
{
  "isImportant": true/false,
  "title": "Clear task title" or null,
  "description": "What needs to be done" or null,
  "dueDate": "YYYY-MM-DD" or null
}`,
	"calendar_event": `Today's date is {{.Today}}.

Decide whether this calendar event requires attendance or preparation.

Event: {{.Excerpt}}

Mark isImportant=false for:
- Birthdays, anniversaries, holidays
- Social gatherings, parties
- Reminders about other people's events

Mark isImportant=true only for:
- Classes, lectures, exams
- Meetings or interviews the student must attend
- Events with explicit preparation work

Respond with ONLY a JSON object (no markdown):
{
  "isImportant": true/false,
  "title": "Clear task title" or null,
  "description": "What needs to be done" or null,
  "dueDate": "YYYY-MM-DD" or null
}`,
}

// PromptSet resolves instruction templates by (provider, kind) key.
// Built-ins are compiled once at construction; an optional directory of
// <key>.tmpl files overrides them and is hot-reloaded on change.
type PromptSet struct {
	mu        sync.RWMutex
	builtin   map[string]*template.Template
	overrides map[string]*template.Template
	dir       string
	logger    Logger
}

type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

func NewPromptSet() *PromptSet {
	builtin := make(map[string]*template.Template, len(defaultPromptText))
	for key, text := range defaultPromptText {
		builtin[key] = template.Must(template.New(key).Parse(text))
	}
	return &PromptSet{
		builtin:   builtin,
		overrides: map[string]*template.Template{},
		logger:    nopLogger{},
	}
}

func (p *PromptSet) SetLogger(logger Logger) {
	if logger == nil {
		logger = nopLogger{}
	}
	p.mu.Lock()
	p.logger = logger
	p.mu.Unlock()
}

// LoadDir parses every *.tmpl file in dir as an override keyed by its
// base name. A file that fails to parse is skipped with a log line so
// one bad override cannot take down the built-ins.
func (p *PromptSet) LoadDir(dir string) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	loaded := map[string]*template.Template{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tmpl") {
			continue
		}
		key := strings.TrimSuffix(entry.Name(), ".tmpl")
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			p.logf("prompt override %s: read failed: %v", entry.Name(), err)
			continue
		}
		tmpl, err := template.New(key).Parse(string(raw))
		if err != nil {
			p.logf("prompt override %s: parse failed: %v", entry.Name(), err)
			continue
		}
		loaded[key] = tmpl
	}
	p.mu.Lock()
	p.dir = dir
	p.overrides = loaded
	p.mu.Unlock()
	return nil
}

// Watch reloads the override directory whenever a template file changes.
// Blocks until ctx is done or the watcher fails.
func (p *PromptSet) Watch(ctx context.Context) error {
	p.mu.RLock()
	dir := p.dir
	p.mu.RUnlock()
	if dir == "" {
		return fmt.Errorf("prompt set has no override directory; call LoadDir first")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".tmpl") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := p.LoadDir(dir); err != nil {
				p.logf("prompt reload failed: %v", err)
			} else {
				p.logf("prompt overrides reloaded from %s", dir)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logf("prompt watcher error: %v", err)
		}
	}
}

// Render builds the instruction prompt for a (provider, kind) pair.
func (p *PromptSet) Render(key string, data promptData) (string, error) {
	p.mu.RLock()
	tmpl, ok := p.overrides[key]
	if !ok {
		tmpl, ok = p.builtin[key]
	}
	p.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no prompt template for %s", key)
	}
	var out strings.Builder
	if err := tmpl.Execute(&out, data); err != nil {
		return "", err
	}
	return out.String(), nil
}

func (p *PromptSet) logf(format string, args ...any) {
	p.mu.RLock()
	logger := p.logger
	p.mu.RUnlock()
	logger.Printf(format, args...)
}
