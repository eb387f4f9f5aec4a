package classify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/claritihq/tasksync/internal/taskstore"
)

// Kind identifies the item type being classified; the instruction
// template and the fallback policy both key off it.
type Kind string

const (
	KindAssignment   Kind = "assignment"
	KindAnnouncement Kind = "announcement"
	KindQuiz         Kind = "quiz"
	KindDiscussion   Kind = "discussion"
	KindEmail        Kind = "email"
	KindMessage      Kind = "message"
	KindEvent        Kind = "event"
)

const excerptLimit = 500

// Request carries one item's text to the classifier. Now anchors
// relative-date reasoning and is injected for testability.
type Request struct {
	Provider taskstore.Source
	Kind     Kind
	Excerpt  string
	Channel  string
	Course   string
	Now      time.Time
}

// Result is the classifier's judgment. A nil DueDate is a valid outcome,
// not an error; Title and Description fall back to the excerpt when the
// model returns nothing usable.
type Result struct {
	Important   bool
	Title       string
	Description string
	DueDate     *time.Time
}

// resultSchema is compiled once and guards the model's reply before it
// is trusted: isImportant must be a boolean, the rest nullable strings.
const resultSchemaText = `{
	"type": "object",
	"required": ["isImportant"],
	"properties": {
		"isImportant": {"type": "boolean"},
		"title": {"type": ["string", "null"]},
		"description": {"type": ["string", "null"]},
		"dueDate": {"type": ["string", "null"]}
	}
}`

func compileResultSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(resultSchemaText))
	if err != nil {
		panic(fmt.Sprintf("classifier result schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("classifier_result.json", doc); err != nil {
		panic(fmt.Sprintf("classifier result schema: %v", err))
	}
	schema, err := compiler.Compile("classifier_result.json")
	if err != nil {
		panic(fmt.Sprintf("classifier result schema: %v", err))
	}
	return schema
}

var resultSchema = compileResultSchema()

type ClassifierOptions struct {
	ChatClient ChatClient
	Prompts    *PromptSet
	Logger     Logger
}

// Classifier judges whether raw provider items are actionable tasks and
// rewrites them. Every failure path resolves through the deterministic
// fallback, so callers never see a classification error.
type Classifier struct {
	chat    ChatClient
	prompts *PromptSet
	logger  Logger
}

func NewClassifier(opts ClassifierOptions) *Classifier {
	prompts := opts.Prompts
	if prompts == nil {
		prompts = NewPromptSet()
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Classifier{
		chat:    opts.ChatClient,
		prompts: prompts,
		logger:  logger,
	}
}

func (c *Classifier) Classify(ctx context.Context, req Request) Result {
	req.Excerpt = truncate(strings.TrimSpace(req.Excerpt), excerptLimit)
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}
	result, err := c.classify(ctx, req)
	if err != nil {
		c.logger.Printf("classifier fallback for %s/%s: %v", req.Provider, req.Kind, err)
		return Fallback(req)
	}
	return result
}

func (c *Classifier) classify(ctx context.Context, req Request) (Result, error) {
	if c.chat == nil {
		return Result{}, fmt.Errorf("no chat client configured")
	}
	prompt, err := c.prompts.Render(promptKey(req.Provider, req.Kind), promptData{
		Today:   req.Now.Format("2006-01-02"),
		Excerpt: req.Excerpt,
		Channel: req.Channel,
		Course:  req.Course,
	})
	if err != nil {
		return Result{}, err
	}
	reply, err := c.chat.Chat(ctx, prompt)
	if err != nil {
		return Result{}, err
	}
	return parseResult(reply, req)
}

func parseResult(reply string, req Request) (Result, error) {
	jsonText := stripFences(reply)
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonText))
	if err != nil {
		return Result{}, fmt.Errorf("classifier reply is not JSON: %w", err)
	}
	if err := resultSchema.Validate(doc); err != nil {
		return Result{}, fmt.Errorf("classifier reply schema: %w", err)
	}
	fields, ok := doc.(map[string]any)
	if !ok {
		return Result{}, fmt.Errorf("classifier reply is not an object")
	}

	result := Result{
		Important:   fields["isImportant"] == true,
		Title:       stringField(fields, "title"),
		Description: stringField(fields, "description"),
	}
	if result.Title == "" {
		result.Title = truncate(req.Excerpt, 100)
	}
	if result.Description == "" {
		result.Description = truncate(req.Excerpt, 300)
	}
	if raw := stringField(fields, "dueDate"); raw != "" {
		if due, err := parseISODate(raw); err == nil {
			result.DueDate = &due
		}
	}
	return result, nil
}

// stripFences removes markdown code-fence wrapping some models insist on
// adding around JSON replies.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.Contains(text, "```") {
		return text
	}
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```", "")
	return strings.TrimSpace(text)
}

func parseISODate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable date %q", raw)
}

func promptKey(provider taskstore.Source, kind Kind) string {
	switch provider {
	case taskstore.SourceCanvas:
		// Quizzes and discussions look like assignments to the model.
		if kind == KindQuiz || kind == KindDiscussion {
			kind = KindAssignment
		}
		return "canvas_" + string(kind)
	case taskstore.SourceGmail:
		return "gmail_email"
	case taskstore.SourceSlack:
		return "slack_message"
	case taskstore.SourceGoogleCalendar:
		return "calendar_event"
	default:
		return string(provider) + "_" + string(kind)
	}
}

func stringField(fields map[string]any, key string) string {
	value, _ := fields[key].(string)
	return strings.TrimSpace(value)
}

// truncate cuts on rune boundaries so a limit landing inside a
// multi-byte character cannot leak invalid UTF-8 into a prompt.
func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
