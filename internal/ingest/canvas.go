package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/claritihq/tasksync/internal/classify"
	"github.com/claritihq/tasksync/internal/taskstore"
)

// CanvasClient fetches course content from a Canvas LMS instance. The
// base URL comes from the integration's metadata (each school runs its
// own instance).
type CanvasClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewCanvasClient(baseURL, token string, httpClient *http.Client) (*CanvasClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("canvas base url is required")
	}
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("canvas access token is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &CanvasClient{baseURL: baseURL, token: token, httpClient: httpClient}, nil
}

type canvasCourse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type canvasAssignment struct {
	ID                      int64      `json:"id"`
	Name                    string     `json:"name"`
	Description             string     `json:"description"`
	DueAt                   *time.Time `json:"due_at"`
	HTMLURL                 string     `json:"html_url"`
	PointsPossible          float64    `json:"points_possible"`
	SubmissionTypes         []string   `json:"submission_types"`
	HasSubmittedSubmissions bool       `json:"has_submitted_submissions"`
}

type canvasAnnouncement struct {
	ID        int64      `json:"id"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	PostedAt  *time.Time `json:"posted_at"`
	CreatedAt *time.Time `json:"created_at"`
	ReadState string     `json:"read_state"`
	HTMLURL   string     `json:"html_url"`
}

type canvasQuiz struct {
	ID              int64      `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	DueAt           *time.Time `json:"due_at"`
	HTMLURL         string     `json:"html_url"`
	PointsPossible  float64    `json:"points_possible"`
	TimeLimit       int        `json:"time_limit"`
	AllowedAttempts int        `json:"allowed_attempts"`
}

type canvasDiscussion struct {
	ID             int64  `json:"id"`
	Title          string `json:"title"`
	Message        string `json:"message"`
	HTMLURL        string `json:"html_url"`
	IsAnnouncement bool   `json:"is_announcement"`
	RequirePost    bool   `json:"require_initial_post"`
	Assignment     *struct {
		DueAt *time.Time `json:"due_at"`
	} `json:"assignment"`
}

func (c *CanvasClient) ListCourses(ctx context.Context) ([]canvasCourse, error) {
	var courses []canvasCourse
	err := c.getJSON(ctx, "/api/v1/courses?enrollment_state=active", &courses)
	return courses, err
}

func (c *CanvasClient) ListAssignments(ctx context.Context, courseID int64) ([]canvasAssignment, error) {
	var assignments []canvasAssignment
	err := c.getJSON(ctx, fmt.Sprintf("/api/v1/courses/%d/assignments", courseID), &assignments)
	return assignments, err
}

func (c *CanvasClient) ListAnnouncements(ctx context.Context, courseID int64) ([]canvasAnnouncement, error) {
	var announcements []canvasAnnouncement
	err := c.getJSON(ctx, fmt.Sprintf("/api/v1/courses/%d/discussion_topics?only_announcements=true", courseID), &announcements)
	return announcements, err
}

func (c *CanvasClient) ListQuizzes(ctx context.Context, courseID int64) ([]canvasQuiz, error) {
	var quizzes []canvasQuiz
	err := c.getJSON(ctx, fmt.Sprintf("/api/v1/courses/%d/quizzes", courseID), &quizzes)
	return quizzes, err
}

func (c *CanvasClient) ListDiscussions(ctx context.Context, courseID int64) ([]canvasDiscussion, error) {
	var discussions []canvasDiscussion
	err := c.getJSON(ctx, fmt.Sprintf("/api/v1/courses/%d/discussion_topics?per_page=20", courseID), &discussions)
	return discussions, err
}

func (c *CanvasClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &ProviderError{
			Provider:   taskstore.SourceCanvas,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CanvasProvider adapts the client to the orchestrator. One fetch walks
// every active course and collects all four item kinds; a failing
// sub-fetch for one course is logged and skipped so one misconfigured
// course cannot abort the whole sync.
type CanvasProvider struct {
	defaultBaseURL string
	httpClient     *http.Client
	logger         Logger
}

func NewCanvasProvider(defaultBaseURL string, httpClient *http.Client, logger Logger) *CanvasProvider {
	if logger == nil {
		logger = nopLogger{}
	}
	return &CanvasProvider{
		defaultBaseURL: strings.TrimSpace(defaultBaseURL),
		httpClient:     httpClient,
		logger:         logger,
	}
}

func (p *CanvasProvider) Source() taskstore.Source { return taskstore.SourceCanvas }

func (p *CanvasProvider) Fetch(ctx context.Context, integration *taskstore.Integration) ([]Item, error) {
	baseURL := p.defaultBaseURL
	if integration.Metadata != nil {
		if fromMeta, _ := integration.Metadata["canvasUrl"].(string); strings.TrimSpace(fromMeta) != "" {
			baseURL = fromMeta
		}
	}
	client, err := NewCanvasClient(baseURL, integration.AccessToken, p.httpClient)
	if err != nil {
		return nil, err
	}
	courses, err := client.ListCourses(ctx)
	if err != nil {
		return nil, err
	}

	var items []Item
	for _, course := range courses {
		assignments, err := client.ListAssignments(ctx, course.ID)
		if err != nil {
			p.logger.Printf("canvas course %d assignments: %v", course.ID, err)
		}
		for _, assignment := range assignments {
			items = append(items, &canvasAssignmentItem{assignment: assignment, course: course.Name})
		}

		announcements, err := client.ListAnnouncements(ctx, course.ID)
		if err != nil {
			p.logger.Printf("canvas course %d announcements: %v", course.ID, err)
		}
		for _, announcement := range announcements {
			items = append(items, &canvasAnnouncementItem{announcement: announcement, course: course.Name})
		}

		quizzes, err := client.ListQuizzes(ctx, course.ID)
		if err != nil {
			p.logger.Printf("canvas course %d quizzes: %v", course.ID, err)
		}
		for _, quiz := range quizzes {
			items = append(items, &canvasQuizItem{quiz: quiz, course: course.Name})
		}

		discussions, err := client.ListDiscussions(ctx, course.ID)
		if err != nil {
			p.logger.Printf("canvas course %d discussions: %v", course.ID, err)
		}
		for _, discussion := range discussions {
			if discussion.IsAnnouncement {
				continue
			}
			items = append(items, &canvasDiscussionItem{discussion: discussion, course: course.Name})
		}
	}
	return items, nil
}

type canvasAssignmentItem struct {
	assignment canvasAssignment
	course     string
}

func (i *canvasAssignmentItem) Key() string {
	return fmt.Sprintf("assignment_%d", i.assignment.ID)
}

func (i *canvasAssignmentItem) Normalize(ctx context.Context, nc NormalizeContext) ([]*taskstore.Task, error) {
	// Assignments need a temporal anchor; no due date means no task.
	if i.assignment.DueAt == nil {
		return nil, nil
	}
	description := i.assignment.Description
	if description == "" {
		description = "Assignment for " + i.course
	}
	result := nc.Classifier.Classify(ctx, classify.Request{
		Provider: taskstore.SourceCanvas,
		Kind:     classify.KindAssignment,
		Excerpt:  i.assignment.Name + " " + stripHTML(description),
		Course:   i.course,
		Now:      nc.Now,
	})
	if !result.Important {
		return nil, nil
	}
	due := *i.assignment.DueAt
	return []*taskstore.Task{{
		Title:              i.assignment.Name,
		Description:        description,
		DueDate:            &due,
		Completed:          i.assignment.HasSubmittedSubmissions,
		CompletionReported: true,
		Category:           taskstore.CategoryAssignment,
		Course:             i.course,
		Source:             taskstore.SourceCanvas,
		SourceID:           i.Key(),
		SourceURL:          i.assignment.HTMLURL,
		Metadata: map[string]any{
			"points":          i.assignment.PointsPossible,
			"submissionTypes": i.assignment.SubmissionTypes,
			"type":            "assignment",
		},
	}}, nil
}

type canvasAnnouncementItem struct {
	announcement canvasAnnouncement
	course       string
}

func (i *canvasAnnouncementItem) Key() string {
	return fmt.Sprintf("announcement_%d", i.announcement.ID)
}

func (i *canvasAnnouncementItem) Normalize(ctx context.Context, nc NormalizeContext) ([]*taskstore.Task, error) {
	posted := i.announcement.PostedAt
	if posted == nil {
		posted = i.announcement.CreatedAt
	}
	if posted == nil || posted.Before(nc.Now.AddDate(0, 0, -30)) {
		return nil, nil
	}
	message := i.announcement.Message
	if message == "" {
		message = "Course announcement"
	}
	result := nc.Classifier.Classify(ctx, classify.Request{
		Provider: taskstore.SourceCanvas,
		Kind:     classify.KindAnnouncement,
		Excerpt:  i.announcement.Title + " " + stripHTML(message),
		Course:   i.course,
		Now:      nc.Now,
	})
	if !result.Important {
		return nil, nil
	}
	// Announcements are valid without a due date.
	return []*taskstore.Task{{
		Title:              "📢 " + i.announcement.Title,
		Description:        message,
		Completed:          i.announcement.ReadState == "read",
		CompletionReported: true,
		Category:           taskstore.CategoryAnnouncement,
		Course:             i.course,
		Source:             taskstore.SourceCanvas,
		SourceID:           i.Key(),
		SourceURL:          i.announcement.HTMLURL,
		Metadata: map[string]any{
			"postedAt": posted.Format(time.RFC3339),
			"type":     "announcement",
		},
	}}, nil
}

type canvasQuizItem struct {
	quiz   canvasQuiz
	course string
}

func (i *canvasQuizItem) Key() string {
	return fmt.Sprintf("quiz_%d", i.quiz.ID)
}

func (i *canvasQuizItem) Normalize(ctx context.Context, nc NormalizeContext) ([]*taskstore.Task, error) {
	if i.quiz.DueAt == nil {
		return nil, nil
	}
	description := i.quiz.Description
	if description == "" {
		description = "Quiz for " + i.course
	}
	result := nc.Classifier.Classify(ctx, classify.Request{
		Provider: taskstore.SourceCanvas,
		Kind:     classify.KindQuiz,
		Excerpt:  i.quiz.Title + " " + stripHTML(description),
		Course:   i.course,
		Now:      nc.Now,
	})
	if !result.Important {
		return nil, nil
	}
	due := *i.quiz.DueAt
	return []*taskstore.Task{{
		Title:       "📝 " + i.quiz.Title,
		Description: description,
		DueDate:     &due,
		Category:    taskstore.CategoryQuiz,
		Course:      i.course,
		Source:      taskstore.SourceCanvas,
		SourceID:    i.Key(),
		SourceURL:   i.quiz.HTMLURL,
		Metadata: map[string]any{
			"points":          i.quiz.PointsPossible,
			"timeLimit":       i.quiz.TimeLimit,
			"allowedAttempts": i.quiz.AllowedAttempts,
			"type":            "quiz",
		},
	}}, nil
}

type canvasDiscussionItem struct {
	discussion canvasDiscussion
	course     string
}

func (i *canvasDiscussionItem) Key() string {
	return fmt.Sprintf("discussion_%d", i.discussion.ID)
}

func (i *canvasDiscussionItem) Normalize(ctx context.Context, nc NormalizeContext) ([]*taskstore.Task, error) {
	if i.discussion.Assignment == nil || i.discussion.Assignment.DueAt == nil {
		return nil, nil
	}
	message := i.discussion.Message
	if message == "" {
		message = "Discussion topic"
	}
	result := nc.Classifier.Classify(ctx, classify.Request{
		Provider: taskstore.SourceCanvas,
		Kind:     classify.KindDiscussion,
		Excerpt:  i.discussion.Title + " " + stripHTML(message),
		Course:   i.course,
		Now:      nc.Now,
	})
	if !result.Important {
		return nil, nil
	}
	due := *i.discussion.Assignment.DueAt
	return []*taskstore.Task{{
		Title:       "💬 " + i.discussion.Title,
		Description: message,
		DueDate:     &due,
		Category:    taskstore.CategoryDiscussion,
		Course:      i.course,
		Source:      taskstore.SourceCanvas,
		SourceID:    i.Key(),
		SourceURL:   i.discussion.HTMLURL,
		Metadata: map[string]any{
			"requiresInitialPost": i.discussion.RequirePost,
			"type":                "discussion",
		},
	}}, nil
}
