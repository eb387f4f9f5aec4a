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

// calendarExclusionKeywords reject events before any classifier call.
// Cheap deterministic filtering first, model judgment second.
var calendarExclusionKeywords = []string{
	"birthday",
	"bday",
	"b-day",
	"anniversary",
	"party",
	"wedding",
	"social",
	"happy hour",
}

const calendarWindow = 30 * 24 * time.Hour

type CalendarClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewCalendarClient(token string, httpClient *http.Client) *CalendarClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &CalendarClient{
		baseURL:    "https://www.googleapis.com",
		token:      token,
		httpClient: httpClient,
	}
}

type calendarEvent struct {
	ID          string `json:"id"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Location    string `json:"location"`
	HTMLLink    string `json:"htmlLink"`
	Start       struct {
		DateTime *time.Time `json:"dateTime"`
	} `json:"start"`
	Attendees []struct {
		Email string `json:"email"`
	} `json:"attendees"`
}

func (c *CalendarClient) ListEvents(ctx context.Context, from, to time.Time) ([]calendarEvent, error) {
	endpoint := fmt.Sprintf(
		"%s/calendar/v3/calendars/primary/events?timeMin=%s&timeMax=%s&singleEvents=true&orderBy=startTime",
		c.baseURL,
		from.UTC().Format(time.RFC3339),
		to.UTC().Format(time.RFC3339),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &ProviderError{
			Provider:   taskstore.SourceGoogleCalendar,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}
	var parsed struct {
		Items []calendarEvent `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	return parsed.Items, nil
}

// CalendarProvider fetches the next 30 days of the primary calendar.
type CalendarProvider struct {
	httpClient *http.Client
	now        func() time.Time
}

func NewCalendarProvider(httpClient *http.Client) *CalendarProvider {
	return &CalendarProvider{
		httpClient: httpClient,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (p *CalendarProvider) Source() taskstore.Source { return taskstore.SourceGoogleCalendar }

func (p *CalendarProvider) Fetch(ctx context.Context, integration *taskstore.Integration) ([]Item, error) {
	client := NewCalendarClient(integration.AccessToken, p.httpClient)
	now := p.now()
	events, err := client.ListEvents(ctx, now, now.Add(calendarWindow))
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(events))
	for _, event := range events {
		items = append(items, &calendarEventItem{event: event})
	}
	return items, nil
}

type calendarEventItem struct {
	event calendarEvent
}

func (i *calendarEventItem) Key() string { return i.event.ID }

func (i *calendarEventItem) Normalize(ctx context.Context, nc NormalizeContext) ([]*taskstore.Task, error) {
	// All-day events carry no dateTime; meetings need a temporal anchor.
	if i.event.Start.DateTime == nil {
		return nil, nil
	}
	title := i.event.Summary
	if title == "" {
		title = "Untitled Event"
	}
	haystack := strings.ToLower(title + " " + i.event.Description)
	for _, keyword := range calendarExclusionKeywords {
		if strings.Contains(haystack, keyword) {
			return nil, nil
		}
	}

	result := nc.Classifier.Classify(ctx, classify.Request{
		Provider: taskstore.SourceGoogleCalendar,
		Kind:     classify.KindEvent,
		Excerpt:  title + " " + stripHTML(i.event.Description),
		Now:      nc.Now,
	})
	if !result.Important {
		return nil, nil
	}

	description := i.event.Description
	if description == "" {
		description = "Calendar event: " + title
	}
	start := *i.event.Start.DateTime
	return []*taskstore.Task{{
		Title:       title,
		Description: description,
		DueDate:     &start,
		Category:    taskstore.CategoryMeeting,
		Source:      taskstore.SourceGoogleCalendar,
		SourceID:    i.event.ID,
		SourceURL:   i.event.HTMLLink,
		Metadata: map[string]any{
			"location":  i.event.Location,
			"attendees": len(i.event.Attendees),
		},
	}}, nil
}
