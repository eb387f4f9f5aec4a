package ingest

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/claritihq/tasksync/internal/classify"
	"github.com/claritihq/tasksync/internal/taskstore"
)

// Search queries targeting academic and work email. Each runs with a
// two-day lookback window; across queries a message can match more than
// once, which the per-sync seen set absorbs.
var gmailSearchQueries = []string{
	`assignment OR homework OR project`,
	`deadline OR "due date" OR "due by"`,
	`exam OR quiz OR test`,
	`presentation OR submit OR submission`,
	`meeting OR interview OR appointment`,
	`reminder OR action required`,
	`grade OR feedback OR review`,
}

const (
	gmailLookback   = "newer_than:2d"
	gmailMaxResults = 30
)

type GmailClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewGmailClient(token string, httpClient *http.Client) *GmailClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &GmailClient{
		baseURL:    "https://gmail.googleapis.com",
		token:      token,
		httpClient: httpClient,
	}
}

func (c *GmailClient) SearchMessages(ctx context.Context, query string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/gmail/v1/users/me/messages?q=%s&maxResults=%d",
		c.baseURL, url.QueryEscape(query+" "+gmailLookback), gmailMaxResults)
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, id := range gjson.GetBytes(body, "messages.#.id").Array() {
		ids = append(ids, id.String())
	}
	return ids, nil
}

func (c *GmailClient) GetMessage(ctx context.Context, id string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/gmail/v1/users/me/messages/%s?format=full", c.baseURL, url.PathEscape(id))
	return c.get(ctx, endpoint)
}

func (c *GmailClient) get(ctx context.Context, endpoint string) ([]byte, error) {
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
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProviderError{
			Provider:   taskstore.SourceGmail,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body[:min(len(body), 512)])),
		}
	}
	return body, nil
}

// GmailProvider runs the fixed search queries and fetches each matching
// message in full. A failing search query is logged and skipped; only a
// total inability to reach the API fails the fetch.
type GmailProvider struct {
	httpClient *http.Client
	logger     Logger
	// baseURL overrides the Gmail API endpoint when non-empty.
	baseURL string
}

func NewGmailProvider(httpClient *http.Client, logger Logger) *GmailProvider {
	if logger == nil {
		logger = nopLogger{}
	}
	return &GmailProvider{httpClient: httpClient, logger: logger}
}

func (p *GmailProvider) Source() taskstore.Source { return taskstore.SourceGmail }

func (p *GmailProvider) Fetch(ctx context.Context, integration *taskstore.Integration) ([]Item, error) {
	client := NewGmailClient(integration.AccessToken, p.httpClient)
	if p.baseURL != "" {
		client.baseURL = p.baseURL
	}

	var items []Item
	seen := map[string]struct{}{}
	succeeded := 0
	var lastErr error
	for _, query := range gmailSearchQueries {
		ids, err := client.SearchMessages(ctx, query)
		if err != nil {
			p.logger.Printf("gmail search %q: %v", query, err)
			lastErr = err
			continue
		}
		succeeded++
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			raw, err := client.GetMessage(ctx, id)
			if err != nil {
				p.logger.Printf("gmail message %s: %v", id, err)
				continue
			}
			items = append(items, &gmailMessageItem{id: id, raw: raw})
		}
	}
	if succeeded == 0 && lastErr != nil {
		return nil, lastErr
	}
	return items, nil
}

var (
	deadlineSignal = regexp.MustCompile(`(?i)deadline|due\s+(date|by|on)|submit\s+by|turn\s+in|hand\s+in`)
	actionSignal   = regexp.MustCompile(`(?i)assignment|homework|project|quiz|exam|test|meeting|interview|presentation`)
	urgencySignal  = regexp.MustCompile(`(?i)urgent|asap|important|action\s+required|reminder`)

	meetingSignal = regexp.MustCompile(`(?i)meeting|interview|appointment`)
	quizSignal    = regexp.MustCompile(`(?i)exam|quiz|test`)
	courseSignal  = regexp.MustCompile(`(?i)assignment|homework|project`)

	htmlTagPattern    = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

type gmailMessageItem struct {
	id  string
	raw []byte
}

func (i *gmailMessageItem) Key() string { return i.id }

// Normalize turns one email into zero, one, or two tasks: the email task
// itself and, for meetings carrying a time of day, a synthesized
// calendar-style task on the same deadline.
func (i *gmailMessageItem) Normalize(ctx context.Context, nc NormalizeContext) ([]*taskstore.Task, error) {
	payload := gjson.GetBytes(i.raw, "payload")
	subject := payload.Get(`headers.#(name=="Subject").value`).String()
	if subject == "" {
		subject = "No Subject"
	}
	from := payload.Get(`headers.#(name=="From").value`).String()
	received := parseGmailDate(
		payload.Get(`headers.#(name=="Date").value`).String(),
		gjson.GetBytes(i.raw, "internalDate").String(),
		nc.Now,
	)

	body := extractGmailBody(payload)
	snippet := gjson.GetBytes(i.raw, "snippet").String()
	if snippet == "" {
		snippet = truncateRunes(body, 500)
	}
	fullContent := subject + " " + body

	hasDeadline := deadlineSignal.MatchString(fullContent)
	hasAction := actionSignal.MatchString(fullContent)
	hasUrgency := urgencySignal.MatchString(fullContent)
	if !hasDeadline && !hasAction && !hasUrgency {
		return nil, nil
	}

	dueDate := extractDueDate(fullContent, received)

	result := nc.Classifier.Classify(ctx, classify.Request{
		Provider: taskstore.SourceGmail,
		Kind:     classify.KindEmail,
		Excerpt:  subject + " " + snippet,
		Now:      nc.Now,
	})
	if !result.Important {
		return nil, nil
	}
	if dueDate == nil {
		dueDate = result.DueDate
	}

	category := taskstore.CategoryEmail
	switch {
	case meetingSignal.MatchString(fullContent):
		category = taskstore.CategoryMeeting
	case quizSignal.MatchString(fullContent):
		category = taskstore.CategoryQuiz
	case courseSignal.MatchString(fullContent):
		category = taskstore.CategoryAssignment
	}

	sourceURL := "https://mail.google.com/mail/u/0/#inbox/" + i.id
	tasks := []*taskstore.Task{{
		Title:       "📧 " + subject,
		Description: snippet,
		DueDate:     dueDate,
		Category:    category,
		Source:      taskstore.SourceGmail,
		SourceID:    i.id,
		SourceURL:   sourceURL,
		Metadata: map[string]any{
			"from":         from,
			"receivedDate": received.Format(time.RFC3339),
			"hasDeadline":  hasDeadline,
			"type":         "email",
		},
	}}

	if category == taskstore.CategoryMeeting && dueDate != nil {
		if eventTime := extractMeetingTime(fullContent, *dueDate); eventTime != nil {
			tasks = append(tasks, &taskstore.Task{
				Title:       "📅 " + subject,
				Description: "Meeting from email: " + snippet,
				DueDate:     eventTime,
				Category:    taskstore.CategoryMeeting,
				Source:      taskstore.SourceGmail,
				SourceID:    "gmail_meeting_" + i.id,
				SourceURL:   sourceURL,
				Metadata: map[string]any{
					"from":          from,
					"linkedToEmail": i.id,
					"type":          "meeting",
				},
			})
		}
	}
	return tasks, nil
}

// extractGmailBody prefers the top-level body, then text/plain parts,
// then HTML parts stripped to text.
func extractGmailBody(payload gjson.Result) string {
	if data := payload.Get("body.data").String(); data != "" {
		return decodeBase64URL(data)
	}
	var plain, html strings.Builder
	payload.Get("parts").ForEach(func(_, part gjson.Result) bool {
		data := part.Get("body.data").String()
		if data == "" {
			return true
		}
		switch part.Get("mimeType").String() {
		case "text/plain":
			plain.WriteString(decodeBase64URL(data))
		case "text/html":
			if plain.Len() == 0 && html.Len() == 0 {
				html.WriteString(stripHTML(decodeBase64URL(data)))
			}
		}
		return true
	})
	if plain.Len() > 0 {
		return plain.String()
	}
	return html.String()
}

// decodeBase64URL handles Gmail's URL-safe base64, padded or not.
func decodeBase64URL(data string) string {
	if decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "=")); err == nil {
		return string(decoded)
	}
	return ""
}

func stripHTML(html string) string {
	text := htmlTagPattern.ReplaceAllString(html, " ")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
}

func parseGmailDate(header, internalMillis string, fallback time.Time) time.Time {
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, "Mon, 2 Jan 2006 15:04:05 -0700", "2 Jan 2006 15:04:05 -0700"} {
		if parsed, err := time.Parse(layout, strings.TrimSpace(header)); err == nil {
			return parsed.UTC()
		}
	}
	if millis, err := strconv.ParseInt(internalMillis, 10, 64); err == nil && millis > 0 {
		return time.UnixMilli(millis).UTC()
	}
	return fallback
}

func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
