package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/claritihq/tasksync/internal/classify"
	"github.com/claritihq/tasksync/internal/taskstore"
)

const (
	slackHistoryLookback = 7 * 24 * time.Hour
	slackHistoryLimit    = 50
	slackMaxChannels     = 5
)

type SlackClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewSlackClient(token string, httpClient *http.Client) *SlackClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &SlackClient{
		baseURL:    "https://slack.com",
		token:      token,
		httpClient: httpClient,
	}
}

type slackChannel struct {
	ID   string
	Name string
}

func (c *SlackClient) ListChannels(ctx context.Context) ([]slackChannel, error) {
	body, err := c.call(ctx, "users.conversations", url.Values{
		"types":            {"public_channel,private_channel"},
		"exclude_archived": {"true"},
	})
	if err != nil {
		return nil, err
	}
	var channels []slackChannel
	gjson.GetBytes(body, "channels").ForEach(func(_, channel gjson.Result) bool {
		channels = append(channels, slackChannel{
			ID:   channel.Get("id").String(),
			Name: channel.Get("name").String(),
		})
		return true
	})
	return channels, nil
}

// History returns the channel's raw message objects, newest first.
func (c *SlackClient) History(ctx context.Context, channelID string, oldest time.Time) ([]gjson.Result, error) {
	body, err := c.call(ctx, "conversations.history", url.Values{
		"channel": {channelID},
		"oldest":  {strconv.FormatInt(oldest.Unix(), 10)},
		"limit":   {strconv.Itoa(slackHistoryLimit)},
	})
	if err != nil {
		return nil, err
	}
	return gjson.GetBytes(body, "messages").Array(), nil
}

func (c *SlackClient) ListStars(ctx context.Context) ([]gjson.Result, error) {
	body, err := c.call(ctx, "stars.list", nil)
	if err != nil {
		return nil, err
	}
	return gjson.GetBytes(body, "items").Array(), nil
}

func (c *SlackClient) ListReminders(ctx context.Context) ([]gjson.Result, error) {
	body, err := c.call(ctx, "reminders.list", nil)
	if err != nil {
		return nil, err
	}
	return gjson.GetBytes(body, "reminders").Array(), nil
}

func (c *SlackClient) call(ctx context.Context, method string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + "/api/" + method
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
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
			Provider:   taskstore.SourceSlack,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body[:min(len(body), 512)])),
		}
	}
	// Slack reports API-level failures inside a 200 body.
	if !gjson.GetBytes(body, "ok").Bool() {
		return nil, &ProviderError{
			Provider:   taskstore.SourceSlack,
			StatusCode: resp.StatusCode,
			Message:    method + ": " + gjson.GetBytes(body, "error").String(),
		}
	}
	return body, nil
}

// SlackProvider collects three raw-item shapes: recent channel messages,
// starred items, and reminders.
type SlackProvider struct {
	httpClient *http.Client
	logger     Logger
	now        func() time.Time
	// baseURL overrides the Slack API endpoint when non-empty.
	baseURL string
}

func NewSlackProvider(httpClient *http.Client, logger Logger) *SlackProvider {
	if logger == nil {
		logger = nopLogger{}
	}
	return &SlackProvider{
		httpClient: httpClient,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (p *SlackProvider) Source() taskstore.Source { return taskstore.SourceSlack }

func (p *SlackProvider) Fetch(ctx context.Context, integration *taskstore.Integration) ([]Item, error) {
	client := NewSlackClient(integration.AccessToken, p.httpClient)
	if p.baseURL != "" {
		client.baseURL = p.baseURL
	}

	channels, err := client.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	if len(channels) > slackMaxChannels {
		channels = channels[:slackMaxChannels]
	}

	var items []Item
	oldest := p.now().Add(-slackHistoryLookback)
	for _, channel := range channels {
		messages, err := client.History(ctx, channel.ID, oldest)
		if err != nil {
			p.logger.Printf("slack history %s: %v", channel.Name, err)
			continue
		}
		for _, message := range messages {
			text := message.Get("text").String()
			if text == "" || message.Get("bot_id").Exists() {
				continue
			}
			items = append(items, &slackMessageItem{
				text:    text,
				ts:      message.Get("ts").String(),
				channel: channel.Name,
			})
		}
	}

	stars, err := client.ListStars(ctx)
	if err != nil {
		p.logger.Printf("slack stars: %v", err)
	}
	for _, item := range stars {
		text := item.Get("message.text").String()
		if text == "" {
			continue
		}
		ts := item.Get("message.ts").String()
		if ts == "" {
			ts = item.Get("date_create").String()
		}
		items = append(items, &slackStarItem{
			text:      text,
			ts:        ts,
			channel:   item.Get("channel").String(),
			permalink: item.Get("message.permalink").String(),
		})
	}

	reminders, err := client.ListReminders(ctx)
	if err != nil {
		p.logger.Printf("slack reminders: %v", err)
	}
	for _, reminder := range reminders {
		items = append(items, &slackReminderItem{
			id:       reminder.Get("id").String(),
			text:     reminder.Get("text").String(),
			time:     reminder.Get("time").Int(),
			complete: reminder.Get("complete").Bool(),
		})
	}
	return items, nil
}

type slackMessageItem struct {
	text    string
	ts      string
	channel string
}

func (i *slackMessageItem) Key() string { return "slack_msg_" + i.ts }

func (i *slackMessageItem) Normalize(ctx context.Context, nc NormalizeContext) ([]*taskstore.Task, error) {
	return normalizeSlackText(ctx, nc, i.text, i.channel, i.Key(), "", map[string]any{
		"channel":      i.channel,
		"type":         "message",
		"aiDetermined": true,
		"originalText": truncateRunes(i.text, 200),
	})
}

type slackStarItem struct {
	text      string
	ts        string
	channel   string
	permalink string
}

func (i *slackStarItem) Key() string { return "slack_star_" + i.ts }

func (i *slackStarItem) Normalize(ctx context.Context, nc NormalizeContext) ([]*taskstore.Task, error) {
	return normalizeSlackText(ctx, nc, i.text, "starred", i.Key(), i.permalink, map[string]any{
		"channel":      i.channel,
		"type":         "starred",
		"aiDetermined": true,
		"originalText": truncateRunes(i.text, 200),
	})
}

// normalizeSlackText is the shared classifier path for channel messages
// and starred items: both must come back important AND dated to become
// a task. Chatter without a deadline never survives.
func normalizeSlackText(ctx context.Context, nc NormalizeContext, text, channel, sourceID, sourceURL string, metadata map[string]any) ([]*taskstore.Task, error) {
	result := nc.Classifier.Classify(ctx, classify.Request{
		Provider: taskstore.SourceSlack,
		Kind:     classify.KindMessage,
		Excerpt:  text,
		Channel:  channel,
		Now:      nc.Now,
	})
	if !result.Important || result.DueDate == nil {
		return nil, nil
	}
	return []*taskstore.Task{{
		Title:       result.Title,
		Description: result.Description,
		DueDate:     result.DueDate,
		Category:    taskstore.CategoryEmail,
		Source:      taskstore.SourceSlack,
		SourceID:    sourceID,
		SourceURL:   sourceURL,
		Metadata:    metadata,
	}}, nil
}

type slackReminderItem struct {
	id       string
	text     string
	time     int64
	complete bool
}

func (i *slackReminderItem) Key() string { return "slack_reminder_" + i.id }

// Reminders bypass the classifier: the user already marked them as
// intentional. Completed ones and ones without a due time are skipped.
func (i *slackReminderItem) Normalize(ctx context.Context, nc NormalizeContext) ([]*taskstore.Task, error) {
	if i.complete || i.time <= 0 {
		return nil, nil
	}
	due := time.Unix(i.time, 0).UTC()
	return []*taskstore.Task{{
		Title:       "🔔 " + i.text,
		Description: i.text,
		DueDate:     &due,
		Category:    taskstore.CategoryEmail,
		Source:      taskstore.SourceSlack,
		SourceID:    i.Key(),
		Metadata: map[string]any{
			"reminderId": i.id,
			"type":       "reminder",
		},
	}}, nil
}
