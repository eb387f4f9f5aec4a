package taskstore

import (
	"strings"
	"time"
)

// Source identifies the external system a task was ingested from.
type Source string

const (
	SourceCanvas         Source = "canvas"
	SourceGmail          Source = "gmail"
	SourceGoogleCalendar Source = "google_calendar"
	SourceSlack          Source = "slack"
)

func ParseSource(raw string) (Source, bool) {
	switch Source(strings.ToLower(strings.TrimSpace(raw))) {
	case SourceCanvas:
		return SourceCanvas, true
	case SourceGmail:
		return SourceGmail, true
	case SourceGoogleCalendar:
		return SourceGoogleCalendar, true
	case SourceSlack:
		return SourceSlack, true
	default:
		return "", false
	}
}

type Category string

const (
	CategoryAssignment   Category = "assignment"
	CategoryAnnouncement Category = "announcement"
	CategoryQuiz         Category = "quiz"
	CategoryDiscussion   Category = "discussion"
	CategoryMeeting      Category = "meeting"
	CategoryEmail        Category = "email"
	CategoryCalendar     Category = "calendar"
	CategoryOther        Category = "other"
)

// Task is the canonical record every provider sync produces. The triple
// (UserID, Source, SourceID) is unique; SourceID values are namespaced per
// item kind (assignment_123, quiz_45, slack_msg_<ts>) so different kinds
// sharing a numeric ID space inside one provider cannot collide.
type Task struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userId"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	DueDate      *time.Time     `json:"dueDate,omitempty"`
	Completed    bool           `json:"completed"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	// CompletionReported marks Completed/CompletedAt as provider state
	// (e.g. a submitted Canvas assignment). Normalizers that cannot
	// observe completion leave it false, and Upsert then keeps whatever
	// the user set. Not persisted.
	CompletionReported bool `json:"-"`
	Priority     int            `json:"priority"`
	UrgencyScore int            `json:"urgencyScore"`
	AISummary    string         `json:"aiSummary,omitempty"`
	AIProcessed  bool           `json:"aiProcessed"`
	Category     Category       `json:"category"`
	Course       string         `json:"course,omitempty"`
	Source       Source         `json:"source"`
	SourceID     string         `json:"sourceId"`
	SourceURL    string         `json:"sourceUrl,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// SourceKey returns the composite idempotency key for the task.
func (t Task) SourceKey() string {
	return t.UserID + "|" + string(t.Source) + "|" + t.SourceID
}

func (t Task) clone() Task {
	out := t
	if t.DueDate != nil {
		due := *t.DueDate
		out.DueDate = &due
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		out.CompletedAt = &completed
	}
	if t.Metadata != nil {
		meta := make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			meta[k] = v
		}
		out.Metadata = meta
	}
	return out
}

// Integration holds the per-(user, provider) connection state the sync
// pipeline reads. Token acquisition is owned elsewhere; the pipeline only
// consumes tokens, refreshes expired ones, and stamps LastSyncedAt.
type Integration struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userId"`
	Provider     Source         `json:"provider"`
	IsConnected  bool           `json:"isConnected"`
	AccessToken  string         `json:"-"`
	RefreshToken string         `json:"-"`
	ExpiresAt    *time.Time     `json:"expiresAt,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	LastSyncedAt *time.Time     `json:"lastSyncedAt,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

func (i Integration) clone() Integration {
	out := i
	if i.ExpiresAt != nil {
		expires := *i.ExpiresAt
		out.ExpiresAt = &expires
	}
	if i.LastSyncedAt != nil {
		synced := *i.LastSyncedAt
		out.LastSyncedAt = &synced
	}
	if i.Metadata != nil {
		meta := make(map[string]any, len(i.Metadata))
		for k, v := range i.Metadata {
			meta[k] = v
		}
		out.Metadata = meta
	}
	return out
}

// TokenExpired reports whether the stored access token has passed its
// recorded expiry. Integrations without an expiry never report expired.
func (i Integration) TokenExpired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}
