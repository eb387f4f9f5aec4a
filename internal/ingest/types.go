package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/claritihq/tasksync/internal/classify"
	"github.com/claritihq/tasksync/internal/taskstore"
)

var (
	// ErrProviderUnavailable marks upstream non-2xx or network failures.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrAuthExpired marks a failed token refresh; callers should prompt
	// re-authentication instead of retrying.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrNotConnected means the user has no usable integration for the
	// requested provider.
	ErrNotConnected = errors.New("integration not connected")
)

// ProviderError wraps an upstream API failure with enough detail to log.
type ProviderError struct {
	Provider   taskstore.Source
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s api: status=%d message=%s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s api: status=%d", e.Provider, e.StatusCode)
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProviderUnavailable
}

// Summary reports one provider sync run.
type Summary struct {
	Provider       taskstore.Source `json:"provider"`
	Success        bool             `json:"success"`
	ItemsProcessed int              `json:"itemsProcessed"`
	Created        int              `json:"created"`
	Updated        int              `json:"updated"`
	Filtered       int              `json:"filtered"`
	Failed         int              `json:"failed"`
	Message        string           `json:"message,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// AllSummary aggregates a sync-all run across connected providers.
type AllSummary struct {
	Success   bool      `json:"success"`
	Providers []Summary `json:"providers"`
	Created   int       `json:"created"`
	Updated   int       `json:"updated"`
	Filtered  int       `json:"filtered"`
	Failed    int       `json:"failed"`
}

// Event is one progress notification published while a sync runs.
type Event struct {
	UserID         string           `json:"userId"`
	Provider       taskstore.Source `json:"provider"`
	Phase          string           `json:"phase"`
	ItemsProcessed int              `json:"itemsProcessed"`
	Created        int              `json:"created"`
	Updated        int              `json:"updated"`
	Filtered       int              `json:"filtered"`
	Failed         int              `json:"failed"`
	Error          string           `json:"error,omitempty"`
}

const (
	PhaseFetching   = "fetching"
	PhaseProcessing = "processing"
	PhaseDone       = "done"
	PhaseFailed     = "failed"
)

// EventSink receives progress events. Publish must not block for long;
// the websocket hub drops events for slow subscribers.
type EventSink interface {
	Publish(event Event)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Item is one raw provider record. Normalize turns it into zero or more
// canonical tasks: an empty result with a nil error means the item was
// filtered out, which is an expected outcome, not a failure.
type Item interface {
	Key() string
	Normalize(ctx context.Context, nc NormalizeContext) ([]*taskstore.Task, error)
}

// NormalizeContext carries the per-sync collaborators into normalizers.
type NormalizeContext struct {
	UserID     string
	Classifier *classify.Classifier
	Now        time.Time
}

// Provider fetches one source's raw items for a sync run.
type Provider interface {
	Source() taskstore.Source
	Fetch(ctx context.Context, integration *taskstore.Integration) ([]Item, error)
}
