package taskstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Store is the persistence seam for canonical tasks and integrations.
// Backends enforce the (user, source, sourceId) uniqueness invariant; the
// Upsert helper routes writes through FindBySourceKey so repeated syncs of
// the same external item update in place instead of duplicating.
type Store interface {
	FindBySourceKey(ctx context.Context, userID string, source Source, sourceID string) (*Task, error)
	Create(ctx context.Context, task *Task) (*Task, error)
	Update(ctx context.Context, task *Task) error
	Delete(ctx context.Context, userID, taskID string) error
	DeleteBySource(ctx context.Context, userID string, source Source) (int, error)
	DeleteMatching(ctx context.Context, userID string, patterns []string) (int, error)
	ListByUser(ctx context.Context, userID string) ([]Task, error)
	ListBySource(ctx context.Context, userID string, source Source) ([]Task, error)
	ListDueBetween(ctx context.Context, userID string, from, to time.Time) ([]Task, error)

	GetIntegration(ctx context.Context, userID string, provider Source) (*Integration, error)
	ListConnectedIntegrations(ctx context.Context, userID string) ([]Integration, error)
	SaveIntegration(ctx context.Context, integration *Integration) (*Integration, error)
	TouchLastSynced(ctx context.Context, userID string, provider Source, at time.Time) error

	Close() error
}

type UpsertOutcome string

const (
	UpsertCreated UpsertOutcome = "created"
	UpsertUpdated UpsertOutcome = "updated"
)

// Upsert persists an ingested task, keyed by (UserID, Source, SourceID).
// An existing row is overwritten with the freshly computed ingestion
// fields. Completed/CompletedAt are the exception: the user owns those,
// so a re-sync keeps the stored values unless the incoming task carries
// provider-reported completion (CompletionReported). The AI ranking
// fields (Priority, UrgencyScore, AISummary, AIProcessed) belong to the
// prioritization pass and survive the overwrite, as do ID and CreatedAt.
func Upsert(ctx context.Context, store Store, task *Task) (UpsertOutcome, error) {
	if task == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(task.UserID) == "" || strings.TrimSpace(task.SourceID) == "" || task.Source == "" {
		return "", fmt.Errorf("%w: task requires userId, source and sourceId", ErrInvalidInput)
	}
	if strings.TrimSpace(task.Title) == "" {
		return "", fmt.Errorf("%w: task requires a title", ErrInvalidInput)
	}
	existing, err := store.FindBySourceKey(ctx, task.UserID, task.Source, task.SourceID)
	if errors.Is(err, ErrNotFound) {
		if _, err := store.Create(ctx, task); err != nil {
			return "", err
		}
		return UpsertCreated, nil
	}
	if err != nil {
		return "", err
	}

	updated := *existing
	updated.Title = task.Title
	updated.Description = task.Description
	updated.DueDate = task.DueDate
	// Completion belongs to the user unless the provider reported it.
	if task.CompletionReported {
		updated.Completed = task.Completed
		updated.CompletedAt = task.CompletedAt
	}
	updated.Category = task.Category
	updated.Course = task.Course
	updated.SourceURL = task.SourceURL
	updated.Metadata = task.Metadata
	if err := store.Update(ctx, &updated); err != nil {
		return "", err
	}
	return UpsertUpdated, nil
}
