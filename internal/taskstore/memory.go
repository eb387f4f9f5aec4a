package taskstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps all records in process memory. It backs tests and
// ephemeral deployments; every read hands out a deep copy so callers can
// never mutate shared state.
type MemoryStore struct {
	mu           sync.RWMutex
	tasks        map[string]Task // task id -> task
	taskKeys     map[string]string
	integrations map[string]Integration // user|provider -> integration
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:        map[string]Task{},
		taskKeys:     map[string]string{},
		integrations: map[string]Integration{},
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) FindBySourceKey(ctx context.Context, userID string, source Source, sourceID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.taskKeys[compositeKey(userID, source, sourceID)]
	if !ok {
		return nil, ErrNotFound
	}
	task := s.tasks[id].clone()
	return &task, nil
}

func (s *MemoryStore) Create(ctx context.Context, task *Task) (*Task, error) {
	if task == nil {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := task.clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := s.now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.tasks[stored.ID] = stored
	s.taskKeys[compositeKey(stored.UserID, stored.Source, stored.SourceID)] = stored.ID
	out := stored.clone()
	return &out, nil
}

func (s *MemoryStore) Update(ctx context.Context, task *Task) error {
	if task == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	delete(s.taskKeys, compositeKey(existing.UserID, existing.Source, existing.SourceID))
	stored := task.clone()
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = s.now()
	s.tasks[stored.ID] = stored
	s.taskKeys[compositeKey(stored.UserID, stored.Source, stored.SourceID)] = stored.ID
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, userID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok || task.UserID != userID {
		return ErrNotFound
	}
	delete(s.tasks, taskID)
	delete(s.taskKeys, compositeKey(task.UserID, task.Source, task.SourceID))
	return nil
}

func (s *MemoryStore) DeleteBySource(ctx context.Context, userID string, source Source) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, task := range s.tasks {
		if task.UserID != userID || task.Source != source {
			continue
		}
		delete(s.tasks, id)
		delete(s.taskKeys, compositeKey(task.UserID, task.Source, task.SourceID))
		deleted++
	}
	return deleted, nil
}

func (s *MemoryStore) DeleteMatching(ctx context.Context, userID string, patterns []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, task := range s.tasks {
		if task.UserID != userID {
			continue
		}
		if !matchesAnyPattern(task, patterns) {
			continue
		}
		delete(s.tasks, id)
		delete(s.taskKeys, compositeKey(task.UserID, task.Source, task.SourceID))
		deleted++
	}
	return deleted, nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, task := range s.tasks {
		if task.UserID == userID {
			out = append(out, task.clone())
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *MemoryStore) ListBySource(ctx context.Context, userID string, source Source) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, task := range s.tasks {
		if task.UserID == userID && task.Source == source {
			out = append(out, task.clone())
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *MemoryStore) ListDueBetween(ctx context.Context, userID string, from, to time.Time) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, task := range s.tasks {
		if task.UserID != userID || task.Completed || task.DueDate == nil {
			continue
		}
		if task.DueDate.Before(from) || task.DueDate.After(to) {
			continue
		}
		out = append(out, task.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(*out[j].DueDate) })
	return out, nil
}

func (s *MemoryStore) GetIntegration(ctx context.Context, userID string, provider Source) (*Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	integration, ok := s.integrations[integrationKey(userID, provider)]
	if !ok {
		return nil, ErrNotFound
	}
	out := integration.clone()
	return &out, nil
}

func (s *MemoryStore) ListConnectedIntegrations(ctx context.Context, userID string) ([]Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Integration
	for _, integration := range s.integrations {
		if integration.UserID == userID && integration.IsConnected {
			out = append(out, integration.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (s *MemoryStore) SaveIntegration(ctx context.Context, integration *Integration) (*Integration, error) {
	if integration == nil {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := integration.clone()
	key := integrationKey(stored.UserID, stored.Provider)
	now := s.now()
	if existing, ok := s.integrations[key]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.integrations[key] = stored
	out := stored.clone()
	return &out, nil
}

func (s *MemoryStore) TouchLastSynced(ctx context.Context, userID string, provider Source, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := integrationKey(userID, provider)
	integration, ok := s.integrations[key]
	if !ok {
		return ErrNotFound
	}
	integration.LastSyncedAt = &at
	integration.UpdatedAt = s.now()
	s.integrations[key] = integration
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func compositeKey(userID string, source Source, sourceID string) string {
	return userID + "|" + string(source) + "|" + sourceID
}

func integrationKey(userID string, provider Source) string {
	return userID + "|" + string(provider)
}

func matchesAnyPattern(task Task, patterns []string) bool {
	title := strings.ToLower(task.Title)
	description := strings.ToLower(task.Description)
	for _, pattern := range patterns {
		needle := strings.ToLower(strings.TrimSpace(pattern))
		if needle == "" {
			continue
		}
		if strings.Contains(title, needle) || strings.Contains(description, needle) {
			return true
		}
	}
	return false
}

func sortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
