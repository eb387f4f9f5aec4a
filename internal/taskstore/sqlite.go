package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteOperationTimeout = 5 * time.Second

// SQLiteStore is the single-node backend. Same schema shape as Postgres,
// with timestamps written from Go because SQLite has no NOW().
type SQLiteStore struct {
	path   string
	openDB sqlOpenFunc
	now    func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteStore{
		path:   path,
		openDB: sql.Open,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SQLiteStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("sqlite", s.path)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()

		statements := []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				due_date DATETIME,
				completed INTEGER NOT NULL DEFAULT 0,
				completed_at DATETIME,
				priority INTEGER NOT NULL DEFAULT 0,
				urgency_score INTEGER NOT NULL DEFAULT 0,
				ai_summary TEXT NOT NULL DEFAULT '',
				ai_processed INTEGER NOT NULL DEFAULT 0,
				category TEXT NOT NULL DEFAULT 'other',
				course TEXT NOT NULL DEFAULT '',
				source TEXT NOT NULL,
				source_id TEXT NOT NULL,
				source_url TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS tasks_source_key_idx
				ON tasks (user_id, source, source_id)`,
			`CREATE INDEX IF NOT EXISTS tasks_user_due_idx
				ON tasks (user_id, due_date)`,
			`CREATE TABLE IF NOT EXISTS integrations (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				provider TEXT NOT NULL,
				is_connected INTEGER NOT NULL DEFAULT 0,
				access_token TEXT NOT NULL DEFAULT '',
				refresh_token TEXT NOT NULL DEFAULT '',
				expires_at DATETIME,
				metadata TEXT NOT NULL DEFAULT '{}',
				last_synced_at DATETIME,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				UNIQUE (user_id, provider)
			)`,
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLiteStore) FindBySourceKey(ctx context.Context, userID string, source Source, sourceID string) (*Task, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+postgresTaskColumns+` FROM tasks WHERE user_id = ? AND source = ? AND source_id = ?`,
		userID, string(source), sourceID)
	return scanTask(row)
}

func (s *SQLiteStore) Create(ctx context.Context, task *Task) (*Task, error) {
	if task == nil {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	stored := task.clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := s.now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	metadata, err := marshalMetadata(stored.Metadata)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, user_id, title, description, due_date, completed, completed_at,
			priority, urgency_score, ai_summary, ai_processed, category, course,
			source, source_id, source_url, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.UserID, stored.Title, stored.Description, nullTime(stored.DueDate),
		stored.Completed, nullTime(stored.CompletedAt), stored.Priority, stored.UrgencyScore,
		stored.AISummary, stored.AIProcessed, string(stored.Category), stored.Course,
		string(stored.Source), stored.SourceID, stored.SourceURL, metadata,
		stored.CreatedAt, stored.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *SQLiteStore) Update(ctx context.Context, task *Task) error {
	if task == nil {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	metadata, err := marshalMetadata(task.Metadata)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, due_date = ?, completed = ?,
			completed_at = ?, priority = ?, urgency_score = ?, ai_summary = ?,
			ai_processed = ?, category = ?, course = ?, source_url = ?,
			metadata = ?, source_id = ?, updated_at = ?
		WHERE id = ?`,
		task.Title, task.Description, nullTime(task.DueDate), task.Completed,
		nullTime(task.CompletedAt), task.Priority, task.UrgencyScore, task.AISummary,
		task.AIProcessed, string(task.Category), task.Course, task.SourceURL,
		metadata, task.SourceID, s.now(), task.ID)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

func (s *SQLiteStore) Delete(ctx context.Context, userID, taskID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND user_id = ?`, taskID, userID)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

func (s *SQLiteStore) DeleteBySource(ctx context.Context, userID string, source Source) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE user_id = ? AND source = ?`, userID, string(source))
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

func (s *SQLiteStore) DeleteMatching(ctx context.Context, userID string, patterns []string) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	deleted := 0
	for _, pattern := range patterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		opCtx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
		result, err := s.db.ExecContext(opCtx,
			`DELETE FROM tasks WHERE user_id = ?
				AND (lower(title) LIKE '%' || ? || '%' OR lower(description) LIKE '%' || ? || '%')`,
			userID, pattern, pattern)
		cancel()
		if err != nil {
			return deleted, err
		}
		affected, _ := result.RowsAffected()
		deleted += int(affected)
	}
	return deleted, nil
}

func (s *SQLiteStore) ListByUser(ctx context.Context, userID string) ([]Task, error) {
	return s.listTasks(ctx, `SELECT `+postgresTaskColumns+` FROM tasks WHERE user_id = ? ORDER BY created_at, id`, userID)
}

func (s *SQLiteStore) ListBySource(ctx context.Context, userID string, source Source) ([]Task, error) {
	return s.listTasks(ctx,
		`SELECT `+postgresTaskColumns+` FROM tasks WHERE user_id = ? AND source = ? ORDER BY created_at, id`,
		userID, string(source))
}

func (s *SQLiteStore) ListDueBetween(ctx context.Context, userID string, from, to time.Time) ([]Task, error) {
	return s.listTasks(ctx,
		`SELECT `+postgresTaskColumns+` FROM tasks
		WHERE user_id = ? AND completed = 0 AND due_date >= ? AND due_date <= ?
		ORDER BY due_date, id`,
		userID, from, to)
}

func (s *SQLiteStore) listTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetIntegration(ctx context.Context, userID string, provider Source) (*Integration, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, is_connected, access_token, refresh_token,
			expires_at, metadata, last_synced_at, created_at, updated_at
		FROM integrations WHERE user_id = ? AND provider = ?`,
		userID, string(provider))
	return scanIntegration(row)
}

func (s *SQLiteStore) ListConnectedIntegrations(ctx context.Context, userID string) ([]Integration, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, provider, is_connected, access_token, refresh_token,
			expires_at, metadata, last_synced_at, created_at, updated_at
		FROM integrations WHERE user_id = ? AND is_connected = 1 ORDER BY provider`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Integration
	for rows.Next() {
		integration, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *integration)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveIntegration(ctx context.Context, integration *Integration) (*Integration, error) {
	if integration == nil {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	stored := integration.clone()
	metadata, err := marshalMetadata(stored.Metadata)
	if err != nil {
		return nil, err
	}
	now := s.now()
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()

	existing, err := s.GetIntegration(ctx, stored.UserID, stored.Provider)
	switch {
	case errors.Is(err, ErrNotFound):
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		stored.CreatedAt = now
		stored.UpdatedAt = now
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO integrations (id, user_id, provider, is_connected, access_token,
				refresh_token, expires_at, metadata, last_synced_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			stored.ID, stored.UserID, string(stored.Provider), stored.IsConnected,
			stored.AccessToken, stored.RefreshToken, nullTime(stored.ExpiresAt),
			metadata, nullTime(stored.LastSyncedAt), stored.CreatedAt, stored.UpdatedAt)
		if err != nil {
			return nil, err
		}
		return &stored, nil
	case err != nil:
		return nil, err
	}

	stored.ID = existing.ID
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`UPDATE integrations SET is_connected = ?, access_token = ?, refresh_token = ?,
			expires_at = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		stored.IsConnected, stored.AccessToken, stored.RefreshToken,
		nullTime(stored.ExpiresAt), metadata, stored.UpdatedAt, stored.ID)
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *SQLiteStore) TouchLastSynced(ctx context.Context, userID string, provider Source, at time.Time) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET last_synced_at = ?, updated_at = ? WHERE user_id = ? AND provider = ?`,
		at, s.now(), userID, string(provider))
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
