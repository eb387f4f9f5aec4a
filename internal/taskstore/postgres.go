package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:    dsn,
		openDB: sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				due_date TIMESTAMPTZ,
				completed BOOLEAN NOT NULL DEFAULT FALSE,
				completed_at TIMESTAMPTZ,
				priority INTEGER NOT NULL DEFAULT 0,
				urgency_score INTEGER NOT NULL DEFAULT 0,
				ai_summary TEXT NOT NULL DEFAULT '',
				ai_processed BOOLEAN NOT NULL DEFAULT FALSE,
				category TEXT NOT NULL DEFAULT 'other',
				course TEXT NOT NULL DEFAULT '',
				source TEXT NOT NULL,
				source_id TEXT NOT NULL,
				source_url TEXT NOT NULL DEFAULT '',
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS tasks_source_key_idx
				ON tasks (user_id, source, source_id)`,
			`CREATE INDEX IF NOT EXISTS tasks_user_due_idx
				ON tasks (user_id, due_date)`,
			`CREATE TABLE IF NOT EXISTS integrations (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				provider TEXT NOT NULL,
				is_connected BOOLEAN NOT NULL DEFAULT FALSE,
				access_token TEXT NOT NULL DEFAULT '',
				refresh_token TEXT NOT NULL DEFAULT '',
				expires_at TIMESTAMPTZ,
				metadata TEXT NOT NULL DEFAULT '{}',
				last_synced_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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

const postgresTaskColumns = `id, user_id, title, description, due_date, completed, completed_at,
	priority, urgency_score, ai_summary, ai_processed, category, course,
	source, source_id, source_url, metadata, created_at, updated_at`

func (s *PostgresStore) FindBySourceKey(ctx context.Context, userID string, source Source, sourceID string) (*Task, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+postgresTaskColumns+` FROM tasks WHERE user_id = $1 AND source = $2 AND source_id = $3`,
		userID, string(source), sourceID)
	return scanTask(row)
}

func (s *PostgresStore) Create(ctx context.Context, task *Task) (*Task, error) {
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
	metadata, err := marshalMetadata(stored.Metadata)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO tasks (id, user_id, title, description, due_date, completed, completed_at,
			priority, urgency_score, ai_summary, ai_processed, category, course,
			source, source_id, source_url, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at`,
		stored.ID, stored.UserID, stored.Title, stored.Description, nullTime(stored.DueDate),
		stored.Completed, nullTime(stored.CompletedAt), stored.Priority, stored.UrgencyScore,
		stored.AISummary, stored.AIProcessed, string(stored.Category), stored.Course,
		string(stored.Source), stored.SourceID, stored.SourceURL, metadata)
	if err := row.Scan(&stored.CreatedAt, &stored.UpdatedAt); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *PostgresStore) Update(ctx context.Context, task *Task) error {
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
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET title = $1, description = $2, due_date = $3, completed = $4,
			completed_at = $5, priority = $6, urgency_score = $7, ai_summary = $8,
			ai_processed = $9, category = $10, course = $11, source_url = $12,
			metadata = $13, source_id = $14, updated_at = NOW()
		WHERE id = $15`,
		task.Title, task.Description, nullTime(task.DueDate), task.Completed,
		nullTime(task.CompletedAt), task.Priority, task.UrgencyScore, task.AISummary,
		task.AIProcessed, string(task.Category), task.Course, task.SourceURL,
		metadata, task.SourceID, task.ID)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

func (s *PostgresStore) Delete(ctx context.Context, userID, taskID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1 AND user_id = $2`, taskID, userID)
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

func (s *PostgresStore) DeleteBySource(ctx context.Context, userID string, source Source) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE user_id = $1 AND source = $2`, userID, string(source))
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

func (s *PostgresStore) DeleteMatching(ctx context.Context, userID string, patterns []string) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	deleted := 0
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		result, err := s.db.ExecContext(opCtx,
			`DELETE FROM tasks WHERE user_id = $1 AND (title ILIKE '%' || $2 || '%' OR description ILIKE '%' || $2 || '%')`,
			userID, pattern)
		cancel()
		if err != nil {
			return deleted, err
		}
		affected, _ := result.RowsAffected()
		deleted += int(affected)
	}
	return deleted, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]Task, error) {
	return s.listTasks(ctx, `SELECT `+postgresTaskColumns+` FROM tasks WHERE user_id = $1 ORDER BY created_at, id`, userID)
}

func (s *PostgresStore) ListBySource(ctx context.Context, userID string, source Source) ([]Task, error) {
	return s.listTasks(ctx,
		`SELECT `+postgresTaskColumns+` FROM tasks WHERE user_id = $1 AND source = $2 ORDER BY created_at, id`,
		userID, string(source))
}

func (s *PostgresStore) ListDueBetween(ctx context.Context, userID string, from, to time.Time) ([]Task, error) {
	return s.listTasks(ctx,
		`SELECT `+postgresTaskColumns+` FROM tasks
		WHERE user_id = $1 AND completed = FALSE AND due_date >= $2 AND due_date <= $3
		ORDER BY due_date, id`,
		userID, from, to)
}

func (s *PostgresStore) listTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
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

func (s *PostgresStore) GetIntegration(ctx context.Context, userID string, provider Source) (*Integration, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, is_connected, access_token, refresh_token,
			expires_at, metadata, last_synced_at, created_at, updated_at
		FROM integrations WHERE user_id = $1 AND provider = $2`,
		userID, string(provider))
	return scanIntegration(row)
}

func (s *PostgresStore) ListConnectedIntegrations(ctx context.Context, userID string) ([]Integration, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, provider, is_connected, access_token, refresh_token,
			expires_at, metadata, last_synced_at, created_at, updated_at
		FROM integrations WHERE user_id = $1 AND is_connected = TRUE ORDER BY provider`,
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

func (s *PostgresStore) SaveIntegration(ctx context.Context, integration *Integration) (*Integration, error) {
	if integration == nil {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	stored := integration.clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	metadata, err := marshalMetadata(stored.Metadata)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO integrations (id, user_id, provider, is_connected, access_token,
			refresh_token, expires_at, metadata, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, provider)
		DO UPDATE SET is_connected = EXCLUDED.is_connected,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		stored.ID, stored.UserID, string(stored.Provider), stored.IsConnected,
		stored.AccessToken, stored.RefreshToken, nullTime(stored.ExpiresAt),
		metadata, nullTime(stored.LastSyncedAt))
	if err := row.Scan(&stored.ID, &stored.CreatedAt, &stored.UpdatedAt); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *PostgresStore) TouchLastSynced(ctx context.Context, userID string, provider Source, at time.Time) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx,
		`UPDATE integrations SET last_synced_at = $1, updated_at = NOW() WHERE user_id = $2 AND provider = $3`,
		at, userID, string(provider))
	if err != nil {
		return err
	}
	return requireRowAffected(result)
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var dueDate, completedAt sql.NullTime
	var category, source string
	var metadata string
	err := row.Scan(&task.ID, &task.UserID, &task.Title, &task.Description, &dueDate,
		&task.Completed, &completedAt, &task.Priority, &task.UrgencyScore,
		&task.AISummary, &task.AIProcessed, &category, &task.Course,
		&source, &task.SourceID, &task.SourceURL, &metadata,
		&task.CreatedAt, &task.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	task.Category = Category(category)
	task.Source = Source(source)
	task.DueDate = timePtr(dueDate)
	task.CompletedAt = timePtr(completedAt)
	if err := unmarshalMetadata(metadata, &task.Metadata); err != nil {
		return nil, err
	}
	return &task, nil
}

func scanIntegration(row rowScanner) (*Integration, error) {
	var integration Integration
	var provider, metadata string
	var expiresAt, lastSyncedAt sql.NullTime
	err := row.Scan(&integration.ID, &integration.UserID, &provider, &integration.IsConnected,
		&integration.AccessToken, &integration.RefreshToken, &expiresAt, &metadata,
		&lastSyncedAt, &integration.CreatedAt, &integration.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	integration.Provider = Source(provider)
	integration.ExpiresAt = timePtr(expiresAt)
	integration.LastSyncedAt = timePtr(lastSyncedAt)
	if err := unmarshalMetadata(metadata, &integration.Metadata); err != nil {
		return nil, err
	}
	return &integration, nil
}

func marshalMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalMetadata(raw string, out *map[string]any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time
	return &value
}

func requireRowAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
