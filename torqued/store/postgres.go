package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/torqueio/torque/torqued/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id               text PRIMARY KEY,
	url              text NOT NULL,
	body             bytea,
	headers          jsonb NOT NULL DEFAULT '{}'::jsonb,
	status           text NOT NULL,
	attempts         int NOT NULL DEFAULT 0,
	due_at           timestamptz NOT NULL,
	claimed_until    timestamptz,
	last_status_code int NOT NULL DEFAULT 0,
	last_error       text NOT NULL DEFAULT '',
	timeout_seconds  int NOT NULL,
	backoff_policy   text NOT NULL,
	max_attempts     int NOT NULL DEFAULT 0,
	created_at       timestamptz NOT NULL DEFAULT now(),
	updated_at       timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ix_tasks_status_due ON tasks (status, due_at);
CREATE INDEX IF NOT EXISTS ix_tasks_status_updated ON tasks (status, updated_at);
`

const taskColumns = `id, url, body, headers, status, attempts, due_at, claimed_until,
	last_status_code, last_error, timeout_seconds, backoff_policy, max_attempts,
	created_at, updated_at`

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes the connection pool and ensures the schema.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Insert(ctx context.Context, task *Task) error {
	defer observe("insert")()

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := s.pool.Exec(ctx, query,
		task.ID, task.URL, task.Body, task.Headers, task.Status, task.Attempts,
		task.DueAt, task.ClaimedUntil, task.LastStatusCode, task.LastError,
		int(task.Timeout/time.Second), task.BackoffPolicy, task.MaxAttempts,
		task.CreatedAt, task.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

// Claim is the mutual-exclusion primitive. A single conditional UPDATE
// decides eligibility and takes the claim in one statement, so two
// concurrent claimers can never both observe the pre-state.
func (s *PostgresStore) Claim(ctx context.Context, id string, now time.Time, claimDuration time.Duration) (*Task, error) {
	defer observe("claim")()

	query := `
		UPDATE tasks
		SET status = $2, claimed_until = $3, attempts = attempts + 1, updated_at = $4
		WHERE id = $1
		  AND status IN ($5, $6)
		  AND due_at <= $4
		  AND (claimed_until IS NULL OR claimed_until <= $4)
		RETURNING ` + taskColumns
	row := s.pool.QueryRow(ctx, query,
		id, StatusExecuting, now.Add(claimDuration), now, StatusPending, StatusRetry,
	)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotClaimable
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, expectedAttempts int, statusCode int) error {
	defer observe("complete")()

	query := `
		UPDATE tasks
		SET status = $3, claimed_until = NULL, last_status_code = $4, last_error = '', updated_at = now()
		WHERE id = $1 AND attempts = $2 AND status = $5
	`
	return s.commitTransition(ctx, query, id, expectedAttempts, StatusCompleted, statusCode, StatusExecuting)
}

func (s *PostgresStore) Fail(ctx context.Context, id string, expectedAttempts int, statusCode int, reason string) error {
	defer observe("fail")()

	query := `
		UPDATE tasks
		SET status = $3, claimed_until = NULL, last_status_code = $4, last_error = $6, updated_at = now()
		WHERE id = $1 AND attempts = $2 AND status = $5
	`
	return s.commitTransition(ctx, query, id, expectedAttempts, StatusFailed, statusCode, StatusExecuting, reason)
}

func (s *PostgresStore) ScheduleRetry(ctx context.Context, id string, expectedAttempts int, dueAt time.Time, statusCode int, reason string) error {
	defer observe("schedule_retry")()

	query := `
		UPDATE tasks
		SET status = $3, claimed_until = NULL, due_at = $6, last_status_code = $4, last_error = $7, updated_at = now()
		WHERE id = $1 AND attempts = $2 AND status = $5
	`
	return s.commitTransition(ctx, query, id, expectedAttempts, StatusRetry, statusCode, StatusExecuting, dueAt, reason)
}

// commitTransition runs a fenced state transition. Zero rows affected means
// either the row is gone or a later attempt owns it; the follow-up lookup
// distinguishes the two.
func (s *PostgresStore) commitTransition(ctx context.Context, query string, id string, expectedAttempts int, to Status, statusCode int, from Status, extra ...interface{}) error {
	args := append([]interface{}{id, expectedAttempts, to, statusCode, from}, extra...)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		observability.CommitFenced.Inc()
		return ErrFenced
	}
	return nil
}

func (s *PostgresStore) SelectDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	defer observe("select_due")()

	query := `
		SELECT id FROM tasks
		WHERE status IN ($1, $2)
		  AND due_at <= $3
		  AND (claimed_until IS NULL OR claimed_until <= $3)
		ORDER BY due_at
		LIMIT $4
	`
	rows, err := s.pool.Query(ctx, query, StatusPending, StatusRetry, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) SweepTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	defer observe("sweep")()

	query := `
		DELETE FROM tasks
		WHERE status IN ($1, $2) AND updated_at < $3
	`
	tag, err := s.pool.Exec(ctx, query, StatusCompleted, StatusFailed, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Task, error) {
	defer observe("get")()

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	task, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	defer observe("delete")()

	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteAll(ctx context.Context) error {
	defer observe("delete_all")()

	_, err := s.pool.Exec(ctx, `DELETE FROM tasks`)
	return err
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	defer observe("count")()

	counts := make(map[Status]int64, len(Statuses))
	for _, st := range Statuses {
		counts[st] = 0
	}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var st Status
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var timeoutSeconds int
	err := row.Scan(
		&t.ID, &t.URL, &t.Body, &t.Headers, &t.Status, &t.Attempts,
		&t.DueAt, &t.ClaimedUntil, &t.LastStatusCode, &t.LastError,
		&timeoutSeconds, &t.BackoffPolicy, &t.MaxAttempts,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Timeout = time.Duration(timeoutSeconds) * time.Second
	return &t, nil
}

// observe times a store operation for the latency histogram.
func observe(op string) func() {
	start := time.Now()
	return func() {
		observability.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
