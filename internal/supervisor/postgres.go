package supervisor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/loomworks/loom/pkg/models"
)

// taskColumns is the canonical column list shared by every task SELECT.
const taskColumns = `id, owner_user_id, prompt, workspace_path, status, mode, parent_task_id,
	container_ref, timeout_seconds, heartbeat_at, started_at, finished_at,
	result, error, log_offset, exit_code,
	platform, channel, thread, conversation_id, created_at`

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB

	stmtCreateTask   *sql.Stmt
	stmtGetTask      *sql.Stmt
	stmtTransition   *sql.Stmt
	stmtHeartbeat    *sql.Stmt
	stmtSetLogOffset *sql.Stmt
	stmtActiveTasks  *sql.Stmt
}

// NewPostgresStoreFromDSN creates a new Postgres task store from a raw
// DSN/URL, ensuring the schema exists.
func NewPostgresStoreFromDSN(dsn string, connectTimeout time.Duration) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return newPostgresStore(db)
}

func newPostgresStore(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtCreateTask, err = s.db.Prepare(`
		INSERT INTO tasks (id, owner_user_id, prompt, workspace_path, status, mode, parent_task_id,
			container_ref, timeout_seconds, heartbeat_at,
			platform, channel, thread, conversation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare create task: %w", err)
	}

	s.stmtGetTask, err = s.db.Prepare(`
		SELECT ` + taskColumns + `
		FROM tasks WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get task: %w", err)
	}

	s.stmtTransition, err = s.db.Prepare(`
		UPDATE tasks
		SET status = $1, container_ref = $2, heartbeat_at = $3, started_at = $4,
			finished_at = $5, result = $6, error = $7, exit_code = $8
		WHERE id = $9 AND status IN ('queued', 'running')
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare transition: %w", err)
	}

	s.stmtHeartbeat, err = s.db.Prepare(`
		UPDATE tasks SET heartbeat_at = $1
		WHERE id = $2 AND status IN ('queued', 'running')
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare heartbeat: %w", err)
	}

	s.stmtSetLogOffset, err = s.db.Prepare(`
		UPDATE tasks SET log_offset = $1
		WHERE id = $2 AND log_offset < $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare set log offset: %w", err)
	}

	s.stmtActiveTasks, err = s.db.Prepare(`
		SELECT ` + taskColumns + `
		FROM tasks WHERE status IN ('queued', 'running')
		ORDER BY created_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare active tasks: %w", err)
	}

	return nil
}

// Close closes the database connection and prepared statements.
func (s *PostgresStore) Close() error {
	var errs []error

	stmts := []*sql.Stmt{
		s.stmtCreateTask,
		s.stmtGetTask,
		s.stmtTransition,
		s.stmtHeartbeat,
		s.stmtSetLogOffset,
		s.stmtActiveTasks,
	}
	for _, stmt := range stmts {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task == nil || task.OwnerUserID == "" {
		return fmt.Errorf("task owner is required")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = models.TaskQueued
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	_, err := s.stmtCreateTask.ExecContext(ctx,
		task.ID,
		task.OwnerUserID,
		task.Prompt,
		task.WorkspacePath,
		task.Status,
		task.Mode,
		task.ParentTaskID,
		task.ContainerRef,
		task.TimeoutSeconds,
		nullableStamp(task.HeartbeatAt),
		task.Origin.Platform,
		task.Origin.Channel,
		task.Origin.Thread,
		task.Origin.ConversationID,
		task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := scanTask(s.stmtGetTask.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) Transition(ctx context.Context, task *models.Task) (bool, error) {
	if task == nil || task.ID == "" {
		return false, fmt.Errorf("task ID is required")
	}

	result, err := s.stmtTransition.ExecContext(ctx,
		task.Status,
		task.ContainerRef,
		nullableStamp(task.HeartbeatAt),
		nullableTime(task.StartedAt),
		nullableTime(task.FinishedAt),
		task.Result,
		task.Error,
		nullableInt(task.ExitCode),
		task.ID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := s.stmtHeartbeat.ExecContext(ctx, at, id)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetLogOffset(ctx context.Context, id string, offset int64) error {
	_, err := s.stmtSetLogOffset.ExecContext(ctx, offset, id)
	if err != nil {
		return fmt.Errorf("failed to set log offset: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, userID string, includeTerminal bool) ([]*models.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks WHERE owner_user_id = $1`
	if !includeTerminal {
		query += ` AND status NOT IN ('completed', 'failed', 'cancelled', 'timed_out')`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) ActiveTasks(ctx context.Context) ([]*models.Task, error) {
	rows, err := s.stmtActiveTasks.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var heartbeatAt, startedAt, finishedAt sql.NullTime
	var exitCode sql.NullInt64

	err := row.Scan(
		&task.ID,
		&task.OwnerUserID,
		&task.Prompt,
		&task.WorkspacePath,
		&task.Status,
		&task.Mode,
		&task.ParentTaskID,
		&task.ContainerRef,
		&task.TimeoutSeconds,
		&heartbeatAt,
		&startedAt,
		&finishedAt,
		&task.Result,
		&task.Error,
		&task.LogOffset,
		&exitCode,
		&task.Origin.Platform,
		&task.Origin.Channel,
		&task.Origin.Thread,
		&task.Origin.ConversationID,
		&task.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if heartbeatAt.Valid {
		task.HeartbeatAt = heartbeatAt.Time
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		task.FinishedAt = &t
	}
	if exitCode.Valid {
		ec := int(exitCode.Int64)
		task.ExitCode = &ec
	}
	return task, nil
}

func collectTasks(rows *sql.Rows) ([]*models.Task, error) {
	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullableStamp(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
