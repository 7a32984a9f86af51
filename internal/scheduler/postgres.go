package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/loomworks/loom/pkg/models"
)

// jobColumns is the canonical column list shared by every job SELECT.
const jobColumns = `id, user_id, workflow_id, name, description, job_type, check_config,
	interval_seconds, max_attempts, max_runs, expires_at,
	attempts, consecutive_failures, runs_completed, status, next_run_at, last_result,
	on_success_message, on_failure_message, on_complete,
	platform, channel, thread, conversation_id, created_at, completed_at`

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB

	stmtCreateJob       *sql.Stmt
	stmtGetJob          *sql.Stmt
	stmtDueJobs         *sql.Stmt
	stmtApplyEvaluation *sql.Stmt
	stmtJobsByWorkflow  *sql.Stmt
	stmtCreateWorkflow  *sql.Stmt
	stmtGetWorkflow     *sql.Stmt
	stmtListWorkflows   *sql.Stmt
}

// NewPostgresStoreFromDSN creates a new Postgres job store from a raw
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

	s.stmtCreateJob, err = s.db.Prepare(`
		INSERT INTO scheduled_jobs (id, user_id, workflow_id, name, description, job_type, check_config,
			interval_seconds, max_attempts, max_runs, expires_at, status, next_run_at,
			on_success_message, on_failure_message, on_complete,
			platform, channel, thread, conversation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare create job: %w", err)
	}

	s.stmtGetJob, err = s.db.Prepare(`
		SELECT ` + jobColumns + `
		FROM scheduled_jobs WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get job: %w", err)
	}

	s.stmtDueJobs, err = s.db.Prepare(`
		SELECT ` + jobColumns + `
		FROM scheduled_jobs
		WHERE status = 'active' AND job_type != 'webhook'
			AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY next_run_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare due jobs: %w", err)
	}

	s.stmtApplyEvaluation, err = s.db.Prepare(`
		UPDATE scheduled_jobs
		SET attempts = $1, consecutive_failures = $2, runs_completed = $3,
			status = $4, next_run_at = $5, last_result = $6, completed_at = $7
		WHERE id = $8 AND status = 'active'
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare apply evaluation: %w", err)
	}

	s.stmtJobsByWorkflow, err = s.db.Prepare(`
		SELECT ` + jobColumns + `
		FROM scheduled_jobs WHERE workflow_id = $1
		ORDER BY created_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare jobs by workflow: %w", err)
	}

	s.stmtCreateWorkflow, err = s.db.Prepare(`
		INSERT INTO scheduled_workflows (id, name, description, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare create workflow: %w", err)
	}

	s.stmtGetWorkflow, err = s.db.Prepare(`
		SELECT id, name, description, user_id, created_at
		FROM scheduled_workflows WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get workflow: %w", err)
	}

	s.stmtListWorkflows, err = s.db.Prepare(`
		SELECT id, name, description, user_id, created_at
		FROM scheduled_workflows WHERE user_id = $1
		ORDER BY created_at DESC
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare list workflows: %w", err)
	}

	return nil
}

// Close closes the database connection and prepared statements.
func (s *PostgresStore) Close() error {
	var errs []error

	stmts := []*sql.Stmt{
		s.stmtCreateJob,
		s.stmtGetJob,
		s.stmtDueJobs,
		s.stmtApplyEvaluation,
		s.stmtJobsByWorkflow,
		s.stmtCreateWorkflow,
		s.stmtGetWorkflow,
		s.stmtListWorkflows,
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

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job == nil || job.UserID == "" {
		return fmt.Errorf("job user ID is required")
	}
	if !job.Type.Valid() {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobActive
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	_, err := s.stmtCreateJob.ExecContext(ctx,
		job.ID,
		job.UserID,
		job.WorkflowID,
		job.Name,
		job.Description,
		job.Type,
		[]byte(job.CheckConfig),
		job.IntervalSeconds,
		job.MaxAttempts,
		job.MaxRuns,
		nullableTime(job.ExpiresAt),
		job.Status,
		nullableTime(job.NextRunAt),
		job.OnSuccessMessage,
		job.OnFailureMessage,
		job.OnComplete,
		job.PlatformContext.Platform,
		job.PlatformContext.Channel,
		job.PlatformContext.Thread,
		job.PlatformContext.ConversationID,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(s.stmtGetJob.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) DueJobs(ctx context.Context, now time.Time) ([]*models.Job, error) {
	rows, err := s.stmtDueJobs.QueryContext(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to select due jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *PostgresStore) ApplyEvaluation(ctx context.Context, job *models.Job) (bool, error) {
	if job == nil || job.ID == "" {
		return false, fmt.Errorf("job ID is required")
	}

	result, err := s.stmtApplyEvaluation.ExecContext(ctx,
		job.Attempts,
		job.ConsecutiveFailures,
		job.RunsCompleted,
		job.Status,
		nullableTime(job.NextRunAt),
		[]byte(job.LastResult),
		nullableTime(job.CompletedAt),
		job.ID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to apply evaluation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, userID string, includeTerminal bool) ([]*models.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM scheduled_jobs WHERE user_id = $1`
	if !includeTerminal {
		query += ` AND status = 'active'`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *PostgresStore) JobsByWorkflow(ctx context.Context, workflowID string) ([]*models.Job, error) {
	rows, err := s.stmtJobsByWorkflow.QueryContext(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *models.Workflow) error {
	if wf == nil || wf.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if wf.UserID == "" {
		return fmt.Errorf("workflow user ID is required")
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now()
	}

	_, err := s.stmtCreateWorkflow.ExecContext(ctx,
		wf.ID, wf.Name, wf.Description, wf.UserID, wf.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	wf := &models.Workflow{}
	err := s.stmtGetWorkflow.QueryRowContext(ctx, id).Scan(
		&wf.ID, &wf.Name, &wf.Description, &wf.UserID, &wf.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return wf, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, userID string) ([]*models.Workflow, error) {
	rows, err := s.stmtListWorkflows.QueryContext(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var wfs []*models.Workflow
	for rows.Next() {
		wf := &models.Workflow{}
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.Description, &wf.UserID, &wf.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		wfs = append(wfs, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}
	return wfs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	var checkConfig, lastResult []byte
	var expiresAt, nextRunAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.WorkflowID,
		&job.Name,
		&job.Description,
		&job.Type,
		&checkConfig,
		&job.IntervalSeconds,
		&job.MaxAttempts,
		&job.MaxRuns,
		&expiresAt,
		&job.Attempts,
		&job.ConsecutiveFailures,
		&job.RunsCompleted,
		&job.Status,
		&nextRunAt,
		&lastResult,
		&job.OnSuccessMessage,
		&job.OnFailureMessage,
		&job.OnComplete,
		&job.PlatformContext.Platform,
		&job.PlatformContext.Channel,
		&job.PlatformContext.Thread,
		&job.PlatformContext.ConversationID,
		&job.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(checkConfig) > 0 && string(checkConfig) != "null" {
		job.CheckConfig = checkConfig
	}
	if len(lastResult) > 0 && string(lastResult) != "null" {
		job.LastResult = lastResult
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		job.ExpiresAt = &t
	}
	if nextRunAt.Valid {
		t := nextRunAt.Time
		job.NextRunAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func collectJobs(rows *sql.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
