package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/tgbot-jobs/internal/worker/domain"
	"github.com/cuongbtq/tgbot-jobs/shared/database"
)

// claimRetryDelay separates the first claim attempt from its single conflict retry.
const claimRetryDelay = 50 * time.Millisecond

var jobColumns = []string{
	"job_id", "job_type", "routing_key", "payload", "status",
	"retries", "worker_id", "last_error", "created_at", "updated_at",
}

// Storage handles all database operations on the jobs table
type Storage struct {
	db         *sqlx.DB
	logger     *slog.Logger
	builder    sq.StatementBuilderType
	lockSuffix string
	now        func() time.Time
}

// NewStorage creates a new Storage instance. The SQL dialect follows db's driver:
// Postgres claims with FOR UPDATE SKIP LOCKED, SQLite relies on its single writer.
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	s := &Storage{
		db:      db,
		logger:  logger,
		builder: database.StatementBuilder(db.DriverName()),
		now:     func() time.Time { return time.Now().UTC() },
	}
	if db.DriverName() == database.DriverPostgres {
		s.lockSuffix = "FOR UPDATE SKIP LOCKED"
	}
	return s
}

// ClaimOptions selects which jobs a worker may take.
type ClaimOptions struct {
	// RoutingKey restricts claims to one identity. Empty claims any row.
	RoutingKey string
	// IncludeUnrouted also admits rows with a NULL routing_key when RoutingKey is set.
	IncludeUnrouted bool
	MaxRetries      int
	// StaleAfter is how old a processing row's updated_at must be before it is reclaimed.
	// Zero disables reclaim.
	StaleAfter time.Duration
	WorkerID   string
}

// ClaimNext atomically moves the oldest eligible job to processing under opts.WorkerID.
// It returns nil, nil when nothing is eligible. A transaction conflict is retried once.
func (s *Storage) ClaimNext(ctx context.Context, opts ClaimOptions) (*domain.Job, error) {
	var claimed *domain.Job

	err := database.RunInTxWithRetry(ctx, s.db, func(ctx context.Context, tx *sqlx.Tx) error {
		claimed = nil

		query, args, err := s.claimQuery(opts, s.now())
		if err != nil {
			return fmt.Errorf("failed to build claim query: %w", err)
		}

		var jobID int64
		err = tx.QueryRowxContext(ctx, query, args...).Scan(&jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		job, err := s.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		claimed = job
		return nil
	}, database.IsConflict, backoff.WithMaxRetries(backoff.NewConstantBackOff(claimRetryDelay), 1))
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	if claimed != nil {
		s.logger.Info("Job claimed",
			slog.Int64("job_id", claimed.JobID),
			slog.String("job_type", claimed.JobType),
			slog.String("worker_id", opts.WorkerID),
			slog.Int("retries", claimed.Retries),
		)
	}

	return claimed, nil
}

func (s *Storage) claimQuery(opts ClaimOptions, now time.Time) (string, []any, error) {
	eligible := sq.Or{sq.Eq{"status": domain.JobStatusPending}}
	if opts.StaleAfter > 0 {
		eligible = append(eligible, sq.And{
			sq.Eq{"status": domain.JobStatusProcessing},
			sq.Lt{"updated_at": now.Add(-opts.StaleAfter)},
		})
	}

	next := sq.Select("job_id").
		From("jobs").
		Where(eligible).
		Where(sq.LtOrEq{"retries": opts.MaxRetries})
	if routing := routingPredicate(opts); routing != nil {
		next = next.Where(routing)
	}
	next = next.OrderBy("created_at", "job_id").Limit(1)
	if s.lockSuffix != "" {
		next = next.Suffix(s.lockSuffix)
	}

	// rendered with '?' placeholders; the outer builder renumbers them for Postgres
	nextSQL, nextArgs, err := next.ToSql()
	if err != nil {
		return "", nil, err
	}

	return s.builder.Update("jobs").
		Set("status", domain.JobStatusProcessing).
		Set("worker_id", opts.WorkerID).
		Set("updated_at", now).
		Where(sq.Expr("job_id = ("+nextSQL+")", nextArgs...)).
		Suffix("RETURNING job_id").
		ToSql()
}

func routingPredicate(opts ClaimOptions) sq.Sqlizer {
	if opts.RoutingKey == "" {
		return nil
	}
	if opts.IncludeUnrouted {
		return sq.Or{sq.Eq{"routing_key": opts.RoutingKey}, sq.Eq{"routing_key": nil}}
	}
	return sq.Eq{"routing_key": opts.RoutingKey}
}

// Complete marks a claimed job completed.
func (s *Storage) Complete(ctx context.Context, job *domain.Job) error {
	return s.transition(ctx, job, domain.JobStatusCompleted, job.Retries, "")
}

// Requeue records a failed attempt and returns the job to pending.
func (s *Storage) Requeue(ctx context.Context, job *domain.Job, reason string) error {
	return s.transition(ctx, job, domain.JobStatusPending, job.Retries+1, reason)
}

// Fail records a failed attempt and makes the job terminal.
func (s *Storage) Fail(ctx context.Context, job *domain.Job, reason string) error {
	return s.transition(ctx, job, domain.JobStatusFailed, job.Retries+1, reason)
}

// transition writes the outcome of an attempt, guarded on the job still being processing
// under the claiming worker. A lost claim (stale reclaim by another worker) is ErrJobNotOwned.
func (s *Storage) transition(ctx context.Context, job *domain.Job, status string, retries int, reason string) error {
	update := s.builder.Update("jobs").
		Set("status", status).
		Set("retries", retries).
		Set("last_error", sql.NullString{String: reason, Valid: reason != ""}).
		Set("updated_at", s.now()).
		Where(sq.Eq{
			"job_id":    job.JobID,
			"status":    domain.JobStatusProcessing,
			"worker_id": job.WorkerID.String,
		})
	if status == domain.JobStatusPending {
		update = update.Set("worker_id", nil)
	}

	query, args, err := update.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build status update: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: job %d", domain.ErrJobNotOwned, job.JobID)
	}

	job.Status = status
	job.Retries = retries

	s.logger.Info("Job status updated",
		slog.Int64("job_id", job.JobID),
		slog.String("status", status),
		slog.Int("retries", retries),
	)

	return nil
}

// Touch refreshes updated_at of a job this worker is still processing.
func (s *Storage) Touch(ctx context.Context, job *domain.Job) error {
	query, args, err := s.builder.Update("jobs").
		Set("updated_at", s.now()).
		Where(sq.Eq{
			"job_id":    job.JobID,
			"status":    domain.JobStatusProcessing,
			"worker_id": job.WorkerID.String,
		}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build heartbeat update: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: job %d", domain.ErrJobNotOwned, job.JobID)
	}

	return nil
}

// Enqueue inserts a pending job with zero retries.
func (s *Storage) Enqueue(ctx context.Context, newJob domain.NewJob) (*domain.Job, error) {
	if strings.TrimSpace(newJob.JobType) == "" {
		return nil, errors.New("job type is required")
	}

	payload, err := domain.EncodePayload(newJob.Payload)
	if err != nil {
		return nil, err
	}

	now := s.now()
	query, args, err := s.builder.Insert("jobs").
		Columns("job_type", "routing_key", "payload", "status", "retries", "created_at", "updated_at").
		Values(
			newJob.JobType,
			sql.NullString{String: newJob.RoutingKey, Valid: newJob.RoutingKey != ""},
			payload,
			domain.JobStatusPending,
			0,
			now,
			now,
		).
		Suffix("RETURNING job_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build insert: %w", err)
	}

	var jobID int64
	if err := s.db.QueryRowxContext(ctx, query, args...).Scan(&jobID); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	job, err := s.getJob(ctx, s.db, jobID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job enqueued",
		slog.Int64("job_id", job.JobID),
		slog.String("job_type", job.JobType),
		slog.String("routing_key", newJob.RoutingKey),
	)

	return job, nil
}

// GetJobByID retrieves a job from the database by its ID
func (s *Storage) GetJobByID(ctx context.Context, jobID int64) (*domain.Job, error) {
	return s.getJob(ctx, s.db, jobID)
}

func (s *Storage) getJob(ctx context.Context, q sqlx.QueryerContext, jobID int64) (*domain.Job, error) {
	query, args, err := s.builder.Select(jobColumns...).
		From("jobs").
		Where(sq.Eq{"job_id": jobID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var job domain.Job
	if err := sqlx.GetContext(ctx, q, &job, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// JobCursor marks the last row of a page, newest first.
type JobCursor struct {
	CreatedAt time.Time
	JobID     int64
}

// JobFilter narrows ListJobs. Zero fields do not filter.
type JobFilter struct {
	JobType    string
	Status     string
	RoutingKey string
	PageSize   int
	Cursor     *JobCursor
}

// ListJobs returns up to PageSize+1 jobs, newest first, so callers can detect another page.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := s.builder.Select(jobColumns...).From("jobs")

	if filter.JobType != "" {
		query = query.Where(sq.Eq{"job_type": filter.JobType})
	}
	if filter.Status != "" {
		query = query.Where(sq.Eq{"status": filter.Status})
	}
	if filter.RoutingKey != "" {
		query = query.Where(sq.Eq{"routing_key": filter.RoutingKey})
	}
	if filter.Cursor != nil {
		query = query.Where(sq.Or{
			sq.Lt{"created_at": filter.Cursor.CreatedAt},
			sq.And{
				sq.Eq{"created_at": filter.Cursor.CreatedAt},
				sq.Lt{"job_id": filter.Cursor.JobID},
			},
		})
	}

	sqlText, args, err := query.
		OrderBy("created_at DESC", "job_id DESC").
		Limit(uint64(filter.PageSize + 1)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, sqlText, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// CountByStatus returns the number of jobs in each status.
func (s *Storage) CountByStatus(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &rows, "SELECT status, COUNT(*) AS count FROM jobs GROUP BY status"); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := map[string]int{
		domain.JobStatusPending:    0,
		domain.JobStatusProcessing: 0,
		domain.JobStatusCompleted:  0,
		domain.JobStatusFailed:     0,
	}
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
