package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/haldane/conduit"
	"github.com/haldane/conduit/id"
	"github.com/haldane/conduit/job"
)

// CreateJob persists a new job in registered state.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return conduit.ErrJobExists
		}
		return fmt.Errorf("conduit/bun: create job: %w", err)
	}
	return nil
}

// ClaimJob atomically claims the oldest eligible registered job for the
// service. Uses SELECT FOR UPDATE SKIP LOCKED via raw SQL for
// concurrent-safe dispatch. Returns (nil, nil) when nothing is eligible.
func (s *Store) ClaimJob(ctx context.Context, svc string, token id.ClaimID, now, deadline time.Time) (*job.Job, error) {
	var models []jobModel
	_, err := s.db.NewRaw(`
		WITH claimed AS (
			UPDATE conduit_jobs
			SET state = 'working',
			    attempt = attempt + 1,
			    claim_token = ?1,
			    claim_deadline = ?3,
			    claimed_at = ?2,
			    updated_at = ?2
			WHERE id = (
				SELECT id FROM conduit_jobs
				WHERE state = 'registered'
				  AND service_name = ?0
				  AND not_before <= ?2
				ORDER BY created_at ASC, id ASC
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING *
		)
		SELECT * FROM claimed`,
		svc, token.String(), now, deadline,
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("conduit/bun: claim job: %w", err)
	}
	if len(models) == 0 {
		return nil, nil
	}
	return fromJobModel(&models[0])
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, conduit.ErrJobNotFound
		}
		return nil, fmt.Errorf("conduit/bun: get job: %w", err)
	}
	return fromJobModel(m)
}

// CompleteJob transitions working → complete if the claim token matches.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, token id.ClaimID, output []byte, now time.Time) error {
	res, err := s.db.NewUpdate().
		TableExpr("conduit_jobs").
		Set("state = 'complete'").
		Set("output = ?", output).
		Set("completed_at = ?", now).
		Set("claim_deadline = NULL").
		Set("updated_at = ?", now).
		Where("id = ?", jobID.String()).
		Where("state = 'working'").
		Where("claim_token = ?", token.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("conduit/bun: complete job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return s.classifyTokenMiss(ctx, jobID, token)
	}
	return nil
}

// FailJob transitions working → failed if the claim token matches.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, token id.ClaimID, reason string, now time.Time) error {
	res, err := s.db.NewUpdate().
		TableExpr("conduit_jobs").
		Set("state = 'failed'").
		Set("failure_reason = ?", reason).
		Set("completed_at = ?", now).
		Set("claim_deadline = NULL").
		Set("updated_at = ?", now).
		Where("id = ?", jobID.String()).
		Where("state = 'working'").
		Where("claim_token = ?", token.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("conduit/bun: fail job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return s.classifyTokenMiss(ctx, jobID, token)
	}
	return nil
}

// classifyTokenMiss distinguishes why a token-guarded transition matched
// no row.
func (s *Store) classifyTokenMiss(ctx context.Context, jobID id.JobID, token id.ClaimID) error {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Column("state", "claim_token").
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return conduit.ErrJobNotFound
		}
		return fmt.Errorf("conduit/bun: classify transition: %w", err)
	}
	if job.State(m.State) != job.StateWorking {
		return conduit.ErrInvalidState
	}
	if m.ClaimToken != token.String() {
		return conduit.ErrStaleClaim
	}
	return conduit.ErrInvalidState
}

// ExpiredJobs returns working jobs whose claim deadline has elapsed.
func (s *Store) ExpiredJobs(ctx context.Context, now time.Time) ([]*job.Job, error) {
	var models []jobModel
	err := s.db.NewSelect().Model(&models).
		Where("state = 'working'").
		Where("claim_deadline IS NOT NULL").
		Where("claim_deadline < ?", now).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("conduit/bun: expired jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("conduit/bun: expired convert: %w", convErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// RequeueJob transitions working → registered, guarded by attempt number.
func (s *Store) RequeueJob(ctx context.Context, jobID id.JobID, attempt int, notBefore, now time.Time) error {
	res, err := s.db.NewUpdate().
		TableExpr("conduit_jobs").
		Set("state = 'registered'").
		Set("retry_count = retry_count + 1").
		Set("claim_token = ''").
		Set("claim_deadline = NULL").
		Set("claimed_at = NULL").
		Set("not_before = ?", notBefore).
		Set("updated_at = ?", now).
		Where("id = ?", jobID.String()).
		Where("state = 'working'").
		Where("attempt = ?", attempt).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("conduit/bun: requeue job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return s.classifyAttemptMiss(ctx, jobID, attempt)
	}
	return nil
}

// ForceFailJob transitions working → failed, guarded by attempt number.
func (s *Store) ForceFailJob(ctx context.Context, jobID id.JobID, attempt int, reason string, now time.Time) error {
	res, err := s.db.NewUpdate().
		TableExpr("conduit_jobs").
		Set("state = 'failed'").
		Set("failure_reason = ?", reason).
		Set("completed_at = ?", now).
		Set("claim_deadline = NULL").
		Set("updated_at = ?", now).
		Where("id = ?", jobID.String()).
		Where("state = 'working'").
		Where("attempt = ?", attempt).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("conduit/bun: force fail job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return s.classifyAttemptMiss(ctx, jobID, attempt)
	}
	return nil
}

// classifyAttemptMiss distinguishes why an attempt-guarded transition
// matched no row.
func (s *Store) classifyAttemptMiss(ctx context.Context, jobID id.JobID, attempt int) error {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Column("state", "attempt").
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return conduit.ErrJobNotFound
		}
		return fmt.Errorf("conduit/bun: classify transition: %w", err)
	}
	if job.State(m.State) != job.StateWorking {
		return conduit.ErrInvalidState
	}
	if m.Attempt != attempt {
		return conduit.ErrStaleClaim
	}
	return conduit.ErrInvalidState
}

// FailRegisteredJobs fails every registered job targeting the service.
func (s *Store) FailRegisteredJobs(ctx context.Context, svc, reason string, now time.Time) (int64, error) {
	res, err := s.db.NewUpdate().
		TableExpr("conduit_jobs").
		Set("state = 'failed'").
		Set("failure_reason = ?", reason).
		Set("completed_at = ?", now).
		Set("updated_at = ?", now).
		Where("service_name = ?", svc).
		Where("state = 'registered'").
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("conduit/bun: fail registered jobs: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows, nil
}

// ListJobs returns jobs matching the given options, oldest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models)

	if opts.Service != "" {
		q = q.Where("service_name = ?", opts.Service)
	}
	if opts.State != "" {
		q = q.Where("state = ?", string(opts.State))
	}

	q = q.Order("created_at ASC", "id ASC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("conduit/bun: list jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("conduit/bun: list jobs convert: %w", convErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	q := s.db.NewSelect().TableExpr("conduit_jobs")

	if opts.Service != "" {
		q = q.Where("service_name = ?", opts.Service)
	}
	if opts.State != "" {
		q = q.Where("state = ?", string(opts.State))
	}

	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("conduit/bun: count jobs: %w", err)
	}
	return int64(count), nil
}
