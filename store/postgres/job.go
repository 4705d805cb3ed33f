package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/haldane/conduit"
	"github.com/haldane/conduit/id"
	"github.com/haldane/conduit/job"
)

const jobColumns = `
	id, service_name, schema_version, input, output, state,
	attempt, claim_token, retry_count, max_retries, failure_reason,
	not_before, claim_deadline, claimed_at, completed_at, created_at, updated_at`

// CreateJob persists a new job in registered state.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conduit_jobs (
			id, service_name, schema_version, input, output, state,
			attempt, claim_token, retry_count, max_retries, failure_reason,
			not_before, claim_deadline, claimed_at, completed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17
		)`,
		j.ID.String(), j.ServiceName, j.SchemaVersion, []byte(j.Input), []byte(j.Output),
		string(j.State), j.Attempt, j.ClaimToken.String(), j.RetryCount, j.MaxRetries,
		j.FailureReason, j.NotBefore, j.ClaimDeadline, j.ClaimedAt, j.CompletedAt,
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		// Check for unique violation (duplicate ID).
		if isDuplicateKey(err) {
			return conduit.ErrJobExists
		}
		return fmt.Errorf("conduit/postgres: create job: %w", err)
	}
	return nil
}

// ClaimJob atomically claims the oldest eligible registered job for the
// service. Uses SELECT FOR UPDATE SKIP LOCKED so concurrent claimers never
// receive the same job. Returns (nil, nil) when nothing is eligible.
func (s *Store) ClaimJob(ctx context.Context, svc string, token id.ClaimID, now, deadline time.Time) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		WITH claimed AS (
			UPDATE conduit_jobs
			SET state = 'working',
			    attempt = attempt + 1,
			    claim_token = $2,
			    claim_deadline = $4,
			    claimed_at = $3,
			    updated_at = $3
			WHERE id = (
				SELECT id FROM conduit_jobs
				WHERE state = 'registered'
				  AND service_name = $1
				  AND not_before <= $3
				ORDER BY created_at ASC, id ASC
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM claimed`,
		svc, token.String(), now, deadline,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("conduit/postgres: claim job: %w", err)
	}
	return j, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM conduit_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conduit.ErrJobNotFound
		}
		return nil, fmt.Errorf("conduit/postgres: get job: %w", err)
	}
	return j, nil
}

// CompleteJob transitions working → complete if the claim token matches.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, token id.ClaimID, output []byte, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conduit_jobs
		SET state = 'complete', output = $3, completed_at = $4,
		    claim_deadline = NULL, updated_at = $4
		WHERE id = $1 AND state = 'working' AND claim_token = $2`,
		jobID.String(), token.String(), output, now,
	)
	if err != nil {
		return fmt.Errorf("conduit/postgres: complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyTokenMiss(ctx, jobID, token)
	}
	return nil
}

// FailJob transitions working → failed if the claim token matches.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, token id.ClaimID, reason string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conduit_jobs
		SET state = 'failed', failure_reason = $3, completed_at = $4,
		    claim_deadline = NULL, updated_at = $4
		WHERE id = $1 AND state = 'working' AND claim_token = $2`,
		jobID.String(), token.String(), reason, now,
	)
	if err != nil {
		return fmt.Errorf("conduit/postgres: fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyTokenMiss(ctx, jobID, token)
	}
	return nil
}

// classifyTokenMiss distinguishes why a token-guarded transition matched
// no row.
func (s *Store) classifyTokenMiss(ctx context.Context, jobID id.JobID, token id.ClaimID) error {
	var state, tok string
	err := s.pool.QueryRow(ctx,
		`SELECT state, claim_token FROM conduit_jobs WHERE id = $1`,
		jobID.String(),
	).Scan(&state, &tok)
	if err != nil {
		if isNoRows(err) {
			return conduit.ErrJobNotFound
		}
		return fmt.Errorf("conduit/postgres: classify transition: %w", err)
	}
	if job.State(state) != job.StateWorking {
		return conduit.ErrInvalidState
	}
	if tok != token.String() {
		return conduit.ErrStaleClaim
	}
	return conduit.ErrInvalidState
}

// ExpiredJobs returns working jobs whose claim deadline has elapsed.
func (s *Store) ExpiredJobs(ctx context.Context, now time.Time) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM conduit_jobs
		WHERE state = 'working'
		  AND claim_deadline IS NOT NULL
		  AND claim_deadline < $1`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("conduit/postgres: expired jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// RequeueJob transitions working → registered, guarded by attempt number.
func (s *Store) RequeueJob(ctx context.Context, jobID id.JobID, attempt int, notBefore, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conduit_jobs
		SET state = 'registered', retry_count = retry_count + 1,
		    claim_token = '', claim_deadline = NULL, claimed_at = NULL,
		    not_before = $3, updated_at = $4
		WHERE id = $1 AND state = 'working' AND attempt = $2`,
		jobID.String(), attempt, notBefore, now,
	)
	if err != nil {
		return fmt.Errorf("conduit/postgres: requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyAttemptMiss(ctx, jobID, attempt)
	}
	return nil
}

// ForceFailJob transitions working → failed, guarded by attempt number.
func (s *Store) ForceFailJob(ctx context.Context, jobID id.JobID, attempt int, reason string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conduit_jobs
		SET state = 'failed', failure_reason = $3, completed_at = $4,
		    claim_deadline = NULL, updated_at = $4
		WHERE id = $1 AND state = 'working' AND attempt = $2`,
		jobID.String(), attempt, reason, now,
	)
	if err != nil {
		return fmt.Errorf("conduit/postgres: force fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyAttemptMiss(ctx, jobID, attempt)
	}
	return nil
}

// classifyAttemptMiss distinguishes why an attempt-guarded transition
// matched no row.
func (s *Store) classifyAttemptMiss(ctx context.Context, jobID id.JobID, attempt int) error {
	var state string
	var storedAttempt int
	err := s.pool.QueryRow(ctx,
		`SELECT state, attempt FROM conduit_jobs WHERE id = $1`,
		jobID.String(),
	).Scan(&state, &storedAttempt)
	if err != nil {
		if isNoRows(err) {
			return conduit.ErrJobNotFound
		}
		return fmt.Errorf("conduit/postgres: classify transition: %w", err)
	}
	if job.State(state) != job.StateWorking {
		return conduit.ErrInvalidState
	}
	if storedAttempt != attempt {
		return conduit.ErrStaleClaim
	}
	return conduit.ErrInvalidState
}

// FailRegisteredJobs fails every registered job targeting the service.
func (s *Store) FailRegisteredJobs(ctx context.Context, svc, reason string, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conduit_jobs
		SET state = 'failed', failure_reason = $2, completed_at = $3, updated_at = $3
		WHERE service_name = $1 AND state = 'registered'`,
		svc, reason, now,
	)
	if err != nil {
		return 0, fmt.Errorf("conduit/postgres: fail registered jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListJobs returns jobs matching the given options, oldest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM conduit_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if opts.Service != "" {
		query += fmt.Sprintf(" AND service_name = $%d", argIdx)
		args = append(args, opts.Service)
		argIdx++
	}
	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
		argIdx++
	}

	query += " ORDER BY created_at ASC, id ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conduit/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM conduit_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if opts.Service != "" {
		query += fmt.Sprintf(" AND service_name = $%d", argIdx)
		args = append(args, opts.Service)
		argIdx++
	}
	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
	}

	var count int64
	err := s.pool.QueryRow(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("conduit/postgres: count jobs: %w", err)
	}
	return count, nil
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j        job.Job
		idStr    string
		stateStr string
		tokenStr string
		input    []byte
		output   []byte
	)
	err := row.Scan(
		&idStr, &j.ServiceName, &j.SchemaVersion, &input, &output, &stateStr,
		&j.Attempt, &tokenStr, &j.RetryCount, &j.MaxRetries, &j.FailureReason,
		&j.NotBefore, &j.ClaimDeadline, &j.ClaimedAt, &j.CompletedAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Input = input
	j.Output = output
	j.State = job.State(stateStr)

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("conduit/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if tokenStr != "" {
		parsedToken, tokenErr := id.ParseClaimID(tokenStr)
		if tokenErr == nil {
			j.ClaimToken = parsedToken
		}
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("conduit/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conduit/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
