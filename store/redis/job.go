package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/haldane/conduit"
	"github.com/haldane/conduit/id"
	"github.com/haldane/conduit/job"
)

// claimScript atomically claims the oldest eligible registered job.
// The pending set is scored by creation time, so ZRANGE walks candidates
// in FIFO order; the first one past its not_before wins. Scans at most
// 100 candidates per call so a deeply delayed backlog cannot stall it.
//
// KEYS[1] = pending zset, KEYS[2] = working zset
// ARGV[1] = now_ms, ARGV[2] = token, ARGV[3] = now_rfc, ARGV[4] = deadline_rfc,
// ARGV[5] = deadline_ms, ARGV[6] = key prefix
var claimScript = goredis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 99)
for _, jid in ipairs(ids) do
	local key = ARGV[6] .. 'job:' .. jid
	local nb = tonumber(redis.call('HGET', key, 'not_before_ms'))
	if nb == nil or nb <= tonumber(ARGV[1]) then
		local attempt = (tonumber(redis.call('HGET', key, 'attempt')) or 0) + 1
		redis.call('HSET', key,
			'state', 'working',
			'attempt', attempt,
			'claim_token', ARGV[2],
			'claimed_at', ARGV[3],
			'claim_deadline', ARGV[4],
			'updated_at', ARGV[3])
		redis.call('ZREM', KEYS[1], jid)
		redis.call('ZADD', KEYS[2], tonumber(ARGV[5]), jid)
		return jid
	end
end
return false
`)

// resolveScript finishes a working job (complete or fail), guarded by the
// claim token.
//
// KEYS[1] = job key, KEYS[2] = working zset
// ARGV[1] = job id, ARGV[2] = token, ARGV[3] = target state,
// ARGV[4] = output or reason, ARGV[5] = now_rfc
var resolveScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return 'not_found' end
if state ~= 'working' then return 'invalid_state' end
if redis.call('HGET', KEYS[1], 'claim_token') ~= ARGV[2] then return 'stale' end
if ARGV[3] == 'complete' then
	redis.call('HSET', KEYS[1], 'state', 'complete', 'output', ARGV[4],
		'completed_at', ARGV[5], 'updated_at', ARGV[5])
else
	redis.call('HSET', KEYS[1], 'state', 'failed', 'failure_reason', ARGV[4],
		'completed_at', ARGV[5], 'updated_at', ARGV[5])
end
redis.call('HDEL', KEYS[1], 'claim_deadline')
redis.call('ZREM', KEYS[2], ARGV[1])
return 'ok'
`)

// expireScript requeues or force-fails an expired claim, guarded by the
// attempt number the expiry was observed at.
//
// KEYS[1] = job key, KEYS[2] = working zset, KEYS[3] = pending zset
// ARGV[1] = job id, ARGV[2] = attempt, ARGV[3] = action ('requeue'|'fail'),
// ARGV[4] = not_before_rfc or reason, ARGV[5] = now_rfc,
// ARGV[6] = not_before_ms, ARGV[7] = created_ms
var expireScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return 'not_found' end
if state ~= 'working' then return 'invalid_state' end
if redis.call('HGET', KEYS[1], 'attempt') ~= ARGV[2] then return 'stale' end
if ARGV[3] == 'requeue' then
	local retries = (tonumber(redis.call('HGET', KEYS[1], 'retry_count')) or 0) + 1
	redis.call('HSET', KEYS[1], 'state', 'registered', 'retry_count', retries,
		'claim_token', '', 'not_before', ARGV[4], 'not_before_ms', ARGV[6],
		'updated_at', ARGV[5])
	redis.call('HDEL', KEYS[1], 'claim_deadline', 'claimed_at')
	redis.call('ZADD', KEYS[3], tonumber(ARGV[7]), ARGV[1])
else
	redis.call('HSET', KEYS[1], 'state', 'failed', 'failure_reason', ARGV[4],
		'completed_at', ARGV[5], 'updated_at', ARGV[5])
	redis.call('HDEL', KEYS[1], 'claim_deadline')
end
redis.call('ZREM', KEYS[2], ARGV[1])
return 'ok'
`)

// CreateJob stores the job as a Hash and adds it to the service's pending
// Sorted Set.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	// Check for duplicate.
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("conduit/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return conduit.ErrJobExists
	}

	fields := jobToMap(j)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, jobIDsKey, jID)
	pipe.ZAdd(ctx, pendingKey(j.ServiceName), goredis.Z{
		Score:  float64(j.CreatedAt.UnixMilli()),
		Member: jID,
	})

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("conduit/redis: create job: %w", err)
	}
	return nil
}

// ClaimJob atomically claims the oldest eligible registered job for the
// service, if any.
func (s *Store) ClaimJob(ctx context.Context, svc string, token id.ClaimID, now, deadline time.Time) (*job.Job, error) {
	res, err := claimScript.Run(ctx, s.client,
		[]string{pendingKey(svc), workingKey},
		now.UnixMilli(),
		token.String(),
		now.Format(time.RFC3339Nano),
		deadline.Format(time.RFC3339Nano),
		deadline.UnixMilli(),
		keyPrefix,
	).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("conduit/redis: claim job: %w", err)
	}

	jID, ok := res.(string)
	if !ok || jID == "" {
		return nil, nil
	}
	return s.getJobByKey(ctx, jobKey(jID))
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// CompleteJob transitions working → complete if the claim token matches.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, token id.ClaimID, output []byte, now time.Time) error {
	return s.resolveJob(ctx, jobID, token, "complete", string(output), now)
}

// FailJob transitions working → failed if the claim token matches.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, token id.ClaimID, reason string, now time.Time) error {
	return s.resolveJob(ctx, jobID, token, "failed", reason, now)
}

func (s *Store) resolveJob(ctx context.Context, jobID id.JobID, token id.ClaimID, state, payload string, now time.Time) error {
	jID := jobID.String()
	res, err := resolveScript.Run(ctx, s.client,
		[]string{jobKey(jID), workingKey},
		jID,
		token.String(),
		state,
		payload,
		now.Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("conduit/redis: resolve job: %w", err)
	}
	return scriptStatus(res)
}

// ExpiredJobs returns working jobs whose claim deadline has elapsed.
func (s *Store) ExpiredJobs(ctx context.Context, now time.Time) ([]*job.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, workingKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli()-1, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("conduit/redis: expired jobs: %w", err)
	}

	var expired []*job.Job
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // resolved concurrently
		}
		expired = append(expired, j)
	}
	return expired, nil
}

// RequeueJob transitions working → registered, guarded by attempt number.
func (s *Store) RequeueJob(ctx context.Context, jobID id.JobID, attempt int, notBefore, now time.Time) error {
	jID := jobID.String()
	j, err := s.getJobByKey(ctx, jobKey(jID))
	if err != nil {
		return err
	}

	res, err := expireScript.Run(ctx, s.client,
		[]string{jobKey(jID), workingKey, pendingKey(j.ServiceName)},
		jID,
		strconv.Itoa(attempt),
		"requeue",
		notBefore.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		notBefore.UnixMilli(),
		j.CreatedAt.UnixMilli(),
	).Result()
	if err != nil {
		return fmt.Errorf("conduit/redis: requeue job: %w", err)
	}
	return scriptStatus(res)
}

// ForceFailJob transitions working → failed, guarded by attempt number.
func (s *Store) ForceFailJob(ctx context.Context, jobID id.JobID, attempt int, reason string, now time.Time) error {
	jID := jobID.String()
	res, err := expireScript.Run(ctx, s.client,
		[]string{jobKey(jID), workingKey, pendingKey("")},
		jID,
		strconv.Itoa(attempt),
		"fail",
		reason,
		now.Format(time.RFC3339Nano),
		0,
		0,
	).Result()
	if err != nil {
		return fmt.Errorf("conduit/redis: force fail job: %w", err)
	}
	return scriptStatus(res)
}

// FailRegisteredJobs fails every registered job targeting the service.
func (s *Store) FailRegisteredJobs(ctx context.Context, svc, reason string, now time.Time) (int64, error) {
	pk := pendingKey(svc)
	ids, err := s.client.ZRange(ctx, pk, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("conduit/redis: fail registered zrange: %w", err)
	}

	nowStr := now.Format(time.RFC3339Nano)
	var count int64
	for _, jID := range ids {
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, jobKey(jID),
			"state", string(job.StateFailed),
			"failure_reason", reason,
			"completed_at", nowStr,
			"updated_at", nowStr,
		)
		pipe.ZRem(ctx, pk, jID)
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return count, fmt.Errorf("conduit/redis: fail registered job: %w", pErr)
		}
		count++
	}
	return count, nil
}

// ListJobs returns jobs matching the given options, oldest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("conduit/redis: list jobs smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if opts.Service != "" && j.ServiceName != opts.Service {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		jobs = append(jobs, j)
	}

	sortJobs(jobs)

	// Apply offset/limit.
	if opts.Offset > 0 && opts.Offset < len(jobs) {
		jobs = jobs[opts.Offset:]
	} else if opts.Offset >= len(jobs) && opts.Offset > 0 {
		return nil, nil
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("conduit/redis: count smembers: %w", err)
	}

	var count int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if opts.Service != "" && j.ServiceName != opts.Service {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		count++
	}
	return count, nil
}

// ── helpers ──

// scriptStatus maps a conditional-transition script result to a sentinel
// error.
func scriptStatus(res interface{}) error {
	switch res {
	case "ok":
		return nil
	case "not_found":
		return conduit.ErrJobNotFound
	case "invalid_state":
		return conduit.ErrInvalidState
	case "stale":
		return conduit.ErrStaleClaim
	default:
		return fmt.Errorf("conduit/redis: unexpected script result %v", res)
	}
}

// sortJobs orders by creation time, ID string as tie-break.
func sortJobs(jobs []*job.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ID.String() < jobs[k].ID.String()
	})
}

// jobToMap flattens a job into Redis Hash fields. not_before is stored
// twice: RFC3339 for Go, epoch millis for the claim script's comparison.
func jobToMap(j *job.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":             j.ID.String(),
		"service_name":   j.ServiceName,
		"schema_version": strconv.Itoa(j.SchemaVersion),
		"input":          string(j.Input),
		"output":         string(j.Output),
		"state":          string(j.State),
		"attempt":        strconv.Itoa(j.Attempt),
		"claim_token":    j.ClaimToken.String(),
		"retry_count":    strconv.Itoa(j.RetryCount),
		"max_retries":    strconv.Itoa(j.MaxRetries),
		"failure_reason": j.FailureReason,
		"not_before":     j.NotBefore.Format(time.RFC3339Nano),
		"not_before_ms":  strconv.FormatInt(j.NotBefore.UnixMilli(), 10),
		"created_at":     j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":     j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.ClaimDeadline != nil {
		m["claim_deadline"] = j.ClaimDeadline.Format(time.RFC3339Nano)
	}
	if j.ClaimedAt != nil {
		m["claimed_at"] = j.ClaimedAt.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("conduit/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, conduit.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("conduit/redis: parse job id: %w", err)
	}

	schemaVersion, _ := strconv.Atoi(m["schema_version"]) //nolint:errcheck // best-effort parse from trusted Redis data
	attempt, _ := strconv.Atoi(m["attempt"])              //nolint:errcheck // best-effort parse from trusted Redis data
	maxRetries, _ := strconv.Atoi(m["max_retries"])       //nolint:errcheck // best-effort parse from trusted Redis data
	retryCount, _ := strconv.Atoi(m["retry_count"])       //nolint:errcheck // best-effort parse from trusted Redis data

	notBefore, _ := time.Parse(time.RFC3339Nano, m["not_before"]) //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		ID:            jID,
		ServiceName:   m["service_name"],
		SchemaVersion: schemaVersion,
		Input:         []byte(m["input"]),
		State:         job.State(m["state"]),
		Attempt:       attempt,
		RetryCount:    retryCount,
		MaxRetries:    maxRetries,
		FailureReason: m["failure_reason"],
		NotBefore:     notBefore,
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	}
	if v := m["output"]; v != "" {
		j.Output = []byte(v)
	}

	if tok := m["claim_token"]; tok != "" {
		j.ClaimToken, _ = id.ParseClaimID(tok) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["claim_deadline"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.ClaimDeadline = &t
	}
	if v := m["claimed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.ClaimedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.CompletedAt = &t
	}

	return j, nil
}
