// Package engine wires the broker subsystems together: the service
// registry, the job store, claim quotas, and the expiry sweeper. It owns
// every job lifecycle transition.
//
// This package exists to break the import cycle: the root conduit package
// defines the sentinel errors and Broker (imported by job, service, and
// the store backends) and so cannot import those packages back. The engine
// package sits above all subsystem packages and below the API layer.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/haldane/conduit"
	"github.com/haldane/conduit/backoff"
	"github.com/haldane/conduit/id"
	"github.com/haldane/conduit/job"
	"github.com/haldane/conduit/quota"
	"github.com/haldane/conduit/service"
)

// Engine wraps a Broker with typed subsystem access.
// Use Build() to create one from a Broker.
type Engine struct {
	broker   *conduit.Broker
	registry *service.Registry
	jobs     job.Store
	services service.Store
	bo       backoff.Strategy
	quotas   *quota.Manager
	logger   *slog.Logger
	now      func() time.Time

	quotaConfigs []quota.Config
	clock        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithBackoff sets the requeue backoff strategy for the engine.
// If not set, backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithQuota registers per-service claim quotas. Services not listed have
// no limits.
func WithQuota(configs ...quota.Config) Option {
	return func(eng *Engine) {
		eng.quotaConfigs = append(eng.quotaConfigs, configs...)
	}
}

// WithClock overrides the engine's time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(eng *Engine) {
		eng.clock = now
	}
}

// Build creates an Engine from an existing Broker.
// The Broker's store must implement job.Store and service.Store.
func Build(b *conduit.Broker, opts ...Option) (*Engine, error) {
	logger := b.Logger()
	store := b.Store()

	if store == nil {
		return nil, conduit.ErrNoStore
	}

	// Type-assert the store to get the job.Store interface.
	js, ok := store.(job.Store)
	if !ok {
		return nil, fmt.Errorf("conduit: store does not implement job.Store")
	}

	// Type-assert the store to get the service.Store interface.
	ss, ok := store.(service.Store)
	if !ok {
		return nil, fmt.Errorf("conduit: store does not implement service.Store")
	}

	eng := &Engine{
		broker:   b,
		jobs:     js,
		services: ss,
		logger:   logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	// Default backoff strategy if none provided.
	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}

	eng.now = eng.clock
	if eng.now == nil {
		eng.now = func() time.Time { return time.Now().UTC() }
	}

	eng.quotas = quota.NewManager(eng.quotaConfigs...)

	config := b.Config()
	regOpts := []service.RegistryOption{}
	if eng.clock != nil {
		regOpts = append(regOpts, service.WithClock(eng.clock))
	}
	eng.registry = service.NewRegistry(ss, config.LivenessWindow, logger, regOpts...)

	// Wire the sweeper back into the Broker so Start/Stop drive it.
	b.SetSweeper(newSweeper(eng, config.SweepInterval, logger))

	return eng, nil
}

// Registry returns the service registry.
func (eng *Engine) Registry() *service.Registry { return eng.registry }

// ──────────────────────────────────────────────────
// Intake
// ──────────────────────────────────────────────────

// Submit validates input against the service's current input schema and
// registers a new job. The schema version in force at submission is
// captured on the job; later re-registrations never affect it.
func (eng *Engine) Submit(ctx context.Context, svcName string, input json.RawMessage) (*job.Job, error) {
	svc, err := eng.registry.Get(ctx, svcName)
	if err != nil {
		return nil, err
	}
	if svc.Retired {
		return nil, conduit.ErrServiceRetired
	}

	contract, err := eng.registry.Contract(ctx, svcName, svc.CurrentVersion, service.RoleInput)
	if err != nil {
		return nil, err
	}
	if err := contract.Validate(input); err != nil {
		return nil, err
	}

	now := eng.now()
	j := &job.Job{
		ID:            id.NewJobID(),
		ServiceName:   svcName,
		SchemaVersion: svc.CurrentVersion,
		Input:         input,
		State:         job.StateRegistered,
		MaxRetries:    eng.broker.Config().MaxRetries,
		NotBefore:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := eng.jobs.CreateJob(ctx, j); err != nil {
		return nil, err
	}

	eng.logger.Info("job registered",
		slog.String("job_id", j.ID.String()),
		slog.String("service", svcName),
		slog.Int("schema_version", j.SchemaVersion),
	)
	return j, nil
}

// ──────────────────────────────────────────────────
// Claim / result
// ──────────────────────────────────────────────────

// Claim hands the oldest eligible registered job for the service to the
// caller, moving it to working under a fresh claim token (returned on the
// job's ClaimToken field). Returns (nil, nil) when no job is eligible or
// the service's claim quota is exhausted. A successful poll doubles as a
// liveness heartbeat.
func (eng *Engine) Claim(ctx context.Context, svcName string) (*job.Job, error) {
	svc, err := eng.registry.Get(ctx, svcName)
	if err != nil {
		return nil, err
	}
	if svc.Retired {
		return nil, conduit.ErrServiceRetired
	}

	if !eng.quotas.Acquire(svcName) {
		eng.logger.Debug("claim throttled", slog.String("service", svcName))
		return nil, nil
	}

	now := eng.now()
	token := id.NewClaimID()
	deadline := now.Add(eng.broker.Config().ClaimTTL)

	j, err := eng.jobs.ClaimJob(ctx, svcName, token, now, deadline)
	if err != nil {
		eng.quotas.Release(svcName)
		return nil, err
	}
	if j == nil {
		eng.quotas.Release(svcName)
		return nil, nil
	}

	if hbErr := eng.services.HeartbeatService(ctx, svcName, now); hbErr != nil {
		eng.logger.Warn("claim heartbeat failed",
			slog.String("service", svcName),
			slog.String("error", hbErr.Error()),
		)
	}

	eng.logger.Info("job claimed",
		slog.String("job_id", j.ID.String()),
		slog.String("service", svcName),
		slog.Int("attempt", j.Attempt),
	)
	return j, nil
}

// Complete validates the result against the job's captured output schema
// and transitions working → complete. The claim token must match the
// job's current attempt; tokens invalidated by a requeue are rejected
// with ErrStaleClaim. A result that fails validation leaves the job
// working so the holder can retry or fail it.
func (eng *Engine) Complete(ctx context.Context, jobID id.JobID, token id.ClaimID, output json.RawMessage) error {
	j, err := eng.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	contract, err := eng.registry.Contract(ctx, j.ServiceName, j.SchemaVersion, service.RoleOutput)
	if err != nil {
		return err
	}
	if err := contract.Validate(output); err != nil {
		return err
	}

	if err := eng.jobs.CompleteJob(ctx, jobID, token, output, eng.now()); err != nil {
		return err
	}
	eng.quotas.Release(j.ServiceName)

	eng.logger.Info("job complete",
		slog.String("job_id", jobID.String()),
		slog.String("service", j.ServiceName),
	)
	return nil
}

// Fail transitions working → failed with the given reason. The claim
// token must match the job's current attempt. A reported failure is
// terminal; only expired claims are retried.
func (eng *Engine) Fail(ctx context.Context, jobID id.JobID, token id.ClaimID, reason string) error {
	j, err := eng.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if err := eng.jobs.FailJob(ctx, jobID, token, reason, eng.now()); err != nil {
		return err
	}
	eng.quotas.Release(j.ServiceName)

	eng.logger.Info("job failed",
		slog.String("job_id", jobID.String()),
		slog.String("service", j.ServiceName),
		slog.String("reason", reason),
	)
	return nil
}

// ──────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────

// Get retrieves a job by ID.
func (eng *Engine) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.jobs.GetJob(ctx, jobID)
}

// ListJobs returns jobs matching the given options.
func (eng *Engine) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	return eng.jobs.ListJobs(ctx, opts)
}

// CountJobs returns the number of jobs matching the given options.
func (eng *Engine) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	return eng.jobs.CountJobs(ctx, opts)
}

// ──────────────────────────────────────────────────
// Expiry / retirement
// ──────────────────────────────────────────────────

// RequeueExpired sweeps working jobs whose claim deadline has elapsed.
// Jobs with retries remaining return to registered with a backoff-delayed
// eligibility; jobs that exhausted their retries are forced to failed.
// Each transition is guarded by the attempt the expiry was observed at,
// so a result that lands mid-sweep wins the race cleanly.
func (eng *Engine) RequeueExpired(ctx context.Context) (requeued, failed int, err error) {
	now := eng.now()
	expired, err := eng.jobs.ExpiredJobs(ctx, now)
	if err != nil {
		return 0, 0, err
	}

	for _, j := range expired {
		if j.RetryCount >= j.MaxRetries {
			ffErr := eng.jobs.ForceFailJob(ctx, j.ID, j.Attempt,
				fmt.Sprintf("claim expired after %d attempts", j.Attempt), now)
			switch ffErr {
			case nil:
				failed++
				eng.quotas.Release(j.ServiceName)
				eng.logger.Warn("job retries exhausted",
					slog.String("job_id", j.ID.String()),
					slog.String("service", j.ServiceName),
					slog.Int("attempts", j.Attempt),
				)
			case conduit.ErrInvalidState, conduit.ErrStaleClaim:
				// Lost the race to a concurrent result or sweep.
			default:
				return requeued, failed, ffErr
			}
			continue
		}

		notBefore := now.Add(eng.bo.Delay(j.RetryCount + 1))
		rqErr := eng.jobs.RequeueJob(ctx, j.ID, j.Attempt, notBefore, now)
		switch rqErr {
		case nil:
			requeued++
			eng.quotas.Release(j.ServiceName)
			eng.logger.Info("job requeued",
				slog.String("job_id", j.ID.String()),
				slog.String("service", j.ServiceName),
				slog.Int("retry", j.RetryCount+1),
				slog.Time("not_before", notBefore),
			)
		case conduit.ErrInvalidState, conduit.ErrStaleClaim:
			// Lost the race to a concurrent result or sweep.
		default:
			return requeued, failed, rqErr
		}
	}

	return requeued, failed, nil
}

// Retire soft-retires the service and fails all of its still-registered
// jobs; nothing new can be submitted or claimed afterwards. Working jobs
// keep their claims and may still report results.
func (eng *Engine) Retire(ctx context.Context, svcName string) (failed int64, err error) {
	if err := eng.registry.Retire(ctx, svcName); err != nil {
		return 0, err
	}

	failed, err = eng.jobs.FailRegisteredJobs(ctx, svcName, "service retired", eng.now())
	if err != nil {
		return 0, err
	}
	if failed > 0 {
		eng.logger.Info("retired service jobs failed",
			slog.String("service", svcName),
			slog.Int64("count", failed),
		)
	}
	return failed, nil
}
