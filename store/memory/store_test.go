package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haldane/conduit"
	"github.com/haldane/conduit/id"
	"github.com/haldane/conduit/job"
	"github.com/haldane/conduit/service"
)

// ──────────────────────────────────────────────────
// Lifecycle tests
// ──────────────────────────────────────────────────

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

// ──────────────────────────────────────────────────
// Job Store tests
// ──────────────────────────────────────────────────

func newJob(svc string, createdAt time.Time) *job.Job {
	return &job.Job{
		ID:            id.NewJobID(),
		ServiceName:   svc,
		SchemaVersion: 1,
		Input:         []byte(`{"test":true}`),
		State:         job.StateRegistered,
		MaxRetries:    3,
		NotBefore:     createdAt,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

func TestJobCreateAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	j := newJob("echo", now)

	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.CreateJob(ctx, j); !errors.Is(err, conduit.ErrJobExists) {
		t.Fatalf("duplicate CreateJob err = %v, want ErrJobExists", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateRegistered {
		t.Fatalf("state = %q, want registered", got.State)
	}

	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, conduit.ErrJobNotFound) {
		t.Fatalf("missing GetJob err = %v, want ErrJobNotFound", err)
	}
}

func TestClaimJob_FIFO(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	base := time.Now().UTC()

	second := newJob("echo", base.Add(time.Second))
	first := newJob("echo", base)
	for _, j := range []*job.Job{second, first} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	now := base.Add(time.Minute)
	claimed, err := s.ClaimJob(ctx, "echo", id.NewClaimID(), now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if claimed == nil {
		t.Fatal("ClaimJob returned no job")
	}
	if claimed.ID.String() != first.ID.String() {
		t.Fatalf("claimed %s, want oldest %s", claimed.ID, first.ID)
	}
	if claimed.State != job.StateWorking {
		t.Fatalf("state = %q, want working", claimed.State)
	}
	if claimed.Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", claimed.Attempt)
	}
	if claimed.ClaimDeadline == nil {
		t.Fatal("claim deadline not set")
	}
}

func TestClaimJob_SkipsIneligible(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	// Wrong service.
	other := newJob("other", now)
	// Not yet eligible.
	delayed := newJob("echo", now)
	delayed.NotBefore = now.Add(time.Hour)

	for _, j := range []*job.Job{other, delayed} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	claimed, err := s.ClaimJob(ctx, "echo", id.NewClaimID(), now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected no eligible job, got %s", claimed.ID)
	}

	// Past the delay it becomes claimable.
	later := now.Add(2 * time.Hour)
	claimed, err = s.ClaimJob(ctx, "echo", id.NewClaimID(), later, later.Add(time.Minute))
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if claimed == nil || claimed.ID.String() != delayed.ID.String() {
		t.Fatalf("claimed = %v, want %s", claimed, delayed.ID)
	}
}

func TestCompleteJob_TokenGuard(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	j := newJob("echo", now)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	token := id.NewClaimID()

	// Not working yet.
	if err := s.CompleteJob(ctx, j.ID, token, []byte(`{}`), now); !errors.Is(err, conduit.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}

	if _, err := s.ClaimJob(ctx, "echo", token, now, now.Add(time.Minute)); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	// Wrong token.
	if err := s.CompleteJob(ctx, j.ID, id.NewClaimID(), []byte(`{}`), now); !errors.Is(err, conduit.ErrStaleClaim) {
		t.Fatalf("err = %v, want ErrStaleClaim", err)
	}

	// Right token.
	if err := s.CompleteJob(ctx, j.ID, token, []byte(`{"ok":true}`), now); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateComplete {
		t.Fatalf("state = %q, want complete", got.State)
	}
	if string(got.Output) != `{"ok":true}` {
		t.Fatalf("output = %s", got.Output)
	}
	if got.CompletedAt == nil || got.ClaimDeadline != nil {
		t.Fatal("completion bookkeeping not applied")
	}

	// Terminal: a second completion is rejected.
	if err := s.CompleteJob(ctx, j.ID, token, []byte(`{}`), now); !errors.Is(err, conduit.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState on terminal job", err)
	}

	// Unknown job.
	if err := s.CompleteJob(ctx, id.NewJobID(), token, []byte(`{}`), now); !errors.Is(err, conduit.ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func TestFailJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	j := newJob("echo", now)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	token := id.NewClaimID()
	if _, err := s.ClaimJob(ctx, "echo", token, now, now.Add(time.Minute)); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	if err := s.FailJob(ctx, j.ID, token, "boom", now); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateFailed {
		t.Fatalf("state = %q, want failed", got.State)
	}
	if got.FailureReason != "boom" {
		t.Fatalf("reason = %q, want boom", got.FailureReason)
	}
}

func TestExpiredJobs_RequeueAndForceFail(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	j := newJob("echo", now)
	if err := s.CreateJob(ctx, j); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	token := id.NewClaimID()
	claimed, err := s.ClaimJob(ctx, "echo", token, now, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	// Before the deadline nothing is expired.
	expired, err := s.ExpiredJobs(ctx, now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("ExpiredJobs: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expired = %d, want 0", len(expired))
	}

	later := now.Add(2 * time.Minute)
	expired, err = s.ExpiredJobs(ctx, later)
	if err != nil {
		t.Fatalf("ExpiredJobs: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expired = %d, want 1", len(expired))
	}

	// Requeue guarded by a stale attempt number.
	if err := s.RequeueJob(ctx, j.ID, claimed.Attempt+1, later, later); !errors.Is(err, conduit.ErrStaleClaim) {
		t.Fatalf("err = %v, want ErrStaleClaim", err)
	}

	notBefore := later.Add(10 * time.Second)
	if err := s.RequeueJob(ctx, j.ID, claimed.Attempt, notBefore, later); err != nil {
		t.Fatalf("RequeueJob: %v", err)
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.State != job.StateRegistered {
		t.Fatalf("state = %q, want registered", got.State)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", got.RetryCount)
	}
	if !got.ClaimToken.IsNil() {
		t.Fatal("claim token not cleared on requeue")
	}
	if !got.NotBefore.Equal(notBefore) {
		t.Fatalf("not before = %v, want %v", got.NotBefore, notBefore)
	}

	// The old token is dead after the requeue.
	reclaimToken := id.NewClaimID()
	reclaimAt := notBefore.Add(time.Second)
	reclaimed, err := s.ClaimJob(ctx, "echo", reclaimToken, reclaimAt, reclaimAt.Add(time.Minute))
	if err != nil || reclaimed == nil {
		t.Fatalf("re-ClaimJob: %v %v", reclaimed, err)
	}
	if err := s.CompleteJob(ctx, j.ID, token, []byte(`{}`), reclaimAt); !errors.Is(err, conduit.ErrStaleClaim) {
		t.Fatalf("err = %v, want ErrStaleClaim for invalidated token", err)
	}

	// Force-fail the second attempt.
	if err := s.ForceFailJob(ctx, j.ID, reclaimed.Attempt, "retries exhausted", reclaimAt); err != nil {
		t.Fatalf("ForceFailJob: %v", err)
	}
	got, _ = s.GetJob(ctx, j.ID)
	if got.State != job.StateFailed {
		t.Fatalf("state = %q, want failed", got.State)
	}
}

func TestFailRegisteredJobs(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	a := newJob("echo", now)
	b := newJob("echo", now.Add(time.Second))
	other := newJob("other", now)
	for _, j := range []*job.Job{a, b, other} {
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	// Claim one so it is working and untouched.
	token := id.NewClaimID()
	later := now.Add(time.Minute)
	if _, err := s.ClaimJob(ctx, "echo", token, later, later.Add(time.Minute)); err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}

	count, err := s.FailRegisteredJobs(ctx, "echo", "service retired", later)
	if err != nil {
		t.Fatalf("FailRegisteredJobs: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	got, _ := s.GetJob(ctx, other.ID)
	if got.State != job.StateRegistered {
		t.Fatalf("other service's job touched: state = %q", got.State)
	}
}

func TestListAndCountJobs(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	base := time.Now().UTC()

	for i := range 5 {
		j := newJob("echo", base.Add(time.Duration(i)*time.Second))
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}
	if err := s.CreateJob(ctx, newJob("other", base)); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	jobs, err := s.ListJobs(ctx, job.ListOpts{Service: "echo"})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 5 {
		t.Fatalf("len = %d, want 5", len(jobs))
	}
	for i := 1; i < len(jobs); i++ {
		if jobs[i].CreatedAt.Before(jobs[i-1].CreatedAt) {
			t.Fatal("ListJobs not ordered by creation time")
		}
	}

	jobs, err = s.ListJobs(ctx, job.ListOpts{Service: "echo", Offset: 2, Limit: 2})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("len = %d, want 2 (offset/limit)", len(jobs))
	}

	count, err := s.CountJobs(ctx, job.CountOpts{State: job.StateRegistered})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if count != 6 {
		t.Fatalf("count = %d, want 6", count)
	}
}

// ──────────────────────────────────────────────────
// Service Store tests
// ──────────────────────────────────────────────────

func newService(name string, at time.Time) (*service.Service, *service.SchemaVersion) {
	svc := &service.Service{
		Name:           name,
		Description:    "test service",
		CurrentVersion: 1,
		RegisteredAt:   at,
		LastSeenAt:     at,
		UpdatedAt:      at,
	}
	sv := &service.SchemaVersion{
		ServiceName: name,
		Version:     1,
		Input:       []byte(`{"type":"object"}`),
		Output:      []byte(`{"type":"object"}`),
		CreatedAt:   at,
	}
	return svc, sv
}

func TestServiceSaveAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	svc, sv := newService("echo", now)
	if err := s.SaveService(ctx, svc, sv); err != nil {
		t.Fatalf("SaveService: %v", err)
	}

	got, err := s.GetService(ctx, "echo")
	if err != nil {
		t.Fatalf("GetService: %v", err)
	}
	if got.CurrentVersion != 1 {
		t.Fatalf("version = %d, want 1", got.CurrentVersion)
	}

	if _, err := s.GetService(ctx, "missing"); !errors.Is(err, conduit.ErrServiceNotFound) {
		t.Fatalf("err = %v, want ErrServiceNotFound", err)
	}

	// Upsert with a new version keeps both schema versions readable.
	svc2, sv2 := newService("echo", now.Add(time.Minute))
	svc2.CurrentVersion = 2
	sv2.Version = 2
	if err := s.SaveService(ctx, svc2, sv2); err != nil {
		t.Fatalf("SaveService v2: %v", err)
	}

	for _, version := range []int{1, 2} {
		if _, err := s.GetSchemaVersion(ctx, "echo", version); err != nil {
			t.Fatalf("GetSchemaVersion(%d): %v", version, err)
		}
	}
	if _, err := s.GetSchemaVersion(ctx, "echo", 3); !errors.Is(err, conduit.ErrSchemaVersionNotFound) {
		t.Fatalf("err = %v, want ErrSchemaVersionNotFound", err)
	}
}

func TestServiceHeartbeatAndRetire(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	svc, sv := newService("echo", now)
	if err := s.SaveService(ctx, svc, sv); err != nil {
		t.Fatalf("SaveService: %v", err)
	}

	at := now.Add(time.Minute)
	if err := s.HeartbeatService(ctx, "echo", at); err != nil {
		t.Fatalf("HeartbeatService: %v", err)
	}
	got, _ := s.GetService(ctx, "echo")
	if !got.LastSeenAt.Equal(at) {
		t.Fatalf("last seen = %v, want %v", got.LastSeenAt, at)
	}

	if err := s.RetireService(ctx, "echo", at); err != nil {
		t.Fatalf("RetireService: %v", err)
	}
	got, _ = s.GetService(ctx, "echo")
	if !got.Retired {
		t.Fatal("service not retired")
	}

	if err := s.HeartbeatService(ctx, "missing", at); !errors.Is(err, conduit.ErrServiceNotFound) {
		t.Fatalf("err = %v, want ErrServiceNotFound", err)
	}
	if err := s.RetireService(ctx, "missing", at); !errors.Is(err, conduit.ErrServiceNotFound) {
		t.Fatalf("err = %v, want ErrServiceNotFound", err)
	}
}

func TestListServices_Ordered(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, name := range []string{"charlie", "alpha", "bravo"} {
		svc, sv := newService(name, base.Add(time.Duration(i)*time.Second))
		if err := s.SaveService(ctx, svc, sv); err != nil {
			t.Fatalf("SaveService: %v", err)
		}
	}

	services, err := s.ListServices(ctx)
	if err != nil {
		t.Fatalf("ListServices: %v", err)
	}
	if len(services) != 3 {
		t.Fatalf("len = %d, want 3", len(services))
	}
	want := []string{"charlie", "alpha", "bravo"} // registration order
	for i, svc := range services {
		if svc.Name != want[i] {
			t.Fatalf("services[%d] = %q, want %q", i, svc.Name, want[i])
		}
	}
}
