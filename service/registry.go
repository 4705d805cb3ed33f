package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haldane/conduit/schema"
)

// Role distinguishes the two schemas of a version.
type Role string

const (
	// RoleInput is the contract submissions are validated against.
	RoleInput Role = "input"
	// RoleOutput is the contract results are validated against.
	RoleOutput Role = "output"
)

// Registry governs service registration, liveness, and schema resolution.
// It compiles schemas once at registration time and keeps a cache of
// compiled contracts keyed by (service, version, role), since schema
// versions are immutable. Safe for concurrent use.
type Registry struct {
	store  Store
	window time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	compiled map[cacheKey]*schema.Schema
}

type cacheKey struct {
	service string
	version int
	role    Role
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the registry's time source. Intended for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a Registry over the given store. window is the
// heartbeat liveness window.
func NewRegistry(store Store, window time.Duration, logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:    store,
		window:   window,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		compiled: make(map[cacheKey]*schema.Schema),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a service or supersedes its schemas. Both schema
// documents must compile as well-formed contracts; malformed schemas are
// rejected and never stored. Re-registration appends version N+1 for future
// jobs only and clears a retired flag.
func (r *Registry) Register(ctx context.Context, name, description string, input, output json.RawMessage) (*Service, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty service name", schema.ErrInvalid)
	}

	inputSchema, err := schema.Compile(input)
	if err != nil {
		return nil, fmt.Errorf("input schema: %w", err)
	}
	outputSchema, err := schema.Compile(output)
	if err != nil {
		return nil, fmt.Errorf("output schema: %w", err)
	}

	now := r.now()
	svc := &Service{
		Name:           name,
		Description:    description,
		CurrentVersion: 1,
		RegisteredAt:   now,
		LastSeenAt:     now,
		UpdatedAt:      now,
	}

	if existing, getErr := r.store.GetService(ctx, name); getErr == nil {
		svc.CurrentVersion = existing.CurrentVersion + 1
		svc.RegisteredAt = existing.RegisteredAt
	}

	sv := &SchemaVersion{
		ServiceName: name,
		Version:     svc.CurrentVersion,
		Input:       inputSchema.Raw(),
		Output:      outputSchema.Raw(),
		CreatedAt:   now,
	}

	if saveErr := r.store.SaveService(ctx, svc, sv); saveErr != nil {
		return nil, saveErr
	}

	r.mu.Lock()
	r.compiled[cacheKey{name, sv.Version, RoleInput}] = inputSchema
	r.compiled[cacheKey{name, sv.Version, RoleOutput}] = outputSchema
	r.mu.Unlock()

	r.logger.Info("service registered",
		slog.String("service", name),
		slog.Int("version", sv.Version),
	)
	return svc, nil
}

// Heartbeat refreshes the service's liveness timestamp.
func (r *Registry) Heartbeat(ctx context.Context, name string) error {
	return r.store.HeartbeatService(ctx, name, r.now())
}

// IsOnline reports whether the service heartbeated within the liveness
// window.
func (r *Registry) IsOnline(ctx context.Context, name string) (bool, error) {
	svc, err := r.store.GetService(ctx, name)
	if err != nil {
		return false, err
	}
	return svc.StatusAt(r.now(), r.window) == StatusOnline, nil
}

// Get returns the service descriptor.
func (r *Registry) Get(ctx context.Context, name string) (*Service, error) {
	return r.store.GetService(ctx, name)
}

// List returns all registered services.
func (r *Registry) List(ctx context.Context) ([]*Service, error) {
	return r.store.ListServices(ctx)
}

// Retire soft-retires the service. The lifecycle engine decides what
// happens to the service's registered jobs.
func (r *Registry) Retire(ctx context.Context, name string) error {
	if err := r.store.RetireService(ctx, name, r.now()); err != nil {
		return err
	}
	r.logger.Info("service retired", slog.String("service", name))
	return nil
}

// Window returns the configured liveness window.
func (r *Registry) Window() time.Duration { return r.window }

// Contract returns the compiled schema for one role of an immutable schema
// version, compiling and caching it on first use (e.g. after a restart).
func (r *Registry) Contract(ctx context.Context, name string, version int, role Role) (*schema.Schema, error) {
	key := cacheKey{name, version, role}

	r.mu.RLock()
	s, ok := r.compiled[key]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	sv, err := r.store.GetSchemaVersion(ctx, name, version)
	if err != nil {
		return nil, err
	}

	doc := sv.Input
	if role == RoleOutput {
		doc = sv.Output
	}
	s, err = schema.Compile(doc)
	if err != nil {
		// Stored schemas compiled at registration time; a failure here
		// means the stored document was corrupted.
		return nil, fmt.Errorf("stored schema %s/%d (%s): %w", name, version, role, err)
	}

	r.mu.Lock()
	r.compiled[key] = s
	r.mu.Unlock()
	return s, nil
}
