package conduit

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Broker.
type Option func(*Broker) error

// Storer is the minimal store interface held by the Broker.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles. Implementations satisfy store.Store which embeds the job and
// service subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// sweeperRunner is an internal interface for the engine's background
// sweeper lifecycle.
type sweeperRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Broker is the central coordinator for job intake, claim dispatch, and
// the service registry.
//
// Create one with New() and functional options. The Broker holds subsystem
// components via internal interfaces to avoid import cycles. Use
// engine.Build() to wire the lifecycle engine on top.
type Broker struct {
	config  Config
	logger  *slog.Logger
	store   Storer
	sweeper sweeperRunner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Broker with the given options.
func New(opts ...Option) (*Broker, error) {
	b := &Broker{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Logger returns the broker's logger.
func (b *Broker) Logger() *slog.Logger { return b.logger }

// Store returns the broker's store.
func (b *Broker) Store() Storer { return b.store }

// Config returns a copy of the broker's configuration.
func (b *Broker) Config() Config { return b.config }

// SetSweeper sets the background sweeper (called by the engine package).
func (b *Broker) SetSweeper(s sweeperRunner) { b.sweeper = s }

// Start begins background claim-expiry sweeping.
func (b *Broker) Start(ctx context.Context) error {
	if b.sweeper == nil {
		return ErrNoStore
	}
	if err := b.sweeper.Start(ctx); err != nil {
		return err
	}
	b.started = true
	return nil
}

// Stop gracefully shuts down the broker.
func (b *Broker) Stop(ctx context.Context) error {
	if b.sweeper != nil && b.started {
		if err := b.sweeper.Stop(ctx); err != nil {
			b.logger.Error("sweeper stop error", "error", err)
		}
	}
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}

// WithStore sets the persistence backend for the broker.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds the job and service store interfaces.
func WithStore(s Storer) Option {
	return func(b *Broker) error {
		b.store = s
		return nil
	}
}

// WithLogger sets the structured logger for the broker.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) error {
		b.logger = l
		return nil
	}
}

// WithClaimTTL sets how long a claim may be held before it expires.
func WithClaimTTL(d time.Duration) Option {
	return func(b *Broker) error {
		b.config.ClaimTTL = d
		return nil
	}
}

// WithMaxRetries sets how many requeues a job is allowed before it is
// forced to failed.
func WithMaxRetries(n int) Option {
	return func(b *Broker) error {
		b.config.MaxRetries = n
		return nil
	}
}

// WithLivenessWindow sets the heartbeat window for service liveness.
func WithLivenessWindow(d time.Duration) Option {
	return func(b *Broker) error {
		b.config.LivenessWindow = d
		return nil
	}
}

// WithSweepInterval sets how often expired claims are swept.
func WithSweepInterval(d time.Duration) Option {
	return func(b *Broker) error {
		b.config.SweepInterval = d
		return nil
	}
}
