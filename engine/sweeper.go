package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// sweeper periodically runs RequeueExpired. It is wired into the Broker
// by Build and driven by Broker.Start/Stop.
type sweeper struct {
	eng      *Engine
	interval time.Duration
	logger   *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func newSweeper(eng *Engine, interval time.Duration, logger *slog.Logger) *sweeper {
	return &sweeper{
		eng:      eng,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *sweeper) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true

	s.logger.Info("sweeper starting", slog.Duration("interval", s.interval))

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop signals the loop to stop and waits for it, bounded by the context
// deadline.
func (s *sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("sweeper stopped")
	case <-ctx.Done():
		s.logger.Warn("sweeper shutdown timed out")
		return ctx.Err()
	}
	return nil
}

func (s *sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *sweeper) sweep() {
	requeued, failed, err := s.eng.RequeueExpired(context.Background())
	if err != nil {
		s.logger.Error("sweep failed", slog.String("error", err.Error()))
		return
	}
	if requeued > 0 || failed > 0 {
		s.logger.Info("sweep complete",
			slog.Int("requeued", requeued),
			slog.Int("failed", failed),
		)
	}
}
