package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haldane/conduit"
	"github.com/haldane/conduit/id"
)

// Handler executes one job. The returned document is reported as the
// job's output; a non-nil error fails the job with the error text as the
// reason.
type Handler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Worker polls the broker for jobs targeting one service and executes
// them through a Handler. Successful polls double as heartbeats, so a
// busy worker keeps its service online; an idle one heartbeats on a
// timer.
type Worker struct {
	client  *Client
	service string
	handler Handler
	logger  *slog.Logger

	workerID          id.WorkerID
	pollInterval      time.Duration
	heartbeatInterval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithPollInterval sets the delay between polls when the queue is empty.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.pollInterval = d }
}

// WithHeartbeatInterval sets the idle heartbeat period. It should be
// well inside the broker's liveness window.
func WithHeartbeatInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.heartbeatInterval = d }
}

// WithWorkerLogger sets the structured logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// NewWorker creates a Worker serving the named service.
func NewWorker(c *Client, service string, handler Handler, opts ...WorkerOption) *Worker {
	w := &Worker{
		client:            c,
		service:           service,
		handler:           handler,
		logger:            c.logger,
		workerID:          id.NewWorkerID(),
		pollInterval:      time.Second,
		heartbeatInterval: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the worker's unique identity, used in log lines.
func (w *Worker) ID() id.WorkerID { return w.workerID }

// Start launches the poll and heartbeat loops.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})

	w.wg.Add(2)
	go w.pollLoop()
	go w.heartbeatLoop()

	w.logger.Info("worker started",
		slog.String("worker_id", w.workerID.String()),
		slog.String("service", w.service),
	)
}

// Stop halts the loops and waits for the in-flight job, respecting the
// context deadline.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker stopped", slog.String("worker_id", w.workerID.String()))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("conduit/client: worker stop: %w", ctx.Err())
	}
}

func (w *Worker) pollLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		claimed, err := w.client.Claim(context.Background(), w.service)
		if err != nil {
			if errors.Is(err, conduit.ErrServiceRetired) {
				w.logger.Info("service retired, worker exiting",
					slog.String("service", w.service),
				)
				return
			}
			w.logger.Warn("claim failed",
				slog.String("service", w.service),
				slog.String("error", err.Error()),
			)
			w.sleep(w.pollInterval)
			continue
		}
		if claimed == nil {
			w.sleep(w.pollInterval)
			continue
		}

		w.execute(claimed)
	}
}

// execute runs the handler and reports the result under the claim token.
func (w *Worker) execute(claimed *ClaimedJob) {
	j := claimed.Job
	w.logger.Debug("executing job",
		slog.String("worker_id", w.workerID.String()),
		slog.String("job_id", j.ID.String()),
		slog.Int("attempt", j.Attempt),
	)

	output, err := w.handler(context.Background(), j.Input)
	if err != nil {
		if _, failErr := w.client.Fail(context.Background(), j.ID, claimed.ClaimToken, err.Error()); failErr != nil {
			w.logger.Warn("fail report rejected",
				slog.String("job_id", j.ID.String()),
				slog.String("error", failErr.Error()),
			)
		}
		return
	}

	if _, err := w.client.Complete(context.Background(), j.ID, claimed.ClaimToken, output); err != nil {
		w.logger.Warn("complete rejected",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.client.Heartbeat(context.Background(), w.service); err != nil {
				w.logger.Warn("heartbeat failed",
					slog.String("service", w.service),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// sleep waits for d or until the worker is stopped.
func (w *Worker) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.stopCh:
	case <-timer.C:
	}
}
