package expansion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wolfman30/odonto-platform/internal/recurrence"
	"github.com/wolfman30/odonto-platform/pkg/logging"
)

// Expander is the recurrence operation the worker and sweeper drive.
type Expander interface {
	Expand(ctx context.Context, clinicID, id string, horizon time.Time, opts recurrence.ExpandOptions) (recurrence.ExpandResult, error)
}

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5
	defaultMaxAttempts   = 5
)

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
	maxAttempts      int
}

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the SQS long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// WithMaxAttempts sets how many deliveries a retryable job gets before it is
// marked failed and dropped.
func WithMaxAttempts(attempts int) WorkerOption {
	return func(cfg *workerConfig) {
		if attempts > 0 {
			cfg.maxAttempts = attempts
		}
	}
}

// Worker consumes expansion jobs from the queue.
type Worker struct {
	expander Expander
	queue    Queue
	jobs     JobUpdater
	logger   *logging.Logger

	cfg workerConfig
	wg  sync.WaitGroup
}

// NewWorker builds a worker. jobs may be nil when statuses are not tracked.
func NewWorker(expander Expander, queue Queue, jobs JobUpdater, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if expander == nil {
		panic("expansion: expander cannot be nil")
	}
	if queue == nil {
		panic("expansion: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
		maxAttempts:      defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker{expander: expander, queue: queue, jobs: jobs, logger: logger, cfg: cfg}
}

// Start launches the consumer goroutines. They stop when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all consumers have returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("expansion worker started", "worker_id", workerID)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("expansion worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("failed to receive expansion jobs", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

// handleMessage runs one job. Jobs that can never succeed are marked failed
// and removed. Other failures leave the message for redelivery until it has
// been received maxAttempts times.
func (w *Worker) handleMessage(ctx context.Context, msg Message) {
	var payload jobPayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		w.logger.Error("failed to decode expansion job", "error", err, "msg_id", msg.ID)
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}

	err := w.process(ctx, payload)
	switch {
	case err == nil:
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
	case permanent(err):
		w.logger.Warn("expansion job rejected", "error", err, "job_id", payload.ID, "recurrence_id", payload.RecurrenceID)
		w.markFailed(ctx, payload, err)
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
	case msg.ReceiveCount >= w.cfg.maxAttempts:
		w.logger.Error("expansion job out of attempts", "error", err, "job_id", payload.ID, "recurrence_id", payload.RecurrenceID, "attempts", msg.ReceiveCount)
		w.markFailed(ctx, payload, fmt.Errorf("gave up after %d attempts: %w", msg.ReceiveCount, err))
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
	default:
		w.logger.Error("expansion job failed, leaving for retry", "error", err, "job_id", payload.ID, "recurrence_id", payload.RecurrenceID, "attempts", msg.ReceiveCount)
	}
}

func (w *Worker) process(ctx context.Context, payload jobPayload) error {
	if payload.Kind != jobKindExpand {
		return fmt.Errorf("%w: unknown job kind %q", errPermanent, payload.Kind)
	}
	horizon, err := payload.horizon()
	if err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}

	w.logger.Info("worker processing expansion job", "job_id", payload.ID, "clinic_id", payload.ClinicID, "recurrence_id", payload.RecurrenceID)
	result, err := w.expander.Expand(ctx, payload.ClinicID, payload.RecurrenceID, horizon, payload.options())
	if err != nil {
		return err
	}
	if payload.TrackStatus && w.jobs != nil {
		if storeErr := w.jobs.MarkCompleted(ctx, payload.ID, result); storeErr != nil {
			w.logger.Error("failed to update job status", "error", storeErr, "job_id", payload.ID)
		}
	}
	return nil
}

func (w *Worker) markFailed(ctx context.Context, payload jobPayload, cause error) {
	if !payload.TrackStatus || w.jobs == nil {
		return
	}
	if err := w.jobs.MarkFailed(ctx, payload.ID, cause.Error()); err != nil {
		w.logger.Error("failed to update job status", "error", err, "job_id", payload.ID)
	}
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}
	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()
	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete expansion job", "error", err)
	}
}

var errPermanent = errors.New("expansion: permanent failure")

func permanent(err error) bool {
	return errors.Is(err, errPermanent) ||
		errors.Is(err, recurrence.ErrRecurrenceNotFound) ||
		errors.Is(err, recurrence.ErrRecurrenceInactive)
}
