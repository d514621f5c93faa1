package expansion

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/odonto-platform/pkg/logging"
)

// Publisher enqueues expansion jobs and records them as pending.
type Publisher struct {
	queue  Queue
	jobs   JobRecorder
	logger *logging.Logger
}

// NewPublisher creates a queue-backed publisher. jobs may be nil, in which
// case jobs are not tracked.
func NewPublisher(queue Queue, jobs JobRecorder, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("expansion: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{queue: queue, jobs: jobs, logger: logger}
}

// EnqueueExpand publishes an expansion job and returns its id.
func (p *Publisher) EnqueueExpand(ctx context.Context, clinicID, recurrenceID string, horizon time.Time, catchUp bool) (string, error) {
	payload, body, err := encodePayload(jobPayload{
		Kind:         jobKindExpand,
		ClinicID:     clinicID,
		RecurrenceID: recurrenceID,
		Horizon:      horizon.Format(dateLayout),
		CatchUp:      catchUp,
		TrackStatus:  p.jobs != nil,
	})
	if err != nil {
		return "", err
	}

	if p.jobs != nil {
		if err := p.jobs.PutPending(ctx, &JobRecord{
			JobID:        payload.ID,
			ClinicID:     clinicID,
			RecurrenceID: recurrenceID,
			Horizon:      payload.Horizon,
		}); err != nil {
			return "", err
		}
	}

	if err := p.queue.Send(ctx, body); err != nil {
		if p.jobs != nil {
			if updater, ok := p.jobs.(JobUpdater); ok {
				_ = updater.MarkFailed(context.Background(), payload.ID, "enqueue failed")
			}
		}
		return "", fmt.Errorf("expansion: failed to enqueue job: %w", err)
	}

	p.logger.Debug("expansion job enqueued", "job_id", payload.ID, "clinic_id", clinicID, "recurrence_id", recurrenceID)
	return payload.ID, nil
}
