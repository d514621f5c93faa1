package expansion

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/odonto-platform/internal/recurrence"
	"github.com/wolfman30/odonto-platform/internal/storage"
	"github.com/wolfman30/odonto-platform/pkg/logging"
)

type expandCall struct {
	clinicID, id string
	horizon      time.Time
	opts         recurrence.ExpandOptions
}

type fakeExpander struct {
	mu     sync.Mutex
	calls  []expandCall
	errs   map[string]error
	result recurrence.ExpandResult
	done   chan struct{}
}

func (f *fakeExpander) Expand(ctx context.Context, clinicID, id string, horizon time.Time, opts recurrence.ExpandOptions) (recurrence.ExpandResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, expandCall{clinicID: clinicID, id: id, horizon: horizon, opts: opts})
	err := f.errs[id]
	f.mu.Unlock()
	if f.done != nil {
		defer func() { f.done <- struct{}{} }()
	}
	if err != nil {
		return recurrence.ExpandResult{}, err
	}
	res := f.result
	res.RecurrenceID = id
	return res, nil
}

type recordingQueue struct {
	*MemoryQueue
	mu      sync.Mutex
	deleted []string
}

func (q *recordingQueue) Delete(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, receiptHandle)
	return nil
}

func message(t *testing.T, payload jobPayload) Message {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return Message{ID: "m-" + payload.ID, Body: string(body), ReceiptHandle: "rh-" + payload.ID}
}

func TestWorker_HandleMessageCompletesJob(t *testing.T) {
	jobs := NewMemoryJobStore()
	require.NoError(t, jobs.PutPending(context.Background(), &JobRecord{JobID: "job-1", ClinicID: "clinic-1"}))
	exp := &fakeExpander{result: recurrence.ExpandResult{
		Created:    []recurrence.Installment{{ID: "i1"}, {ID: "i2"}},
		StopReason: recurrence.StopHorizon,
	}}
	queue := &recordingQueue{MemoryQueue: NewMemoryQueue(1)}
	w := NewWorker(exp, queue, jobs, logging.Default())

	w.handleMessage(context.Background(), message(t, jobPayload{
		ID: "job-1", Kind: jobKindExpand, ClinicID: "clinic-1", RecurrenceID: "rec-1",
		Horizon: "2024-03-31", CatchUp: true, TrackStatus: true,
	}))

	require.Len(t, exp.calls, 1)
	call := exp.calls[0]
	assert.Equal(t, "clinic-1", call.clinicID)
	assert.Equal(t, "2024-03-31", call.horizon.Format(dateLayout))
	assert.True(t, call.opts.CatchUp)
	assert.Equal(t, recurrence.TriggerQueue, call.opts.Trigger)

	job, err := jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.Created)
	assert.Equal(t, []string{"rh-job-1"}, queue.deleted)
}

func TestWorker_PermanentFailureIsDeleted(t *testing.T) {
	jobs := NewMemoryJobStore()
	require.NoError(t, jobs.PutPending(context.Background(), &JobRecord{JobID: "job-2"}))
	exp := &fakeExpander{errs: map[string]error{"rec-gone": recurrence.ErrRecurrenceNotFound}}
	queue := &recordingQueue{MemoryQueue: NewMemoryQueue(1)}
	w := NewWorker(exp, queue, jobs, logging.Default())

	w.handleMessage(context.Background(), message(t, jobPayload{
		ID: "job-2", Kind: jobKindExpand, RecurrenceID: "rec-gone", Horizon: "2024-03-31", TrackStatus: true,
	}))

	job, err := jobs.GetJob(context.Background(), "job-2")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "not found")
	assert.Equal(t, []string{"rh-job-2"}, queue.deleted)
}

func TestWorker_StorageFailureIsRetried(t *testing.T) {
	jobs := NewMemoryJobStore()
	require.NoError(t, jobs.PutPending(context.Background(), &JobRecord{JobID: "job-3"}))
	exp := &fakeExpander{errs: map[string]error{"rec-1": storage.Wrap("insert installment", errors.New("db down"))}}
	queue := &recordingQueue{MemoryQueue: NewMemoryQueue(1)}
	w := NewWorker(exp, queue, jobs, logging.Default(), WithMaxAttempts(3))

	msg := message(t, jobPayload{
		ID: "job-3", Kind: jobKindExpand, RecurrenceID: "rec-1", Horizon: "2024-03-31", TrackStatus: true,
	})
	msg.ReceiveCount = 2
	w.handleMessage(context.Background(), msg)

	job, _ := jobs.GetJob(context.Background(), "job-3")
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Empty(t, queue.deleted)

	msg.ReceiveCount = 3
	w.handleMessage(context.Background(), msg)

	job, _ = jobs.GetJob(context.Background(), "job-3")
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "gave up after 3 attempts")
	assert.Equal(t, []string{"rh-job-3"}, queue.deleted)
}

type flakyExpander struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyExpander) Expand(ctx context.Context, clinicID, id string, horizon time.Time, opts recurrence.ExpandOptions) (recurrence.ExpandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return recurrence.ExpandResult{}, storage.Wrap("advance checkpoint", errors.New("connection reset"))
	}
	return recurrence.ExpandResult{RecurrenceID: id, Created: []recurrence.Installment{{ID: "i1"}}}, nil
}

func TestWorker_MemoryQueueRedeliversAfterFailure(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryQueue(4, WithVisibilityTimeout(20*time.Millisecond))
	jobs := NewMemoryJobStore()
	jobID, err := NewPublisher(queue, jobs, logging.Default()).
		EnqueueExpand(ctx, "clinic-1", "rec-1", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), false)
	require.NoError(t, err)

	exp := &flakyExpander{failures: 1}
	w := NewWorker(exp, queue, jobs, logging.Default())

	msgs, err := queue.Receive(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].ReceiveCount)
	w.handleMessage(ctx, msgs[0])

	job, err := jobs.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, job.Status)

	msgs, err = queue.Receive(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "failed job comes back once its visibility timeout lapses")
	assert.Equal(t, 2, msgs[0].ReceiveCount)
	w.handleMessage(ctx, msgs[0])

	job, err = jobs.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, 0, queue.InFlight())
}

func TestWorker_MemoryQueueGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryQueue(4, WithVisibilityTimeout(10*time.Millisecond))
	jobs := NewMemoryJobStore()
	jobID, err := NewPublisher(queue, jobs, logging.Default()).
		EnqueueExpand(ctx, "clinic-1", "rec-1", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), false)
	require.NoError(t, err)

	exp := &flakyExpander{failures: 100}
	w := NewWorker(exp, queue, jobs, logging.Default(), WithMaxAttempts(2), WithReceiveWaitSeconds(1))
	runCtx, cancel := context.WithCancel(ctx)
	w.Start(runCtx)

	require.Eventually(t, func() bool {
		job, err := jobs.GetJob(ctx, jobID)
		return err == nil && job.Status == JobStatusFailed
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	w.Wait()

	exp.mu.Lock()
	assert.Equal(t, 2, exp.calls)
	exp.mu.Unlock()
	assert.Equal(t, 0, queue.InFlight())
}

func TestWorker_BadPayloads(t *testing.T) {
	exp := &fakeExpander{}
	queue := &recordingQueue{MemoryQueue: NewMemoryQueue(1)}
	w := NewWorker(exp, queue, nil, logging.Default())

	w.handleMessage(context.Background(), Message{Body: "{", ReceiptHandle: "rh-garbage"})
	w.handleMessage(context.Background(), message(t, jobPayload{ID: "job-4", Kind: "other", Horizon: "2024-01-01"}))
	w.handleMessage(context.Background(), message(t, jobPayload{ID: "job-5", Kind: jobKindExpand, Horizon: "soon"}))

	assert.Empty(t, exp.calls)
	assert.Equal(t, []string{"rh-garbage", "rh-job-4", "rh-job-5"}, queue.deleted)
}

func TestWorker_ConsumesFromQueue(t *testing.T) {
	exp := &fakeExpander{done: make(chan struct{}, 4)}
	queue := NewMemoryQueue(8)
	jobs := NewMemoryJobStore()
	publisher := NewPublisher(queue, jobs, logging.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWorker(exp, queue, jobs, logging.Default(), WithWorkerCount(2), WithReceiveWaitSeconds(1))
	w.Start(ctx)

	jobID, err := publisher.EnqueueExpand(ctx, "clinic-1", "rec-1", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), false)
	require.NoError(t, err)

	select {
	case <-exp.done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not processed")
	}
	require.Eventually(t, func() bool {
		job, err := jobs.GetJob(context.Background(), jobID)
		return err == nil && job.Status == JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	w.Wait()
}
