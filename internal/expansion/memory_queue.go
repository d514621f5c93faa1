package expansion

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultVisibilityTimeout = 30 * time.Second

// MemoryQueue is a single-process Queue with SQS-style delivery: a received
// message stays in flight until Delete, and comes back with a higher
// ReceiveCount once its visibility timeout lapses.
type MemoryQueue struct {
	ch         chan Message
	visibility time.Duration

	mu       sync.Mutex
	inflight map[string]*time.Timer
}

// MemoryQueueOption customizes a MemoryQueue.
type MemoryQueueOption func(*MemoryQueue)

// WithVisibilityTimeout sets how long a received message stays hidden before
// it is delivered again.
func WithVisibilityTimeout(d time.Duration) MemoryQueueOption {
	return func(q *MemoryQueue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// NewMemoryQueue creates a MemoryQueue holding up to buffer visible messages.
func NewMemoryQueue(buffer int, opts ...MemoryQueueOption) *MemoryQueue {
	if buffer <= 0 {
		buffer = 128
	}
	q := &MemoryQueue{
		ch:         make(chan Message, buffer),
		visibility: defaultVisibilityTimeout,
		inflight:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Send enqueues a payload or blocks until ctx is done.
func (q *MemoryQueue) Send(ctx context.Context, body string) error {
	select {
	case q.ch <- Message{ID: uuid.NewString(), Body: body}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until a message is available, ctx is done, or waitSeconds elapses.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}

	var timeout <-chan time.Time
	if waitSeconds > 0 {
		timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
		defer timer.Stop()
		timeout = timer.C
	}

	var first Message
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, nil
	case first = <-q.ch:
	}

	messages := []Message{q.lease(first)}
	for len(messages) < maxMessages {
		select {
		case msg := <-q.ch:
			messages = append(messages, q.lease(msg))
		default:
			return messages, nil
		}
	}
	return messages, nil
}

// Delete acknowledges an in-flight message. Unknown or expired handles are ignored.
func (q *MemoryQueue) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if timer, ok := q.inflight[receiptHandle]; ok {
		timer.Stop()
		delete(q.inflight, receiptHandle)
	}
	return nil
}

// InFlight reports how many received messages are awaiting Delete.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

func (q *MemoryQueue) lease(msg Message) Message {
	msg.ReceiveCount++
	msg.ReceiptHandle = uuid.NewString()
	handle := msg.ReceiptHandle

	q.mu.Lock()
	q.inflight[handle] = time.AfterFunc(q.visibility, func() { q.expire(handle, msg) })
	q.mu.Unlock()
	return msg
}

func (q *MemoryQueue) expire(handle string, msg Message) {
	q.mu.Lock()
	_, ok := q.inflight[handle]
	delete(q.inflight, handle)
	q.mu.Unlock()
	if !ok {
		return
	}
	msg.ReceiptHandle = ""
	q.ch <- msg
}
