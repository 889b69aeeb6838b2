package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailflow/internal/types"
)

type memoryMessage struct {
	Received
	delay time.Duration
}

// MemoryQueue implements Queue in process memory. Messages stay until
// deleted; every Receive hands out the same messages again with an increased
// receive count, like SQS after a visibility timeout.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string][]*memoryMessage

	// FailURLs makes Send and SendBatch to the listed queues fail.
	FailURLs map[string]error
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queues:   make(map[string][]*memoryMessage),
		FailURLs: make(map[string]error),
	}
}

func (q *MemoryQueue) failure(queueURL string) error {
	if err, ok := q.FailURLs[queueURL]; ok {
		if err == nil {
			err = types.NewAppError(types.ErrCodeQueue, "memory queue: send failure injected", nil)
		}
		return err
	}
	return nil
}

func (q *MemoryQueue) Send(_ context.Context, queueURL string, msg Message) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.failure(queueURL); err != nil {
		return "", err
	}
	return q.appendLocked(queueURL, msg), nil
}

func (q *MemoryQueue) appendLocked(queueURL string, msg Message) string {
	id := uuid.NewString()
	attrs := make(map[string]string, len(msg.Attributes))
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	q.queues[queueURL] = append(q.queues[queueURL], &memoryMessage{
		Received: Received{ID: id, ReceiptHandle: "rh-" + id, Body: msg.Body, Attributes: attrs},
		delay:    msg.Delay,
	})
	return id
}

func (q *MemoryQueue) SendBatch(_ context.Context, queueURL string, msgs []Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.failure(queueURL); err != nil {
		return err
	}
	for _, m := range msgs {
		q.appendLocked(queueURL, m)
	}
	return nil
}

func (q *MemoryQueue) Receive(_ context.Context, queueURL string, max int, _ time.Duration) ([]Received, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 || max > MaxBatchSize {
		max = MaxBatchSize
	}
	var out []Received
	for _, m := range q.queues[queueURL] {
		if len(out) == max {
			break
		}
		m.ReceiveCount++
		out = append(out, m.Received)
	}
	return out, nil
}

func (q *MemoryQueue) Delete(_ context.Context, queueURL, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.queues[queueURL]
	for i, m := range msgs {
		if m.ReceiptHandle == receiptHandle {
			q.queues[queueURL] = append(msgs[:i], msgs[i+1:]...)
			return nil
		}
	}
	return nil
}

// Messages returns a snapshot of the bodies currently held for queueURL.
func (q *MemoryQueue) Messages(queueURL string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.queues[queueURL]))
	for _, m := range q.queues[queueURL] {
		out = append(out, m.Body)
	}
	return out
}

// Delays returns the requested delay of each message held for queueURL.
func (q *MemoryQueue) Delays(queueURL string) []time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]time.Duration, 0, len(q.queues[queueURL]))
	for _, m := range q.queues[queueURL] {
		out = append(out, m.delay)
	}
	return out
}

// URLs lists the queues that have received messages, sorted.
func (q *MemoryQueue) URLs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.queues))
	for url := range q.queues {
		out = append(out, url)
	}
	sort.Strings(out)
	return out
}

var _ Queue = (*MemoryQueue)(nil)
