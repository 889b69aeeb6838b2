// Package queue publishes and consumes JSON messages on SQS queues.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mailflow/internal/types"
)

// MaxBatchSize is the SQS limit on entries per SendMessageBatch call.
const MaxBatchSize = 10

// MaxDelay is the longest per-message delay SQS accepts.
const MaxDelay = 15 * time.Minute

// Message is one outgoing queue message.
type Message struct {
	Body       string
	Attributes map[string]string
	// Delay postpones delivery. Values above MaxDelay are clamped.
	Delay time.Duration
}

// Received is one message read from a queue.
type Received struct {
	ID            string
	ReceiptHandle string
	Body          string
	Attributes    map[string]string
	ReceiveCount  int
}

// Queue is the narrow queue surface the orchestrators depend on.
type Queue interface {
	Send(ctx context.Context, queueURL string, msg Message) (string, error)
	SendBatch(ctx context.Context, queueURL string, msgs []Message) error
	Receive(ctx context.Context, queueURL string, max int, wait time.Duration) ([]Received, error)
	Delete(ctx context.Context, queueURL, receiptHandle string) error
}

// JSONMessage marshals v into a Message body.
func JSONMessage(v any, attrs map[string]string) (Message, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Message{}, types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("queue: failed to marshal %T", v), err)
	}
	return Message{Body: string(body), Attributes: attrs}, nil
}

// delaySeconds converts d to whole seconds within SQS limits.
func delaySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > MaxDelay {
		d = MaxDelay
	}
	return int32((d + time.Second - 1) / time.Second)
}

// chunk splits msgs into slices of at most size entries.
func chunk(msgs []Message, size int) [][]Message {
	var out [][]Message
	for start := 0; start < len(msgs); start += size {
		end := start + size
		if end > len(msgs) {
			end = len(msgs)
		}
		out = append(out, msgs[start:end])
	}
	return out
}
