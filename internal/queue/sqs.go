package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"mailflow/internal/types"
)

// SQSAPI abstracts the SQS operations used by SQSQueue for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSQueue implements Queue on Amazon SQS.
type SQSQueue struct {
	client SQSAPI
	logger types.Logger
}

// NewSQSQueue creates an SQS-backed queue.
func NewSQSQueue(client SQSAPI, logger types.Logger) *SQSQueue {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &SQSQueue{client: client, logger: logger}
}

// NewSQSClient builds the SDK client, honoring an endpoint override
// (LocalStack).
func NewSQSClient(awsCfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

func messageAttributes(attrs map[string]string) map[string]sqsTypes.MessageAttributeValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]sqsTypes.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		out[k] = sqsTypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	return out
}

// Send publishes one message and returns its SQS message id.
func (q *SQSQueue) Send(ctx context.Context, queueURL string, msg Message) (string, error) {
	input := &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(msg.Body),
		MessageAttributes: messageAttributes(msg.Attributes),
		DelaySeconds:      delaySeconds(msg.Delay),
	}

	out, err := q.client.SendMessage(ctx, input)
	if err != nil {
		return "", mapSQSError("send", queueURL, err)
	}
	return aws.ToString(out.MessageId), nil
}

// SendBatch publishes msgs in chunks of MaxBatchSize. Entries SQS rejects are
// reported together in one retriable error; accepted entries stay sent.
func (q *SQSQueue) SendBatch(ctx context.Context, queueURL string, msgs []Message) error {
	var failed []string
	for ci, part := range chunk(msgs, MaxBatchSize) {
		entries := make([]sqsTypes.SendMessageBatchRequestEntry, len(part))
		for i, m := range part {
			entries[i] = sqsTypes.SendMessageBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(ci*MaxBatchSize + i)),
				MessageBody:       aws.String(m.Body),
				MessageAttributes: messageAttributes(m.Attributes),
				DelaySeconds:      delaySeconds(m.Delay),
			}
		}

		out, err := q.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(queueURL),
			Entries:  entries,
		})
		if err != nil {
			return mapSQSError("send batch", queueURL, err)
		}
		for _, f := range out.Failed {
			failed = append(failed, aws.ToString(f.Id))
			q.logger.Warn("SQS batch entry rejected",
				"queue_url", queueURL,
				"entry", aws.ToString(f.Id),
				"code", aws.ToString(f.Code),
				"sender_fault", f.SenderFault,
			)
		}
	}

	if len(failed) > 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeQueue,
			fmt.Sprintf("queue: %d of %d batch entries failed", len(failed), len(msgs)), nil,
			map[string]any{"failed_entries": failed, "queue_url": queueURL})
	}
	return nil
}

// Receive long-polls up to max messages (capped at 10 by SQS).
func (q *SQSQueue) Receive(ctx context.Context, queueURL string, max int, wait time.Duration) ([]Received, error) {
	if max <= 0 || max > MaxBatchSize {
		max = MaxBatchSize
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(queueURL),
		MaxNumberOfMessages:         int32(max),
		WaitTimeSeconds:             int32(wait / time.Second),
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []sqsTypes.MessageSystemAttributeName{sqsTypes.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return nil, mapSQSError("receive", queueURL, err)
	}

	msgs := make([]Received, 0, len(out.Messages))
	for _, m := range out.Messages {
		r := Received{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
		}
		if n, err := strconv.Atoi(m.Attributes[string(sqsTypes.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
			r.ReceiveCount = n
		}
		if len(m.MessageAttributes) > 0 {
			r.Attributes = make(map[string]string, len(m.MessageAttributes))
			for k, v := range m.MessageAttributes {
				r.Attributes[k] = aws.ToString(v.StringValue)
			}
		}
		msgs = append(msgs, r)
	}
	return msgs, nil
}

// Delete acknowledges a received message.
func (q *SQSQueue) Delete(ctx context.Context, queueURL, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return mapSQSError("delete", queueURL, err)
	}
	return nil
}

// mapSQSError translates SQS errors into domain AppErrors. A queue that does
// not exist is a configuration problem that redelivery cannot fix.
func mapSQSError(op, queueURL string, err error) error {
	var missing *sqsTypes.QueueDoesNotExist
	if errors.As(err, &missing) {
		return types.NewAppErrorWithDetails(types.ErrCodeConfigInvalid,
			fmt.Sprintf("queue: %s: queue does not exist", op), err,
			map[string]any{"queue_url": queueURL})
	}
	return types.NewAppErrorWithDetails(types.ErrCodeQueue,
		fmt.Sprintf("queue: %s failed: %v", op, err), err,
		map[string]any{"queue_url": queueURL})
}

var _ Queue = (*SQSQueue)(nil)
