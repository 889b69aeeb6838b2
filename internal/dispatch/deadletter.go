// Package dispatch holds the inbound and outbound orchestrators. Each event
// record is classified on its own: it is published or delivered, skipped as
// a duplicate, left for redelivery, or written to the dead-letter queue.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"mailflow/internal/external"
	"mailflow/internal/queue"
	"mailflow/internal/retry"
	"mailflow/internal/security"
	"mailflow/internal/telemetry"
	"mailflow/internal/types"
)

// MaxDeadLetterSize is the SQS message size limit.
const MaxDeadLetterSize = 256 * 1024

// DeadLetterConfig locates the failure channels.
type DeadLetterConfig struct {
	// QueueURLs maps a handler name to its dead-letter queue.
	QueueURLs map[string]string
	// SpillBucket receives contexts too large for a queue message. Optional.
	SpillBucket string
	Retry       retry.Policy
}

// DeadLetterPublisher writes redacted failure envelopes to the dead-letter
// queue of the failing handler.
type DeadLetterPublisher struct {
	queue   queue.Queue
	store   external.BlobStore
	cfg     DeadLetterConfig
	metrics telemetry.Metrics
	clock   types.Clock
	logger  types.Logger
}

// NewDeadLetterPublisher creates a DeadLetterPublisher. store may be nil when
// no spill bucket is configured.
func NewDeadLetterPublisher(q queue.Queue, store external.BlobStore, cfg DeadLetterConfig, metrics telemetry.Metrics, logger types.Logger) *DeadLetterPublisher {
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &DeadLetterPublisher{
		queue:   q,
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		clock:   types.RealClock{},
		logger:  logger,
	}
}

// Publish records cause in the handler's dead-letter queue. The cause text
// and every string in details are redacted first. An error is returned when
// the envelope could not be written, so the caller can fall back to
// redelivery.
func (p *DeadLetterPublisher) Publish(ctx context.Context, handler string, cause error, details map[string]any) error {
	errorType := types.ErrorType(cause)
	p.logger.Error("Processing error occurred",
		"handler", handler,
		"error_type", errorType,
		"error_code", string(types.CodeOf(cause)),
		"error", security.RedactText(cause.Error()),
	)
	p.metrics.Count(ctx, types.MetricErrors,
		telemetry.Dim{Name: types.DimErrorType, Value: errorType},
		telemetry.Dim{Name: types.DimHandler, Value: handler},
	)

	queueURL := p.cfg.QueueURLs[handler]
	if queueURL == "" {
		return types.NewAppError(types.ErrCodeConfigInvalid,
			fmt.Sprintf("no dead-letter queue configured for %s handler", handler), cause)
	}

	envelope, err := p.envelope(ctx, handler, cause, details)
	if err != nil {
		return err
	}
	msg, err := queue.JSONMessage(envelope, map[string]string{
		"handler":    handler,
		"error_type": errorType,
	})
	if err != nil {
		return err
	}

	err = retry.DoErr(ctx, p.cfg.Retry, "send dead letter", p.logger, func(ctx context.Context) error {
		_, err := p.queue.Send(ctx, queueURL, msg)
		return err
	})
	if err != nil {
		p.logger.Error("Failed to send error to DLQ", "handler", handler, "error", err)
		return err
	}

	p.metrics.Count(ctx, types.MetricDLQMessages, telemetry.Dim{Name: types.DimHandler, Value: handler})
	return nil
}

func (p *DeadLetterPublisher) envelope(ctx context.Context, handler string, cause error, details map[string]any) (*types.DeadLetterEnvelope, error) {
	env := &types.DeadLetterEnvelope{
		Error:     security.RedactText(cause.Error()),
		ErrorType: types.ErrorType(cause),
		ErrorCode: types.CodeOf(cause),
		Retriable: types.IsRetriable(cause),
		Handler:   handler,
		Timestamp: p.clock.Now(),
	}

	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal dead-letter context", err)
		}
		env.Context = json.RawMessage(security.RedactText(string(raw)))
	}

	full, err := json.Marshal(env)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal dead-letter envelope", err)
	}
	if len(full) <= MaxDeadLetterSize {
		return env, nil
	}

	env.Context = p.offload(ctx, handler, env.Context)
	return env, nil
}

// offload moves an oversized context to the spill bucket. Without a spill
// bucket, or when the upload fails, the context is replaced by a truncation
// marker.
func (p *DeadLetterPublisher) offload(ctx context.Context, handler string, payload json.RawMessage) json.RawMessage {
	marker := func(extra map[string]any) json.RawMessage {
		extra["truncated"] = true
		extra["original_size"] = len(payload)
		raw, _ := json.Marshal(extra)
		return raw
	}

	if p.cfg.SpillBucket == "" || p.store == nil {
		p.logger.Warn("Dead-letter context exceeds queue limit, truncating", "handler", handler, "size", len(payload))
		return marker(map[string]any{})
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return marker(map[string]any{"offload_error": err.Error()})
	}
	compressed := enc.EncodeAll(payload, nil)
	_ = enc.Close()

	key := fmt.Sprintf("dlq/%s/%s.json.zst", handler, uuid.NewString())
	err = retry.DoErr(ctx, p.cfg.Retry, "offload dead letter", p.logger, func(ctx context.Context) error {
		return p.store.Upload(ctx, p.cfg.SpillBucket, key, compressed, "application/zstd")
	})
	if err != nil {
		p.logger.Error("Failed to offload dead-letter context", "handler", handler, "error", err)
		return marker(map[string]any{"offload_error": string(types.CodeOf(err))})
	}

	p.logger.Info("Dead-letter context offloaded",
		"handler", handler,
		"key", key,
		"size", len(payload),
		"compressed_size", len(compressed),
	)
	raw, _ := json.Marshal(map[string]string{"offloaded_to": "s3://" + p.cfg.SpillBucket + "/" + key})
	return raw
}
