package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailflow/internal/external"
	"mailflow/internal/queue"
	"mailflow/internal/telemetry"
	"mailflow/internal/types"
)

func TestDeadLetterPublisher_RedactsEnvelope(t *testing.T) {
	q := queue.NewMemoryQueue()
	metrics := telemetry.NewMemoryMetrics()
	p := newDeadLetters(q, nil, metrics)

	cause := types.NewAppError(types.ErrCodeValidationSenderDomain,
		"sender john.doe@example.com rejected", nil)
	err := p.Publish(context.Background(), types.HandlerInbound, cause, map[string]any{
		"record_id": "msg-1",
		"note":      "reply to jane@example.org",
	})
	require.NoError(t, err)

	envs := deadLetters(t, q, inboundDLQ)
	require.Len(t, envs, 1)
	env := envs[0]
	assert.Equal(t, types.ErrCodeValidationSenderDomain, env.ErrorCode)
	assert.Equal(t, types.ErrorTypePermanent, env.ErrorType)
	assert.False(t, env.Retriable)
	assert.Equal(t, types.HandlerInbound, env.Handler)
	assert.Equal(t, testNow, env.Timestamp)
	assert.NotContains(t, env.Error, "john.doe@")
	assert.Contains(t, env.Error, "@example.com")

	ctx := envelopeContext(t, env)
	assert.Equal(t, "msg-1", ctx["record_id"])
	assert.NotContains(t, ctx["note"], "jane@")

	assert.Equal(t, 1.0, metrics.Value(types.MetricDLQMessages, telemetry.Dim{Name: types.DimHandler, Value: types.HandlerInbound}))
	assert.Equal(t, 1.0, metrics.Value(types.MetricErrors,
		telemetry.Dim{Name: types.DimErrorType, Value: types.ErrorTypePermanent},
		telemetry.Dim{Name: types.DimHandler, Value: types.HandlerInbound},
	))
}

func TestDeadLetterPublisher_MissingQueue(t *testing.T) {
	q := queue.NewMemoryQueue()
	p := NewDeadLetterPublisher(q, nil, DeadLetterConfig{Retry: noRetry}, nil, nil)

	err := p.Publish(context.Background(), types.HandlerOutbound, types.NewAppError(types.ErrCodeQueue, "down", nil), nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeConfigInvalid, types.CodeOf(err))
	assert.Empty(t, q.URLs())
}

func TestDeadLetterPublisher_QueueFailure(t *testing.T) {
	q := queue.NewMemoryQueue()
	q.FailURLs[outboundDLQ] = nil
	p := newDeadLetters(q, nil, nil)

	err := p.Publish(context.Background(), types.HandlerOutbound, types.NewAppError(types.ErrCodeQuotaExceeded, "quota", nil), nil)
	require.Error(t, err)
	assert.True(t, types.IsRetriable(err))
}

func TestDeadLetterPublisher_OffloadsOversizedContext(t *testing.T) {
	q := queue.NewMemoryQueue()
	store := external.NewMemoryBlobStore()
	p := newDeadLetters(q, store, nil)

	body := strings.Repeat("x", MaxDeadLetterSize)
	err := p.Publish(context.Background(), types.HandlerOutbound,
		types.NewAppError(types.ErrCodeValidationSchema, "bad message", nil),
		map[string]any{"original_message": body})
	require.NoError(t, err)

	envs := deadLetters(t, q, outboundDLQ)
	require.Len(t, envs, 1)
	ctx := envelopeContext(t, envs[0])
	location, ok := ctx["offloaded_to"].(string)
	require.True(t, ok, "context should point at the spill object")
	require.True(t, strings.HasPrefix(location, "s3://"+spillBucket+"/dlq/outbound/"))
	assert.True(t, strings.HasSuffix(location, ".json.zst"))

	key := strings.TrimPrefix(location, "s3://"+spillBucket+"/")
	assert.Equal(t, "application/zstd", store.ContentType(spillBucket, key))

	compressed, err := store.Download(context.Background(), spillBucket, key)
	require.NoError(t, err)
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	plain, err := dec.DecodeAll(compressed, nil)
	require.NoError(t, err)

	var spilled map[string]string
	require.NoError(t, json.Unmarshal(plain, &spilled))
	assert.Equal(t, body, spilled["original_message"])
}

func TestDeadLetterPublisher_TruncatesWithoutSpillBucket(t *testing.T) {
	q := queue.NewMemoryQueue()
	p := NewDeadLetterPublisher(q, nil, DeadLetterConfig{
		QueueURLs: map[string]string{types.HandlerOutbound: outboundDLQ},
		Retry:     noRetry,
	}, nil, nil)

	err := p.Publish(context.Background(), types.HandlerOutbound,
		types.NewAppError(types.ErrCodeValidationSchema, "bad message", nil),
		map[string]any{"original_message": strings.Repeat("y", MaxDeadLetterSize+10)})
	require.NoError(t, err)

	envs := deadLetters(t, q, outboundDLQ)
	require.Len(t, envs, 1)
	ctx := envelopeContext(t, envs[0])
	assert.Equal(t, true, ctx["truncated"])
	assert.Greater(t, ctx["original_size"], float64(MaxDeadLetterSize))
	assert.NotContains(t, ctx, "offload_error")
}

func TestDeadLetterPublisher_TruncatesWhenOffloadFails(t *testing.T) {
	q := queue.NewMemoryQueue()
	store := external.NewMemoryBlobStore()
	store.FailUploads = true
	p := newDeadLetters(q, store, nil)

	err := p.Publish(context.Background(), types.HandlerInbound,
		types.NewAppError(types.ErrCodeValidationSchema, "bad", nil),
		map[string]any{"blob": strings.Repeat("z", MaxDeadLetterSize)})
	require.NoError(t, err)

	ctx := envelopeContext(t, deadLetters(t, q, inboundDLQ)[0])
	assert.Equal(t, true, ctx["truncated"])
	assert.Equal(t, string(types.ErrCodeRetryExhausted), ctx["offload_error"])
	assert.Empty(t, store.Keys())
}
