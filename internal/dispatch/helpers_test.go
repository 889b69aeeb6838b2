package dispatch

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mailflow/internal/config"
	"mailflow/internal/external"
	"mailflow/internal/queue"
	"mailflow/internal/retry"
	"mailflow/internal/telemetry"
	"mailflow/internal/types"
)

const (
	rawBucket        = "mailflow-raw"
	attachmentBucket = "mailflow-attachments"
	spillBucket      = "mailflow-dlq-spill"

	app1Queue     = "https://sqs.us-east-1.amazonaws.com/123456789012/app1"
	app2Queue     = "https://sqs.us-east-1.amazonaws.com/123456789012/app2"
	defaultQueue  = "https://sqs.us-east-1.amazonaws.com/123456789012/default"
	outboundQueue = "https://sqs.us-east-1.amazonaws.com/123456789012/outbound"
	inboundDLQ    = "https://sqs.us-east-1.amazonaws.com/123456789012/inbound-dlq"
	outboundDLQ   = "https://sqs.us-east-1.amazonaws.com/123456789012/outbound-dlq"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// noRetry keeps tests free of backoff sleeps.
var noRetry = retry.Policy{MaxRetries: 0}

func testSecurity() config.SecurityConfig {
	return config.SecurityConfig{
		BlockedExtensions:         []string{"exe", "bat", "js"},
		BlockedContentTypes:       []string{"application/x-msdownload"},
		MaxAttachmentSize:         1 << 20,
		MaxAttachmentsPerEmail:    50,
		MaxEmailSize:              4 << 20,
		MaxEmailsPerSenderPerHour: 100,
		RequireVirusPass:          true,
	}
}

func newDeadLetters(q queue.Queue, store external.BlobStore, metrics telemetry.Metrics) *DeadLetterPublisher {
	p := NewDeadLetterPublisher(q, store, DeadLetterConfig{
		QueueURLs: map[string]string{
			types.HandlerInbound:  inboundDLQ,
			types.HandlerOutbound: outboundDLQ,
		},
		SpillBucket: spillBucket,
		Retry:       noRetry,
	}, metrics, nil)
	p.clock = fixedClock{testNow}
	return p
}

// deadLetters decodes every envelope on a dead-letter queue.
func deadLetters(t *testing.T, q *queue.MemoryQueue, url string) []types.DeadLetterEnvelope {
	t.Helper()
	var out []types.DeadLetterEnvelope
	for _, body := range q.Messages(url) {
		var env types.DeadLetterEnvelope
		require.NoError(t, json.Unmarshal([]byte(body), &env))
		out = append(out, env)
	}
	return out
}

func envelopeContext(t *testing.T, env types.DeadLetterEnvelope) map[string]any {
	t.Helper()
	var ctx map[string]any
	require.NoError(t, json.Unmarshal(env.Context, &ctx))
	return ctx
}

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func ptr[T any](v T) *T { return &v }
