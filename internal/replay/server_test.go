package replay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailflow/internal/app"
	"mailflow/internal/config"
	"mailflow/internal/dispatch"
	"mailflow/internal/external"
	"mailflow/internal/types"
)

const (
	supportQueue = "https://sqs.us-east-1.amazonaws.com/123456789012/support"
	outboundURL  = "https://sqs.us-east-1.amazonaws.com/123456789012/outbound"
	inboundDLQ   = "https://sqs.us-east-1.amazonaws.com/123456789012/inbound-dlq"
	outboundDLQ  = "https://sqs.us-east-1.amazonaws.com/123456789012/outbound-dlq"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment: "local",
		AWS: config.AWSConfig{
			Region:           "us-east-1",
			RawEmailsBucket:  "raw",
			OutboundQueueURL: outboundURL,
			InboundDLQURL:    inboundDLQ,
			OutboundDLQURL:   outboundDLQ,
		},
		Routing: config.RoutingConfig{Table: config.RoutingTable{
			Apps: map[string]config.AppRoute{"support": {QueueURL: supportQueue, Enabled: true}},
		}},
		Security: config.SecurityConfig{
			BlockedExtensions:         []string{"exe"},
			RequireVirusPass:          true,
			MaxAttachmentSize:         1 << 20,
			MaxAttachmentsPerEmail:    10,
			MaxEmailSize:              4 << 20,
			MaxEmailsPerSenderPerHour: 10,
		},
		Attachments: config.AttachmentConfig{PresignTTL: time.Hour, Concurrency: 2},
		Delivery:    config.DeliveryConfig{SendRate: 100},
		Worker:      config.WorkerConfig{Concurrency: 2, MaxReceiveCount: 3},
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(app.NewMemory(testConfig(), types.NopLogger{}))
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Error
}

const supportEmail = "From: Dana <dana@example.com>\r\n" +
	"To: _support@acme.com\r\n" +
	"Subject: Order 1042\r\n" +
	"Message-ID: <order-1042@example.com>\r\n" +
	"\r\n" +
	"Where is my order?\r\n"

func TestNewServer_RequiresMemoryAdapters(t *testing.T) {
	c := app.NewMemory(testConfig(), types.NopLogger{})
	c.Mail = external.NewSESClientWithAPI(nil, external.SESClientConfig{})

	_, err := NewServer(c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stub mail delivery")

	_, err = NewServer(nil)
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	assert.Equal(t, map[string]string{"status": "healthy"}, decodeData[map[string]string](t, rec))
}

func TestInbound_RoutesToAppQueue(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/inbound?key=order-1042", supportEmail)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	data := decodeData[struct {
		Key    string                 `json:"key"`
		Result dispatch.InboundResult `json:"result"`
	}](t, rec)
	assert.Equal(t, "order-1042", data.Key)
	assert.Equal(t, dispatch.InboundResult{Records: 1, Routed: 1, Published: 1}, data.Result)

	rec = do(t, s, http.MethodGet, "/inspect/queues/messages?url="+supportQueue, "")
	require.Equal(t, http.StatusOK, rec.Code)
	msgs := decodeData[[]struct {
		Body types.InboundMessage `json:"body"`
	}](t, rec)
	require.Len(t, msgs, 1)
	assert.Equal(t, "support", msgs[0].Body.Metadata.RoutingKey)
	assert.Equal(t, "order-1042@example.com", msgs[0].Body.Email.MessageID)

	rec = do(t, s, http.MethodGet, "/inspect/objects", "")
	assert.Contains(t, decodeData[[]string](t, rec), "raw/order-1042")
}

func TestInbound_VirusVerdictIsDeadLettered(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/inbound?virus=FAIL", supportEmail)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/inspect/queues", "")
	summaries := decodeData[[]queueSummary](t, rec)
	assert.Contains(t, summaries, queueSummary{URL: inboundDLQ, Messages: 1})
	assert.NotContains(t, summaries, queueSummary{URL: supportQueue, Messages: 1})
}

func TestInbound_EmptyBody(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/inbound", nil)
	req.Header.Set(RequestIDHeader, "req-abc")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, string(types.ErrCodeParseMalformed), detail.Code)
	assert.Equal(t, "req-abc", detail.RequestID)
	assert.Equal(t, "req-abc", rec.Header().Get(RequestIDHeader))
}

func TestOutbound_EnqueueAndDrain(t *testing.T) {
	s := newTestServer(t)
	body := `{"version":"1.0","correlation_id":"reply-1","email":{"from":{"address":"support@acme.com"},` +
		`"to":[{"address":"dana@example.com"}],"subject":"Re: Order 1042","body":{"text":"It ships tomorrow."}}}`

	rec := do(t, s, http.MethodPost, "/outbound", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decodeData[map[string]any](t, rec)["message_id"])

	rec = do(t, s, http.MethodPost, "/outbound/drain", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, DrainResult{Received: 1, Acknowledged: 1}, decodeData[DrainResult](t, rec))

	rec = do(t, s, http.MethodGet, "/inspect/sent", "")
	sent := decodeData[[]sentMessage](t, rec)
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"dana@example.com"}, sent[0].Recipients)
	assert.Contains(t, sent[0].Raw, "Subject: Re: Order 1042")

	rec = do(t, s, http.MethodGet, "/inspect/metrics", "")
	metrics := decodeData[map[string]float64](t, rec)
	assert.Equal(t, 1.0, metrics[types.MetricOutboundSent])

	// Redelivery of the same correlation id is skipped.
	rec = do(t, s, http.MethodPost, "/outbound?drain=true", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = do(t, s, http.MethodGet, "/inspect/sent", "")
	assert.Len(t, decodeData[[]sentMessage](t, rec), 1)
}

func TestOutbound_InvalidBody(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/outbound", "not json")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(types.ErrCodeValidationSchema), decodeError(t, rec).Code)
}

func TestOutbound_QueueNotConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.AWS.OutboundQueueURL = ""
	s, err := NewServer(app.NewMemory(cfg, types.NopLogger{}))
	require.NoError(t, err)

	rec := do(t, s, http.MethodPost, "/outbound/drain", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, string(types.ErrCodeConfigInvalid), decodeError(t, rec).Code)
}

func TestQueueMessages_RequiresURL(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/inspect/queues/messages", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecoverer(t *testing.T) {
	s := newTestServer(t)
	handler := s.Recoverer(RequestID(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	detail := decodeError(t, rec)
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), detail.Code)
	assert.Equal(t, "an unexpected error occurred", detail.Message)
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := app.NewLogger(&buf, "info")
	handler := RequestID(RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	req := httptest.NewRequest(http.MethodGet, "/brew", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "/brew", line["path"])
	assert.Equal(t, 418.0, line["status"])
	assert.Equal(t, "req-1", line["request_id"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code types.ErrorCode
		want int
	}{
		{types.ErrCodeValidationSchema, http.StatusBadRequest},
		{types.ErrCodeParseMalformed, http.StatusBadRequest},
		{types.ErrCodeValidationObjectMissing, http.StatusNotFound},
		{types.ErrCodeRoutingNoDestination, http.StatusUnprocessableEntity},
		{types.ErrCodeRateLimit, http.StatusTooManyRequests},
		{types.ErrCodeConfigInvalid, http.StatusInternalServerError},
		{types.ErrCodeInternalUnexpected, http.StatusInternalServerError},
		{types.ErrCodeQueue, http.StatusServiceUnavailable},
		{types.ErrCodeStorage, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.code))
		})
	}
}
