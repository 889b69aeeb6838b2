package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"mailflow/internal/config"
	"mailflow/internal/email"
	"mailflow/internal/external"
	"mailflow/internal/idempotency"
	"mailflow/internal/queue"
	"mailflow/internal/retry"
	"mailflow/internal/security"
	"mailflow/internal/telemetry"
	"mailflow/internal/types"
)

// SQS system attributes read by the outbound worker.
const (
	attrReceiveCount  = "ApproximateReceiveCount"
	attrSentTimestamp = "SentTimestamp"
)

// OutboundConfig holds the outbound worker settings.
type OutboundConfig struct {
	// QueueURL is the outbound queue, used to defer scheduled sends.
	QueueURL       string
	SendingDomains []string
	CheckQuota     bool
	// SendRate caps SES calls per second for this instance.
	SendRate        float64
	IdempotencyTTL  time.Duration
	LeaseTTL        time.Duration
	MaxReceiveCount int
	Concurrency     int
	DeadlineMargin  time.Duration
	Retry           retry.Policy
}

// OutboundConfigFrom extracts the outbound settings from cfg.
func OutboundConfigFrom(cfg *config.Config) OutboundConfig {
	return OutboundConfig{
		QueueURL:        cfg.AWS.OutboundQueueURL,
		SendingDomains:  cfg.Delivery.SendingDomains,
		CheckQuota:      cfg.Delivery.CheckQuotaBeforeSend,
		SendRate:        cfg.Delivery.SendRate,
		IdempotencyTTL:  cfg.Idempotency.TTL,
		LeaseTTL:        cfg.Idempotency.LeaseTTL,
		MaxReceiveCount: cfg.Worker.MaxReceiveCount,
		Concurrency:     cfg.Worker.Concurrency,
		DeadlineMargin:  cfg.Worker.DeadlineMargin,
		Retry:           retry.PolicyFromConfig(cfg.Retry, cfg.Worker.CallTimeout),
	}
}

// OutboundDeps are the collaborators of the outbound orchestrator.
type OutboundDeps struct {
	Store       external.BlobStore
	Queue       queue.Queue
	Mail        external.MailDelivery
	Composer    *email.Composer
	Guard       *idempotency.Guard
	DeadLetters *DeadLetterPublisher
	Metrics     telemetry.Metrics
	Logger      types.Logger
}

// OutboundHandler delivers OutboundMessages consumed from SQS through SES.
type OutboundHandler struct {
	cfg            OutboundConfig
	store          external.BlobStore
	queue          queue.Queue
	mail           external.MailDelivery
	composer       *email.Composer
	guard          *idempotency.Guard
	deadLetters    *DeadLetterPublisher
	metrics        telemetry.Metrics
	validate       *validator.Validate
	limiter        *rate.Limiter
	sendingDomains map[string]struct{}
	clock          types.Clock
	logger         types.Logger
}

// NewOutboundHandler creates an OutboundHandler.
func NewOutboundHandler(cfg OutboundConfig, deps OutboundDeps) *OutboundHandler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = 14
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = idempotency.DefaultTTL
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = idempotency.DefaultLease
	}
	if cfg.MaxReceiveCount <= 0 {
		cfg.MaxReceiveCount = 5
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = types.NopLogger{}
	}

	domains := make(map[string]struct{}, len(cfg.SendingDomains))
	for _, d := range cfg.SendingDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			domains[d] = struct{}{}
		}
	}

	burst := int(cfg.SendRate)
	if burst < 1 {
		burst = 1
	}

	return &OutboundHandler{
		cfg:            cfg,
		store:          deps.Store,
		queue:          deps.Queue,
		mail:           deps.Mail,
		composer:       deps.Composer,
		guard:          deps.Guard,
		deadLetters:    deps.DeadLetters,
		metrics:        deps.Metrics,
		validate:       newSchemaValidator(),
		limiter:        rate.NewLimiter(rate.Limit(cfg.SendRate), burst),
		sendingDomains: domains,
		clock:          types.RealClock{},
		logger:         deps.Logger,
	}
}

// newSchemaValidator registers the "mailbox" tag used by EmailAddress.
func newSchemaValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("mailbox", func(fl validator.FieldLevel) bool {
		return types.IsValidEmailAddress(fl.Field().String())
	})
	return v
}

// Handle processes an SQS batch. Records that should be redelivered are
// reported in BatchItemFailures; every other record is acknowledged.
func (h *OutboundHandler) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	h.logger.Info("Processing outbound records", "count", len(event.Records))
	response := events.SQSEventResponse{}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(h.cfg.Concurrency)

	fail := func(id string) {
		mu.Lock()
		defer mu.Unlock()
		response.BatchItemFailures = append(response.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: id})
	}

	for _, record := range event.Records {
		if nearDeadline(ctx, h.cfg.DeadlineMargin) {
			h.logger.Warn("Invocation deadline near, returning record to queue", "sqs_message_id", record.MessageId)
			fail(record.MessageId)
			continue
		}
		g.Go(func() error {
			if !h.processRecord(ctx, record) {
				fail(record.MessageId)
			}
			return nil
		})
	}
	_ = g.Wait()

	h.logger.Info("Outbound batch complete",
		"records", len(event.Records),
		"failures", len(response.BatchItemFailures),
	)
	return response, nil
}

// processRecord reports whether the record may be acknowledged.
func (h *OutboundHandler) processRecord(ctx context.Context, record events.SQSMessage) (ack bool) {
	start := h.clock.Now()
	logger := h.logger.With("sqs_message_id", record.MessageId, "receive_count", receiveCount(record))
	h.recordQueueLag(ctx, record)

	var (
		msg *types.OutboundMessage
		// claimed is true while this record holds an unsettled idempotency lease.
		claimed bool
	)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while processing outbound record", "panic", fmt.Sprint(r))
			if claimed {
				h.guard.Abandon(ctx, msg.CorrelationID)
			}
			ack = h.fail(ctx, record, msg, types.NewAppError(types.ErrCodeInternalUnexpected, fmt.Sprintf("panic: %v", r), nil), logger)
		}
	}()

	msg, err := h.decode(record.Body)
	if err != nil {
		return h.fail(ctx, record, nil, err, logger)
	}
	logger = logger.With("correlation_id", msg.CorrelationID)

	if delay := h.scheduledDelay(msg); delay > 0 {
		if err := h.reschedule(ctx, record, msg, delay, logger); err != nil {
			return h.fail(ctx, record, msg, err, logger)
		}
		return true
	}

	outcome, err := h.guard.CheckAndRecord(ctx, msg.CorrelationID, h.cfg.LeaseTTL)
	if err != nil {
		return h.fail(ctx, record, msg, err, logger)
	}
	if outcome == idempotency.Duplicate {
		h.metrics.Count(ctx, types.MetricDuplicatesSkipped)
		logger.Info("Message already sent, skipping")
		return true
	}

	claimed = true
	providerID, err := h.deliver(ctx, msg, logger)
	claimed = false
	if err != nil {
		h.guard.Abandon(ctx, msg.CorrelationID)
		return h.fail(ctx, record, msg, err, logger)
	}

	if err := h.guard.Complete(ctx, msg.CorrelationID, h.cfg.IdempotencyTTL); err != nil {
		logger.Error("Email sent but idempotency record not written; the lease keeps the key claimed until it expires",
			"provider_message_id", providerID,
			"error", err,
		)
	}

	h.metrics.Count(ctx, types.MetricOutboundSent)
	h.metrics.Duration(ctx, types.MetricOutboundTime, h.clock.Now().Sub(start))
	logger.Info("Email sent", "provider_message_id", providerID)
	return true
}

// fail classifies err. Retriable failures are left for redelivery until the
// receive count reaches MaxReceiveCount; everything else is dead-lettered and
// acknowledged. A record that cannot be dead-lettered is redelivered.
func (h *OutboundHandler) fail(ctx context.Context, record events.SQSMessage, msg *types.OutboundMessage, cause error, logger types.Logger) bool {
	count := receiveCount(record)
	if types.IsRetriable(cause) && count < h.cfg.MaxReceiveCount {
		h.metrics.Count(ctx, types.MetricErrors,
			telemetry.Dim{Name: types.DimErrorType, Value: types.ErrorTypeRetriable},
			telemetry.Dim{Name: types.DimHandler, Value: types.HandlerOutbound},
		)
		logger.Warn("Retriable failure, leaving message for redelivery",
			"error_code", string(types.CodeOf(cause)),
			"error", security.RedactText(cause.Error()),
		)
		return false
	}

	details := map[string]any{
		"sqs_message_id":   record.MessageId,
		"receive_count":    count,
		"original_message": record.Body,
	}
	if msg != nil {
		details["correlation_id"] = msg.CorrelationID
	}
	if err := h.deadLetters.Publish(ctx, types.HandlerOutbound, cause, details); err != nil {
		logger.Error("Outbound record could not be dead-lettered", "error", err)
		return false
	}
	return true
}

// decode unmarshals and validates a record body.
func (h *OutboundHandler) decode(body string) (*types.OutboundMessage, error) {
	var msg types.OutboundMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationSchema, "invalid outbound message JSON", err)
	}
	if err := h.validate.Struct(&msg); err != nil {
		return nil, schemaError(err)
	}
	if msg.Version != types.MessageVersion {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationSchema,
			fmt.Sprintf("unsupported message version %q", msg.Version), nil,
			map[string]any{"version": msg.Version})
	}
	return &msg, nil
}

// schemaError converts validator failures. A bad mailbox is reported as an
// invalid address; anything else is a schema violation.
func schemaError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeValidationSchema, "outbound message failed validation", err)
	}

	code := types.ErrCodeValidationSchema
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Namespace()+":"+fe.Tag())
		if fe.Tag() == "mailbox" {
			code = types.ErrCodeValidationInvalidEmail
		}
	}
	return types.NewAppErrorWithDetails(code,
		"outbound message failed validation: "+strings.Join(fields, ", "), err,
		map[string]any{"fields": fields})
}

func (h *OutboundHandler) scheduledDelay(msg *types.OutboundMessage) time.Duration {
	at := msg.Options.ScheduledSendTime
	if at == nil {
		return 0
	}
	return at.Sub(h.clock.Now())
}

// reschedule puts a scheduled message back on the outbound queue with the SQS
// delay, at most 15 minutes at a time.
func (h *OutboundHandler) reschedule(ctx context.Context, record events.SQSMessage, msg *types.OutboundMessage, delay time.Duration, logger types.Logger) error {
	if h.cfg.QueueURL == "" {
		return types.NewAppError(types.ErrCodeConfigInvalid, "scheduled send requires the outbound queue URL", nil)
	}
	if delay > queue.MaxDelay {
		delay = queue.MaxDelay
	}
	qm := queue.Message{
		Body:       record.Body,
		Attributes: map[string]string{"correlation_id": msg.CorrelationID},
		Delay:      delay,
	}
	err := retry.DoErr(ctx, h.cfg.Retry, "defer scheduled send", logger, func(ctx context.Context) error {
		_, err := h.queue.Send(ctx, h.cfg.QueueURL, qm)
		return err
	})
	if err != nil {
		return err
	}
	logger.Info("Scheduled send deferred",
		"send_at", msg.Options.ScheduledSendTime.UTC().Format(time.RFC3339),
		"delay_seconds", int(delay.Seconds()),
	)
	return nil
}

// deliver runs the send pipeline for a first-seen message and returns the
// provider message id.
func (h *OutboundHandler) deliver(ctx context.Context, msg *types.OutboundMessage, logger types.Logger) (string, error) {
	if err := h.checkSender(msg.Email.From.Address); err != nil {
		return "", err
	}

	atts, err := h.fetchAttachments(ctx, msg.Email.Attachments, logger)
	if err != nil {
		return "", err
	}

	raw, err := h.composer.Compose(&msg.Email, atts)
	if err != nil {
		return "", err
	}

	if h.cfg.CheckQuota {
		if err := h.checkQuota(ctx, logger); err != nil {
			return "", err
		}
	}

	if err := h.limiter.Wait(ctx); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamRateLimited, "send rate limiter wait interrupted", err)
	}

	recipients := msg.Email.AllRecipients()
	return retry.Do(ctx, h.cfg.Retry, "send raw email", logger, func(ctx context.Context) (string, error) {
		return h.mail.SendRaw(ctx, raw, msg.Email.From.Address, recipients)
	})
}

// checkSender requires the From domain to be a configured sending domain.
func (h *OutboundHandler) checkSender(from string) error {
	if len(h.sendingDomains) == 0 {
		return nil
	}
	domain := types.DomainOf(from)
	if _, ok := h.sendingDomains[domain]; ok {
		return nil
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationSenderIdentity,
		fmt.Sprintf("sender %s is not a verified sending identity", security.RedactEmail(from)), nil,
		map[string]any{"domain": domain})
}

func (h *OutboundHandler) checkQuota(ctx context.Context, logger types.Logger) error {
	quota, err := retry.Do(ctx, h.cfg.Retry, "get send quota", logger, h.mail.GetQuota)
	if err != nil {
		return err
	}
	if quota.Remaining() <= 0 {
		logger.Warn("SES daily quota exhausted, returning message to queue",
			"max_24h", quota.Max24HourSend,
			"sent_24h", quota.SentLast24Hours,
		)
		return types.NewAppErrorWithDetails(types.ErrCodeQuotaExceeded, "daily sending quota exhausted", nil,
			map[string]any{"max_24h": quota.Max24HourSend, "sent_24h": quota.SentLast24Hours})
	}
	return nil
}

func (h *OutboundHandler) fetchAttachments(ctx context.Context, refs []types.OutboundAttachment, logger types.Logger) ([]email.ResolvedAttachment, error) {
	out := make([]email.ResolvedAttachment, 0, len(refs))
	for _, ref := range refs {
		data, err := retry.Do(ctx, h.cfg.Retry, "fetch attachment", logger, func(ctx context.Context) ([]byte, error) {
			return h.store.Download(ctx, ref.S3Bucket, ref.S3Key)
		})
		if err != nil {
			return nil, err
		}
		contentType := ref.ContentType
		if contentType == "" {
			contentType = security.DetectContentType(data)
		}
		out = append(out, email.ResolvedAttachment{
			Filename:    ref.Filename,
			ContentType: contentType,
			Data:        data,
		})
	}
	return out, nil
}

func (h *OutboundHandler) recordQueueLag(ctx context.Context, record events.SQSMessage) {
	ms, err := strconv.ParseInt(record.Attributes[attrSentTimestamp], 10, 64)
	if err != nil {
		return
	}
	if lag := h.clock.Now().Sub(time.UnixMilli(ms)); lag > 0 {
		h.metrics.Duration(ctx, types.MetricQueueLag, lag)
	}
}

// receiveCount returns the SQS delivery attempt number, 1 when unknown.
func receiveCount(record events.SQSMessage) int {
	n, err := strconv.Atoi(record.Attributes[attrReceiveCount])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// SQSEventFrom wraps messages read with queue.Receive as a Lambda SQS event,
// so locally polled messages go through the same handler.
func SQSEventFrom(queueARN string, msgs []queue.Received) events.SQSEvent {
	event := events.SQSEvent{Records: make([]events.SQSMessage, 0, len(msgs))}
	for _, m := range msgs {
		record := events.SQSMessage{
			MessageId:      m.ID,
			ReceiptHandle:  m.ReceiptHandle,
			Body:           m.Body,
			EventSource:    "aws:sqs",
			EventSourceARN: queueARN,
			Attributes:     map[string]string{attrReceiveCount: strconv.Itoa(m.ReceiveCount)},
		}
		if len(m.Attributes) > 0 {
			record.MessageAttributes = make(map[string]events.SQSMessageAttribute, len(m.Attributes))
			for k, v := range m.Attributes {
				val := v
				record.MessageAttributes[k] = events.SQSMessageAttribute{StringValue: &val, DataType: "String"}
			}
		}
		event.Records = append(event.Records, record)
	}
	return event
}
