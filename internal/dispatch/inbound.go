package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mailflow/internal/attachments"
	"mailflow/internal/config"
	"mailflow/internal/email"
	"mailflow/internal/external"
	"mailflow/internal/queue"
	"mailflow/internal/retry"
	"mailflow/internal/routing"
	"mailflow/internal/security"
	"mailflow/internal/telemetry"
	"mailflow/internal/types"
)

// Event sources accepted by InboundHandler.Handle.
const (
	EventSourceSES = "aws:ses"
	EventSourceS3  = "aws:s3"
)

// InboundConfig holds the inbound worker settings.
type InboundConfig struct {
	// RawEmailsBucket is used when an SES receipt names no bucket.
	RawEmailsBucket   string
	StrictAttachments bool
	Concurrency       int
	// DeadlineMargin stops new records from starting this close to the
	// invocation deadline.
	DeadlineMargin time.Duration
	Retry          retry.Policy
}

// InboundConfigFrom extracts the inbound settings from cfg.
func InboundConfigFrom(cfg *config.Config) InboundConfig {
	return InboundConfig{
		RawEmailsBucket:   cfg.AWS.RawEmailsBucket,
		StrictAttachments: cfg.Security.StrictAttachments,
		Concurrency:       cfg.Worker.Concurrency,
		DeadlineMargin:    cfg.Worker.DeadlineMargin,
		Retry:             retry.PolicyFromConfig(cfg.Retry, cfg.Worker.CallTimeout),
	}
}

// InboundDeps are the collaborators of the inbound orchestrator.
type InboundDeps struct {
	Store       external.BlobStore
	Queue       queue.Queue
	Parser      *email.Parser
	Validator   *security.Validator
	Attachments *attachments.Processor
	Router      *routing.Engine
	DeadLetters *DeadLetterPublisher
	Metrics     telemetry.Metrics
	Logger      types.Logger
}

// InboundResult summarizes one invocation.
type InboundResult struct {
	Records      int `json:"records"`
	Routed       int `json:"routed"`
	Published    int `json:"published"`
	DeadLettered int `json:"dead_lettered"`
	Failed       int `json:"failed"`
}

// InboundHandler turns gateway events into InboundMessages on application
// queues.
type InboundHandler struct {
	cfg         InboundConfig
	store       external.BlobStore
	queue       queue.Queue
	parser      *email.Parser
	validator   *security.Validator
	attachments *attachments.Processor
	router      *routing.Engine
	deadLetters *DeadLetterPublisher
	metrics     telemetry.Metrics
	clock       types.Clock
	logger      types.Logger
}

// NewInboundHandler creates an InboundHandler.
func NewInboundHandler(cfg InboundConfig, deps InboundDeps) *InboundHandler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = types.NopLogger{}
	}
	return &InboundHandler{
		cfg:         cfg,
		store:       deps.Store,
		queue:       deps.Queue,
		parser:      deps.Parser,
		validator:   deps.Validator,
		attachments: deps.Attachments,
		router:      deps.Router,
		deadLetters: deps.DeadLetters,
		metrics:     deps.Metrics,
		clock:       types.RealClock{},
		logger:      deps.Logger,
	}
}

// inboundRecord locates one raw email and the gateway verdicts, if any.
type inboundRecord struct {
	id         string
	bucket     string
	key        string
	receivedAt time.Time
	receipt    *types.SESReceipt
}

// Handle accepts either an SES receipt event or an S3 object-created event.
// An error is returned when a record could neither be routed nor
// dead-lettered, so the platform retries the invocation.
func (h *InboundHandler) Handle(ctx context.Context, raw json.RawMessage) (InboundResult, error) {
	var probe struct {
		Records []struct {
			EventSource string `json:"eventSource"`
		} `json:"Records"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return InboundResult{}, types.NewAppError(types.ErrCodeParseEvent, "inbound event is not valid JSON", err)
	}
	if len(probe.Records) == 0 {
		h.logger.Warn("Inbound event has no records")
		return InboundResult{}, nil
	}

	switch source := probe.Records[0].EventSource; source {
	case EventSourceSES:
		var event types.SESEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return InboundResult{}, types.NewAppError(types.ErrCodeParseEvent, "malformed SES event", err)
		}
		return h.HandleSES(ctx, event)
	case EventSourceS3:
		var event events.S3Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return InboundResult{}, types.NewAppError(types.ErrCodeParseEvent, "malformed S3 event", err)
		}
		return h.HandleS3(ctx, event)
	default:
		return InboundResult{}, types.NewAppError(types.ErrCodeParseEvent,
			fmt.Sprintf("unsupported event source %q", source), nil)
	}
}

// HandleSES processes SES receipt notifications. The raw email location comes
// from the receipt's S3 action, falling back to the raw-emails bucket keyed by
// the SES message id.
func (h *InboundHandler) HandleSES(ctx context.Context, event types.SESEvent) (InboundResult, error) {
	records := make([]inboundRecord, 0, len(event.Records))
	for _, r := range event.Records {
		receipt := r.SES.Receipt
		rec := inboundRecord{
			id:         r.SES.Mail.MessageID,
			bucket:     receipt.Action.BucketName,
			key:        receipt.Action.ObjectKey,
			receivedAt: r.SES.Mail.Timestamp,
			receipt:    &receipt,
		}
		if rec.bucket == "" {
			rec.bucket = h.cfg.RawEmailsBucket
		}
		if rec.key == "" {
			rec.key = r.SES.Mail.MessageID
		}
		records = append(records, rec)
	}
	return h.run(ctx, records)
}

// HandleS3 processes object-created notifications for raw emails. No
// verdicts are available on this path.
func (h *InboundHandler) HandleS3(ctx context.Context, event events.S3Event) (InboundResult, error) {
	records := make([]inboundRecord, 0, len(event.Records))
	for _, r := range event.Records {
		key, err := url.QueryUnescape(r.S3.Object.Key)
		if err != nil {
			key = r.S3.Object.Key
		}
		records = append(records, inboundRecord{
			id:         r.S3.Bucket.Name + "/" + key,
			bucket:     r.S3.Bucket.Name,
			key:        key,
			receivedAt: r.EventTime,
		})
	}
	return h.run(ctx, records)
}

type recordOutcome int

const (
	outcomeRouted recordOutcome = iota
	outcomeDeadLettered
	outcomeFailed
)

func (h *InboundHandler) run(ctx context.Context, records []inboundRecord) (InboundResult, error) {
	h.logger.Info("Processing inbound records", "count", len(records))
	result := InboundResult{Records: len(records)}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(h.cfg.Concurrency)

	for _, rec := range records {
		if nearDeadline(ctx, h.cfg.DeadlineMargin) {
			h.logger.Warn("Invocation deadline near, leaving record for retry", "record_id", rec.id)
			result.Failed++
			continue
		}
		g.Go(func() error {
			outcome, published := h.processRecord(ctx, rec)
			mu.Lock()
			defer mu.Unlock()
			result.Published += published
			switch outcome {
			case outcomeRouted:
				result.Routed++
			case outcomeDeadLettered:
				result.DeadLettered++
			default:
				result.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	h.logger.Info("Inbound batch complete",
		"records", result.Records,
		"routed", result.Routed,
		"dead_lettered", result.DeadLettered,
		"failed", result.Failed,
	)
	if result.Failed > 0 {
		return result, types.NewAppErrorWithDetails(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("%d of %d inbound records were not handled", result.Failed, result.Records), nil,
			map[string]any{"failed": result.Failed})
	}
	return result, nil
}

// nearDeadline reports whether less than margin remains before ctx expires.
func nearDeadline(ctx context.Context, margin time.Duration) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return false
	}
	return time.Until(deadline) < margin
}

// inboundState collects what is known about a record as it advances, for the
// dead-letter context.
type inboundState struct {
	record    inboundRecord
	messageID string
	from      string
	subject   string
	published []string
	failed    []string
}

func (s *inboundState) details() map[string]any {
	d := map[string]any{
		"record_id": s.record.id,
		"bucket":    s.record.bucket,
		"key":       s.record.key,
	}
	if s.messageID != "" {
		d["message_id"] = s.messageID
	}
	if s.from != "" {
		d["from"] = security.RedactEmail(s.from)
	}
	if s.subject != "" {
		d["subject"] = security.RedactSubject(s.subject)
	}
	if len(s.failed) > 0 {
		d["published"] = s.published
		d["failed"] = s.failed
	}
	return d
}

func (h *InboundHandler) processRecord(ctx context.Context, rec inboundRecord) (outcome recordOutcome, published int) {
	start := h.clock.Now()
	st := &inboundState{record: rec}
	logger := h.logger.With("record_id", rec.id, "bucket", rec.bucket, "key", security.RedactKey(rec.key))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while processing inbound record", "panic", fmt.Sprint(r))
			cause := types.NewAppError(types.ErrCodeInternalUnexpected, fmt.Sprintf("panic: %v", r), nil)
			outcome, published = h.deadLetter(ctx, st, cause, logger), len(st.published)
		}
	}()

	h.metrics.Count(ctx, types.MetricInboundReceived)

	if err := h.process(ctx, st, logger); err != nil {
		return h.deadLetter(ctx, st, err, logger), len(st.published)
	}

	h.metrics.Duration(ctx, types.MetricInboundProcessingTime, h.clock.Now().Sub(start))
	logger.Info("Inbound email routed", "destinations", st.published)
	return outcomeRouted, len(st.published)
}

func (h *InboundHandler) deadLetter(ctx context.Context, st *inboundState, cause error, logger types.Logger) recordOutcome {
	if err := h.deadLetters.Publish(ctx, types.HandlerInbound, cause, st.details()); err != nil {
		logger.Error("Inbound record could not be dead-lettered", "error", err)
		return outcomeFailed
	}
	return outcomeDeadLettered
}

// process walks one record through validation, parsing, attachment storage,
// routing and publishing.
func (h *InboundHandler) process(ctx context.Context, st *inboundState, logger types.Logger) error {
	rec := st.record

	if r := rec.receipt; r != nil {
		if err := h.validator.ValidateVerdicts(r.SPFVerdict, r.DKIMVerdict, r.DMARCVerdict); err != nil {
			return err
		}
		if err := h.validator.ValidateVirusVerdict(r.VirusVerdict); err != nil {
			return err
		}
		if h.validator.IsSpam(r.SpamVerdict) {
			logger.Warn("Gateway flagged email as spam", "status", r.SpamVerdict.Status)
		}
	}

	raw, err := retry.Do(ctx, h.cfg.Retry, "download raw email", logger, func(ctx context.Context) ([]byte, error) {
		return h.store.Download(ctx, rec.bucket, rec.key)
	})
	if err != nil {
		return err
	}
	if err := h.validator.ValidateEmailSize(int64(len(raw))); err != nil {
		return err
	}

	parsed, err := h.parser.Parse(raw)
	if err != nil {
		return err
	}
	if !rec.receivedAt.IsZero() {
		parsed.ReceivedAt = rec.receivedAt.UTC()
	}
	st.messageID, st.from, st.subject = parsed.MessageID, parsed.From.Address, parsed.Subject

	logger = logger.With("message_id", parsed.MessageID)
	logger.Info("Parsed email",
		"from", security.RedactEmail(parsed.From.Address),
		"subject", security.RedactSubject(parsed.Subject),
		"size", len(raw),
		"attachments", len(parsed.AttachmentsData),
	)

	if err := h.validator.ValidateSenderDomain(parsed.From.Address); err != nil {
		return err
	}
	if err := h.validator.CheckRateLimit(ctx, parsed.From.Address); err != nil {
		return err
	}

	if err := h.storeAttachments(ctx, parsed, logger); err != nil {
		return err
	}

	destinations, err := h.router.Route(parsed)
	if err != nil {
		return err
	}
	return h.publish(ctx, st, parsed, destinations, logger)
}

// storeAttachments replaces the raw blobs with stored references. Under the
// strict policy any security rejection fails the whole email and the
// attachments already stored are removed.
func (h *InboundHandler) storeAttachments(ctx context.Context, parsed *types.Email, logger types.Logger) error {
	report := h.attachments.ProcessWithReport(ctx, parsed.MessageID, parsed.AttachmentsData)
	parsed.AttachmentsData = nil
	parsed.Attachments = report.Attachments

	if h.cfg.StrictAttachments && len(report.Rejected) > 0 {
		h.discardAttachments(ctx, report.Attachments, logger)
		return types.NewAppErrorWithDetails(types.ErrCodeValidationAttachment,
			fmt.Sprintf("email rejected: %d attachment(s) failed security checks: %v",
				len(report.Rejected), report.Rejected[0]),
			errors.Join(report.Rejected...),
			map[string]any{"rejected": len(report.Rejected)})
	}

	for i, a := range report.Attachments {
		if a.Status != types.AttachmentAvailable {
			logger.Warn("Attachment not stored", "index", i, "reason", a.Error)
			continue
		}
		contentType := a.DetectedType
		if contentType == "" {
			contentType = a.ContentType
		}
		h.metrics.Count(ctx, types.MetricAttachmentsProcessed,
			telemetry.Dim{Name: types.DimContentType, Value: security.BaseMediaType(contentType)})
		h.metrics.Bytes(ctx, types.MetricAttachmentSize, int64(a.Size))
	}
	return nil
}

func (h *InboundHandler) discardAttachments(ctx context.Context, atts []types.Attachment, logger types.Logger) {
	for _, a := range atts {
		if a.Status != types.AttachmentAvailable {
			continue
		}
		if err := h.store.Delete(ctx, a.S3Bucket, a.S3Key); err != nil {
			logger.Warn("Failed to remove attachment of rejected email", "key", security.RedactKey(a.S3Key), "error", err)
		}
	}
}

// publish sends one InboundMessage per destination, in routing order.
func (h *InboundHandler) publish(ctx context.Context, st *inboundState, parsed *types.Email, destinations []types.RouteDestination, logger types.Logger) error {
	metadata := types.MessageMetadata{Domain: "unknown"}
	if len(parsed.To) > 0 {
		if d := parsed.To[0].Domain(); d != "" {
			metadata.Domain = d
		}
	}
	if r := st.record.receipt; r != nil {
		metadata.SPFVerified = r.SPFVerdict.Passed()
		metadata.DKIMVerified = r.DKIMVerdict.Passed()
		if h.validator.IsSpam(r.SpamVerdict) {
			metadata.SpamScore = 1
		}
	}
	dto := types.NewInboundEmail(parsed)

	for i, dest := range destinations {
		meta := metadata
		meta.RoutingKey = dest.AppName
		msg := types.InboundMessage{
			Version:   types.MessageVersion,
			MessageID: types.MessageIDPrefix + uuid.NewString(),
			Timestamp: h.clock.Now(),
			Source:    types.MessageSource,
			Email:     dto,
			Metadata:  meta,
		}
		qm, err := queue.JSONMessage(msg, map[string]string{"app": dest.AppName, "source": types.MessageSource})
		if err != nil {
			return err
		}

		err = retry.DoErr(ctx, h.cfg.Retry, "publish inbound message", logger, func(ctx context.Context) error {
			_, err := h.queue.Send(ctx, dest.QueueURL, qm)
			return err
		})
		if err != nil {
			for _, rest := range destinations[i:] {
				st.failed = append(st.failed, rest.AppName)
			}
			if len(st.published) > 0 {
				logger.Error("Inbound email partially published",
					"published", st.published,
					"failed", st.failed,
				)
			}
			return err
		}

		st.published = append(st.published, dest.AppName)
		h.metrics.Count(ctx, types.MetricRoutingDecisions, telemetry.Dim{Name: types.DimApp, Value: dest.AppName})
		h.metrics.Count(ctx, types.MetricInboundProcessed, telemetry.Dim{Name: types.DimApp, Value: dest.AppName})
		logger.Info("Published inbound message",
			"app", dest.AppName,
			"default", dest.IsDefault,
			"inbound_message_id", msg.MessageID,
		)
	}
	return nil
}
