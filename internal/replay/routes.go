package replay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"mailflow/internal/dispatch"
	"mailflow/internal/queue"
	"mailflow/internal/types"
)

// maxOutboundBody caps POST /outbound bodies. Attachments travel by
// reference so real messages are far smaller.
const maxOutboundBody = 1 << 20

// MountRoutes registers middleware and endpoints on the router.
func (s *Server) MountRoutes() {
	r := s.router
	r.Use(s.Recoverer)
	r.Use(RequestID)
	r.Use(RequestLogger(s.Logger))

	r.Get("/health", s.handleHealth)

	r.Post("/inbound", s.handleInbound)
	r.Post("/outbound", s.handleOutbound)
	r.Post("/outbound/drain", s.handleDrain)

	r.Route("/inspect", func(r chi.Router) {
		r.Get("/queues", s.handleQueues)
		r.Get("/queues/messages", s.handleQueueMessages)
		r.Get("/objects", s.handleObjects)
		r.Get("/sent", s.handleSent)
		r.Get("/metrics", s.handleMetrics)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{"status": "healthy"}})
}

// handleInbound stores the request body as a raw email and runs it through
// the inbound handler as an SES receipt. Query parameters:
//
//	key    object key and SES message id (default: random UUID)
//	spam   spam verdict status (default PASS)
//	virus  virus verdict status (default PASS)
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	limit := s.Config.Security.MaxEmailSize + 1<<20
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, r, types.NewAppError(types.ErrCodeValidationSizeLimit, "request body too large", err))
			return
		}
		Error(w, r, types.NewAppError(types.ErrCodeParseMalformed, "failed to read request body", err))
		return
	}
	if len(raw) == 0 {
		Error(w, r, types.NewAppError(types.ErrCodeParseMalformed, "request body must not be empty", nil))
		return
	}

	query := r.URL.Query()
	key := query.Get("key")
	if key == "" {
		key = uuid.NewString()
	}
	bucket := s.Config.AWS.RawEmailsBucket

	if err := s.store.Upload(r.Context(), bucket, key, raw, "message/rfc822"); err != nil {
		Error(w, r, err)
		return
	}

	now := time.Now().UTC()
	event := types.SESEvent{Records: []types.SESEventRecord{{
		EventSource: dispatch.EventSourceSES,
		SES: types.SESMessage{
			Mail: types.SESMail{MessageID: key, Timestamp: now},
			Receipt: types.SESReceipt{
				Timestamp:    now,
				SpamVerdict:  verdict(query.Get("spam")),
				VirusVerdict: verdict(query.Get("virus")),
				SPFVerdict:   verdict(""),
				DKIMVerdict:  verdict(""),
				DMARCVerdict: verdict(""),
				Action:       types.SESAction{Type: "S3", BucketName: bucket, ObjectKey: key},
			},
		},
	}}}

	result, err := s.inbound.HandleSES(r.Context(), event)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]any{"key": key, "result": result}})
}

func verdict(status string) types.SESVerdict {
	if status == "" {
		status = types.VerdictPass
	}
	return types.SESVerdict{Status: status}
}

// handleOutbound enqueues the body on the outbound queue. With ?drain=true
// the queue is drained once right away.
func (s *Server) handleOutbound(w http.ResponseWriter, r *http.Request) {
	queueURL, ok := s.outboundQueue(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOutboundBody))
	if err != nil {
		Error(w, r, types.NewAppError(types.ErrCodeValidationSchema, "failed to read request body", err))
		return
	}
	if !json.Valid(body) {
		Error(w, r, types.NewAppError(types.ErrCodeValidationSchema, "request body must be JSON", nil))
		return
	}

	id, err := s.queue.Send(r.Context(), queueURL, queue.Message{Body: string(body)})
	if err != nil {
		Error(w, r, err)
		return
	}

	data := map[string]any{"message_id": id}
	if r.URL.Query().Get("drain") == "true" {
		drained, err := s.drain(r, queueURL)
		if err != nil {
			Error(w, r, err)
			return
		}
		data["drain"] = drained
	}
	JSON(w, r, http.StatusAccepted, APIResponse{Data: data})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	queueURL, ok := s.outboundQueue(w, r)
	if !ok {
		return
	}
	drained, err := s.drain(r, queueURL)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: drained})
}

func (s *Server) outboundQueue(w http.ResponseWriter, r *http.Request) (string, bool) {
	queueURL := s.Config.AWS.OutboundQueueURL
	if queueURL == "" {
		Error(w, r, types.NewAppError(types.ErrCodeConfigInvalid, "OUTBOUND_QUEUE_URL is not configured", nil))
		return "", false
	}
	return queueURL, true
}

// DrainResult summarizes one pass over the outbound queue.
type DrainResult struct {
	Received     int      `json:"received"`
	Acknowledged int      `json:"acknowledged"`
	Failures     []string `json:"failures,omitempty"`
}

// drain receives one batch and hands it to the outbound handler the way the
// Lambda event source mapping would: acknowledged records are deleted,
// batch item failures stay queued for the next pass. Deferred scheduled
// sends come back as new messages, so a single pass never loops on them.
func (s *Server) drain(r *http.Request, queueURL string) (DrainResult, error) {
	ctx := r.Context()
	msgs, err := s.queue.Receive(ctx, queueURL, queue.MaxBatchSize, 0)
	if err != nil {
		return DrainResult{}, err
	}
	if len(msgs) == 0 {
		return DrainResult{}, nil
	}

	resp, err := s.outbound.Handle(ctx, dispatch.SQSEventFrom(outboundQueueARN, msgs))
	if err != nil {
		return DrainResult{}, err
	}

	failed := make(map[string]bool, len(resp.BatchItemFailures))
	out := DrainResult{Received: len(msgs)}
	for _, f := range resp.BatchItemFailures {
		failed[f.ItemIdentifier] = true
		out.Failures = append(out.Failures, f.ItemIdentifier)
	}
	for _, m := range msgs {
		if failed[m.ID] {
			continue
		}
		if err := s.queue.Delete(ctx, queueURL, m.ReceiptHandle); err != nil {
			return out, err
		}
		out.Acknowledged++
	}
	return out, nil
}

type queueSummary struct {
	URL      string `json:"url"`
	Messages int    `json:"messages"`
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	urls := s.queue.URLs()
	out := make([]queueSummary, 0, len(urls))
	for _, u := range urls {
		out = append(out, queueSummary{URL: u, Messages: len(s.queue.Messages(u))})
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: out})
}

type queuedMessage struct {
	Body         json.RawMessage `json:"body"`
	DelaySeconds int64           `json:"delay_seconds,omitempty"`
}

// handleQueueMessages lists the messages held for ?url=.
func (s *Server) handleQueueMessages(w http.ResponseWriter, r *http.Request) {
	queueURL := r.URL.Query().Get("url")
	if queueURL == "" {
		Error(w, r, types.NewAppError(types.ErrCodeValidationSchema, "url query parameter is required", nil))
		return
	}

	bodies := s.queue.Messages(queueURL)
	delays := s.queue.Delays(queueURL)
	out := make([]queuedMessage, 0, len(bodies))
	for i, b := range bodies {
		m := queuedMessage{Body: json.RawMessage(b)}
		if !json.Valid(m.Body) {
			m.Body, _ = json.Marshal(b)
		}
		if i < len(delays) {
			m.DelaySeconds = int64(delays[i] / time.Second)
		}
		out = append(out, m)
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: out})
}

func (s *Server) handleObjects(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, APIResponse{Data: s.store.Keys()})
}

type sentMessage struct {
	ID         string   `json:"id"`
	From       string   `json:"from"`
	Recipients []string `json:"recipients"`
	Raw        string   `json:"raw"`
}

func (s *Server) handleSent(w http.ResponseWriter, r *http.Request) {
	sent := s.mail.Sent()
	out := make([]sentMessage, 0, len(sent))
	for _, m := range sent {
		out = append(out, sentMessage{ID: m.ID, From: m.From, Recipients: m.Recipients, Raw: string(m.Raw)})
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: out})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, APIResponse{Data: s.metrics.Snapshot()})
}
