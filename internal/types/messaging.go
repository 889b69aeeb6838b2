package types

import (
	"encoding/json"
	"time"
)

// Wire-format constants shared by inbound and outbound messages.
const (
	MessageVersion  = "1.0"
	MessageSource   = "mailflow"
	MessageIDPrefix = "mailflow-"
)

// InboundMessage is the versioned JSON document published to an application
// queue for every routed inbound email. JSON tags use snake_case to match the
// consumers' schema.
type InboundMessage struct {
	Version   string          `json:"version"`
	MessageID string          `json:"message_id"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Email     InboundEmail    `json:"email"`
	Metadata  MessageMetadata `json:"metadata"`
}

// InboundEmail is the downstream view of an Email. Bcc recipients and raw
// attachment bytes are never included; attachments travel by reference.
type InboundEmail struct {
	MessageID   string         `json:"message_id"`
	From        EmailAddress   `json:"from"`
	To          []EmailAddress `json:"to"`
	Cc          []EmailAddress `json:"cc"`
	ReplyTo     *EmailAddress  `json:"reply_to,omitempty"`
	Subject     string         `json:"subject"`
	Body        EmailBody      `json:"body"`
	Attachments []Attachment   `json:"attachments"`
	Headers     EmailHeaders   `json:"headers"`
	ReceivedAt  time.Time      `json:"received_at"`
}

// MessageMetadata carries routing and sender-authentication facts.
type MessageMetadata struct {
	RoutingKey   string  `json:"routing_key"`
	Domain       string  `json:"domain"`
	SpamScore    float32 `json:"spam_score"`
	SPFVerified  bool    `json:"spf_verified"`
	DKIMVerified bool    `json:"dkim_verified"`
}

// NewInboundEmail builds the DTO view of e.
func NewInboundEmail(e *Email) InboundEmail {
	to := e.To
	if to == nil {
		to = []EmailAddress{}
	}
	cc := e.Cc
	if cc == nil {
		cc = []EmailAddress{}
	}
	atts := e.Attachments
	if atts == nil {
		atts = []Attachment{}
	}
	return InboundEmail{
		MessageID:   e.MessageID,
		From:        e.From,
		To:          to,
		Cc:          cc,
		ReplyTo:     e.ReplyTo,
		Subject:     e.Subject,
		Body:        e.Body,
		Attachments: atts,
		Headers:     e.Headers,
		ReceivedAt:  e.ReceivedAt,
	}
}

// Priority is the caller's requested send priority.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// OutboundMessage is the versioned JSON document consumed from the outbound
// queue. CorrelationID is the deduplication key for the send.
type OutboundMessage struct {
	Version       string        `json:"version" validate:"required"`
	CorrelationID string        `json:"correlation_id" validate:"required,max=512"`
	Timestamp     time.Time     `json:"timestamp"`
	Source        string        `json:"source"`
	Email         OutboundEmail `json:"email" validate:"required"`
	Options       SendOptions   `json:"options"`
}

// OutboundEmail is the structured send request.
type OutboundEmail struct {
	From        EmailAddress         `json:"from" validate:"required"`
	To          []EmailAddress       `json:"to" validate:"required,min=1,dive"`
	Cc          []EmailAddress       `json:"cc" validate:"dive"`
	Bcc         []EmailAddress       `json:"bcc" validate:"dive"`
	ReplyTo     *EmailAddress        `json:"reply_to,omitempty"`
	Subject     string               `json:"subject" validate:"required"`
	Body        EmailBody            `json:"body"`
	Attachments []OutboundAttachment `json:"attachments" validate:"dive"`
	Headers     EmailHeaders         `json:"headers"`
}

// AllRecipients returns the envelope recipients (To, Cc and Bcc).
func (e *OutboundEmail) AllRecipients() []string {
	out := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	for _, group := range [][]EmailAddress{e.To, e.Cc, e.Bcc} {
		for _, a := range group {
			out = append(out, a.Address)
		}
	}
	return out
}

// OutboundAttachment references a previously stored blob to attach.
type OutboundAttachment struct {
	Filename    string `json:"filename" validate:"required"`
	ContentType string `json:"content_type"`
	S3Bucket    string `json:"s3_bucket" validate:"required"`
	S3Key       string `json:"s3_key" validate:"required"`
}

// SendOptions are caller hints for delivery.
type SendOptions struct {
	Priority          Priority   `json:"priority,omitempty" validate:"omitempty,oneof=high normal low"`
	ScheduledSendTime *time.Time `json:"scheduled_send_time,omitempty"`
	TrackOpens        bool       `json:"track_opens"`
	TrackClicks       bool       `json:"track_clicks"`
}

// DeadLetterEnvelope is the payload written to the failure channel. All free
// text is redacted before the envelope is built.
type DeadLetterEnvelope struct {
	Error     string          `json:"error"`
	ErrorType string          `json:"error_type"`
	ErrorCode ErrorCode       `json:"error_code"`
	Retriable bool            `json:"retriable"`
	Handler   string          `json:"handler"`
	Timestamp time.Time       `json:"timestamp"`
	Context   json.RawMessage `json:"context,omitempty"`
}
