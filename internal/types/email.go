package types

import (
	"regexp"
	"strings"
	"time"
)

// emailAddressPattern is the accepted local-part@domain grammar.
var emailAddressPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// EmailAddress is a mailbox with an optional display name.
type EmailAddress struct {
	Address string `json:"address" validate:"required,mailbox"`
	Name    string `json:"name,omitempty"`
}

// Domain returns the lowercased domain of the address, or "" when the address
// has no '@'.
func (a EmailAddress) Domain() string {
	return DomainOf(a.Address)
}

// LocalPart returns the part before the last '@'.
func (a EmailAddress) LocalPart() string {
	idx := strings.LastIndexByte(a.Address, '@')
	if idx < 0 {
		return a.Address
	}
	return a.Address[:idx]
}

// Validate checks the address against the accepted grammar.
func (a EmailAddress) Validate() error {
	if !IsValidEmailAddress(a.Address) {
		return NewAppError(ErrCodeValidationInvalidEmail, "invalid email address", nil)
	}
	return nil
}

// String renders the mailbox in "Name <address>" form.
func (a EmailAddress) String() string {
	if a.Name == "" {
		return a.Address
	}
	return a.Name + " <" + a.Address + ">"
}

// IsValidEmailAddress reports whether s matches the accepted grammar.
func IsValidEmailAddress(s string) bool {
	return emailAddressPattern.MatchString(s)
}

// DomainOf returns the lowercased domain of an address string.
func DomainOf(address string) string {
	idx := strings.LastIndexByte(address, '@')
	if idx < 0 || idx == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[idx+1:])
}

// EmailBody holds the alternative renderings of a message body. A nil field
// means that rendering is absent.
type EmailBody struct {
	Text *string `json:"text"`
	HTML *string `json:"html"`
}

// IsEmpty reports whether neither rendering is present.
func (b EmailBody) IsEmpty() bool {
	return b.Text == nil && b.HTML == nil
}

// EmailHeaders carries threading headers verbatim plus any custom headers.
type EmailHeaders struct {
	InReplyTo  *string           `json:"in_reply_to,omitempty"`
	References []string          `json:"references"`
	Custom     map[string]string `json:"custom,omitempty"`
}

// AttachmentStatus is the outcome of processing one attachment.
type AttachmentStatus string

const (
	AttachmentAvailable AttachmentStatus = "available"
	AttachmentFailed    AttachmentStatus = "failed"
)

// AttachmentData is a raw attachment blob extracted by the parser. It never
// leaves the process: the attachment processor turns it into an Attachment.
type AttachmentData struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Attachment is the by-reference view of a stored attachment.
// A Failed attachment carries no storage location.
type Attachment struct {
	Filename               string           `json:"filename"`
	SanitizedFilename      string           `json:"sanitizedFilename"`
	ContentType            string           `json:"contentType"`
	DetectedType           string           `json:"detectedType,omitempty"`
	Size                   int              `json:"size"`
	S3Bucket               string           `json:"s3Bucket,omitempty"`
	S3Key                  string           `json:"s3Key,omitempty"`
	PresignedURL           string           `json:"presignedUrl,omitempty"`
	PresignedURLExpiration *time.Time       `json:"presignedUrlExpiration,omitempty"`
	ChecksumMD5            string           `json:"checksumMd5,omitempty"`
	Status                 AttachmentStatus `json:"status"`
	Error                  string           `json:"error,omitempty"`
}

// Email is a parsed inbound message.
type Email struct {
	MessageID   string         `json:"message_id"`
	From        EmailAddress   `json:"from"`
	To          []EmailAddress `json:"to"`
	Cc          []EmailAddress `json:"cc"`
	Bcc         []EmailAddress `json:"bcc"`
	ReplyTo     *EmailAddress  `json:"reply_to,omitempty"`
	Subject     string         `json:"subject"`
	Body        EmailBody      `json:"body"`
	Attachments []Attachment   `json:"attachments"`
	Headers     EmailHeaders   `json:"headers"`
	ReceivedAt  time.Time      `json:"received_at"`

	// AttachmentsData holds the raw blobs between parsing and attachment
	// processing. It is released once the attachments are stored.
	AttachmentsData []AttachmentData `json:"-"`
}

// Recipients returns To, Cc and Bcc in that order.
func (e *Email) Recipients() []EmailAddress {
	out := make([]EmailAddress, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	out = append(out, e.To...)
	out = append(out, e.Cc...)
	out = append(out, e.Bcc...)
	return out
}

// RouteDestination is one queue an inbound email is published to.
type RouteDestination struct {
	AppName   string `json:"app_name"`
	QueueURL  string `json:"queue_url"`
	IsDefault bool   `json:"is_default"`
}

// DefaultAppName is the routing key used for fallback destinations.
const DefaultAppName = "default"
