package email

import (
	"bytes"
	"fmt"
	"io"
	"net/textproto"
	"sort"
	"strings"

	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"mailflow/internal/config"
	"mailflow/internal/types"
)

// SES v2 limits.
const (
	DefaultMaxAttachmentsTotal = 10 * 1024 * 1024
	DefaultMaxRawMessageSize   = 40 * 1024 * 1024
)

const fallbackMessageIDDomain = "mailflow.local"

// structuralHeaders are written by the composer itself and cannot be
// overridden through custom headers. Keys are canonical MIME header keys.
var structuralHeaders = map[string]bool{
	"From":                      true,
	"Sender":                    true,
	"To":                        true,
	"Cc":                        true,
	"Bcc":                       true,
	"Reply-To":                  true,
	"Subject":                   true,
	"Date":                      true,
	"Message-Id":                true,
	"Mime-Version":              true,
	"Content-Type":              true,
	"Content-Transfer-Encoding": true,
	"Content-Disposition":       true,
	"In-Reply-To":               true,
	"References":                true,
	"Return-Path":               true,
}

// ResolvedAttachment is an outbound attachment whose bytes were fetched from
// the blob store.
type ResolvedAttachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Composer renders an OutboundEmail into raw MIME suitable for SES SendRaw.
type Composer struct {
	clock               types.Clock
	maxAttachmentsTotal int64
	maxRawMessageSize   int64
}

// NewComposer creates a composer bounded by the delivery limits in cfg.
// Zero limits fall back to the SES defaults.
func NewComposer(cfg config.DeliveryConfig) *Composer {
	c := &Composer{
		clock:               types.RealClock{},
		maxAttachmentsTotal: cfg.MaxAttachmentsTotal,
		maxRawMessageSize:   cfg.MaxRawMessageSize,
	}
	if c.maxAttachmentsTotal <= 0 {
		c.maxAttachmentsTotal = DefaultMaxAttachmentsTotal
	}
	if c.maxRawMessageSize <= 0 {
		c.maxRawMessageSize = DefaultMaxRawMessageSize
	}
	return c
}

// Compose builds the message. Bcc recipients never appear in the headers;
// the caller passes them as envelope recipients.
func (c *Composer) Compose(msg *types.OutboundEmail, atts []ResolvedAttachment) ([]byte, error) {
	var total int64
	for _, a := range atts {
		total += int64(len(a.Data))
	}
	if total > c.maxAttachmentsTotal {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationSizeLimit,
			fmt.Sprintf("attachments total %d bytes exceeds the %d byte limit", total, c.maxAttachmentsTotal), nil,
			map[string]any{"size": total, "limit": c.maxAttachmentsTotal})
	}

	h, err := c.header(msg)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if len(atts) == 0 {
		err = writeBody(&buf, h, msg.Body)
	} else {
		err = writeMixed(&buf, h, msg.Body, atts)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to compose message", err)
	}

	if size := int64(buf.Len()); size > c.maxRawMessageSize {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationSizeLimit,
			fmt.Sprintf("composed message is %d bytes, limit is %d", size, c.maxRawMessageSize), nil,
			map[string]any{"size": size, "limit": c.maxRawMessageSize})
	}
	return buf.Bytes(), nil
}

func (c *Composer) header(msg *types.OutboundEmail) (gomail.Header, error) {
	var h gomail.Header
	h.SetDate(c.clock.Now())
	h.SetAddressList("From", []*gomail.Address{toAddress(msg.From)})
	if len(msg.To) > 0 {
		h.SetAddressList("To", toAddresses(msg.To))
	}
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", toAddresses(msg.Cc))
	}
	if msg.ReplyTo != nil {
		h.SetAddressList("Reply-To", []*gomail.Address{toAddress(*msg.ReplyTo)})
	}
	h.SetSubject(msg.Subject)

	domain := msg.From.Domain()
	if domain == "" {
		domain = fallbackMessageIDDomain
	}
	h.SetMessageID(uuid.NewString() + "@" + domain)
	h.Set("MIME-Version", "1.0")

	if msg.Headers.InReplyTo != nil && strings.TrimSpace(*msg.Headers.InReplyTo) != "" {
		if err := checkHeaderValue("In-Reply-To", *msg.Headers.InReplyTo); err != nil {
			return h, err
		}
		h.Set("In-Reply-To", strings.TrimSpace(*msg.Headers.InReplyTo))
	}
	if len(msg.Headers.References) > 0 {
		refs := strings.Join(msg.Headers.References, " ")
		if err := checkHeaderValue("References", refs); err != nil {
			return h, err
		}
		h.Set("References", refs)
	}

	names := make([]string, 0, len(msg.Headers.Custom))
	for name := range msg.Headers.Custom {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := msg.Headers.Custom[name]
		if err := checkCustomHeader(name, value); err != nil {
			return h, err
		}
		h.Set(name, value)
	}
	return h, nil
}

// checkCustomHeader enforces the RFC 5322 field-name grammar (printable
// US-ASCII except colon) and refuses structural headers.
func checkCustomHeader(name, value string) error {
	if name == "" {
		return types.NewAppError(types.ErrCodeValidationHeader, "custom header name is empty", nil)
	}
	for i := 0; i < len(name); i++ {
		if ch := name[i]; ch < 33 || ch > 126 || ch == ':' {
			return types.NewAppError(types.ErrCodeValidationHeader,
				fmt.Sprintf("custom header name %q is not a valid field name", name), nil)
		}
	}
	if structuralHeaders[textproto.CanonicalMIMEHeaderKey(name)] {
		return types.NewAppError(types.ErrCodeValidationHeader,
			fmt.Sprintf("custom header %q would override a structural header", name), nil)
	}
	return checkHeaderValue(name, value)
}

func checkHeaderValue(name, value string) error {
	if strings.ContainsAny(value, "\r\n") {
		return types.NewAppError(types.ErrCodeValidationHeader,
			fmt.Sprintf("header %q contains a line break", name), nil)
	}
	return nil
}

func toAddress(a types.EmailAddress) *gomail.Address {
	return &gomail.Address{Name: a.Name, Address: a.Address}
}

func toAddresses(list []types.EmailAddress) []*gomail.Address {
	out := make([]*gomail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, toAddress(a))
	}
	return out
}

func textHeader(mediaType string) gomail.InlineHeader {
	var ih gomail.InlineHeader
	ih.SetContentType(mediaType, map[string]string{"charset": "utf-8"})
	ih.Set("Content-Transfer-Encoding", "quoted-printable")
	return ih
}

func writeBody(w io.Writer, h gomail.Header, body types.EmailBody) error {
	if body.Text != nil && body.HTML != nil {
		iw, err := gomail.CreateInlineWriter(w, h)
		if err != nil {
			return err
		}
		if err := writeAlternative(iw, body); err != nil {
			return err
		}
		return iw.Close()
	}

	mediaType, content := singleBody(body)
	h.SetContentType(mediaType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := gomail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, content); err != nil {
		return err
	}
	return pw.Close()
}

func writeMixed(w io.Writer, h gomail.Header, body types.EmailBody, atts []ResolvedAttachment) error {
	mw, err := gomail.CreateWriter(w, h)
	if err != nil {
		return err
	}

	if body.Text != nil && body.HTML != nil {
		iw, err := mw.CreateInline()
		if err != nil {
			return err
		}
		if err := writeAlternative(iw, body); err != nil {
			return err
		}
		if err := iw.Close(); err != nil {
			return err
		}
	} else {
		mediaType, content := singleBody(body)
		pw, err := mw.CreateSingleInline(textHeader(mediaType))
		if err != nil {
			return err
		}
		if _, err := io.WriteString(pw, content); err != nil {
			return err
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}

	for _, a := range atts {
		var ah gomail.AttachmentHeader
		contentType := a.ContentType
		if contentType == "" {
			contentType = defaultAttachmentType
		}
		ah.SetContentType(contentType, nil)
		ah.SetFilename(a.Filename)
		ah.Set("Content-Transfer-Encoding", "base64")
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return err
		}
		if _, err := aw.Write(a.Data); err != nil {
			return err
		}
		if err := aw.Close(); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writeAlternative(iw *gomail.InlineWriter, body types.EmailBody) error {
	for _, p := range []struct {
		mediaType string
		content   string
	}{
		{"text/plain", *body.Text},
		{"text/html", *body.HTML},
	} {
		pw, err := iw.CreatePart(textHeader(p.mediaType))
		if err != nil {
			return err
		}
		if _, err := io.WriteString(pw, p.content); err != nil {
			return err
		}
		if err := pw.Close(); err != nil {
			return err
		}
	}
	return nil
}

// singleBody picks the only rendering present, or an empty text/plain body.
func singleBody(body types.EmailBody) (string, string) {
	switch {
	case body.Text != nil:
		return "text/plain", *body.Text
	case body.HTML != nil:
		return "text/html", *body.HTML
	default:
		return "text/plain", ""
	}
}
