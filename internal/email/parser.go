// Package email turns raw RFC 5322 bytes into types.Email and composes
// outbound MIME messages.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	stdmail "net/mail"
	"strings"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"

	"mailflow/internal/security"
	"mailflow/internal/types"
)

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

const defaultAttachmentType = "application/octet-stream"

// Parser extracts the structured view of an inbound email. It degrades on
// malformed headers instead of failing, and only rejects input that cannot be
// read as a message at all.
type Parser struct {
	clock   types.Clock
	logger  types.Logger
	decoder *mime.WordDecoder
}

// NewParser creates a parser that stamps ReceivedAt with the real clock.
func NewParser(logger types.Logger) *Parser {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Parser{
		clock:  types.RealClock{},
		logger: logger,
		decoder: &mime.WordDecoder{CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
			return htmlcharset.NewReaderLabel(charset, input)
		}},
	}
}

// Parse decodes raw into an Email. Attachment blobs are returned in
// AttachmentsData; Attachments stays empty until they are stored.
func (p *Parser) Parse(raw []byte) (*types.Email, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, types.NewAppError(types.ErrCodeParseMalformed, "email is empty", nil)
	}

	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if reader == nil {
		p.logger.Warn("Structured parse failed, trying legacy parser", "error", err)
		return p.parseLegacy(raw)
	}
	if err != nil {
		p.logger.Warn("Email header degraded", "error", err)
	}

	email := p.newEmail()
	p.readHeader(&reader.Header, email)
	p.readParts(reader, email)
	return email, nil
}

func (p *Parser) newEmail() *types.Email {
	return &types.Email{
		To:          []types.EmailAddress{},
		Cc:          []types.EmailAddress{},
		Bcc:         []types.EmailAddress{},
		Attachments: []types.Attachment{},
		Headers:     types.EmailHeaders{References: []string{}},
		ReceivedAt:  p.clock.Now(),
	}
}

func (p *Parser) readHeader(h *gomail.Header, email *types.Email) {
	if from := p.addressList(h, "From"); len(from) > 0 {
		email.From = from[0]
	}
	email.To = p.addressList(h, "To")
	email.Cc = p.addressList(h, "Cc")
	email.Bcc = p.addressList(h, "Bcc")
	if replyTo := p.addressList(h, "Reply-To"); len(replyTo) > 0 {
		email.ReplyTo = &replyTo[0]
	}

	if subject, err := h.Subject(); err == nil {
		email.Subject = subject
	} else {
		email.Subject = strings.TrimSpace(h.Get("Subject"))
	}

	email.MessageID = p.messageID(h)
	p.readThreading(h.Get("In-Reply-To"), h.Get("References"), email)
}

func (p *Parser) messageID(h *gomail.Header) string {
	if id, err := h.MessageID(); err == nil && id != "" {
		return id
	}
	if raw := strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>"); raw != "" {
		return raw
	}
	return p.generatedID()
}

func (p *Parser) generatedID() string {
	return fmt.Sprintf("generated-%d", p.clock.Now().Unix())
}

func (p *Parser) readThreading(inReplyTo, references string, email *types.Email) {
	if v := strings.TrimSpace(inReplyTo); v != "" {
		email.Headers.InReplyTo = &v
	}
	if refs := strings.Fields(references); len(refs) > 0 {
		email.Headers.References = refs
	}
}

// addressList reads an address header. A list that go-message rejects is
// retried entry by entry so one bad mailbox does not hide the others.
func (p *Parser) addressList(h *gomail.Header, key string) []types.EmailAddress {
	out := []types.EmailAddress{}
	list, err := h.AddressList(key)
	if err == nil {
		for _, a := range list {
			out = append(out, types.EmailAddress{Address: strings.TrimSpace(a.Address), Name: a.Name})
		}
		return out
	}
	return p.lenientAddresses(h.Get(key))
}

func (p *Parser) lenientAddresses(value string) []types.EmailAddress {
	out := []types.EmailAddress{}
	value = strings.TrimSpace(value)
	if value == "" {
		return out
	}
	if list, err := stdmail.ParseAddressList(value); err == nil {
		for _, a := range list {
			out = append(out, types.EmailAddress{Address: strings.TrimSpace(a.Address), Name: a.Name})
		}
		return out
	}
	for _, piece := range strings.Split(value, ",") {
		if a, err := stdmail.ParseAddress(strings.TrimSpace(piece)); err == nil {
			out = append(out, types.EmailAddress{Address: strings.TrimSpace(a.Address), Name: a.Name})
		}
	}
	return out
}

func (p *Parser) decodeHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || p.decoder == nil {
		return value
	}
	decoded, err := p.decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// readParts walks every leaf part. The first text/plain and text/html body
// parts become the body; named parts and inline images become attachments.
func (p *Parser) readParts(reader *gomail.Reader, email *types.Email) {
	inlineImages := 0
	unnamed := 0
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return
		}
		if part == nil {
			p.logger.Warn("Stopped reading MIME parts", "error", err)
			return
		}
		if err != nil {
			p.logger.Warn("MIME part degraded", "error", err)
		}

		var h gomessage.Header
		switch ph := part.Header.(type) {
		case *gomail.InlineHeader:
			h = ph.Header
		case *gomail.AttachmentHeader:
			h = ph.Header
		default:
			continue
		}

		mediaType, ctParams := contentType(h)
		disp, dispParams, _ := h.ContentDisposition()
		disp = strings.ToLower(disp)
		filename := partFilename(dispParams, ctParams)
		cid := strings.Trim(strings.TrimSpace(h.Get("Content-Id")), "<>")

		switch {
		case filename != "":
			p.appendAttachment(email, filename, mediaType, part.Body)
		case disp != "attachment" && mediaType == "text/plain" && email.Body.Text == nil:
			text := p.readText(part.Body)
			email.Body.Text = &text
		case disp != "attachment" && mediaType == "text/html" && email.Body.HTML == nil:
			html := p.readText(part.Body)
			email.Body.HTML = &html
		case strings.HasPrefix(mediaType, "image/") && (cid != "" || disp == "inline"):
			ext := security.ExtensionForType(mediaType)
			var name string
			if cid != "" {
				name = fmt.Sprintf("inline-%s.%s", cid, ext)
			} else {
				inlineImages++
				name = fmt.Sprintf("inline-image-%d.%s", inlineImages, ext)
			}
			p.appendAttachment(email, name, mediaType, part.Body)
		case disp == "attachment":
			unnamed++
			name := fmt.Sprintf("attachment-%d.%s", unnamed, security.ExtensionForType(mediaType))
			p.appendAttachment(email, name, mediaType, part.Body)
		}
	}
}

func (p *Parser) appendAttachment(email *types.Email, filename, mediaType string, body io.Reader) {
	data, err := io.ReadAll(body)
	if err != nil {
		// Keep whatever decoded before the error.
		p.logger.Warn("Attachment body truncated", "error", err)
	}
	if mediaType == "" {
		mediaType = defaultAttachmentType
	}
	email.AttachmentsData = append(email.AttachmentsData, types.AttachmentData{
		Filename:    filename,
		ContentType: mediaType,
		Data:        data,
	})
}

func (p *Parser) readText(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil {
		p.logger.Warn("Body part truncated", "error", err)
	}
	return string(data)
}

// parseLegacy handles messages go-message refuses, typically header-only or
// non-MIME input. Only the headers and a single text body are recovered.
func (p *Parser) parseLegacy(raw []byte) (*types.Email, error) {
	msg, err := stdmail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeParseMalformed, "email is not a readable RFC 5322 message", err)
	}

	email := p.newEmail()
	h := msg.Header
	if from := p.lenientAddresses(h.Get("From")); len(from) > 0 {
		email.From = from[0]
	}
	email.To = p.lenientAddresses(h.Get("To"))
	email.Cc = p.lenientAddresses(h.Get("Cc"))
	email.Bcc = p.lenientAddresses(h.Get("Bcc"))
	if replyTo := p.lenientAddresses(h.Get("Reply-To")); len(replyTo) > 0 {
		email.ReplyTo = &replyTo[0]
	}
	email.Subject = p.decodeHeader(h.Get("Subject"))

	email.MessageID = strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
	if email.MessageID == "" {
		email.MessageID = p.generatedID()
	}
	p.readThreading(h.Get("In-Reply-To"), h.Get("References"), email)

	text := p.readText(msg.Body)
	mediaType := "text/plain"
	if ct := h.Get("Content-Type"); ct != "" {
		mediaType = parseMediaType(ct)
	}
	switch mediaType {
	case "text/html":
		email.Body.HTML = &text
	default:
		if text != "" {
			email.Body.Text = &text
		}
	}
	return email, nil
}

// contentType returns the lowercased media type, defaulting to text/plain
// when the header is absent.
func contentType(h gomessage.Header) (string, map[string]string) {
	raw := h.Get("Content-Type")
	if strings.TrimSpace(raw) == "" {
		return "text/plain", map[string]string{}
	}
	mediaType, params, err := h.ContentType()
	if err != nil {
		return parseMediaType(raw), map[string]string{}
	}
	return strings.ToLower(mediaType), params
}

func parseMediaType(value string) string {
	if mediaType, _, err := mime.ParseMediaType(value); err == nil {
		return strings.ToLower(mediaType)
	}
	token, _, _ := strings.Cut(value, ";")
	return strings.ToLower(strings.TrimSpace(token))
}

// partFilename returns the declared filename from Content-Disposition or the
// legacy Content-Type name parameter, RFC 2047 decoded when possible.
func partFilename(dispParams, ctParams map[string]string) string {
	name := strings.TrimSpace(dispParams["filename"])
	if name == "" {
		name = strings.TrimSpace(ctParams["name"])
	}
	if name == "" {
		return ""
	}
	dec := mime.WordDecoder{CharsetReader: gomessage.CharsetReader}
	if decoded, err := dec.DecodeHeader(name); err == nil {
		return decoded
	}
	return name
}
