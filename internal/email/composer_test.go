package email

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailflow/internal/config"
	"mailflow/internal/types"
)

func strPtr(s string) *string { return &s }

func newTestComposer() *Composer {
	c := NewComposer(config.DeliveryConfig{})
	c.clock = fixedClock{t: testNow}
	return c
}

func baseOutbound() *types.OutboundEmail {
	return &types.OutboundEmail{
		From:    types.EmailAddress{Address: "noreply@acme.test", Name: "Acme Support"},
		To:      []types.EmailAddress{{Address: "customer@example.com"}},
		Cc:      []types.EmailAddress{{Address: "manager@example.com"}},
		Bcc:     []types.EmailAddress{{Address: "audit@acme.test"}},
		Subject: "Re: your ticket",
	}
}

func TestCompose_TextOnly(t *testing.T) {
	msg := baseOutbound()
	msg.Body.Text = strPtr("Hello there")

	raw, err := newTestComposer().Compose(msg, nil)
	require.NoError(t, err)

	s := string(raw)
	assert.Contains(t, strings.ToLower(s), "mime-version: 1.0")
	assert.Contains(t, s, "text/plain")
	assert.NotContains(t, s, "multipart/")
	assert.NotContains(t, s, "audit@acme.test", "bcc must not be written to headers")

	parsed, err := newTestParser().Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "noreply@acme.test", parsed.From.Address)
	assert.Equal(t, "Acme Support", parsed.From.Name)
	require.Len(t, parsed.To, 1)
	require.Len(t, parsed.Cc, 1)
	assert.Empty(t, parsed.Bcc)
	assert.Equal(t, "Re: your ticket", parsed.Subject)
	assert.True(t, strings.HasSuffix(parsed.MessageID, "@acme.test"), parsed.MessageID)
	require.NotNil(t, parsed.Body.Text)
	assert.Equal(t, "Hello there", *parsed.Body.Text)
}

func TestCompose_BodyShapes(t *testing.T) {
	tests := []struct {
		name     string
		text     *string
		html     *string
		contains string
	}{
		{"html only", nil, strPtr("<p>hi</p>"), "text/html"},
		{"both", strPtr("hi"), strPtr("<p>hi</p>"), "multipart/alternative"},
		{"neither", nil, nil, "text/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := baseOutbound()
			msg.Body = types.EmailBody{Text: tt.text, HTML: tt.html}

			raw, err := newTestComposer().Compose(msg, nil)
			require.NoError(t, err)
			assert.Contains(t, string(raw), tt.contains)
			assert.NotContains(t, string(raw), "multipart/mixed")

			parsed, err := newTestParser().Parse(raw)
			require.NoError(t, err)
			if tt.html != nil {
				require.NotNil(t, parsed.Body.HTML)
				assert.Equal(t, *tt.html, *parsed.Body.HTML)
			}
			if tt.text != nil {
				require.NotNil(t, parsed.Body.Text)
				assert.Equal(t, *tt.text, *parsed.Body.Text)
			}
		})
	}
}

func TestCompose_WithAttachments(t *testing.T) {
	msg := baseOutbound()
	msg.Body.Text = strPtr("see attached")
	msg.Body.HTML = strPtr("<p>see attached</p>")
	pdf := []byte("%PDF-1.7 fake")

	raw, err := newTestComposer().Compose(msg, []ResolvedAttachment{
		{Filename: "report.pdf", ContentType: "application/pdf", Data: pdf},
	})
	require.NoError(t, err)
	assert.Contains(t, string(raw), "multipart/mixed")
	assert.Contains(t, string(raw), "base64")

	parsed, err := newTestParser().Parse(raw)
	require.NoError(t, err)
	require.NotNil(t, parsed.Body.Text)
	assert.Equal(t, "see attached", *parsed.Body.Text)
	require.NotNil(t, parsed.Body.HTML)
	require.Len(t, parsed.AttachmentsData, 1)
	assert.Equal(t, "report.pdf", parsed.AttachmentsData[0].Filename)
	assert.Equal(t, "application/pdf", parsed.AttachmentsData[0].ContentType)
	assert.Equal(t, pdf, parsed.AttachmentsData[0].Data)
}

func TestCompose_ThreadingAndCustomHeaders(t *testing.T) {
	msg := baseOutbound()
	msg.Body.Text = strPtr("reply")
	msg.Headers = types.EmailHeaders{
		InReplyTo:  strPtr("<parent@example.com>"),
		References: []string{"<root@example.com>", "<parent@example.com>"},
		Custom:     map[string]string{"X-Ticket-Id": "T-42"},
	}

	raw, err := newTestComposer().Compose(msg, nil)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "X-Ticket-Id: T-42")

	parsed, err := newTestParser().Parse(raw)
	require.NoError(t, err)
	require.NotNil(t, parsed.Headers.InReplyTo)
	assert.Equal(t, "<parent@example.com>", *parsed.Headers.InReplyTo)
	assert.Equal(t, msg.Headers.References, parsed.Headers.References)
}

func TestCompose_RejectsBadCustomHeaders(t *testing.T) {
	for name, custom := range map[string]map[string]string{
		"structural":     {"from": "evil@example.com"},
		"bcc override":   {"Bcc": "x@example.com"},
		"space in name":  {"X Bad": "v"},
		"colon in name":  {"X:Bad": "v"},
		"line break":     {"X-Note": "a\r\nBcc: x@example.com"},
		"non ascii name": {"X-Ünicode": "v"},
	} {
		t.Run(name, func(t *testing.T) {
			msg := baseOutbound()
			msg.Headers.Custom = custom

			_, err := newTestComposer().Compose(msg, nil)
			require.Error(t, err)
			assert.Equal(t, types.ErrCodeValidationHeader, types.CodeOf(err))
			assert.False(t, types.IsRetriable(err))
		})
	}
}

func TestCompose_SizeLimits(t *testing.T) {
	t.Run("attachments total", func(t *testing.T) {
		c := newTestComposer()
		c.maxAttachmentsTotal = 10

		_, err := c.Compose(baseOutbound(), []ResolvedAttachment{
			{Filename: "a.txt", ContentType: "text/plain", Data: []byte("0123456789A")},
		})
		require.Error(t, err)
		assert.Equal(t, types.ErrCodeValidationSizeLimit, types.CodeOf(err))
		assert.False(t, types.IsRetriable(err))
	})

	t.Run("raw message", func(t *testing.T) {
		c := newTestComposer()
		c.maxRawMessageSize = 200
		msg := baseOutbound()
		msg.Body.Text = strPtr(strings.Repeat("x", 500))

		_, err := c.Compose(msg, nil)
		require.Error(t, err)
		assert.Equal(t, types.ErrCodeValidationSizeLimit, types.CodeOf(err))
	})

	t.Run("defaults", func(t *testing.T) {
		c := NewComposer(config.DeliveryConfig{})
		assert.Equal(t, int64(DefaultMaxAttachmentsTotal), c.maxAttachmentsTotal)
		assert.Equal(t, int64(DefaultMaxRawMessageSize), c.maxRawMessageSize)
	})
}
