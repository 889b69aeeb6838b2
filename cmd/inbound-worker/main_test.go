package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailflow/internal/app"
	"mailflow/internal/config"
	"mailflow/internal/dispatch"
	"mailflow/internal/types"
)

func TestRunLocal(t *testing.T) {
	cfg := &config.Config{
		Environment: "local",
		AWS: config.AWSConfig{
			RawEmailsBucket: "raw",
			InboundDLQURL:   "https://sqs.us-east-1.amazonaws.com/123456789012/inbound-dlq",
		},
		Security: config.SecurityConfig{
			MaxAttachmentSize:         1 << 20,
			MaxAttachmentsPerEmail:    10,
			MaxEmailSize:              1 << 20,
			MaxEmailsPerSenderPerHour: 10,
		},
	}
	c := app.NewMemory(cfg, types.NopLogger{})
	handler := c.InboundHandler()

	t.Run("empty input", func(t *testing.T) {
		err := runLocal(context.Background(), handler, strings.NewReader(""), &bytes.Buffer{})
		require.Error(t, err)
	})

	t.Run("missing object is dead-lettered", func(t *testing.T) {
		event := `{"Records":[{"eventSource":"aws:ses","ses":{"mail":{"messageId":"nope"},"receipt":{}}}]}`
		var out bytes.Buffer

		err := runLocal(context.Background(), handler, strings.NewReader(event), &out)
		require.NoError(t, err)

		var result dispatch.InboundResult
		require.NoError(t, json.Unmarshal(out.Bytes(), &result))
		assert.Equal(t, dispatch.InboundResult{Records: 1, DeadLettered: 1}, result)
	})

	t.Run("unsupported source", func(t *testing.T) {
		err := runLocal(context.Background(), handler, strings.NewReader(`{"Records":[{"eventSource":"aws:sns"}]}`), &bytes.Buffer{})
		require.Error(t, err)
		assert.Equal(t, types.ErrCodeParseEvent, types.CodeOf(err))
	})
}
