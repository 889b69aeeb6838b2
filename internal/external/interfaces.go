package external

import (
	"context"
	"time"
)

// ---------------------------------------------------------------------------
// Blob Storage (S3)
// ---------------------------------------------------------------------------

// BlobStore abstracts the object store holding raw emails and attachments.
// Implementations translate vendor errors into domain AppErrors: a missing
// object is validation_object_missing, everything else storage_unavailable.
type BlobStore interface {
	// Upload writes data under bucket/key, replacing any existing object.
	Upload(ctx context.Context, bucket, key string, data []byte, contentType string) error

	// Download reads the whole object.
	Download(ctx context.Context, bucket, key string) ([]byte, error)

	// PresignedURL returns a time-limited GET URL for the object.
	PresignedURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, bucket, key string) error
}

// ---------------------------------------------------------------------------
// Mail Delivery (AWS SES v2)
// ---------------------------------------------------------------------------

// MailDelivery abstracts the outbound mail provider.
type MailDelivery interface {
	// SendRaw transmits a composed MIME message to the envelope recipients.
	// Returns the provider's message ID for tracking and correlation.
	SendRaw(ctx context.Context, raw []byte, from string, recipients []string) (providerMsgID string, err error)

	// GetQuota reports the account's current sending quota.
	GetQuota(ctx context.Context) (*SendQuota, error)
}

// SendQuota is the rolling 24h sending allowance of the account.
type SendQuota struct {
	Max24HourSend   float64
	SentLast24Hours float64
	MaxSendRate     float64
}

// Remaining returns how many messages may still be sent in the window.
func (q SendQuota) Remaining() float64 {
	return q.Max24HourSend - q.SentLast24Hours
}
