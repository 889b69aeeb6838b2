// Package attachments validates extracted attachment blobs, stores the ones
// that pass and replaces them with by-reference descriptors.
package attachments

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mailflow/internal/config"
	"mailflow/internal/external"
	"mailflow/internal/retry"
	"mailflow/internal/security"
	"mailflow/internal/types"
)

const (
	DefaultConcurrency = 4
	DefaultPresignTTL  = 7 * 24 * time.Hour

	DefaultMaxAttachments    = 50
	DefaultMaxAttachmentSize = 35 << 20
	DefaultMaxEmailSize      = 40 << 20
)

// Config bundles what the processor needs from the loaded configuration.
type Config struct {
	Bucket      string
	Security    config.SecurityConfig
	PresignTTL  time.Duration
	Concurrency int
	Retry       retry.Policy
}

// ConfigFrom extracts the processor settings from cfg.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Bucket:      cfg.AWS.AttachmentBucket(),
		Security:    cfg.Security,
		PresignTTL:  cfg.Attachments.PresignTTL,
		Concurrency: cfg.Attachments.Concurrency,
		Retry:       retry.PolicyFromConfig(cfg.Retry, cfg.Worker.CallTimeout),
	}
}

// Report is the outcome of processing one email's attachments.
type Report struct {
	// Attachments has one entry per input blob, in input order.
	Attachments []types.Attachment
	// Rejected holds the security-check failures (count, size, type, path).
	// Storage failures are not included.
	Rejected []error
}

// Available counts the stored attachments.
func (r Report) Available() int {
	n := 0
	for _, a := range r.Attachments {
		if a.Status == types.AttachmentAvailable {
			n++
		}
	}
	return n
}

// Processor turns AttachmentData into stored Attachments.
type Processor struct {
	store  external.BlobStore
	policy *security.FileTypePolicy
	cfg    Config
	clock  types.Clock
	newID  func() string
	logger types.Logger
}

// NewProcessor creates a Processor writing to store.
func NewProcessor(store external.BlobStore, cfg Config, logger types.Logger) *Processor {
	if logger == nil {
		logger = types.NopLogger{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = DefaultPresignTTL
	}
	if cfg.Security.MaxAttachmentsPerEmail <= 0 {
		cfg.Security.MaxAttachmentsPerEmail = DefaultMaxAttachments
	}
	if cfg.Security.MaxAttachmentSize <= 0 {
		cfg.Security.MaxAttachmentSize = DefaultMaxAttachmentSize
	}
	if cfg.Security.MaxEmailSize <= 0 {
		cfg.Security.MaxEmailSize = DefaultMaxEmailSize
	}
	return &Processor{
		store:  store,
		policy: security.NewFileTypePolicy(cfg.Security),
		cfg:    cfg,
		clock:  types.RealClock{},
		newID:  uuid.NewString,
		logger: logger,
	}
}

// pending is an attachment that passed every check and awaits upload.
type pending struct {
	index int
	data  []byte
	key   string
	ct    string
}

// Process validates, stores and presigns each blob. The result always has
// len(data) entries; failures are reported per attachment and never abort
// the others.
func (p *Processor) Process(ctx context.Context, messageID string, data []types.AttachmentData) []types.Attachment {
	return p.ProcessWithReport(ctx, messageID, data).Attachments
}

// ProcessWithReport is Process plus the list of security rejections, which
// the strict attachment policy needs.
func (p *Processor) ProcessWithReport(ctx context.Context, messageID string, data []types.AttachmentData) Report {
	report := Report{Attachments: make([]types.Attachment, len(data))}
	if len(data) == 0 {
		return report
	}

	prefix := p.keyPrefix(messageID)
	dedupe := security.NewFilenameDeduper()
	var total int64
	var queue []pending

	// Checks run sequentially so deduplicated names are deterministic.
	for i, d := range data {
		att := types.Attachment{
			Filename:    d.Filename,
			ContentType: d.ContentType,
			Size:        len(d.Data),
			Status:      types.AttachmentFailed,
		}

		job, err := p.check(i, d, prefix, dedupe, &total, &att)
		if err != nil {
			att.Error = err.Error()
			report.Rejected = append(report.Rejected, err)
			p.logger.Warn("Attachment rejected",
				"message_id", messageID,
				"index", i,
				"filename", security.RedactText(d.Filename),
				"code", string(types.CodeOf(err)),
			)
		} else {
			queue = append(queue, job)
		}
		report.Attachments[i] = att
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	// Each goroutine owns exactly one slot of report.Attachments.
	for _, job := range queue {
		g.Go(func() error {
			p.upload(gCtx, messageID, job, &report.Attachments[job.index])
			return nil
		})
	}
	_ = g.Wait()

	return report
}

// keyPrefix returns the key components shared by one email's attachments. The
// Message-ID is chosen by the sender, so a generated segment comes first and
// two emails never share a prefix.
func (p *Processor) keyPrefix(messageID string) []string {
	prefix := []string{p.newID()}
	if mid := security.SanitizePathComponent(messageID); mid != "" {
		prefix = append(prefix, mid)
	}
	return prefix
}

// check runs the count, size, type, content and path checks. On success att
// carries the sanitized name, detected type and checksum.
func (p *Processor) check(i int, d types.AttachmentData, prefix []string, dedupe *security.FilenameDeduper, total *int64, att *types.Attachment) (pending, error) {
	size := int64(len(d.Data))

	if i >= p.cfg.Security.MaxAttachmentsPerEmail {
		return pending{}, types.NewAppErrorWithDetails(types.ErrCodeValidationAttachment,
			"attachment limit exceeded", nil,
			map[string]any{"limit": p.cfg.Security.MaxAttachmentsPerEmail})
	}
	if size > p.cfg.Security.MaxAttachmentSize {
		return pending{}, types.NewAppErrorWithDetails(types.ErrCodeValidationSizeLimit,
			fmt.Sprintf("attachment size %d exceeds limit %d", size, p.cfg.Security.MaxAttachmentSize), nil,
			map[string]any{"size": size, "limit": p.cfg.Security.MaxAttachmentSize})
	}
	if *total+size > p.cfg.Security.MaxEmailSize {
		return pending{}, types.NewAppErrorWithDetails(types.ErrCodeValidationSizeLimit,
			fmt.Sprintf("cumulative attachment size exceeds limit %d", p.cfg.Security.MaxEmailSize), nil,
			map[string]any{"size": *total + size, "limit": p.cfg.Security.MaxEmailSize})
	}

	if err := p.policy.Check(d.Filename, d.ContentType); err != nil {
		return pending{}, err
	}
	detected, err := p.policy.VerifyContent(d.Filename, d.Data)
	if err != nil {
		return pending{}, err
	}

	name := dedupe.Unique(security.SanitizeFilename(d.Filename))
	key, err := security.StorageKey(append(prefix[:len(prefix):len(prefix)], name)...)
	if err != nil {
		return pending{}, err
	}

	*total += size
	sum := md5.Sum(d.Data)
	att.SanitizedFilename = name
	att.DetectedType = detected
	att.ChecksumMD5 = hex.EncodeToString(sum[:])

	ct := detected
	if ct == "" {
		ct = security.BaseMediaType(d.ContentType)
	}
	return pending{index: i, data: d.Data, key: key, ct: ct}, nil
}

// upload uploads and presigns one attachment. A presign failure removes the
// uploaded object so no unreferenced blob is left behind.
func (p *Processor) upload(ctx context.Context, messageID string, job pending, att *types.Attachment) {
	bucket := p.cfg.Bucket
	log := p.logger.With("message_id", messageID, "key", security.RedactKey(job.key))

	err := retry.DoErr(ctx, p.cfg.Retry, "attachment upload", log, func(ctx context.Context) error {
		return p.store.Upload(ctx, bucket, job.key, job.data, job.ct)
	})
	if err != nil {
		log.Error("Attachment upload failed", "error", err)
		att.Error = fmt.Sprintf("upload failed: %s", types.CodeOf(err))
		return
	}

	url, err := p.store.PresignedURL(ctx, bucket, job.key, p.cfg.PresignTTL)
	if err != nil {
		log.Error("Attachment presign failed, removing object", "error", err)
		if delErr := p.store.Delete(ctx, bucket, job.key); delErr != nil {
			log.Warn("Failed to remove unreferenced attachment", "error", delErr)
		}
		att.Error = fmt.Sprintf("presign failed: %s", types.CodeOf(err))
		return
	}

	expires := p.clock.Now().Add(p.cfg.PresignTTL)
	att.S3Bucket = bucket
	att.S3Key = job.key
	att.PresignedURL = url
	att.PresignedURLExpiration = &expires
	att.Status = types.AttachmentAvailable
	att.Error = ""
}
