package external

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailflow/internal/security"
	"mailflow/internal/types"
)

// ---------------------------------------------------------------------------
// Stub Implementations
//
// Stub implementations let the workers and the replay server run locally
// without AWS credentials. They keep everything in memory, log their calls
// and return predictable values. Tests use them as fakes.
// ---------------------------------------------------------------------------

// MemoryBlobStore implements BlobStore with an in-memory map.
type MemoryBlobStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject

	// FailUploads makes Upload fail with a retriable storage error when set.
	FailUploads bool
	// FailPresign makes PresignedURL fail when set.
	FailPresign bool
}

type memoryObject struct {
	data        []byte
	contentType string
}

// NewMemoryBlobStore creates an empty store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{objects: make(map[string]memoryObject)}
}

func objectPath(bucket, key string) string {
	return bucket + "/" + key
}

func (m *MemoryBlobStore) Upload(_ context.Context, bucket, key string, data []byte, contentType string) error {
	if m.FailUploads {
		return types.NewAppError(types.ErrCodeStorage, "memory store: upload failure injected", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectPath(bucket, key)] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	return nil
}

func (m *MemoryBlobStore) Download(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[objectPath(bucket, key)]
	if !ok {
		return nil, objectMissing("download", bucket, key, nil)
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *MemoryBlobStore) PresignedURL(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if m.FailPresign {
		return "", types.NewAppError(types.ErrCodeStorage, "memory store: presign failure injected", nil)
	}
	return fmt.Sprintf("https://%s.s3.local/%s?X-Amz-Expires=%d", bucket, key, int64(ttl.Seconds())), nil
}

func (m *MemoryBlobStore) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, objectPath(bucket, key))
	return nil
}

// Keys returns the stored object paths ("bucket/key") in sorted order.
func (m *MemoryBlobStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ContentType returns the stored content type of an object.
func (m *MemoryBlobStore) ContentType(bucket, key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[objectPath(bucket, key)].contentType
}

// SentMessage is one message accepted by StubMailDelivery.
type SentMessage struct {
	ID         string
	From       string
	Recipients []string
	Raw        []byte
}

// StubMailDelivery implements MailDelivery by recording messages instead of
// sending them.
type StubMailDelivery struct {
	mu     sync.Mutex
	logger types.Logger
	sent   []SentMessage

	// Quota is returned by GetQuota. Defaults to a generous sandbox quota.
	Quota SendQuota
	// SendErr, when set, is returned by SendRaw.
	SendErr error
}

// NewStubMailDelivery creates a new StubMailDelivery.
func NewStubMailDelivery(logger types.Logger) *StubMailDelivery {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &StubMailDelivery{
		logger: logger,
		Quota:  SendQuota{Max24HourSend: 50000, MaxSendRate: 14},
	}
}

func (s *StubMailDelivery) SendRaw(_ context.Context, raw []byte, from string, recipients []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return "", s.SendErr
	}
	id := "stub-" + uuid.NewString()
	s.sent = append(s.sent, SentMessage{
		ID:         id,
		From:       from,
		Recipients: append([]string(nil), recipients...),
		Raw:        append([]byte(nil), raw...),
	})
	s.Quota.SentLast24Hours++
	s.logger.Info("stub: SendRaw called",
		"from", security.RedactEmail(from),
		"recipients", len(recipients),
		"size", len(raw),
	)
	return id, nil
}

func (s *StubMailDelivery) GetQuota(_ context.Context) (*SendQuota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.Quota
	return &q, nil
}

// Sent returns a copy of the recorded messages.
func (s *StubMailDelivery) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}

// ---------------------------------------------------------------------------
// Interface Compliance
// ---------------------------------------------------------------------------

var _ BlobStore = (*MemoryBlobStore)(nil)
var _ MailDelivery = (*StubMailDelivery)(nil)
