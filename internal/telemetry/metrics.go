// Package telemetry emits worker metrics to CloudWatch. Metric failures are
// logged and never affect message processing.
package telemetry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"mailflow/internal/types"
)

// Dim is one metric dimension.
type Dim struct {
	Name  string
	Value string
}

// Metrics records counters, timings and sizes.
type Metrics interface {
	Count(ctx context.Context, name string, dims ...Dim)
	Duration(ctx context.Context, name string, d time.Duration, dims ...Dim)
	Bytes(ctx context.Context, name string, n int64, dims ...Dim)
}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics publishes each datum with PutMetricData.
//
// Metrics emitted (see types.Metric*):
//   - InboundEmailsReceived, InboundEmailsProcessed {App}, RoutingDecisions {App}
//   - AttachmentsProcessed {ContentType}, AttachmentSize
//   - OutboundEmailsSent, DuplicatesSkipped, QueueLag
//   - Errors {ErrorType, Handler}, DLQMessages {Handler}
//   - InboundProcessingTime, OutboundProcessingTime
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics. An empty namespace uses
// types.MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatchMetrics) Count(ctx context.Context, name string, dims ...Dim) {
	m.put(ctx, name, 1, cwtypes.StandardUnitCount, dims)
}

// Duration is recorded in milliseconds for CloudWatch precision.
func (m *CloudWatchMetrics) Duration(ctx context.Context, name string, d time.Duration, dims ...Dim) {
	m.put(ctx, name, float64(d.Milliseconds()), cwtypes.StandardUnitMilliseconds, dims)
}

func (m *CloudWatchMetrics) Bytes(ctx context.Context, name string, n int64, dims ...Dim) {
	m.put(ctx, name, float64(n), cwtypes.StandardUnitBytes, dims)
}

func (m *CloudWatchMetrics) put(ctx context.Context, name string, value float64, unit cwtypes.StandardUnit, dims []Dim) {
	datum := cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
	}
	for _, d := range dims {
		if d.Value == "" {
			continue
		}
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{
			Name:  aws.String(d.Name),
			Value: aws.String(d.Value),
		})
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record metric",
			"error", err.Error(),
			"metric", name,
		)
	}
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) Count(context.Context, string, ...Dim)                   {}
func (NopMetrics) Duration(context.Context, string, time.Duration, ...Dim) {}
func (NopMetrics) Bytes(context.Context, string, int64, ...Dim)            {}

// MemoryMetrics accumulates values by metric name and dimensions. The replay
// server exposes it and tests assert on it.
type MemoryMetrics struct {
	mu     sync.Mutex
	values map[string]float64
}

// NewMemoryMetrics creates an empty MemoryMetrics.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{values: make(map[string]float64)}
}

// seriesKey renders name and dims as "Name{A=x,B=y}" with dims sorted.
func seriesKey(name string, dims []Dim) string {
	if len(dims) == 0 {
		return name
	}
	parts := make([]string, 0, len(dims))
	for _, d := range dims {
		if d.Value != "" {
			parts = append(parts, d.Name+"="+d.Value)
		}
	}
	if len(parts) == 0 {
		return name
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

func (m *MemoryMetrics) add(name string, v float64, dims []Dim) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[seriesKey(name, dims)] += v
}

func (m *MemoryMetrics) Count(_ context.Context, name string, dims ...Dim) {
	m.add(name, 1, dims)
}

func (m *MemoryMetrics) Duration(_ context.Context, name string, d time.Duration, dims ...Dim) {
	m.add(name, float64(d.Milliseconds()), dims)
}

func (m *MemoryMetrics) Bytes(_ context.Context, name string, n int64, dims ...Dim) {
	m.add(name, float64(n), dims)
}

// Value returns the accumulated value of one series.
func (m *MemoryMetrics) Value(name string, dims ...Dim) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[seriesKey(name, dims)]
}

// Snapshot copies every series.
func (m *MemoryMetrics) Snapshot() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

var (
	_ Metrics = (*CloudWatchMetrics)(nil)
	_ Metrics = NopMetrics{}
	_ Metrics = (*MemoryMetrics)(nil)
)
