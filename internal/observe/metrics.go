// Package observe holds the logging and metrics plumbing shared by the
// streaming pipeline, the SRT gateway and the CLI.
//
// Metrics are recorded through the OpenTelemetry Metrics API. InitProvider
// installs an SDK provider backed by a Prometheus exporter so the gateway
// can serve them on /metrics. Tests should build their own Metrics with
// NewMetrics and a ManualReader rather than use DefaultMetrics.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/zsiec/kvsaudio"

// Drop reasons recorded on FramesDropped.
const (
	DropQueueFull = "queue_full"
	DropSendRetry = "send_retry"
	DropEncode    = "encode"
)

// Metrics holds the instruments for every pipeline. Each recording carries
// a "stream" attribute.
type Metrics struct {
	FramesOffered metric.Int64Counter
	FramesSent    metric.Int64Counter
	// FramesDropped uses a "reason" attribute (DropQueueFull etc).
	FramesDropped metric.Int64Counter
	BytesSent     metric.Int64Counter
	ClustersSent  metric.Int64Counter

	// AcksReceived uses an "event_type" attribute.
	AcksReceived metric.Int64Counter
	ErrorAcks    metric.Int64Counter

	Reconnects     metric.Int64Counter
	ActiveSessions metric.Int64UpDownCounter
	QueueDepth     metric.Int64Gauge

	// SendLatency is the time from Poll to the chunk being handed to the
	// transport, in seconds.
	SendLatency metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesOffered, err = m.Int64Counter("kvsaudio.frames.offered",
		metric.WithDescription("Frames accepted from the frame source."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("kvsaudio.frames.sent",
		metric.WithDescription("Frames muxed and handed to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("kvsaudio.frames.dropped",
		metric.WithDescription("Frames discarded, by reason."),
	); err != nil {
		return nil, err
	}
	if met.BytesSent, err = m.Int64Counter("kvsaudio.bytes.sent",
		metric.WithDescription("MKV bytes handed to the transport."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ClustersSent, err = m.Int64Counter("kvsaudio.clusters.sent",
		metric.WithDescription("Muxer outputs handed to the transport."),
	); err != nil {
		return nil, err
	}
	if met.AcksReceived, err = m.Int64Counter("kvsaudio.acks.received",
		metric.WithDescription("PutMedia acknowledgements by event type."),
	); err != nil {
		return nil, err
	}
	if met.ErrorAcks, err = m.Int64Counter("kvsaudio.acks.errors",
		metric.WithDescription("PutMedia ERROR acknowledgements."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("kvsaudio.reconnects",
		metric.WithDescription("PutMedia connections re-opened after a failure."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("kvsaudio.sessions.active",
		metric.WithDescription("Open PutMedia connections."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64Gauge("kvsaudio.queue.depth",
		metric.WithDescription("Frames waiting in the send queue."),
	); err != nil {
		return nil, err
	}
	if met.SendLatency, err = m.Float64Histogram("kvsaudio.send.duration",
		metric.WithDescription("Time to hand one muxer output to the transport."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a package-level Metrics built on the global meter
// provider. It panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func streamAttr(stream string) attribute.KeyValue {
	return attribute.String("stream", stream)
}

// StreamAttrs is the attribute set for per-stream instruments recorded
// directly by callers.
func StreamAttrs(stream string) metric.MeasurementOption {
	return metric.WithAttributes(streamAttr(stream))
}

// RecordDrop counts one dropped frame.
func (m *Metrics) RecordDrop(ctx context.Context, stream, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(
		streamAttr(stream),
		attribute.String("reason", reason),
	))
}

// RecordSend counts one muxer output of frames frames and bytes bytes
// handed to the transport, and how long the hand-off took.
func (m *Metrics) RecordSend(ctx context.Context, stream string, frames, bytes int, seconds float64) {
	attrs := metric.WithAttributes(streamAttr(stream))
	m.FramesSent.Add(ctx, int64(frames), attrs)
	m.BytesSent.Add(ctx, int64(bytes), attrs)
	m.ClustersSent.Add(ctx, 1, attrs)
	m.SendLatency.Record(ctx, seconds, attrs)
}

// RecordAck counts an acknowledgement of the given event type.
func (m *Metrics) RecordAck(ctx context.Context, stream, eventType string, isError bool) {
	m.AcksReceived.Add(ctx, 1, metric.WithAttributes(
		streamAttr(stream),
		attribute.String("event_type", eventType),
	))
	if isError {
		m.ErrorAcks.Add(ctx, 1, metric.WithAttributes(streamAttr(stream)))
	}
}
