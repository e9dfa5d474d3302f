// Package telemetry holds the metric keys and the label helpers shared by
// every component of a job.
package telemetry

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricMsgOutCount        = []string{"ranklink", "message", "out", "count"}
	MetricMsgOutBytes        = []string{"ranklink", "message", "out", "bytes"}
	MetricMsgInCount         = []string{"ranklink", "message", "in", "count"}
	MetricMsgInBytes         = []string{"ranklink", "message", "in", "bytes"}
	MetricConnEstCount       = []string{"ranklink", "connection", "established", "count"}
	MetricConnErrorCount     = []string{"ranklink", "connection", "error", "count"}
	MetricConnRaceLostCount  = []string{"ranklink", "connection", "race", "lost", "count"}
	MetricSendBackoffCount   = []string{"ranklink", "send", "backoff", "count"}
	MetricRendezvousCount    = []string{"ranklink", "rendezvous", "command", "count"}
	MetricRendezvousErrCount = []string{"ranklink", "rendezvous", "error", "count"}
	MetricLookupCount        = []string{"ranklink", "directory", "lookup", "count"}
	MetricShmWaitCount       = []string{"ranklink", "shm", "wait", "count"}
	MetricViaCreditStall     = []string{"ranklink", "via", "credit", "stall", "count"}
	MetricViaAckCount        = []string{"ranklink", "via", "ack", "count"}
	MetricFatalCount         = []string{"ranklink", "fatal", "count"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelRank      TelemetryLabel = "rank"
	LabelPeer      TelemetryLabel = "peer"
	LabelTransport TelemetryLabel = "transport"
	LabelCommand   TelemetryLabel = "command"
	LabelTag       TelemetryLabel = "tag"
	LabelHost      TelemetryLabel = "host"
	LabelOp        TelemetryLabel = "op"
	LabelDuration  TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// With returns base extended with extra, never aliasing base.
func With(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}

// Logger returns a logger for handler, or the default one.
func Logger(handler slog.Handler) *slog.Logger {
	if handler == nil {
		return slog.Default()
	}
	return slog.New(handler)
}

// Sink returns ms, or the global sink.
func Sink(ms metrics.MetricSink) metrics.MetricSink {
	if ms == nil {
		return metrics.Default()
	}
	return ms
}
