package ranklink

import (
	"slices"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/ranklink/pkg/telemetry"
)

// TransportStats counts the messages that went through one transport.
type TransportStats struct {
	MessagesOut uint64
	BytesOut    uint64
	MessagesIn  uint64
	BytesIn     uint64
}

// statsSink keeps the message counters emitted by the transports so
// [Job.Stats] can answer without an external metrics backend. Everything
// else is dropped.
type statsSink struct {
	metrics.BlackholeSink

	lk     sync.Mutex
	byKind map[string]*TransportStats
}

var _ metrics.MetricSink = (*statsSink)(nil)

func newStatsSink() *statsSink {
	return &statsSink{byKind: make(map[string]*TransportStats)}
}

func (s *statsSink) IncrCounterWithLabels(key []string, val float32, labels []metrics.Label) {
	var field func(*TransportStats) *uint64
	switch {
	case slices.Equal(key, telemetry.MetricMsgOutCount):
		field = func(st *TransportStats) *uint64 { return &st.MessagesOut }
	case slices.Equal(key, telemetry.MetricMsgOutBytes):
		field = func(st *TransportStats) *uint64 { return &st.BytesOut }
	case slices.Equal(key, telemetry.MetricMsgInCount):
		field = func(st *TransportStats) *uint64 { return &st.MessagesIn }
	case slices.Equal(key, telemetry.MetricMsgInBytes):
		field = func(st *TransportStats) *uint64 { return &st.BytesIn }
	default:
		return
	}

	kind := ""
	for _, label := range labels {
		if label.Name == string(telemetry.LabelTransport) {
			kind = label.Value
		}
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	st, ok := s.byKind[kind]
	if !ok {
		st = &TransportStats{}
		s.byKind[kind] = st
	}
	*field(st) += uint64(val)
}

func (s *statsSink) snapshot() map[string]TransportStats {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := make(map[string]TransportStats, len(s.byKind))
	for kind, st := range s.byKind {
		out[kind] = *st
	}
	return out
}
