package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the decoder counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	framesDecoded  *prometheus.CounterVec
	frameErrors    *prometheus.CounterVec
	bytesDiscarded *prometheus.CounterVec
	scanRevision   *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sweeplidar",
			Name:      "frames_decoded_total",
			Help:      "Frames that passed validation and were applied to the scan buffer.",
		}, []string{"protocol"}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sweeplidar",
			Name:      "frame_errors_total",
			Help:      "Frames or sync attempts that failed, by error kind.",
		}, []string{"protocol", "kind"}),
		bytesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sweeplidar",
			Name:      "sync_discarded_bytes_total",
			Help:      "Noise bytes skipped while searching for a sync pattern.",
		}, []string{"protocol"}),
		scanRevision: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sweeplidar",
			Name:      "scan_revision",
			Help:      "Revision of the latest published scan snapshot.",
		}, []string{"protocol"}),
	}

	for _, c := range []prometheus.Collector{m.framesDecoded, m.frameErrors, m.bytesDiscarded, m.scanRevision} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// FrameDecoded counts one applied frame and records the resulting revision.
func (m *Metrics) FrameDecoded(protocol string, revision uint64) {
	if m == nil {
		return
	}
	m.framesDecoded.WithLabelValues(protocol).Inc()
	m.scanRevision.WithLabelValues(protocol).Set(float64(revision))
}

// FrameError counts one failure of the given kind.
func (m *Metrics) FrameError(protocol, kind string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(protocol, kind).Inc()
}

// BytesDiscarded counts noise bytes dropped by the synchronizer.
func (m *Metrics) BytesDiscarded(protocol string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesDiscarded.WithLabelValues(protocol).Add(float64(n))
}
