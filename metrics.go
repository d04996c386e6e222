package dvc

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts fragments, messages, bytes and failures on a channel.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	fragments *prometheus.CounterVec
	messages  prometheus.Counter
	bytes     *prometheus.CounterVec
	pending   *prometheus.CounterVec
	errors    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fragments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dvc",
			Name:      "fragments_total",
			Help:      "Fragments decoded, by position flag.",
		}, []string{"flags"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dvc",
			Name:      "messages_total",
			Help:      "Messages reassembled.",
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dvc",
			Name:      "transferred_bytes_total",
			Help:      "Bytes moved by the transport adapter.",
		}, []string{"direction"}),
		pending: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dvc",
			Name:      "pending_completions_total",
			Help:      "Operations that completed after a wait.",
		}, []string{"direction"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dvc",
			Name:      "errors_total",
			Help:      "Read and write failures, by kind.",
		}, []string{"kind"}),
	}

	if reg != nil {
		reg.MustRegister(m.fragments, m.messages, m.bytes, m.pending, m.errors)
	}
	return m
}

func (m *Metrics) fragment(flags Flags) {
	if m == nil {
		return
	}
	m.fragments.WithLabelValues(flags.String()).Inc()
}

func (m *Metrics) message() {
	if m == nil {
		return
	}
	m.messages.Inc()
}

func (m *Metrics) transferred(dir Direction, n int, waited bool) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues(dir.String()).Add(float64(n))
	if waited {
		m.pending.WithLabelValues(dir.String()).Inc()
	}
}

func (m *Metrics) failure(err error) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errorKind(err)).Inc()
}
