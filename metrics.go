package syncdaq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus instruments of a session, labelled by channel.
type Metrics struct {
	Backlog        *prometheus.GaugeVec
	BacklogRatio   *prometheus.GaugeVec
	SamplesFetched *prometheus.CounterVec
	Fetches        *prometheus.CounterVec
	FetchSize      *prometheus.HistogramVec
	Warnings       *prometheus.CounterVec
	Overflows      *prometheus.CounterVec
	Failures       *prometheus.CounterVec
	QueuedEvents   prometheus.Gauge
}

// NewMetrics creates the session metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Backlog: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "syncdaq_backlog_samples",
			Help: "Samples held in the device buffer at the last fetch.",
		}, []string{"channel"}),
		BacklogRatio: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "syncdaq_backlog_ratio",
			Help: "Backlog as a fraction of the device buffer capacity.",
		}, []string{"channel"}),
		SamplesFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "syncdaq_samples_fetched_total",
			Help: "Samples transferred from the device.",
		}, []string{"channel"}),
		Fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "syncdaq_fetches_total",
			Help: "Successful fetch calls.",
		}, []string{"channel"}),
		FetchSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "syncdaq_fetch_size_samples",
			Help:    "Samples returned per fetch.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"channel"}),
		Warnings: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "syncdaq_draining_too_slow_total",
			Help: "DrainingTooSlow warnings raised.",
		}, []string{"channel"}),
		Overflows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "syncdaq_buffer_overflows_total",
			Help: "Runs ended by a device buffer overflow.",
		}, []string{"channel"}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "syncdaq_channel_failures_total",
			Help: "Runs ended by a fatal error, overflows included.",
		}, []string{"channel"}),
		QueuedEvents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "syncdaq_queued_events",
			Help: "Session events waiting to be published.",
		}),
	}
}

func (m *Metrics) observeFetch(channel string, res FetchResult, capacity int) {
	if m == nil {
		return
	}
	n := float64(len(res.Samples))
	m.SamplesFetched.WithLabelValues(channel).Add(n)
	m.Fetches.WithLabelValues(channel).Inc()
	m.FetchSize.WithLabelValues(channel).Observe(n)
	m.Backlog.WithLabelValues(channel).Set(float64(res.Backlog))
	if capacity > 0 {
		m.BacklogRatio.WithLabelValues(channel).Set(float64(res.Backlog) / float64(capacity))
	}
}

func (m *Metrics) observeWarning(channel string) {
	if m == nil {
		return
	}
	m.Warnings.WithLabelValues(channel).Inc()
}

func (m *Metrics) observeFailure(channel string, overflow bool) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(channel).Inc()
	if overflow {
		m.Overflows.WithLabelValues(channel).Inc()
	}
}

func (m *Metrics) setQueued(n int) {
	if m == nil {
		return
	}
	m.QueuedEvents.Set(float64(n))
}
