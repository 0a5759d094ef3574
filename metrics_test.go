package syncdaq

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.observeFetch("smu", FetchResult{Samples: make([]Sample, 30), Backlog: 50}, 200)
	m.observeFetch("smu", FetchResult{Samples: make([]Sample, 10), Backlog: 20}, 200)
	m.observeWarning("smu")
	m.observeFailure("dmm", false)
	m.observeFailure("smu", true)
	m.setQueued(3)

	assert.Equal(t, 40.0, testutil.ToFloat64(m.SamplesFetched.WithLabelValues("smu")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Fetches.WithLabelValues("smu")))
	assert.Equal(t, 20.0, testutil.ToFloat64(m.Backlog.WithLabelValues("smu")), "the gauge holds the last backlog")
	assert.Equal(t, 0.1, testutil.ToFloat64(m.BacklogRatio.WithLabelValues("smu")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Warnings.WithLabelValues("smu")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failures.WithLabelValues("dmm")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Overflows.WithLabelValues("dmm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Overflows.WithLabelValues("smu")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueuedEvents))

	expected := `
# HELP syncdaq_fetches_total Successful fetch calls.
# TYPE syncdaq_fetches_total counter
syncdaq_fetches_total{channel="smu"} 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "syncdaq_fetches_total"); err != nil {
		t.Error(err)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	// A coordinator without metrics calls these on a nil *Metrics.
	m.observeFetch("smu", FetchResult{}, 0)
	m.observeWarning("smu")
	m.observeFailure("smu", true)
	m.setQueued(1)
}

func TestMetricsRegisterOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) }, "the same names cannot be registered twice")
}
