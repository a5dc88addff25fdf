package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/alarmfeed/internal/feedsync"
)

const metricPrefix = "alarmfeed_"

var knownStatuses = []feedsync.Status{
	feedsync.StatusUnknown,
	feedsync.StatusOK,
	feedsync.StatusInvalidLogin,
	feedsync.StatusNetworkError,
	feedsync.StatusRemoteError,
	feedsync.StatusNotConnected,
}

// Metrics bundles the feed engine metrics. It implements feedsync.Observer.
type Metrics struct {
	PollsTotal    *prometheus.CounterVec
	FetchedEvents prometheus.Counter
	CacheSize     prometheus.Gauge
	Status        *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New constructs the metrics and registers them with reg. A nil reg gets a
// fresh private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		PollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "polls_total",
				Help: "Total poll cycles by result",
			},
			[]string{"result"},
		),
		FetchedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "fetched_events_total",
			Help: "Total events received from the remote feed",
		}),
		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "cache_events",
			Help: "Events currently held in the cache",
		}),
		Status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "status",
				Help: "1 for the current feed status, 0 otherwise",
			},
			[]string{"status"},
		),
		gatherer: reg,
	}
	reg.MustRegister(m.PollsTotal, m.FetchedEvents, m.CacheSize, m.Status)
	m.ObserveStatus(feedsync.StatusUnknown)
	return m
}

func (m *Metrics) ObservePoll(result feedsync.PollResult) {
	m.PollsTotal.WithLabelValues(string(result)).Inc()
}

func (m *Metrics) ObserveFetched(n int) {
	if n > 0 {
		m.FetchedEvents.Add(float64(n))
	}
}

func (m *Metrics) ObserveCacheSize(n int) {
	m.CacheSize.Set(float64(n))
}

func (m *Metrics) ObserveStatus(status feedsync.Status) {
	for _, known := range knownStatuses {
		value := 0.0
		if known == status {
			value = 1
		}
		m.Status.WithLabelValues(string(known)).Set(value)
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
