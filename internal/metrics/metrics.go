// Package metrics exposes delivery counters for Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	fetchFailed    prometheus.Counter
	delivered      prometheus.Counter
	filtered       prometheus.Counter
	deliveryFailed prometheus.Counter
}

// NewCollector creates the collector and registers its metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedbot_cycles_total",
			Help: "Delivery cycles by result (ok or the stage that failed).",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedbot_cycle_duration_seconds",
			Help:    "Duration of a delivery cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		fetchFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedbot_fetch_failures_total",
			Help: "Feed fetches that failed.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedbot_items_delivered_total",
			Help: "Items sent to the chat.",
		}),
		filtered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedbot_items_filtered_total",
			Help: "Items skipped by keyword.",
		}),
		deliveryFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedbot_delivery_failures_total",
			Help: "Sends rejected by the messaging service.",
		}),
	}

	reg.MustRegister(
		c.cycles,
		c.cycleDuration,
		c.fetchFailed,
		c.delivered,
		c.filtered,
		c.deliveryFailed,
	)

	return c
}

func (c *Collector) CycleFinished(result string, duration time.Duration) {
	c.cycles.WithLabelValues(result).Inc()
	c.cycleDuration.Observe(duration.Seconds())
}

func (c *Collector) FetchFailed() {
	c.fetchFailed.Inc()
}

func (c *Collector) ItemDelivered() {
	c.delivered.Inc()
}

func (c *Collector) ItemFiltered() {
	c.filtered.Inc()
}

func (c *Collector) DeliveryFailed() {
	c.deliveryFailed.Inc()
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
