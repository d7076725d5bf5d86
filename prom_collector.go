package perfwatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromCollector exposes dispatcher statistics to a Prometheus registry
type PromCollector struct {
	d *Dispatcher

	registries *prometheus.Desc
	listeners  *prometheus.Desc
	queueDepth *prometheus.Desc
	emitted    *prometheus.Desc
	delivered  *prometheus.Desc
}

var _ prometheus.Collector = (*PromCollector)(nil)

// NewPromCollector creates a collector for d. namespace prefixes every metric name.
func NewPromCollector(d *Dispatcher, namespace string) *PromCollector {
	if namespace == "" {
		namespace = "perfwatch"
	}
	return &PromCollector{
		d: d,
		registries: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "registries"),
			"Number of events with at least one listener.", nil, nil),
		listeners: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "listeners"),
			"Number of registered listeners per event.", []string{"event"}, nil),
		queueDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queue_depth"),
			"Number of deferred tasks waiting to run.", nil, nil),
		emitted: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "emitted_total"),
			"Total number of fired events.", nil, nil),
		delivered: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "delivered_total"),
			"Total number of listener invocations.", nil, nil),
	}
}

// Describe implements prometheus.Collector
func (c *PromCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.registries
	ch <- c.listeners
	ch <- c.queueDepth
	ch <- c.emitted
	ch <- c.delivered
}

// Collect implements prometheus.Collector
func (c *PromCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.d.Stats()

	ch <- prometheus.MustNewConstMetric(c.registries, prometheus.GaugeValue, float64(stats.Registries))
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(stats.QueueDepth))
	ch <- prometheus.MustNewConstMetric(c.emitted, prometheus.CounterValue, float64(stats.Emitted))
	ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue, float64(stats.Delivered))
	for event, n := range stats.PerEvent {
		ch <- prometheus.MustNewConstMetric(c.listeners, prometheus.GaugeValue, float64(n), event)
	}
}
