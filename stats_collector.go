package perfwatch

import (
	"runtime"
	"time"

	"go.uber.org/zap"
)

// DispatcherCollector reports dispatcher statistics and basic runtime gauges
type DispatcherCollector struct {
	BaseCollector
	d *Dispatcher
}

// NewDispatcherCollector creates a collector for d
func NewDispatcherCollector(d *Dispatcher, logger *zap.Logger) *DispatcherCollector {
	return &DispatcherCollector{
		BaseCollector: NewBaseCollector("dispatcher", logger),
		d:             d,
	}
}

// Collect implements Collector interface
func (c *DispatcherCollector) Collect() []Metric {
	now := time.Now()
	stats := c.d.Stats()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	metrics := []Metric{
		{
			Name:       "registries_num",
			Value:      float64(stats.Registries),
			Labels:     map[string]string{},
			MetricType: Gauge,
			Timestamp:  now,
		},
		{
			Name:       "queue_depth",
			Value:      float64(stats.QueueDepth),
			Labels:     map[string]string{},
			MetricType: Gauge,
			Timestamp:  now,
		},
		{
			Name:       "emitted_total",
			Value:      float64(stats.Emitted),
			Labels:     map[string]string{},
			MetricType: Counter,
			Timestamp:  now,
		},
		{
			Name:       "delivered_total",
			Value:      float64(stats.Delivered),
			Labels:     map[string]string{},
			MetricType: Counter,
			Timestamp:  now,
		},
		{
			Name:       "goroutines_num",
			Value:      float64(runtime.NumGoroutine()),
			Labels:     map[string]string{},
			MetricType: Gauge,
			Timestamp:  now,
		},
		{
			Name:       "memory_heap_alloc_bytes",
			Value:      float64(ms.HeapAlloc),
			Labels:     map[string]string{},
			MetricType: Gauge,
			Timestamp:  now,
		},
	}

	for event, n := range stats.PerEvent {
		metrics = append(metrics, Metric{
			Name:       "listeners_num",
			Value:      float64(n),
			Labels:     map[string]string{"event": event},
			MetricType: Gauge,
			Timestamp:  now,
		})
	}

	return metrics
}
