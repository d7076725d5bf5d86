package perfwatch

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Collector provides a batch of metrics to the Exporter
type Collector interface {
	Collect() []Metric
	Name() string
}

// Metric represents a single metric data point
type Metric struct {
	Name       string
	Value      float64
	Labels     map[string]string
	MetricType MetricType
	Timestamp  time.Time
}

// MetricType represents the type of a metric
type MetricType int

const (
	Counter MetricType = iota
	Gauge
	Histogram
)

// DefaultDurationBuckets are the histogram bounds for measure durations, in milliseconds
var DefaultDurationBuckets = []float64{
	1, 2.5, 5, 10, 16, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000,
}

// BaseCollector provides basic collector functionality
type BaseCollector struct {
	name   string
	logger *zap.Logger
}

// Name implements Collector interface
func (b *BaseCollector) Name() string {
	return b.name
}

// NewBaseCollector creates a base collector
func NewBaseCollector(name string, logger *zap.Logger) BaseCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return BaseCollector{
		name:   name,
		logger: logger,
	}
}

// CounterCollector provides simple unlabeled counters
type CounterCollector struct {
	BaseCollector
	counters map[string]*atomic.Int64
	mutex    sync.RWMutex
}

// NewCounterCollector creates a new counter collector
func NewCounterCollector(name string, logger *zap.Logger) *CounterCollector {
	return &CounterCollector{
		BaseCollector: NewBaseCollector(name, logger),
		counters:      make(map[string]*atomic.Int64),
	}
}

// Inc increments a counter by 1
func (c *CounterCollector) Inc(name string) {
	c.Add(name, 1)
}

// Add adds a specific value to a counter
func (c *CounterCollector) Add(name string, delta int64) {
	c.mutex.RLock()
	counter, exists := c.counters[name]
	c.mutex.RUnlock()

	if !exists {
		c.mutex.Lock()
		if counter, exists = c.counters[name]; !exists {
			counter = &atomic.Int64{}
			c.counters[name] = counter
		}
		c.mutex.Unlock()
	}

	counter.Add(delta)
}

// Get gets the current value of a counter
func (c *CounterCollector) Get(name string) int64 {
	c.mutex.RLock()
	counter, exists := c.counters[name]
	c.mutex.RUnlock()

	if !exists {
		return 0
	}
	return counter.Load()
}

// Collect implements Collector interface
func (c *CounterCollector) Collect() []Metric {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := time.Now()
	metrics := make([]Metric, 0, len(c.counters))

	for name, counter := range c.counters {
		metrics = append(metrics, Metric{
			Name:       name,
			Value:      float64(counter.Load()),
			Labels:     map[string]string{},
			MetricType: Counter,
			Timestamp:  now,
		})
	}

	return metrics
}

// LabeledCounterCollector provides labeled counters, one series per label set
type LabeledCounterCollector struct {
	BaseCollector
	values          map[string]*labeledCounterValue
	mutex           sync.RWMutex
	seriesTTL       time.Duration
	maxSeries       int
	lastCleanup     time.Time
	cleanupInterval time.Duration
}

type labeledCounterValue struct {
	name        string
	counter     atomic.Int64
	labelMap    map[string]string
	lastUpdated atomic.Int64
}

// NewLabeledCounterCollector creates a new labeled counter collector
func NewLabeledCounterCollector(name string, logger *zap.Logger) *LabeledCounterCollector {
	return &LabeledCounterCollector{
		BaseCollector:   NewBaseCollector(name, logger),
		values:          make(map[string]*labeledCounterValue),
		seriesTTL:       60 * time.Minute,
		maxSeries:       0, // 0 means no limit
		cleanupInterval: 5 * time.Minute,
	}
}

// SetTTL sets the TTL for idle series
func (c *LabeledCounterCollector) SetTTL(ttl time.Duration) {
	c.mutex.Lock()
	c.seriesTTL = ttl
	c.mutex.Unlock()
}

// SetMaxSeries sets the maximum number of series (0 means no limit)
func (c *LabeledCounterCollector) SetMaxSeries(n int) {
	c.mutex.Lock()
	c.maxSeries = n
	c.mutex.Unlock()
}

// Inc increments a labeled counter.
// labels should be provided as [key1, value1, key2, value2, ...]
func (c *LabeledCounterCollector) Inc(metricName string, labels ...string) {
	key := formatKey(metricName, labels)
	c.mutex.RLock()
	entry, exists := c.values[key]
	c.mutex.RUnlock()

	now := time.Now().UnixNano()
	if !exists {
		c.mutex.Lock()
		if entry, exists = c.values[key]; !exists {
			entry = &labeledCounterValue{
				name:     metricName,
				labelMap: labelPairs(labels),
			}
			c.values[key] = entry
		}
		c.mutex.Unlock()
	}

	entry.counter.Add(1)
	entry.lastUpdated.Store(now)
}

// Get gets the current value of a labeled counter
func (c *LabeledCounterCollector) Get(metricName string, labels ...string) int64 {
	key := formatKey(metricName, labels)
	c.mutex.RLock()
	entry, exists := c.values[key]
	c.mutex.RUnlock()

	if !exists {
		return 0
	}
	return entry.counter.Load()
}

// Delete removes a specific labeled counter
func (c *LabeledCounterCollector) Delete(metricName string, labels ...string) {
	key := formatKey(metricName, labels)
	c.mutex.Lock()
	delete(c.values, key)
	c.mutex.Unlock()
}

// Collect implements Collector interface
func (c *LabeledCounterCollector) Collect() []Metric {
	c.mutex.RLock()
	now := time.Now()

	metrics := make([]Metric, 0, len(c.values))
	for _, entry := range c.values {
		metrics = append(metrics, Metric{
			Name:       entry.name,
			Value:      float64(entry.counter.Load()),
			Labels:     entry.labelMap,
			MetricType: Counter,
			Timestamp:  now,
		})
	}
	needsCleanup := (c.seriesTTL > 0 || c.maxSeries > 0) && now.Sub(c.lastCleanup) >= c.cleanupInterval
	c.mutex.RUnlock()

	if needsCleanup {
		c.cleanup(now)
	}

	return metrics
}

func (c *LabeledCounterCollector) cleanup(now time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastCleanup = now

	if c.seriesTTL > 0 {
		cutoff := now.Add(-c.seriesTTL).UnixNano()
		for k, v := range c.values {
			if v.lastUpdated.Load() < cutoff {
				delete(c.values, k)
			}
		}
	}

	// evict least recently updated series
	if c.maxSeries > 0 && len(c.values) > c.maxSeries {
		type pair struct {
			key  string
			last int64
		}
		pairs := make([]pair, 0, len(c.values))
		for k, v := range c.values {
			pairs = append(pairs, pair{key: k, last: v.lastUpdated.Load()})
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].last < pairs[j].last })
		excess := len(c.values) - c.maxSeries
		for i := 0; i < excess; i++ {
			delete(c.values, pairs[i].key)
		}
	}
	c.logger.Debug("labeled series cleaned up",
		zap.String("collector", c.name), zap.Int("series", len(c.values)))
}

// HistogramCollector provides labeled histograms
type HistogramCollector struct {
	BaseCollector
	histograms map[string]*histogram
	buckets    []float64
	mutex      sync.RWMutex
}

type histogram struct {
	name     string
	labelMap map[string]string
	buckets  []float64
	counts   []atomic.Int64
	count    atomic.Int64
	sum      float64
	mutex    sync.Mutex
}

// NewHistogramCollector creates a histogram collector using buckets for
// every series (DefaultDurationBuckets when empty)
func NewHistogramCollector(name string, buckets []float64, logger *zap.Logger) *HistogramCollector {
	if len(buckets) == 0 {
		buckets = DefaultDurationBuckets
	}
	b := append([]float64(nil), buckets...)
	sort.Float64s(b)
	return &HistogramCollector{
		BaseCollector: NewBaseCollector(name, logger),
		histograms:    make(map[string]*histogram),
		buckets:       b,
	}
}

// Observe records a value in the histogram identified by name and labels
func (h *HistogramCollector) Observe(name string, value float64, labels ...string) {
	key := formatKey(name, labels)
	h.mutex.RLock()
	hist, exists := h.histograms[key]
	h.mutex.RUnlock()

	if !exists {
		h.mutex.Lock()
		if hist, exists = h.histograms[key]; !exists {
			hist = &histogram{
				name:     name,
				labelMap: labelPairs(labels),
				buckets:  h.buckets,
				counts:   make([]atomic.Int64, len(h.buckets)+1), // +1 for infinity bucket
			}
			h.histograms[key] = hist
		}
		h.mutex.Unlock()
	}

	hist.mutex.Lock()
	hist.sum += value
	hist.mutex.Unlock()

	hist.count.Add(1)

	i := 0
	for i < len(hist.buckets) && value > hist.buckets[i] {
		i++
	}
	hist.counts[i].Add(1)
}

// Count returns how many values were observed for name and labels
func (h *HistogramCollector) Count(name string, labels ...string) int64 {
	h.mutex.RLock()
	hist, exists := h.histograms[formatKey(name, labels)]
	h.mutex.RUnlock()
	if !exists {
		return 0
	}
	return hist.count.Load()
}

// Collect implements Collector interface
func (h *HistogramCollector) Collect() []Metric {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	now := time.Now()
	var metrics []Metric

	for _, hist := range h.histograms {
		metrics = append(metrics,
			Metric{
				Name:       hist.name + "_sum",
				Value:      hist.getSum(),
				Labels:     hist.labelMap,
				MetricType: Histogram,
				Timestamp:  now,
			},
			Metric{
				Name:       hist.name + "_count",
				Value:      float64(hist.count.Load()),
				Labels:     hist.labelMap,
				MetricType: Histogram,
				Timestamp:  now,
			},
		)

		cumulative := int64(0)
		for i := range hist.counts {
			cumulative += hist.counts[i].Load()

			le := "+Inf"
			if i < len(hist.buckets) {
				le = formatBucketLabel(hist.buckets[i])
			}

			labels := make(map[string]string, len(hist.labelMap)+1)
			for k, v := range hist.labelMap {
				labels[k] = v
			}
			labels["le"] = le

			metrics = append(metrics, Metric{
				Name:       hist.name + "_bucket",
				Value:      float64(cumulative),
				Labels:     labels,
				MetricType: Histogram,
				Timestamp:  now,
			})
		}
	}

	return metrics
}

func (h *histogram) getSum() float64 {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.sum
}

// formatKey combines metric name and labels into a key
func formatKey(metricName string, labels []string) string {
	return metricName + "|" + strings.Join(labels, "|")
}

func labelPairs(labels []string) map[string]string {
	m := make(map[string]string, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		m[labels[i]] = labels[i+1]
	}
	return m
}

// formatBucketLabel formats bucket label
func formatBucketLabel(value float64) string {
	s := fmt.Sprintf("%.6g", value)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}
