package perfwatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/eryajf/promwrite"
	"github.com/google/uuid"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const (
	measureDurationMetric = "measure_duration_ms"
	marksMetric           = "marks_total"
	eventsMetric          = "events_total"
)

// Exporter subscribes to dispatcher events, aggregates them into metrics
// and ships them to a Prometheus remote write endpoint
type Exporter struct {
	config ExporterConfig
	d      *Dispatcher
	logger *zap.Logger

	marks    *LabeledCounterCollector
	events   *LabeledCounterCollector
	measures *HistogramCollector
	writes   *CounterCollector

	mutex         sync.RWMutex
	collectors    []Collector
	client        *promwrite.Client
	subscriptions map[string]string
	started       bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	// DNS functionality
	dnsMu       sync.Mutex
	targetHost  string
	resolvedIPs []string
	lastResolve time.Time
	dnsCfg      dnsConfig
	dnsCache    map[string]dnsCacheEntry
}

type dnsConfig struct {
	enabled         bool
	cacheTTL        time.Duration
	refreshInterval time.Duration
	timeout         time.Duration
	udpServers      []string
	tlsServers      []string
	dohEndpoints    []string
}

type dnsCacheEntry struct {
	ips []string
	ttl time.Time
}

// NewExporter creates an exporter for d. Call Start to subscribe and begin writing.
func NewExporter(d *Dispatcher, config ExporterConfig) (*Exporter, error) {
	if d == nil {
		return nil, errors.New("dispatcher cannot be nil")
	}
	if config.ServiceName == "" {
		return nil, errors.New("service name cannot be empty")
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	logger := config.Logger
	if logger == nil {
		logger = d.logger
	}
	logger = logger.With(zap.String("service", config.ServiceName))

	var host string
	if config.RemoteWriteURL != "" {
		u, err := url.Parse(config.RemoteWriteURL)
		if err != nil {
			return nil, fmt.Errorf("parse remote write url: %w", err)
		}
		host = u.Hostname()
	}

	e := &Exporter{
		config:        config,
		d:             d,
		logger:        logger,
		marks:         NewLabeledCounterCollector("marks", logger),
		events:        NewLabeledCounterCollector("events", logger),
		measures:      NewHistogramCollector("measures", nil, logger),
		writes:        NewCounterCollector("exporter", logger),
		subscriptions: make(map[string]string),
		targetHost:    host,
		dnsCfg: dnsConfig{
			enabled:         config.DNSEnable,
			cacheTTL:        pickDuration(config.DNSCacheTTL, 10*time.Minute),
			refreshInterval: pickDuration(config.DNSRefreshInterval, 5*time.Minute),
			timeout:         pickDuration(config.DNSTimeout, 800*time.Millisecond),
			udpServers:      append([]string(nil), config.DNSUDPServers...),
			tlsServers:      append([]string(nil), config.DNSTLSServers...),
			dohEndpoints:    append([]string(nil), config.DNSDoHEndpoints...),
		},
		dnsCache: make(map[string]dnsCacheEntry),
	}
	for _, c := range []*LabeledCounterCollector{e.marks, e.events} {
		c.SetTTL(config.SeriesTTL)
		c.SetMaxSeries(config.MaxSeries)
	}
	e.collectors = []Collector{e.marks, e.events, e.measures, e.writes, NewDispatcherCollector(d, logger)}

	if config.RemoteWriteURL != "" {
		e.client = promwrite.NewClient(config.RemoteWriteURL)
	}
	return e, nil
}

func pickDuration(v time.Duration, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// RegisterCollector adds a custom collector to every write
func (e *Exporter) RegisterCollector(collector Collector) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.collectors = append(e.collectors, collector)

	e.logger.Debug("Registered metrics collector",
		zap.String("collector", collector.Name()))
}

// Start subscribes keep-alive passive listeners to the configured events and
// starts the remote write and DNS refresh loops
func (e *Exporter) Start() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.started {
		return nil
	}

	for _, name := range e.config.Events {
		if _, ok := e.subscriptions[name]; ok {
			continue
		}
		id, err := e.d.AddEventListener(name, e.listener(name), WithPassive(true), WithKeepAlive(true))
		if err != nil {
			e.unsubscribeLocked()
			return fmt.Errorf("subscribe to %q: %w", name, err)
		}
		e.subscriptions[name] = id
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.started = true

	if e.client == nil {
		e.logger.Warn("Starting exporter without remote write URL")
		return nil
	}

	// Periodic write loop
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(pickDuration(e.config.RemoteWriteInterval, 15*time.Second))
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := e.writeMetrics(ctx); err != nil {
					e.logger.Error("Failed to write metrics", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// DNS refresh loop
	if e.dnsCfg.enabled && e.targetHost != "" && net.ParseIP(e.targetHost) == nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ticker := time.NewTicker(e.dnsCfg.refreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					e.refreshDNS(ctx, false)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	return nil
}

// Stop removes the exporter's listeners and stops its loops
func (e *Exporter) Stop() {
	e.mutex.Lock()
	if !e.started {
		e.mutex.Unlock()
		return
	}
	e.started = false
	e.unsubscribeLocked()
	cancel := e.cancel
	e.mutex.Unlock()

	cancel()
	e.wg.Wait()
}

func (e *Exporter) unsubscribeLocked() {
	for name, id := range e.subscriptions {
		e.d.RemoveEventListener(name, id)
		delete(e.subscriptions, name)
	}
}

// Subscriptions returns the subscribed event names, sorted
func (e *Exporter) Subscriptions() []string {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	names := make([]string, 0, len(e.subscriptions))
	for name := range e.subscriptions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Exporter) listener(event string) Listener {
	return func(args ...any) {
		e.Record(event, args...)
	}
}

// Record aggregates one delivery of event. Measures feed the duration
// histogram, marks the mark counter, anything else the event counter.
func (e *Exporter) Record(event string, args ...any) {
	if len(args) > 0 {
		switch v := args[0].(type) {
		case Measure:
			e.measures.Observe(measureDurationMetric, durationMillis(v.Duration), "event", event)
			return
		case Mark:
			e.marks.Inc(marksMetric, "event", event)
			return
		}
	}
	e.events.Inc(eventsMetric, "event", event)
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// GetMetrics returns the current output of every collector
func (e *Exporter) GetMetrics() []Metric {
	e.mutex.RLock()
	collectors := append([]Collector(nil), e.collectors...)
	e.mutex.RUnlock()

	var metrics []Metric
	for _, collector := range collectors {
		metrics = append(metrics, collector.Collect()...)
	}
	return metrics
}

// ForceWrite immediately writes all current metrics to the remote endpoint
func (e *Exporter) ForceWrite(ctx context.Context) error {
	return e.writeMetrics(ctx)
}

// writeMetrics sends collected metrics to the remote write endpoint
func (e *Exporter) writeMetrics(ctx context.Context) error {
	client := e.currentClient()
	if client == nil {
		return errors.New("no remote write client configured")
	}

	metrics := e.GetMetrics()
	if len(metrics) == 0 {
		return nil
	}

	req := &promwrite.WriteRequest{
		TimeSeries: e.convertToTimeSeries(metrics),
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	_, err := client.Write(ctx, req)
	if err == nil {
		e.writes.Inc("exporter_writes_total")
		return nil
	}

	// On DNS-related failures, try a forced DNS refresh once
	if e.refreshDNS(ctx, true) {
		_, err = e.currentClient().Write(ctx, req)
		if err == nil {
			e.writes.Inc("exporter_writes_total")
			return nil
		}
		e.writes.Inc("exporter_write_failures_total")
		return fmt.Errorf("writing time series failed after dns refresh: %w", err)
	}
	e.writes.Inc("exporter_write_failures_total")
	return fmt.Errorf("writing time series failed: %w", err)
}

func (e *Exporter) currentClient() *promwrite.Client {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.client
}

func (e *Exporter) resetClient() {
	if e.config.RemoteWriteURL == "" {
		return
	}
	e.mutex.Lock()
	e.client = promwrite.NewClient(e.config.RemoteWriteURL)
	e.mutex.Unlock()
}

// convertToTimeSeries converts metrics to promwrite time series
func (e *Exporter) convertToTimeSeries(metrics []Metric) []promwrite.TimeSeries {
	result := make([]promwrite.TimeSeries, 0, len(metrics))
	prefix := e.config.Namespace + "_" + e.config.Subsystem

	for _, metric := range metrics {
		labels := make([]promwrite.Label, 0, 3+len(e.config.CustomLabels)+len(metric.Labels))
		labels = append(labels,
			promwrite.Label{Name: "__name__", Value: prefix + "_" + metric.Name},
			promwrite.Label{Name: "instance", Value: e.config.InstanceID},
			promwrite.Label{Name: "service", Value: e.config.ServiceName},
		)
		for k, v := range e.config.CustomLabels {
			labels = append(labels, promwrite.Label{Name: k, Value: v})
		}
		for k, v := range metric.Labels {
			labels = append(labels, promwrite.Label{Name: k, Value: v})
		}

		result = append(result, promwrite.TimeSeries{
			Labels: labels,
			Sample: promwrite.Sample{
				Time:  metric.Timestamp,
				Value: metric.Value,
			},
		})
	}
	return result
}

// RefreshDNS resolves the remote write host and recreates the client when
// the address set changed or force is set
func (e *Exporter) RefreshDNS(ctx context.Context, force bool) bool {
	return e.refreshDNS(ctx, force)
}

func (e *Exporter) refreshDNS(ctx context.Context, force bool) bool {
	if e.targetHost == "" || net.ParseIP(e.targetHost) != nil {
		return false
	}

	e.dnsMu.Lock()
	defer e.dnsMu.Unlock()

	// Throttle resolves
	if !force && time.Since(e.lastResolve) < time.Minute {
		return false
	}

	if ce, ok := e.dnsCache[e.targetHost]; ok && !force && time.Now().Before(ce.ttl) {
		e.lastResolve = time.Now()
		if stringSlicesEqual(ce.ips, e.resolvedIPs) {
			return false
		}
		e.resolvedIPs = ce.ips
		e.resetClient()
		e.logger.Info("DNS cache hit, refreshed client",
			zap.String("host", e.targetHost), zap.Strings("ips", ce.ips))
		return true
	}

	var (
		ips []string
		err error
	)
	if e.dnsCfg.enabled {
		ips, err = e.resolveFastest(ctx, e.targetHost)
	} else {
		ips, err = systemLookup(ctx, e.targetHost)
	}
	e.lastResolve = time.Now()

	if err != nil || len(ips) == 0 {
		e.logger.Warn("DNS lookup failed", zap.String("host", e.targetHost), zap.Error(err))
		return false
	}

	changed := !stringSlicesEqual(ips, e.resolvedIPs)
	e.resolvedIPs = ips
	if e.dnsCfg.enabled {
		e.dnsCache[e.targetHost] = dnsCacheEntry{ips: ips, ttl: time.Now().Add(e.dnsCfg.cacheTTL)}
	}

	if !changed && !force {
		return false
	}
	// Recreate client to force new connections
	e.resetClient()
	e.logger.Info("Refreshed remote write client after DNS update",
		zap.String("host", e.targetHost), zap.Strings("ips", ips))
	return true
}

type resolverFunc func(ctx context.Context, host string) ([]string, error)

// resolveFastest queries all configured resolvers concurrently and returns the first success
func (e *Exporter) resolveFastest(ctx context.Context, host string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.dnsCfg.timeout)
	defer cancel()

	resolvers := []resolverFunc{systemLookup}
	for _, srv := range e.dnsCfg.udpServers {
		resolvers = append(resolvers, exchangeResolver("udp", srv))
	}
	for _, srv := range e.dnsCfg.tlsServers {
		resolvers = append(resolvers, exchangeResolver("tcp-tls", srv))
	}
	for _, ep := range e.dnsCfg.dohEndpoints {
		resolvers = append(resolvers, dohResolver(ep))
	}

	type result struct {
		ips []string
		err error
	}
	ch := make(chan result, len(resolvers))
	for _, resolve := range resolvers {
		resolve := resolve
		go func() {
			ips, err := resolve(ctx, host)
			ch <- result{ips, err}
		}()
	}

	var firstErr error
	for range resolvers {
		select {
		case r := <-ch:
			if r.err == nil && len(r.ips) > 0 {
				return r.ips, nil
			}
			if firstErr == nil {
				firstErr = r.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if firstErr == nil {
		firstErr = errors.New("no dns result")
	}
	return nil, firstErr
}

func systemLookup(ctx context.Context, host string) ([]string, error) {
	netIPs, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	ips := make([]string, 0, len(netIPs))
	for _, ip := range netIPs {
		ips = append(ips, ip.String())
	}
	return ips, nil
}

// exchangeResolver queries server over plain UDP or DNS-over-TLS ("tcp-tls")
func exchangeResolver(network, server string) resolverFunc {
	return func(ctx context.Context, host string) ([]string, error) {
		c := &dns.Client{Net: network, Timeout: 800 * time.Millisecond}
		r, _, err := c.ExchangeContext(ctx, questionA(host), server)
		if err != nil {
			return nil, fmt.Errorf("%s dns %s: %w", network, server, err)
		}
		return answerA(r)
	}
}

// dohResolver queries a DNS-over-HTTPS endpoint with the wire format
func dohResolver(endpoint string) resolverFunc {
	return func(ctx context.Context, host string) ([]string, error) {
		payload, err := questionA(host).Pack()
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/dns-message")
		req.Header.Set("Accept", "application/dns-message")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("doh status: %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		var r dns.Msg
		if err := r.Unpack(body); err != nil {
			return nil, err
		}
		return answerA(&r)
	}
}

func questionA(host string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	return m
}

func answerA(r *dns.Msg) ([]string, error) {
	if r == nil {
		return nil, errors.New("empty dns response")
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns rcode: %s", dns.RcodeToString[r.Rcode])
	}
	ips := make([]string, 0, len(r.Answer))
	for _, ans := range r.Answer {
		if a, ok := ans.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips, nil
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
