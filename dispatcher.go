package perfwatch

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// PluginFunc is the entry point handed to third-party instrumentation.
// Listeners of eventName receive (eventName, args...).
type PluginFunc func(eventName string, args ...any)

// PluginOptions declares how a plugin dispatches
type PluginOptions struct {
	// ProcessAfterCallStack defers the dispatch onto the task queue
	ProcessAfterCallStack bool `mapstructure:"process_after_call_stack"`
}

// InitOptions are passed to Dispatcher.Init
type InitOptions struct {
	// Timeline, when set, is instrumented and exposed through Dispatcher.Timeline
	Timeline Timeline
	// Plugins are registered in addition to Config.Plugins
	Plugins map[string]PluginOptions
	// OnReady is called once the dispatcher is enabled
	OnReady func(*Dispatcher)
}

// ListenerOption overrides a field of the default listener config
type ListenerOption func(*ListenerConfig)

// WithPassive sets the delivery mode
func WithPassive(passive bool) ListenerOption {
	return func(c *ListenerConfig) { c.Passive = passive }
}

// WithKeepAlive keeps the listener registered after delivery
func WithKeepAlive(keepAlive bool) ListenerOption {
	return func(c *ListenerConfig) { c.KeepAlive = keepAlive }
}

// Stats is a point-in-time view of a dispatcher
type Stats struct {
	Registries int
	Listeners  int
	PerEvent   map[string]int
	Emitted    uint64
	Delivered  uint64
	QueueDepth int
}

// Dispatcher owns the event table and exposes the listener API
type Dispatcher struct {
	cfg       Config
	logger    *zap.Logger
	ids       *IDAllocator
	queue     *Queue
	ownsQueue bool

	mu        sync.Mutex
	enabled   bool
	events    map[string]*Registry
	plugins   map[string]PluginFunc
	timelines []*InstrumentedTimeline
	timeline  *InstrumentedTimeline

	emitted   atomic.Uint64
	delivered atomic.Uint64
}

// New creates a dispatcher that is not yet initialized. When cfg.Queue is
// nil the dispatcher runs its own queue worker, stopped by Close; passive
// listeners then run on that worker goroutine and must synchronize any
// state they share with the caller.
func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.CapacityThreshold < 1 {
		cfg.CapacityThreshold = DefaultCapacityThreshold
	}

	d := &Dispatcher{
		cfg:     cfg,
		logger:  cfg.Logger,
		ids:     NewIDAllocator(),
		queue:   cfg.Queue,
		events:  make(map[string]*Registry),
		plugins: make(map[string]PluginFunc),
	}
	if d.queue == nil {
		d.queue = NewQueue(cfg.Logger)
		d.queue.Start()
		d.ownsQueue = true
	}
	return d
}

// Init enables the dispatcher, instruments opts.Timeline, registers plugins
// and calls opts.OnReady.
func (d *Dispatcher) Init(opts InitOptions) error {
	d.mu.Lock()
	if d.enabled {
		d.mu.Unlock()
		return ErrAlreadyInitialized
	}
	d.enabled = true

	for name, po := range d.cfg.Plugins {
		d.plugins[name] = d.newPlugin(po)
	}
	for name, po := range opts.Plugins {
		d.plugins[name] = d.newPlugin(po)
	}
	if opts.Timeline != nil {
		d.timeline = d.instrumentLocked(opts.Timeline)
	}
	plugins := len(d.plugins)
	d.mu.Unlock()

	d.logger.Debug("dispatcher initialized",
		zap.Bool("production", d.cfg.Production),
		zap.Int("plugins", plugins),
		zap.Bool("timeline", opts.Timeline != nil))

	if opts.OnReady != nil {
		opts.OnReady(d)
	}
	return nil
}

// Enabled reports whether Init has been called since the last Destroy
func (d *Dispatcher) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// Production reports whether validation and capacity warnings are skipped
func (d *Dispatcher) Production() bool {
	return d.cfg.Production
}

// Queue returns the task queue used for deferred work
func (d *Dispatcher) Queue() *Queue {
	return d.queue
}

// Instrument wraps t so its marks and measures fire events on d.
// The wrapper turns into a plain pass-through after Destroy.
func (d *Dispatcher) Instrument(t Timeline) *InstrumentedTimeline {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.instrumentLocked(t)
}

func (d *Dispatcher) instrumentLocked(t Timeline) *InstrumentedTimeline {
	it := &InstrumentedTimeline{d: d, inner: t}
	d.timelines = append(d.timelines, it)
	return it
}

// Timeline returns the timeline instrumented by Init, or nil
func (d *Dispatcher) Timeline() *InstrumentedTimeline {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timeline
}

// Plugin returns the entry point registered under name
func (d *Dispatcher) Plugin(name string) (PluginFunc, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn, ok := d.plugins[name]
	return fn, ok
}

// Plugins returns the registered plugin names, sorted
func (d *Dispatcher) Plugins() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.plugins))
	for name := range d.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) newPlugin(po PluginOptions) PluginFunc {
	if po.ProcessAfterCallStack {
		return func(eventName string, args ...any) {
			d.deferEmit(eventName, append([]any{eventName}, args...)...)
		}
	}
	return func(eventName string, args ...any) {
		d.Emit(eventName, append([]any{eventName}, args...)...)
	}
}

// Emit fires eventName with args. Non-passive listeners have run when Emit
// returns; the Delivery tracks the passive ones.
func (d *Dispatcher) Emit(eventName string, args ...any) *Delivery {
	d.emitted.Add(1)

	d.mu.Lock()
	reg, ok := d.events[eventName]
	d.mu.Unlock()

	if !ok {
		return completedDelivery()
	}
	return reg.Bust(args...)
}

func (d *Dispatcher) deferEmit(eventName string, args ...any) {
	d.queue.Defer(func() {
		d.Emit(eventName, args...)
	})
}

// AddEventListener registers l for eventName and returns its identifier.
// Outside production mode the input is validated first and a capacity
// warning is logged once per event when it collects too many listeners.
func (d *Dispatcher) AddEventListener(eventName string, l Listener, opts ...ListenerOption) (string, error) {
	cfg := ListenerConfig{Passive: !d.cfg.SyncByDefault}
	for _, opt := range opts {
		opt(&cfg)
	}

	d.mu.Lock()
	if !d.cfg.Production {
		if err := d.validateLocked(eventName, l); err != nil {
			d.mu.Unlock()
			return "", err
		}
	}

	var warning *CapacityWarning
	reg, ok := d.events[eventName]
	if !ok {
		reg = d.newRegistryLocked(eventName)
		d.events[eventName] = reg
	} else if !d.cfg.Production {
		if err := reg.ChubbinessCheck(eventName); err != nil && errors.As(err, &warning) {
			reg.Silence()
		}
	}
	id := reg.Add(l, cfg)
	d.mu.Unlock()

	if warning != nil {
		d.logger.Warn("too many listeners for event",
			zap.String("event", eventName),
			zap.Int("listeners", warning.Size),
			zap.Int("threshold", warning.Threshold))
		if d.cfg.OnCapacityWarning != nil {
			d.cfg.OnCapacityWarning(warning)
		}
	}
	return id, nil
}

func (d *Dispatcher) validateLocked(eventName string, l Listener) error {
	if !d.enabled {
		return ErrNotInitialized
	}
	if eventName == "" {
		return ErrMissingEventName
	}
	if l == nil {
		return ErrInvalidCallback
	}
	return nil
}

func (d *Dispatcher) newRegistryLocked(eventName string) *Registry {
	reg := NewRegistry(d.ids, d.queue, d.logger.With(zap.String("event", eventName)))
	reg.SetCapacityThreshold(d.cfg.CapacityThreshold)
	reg.hooks = registryHooks{
		onEmpty:   func() { d.prune(eventName, reg) },
		onDeliver: func() { d.delivered.Add(1) },
	}
	d.logger.Debug("registry created", zap.String("event", eventName))
	return reg
}

// prune drops reg from the event table if it is still the current, empty registry
func (d *Dispatcher) prune(eventName string, reg *Registry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.events[eventName]; ok && cur == reg && reg.Size() == 0 {
		delete(d.events, eventName)
		d.logger.Debug("registry pruned", zap.String("event", eventName))
	}
}

// RemoveEventListener removes listener id from eventName. It returns true
// when the event had a registry, whether or not id was in it, and false
// when nothing is registered for eventName.
func (d *Dispatcher) RemoveEventListener(eventName, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	reg, ok := d.events[eventName]
	if !ok {
		return false
	}
	reg.Remove(id)
	if reg.Size() == 0 {
		delete(d.events, eventName)
		d.logger.Debug("registry pruned", zap.String("event", eventName))
	}
	return true
}

// Registry returns the live registry of eventName
func (d *Dispatcher) Registry(eventName string) (*Registry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.events[eventName]
	return reg, ok
}

// Stats returns counters and per-event listener counts
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	regs := make(map[string]*Registry, len(d.events))
	for name, reg := range d.events {
		regs[name] = reg
	}
	d.mu.Unlock()

	s := Stats{
		Registries: len(regs),
		PerEvent:   make(map[string]int, len(regs)),
		Emitted:    d.emitted.Load(),
		Delivered:  d.delivered.Load(),
		QueueDepth: d.queue.Len(),
	}
	for name, reg := range regs {
		n := reg.Size()
		s.PerEvent[name] = n
		s.Listeners += n
	}
	return s
}

// Destroy detaches instrumented timelines and resets the dispatcher to its
// state before Init. Pending passive deliveries become no-ops.
func (d *Dispatcher) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, t := range d.timelines {
		t.detached.Store(true)
	}
	d.timelines = nil
	d.timeline = nil

	for _, reg := range d.events {
		reg.Destroy()
	}
	d.events = make(map[string]*Registry)
	d.plugins = make(map[string]PluginFunc)
	d.enabled = false
	d.ids.Reset()
	d.emitted.Store(0)
	d.delivered.Store(0)
}

// Close destroys the dispatcher and stops the queue it owns
func (d *Dispatcher) Close() {
	d.Destroy()
	if d.ownsQueue {
		d.queue.Stop()
	}
}
