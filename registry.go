package perfwatch

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const (
	// DefaultPassive is the delivery mode used when a listener does not choose one
	DefaultPassive = true
	// DefaultCapacityThreshold is the listener count at which ChubbinessCheck warns
	DefaultCapacityThreshold = 20
)

// Listener receives the arguments of a fired event
type Listener func(args ...any)

// ListenerConfig controls how a listener is delivered
type ListenerConfig struct {
	// Passive listeners run on the task queue after the bust returns,
	// non-passive ones run synchronously inside the bust.
	Passive bool `mapstructure:"passive"`
	// KeepAlive listeners stay registered after delivery
	KeepAlive bool `mapstructure:"keep_alive"`
}

// DefaultListenerConfig returns Passive=DefaultPassive, KeepAlive=false
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		Passive:   DefaultPassive,
		KeepAlive: false,
	}
}

// Entry is a registered listener with its delivery config
type Entry struct {
	Listener Listener
	Config   ListenerConfig
}

type registration struct {
	id    string
	entry Entry
	// set once a bust has taken ownership of a non-keepAlive entry
	claimed bool
}

type registryHooks struct {
	onEmpty   func()
	onDeliver func()
}

// Registry holds the listeners of a single event name in insertion order
type Registry struct {
	ids    *IDAllocator
	queue  *Queue
	logger *zap.Logger
	hooks  registryHooks

	mu        sync.Mutex
	entries   map[string]*registration
	order     []*registration
	silenced  bool
	threshold int
}

// NewRegistry creates an empty registry. queue receives passive deliveries
// and must not be nil.
func NewRegistry(ids *IDAllocator, queue *Queue, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		ids:       ids,
		queue:     queue,
		logger:    logger,
		entries:   make(map[string]*registration),
		threshold: DefaultCapacityThreshold,
	}
}

// Add stores a listener and returns its identifier
func (r *Registry) Add(l Listener, cfg ListenerConfig) string {
	reg := &registration{
		id:    r.ids.Next(),
		entry: Entry{Listener: l, Config: cfg},
	}

	r.mu.Lock()
	r.entries[reg.id] = reg
	r.order = append(r.order, reg)
	r.mu.Unlock()

	return reg.id
}

// Remove deletes the listener with the given id and reports whether it existed
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.entries[id]
	if !ok {
		return false
	}
	r.unlink(reg)
	return true
}

// Get returns the entry registered under id
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return reg.entry, true
}

// Size returns the number of registered listeners
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs returns the registered identifiers in insertion order
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.order))
	for _, reg := range r.order {
		ids = append(ids, reg.id)
	}
	return ids
}

// Bust delivers args to every registered listener and retires the ones
// without KeepAlive. Non-passive listeners run before Bust returns, in
// insertion order. Passive listeners are queued afterwards, one task each;
// the returned Delivery completes when all of them have run.
//
// A listener removed before its turn is skipped. A panic in a non-passive
// listener propagates to the caller once the passive entries are queued.
func (r *Registry) Bust(args ...any) *Delivery {
	d := newDelivery()
	entries := r.snapshot()

	defer func() {
		for _, reg := range entries {
			if !reg.entry.Config.Passive {
				continue
			}
			reg := reg
			d.add()
			r.queue.Defer(func() {
				d.finish(r.deliverRecovered(reg, args))
			})
		}
		d.seal()
	}()

	for _, reg := range entries {
		if !reg.entry.Config.Passive {
			r.deliver(reg, args)
		}
	}
	return d
}

// ChubbinessCheck returns a *CapacityWarning when the registry holds at
// least the threshold number of listeners and warnings are not silenced.
func (r *Registry) ChubbinessCheck(eventName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.silenced || len(r.entries) < r.threshold {
		return nil
	}
	return &CapacityWarning{
		EventName: eventName,
		Size:      len(r.entries),
		Threshold: r.threshold,
	}
}

// Silence disables capacity warnings until Destroy
func (r *Registry) Silence() {
	r.mu.Lock()
	r.silenced = true
	r.mu.Unlock()
}

// SetCapacityThreshold changes the warning threshold; values below 1 restore the default
func (r *Registry) SetCapacityThreshold(n int) {
	if n < 1 {
		n = DefaultCapacityThreshold
	}
	r.mu.Lock()
	r.threshold = n
	r.mu.Unlock()
}

// Destroy removes every listener and re-enables warnings
func (r *Registry) Destroy() {
	r.mu.Lock()
	r.entries = make(map[string]*registration)
	r.order = nil
	r.silenced = false
	r.mu.Unlock()
}

func (r *Registry) snapshot() []*registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*registration(nil), r.order...)
}

// claim reports whether reg may be invoked now
func (r *Registry) claim(reg *registration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.entries[reg.id]; !ok || cur != reg {
		return false
	}
	if reg.entry.Config.KeepAlive {
		return true
	}
	if reg.claimed {
		return false
	}
	reg.claimed = true
	return true
}

func (r *Registry) retire(reg *registration) {
	if reg.entry.Config.KeepAlive {
		return
	}

	r.mu.Lock()
	if cur, ok := r.entries[reg.id]; ok && cur == reg {
		r.unlink(reg)
	}
	empty := len(r.entries) == 0
	r.mu.Unlock()

	if empty && r.hooks.onEmpty != nil {
		r.hooks.onEmpty()
	}
}

func (r *Registry) deliver(reg *registration, args []any) {
	if !r.claim(reg) {
		return
	}
	defer r.retire(reg)

	if r.hooks.onDeliver != nil {
		r.hooks.onDeliver()
	}
	if reg.entry.Listener != nil {
		reg.entry.Listener(args...)
	}
}

func (r *Registry) deliverRecovered(reg *registration, args []any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("perfwatch: passive listener %s panicked: %v", reg.id, p)
			r.logger.Warn("passive listener panicked",
				zap.String("id", reg.id), zap.Any("panic", p))
		}
	}()
	r.deliver(reg, args)
	return nil
}

// unlink must be called with r.mu held
func (r *Registry) unlink(reg *registration) {
	delete(r.entries, reg.id)
	for i, cur := range r.order {
		if cur == reg {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
