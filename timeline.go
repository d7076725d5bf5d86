package perfwatch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MarkOptions are optional arguments of Timeline.Mark
type MarkOptions struct {
	// StartTime overrides the mark timestamp, relative to the time origin
	StartTime *time.Duration
	Detail    any
}

// MeasureOptions are optional arguments of Timeline.Measure
type MeasureOptions struct {
	// End names the mark closing the measure; empty means now
	End string
	// Duration, when positive, is used instead of End
	Duration time.Duration
	Detail   any
}

// Mark is a named timestamp on a timeline
type Mark struct {
	Name      string
	StartTime time.Duration
	Detail    any
}

// Measure is a named interval on a timeline
type Measure struct {
	Name      string
	StartTime time.Duration
	Duration  time.Duration
	Detail    any
}

// Timeline is the host timing API
type Timeline interface {
	Mark(name string, opts *MarkOptions) (Mark, error)
	Measure(name, start string, opts *MeasureOptions) (Measure, error)
}

// Performance is an in-process Timeline backed by the monotonic clock
type Performance struct {
	origin time.Time
	now    func() time.Time

	mu       sync.RWMutex
	marks    map[string][]Mark
	measures map[string][]Measure
}

// NewPerformance creates a timeline whose origin is the current time
func NewPerformance() *Performance {
	return newPerformance(time.Now)
}

func newPerformance(now func() time.Time) *Performance {
	return &Performance{
		origin:   now(),
		now:      now,
		marks:    make(map[string][]Mark),
		measures: make(map[string][]Measure),
	}
}

// Now returns the time elapsed since the origin
func (p *Performance) Now() time.Duration {
	return p.now().Sub(p.origin)
}

// Mark implements Timeline interface
func (p *Performance) Mark(name string, opts *MarkOptions) (Mark, error) {
	if name == "" {
		return Mark{}, ErrMissingEventName
	}
	m := Mark{Name: name, StartTime: p.Now()}
	if opts != nil {
		if opts.StartTime != nil {
			if *opts.StartTime < 0 {
				return Mark{}, fmt.Errorf("mark %q: negative start time %s", name, *opts.StartTime)
			}
			m.StartTime = *opts.StartTime
		}
		m.Detail = opts.Detail
	}

	p.mu.Lock()
	p.marks[name] = append(p.marks[name], m)
	p.mu.Unlock()
	return m, nil
}

// Measure implements Timeline interface. An empty start measures from the origin.
func (p *Performance) Measure(name, start string, opts *MeasureOptions) (Measure, error) {
	if name == "" {
		return Measure{}, ErrMissingEventName
	}
	now := p.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	var begin time.Duration
	if start != "" {
		m, ok := p.latestMark(start)
		if !ok {
			return Measure{}, fmt.Errorf("measure %q start %q: %w", name, start, ErrUnknownMark)
		}
		begin = m.StartTime
	}

	end := now
	var detail any
	if opts != nil {
		detail = opts.Detail
		switch {
		case opts.Duration > 0:
			end = begin + opts.Duration
		case opts.End != "":
			m, ok := p.latestMark(opts.End)
			if !ok {
				return Measure{}, fmt.Errorf("measure %q end %q: %w", name, opts.End, ErrUnknownMark)
			}
			end = m.StartTime
		}
	}

	ms := Measure{Name: name, StartTime: begin, Duration: end - begin, Detail: detail}
	p.measures[name] = append(p.measures[name], ms)
	return ms, nil
}

// Marks returns the marks recorded under name
func (p *Performance) Marks(name string) []Mark {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Mark(nil), p.marks[name]...)
}

// Measures returns the measures recorded under name
func (p *Performance) Measures(name string) []Measure {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Measure(nil), p.measures[name]...)
}

// ClearMarks drops the marks recorded under name, or all marks when name is empty
func (p *Performance) ClearMarks(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if name == "" {
		p.marks = make(map[string][]Mark)
		return
	}
	delete(p.marks, name)
}

// latestMark must be called with p.mu held
func (p *Performance) latestMark(name string) (Mark, bool) {
	marks := p.marks[name]
	if len(marks) == 0 {
		return Mark{}, false
	}
	return marks[len(marks)-1], true
}

// InstrumentedTimeline decorates a Timeline so every successful Mark and
// Measure fires the event of the same name on the dispatcher. Listeners
// receive (result, name, opts) for marks and (result, name, start, opts)
// for measures. The emit is deferred onto the task queue, so the caller
// always gets the original result first.
type InstrumentedTimeline struct {
	d        *Dispatcher
	inner    Timeline
	detached atomic.Bool
}

// Unwrap returns the decorated timeline
func (t *InstrumentedTimeline) Unwrap() Timeline {
	return t.inner
}

// Detached reports whether the dispatcher has released this timeline
func (t *InstrumentedTimeline) Detached() bool {
	return t.detached.Load()
}

// Mark implements Timeline interface
func (t *InstrumentedTimeline) Mark(name string, opts *MarkOptions) (Mark, error) {
	m, err := t.inner.Mark(name, opts)
	if err != nil || t.detached.Load() {
		return m, err
	}
	t.d.deferEmit(name, m, name, opts)
	return m, nil
}

// Measure implements Timeline interface
func (t *InstrumentedTimeline) Measure(name, start string, opts *MeasureOptions) (Measure, error) {
	ms, err := t.inner.Measure(name, start, opts)
	if err != nil || t.detached.Load() {
		return ms, err
	}
	t.d.deferEmit(name, ms, name, start, opts)
	return ms, nil
}

// TryMark is Mark for monitoring code that must never fail the caller:
// errors and panics are logged and reported as ok=false.
func (t *InstrumentedTimeline) TryMark(name string, opts *MarkOptions) (Mark, bool) {
	return SafetyWrap(func() (Mark, error) {
		return t.Mark(name, opts)
	}, t.logFailure("mark", name))
}

// TryMeasure is the Measure counterpart of TryMark
func (t *InstrumentedTimeline) TryMeasure(name, start string, opts *MeasureOptions) (Measure, bool) {
	return SafetyWrap(func() (Measure, error) {
		return t.Measure(name, start, opts)
	}, t.logFailure("measure", name))
}

func (t *InstrumentedTimeline) logFailure(op, name string) func(error) {
	return func(err error) {
		t.d.logger.Warn("timeline call failed",
			zap.String("op", op), zap.String("event", name), zap.Error(err))
	}
}
