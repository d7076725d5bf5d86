package perfwatch

import (
	"fmt"

	"go.uber.org/zap"
)

// Monitor bundles a dispatcher with an instrumented Performance timeline
// and an optional exporter
type Monitor struct {
	Dispatcher  *Dispatcher
	Performance *Performance
	Exporter    *Exporter
}

// Start builds and initializes a Monitor from config
func Start(config Config) (*Monitor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	m := &Monitor{
		Dispatcher:  New(config),
		Performance: NewPerformance(),
	}
	if err := m.Dispatcher.Init(InitOptions{Timeline: m.Performance}); err != nil {
		m.Dispatcher.Close()
		return nil, err
	}

	if config.Exporter.Enabled {
		exp, err := NewExporter(m.Dispatcher, config.Exporter)
		if err != nil {
			m.Dispatcher.Close()
			return nil, fmt.Errorf("create exporter: %w", err)
		}
		if err := exp.Start(); err != nil {
			m.Dispatcher.Close()
			return nil, fmt.Errorf("start exporter: %w", err)
		}
		m.Exporter = exp
	}

	config.Logger.Info("perfwatch monitor started",
		zap.Bool("production", config.Production),
		zap.Strings("plugins", m.Dispatcher.Plugins()),
		zap.Bool("exporter", m.Exporter != nil))
	return m, nil
}

// Timeline returns the instrumented Performance timeline
func (m *Monitor) Timeline() *InstrumentedTimeline {
	return m.Dispatcher.Timeline()
}

// Shutdown stops the exporter and closes the dispatcher
func (m *Monitor) Shutdown() {
	if m.Exporter != nil {
		m.Exporter.Stop()
	}
	m.Dispatcher.Close()
}
