// Package perfwatch lets application code react to performance events:
// marks and measures on a timing API, or metrics reported by third-party
// instrumentation through plugins.
//
// Design goals:
//   - Listeners indexed per event name with stable string identifiers
//   - At-most-once delivery by default, keep-alive listeners on request
//   - Synchronous or deferred (passive) delivery on a cooperative task queue
//   - A warning when a single event collects too many listeners
//
// Basic usage:
//
//	d := perfwatch.New(perfwatch.DefaultConfig())
//	defer d.Close()
//
//	perf := perfwatch.NewPerformance()
//	if err := d.Init(perfwatch.InitOptions{Timeline: perf}); err != nil {
//	  log.Fatal(err)
//	}
//
//	id, err := d.AddEventListener("first-paint", func(args ...any) {
//	  m := args[0].(perfwatch.Measure)
//	  log.Printf("first paint after %s", m.Duration)
//	})
//
//	// install the instrumented timeline instead of perf
//	timeline := d.Timeline()
//	timeline.Mark("navigation-start", nil)
//	timeline.Measure("first-paint", "navigation-start", nil)
//
//	d.RemoveEventListener("first-paint", id)
//
// Metrics export:
//
//	cfg, err := perfwatch.LoadConfig("perfwatch.yaml")
//	m, err := perfwatch.Start(cfg)
//	defer m.Shutdown()
package perfwatch
