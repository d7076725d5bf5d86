package perfwatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestExporter(t *testing.T, mutate func(*ExporterConfig)) (*Exporter, *Dispatcher, *Queue) {
	t.Helper()
	d, q := newTestDispatcher(t, nil)
	require.NoError(t, d.Init(InitOptions{}))

	cfg := DefaultExporterConfig()
	cfg.Enabled = true
	cfg.InstanceID = "test-instance"
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewExporter(d, cfg)
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e, d, q
}

func TestNewExporter_Errors(t *testing.T) {
	_, err := NewExporter(nil, DefaultExporterConfig())
	require.Error(t, err)

	d, _ := newTestDispatcher(t, nil)
	cfg := DefaultExporterConfig()
	cfg.ServiceName = ""
	_, err = NewExporter(d, cfg)
	require.Error(t, err)
}

func TestNewExporter_GeneratesInstanceID(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	e, err := NewExporter(d, DefaultExporterConfig())
	require.NoError(t, err)
	require.Len(t, e.config.InstanceID, 36)
}

func TestExporter_Record(t *testing.T) {
	e, _, _ := newTestExporter(t, nil)

	e.Record("paint", Measure{Name: "paint", Duration: 12 * time.Millisecond})
	e.Record("paint", Measure{Name: "paint", Duration: 3 * time.Millisecond})
	e.Record("nav", Mark{Name: "nav"})
	e.Record("lcp", "lcp", 2500)
	e.Record("bare")

	require.Equal(t, int64(2), e.measures.Count(measureDurationMetric, "event", "paint"))
	require.Equal(t, int64(1), e.marks.Get(marksMetric, "event", "nav"))
	require.Equal(t, int64(1), e.events.Get(eventsMetric, "event", "lcp"))
	require.Equal(t, int64(1), e.events.Get(eventsMetric, "event", "bare"))

	var sum float64
	for _, m := range e.GetMetrics() {
		if m.Name == measureDurationMetric+"_sum" {
			sum = m.Value
		}
	}
	require.Equal(t, float64(15), sum)
}

func TestExporter_SubscribesToEvents(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	e, d, q := newTestExporter(t, func(c *ExporterConfig) {
		c.Events = []string{"paint", "nav"}
		c.Logger = zap.New(core)
	})

	require.NoError(t, e.Start())
	require.NoError(t, e.Start())
	require.Equal(t, []string{"nav", "paint"}, e.Subscriptions())
	require.Equal(t, 1, logs.FilterMessage("Starting exporter without remote write URL").Len())

	for i := 0; i < 3; i++ {
		d.Emit("paint", Measure{Name: "paint", Duration: time.Millisecond})
	}
	d.Emit("nav", Mark{Name: "nav"})
	q.Drain()

	require.Equal(t, int64(3), e.measures.Count(measureDurationMetric, "event", "paint"))
	require.Equal(t, int64(1), e.marks.Get(marksMetric, "event", "nav"))

	reg, ok := d.Registry("paint")
	require.True(t, ok)
	require.Equal(t, 1, reg.Size())

	e.Stop()
	require.Empty(t, e.Subscriptions())
	require.Equal(t, 0, d.Stats().Registries)
}

func TestExporter_StartFailsBeforeInit(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	cfg := DefaultExporterConfig()
	cfg.Events = []string{"paint"}
	e, err := NewExporter(d, cfg)
	require.NoError(t, err)

	err = e.Start()
	require.ErrorIs(t, err, ErrNotInitialized)
	require.Empty(t, e.Subscriptions())
}

func TestExporter_ConvertToTimeSeries(t *testing.T) {
	e, _, _ := newTestExporter(t, func(c *ExporterConfig) {
		c.Namespace = "web"
		c.Subsystem = "vitals"
		c.ServiceName = "checkout"
		c.CustomLabels = map[string]string{"region": "eu"}
	})

	now := time.Now()
	series := e.convertToTimeSeries([]Metric{{
		Name:      "marks_total",
		Value:     4,
		Labels:    map[string]string{"event": "nav"},
		Timestamp: now,
	}})
	require.Len(t, series, 1)

	labels := make(map[string]string)
	for _, l := range series[0].Labels {
		labels[l.Name] = l.Value
	}
	require.Equal(t, map[string]string{
		"__name__": "web_vitals_marks_total",
		"instance": "test-instance",
		"service":  "checkout",
		"region":   "eu",
		"event":    "nav",
	}, labels)
	require.Equal(t, "__name__", series[0].Labels[0].Name)
	require.Equal(t, float64(4), series[0].Sample.Value)
	require.Equal(t, now, series[0].Sample.Time)
}

func TestExporter_ForceWrite(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			requests.Add(1)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e, _, _ := newTestExporter(t, func(c *ExporterConfig) { c.RemoteWriteURL = srv.URL })
	e.Record("paint", Measure{Duration: time.Millisecond})

	require.NoError(t, e.ForceWrite(context.Background()))
	require.Equal(t, int64(1), requests.Load())
	require.Equal(t, int64(1), e.writes.Get("exporter_writes_total"))
}

func TestExporter_ForceWriteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, _, _ := newTestExporter(t, func(c *ExporterConfig) { c.RemoteWriteURL = srv.URL })
	require.Error(t, e.ForceWrite(context.Background()))
	require.Equal(t, int64(1), e.writes.Get("exporter_write_failures_total"))

	noClient, _, _ := newTestExporter(t, nil)
	require.Error(t, noClient.ForceWrite(context.Background()))
}

func TestExporter_RefreshDNSSkipsIPHosts(t *testing.T) {
	e, _, _ := newTestExporter(t, func(c *ExporterConfig) {
		c.RemoteWriteURL = "http://127.0.0.1:9090/api/v1/write"
	})
	require.False(t, e.RefreshDNS(context.Background(), true))

	noURL, _, _ := newTestExporter(t, nil)
	require.False(t, noURL.RefreshDNS(context.Background(), true))
}

func TestExporter_RegisterCollector(t *testing.T) {
	e, _, _ := newTestExporter(t, nil)
	custom := NewCounterCollector("custom", nil)
	custom.Add("jank_frames", 3)
	e.RegisterCollector(custom)

	found := false
	for _, m := range e.GetMetrics() {
		if m.Name == "jank_frames" {
			found = true
			require.Equal(t, float64(3), m.Value)
		}
	}
	require.True(t, found)
}

func TestAnswerA(t *testing.T) {
	_, err := answerA(nil)
	require.Error(t, err)

	m := questionA("prom.example.com")
	require.Equal(t, "prom.example.com.", m.Question[0].Name)
	ips, err := answerA(m)
	require.NoError(t, err)
	require.Empty(t, ips)
}
