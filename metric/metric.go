// Package metric exposes counters of the resource manager, the graph and
// the audio device to prometheus.
package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dudk/phonograph/graph"
	"github.com/dudk/phonograph/resource"
	"github.com/dudk/phonograph/signal"
)

const namespace = "phonograph"

// Metrics collects counters on scrape. Manager and graph are optional.
type Metrics struct {
	registry *prometheus.Registry
	manager  *resource.Manager
	graph    *graph.Graph

	posted   *prometheus.Desc
	consumed *prometheus.Desc
	reposted *prometheus.Desc
	pending  *prometheus.Desc
	resident *prometheus.Desc
	loads    *prometheus.Desc
	failures *prometheus.Desc
	reads    *prometheus.Desc
	frames   *prometheus.Desc
	time     *prometheus.Desc

	callbacks      prometheus.Counter
	callbackFrames prometheus.Counter
	played         prometheus.Counter
	latency        prometheus.Gauge
}

// New creates metrics and registers them in the registry.
func New(registry *prometheus.Registry, m *resource.Manager, g *graph.Graph) (*Metrics, error) {
	desc := func(subsystem, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil)
	}
	mt := Metrics{
		registry: registry,
		manager:  m,
		graph:    g,
		posted:   desc("jobs", "posted_total", "Total number of posted jobs"),
		consumed: desc("jobs", "consumed_total", "Total number of consumed jobs"),
		reposted: desc("jobs", "reposted_total", "Total number of jobs posted again because they were out of order"),
		pending:  desc("jobs", "pending", "Number of jobs in the queue"),
		resident: desc("resource", "resident_buffers", "Number of shared data buffers"),
		loads:    desc("resource", "loads_total", "Total number of loaded data sources"),
		failures: desc("resource", "failures_total", "Total number of failed data source loads"),
		reads:    desc("graph", "reads_total", "Total number of graph reads"),
		frames:   desc("graph", "frames_total", "Total number of frames produced by the graph"),
		time:     desc("graph", "time_frames", "Global time of the graph in frames"),
		callbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "callbacks_total",
			Help:      "Total number of device callbacks",
		}),
		callbackFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "frames_total",
			Help:      "Total number of frames requested by the device",
		}),
		played: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "played_seconds_total",
			Help:      "Total duration of requested frames",
		}),
		latency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "callback_interval_seconds",
			Help:      "Time between the last two device callbacks",
		}),
	}
	if err := registry.Register(&mt); err != nil {
		return nil, err
	}
	return &mt, nil
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.posted
	ch <- m.consumed
	ch <- m.reposted
	ch <- m.pending
	ch <- m.resident
	ch <- m.loads
	ch <- m.failures
	ch <- m.reads
	ch <- m.frames
	ch <- m.time
	m.callbacks.Describe(ch)
	m.callbackFrames.Describe(ch)
	m.played.Describe(ch)
	m.latency.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	if m.manager != nil {
		qs := m.manager.QueueStats()
		ch <- prometheus.MustNewConstMetric(m.posted, prometheus.CounterValue, float64(qs.Posted))
		ch <- prometheus.MustNewConstMetric(m.consumed, prometheus.CounterValue, float64(qs.Consumed))
		ch <- prometheus.MustNewConstMetric(m.reposted, prometheus.CounterValue, float64(qs.Reposted))
		ch <- prometheus.MustNewConstMetric(m.pending, prometheus.GaugeValue, float64(qs.Posted-qs.Consumed))
		ms := m.manager.Stats()
		ch <- prometheus.MustNewConstMetric(m.resident, prometheus.GaugeValue, float64(ms.Resident))
		ch <- prometheus.MustNewConstMetric(m.loads, prometheus.CounterValue, float64(ms.Loads))
		ch <- prometheus.MustNewConstMetric(m.failures, prometheus.CounterValue, float64(ms.Failures))
	}
	if m.graph != nil {
		gs := m.graph.Stats()
		ch <- prometheus.MustNewConstMetric(m.reads, prometheus.CounterValue, float64(gs.Reads))
		ch <- prometheus.MustNewConstMetric(m.frames, prometheus.CounterValue, float64(gs.Frames))
		ch <- prometheus.MustNewConstMetric(m.time, prometheus.GaugeValue, float64(m.graph.Time()))
	}
	m.callbacks.Collect(ch)
	m.callbackFrames.Collect(ch)
	m.played.Collect(ch)
	m.latency.Collect(ch)
}

// MeasureFunc captures metrics of a single device callback.
type MeasureFunc func(frames int)

// Meter returns a closure to be called on every device callback. The
// interval is measured from the previous call.
func (m *Metrics) Meter(sampleRate int) MeasureFunc {
	var (
		calledAt time.Time
		size     int
		duration float64
	)
	return func(frames int) {
		now := time.Now()
		if !calledAt.IsZero() {
			m.latency.Set(now.Sub(calledAt).Seconds())
		}
		calledAt = now
		m.callbacks.Inc()
		m.callbackFrames.Add(float64(frames))
		// recalculate duration only when callback size has changed
		if size != frames {
			size = frames
			duration = signal.DurationOf(sampleRate, uint64(frames)).Seconds()
		}
		m.played.Add(duration)
	}
}

// Handler serves the registry in prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}
