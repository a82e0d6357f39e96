// Package metrics exposes Prometheus metrics for the control plane.
//
// The collector owns a private registry so tests and embedding programs
// never collide with the default global one. Live gauges (connected
// devices, in-flight deliveries, jobs by state) are sampled at scrape
// time from small stat interfaces; counters and the completion-latency
// histogram are fed from the event bus.
//
// Metric naming follows Prometheus conventions:
//   - edgewan_ prefix for all metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/edgewan/edgewan/internal/controlplane/events"
)

// ConnectionStats reports live device-connection state.
type ConnectionStats interface {
	ConnectedCount() int
	InFlight() int
}

// JobCounter reports persisted job counts grouped by state.
type JobCounter interface {
	CountByState() (map[string]int, error)
}

// Collector gathers fleet metrics into a private Prometheus registry.
type Collector struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	jobsQueued     prometheus.Counter
	jobsCompleted  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsRemoved    prometheus.Counter
	deviceConnects prometheus.Counter
	deviceOffline  prometheus.Counter
	jobDuration    prometheus.Histogram

	mu       sync.Mutex
	queuedAt map[string]time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewCollector builds a collector over the given stat sources. Either
// source may be nil, in which case its gauges are not registered.
func NewCollector(conns ConnectionStats, jobs JobCounter, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		logger:   logger,
		jobsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgewan_jobs_queued_total",
			Help: "Total jobs accepted into device queues.",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgewan_jobs_completed_total",
			Help: "Total jobs acknowledged as completed by devices.",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgewan_jobs_failed_total",
			Help: "Total jobs that ended in failure.",
		}),
		jobsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgewan_jobs_removed_total",
			Help: "Total jobs removed before dispatch.",
		}),
		deviceConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgewan_device_connects_total",
			Help: "Total device connection establishments.",
		}),
		deviceOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgewan_device_offline_total",
			Help: "Total devices marked offline after missed heartbeats.",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edgewan_job_duration_seconds",
			Help:    "Time from job enqueue to terminal state.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		queuedAt: make(map[string]time.Time),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	c.registry.MustRegister(
		c.jobsQueued,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsRemoved,
		c.deviceConnects,
		c.deviceOffline,
		c.jobDuration,
	)

	if conns != nil {
		c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "edgewan_connected_devices",
			Help: "Devices currently holding a live tunnel connection.",
		}, func() float64 { return float64(conns.ConnectedCount()) }))
		c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "edgewan_inflight_deliveries",
			Help: "Job deliveries awaiting a device response.",
		}, func() float64 { return float64(conns.InFlight()) }))
	}
	if jobs != nil {
		c.registry.MustRegister(&jobStateCollector{jobs: jobs, logger: logger})
	}

	return c
}

// Registry exposes the private registry for additional registrations.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the scrape endpoint handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Watch consumes bus events until Stop is called. It must be called at
// most once.
func (c *Collector) Watch(bus *events.Bus) {
	ch := bus.Subscribe("metrics")
	go func() {
		defer close(c.done)
		defer bus.Unsubscribe("metrics")
		for {
			select {
			case <-c.stop:
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				c.observe(evt)
			}
		}
	}()
}

// Stop terminates the Watch goroutine.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
}

func (c *Collector) observe(evt events.Event) {
	switch evt.Type {
	case events.DeviceConnected:
		c.deviceConnects.Inc()
	case events.DeviceOffline:
		c.deviceOffline.Inc()
	case events.JobQueued:
		c.jobsQueued.Inc()
		c.markQueued(evt)
	case events.JobCompleted:
		c.jobsCompleted.Inc()
		c.observeDuration(evt)
	case events.JobFailed:
		c.jobsFailed.Inc()
		c.observeDuration(evt)
	case events.JobRemoved:
		c.jobsRemoved.Inc()
		c.forgetQueued(evt.JobID)
	}
}

func (c *Collector) markQueued(evt events.Event) {
	if evt.JobID == "" {
		return
	}
	c.mu.Lock()
	c.queuedAt[evt.JobID] = evt.Timestamp
	c.mu.Unlock()
}

func (c *Collector) observeDuration(evt events.Event) {
	if evt.JobID == "" {
		return
	}
	c.mu.Lock()
	start, ok := c.queuedAt[evt.JobID]
	delete(c.queuedAt, evt.JobID)
	c.mu.Unlock()
	if !ok {
		// Job predates this process; no enqueue time to measure from.
		return
	}
	c.jobDuration.Observe(evt.Timestamp.Sub(start).Seconds())
}

func (c *Collector) forgetQueued(jobID string) {
	if jobID == "" {
		return
	}
	c.mu.Lock()
	delete(c.queuedAt, jobID)
	c.mu.Unlock()
}

var jobStateDesc = prometheus.NewDesc(
	"edgewan_jobs",
	"Jobs in the store grouped by state.",
	[]string{"state"},
	nil,
)

// jobStateCollector samples job counts from the store at scrape time.
type jobStateCollector struct {
	jobs   JobCounter
	logger *zap.Logger
}

func (j *jobStateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobStateDesc
}

func (j *jobStateCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := j.jobs.CountByState()
	if err != nil {
		j.logger.Warn("job state scrape failed", zap.Error(err))
		return
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(jobStateDesc, prometheus.GaugeValue, float64(n), state)
	}
}
