// Package metrics exposes module state to Prometheus. Values are read from
// the host snapshot on scrape; nothing is instrumented on the dispatch path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"fwcore/internal/host"
)

const namespace = "fwcore"

// Source provides the module snapshot.
type Source interface {
	Snapshot() []host.ModuleInfo
}

// DroppedCounter reports events lost by the event bus.
type DroppedCounter interface {
	Dropped() uint64
}

type Collector struct {
	src Source
	bus DroppedCounter

	available  *prometheus.Desc
	suspended  *prometheus.Desc
	dispatches *prometheus.Desc
	delay      *prometheus.Desc
	lastRun    *prometheus.Desc
	taskWakes  *prometheus.Desc
	taskTOs    *prometheus.Desc
	busDropped *prometheus.Desc
}

func NewCollector(src Source, bus DroppedCounter) *Collector {
	labels := []string{"module", "mode"}
	return &Collector{
		src: src,
		bus: bus,
		available: prometheus.NewDesc(namespace+"_module_available",
			"Whether the module declared itself usable (1) or not (0).", labels, nil),
		suspended: prometheus.NewDesc(namespace+"_module_suspended",
			"Whether the module is suspended.", labels, nil),
		dispatches: prometheus.NewDesc(namespace+"_module_dispatches_total",
			"Worker calls since start.", labels, nil),
		delay: prometheus.NewDesc(namespace+"_module_delay_seconds",
			"Delay returned by the last worker call.", labels, nil),
		lastRun: prometheus.NewDesc(namespace+"_module_last_run_seconds",
			"Duration of the last worker call.", labels, nil),
		taskWakes: prometheus.NewDesc(namespace+"_task_notifications_total",
			"Waits of a module task ended by a notification.", []string{"module", "task"}, nil),
		taskTOs: prometheus.NewDesc(namespace+"_task_timeouts_total",
			"Waits of a module task ended by the timeout.", []string{"module", "task"}, nil),
		busDropped: prometheus.NewDesc(namespace+"_eventbus_dropped_total",
			"Module events not delivered to a slow subscriber.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.available
	ch <- c.suspended
	ch <- c.dispatches
	ch <- c.delay
	ch <- c.lastRun
	ch <- c.taskWakes
	ch <- c.taskTOs
	ch <- c.busDropped
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.src.Snapshot() {
		mode := string(m.Mode)
		ch <- prometheus.MustNewConstMetric(c.available, prometheus.GaugeValue, b2f(m.Available), m.Name, mode)
		ch <- prometheus.MustNewConstMetric(c.suspended, prometheus.GaugeValue, b2f(m.Suspended), m.Name, mode)
		ch <- prometheus.MustNewConstMetric(c.dispatches, prometheus.CounterValue, float64(m.Dispatches), m.Name, mode)
		ch <- prometheus.MustNewConstMetric(c.delay, prometheus.GaugeValue, m.DelayTime.Seconds(), m.Name, mode)
		ch <- prometheus.MustNewConstMetric(c.lastRun, prometheus.GaugeValue, m.LastRun.Seconds(), m.Name, mode)
		if m.Task != nil {
			ch <- prometheus.MustNewConstMetric(c.taskWakes, prometheus.CounterValue, float64(m.Task.Wakes), m.Name, m.Task.Name)
			ch <- prometheus.MustNewConstMetric(c.taskTOs, prometheus.CounterValue, float64(m.Task.Timeouts), m.Name, m.Task.Name)
		}
	}
	if c.bus != nil {
		ch <- prometheus.MustNewConstMetric(c.busDropped, prometheus.CounterValue, float64(c.bus.Dropped()))
	}
}

func b2f(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

// NewRegistry returns a registry with the module collector and the Go and
// process collectors.
func NewRegistry(src Source, bus DroppedCounter) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(src, bus),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
