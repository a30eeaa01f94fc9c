package delta

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports engine, pool and queue counters to Prometheus
type Collector struct {
	e *Engine

	freeCommands  *prometheus.Desc
	inUseCommands *prometheus.Desc
	freePages     *prometheus.Desc
	inUsePages    *prometheus.Desc
	exhausted     *prometheus.Desc
	retries       *prometheus.Desc
	requests      *prometheus.Desc
	queueInFlight *prometheus.Desc
	queueEvents   *prometheus.Desc
	chains        *prometheus.Desc
	versions      *prometheus.Desc
	writeAmp      *prometheus.Desc
}

// NewCollector creates a collector for e. Register it with a prometheus.Registerer.
func NewCollector(e *Engine) *Collector {
	labels := prometheus.Labels{"engine": e.cfg.Name, "id": e.id.String()}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc("deltabuf_"+name, help, variable, labels)
	}
	return &Collector{
		e:             e,
		freeCommands:  desc("pool_free_commands", "Command slots on the free list"),
		inUseCommands: desc("pool_inuse_commands", "Command slots lent to in-flight writes"),
		freePages:     desc("pool_free_pages", "Delta page slots on the free list"),
		inUsePages:    desc("pool_inuse_pages", "Delta page slots bound to commands"),
		exhausted:     desc("pool_exhausted_total", "Acquisitions that gave up after the retry budget"),
		retries:       desc("pool_retries_total", "Backoff sleeps taken while the pool was empty"),
		requests:      desc("requests_total", "Write requests by outcome", "outcome"),
		queueInFlight: desc("queue_inflight", "Requests held by a dispatcher queue", "queue"),
		queueEvents:   desc("queue_events_total", "Dispatcher queue events", "queue", "event"),
		chains:        desc("chains", "Base pages with a live delta chain"),
		versions:      desc("chain_versions", "Delta records in the metadata arena"),
		writeAmp:      desc("write_amplification", "Flash bytes programmed per delta payload byte"),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.freeCommands, c.inUseCommands, c.freePages, c.inUsePages,
		c.exhausted, c.retries, c.requests, c.queueInFlight, c.queueEvents,
		c.chains, c.versions, c.writeAmp,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.e.Stats()
	gauge := func(d *prometheus.Desc, v float64, lv ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, lv...)
	}
	counter := func(d *prometheus.Desc, v uint64, lv ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), lv...)
	}

	gauge(c.freeCommands, float64(s.Pool.FreeCommands))
	gauge(c.inUseCommands, float64(s.Pool.InUseCommands))
	gauge(c.freePages, float64(s.Pool.FreePages))
	gauge(c.inUsePages, float64(s.Pool.InUsePages))
	counter(c.exhausted, s.Pool.Exhausted)
	counter(c.retries, s.Pool.Retries)

	counter(c.requests, s.Accepted, "accepted")
	counter(c.requests, s.Rejected, "rejected")
	counter(c.requests, s.Completed, "completed")
	counter(c.requests, s.Failed, "failed")
	counter(c.requests, s.TimedOut, "timed_out")

	for _, q := range s.Queues {
		id := strconv.Itoa(q.Queue)
		gauge(c.queueInFlight, float64(q.InFlight), id)
		counter(c.queueEvents, q.Submitted, id, "submitted")
		counter(c.queueEvents, q.Completed, id, "completed")
		counter(c.queueEvents, q.TimedOut, id, "timed_out")
		counter(c.queueEvents, q.Rejected, id, "rejected")
		counter(c.queueEvents, q.Stale, id, "stale")
	}

	gauge(c.chains, float64(s.Chains))
	gauge(c.versions, float64(s.Versions))
	gauge(c.writeAmp, s.WriteAmplification())
}

// WriteAmplification returns flash bytes programmed per delta payload byte
func (s EngineStats) WriteAmplification() float64 {
	if s.DeltaBytes == 0 {
		return 1.0
	}
	return float64(s.ProgramBytes) / float64(s.DeltaBytes)
}
