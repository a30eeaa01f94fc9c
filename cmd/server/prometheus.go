package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/miretskiy/deltabuf/delta"
)

var (
	// Server-level metrics; per-engine counters come from delta.Collector
	promMetrics = struct {
		clients       prometheus.Gauge
		batches       prometheus.Counter
		batchWrites   prometheus.Counter
		batchTimeouts prometheus.Counter
		batchSeconds  prometheus.Histogram
		lastWriteAmp  prometheus.Gauge
	}{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deltabuf_server_clients",
			Help: "Connected websocket clients, one engine each",
		}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deltabuf_server_batches_total",
			Help: "Workload batches run",
		}),
		batchWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deltabuf_server_batch_writes_total",
			Help: "Writes accepted across all batches",
		}),
		batchTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deltabuf_server_batch_timeouts_total",
			Help: "Writes that hit the media timeout across all batches",
		}),
		batchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deltabuf_server_batch_duration_seconds",
			Help:    "Wall time of one workload batch",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		lastWriteAmp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deltabuf_server_last_write_amplification",
			Help: "Write amplification reported by the most recent batch",
		}),
	}
)

func initPrometheusMetrics() {
	prometheus.MustRegister(
		promMetrics.clients,
		promMetrics.batches,
		promMetrics.batchWrites,
		promMetrics.batchTimeouts,
		promMetrics.batchSeconds,
		promMetrics.lastWriteAmp,
	)
}

// registerEngine exports e's counters until unregisterEngine is called
func registerEngine(e *delta.Engine) *delta.Collector {
	c := delta.NewCollector(e)
	if err := prometheus.Register(c); err != nil {
		log.Warnf("Registering collector for engine %s: %v", e.ID(), err)
	}
	return c
}

func unregisterEngine(c *delta.Collector) {
	prometheus.Unregister(c)
}

func updatePrometheusMetrics(res delta.WorkloadResult) {
	promMetrics.batches.Inc()
	promMetrics.batchWrites.Add(float64(res.Accepted))
	promMetrics.batchTimeouts.Add(float64(res.TimedOut))
	promMetrics.batchSeconds.Observe(res.Duration.Seconds())
	promMetrics.lastWriteAmp.Set(res.WriteAmplification)
}
