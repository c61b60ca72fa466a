package obs

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "product_catalog"

// Collector is a prometheus.Collector for the catalog store, the propagation
// engine and the HTTP layer.
type Collector struct {
	storeWrites     *prometheus.CounterVec
	storeCommit     prometheus.Histogram
	storeReadBytes  prometheus.Counter
	dispatches      *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	duplicates      *prometheus.CounterVec
	gaps            *prometheus.CounterVec
	retries         *prometheus.CounterVec
	quarantined     *prometheus.CounterVec
	normalizeErrors prometheus.Counter
	partitionCursor *prometheus.GaugeVec
	partitionHead   *prometheus.GaugeVec
	httpRequests    *prometheus.CounterVec
	maintenance     *prometheus.CounterVec
	poolWorkers     prometheus.Gauge
	poolBacklog     prometheus.Gauge
}

// NewMetricsCollector returns a new Collector. It is not registered anywhere;
// callers register it with the registry of their choice.
func NewMetricsCollector() *Collector {
	return &Collector{
		storeWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "store_writes_total",
				Help:      "Committed product mutations by operation.",
			}, []string{"op"},
		),
		storeCommit: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "store_batch_commit_seconds",
				Help:      "Latency of pebble batch commits.",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
		storeReadBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "store_read_bytes_total",
				Help:      "Bytes returned by point reads.",
			},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sink_dispatch_total",
				Help:      "Sink invocations by sink and outcome.",
			}, []string{"sink", "outcome"},
		),
		dispatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "sink_dispatch_seconds",
				Help:      "Time spent inside sink Apply calls.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			}, []string{"sink"},
		),
		duplicates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "duplicates_discarded_total",
				Help:      "Events discarded by the dedup gate.",
			}, []string{"sink"},
		),
		gaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sequence_gaps_total",
				Help:      "Events delivered with a per-key sequence gap.",
			}, []string{"sink"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "retries_scheduled_total",
				Help:      "Retryable failures that scheduled another attempt.",
			}, []string{"sink"},
		),
		quarantined: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dead_letters_total",
				Help:      "Events moved to the dead-letter store.",
			}, []string{"sink"},
		),
		normalizeErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "normalize_failures_total",
				Help:      "Raw change records that could not be normalized.",
			},
		),
		partitionCursor: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "partition_cursor",
				Help:      "Committed change-log offset per partition.",
			}, []string{"partition"},
		),
		partitionHead: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "partition_head",
				Help:      "Highest change-log offset read per partition.",
			}, []string{"partition"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method and status code.",
			}, []string{"method", "code"},
		),
		maintenance: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "maintenance_removed_total",
				Help:      "Entries removed by maintenance runs.",
			}, []string{"kind"},
		),
		poolWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "dispatch_workers",
			Help:      "Running dispatch pool workers.",
		}),
		poolBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "dispatch_backlog",
			Help:      "Sink jobs waiting for a dispatch worker.",
		}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.storeWrites.Describe(ch)
	c.storeCommit.Describe(ch)
	c.storeReadBytes.Describe(ch)
	c.dispatches.Describe(ch)
	c.dispatchLatency.Describe(ch)
	c.duplicates.Describe(ch)
	c.gaps.Describe(ch)
	c.retries.Describe(ch)
	c.quarantined.Describe(ch)
	c.normalizeErrors.Describe(ch)
	c.partitionCursor.Describe(ch)
	c.partitionHead.Describe(ch)
	c.httpRequests.Describe(ch)
	c.maintenance.Describe(ch)
	c.poolWorkers.Describe(ch)
	c.poolBacklog.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.storeWrites.Collect(ch)
	c.storeCommit.Collect(ch)
	c.storeReadBytes.Collect(ch)
	c.dispatches.Collect(ch)
	c.dispatchLatency.Collect(ch)
	c.duplicates.Collect(ch)
	c.gaps.Collect(ch)
	c.retries.Collect(ch)
	c.quarantined.Collect(ch)
	c.normalizeErrors.Collect(ch)
	c.partitionCursor.Collect(ch)
	c.partitionHead.Collect(ch)
	c.httpRequests.Collect(ch)
	c.maintenance.Collect(ch)
	c.poolWorkers.Collect(ch)
	c.poolBacklog.Collect(ch)
}

// ObserveWrite satisfies kv.MetricsHook.
func (c *Collector) ObserveWrite(time.Duration, int) {}

// ObserveRead satisfies kv.MetricsHook.
func (c *Collector) ObserveRead(_ time.Duration, bytes int) {
	c.storeReadBytes.Add(float64(bytes))
}

// ObserveBatchCommit satisfies kv.MetricsHook.
func (c *Collector) ObserveBatchCommit(elapsed time.Duration, _ int, _ int) {
	c.storeCommit.Observe(elapsed.Seconds())
}

func (c *Collector) StoreWrite(op string) { c.storeWrites.WithLabelValues(op).Inc() }

func (c *Collector) Dispatch(sink, outcome string, elapsed time.Duration) {
	c.dispatches.WithLabelValues(sink, outcome).Inc()
	c.dispatchLatency.WithLabelValues(sink).Observe(elapsed.Seconds())
}

func (c *Collector) Duplicate(sink string) { c.duplicates.WithLabelValues(sink).Inc() }

func (c *Collector) Gap(sink string) { c.gaps.WithLabelValues(sink).Inc() }

func (c *Collector) Retry(sink string) { c.retries.WithLabelValues(sink).Inc() }

func (c *Collector) Quarantine(sink string) { c.quarantined.WithLabelValues(sink).Inc() }

func (c *Collector) NormalizeFailure() { c.normalizeErrors.Inc() }

func (c *Collector) Maintenance(kind string, n int) {
	c.maintenance.WithLabelValues(kind).Add(float64(n))
}

func (c *Collector) PartitionOffsets(partition int, cursor, head uint64) {
	p := strconv.Itoa(partition)
	c.partitionCursor.WithLabelValues(p).Set(float64(cursor))
	c.partitionHead.WithLabelValues(p).Set(float64(head))
}

func (c *Collector) HTTPRequest(method string, code int) {
	c.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// DispatchPool records the dispatch pool size and its waiting jobs.
func (c *Collector) DispatchPool(workers, backlog int) {
	c.poolWorkers.Set(float64(workers))
	c.poolBacklog.Set(float64(backlog))
}
