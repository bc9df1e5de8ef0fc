package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "whalewatch"

var (
	initOnce sync.Once

	fetchRequestsCounter   *prometheus.CounterVec
	fetchErrorsCounter     *prometheus.CounterVec
	fetchRetriesCounter    prometheus.Counter
	eventsScannedCounter   *prometheus.CounterVec
	eventsQualifiedCounter *prometheus.CounterVec
	recordsCounter         *prometheus.CounterVec
	notificationsCounter   *prometheus.CounterVec
	cycleErrorsCounter     *prometheus.CounterVec
	watermarkGauge         *prometheus.GaugeVec
	cycleDurationMetric    prometheus.Histogram
	fetchDurationMetric    *prometheus.HistogramVec
	chainHeadGauge         prometheus.Gauge
	indexingLagGauge       *prometheus.GaugeVec
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		fetchRequestsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_requests_total",
				Help:      "Subgraph requests by event kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		fetchErrorsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_errors_total",
				Help:      "Failed subgraph attempts by error category.",
			},
			[]string{"category"},
		)

		fetchRetriesCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_retries_total",
				Help:      "Total number of backoff waits before a subgraph retry.",
			},
		)

		eventsScannedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_scanned_total",
				Help:      "Events fetched and classified per stream.",
			},
			[]string{"stream"},
		)

		eventsQualifiedCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_qualified_total",
				Help:      "Events at or above the lowest tier, by stream and tier.",
			},
			[]string{"stream", "tier"},
		)

		recordsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_total",
				Help:      "Record log appends by stream and result.",
			},
			[]string{"stream", "result"},
		)

		notificationsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Alert deliveries by result.",
			},
			[]string{"result"},
		)

		cycleErrorsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycle_errors_total",
				Help:      "Aborted stream cycles by stream and category.",
			},
			[]string{"stream", "category"},
		)

		watermarkGauge = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "watermark_position_seconds",
				Help:      "Current stream position as a unix timestamp.",
			},
			[]string{"stream"},
		)

		cycleDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of a full poll cycle in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
		)

		fetchDurationMetric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Duration of a single subgraph request in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		)

		chainHeadGauge = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "chain_head_block",
				Help:      "Latest block number reported by the Ethereum RPC.",
			},
		)

		indexingLagGauge = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "indexing_lag_blocks",
				Help:      "Blocks between the chain head and the last event seen per stream.",
			},
			[]string{"stream"},
		)

		prometheus.MustRegister(
			fetchRequestsCounter,
			fetchErrorsCounter,
			fetchRetriesCounter,
			eventsScannedCounter,
			eventsQualifiedCounter,
			recordsCounter,
			notificationsCounter,
			cycleErrorsCounter,
			watermarkGauge,
			cycleDurationMetric,
			fetchDurationMetric,
			chainHeadGauge,
			indexingLagGauge,
		)

		for _, category := range []string{"rate_limited", "transport", "malformed", "canceled"} {
			fetchErrorsCounter.WithLabelValues(category)
		}
		for _, result := range []string{"sent", "failed"} {
			notificationsCounter.WithLabelValues(result)
		}
	})
}

// IncFetchRequest counts one subgraph request by event kind and outcome.
func IncFetchRequest(kind, outcome string) {
	Init()
	fetchRequestsCounter.WithLabelValues(kind, outcome).Inc()
}

// IncFetchError counts a failed fetch attempt by error category.
func IncFetchError(category string) {
	Init()
	fetchErrorsCounter.WithLabelValues(category).Inc()
}

// IncFetchRetries counts a backoff retry of a fetch.
func IncFetchRetries() {
	Init()
	fetchRetriesCounter.Inc()
}

// ObserveFetchDuration records the latency of one subgraph request.
func ObserveFetchDuration(kind string, d time.Duration) {
	Init()
	fetchDurationMetric.WithLabelValues(kind).Observe(d.Seconds())
}

// AddEventsScanned adds the size of a fetched batch.
func AddEventsScanned(stream string, n int) {
	Init()
	eventsScannedCounter.WithLabelValues(stream).Add(float64(n))
}

// IncEventsQualified counts an event that crossed a tier threshold.
func IncEventsQualified(stream, tier string) {
	Init()
	eventsQualifiedCounter.WithLabelValues(stream, tier).Inc()
}

// IncRecord counts an append outcome per stream.
func IncRecord(stream, result string) {
	Init()
	recordsCounter.WithLabelValues(stream, result).Inc()
}

// IncNotification counts an alert delivery by result.
func IncNotification(result string) {
	Init()
	notificationsCounter.WithLabelValues(result).Inc()
}

// IncCycleError counts an aborted stream cycle by error category.
func IncCycleError(stream, category string) {
	Init()
	cycleErrorsCounter.WithLabelValues(stream, category).Inc()
}

// SetWatermark publishes the consumed position of a stream.
func SetWatermark(stream string, position int64) {
	Init()
	watermarkGauge.WithLabelValues(stream).Set(float64(position))
}

// ObserveCycleDuration records the wall time of one poll cycle.
func ObserveCycleDuration(d time.Duration) {
	Init()
	cycleDurationMetric.Observe(d.Seconds())
}

// SetChainHead publishes the latest chain block number.
func SetChainHead(block uint64) {
	Init()
	chainHeadGauge.Set(float64(block))
}

// SetIndexingLag publishes how many blocks a stream trails the chain head.
func SetIndexingLag(stream string, blocks int64) {
	Init()
	indexingLagGauge.WithLabelValues(stream).Set(float64(blocks))
}
