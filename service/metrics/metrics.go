package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// It is passed explicitly to every component that records metrics.
// All Record* helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// Provider metrics
	providerCallsTotal   *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec

	// Gateway metrics
	gatewayWaitDuration *prometheus.HistogramVec
	gatewayInFlight     *prometheus.GaugeVec

	// Aggregation metrics
	transactionsAggregated *prometheus.CounterVec
	transactionsBackfilled *prometheus.CounterVec
	transfersDeduplicated  *prometheus.CounterVec

	// Synthesis and enrichment metrics
	postingsEmitted   *prometheus.CounterVec
	ruleMatchesTotal  *prometheus.CounterVec
	priceLookupsTotal *prometheus.CounterVec

	// Conversion metrics
	directivesEmitted  *prometheus.CounterVec
	conversionDuration *prometheus.HistogramVec

	// Cache metrics
	cacheLookupsTotal *prometheus.CounterVec
	dbQueryDuration   *prometheus.HistogramVec

	// NATS metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		providerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_calls_total",
				Help: "Total number of external provider calls by provider, call and status",
			},
			[]string{"provider", "call", "status"},
		),
		providerCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_call_duration_seconds",
				Help:    "Duration of external provider calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"provider", "call"},
		),

		gatewayWaitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_wait_duration_seconds",
				Help:    "Time a call spent queued in a rate-limited gateway",
				Buckets: []float64{0.001, 0.01, 0.1, 0.25, 0.5, 1, 5, 30},
			},
			[]string{"gateway"},
		),
		gatewayInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_in_flight",
				Help: "Number of calls currently dispatched through a gateway",
			},
			[]string{"gateway"},
		),

		transactionsAggregated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_aggregated_total",
				Help: "Total number of raw transactions seeded into the aggregate map",
			},
			[]string{"chain"},
		),
		transactionsBackfilled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_backfilled_total",
				Help: "Total number of transactions fetched by hash to host orphan transfers",
			},
			[]string{"chain"},
		),
		transfersDeduplicated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfers_deduplicated_total",
				Help: "Total number of token transfers dropped as duplicates",
			},
			[]string{"chain"},
		),

		postingsEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postings_emitted_total",
				Help: "Total number of postings synthesized by leg kind",
			},
			[]string{"leg"},
		),
		ruleMatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rule_matches_total",
				Help: "Total number of rule applications by target kind",
			},
			[]string{"target"},
		),
		priceLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "price_lookups_total",
				Help: "Total number of historical price lookups by status",
			},
			[]string{"status"},
		),

		directivesEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "directives_emitted_total",
				Help: "Total number of ledger directives emitted by kind",
			},
			[]string{"kind"},
		),
		conversionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conversion_duration_seconds",
				Help:    "Duration of a full ledger conversion in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 900},
			},
			[]string{"status"},
		),

		cacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_lookups_total",
				Help: "Total number of raw-event cache lookups by kind and result",
			},
			[]string{"kind", "result"},
		),
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Provider metric helpers

// RecordProviderCall records an external provider call with its duration.
func (m *Metrics) RecordProviderCall(provider, call string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.providerCallsTotal.WithLabelValues(provider, call, statusOf(err)).Inc()
	m.providerCallDuration.WithLabelValues(provider, call).Observe(duration.Seconds())
}

// Gateway metric helpers

// RecordGatewayWait records how long a call waited before dispatch.
func (m *Metrics) RecordGatewayWait(gateway string, wait time.Duration) {
	if m == nil {
		return
	}
	m.gatewayWaitDuration.WithLabelValues(gateway).Observe(wait.Seconds())
}

// RecordGatewayInFlight adjusts the in-flight gauge by delta.
func (m *Metrics) RecordGatewayInFlight(gateway string, delta float64) {
	if m == nil {
		return
	}
	m.gatewayInFlight.WithLabelValues(gateway).Add(delta)
}

// Aggregation metric helpers

func (m *Metrics) RecordTransactionsAggregated(chain string, count int) {
	if m == nil {
		return
	}
	m.transactionsAggregated.WithLabelValues(chain).Add(float64(count))
}

func (m *Metrics) RecordTransactionBackfilled(chain string) {
	if m == nil {
		return
	}
	m.transactionsBackfilled.WithLabelValues(chain).Inc()
}

func (m *Metrics) RecordTransferDeduplicated(chain string) {
	if m == nil {
		return
	}
	m.transfersDeduplicated.WithLabelValues(chain).Inc()
}

// Synthesis metric helpers

// RecordPostingEmitted records a synthesized posting by leg kind (gas, token, internal, native, pnl).
func (m *Metrics) RecordPostingEmitted(leg string) {
	if m == nil {
		return
	}
	m.postingsEmitted.WithLabelValues(leg).Inc()
}

// RecordRuleMatch records a rule whose patterns all matched.
func (m *Metrics) RecordRuleMatch(target string) {
	if m == nil {
		return
	}
	m.ruleMatchesTotal.WithLabelValues(target).Inc()
}

// RecordPriceLookup records a price lookup outcome: ok, skipped or error.
func (m *Metrics) RecordPriceLookup(status string) {
	if m == nil {
		return
	}
	m.priceLookupsTotal.WithLabelValues(status).Inc()
}

// Conversion metric helpers

func (m *Metrics) RecordDirectivesEmitted(kind string, count int) {
	if m == nil {
		return
	}
	m.directivesEmitted.WithLabelValues(kind).Add(float64(count))
}

func (m *Metrics) RecordConversion(err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.conversionDuration.WithLabelValues(statusOf(err)).Observe(duration.Seconds())
}

// Cache metric helpers

// RecordCacheLookup records a raw-event cache lookup; hit reports whether it was served from cache.
func (m *Metrics) RecordCacheLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookupsTotal.WithLabelValues(kind, result).Inc()
}

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(operation, statusOf(err)).Observe(duration.Seconds())
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration.Seconds())
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
