package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type adminMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	adminMetricsOnce sync.Once
	adminRegistry    *adminMetrics

	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementdMetrics
)

// Admin returns the lazily-initialised registry recording operator API traffic.
func Admin() *adminMetrics {
	adminMetricsOnce.Do(func() {
		adminRegistry = &adminMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "p2pescrow",
				Subsystem: "admin",
				Name:      "requests_total",
				Help:      "Total admin API requests segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "p2pescrow",
				Subsystem: "admin",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for admin API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(adminRegistry.requests, adminRegistry.latency)
	})
	return adminRegistry
}

// Observe records the outcome of an admin request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *adminMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	m.requests.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// SettlementdMetrics wraps collectors tracking the escrow settlement engine.
type SettlementdMetrics struct {
	deposits            *prometheus.CounterVec
	advances            *prometheus.CounterVec
	settlements         *prometheus.CounterVec
	settlementLatency   *prometheus.HistogramVec
	jobs                *prometheus.CounterVec
	queueDepth          prometheus.Gauge
	postTransferFailure prometheus.Counter
	journalEntries      *prometheus.GaugeVec
	ledgerHeight        *prometheus.GaugeVec
	reconAnomalies      *prometheus.CounterVec
}

// Settlementd exposes the metrics registry for settlementd.
func Settlementd() *SettlementdMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementdMetrics{
			deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "p2pescrow",
				Subsystem: "settlementd",
				Name:      "deposits_observed_total",
				Help:      "Incoming transfers observed by the deposit scanner, split by whether a new movement was created.",
			}, []string{"created"}),
			advances: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "p2pescrow",
				Subsystem: "settlementd",
				Name:      "escrow_advances_total",
				Help:      "Confirmation advancement attempts segmented by outcome.",
			}, []string{"outcome"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "p2pescrow",
				Subsystem: "settlementd",
				Name:      "settlements_total",
				Help:      "Settlement attempts segmented by action and result.",
			}, []string{"action", "result"}),
			settlementLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "p2pescrow",
				Subsystem: "settlementd",
				Name:      "settlement_latency_seconds",
				Help:      "Latency distribution for settlements from transfer request to recorded state.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"action"}),
			jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "p2pescrow",
				Subsystem: "settlementd",
				Name:      "jobs_total",
				Help:      "Processed work items segmented by kind and result.",
			}, []string{"kind", "result"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "p2pescrow",
				Subsystem: "settlementd",
				Name:      "queue_depth",
				Help:      "Number of work items waiting for a worker.",
			}),
			postTransferFailure: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "p2pescrow",
				Subsystem: "settlementd",
				Name:      "post_transfer_failures_total",
				Help:      "Transfers broadcast to the ledger whose settlement could not be recorded.",
			}),
			journalEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "p2pescrow",
				Subsystem: "settlementd",
				Name:      "journal_entries",
				Help:      "Outstanding settlement journal entries segmented by status.",
			}, []string{"status"}),
			ledgerHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "p2pescrow",
				Subsystem: "settlementd",
				Name:      "ledger_height",
				Help:      "Last observed wallet and daemon heights.",
			}, []string{"source"}),
			reconAnomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "p2pescrow",
				Subsystem: "settlementd",
				Name:      "recon_anomalies_total",
				Help:      "Anomalies reported by reconciliation runs segmented by kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			settlementRegistry.deposits,
			settlementRegistry.advances,
			settlementRegistry.settlements,
			settlementRegistry.settlementLatency,
			settlementRegistry.jobs,
			settlementRegistry.queueDepth,
			settlementRegistry.postTransferFailure,
			settlementRegistry.journalEntries,
			settlementRegistry.ledgerHeight,
			settlementRegistry.reconAnomalies,
		)
	})
	return settlementRegistry
}

// RecordDeposit counts an observed incoming transfer.
func (m *SettlementdMetrics) RecordDeposit(created bool) {
	if m == nil {
		return
	}
	m.deposits.WithLabelValues(fmt.Sprintf("%t", created)).Inc()
}

// RecordAdvance counts an advancement attempt.
func (m *SettlementdMetrics) RecordAdvance(outcome string) {
	if m == nil {
		return
	}
	m.advances.WithLabelValues(label(outcome)).Inc()
}

// RecordSettlement counts a settlement attempt and, on success, its latency.
func (m *SettlementdMetrics) RecordSettlement(action, result string, d time.Duration) {
	if m == nil {
		return
	}
	action = label(action)
	m.settlements.WithLabelValues(action, label(result)).Inc()
	if result == "ok" {
		m.settlementLatency.WithLabelValues(action).Observe(d.Seconds())
	}
}

// RecordJob counts a processed work item.
func (m *SettlementdMetrics) RecordJob(kind, result string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(label(kind), label(result)).Inc()
}

// SetQueueDepth updates the pending work gauge.
func (m *SettlementdMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// RecordPostTransferFailure counts a broadcast that could not be recorded.
func (m *SettlementdMetrics) RecordPostTransferFailure() {
	if m == nil {
		return
	}
	m.postTransferFailure.Inc()
}

// SetJournalEntries updates the outstanding journal gauge for a status.
func (m *SettlementdMetrics) SetJournalEntries(status string, count int) {
	if m == nil {
		return
	}
	m.journalEntries.WithLabelValues(label(status)).Set(float64(count))
}

// SetLedgerHeight records a height reported by the wallet or daemon.
func (m *SettlementdMetrics) SetLedgerHeight(source string, height uint64) {
	if m == nil {
		return
	}
	m.ledgerHeight.WithLabelValues(label(source)).Set(float64(height))
}

// RecordAnomaly counts a reconciliation anomaly.
func (m *SettlementdMetrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.reconAnomalies.WithLabelValues(label(kind)).Inc()
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unspecified"
	}
	return strings.ToLower(trimmed)
}
