package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for NFTLend.
type Metrics struct {
	// --- Core processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	NATSPullLatency     *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec
	OraclePriceGaps       *prometheus.CounterVec
	OracleStaleUpdates    *prometheus.CounterVec

	// --- Lending ---
	PoolOperations        *prometheus.CounterVec
	ReserveUtilization    *prometheus.GaugeVec
	ReserveLiquidityIndex *prometheus.GaugeVec
	ReserveBorrowIndex    *prometheus.GaugeVec
	ReserveBorrowRate     *prometheus.GaugeVec
	ActiveAuctions        prometheus.Gauge
	BidsPlaced            *prometheus.CounterVec
	Liquidations          *prometheus.CounterVec
	BadDebt               *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistCustodyMoves    prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry() so repeated construction does not panic.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_core_events_applied_total",
			Help: "Commands applied by the core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_core_events_rejected_total",
			Help: "Commands rejected (duplicate, ordering, domain error)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_core_event_apply_duration_seconds",
			Help:    "Time to apply a single command in the core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_core_state_hash_duration_seconds",
			Help:    "Time to compute the state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "lend_core_sequence",
			Help: "Next global sequence number",
		}),

		// Latency
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_ingest_to_apply_seconds",
			Help:    "Time from ingestion to core apply",
			Buckets: ingestBuckets,
		}, []string{"source"}),

		NATSPullLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_nats_pull_latency_seconds",
			Help:    "NATS message handling latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_duration_seconds",
			Help:    "Time to write one persistence batch",
			Buckets: prometheus.DefBuckets,
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_projection_update_duration_seconds",
			Help:    "Time to update a projection",
			Buckets: prometheus.DefBuckets,
		}, []string{"projection"}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_size",
			Help: "Items currently buffered in a channel",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_capacity",
			Help: "Channel capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_utilization",
			Help: "Channel size divided by capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_publish_drops_total",
			Help: "Outbound events that failed to publish",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_backpressure_total",
			Help: "Times the core blocked on a full persist channel",
		}),

		// Idempotency & ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_idempotency_duplicates_total",
			Help: "Duplicate commands by dedup tier",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "lend_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_dedup_lru_evictions_total",
			Help: "Idempotency LRU evictions",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_dedup_tier2_errors_total",
			Help: "Postgres idempotency lookups that failed",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"source"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_event_out_of_order_total",
			Help: "Out-of-order source sequences",
		}, []string{"source"}),

		OraclePriceGaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_oracle_price_gaps_total",
			Help: "Oracle updates that skipped sequence numbers",
		}, []string{"feed"}),

		OracleStaleUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_oracle_stale_updates_total",
			Help: "Oracle updates ignored as stale",
		}, []string{"feed"}),

		// Lending
		PoolOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_pool_operations_total",
			Help: "Pool operations by result",
		}, []string{"op", "result"}),

		ReserveUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_reserve_utilization_ratio",
			Help: "Total debt over total debt plus available liquidity",
		}, []string{"reserve"}),

		ReserveLiquidityIndex: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_reserve_liquidity_index",
			Help: "Liquidity index as a decimal",
		}, []string{"reserve"}),

		ReserveBorrowIndex: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_reserve_variable_borrow_index",
			Help: "Variable borrow index as a decimal",
		}, []string{"reserve"}),

		ReserveBorrowRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_reserve_variable_borrow_rate",
			Help: "Annual variable borrow rate as a decimal",
		}, []string{"reserve"}),

		ActiveAuctions: f.NewGauge(prometheus.GaugeOpts{
			Name: "lend_active_auctions",
			Help: "Borrows currently under auction",
		}),

		BidsPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_bids_placed_total",
			Help: "Accepted bids",
		}, []string{"reserve"}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_liquidations_total",
			Help: "Settled auctions",
		}, []string{"reserve"}),

		BadDebt: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_bad_debt_total",
			Help: "Debt written off by liquidations, in asset units",
		}, []string{"reserve"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_events_written_total",
			Help: "Envelopes written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_journals_written_total",
			Help: "Journals written",
		}),

		PersistCustodyMoves: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_custody_moves_written_total",
			Help: "Custody moves written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_size",
			Help:    "Outputs per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_persist_errors_total",
			Help: "Persistence errors by stage",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_retry_total",
			Help: "Persistence batch retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "lend_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_snapshot_taken_total",
			Help: "Snapshots saved",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_snapshot_duration_seconds",
			Help:    "Time to save a snapshot",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "lend_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "lend_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "lend_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "lend_replay_duration_seconds",
			Help: "Duration of the last startup replay",
		}),

		// Query
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_query_requests_total",
			Help: "API requests",
		}, []string{"method"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_query_duration_seconds",
			Help:    "API request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_query_errors_total",
			Help: "API errors by code",
		}, []string{"method", "code"}),
	}
}

// SetChannelMetrics records the fill level of a buffered channel.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
