package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the control plane.
type Metrics struct {
	// --- Ingestion ---
	EventsIngested    *prometheus.CounterVec
	EventsSkipped     *prometheus.CounterVec
	DedupHits         *prometheus.CounterVec
	CheckpointBlock   *prometheus.GaugeVec
	CheckpointLag     prometheus.Gauge
	CheckpointFlushes prometheus.Counter
	SubscriptionDrops prometheus.Counter
	PollBatchDuration prometheus.Histogram
	ReorgIncidents    prometheus.Counter

	// --- Dispatch ---
	EventsProcessed  *prometheus.CounterVec
	EventsFailed     *prometheus.CounterVec
	HandleDuration   *prometheus.HistogramVec
	OutOfOrderEvents *prometheus.CounterVec
	LaneDepth        *prometheus.GaugeVec

	// --- Approval ---
	TicketsCreated        *prometheus.CounterVec
	TicketsResolved       *prometheus.CounterVec
	TicketActionsRejected *prometheus.CounterVec
	SLAFired              *prometheus.CounterVec
	OpenTickets           prometheus.Gauge

	// --- Rebalance ---
	PlansGenerated     *prometheus.CounterVec
	PlansCompleted     *prometheus.CounterVec
	ActionsExecuted    *prometheus.CounterVec
	SimulationFailures *prometheus.CounterVec
	ExecutionDuration  prometheus.Histogram
	VerificationDrift  prometheus.Gauge

	// --- Risk ---
	RiskLevel          prometheus.Gauge
	RiskScore          prometheus.Gauge
	IndicatorSeverity  *prometheus.GaugeVec
	RiskEventsRaised   *prometheus.CounterVec
	EmergencyIncidents prometheus.Counter
	ForecastShortfallP *prometheus.GaugeVec

	// --- Task runtime ---
	TasksEnqueued  *prometheus.CounterVec
	TasksCompleted *prometheus.CounterVec
	TasksRetried   *prometheus.CounterVec
	TasksDead      *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	TaskDuration   *prometheus.HistogramVec

	// --- Chain gateway ---
	RpcCalls         *prometheus.CounterVec
	RpcDuration      *prometheus.HistogramVec
	SendsSubmitted   *prometheus.CounterVec
	SendFailures     *prometheus.CounterVec
	ReceiptWaitDur   prometheus.Histogram
	BreakerState     *prometheus.GaugeVec
	SignerDailySpend *prometheus.GaugeVec

	// --- Persistence ---
	PersistBatchDur  prometheus.Histogram
	PersistBatchSize prometheus.Histogram
	PersistErrors    *prometheus.CounterVec
	PersistRetry     prometheus.Counter

	// --- Alerts ---
	AlertsPublished  *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec

	// --- Query API ---
	QueryRequests      *prometheus.CounterVec
	QueryDuration      *prometheus.HistogramVec
	CommandRequests    *prometheus.CounterVec
	IdempotencyReplays prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	rpcBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	handleBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	persistBuckets := []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	return &Metrics{
		// Ingestion
		EventsIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_events_ingested_total",
			Help: "Confirmed events accepted by the ingestor",
		}, []string{"event_type", "priority"}),

		EventsSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_events_skipped_total",
			Help: "Logs skipped (unknown event, decode error)",
		}, []string{"reason"}),

		DedupHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_dedup_hits_total",
			Help: "Duplicates caught per tier (memory/redis/postgres)",
		}, []string{"tier"}),

		CheckpointBlock: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "paimon_checkpoint_block",
			Help: "Last confirmed block per contract",
		}, []string{"contract"}),

		CheckpointLag: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "paimon_checkpoint_lag_blocks",
			Help: "Head minus last confirmed block",
		}),

		CheckpointFlushes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "paimon_checkpoint_flushes_total",
			Help: "Checkpoint persist operations",
		}),

		SubscriptionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "paimon_subscription_drops_total",
			Help: "WebSocket subscription disconnects",
		}),

		PollBatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "paimon_poll_batch_duration_seconds",
			Help:    "One polling cycle (get_logs + decode + enqueue)",
			Buckets: rpcBuckets,
		}),

		ReorgIncidents: promauto.NewCounter(prometheus.CounterOpts{
			Name: "paimon_reorg_incidents_total",
			Help: "Reorg detections (each halts ingestion)",
		}),

		// Dispatch
		EventsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_events_processed_total",
			Help: "Events applied to the projection",
		}, []string{"event_type"}),

		EventsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_events_failed_total",
			Help: "Handler failures by event type and error kind",
		}, []string{"event_type", "kind"}),

		HandleDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paimon_event_handle_duration_seconds",
			Help:    "Single-event handler transaction duration",
			Buckets: handleBuckets,
		}, []string{"event_type"}),

		OutOfOrderEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_events_out_of_order_total",
			Help: "Events rejected by the per-contract order validator",
		}, []string{"contract"}),

		LaneDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "paimon_dispatch_lane_depth",
			Help: "Queued events per contract lane",
		}, []string{"contract"}),

		// Approval
		TicketsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_tickets_created_total",
			Help: "Approval tickets created",
		}, []string{"type", "auto"}),

		TicketsResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_tickets_resolved_total",
			Help: "Tickets reaching a terminal status",
		}, []string{"type", "status"}),

		TicketActionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_ticket_actions_rejected_total",
			Help: "Approve/reject attempts refused (terminal, duplicate, role)",
		}, []string{"reason"}),

		SLAFired: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_sla_fired_total",
			Help: "SLA jobs fired by kind (warning/escalation/deadline)",
		}, []string{"kind"}),

		OpenTickets: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "paimon_open_tickets",
			Help: "Tickets not yet terminal",
		}),

		// Rebalance
		PlansGenerated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_plans_generated_total",
			Help: "Rebalance plans generated by trigger",
		}, []string{"trigger"}),

		PlansCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_plans_completed_total",
			Help: "Plans reaching a terminal status",
		}, []string{"status"}),

		ActionsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_actions_executed_total",
			Help: "Plan actions by type and outcome",
		}, []string{"action_type", "outcome"}),

		SimulationFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_simulation_failures_total",
			Help: "Plans failed at the simulation gate",
		}, []string{"reason"}),

		ExecutionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "paimon_plan_execution_duration_seconds",
			Help:    "Full plan execution wall time",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),

		VerificationDrift: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "paimon_verification_drift_bps",
			Help: "Post-execution |actual - projected| tier ratio drift",
		}),

		// Risk
		RiskLevel: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "paimon_risk_level",
			Help: "Current risk level (1=normal 2=elevated 3=high 4=critical)",
		}),

		RiskScore: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "paimon_risk_score",
			Help: "Weighted risk score 0-100",
		}),

		IndicatorSeverity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "paimon_indicator_severity",
			Help: "Per-indicator severity 1-4",
		}, []string{"indicator"}),

		RiskEventsRaised: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_risk_events_total",
			Help: "Risk events written",
		}, []string{"severity", "kind"}),

		EmergencyIncidents: promauto.NewCounter(prometheus.CounterOpts{
			Name: "paimon_emergency_incidents_total",
			Help: "Emergency incidents opened",
		}),

		ForecastShortfallP: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "paimon_forecast_shortfall_probability",
			Help: "Monte-Carlo shortfall probability per horizon",
		}, []string{"horizon"}),

		// Task runtime
		TasksEnqueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_tasks_enqueued_total",
			Help: "Tasks enqueued by type and priority",
		}, []string{"task_type", "priority"}),

		TasksCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_tasks_completed_total",
			Help: "Tasks finished by outcome",
		}, []string{"task_type", "outcome"}),

		TasksRetried: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_tasks_retried_total",
			Help: "Task retry attempts",
		}, []string{"task_type"}),

		TasksDead: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_tasks_dead_total",
			Help: "Tasks exhausted of retries",
		}, []string{"task_type"}),

		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "paimon_task_queue_depth",
			Help: "Pending tasks per priority",
		}, []string{"priority"}),

		TaskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paimon_task_duration_seconds",
			Help:    "Task handler wall time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 120},
		}, []string{"task_type"}),

		// Chain gateway
		RpcCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_rpc_calls_total",
			Help: "Chain RPC calls by method and outcome",
		}, []string{"method", "outcome"}),

		RpcDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paimon_rpc_duration_seconds",
			Help:    "Chain RPC latency",
			Buckets: rpcBuckets,
		}, []string{"method"}),

		SendsSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_sends_submitted_total",
			Help: "Signed transactions submitted by method",
		}, []string{"method", "signer"}),

		SendFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_send_failures_total",
			Help: "Signed sends failed by kind",
		}, []string{"method", "kind"}),

		ReceiptWaitDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "paimon_receipt_wait_duration_seconds",
			Help:    "Submit to confirmed receipt",
			Buckets: []float64{1, 3, 5, 10, 15, 30, 60, 120, 300},
		}),

		BreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "paimon_breaker_state",
			Help: "Circuit breaker state (0=closed 1=open 2=half-open)",
		}, []string{"endpoint"}),

		SignerDailySpend: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "paimon_signer_daily_spend_units",
			Help: "Whole-token amount sent today per signer",
		}, []string{"signer"}),

		// Persistence
		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "paimon_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: persistBuckets,
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "paimon_persist_batch_size",
			Help:    "Rows per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "paimon_persist_retry_total",
			Help: "Persistence retries",
		}),

		// Alerts
		AlertsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_alerts_published_total",
			Help: "Alerts published to the bus",
		}, []string{"severity", "kind"}),

		AlertsSuppressed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_alerts_suppressed_total",
			Help: "Alerts suppressed by cooldown",
		}, []string{"kind"}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paimon_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		CommandRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paimon_command_requests_total",
			Help: "Commands by name and result code",
		}, []string{"command", "code"}),

		IdempotencyReplays: promauto.NewCounter(prometheus.CounterOpts{
			Name: "paimon_command_idempotency_replays_total",
			Help: "Commands answered from the idempotency record",
		}),
	}
}
