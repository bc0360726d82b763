package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label value constants to prevent typos
const (
	// Providers
	ProviderStrava = "strava"
	ProviderGarmin = "garmin"

	// Outcomes
	ResultSuccess = "success"
	ResultError   = "error"

	// Sync modes
	SyncModeFull        = "full"
	SyncModeIncremental = "incremental"

	// HTTP endpoints
	EndpointAuthStart     = "auth_start"
	EndpointAuthExchange  = "auth_exchange"
	EndpointDisconnect    = "auth_disconnect"
	EndpointSync          = "sync"
	EndpointBackfill      = "backfill_initiate"
	EndpointReconcile     = "backfill_reconcile"
	EndpointActivities    = "activities"
	EndpointActivityTypes = "activity_types"
	EndpointWebhook       = "webhook_callback"
	EndpointHealth        = "health"

	// Webhook notification kinds
	KindActivity       = "activity"
	KindDaily          = "daily"
	KindSleep          = "sleep"
	KindDeregistration = "deregistration"
	KindUnknown        = "unknown"

	// Backfill reconciliation outcomes
	BackfillOutcomeSelfHealed = "self_healed"
	BackfillOutcomeRetried    = "retried"
	BackfillOutcomeTimedOut   = "timed_out"

	// Database operations
	DBOpUpsertCredential   = "upsert_credential"
	DBOpGetCredential      = "get_credential"
	DBOpDeleteCredential   = "delete_credential"
	DBOpInsertTempToken    = "insert_temp_token"
	DBOpConsumeTempToken   = "consume_temp_token"
	DBOpUpsertActivity     = "upsert_activity"
	DBOpListActivities     = "list_activities"
	DBOpCountActivities    = "count_activities"
	DBOpUpsertSyncStatus   = "upsert_sync_status"
	DBOpCreateBackfill     = "create_backfill"
	DBOpUpdateBackfill     = "update_backfill"
	DBOpScanBackfill       = "scan_backfill"
	DBOpInsertSession      = "insert_training_session"
	DBOpInsertWebhookEvent = "insert_webhook_event"
)

// HTTP Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "status_code"},
	)
)

// Sync Metrics
var (
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Total number of sync runs by provider, mode and result",
		},
		[]string{"provider", "mode", "result"},
	)

	SyncActivitiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_activities_total",
			Help: "Total number of activities upserted by sync runs",
		},
		[]string{"provider"},
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_duration_seconds",
			Help:    "Sync run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)
)

// Backfill Metrics
var (
	BackfillRequestsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backfill_requests_created_total",
			Help: "Total number of backfill request rows created",
		},
	)

	BackfillSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfill_submissions_total",
			Help: "Total number of backfill chunk submissions by result",
		},
		[]string{"result"},
	)

	BackfillReconciledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfill_reconciled_total",
			Help: "Total number of stuck backfill rows reconciled by outcome",
		},
		[]string{"outcome"},
	)
)

// Webhook Metrics
var (
	WebhookNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_notifications_total",
			Help: "Total number of webhook notifications received by kind",
		},
		[]string{"kind"},
	)

	WebhookDuplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_duplicates_total",
			Help: "Total number of duplicate webhook deliveries observed",
		},
	)
)

// Training Derivation Metrics
var (
	TrainingSessionsDerived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "training_sessions_derived_total",
			Help: "Total number of training sessions derived from raw activities",
		},
	)

	TrainingDerivationErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "training_derivation_errors_total",
			Help: "Total number of per-activity derivation failures",
		},
	)
)

// Worker Metrics
var (
	WorkerActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_active",
			Help: "Whether the derivation worker is running (1) or not (0)",
		},
	)

	WorkerSignalsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_signals_total",
			Help: "Total number of sync-completed signals consumed by the worker",
		},
	)
)

// Database Metrics
var (
	DBOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_operation_duration_seconds",
			Help:    "Database operation latency in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"operation"},
	)

	DBOperationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_operation_errors_total",
			Help: "Total number of database operation errors",
		},
		[]string{"operation"},
	)
)

// Provider API Metrics
var (
	ProviderAPIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_api_requests_total",
			Help: "Total number of provider API requests by provider, operation and status",
		},
		[]string{"provider", "operation", "status_code"},
	)

	ProviderAPIRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_api_retries_total",
			Help: "Total number of provider API request retries",
		},
		[]string{"provider"},
	)
)
