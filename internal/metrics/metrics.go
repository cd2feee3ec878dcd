package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CommandRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "birdbridge_command_runs_total",
		Help: "Total CLI command runs",
	}, []string{"cmd"})
	CommandErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "birdbridge_command_errors_total",
		Help: "Total CLI command errors",
	}, []string{"cmd"})
	APIRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "birdbridge_api_retries_total",
		Help: "Total source API retry attempts",
	}, []string{"endpoint"})
	BatchesPolled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdbridge_batches_polled_total",
		Help: "Total non-empty account batches pulled from storage",
	})
	PollErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdbridge_poll_errors_total",
		Help: "Total failed account polls",
	})
	AccountFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "birdbridge_account_fetches_total",
		Help: "Per-account fetch outcomes",
	}, []string{"outcome"})
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "birdbridge_deliveries_total",
		Help: "Inbox deliveries by status",
	}, []string{"status"})
	DeliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "birdbridge_delivery_duration_seconds",
		Help:    "Single inbox delivery duration seconds",
		Buckets: prometheus.DefBuckets,
	})
	BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "birdbridge_batch_dispatch_duration_seconds",
		Help:    "Dispatch duration of one batch in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	StoreErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "birdbridge_store_errors_total",
		Help: "Total failed progress writes",
	})
	Accounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "birdbridge_accounts",
		Help: "Mirrored accounts",
	})
	FailingAccounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "birdbridge_failing_accounts",
		Help: "Mirrored accounts with a non-zero error count",
	})
	SyncLag = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "birdbridge_sync_lag_seconds",
		Help: "Age of the stalest followed account's last sync",
	})
)

func init() {
	prometheus.MustRegister(CommandRuns, CommandErrors, APIRetries, BatchesPolled, PollErrors,
		AccountFetches, Deliveries, DeliveryDuration, BatchDuration, StoreErrors,
		Accounts, FailingAccounts, SyncLag)
}

// Handler exposes the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// StartServer starts a metrics HTTP server on addr (e.g., ":9090").
func StartServer(addr string) {
	if addr == "" {
		addr = os.Getenv("METRICS_ADDR")
	}
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	go func() { _ = http.ListenAndServe(addr, mux) }()
}

func IncCommandRun(cmd string)   { CommandRuns.WithLabelValues(cmd).Inc() }
func IncCommandError(cmd string) { CommandErrors.WithLabelValues(cmd).Inc() }

// IncAPIRetry increments the retry counter for an endpoint.
func IncAPIRetry(endpoint string) { APIRetries.WithLabelValues(endpoint).Inc() }

func IncAccountFetch(outcome string) { AccountFetches.WithLabelValues(outcome).Inc() }

// ObserveDelivery records one inbox delivery and its duration.
func ObserveDelivery(status string, start time.Time) {
	Deliveries.WithLabelValues(status).Inc()
	DeliveryDuration.Observe(time.Since(start).Seconds())
}

// ObserveBatchDuration records the dispatch time of a batch.
func ObserveBatchDuration(start time.Time) {
	BatchDuration.Observe(time.Since(start).Seconds())
}

// SetStats publishes the periodic storage statistics.
func SetStats(accounts, failing int, lag time.Duration) {
	Accounts.Set(float64(accounts))
	FailingAccounts.Set(float64(failing))
	SyncLag.Set(lag.Seconds())
}
