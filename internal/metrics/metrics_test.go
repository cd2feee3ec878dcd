package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsExposure(t *testing.T) {
	IncCommandRun("run")
	IncCommandError("run")
	IncAPIRetry("/test")
	IncAccountFetch("ok")
	BatchesPolled.Inc()
	ObserveDelivery("delivered", time.Now().Add(-150*time.Millisecond))
	ObserveBatchDuration(time.Now().Add(-1500 * time.Millisecond))
	SetStats(3, 1, 90*time.Second)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: %d", rec.Code)
	}
	body := rec.Body.String()
	for _, m := range []string{
		"birdbridge_command_runs_total",
		"birdbridge_command_errors_total",
		"birdbridge_api_retries_total",
		"birdbridge_account_fetches_total",
		"birdbridge_batches_polled_total",
		"birdbridge_deliveries_total",
		"birdbridge_delivery_duration_seconds",
		"birdbridge_batch_dispatch_duration_seconds",
		"birdbridge_sync_lag_seconds 90",
		"birdbridge_failing_accounts 1",
	} {
		if !strings.Contains(body, m) {
			t.Fatalf("expected metric %s in body", m)
		}
	}
}
