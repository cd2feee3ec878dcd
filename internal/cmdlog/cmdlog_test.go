package cmdlog

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"birdbridge/internal/metrics"
)

func TestRunCountsErrors(t *testing.T) {
	if err := Run("cmdlog_test", func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	if err := Run("cmdlog_test", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected passthrough error, got %v", err)
	}

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`birdbridge_command_runs_total{cmd="cmdlog_test"} 2`,
		`birdbridge_command_errors_total{cmd="cmdlog_test"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %s", want)
		}
	}
}
