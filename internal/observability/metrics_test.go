package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/backctl/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)

	RegisterMetrics()
	RegisterMetrics()

	RecordJob("file.checksum", 12*time.Millisecond, true)
	RecordServerCommand("local", "file.checksum", true)
	RecordRetry("local", "file.checksum")
	RecordRemoteError("local-1", 39)
	RecordRemoteError("local-1", 39)

	if got := counterValue(t, clientRemoteErrors.WithLabelValues("local-1", "39")); got != 2 {
		t.Fatalf("expected 2 remote errors, got %v", got)
	}
	if got := counterValue(t, serverRetries.WithLabelValues("local", "file.checksum")); got < 1 {
		t.Fatalf("expected retry to be counted, got %v", got)
	}
}

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	testlog.Start(t)

	RecordJob("file.list", time.Millisecond, false)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `backctl_parallel_jobs_total{command="file.list",outcome="error"}`) {
		t.Fatalf("job counter missing from exposition:\n%s", body)
	}
}
