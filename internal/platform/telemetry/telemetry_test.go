package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSupplyMetrics_NilSafe(t *testing.T) {
	var m *SupplyMetrics
	m.StockIncreased(5)
	m.StockDecreased(5)
	m.StockRejected("insufficient")
	m.RequisitionTransition("APPROVED")
	m.Transfer("COMPLETED")
	m.UsageRecorded()
	m.UsageBatchFailed(2)
}

func TestSupplyMetrics_Counts(t *testing.T) {
	p := NewProvider("test")
	p.Supply.StockIncreased(60)
	p.Supply.StockDecreased(15)
	p.Supply.StockDecreased(5)
	p.Supply.StockRejected("insufficient")
	p.Supply.RequisitionTransition("FULFILLED")
	p.Supply.UsageRecorded()
	p.Supply.UsageBatchFailed(0)

	if got := testutil.ToFloat64(p.Supply.stockUnits.WithLabelValues("in")); got != 60 {
		t.Errorf("expected 60 units in, got %v", got)
	}
	if got := testutil.ToFloat64(p.Supply.stockUnits.WithLabelValues("out")); got != 20 {
		t.Errorf("expected 20 units out, got %v", got)
	}
	if got := testutil.ToFloat64(p.Supply.stockRejections.WithLabelValues("insufficient")); got != 1 {
		t.Errorf("expected 1 rejection, got %v", got)
	}
	if got := testutil.ToFloat64(p.Supply.usageBatchFailed); got != 0 {
		t.Errorf("expected no batch failures, got %v", got)
	}
}

func TestMetricsMiddleware_RecordsRoute(t *testing.T) {
	p := NewProvider("test")
	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.GET("/api/v1/stock/:store", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/api/v1/fail", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "nope")
	})

	for _, path := range []string{"/api/v1/stock/a", "/api/v1/stock/b", "/api/v1/fail"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if n := testutil.CollectAndCount(p.httpDuration); n != 2 {
		t.Errorf("expected 2 label sets, got %d", n)
	}
	if got := testutil.ToFloat64(p.httpActive); got != 0 {
		t.Errorf("expected no in-flight requests, got %v", got)
	}
}

func TestHandler_Exposition(t *testing.T) {
	p := NewProvider("1.2.3")
	p.Supply.Transfer("COMPLETED")

	e := echo.New()
	e.GET("/metrics", p.Handler())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`supply_build_info{version="1.2.3"} 1`,
		`supply_transfers_total{status="COMPLETED"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in exposition", want)
		}
	}
}
