package db

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPoolStats_Fields(t *testing.T) {
	stats := &PoolStats{
		TotalConns:      10,
		IdleConns:       5,
		AcquiredConns:   5,
		MaxConns:        20,
		AcquireCount:    100,
		AcquireDuration: "1.5s",
		Healthy:         true,
	}

	if stats.TotalConns != 10 {
		t.Errorf("expected TotalConns 10, got %d", stats.TotalConns)
	}
	if stats.AcquiredConns != 5 {
		t.Errorf("expected AcquiredConns 5, got %d", stats.AcquiredConns)
	}
	if !stats.Healthy {
		t.Error("expected Healthy to be true")
	}
}

func TestHealthReport_JSON(t *testing.T) {
	report := HealthReport{
		Status:  "unhealthy",
		Service: "supply-server",
		Version: "0.1.0",
		Error:   "connection refused",
		Pool:    &PoolStats{MaxConns: 20},
	}

	data, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body := string(data)
	for _, want := range []string{`"status":"unhealthy"`, `"service":"supply-server"`, `"error":"connection refused"`, `"max_conns":20`} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s in %s", want, body)
		}
	}
}

func TestHealthReport_OmitsEmptyError(t *testing.T) {
	data, err := json.Marshal(HealthReport{Status: "healthy"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "error") {
		t.Errorf("expected no error field, got %s", data)
	}
}
