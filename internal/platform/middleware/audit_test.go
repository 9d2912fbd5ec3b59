package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/supply/internal/platform/auth"
)

// mockRecorder collects audit entries for assertions.
type mockRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (m *mockRecorder) RecordAccess(entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return m.err
}

func (m *mockRecorder) last() AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[len(m.entries)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func newTestContext(method, path string, opts ...func(*http.Request)) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func withAuth(userID string, roles []string) func(*http.Request) {
	return func(req *http.Request) {
		*req = *req.WithContext(auth.WithUser(req.Context(), userID, roles))
	}
}

func TestAudit_ApproveRequisition(t *testing.T) {
	rec := &mockRecorder{}
	id := uuid.New().String()
	c, _ := newTestContext(http.MethodPost, "/api/v1/requisitions/"+id+"/approve",
		withAuth("mgr-1", []string{"theatre_manager"}))
	c.Set("tenant_id", "north")
	c.Set("request_id", "req-1")

	h := Audit(zerolog.Nop(), rec)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected 1 entry, got %d", rec.count())
	}
	e := rec.last()
	if e.Resource != "requisitions" || e.ResourceID != id || e.Action != "approve" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.UserID != "mgr-1" || e.TenantID != "north" || e.RequestID != "req-1" {
		t.Errorf("identity not captured: %+v", e)
	}
	if e.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", e.StatusCode)
	}
}

func TestAudit_SkipsReads(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodGet, "/api/v1/requisitions")
	h := Audit(zerolog.Nop(), rec)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.count() != 0 {
		t.Errorf("expected reads to be skipped, got %d entries", rec.count())
	}
}

func TestAudit_SkipsNonAPIPaths(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodPost, "/health")
	h := Audit(zerolog.Nop(), rec)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	_ = h(c)
	if rec.count() != 0 {
		t.Errorf("expected /health to be skipped, got %d entries", rec.count())
	}
}

func TestAudit_CapturesHTTPErrorStatus(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodPost, "/api/v1/usage")
	h := Audit(zerolog.Nop(), rec)(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "insufficient stock")
	})
	if err := h(c); err == nil {
		t.Fatal("expected handler error to pass through")
	}
	if got := rec.last().StatusCode; got != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", got)
	}
	if got := rec.last().Action; got != "create" {
		t.Errorf("expected create, got %s", got)
	}
}

func TestAudit_RecorderError_DoesNotBreakRequest(t *testing.T) {
	rec := &mockRecorder{err: errors.New("disk full")}
	c, resp := newTestContext(http.MethodDelete, "/api/v1/stores/"+uuid.NewString())
	h := Audit(zerolog.Nop(), rec)(func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.Code)
	}
}

func TestAudit_RecorderFunc(t *testing.T) {
	var got AuditEntry
	fn := AuditRecorderFunc(func(e AuditEntry) error { got = e; return nil })
	c, _ := newTestContext(http.MethodPut, "/api/v1/stores/"+uuid.NewString())
	_ = Audit(zerolog.Nop(), fn)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)
	if got.Action != "update" || got.Resource != "stores" {
		t.Errorf("unexpected entry: %+v", got)
	}
}

func TestParseAuditPath(t *testing.T) {
	id := uuid.NewString()
	tests := []struct {
		method, path            string
		resource, resID, action string
	}{
		{http.MethodPost, "/api/v1/requisitions", "requisitions", "", "create"},
		{http.MethodPost, "/api/v1/requisitions/" + id + "/submit", "requisitions", id, "submit"},
		{http.MethodPost, "/api/v1/transfers/" + id + "/complete", "transfers", id, "complete"},
		{http.MethodPost, "/api/v1/usage/batch", "usage", "", "batch"},
		{http.MethodPost, "/api/v1/stock/close", "stock", "", "close"},
		{http.MethodDelete, "/api/v1/requisitions/" + id, "requisitions", id, "delete"},
		{http.MethodPut, "/api/v1/items/" + id + "/", "items", id, "update"},
		{http.MethodPost, "/api/v1/", "", "", "create"},
	}
	for _, tt := range tests {
		resource, resID, action := parseAuditPath(tt.method, tt.path)
		if resource != tt.resource || resID != tt.resID || action != tt.action {
			t.Errorf("parseAuditPath(%s %s) = (%q, %q, %q), want (%q, %q, %q)",
				tt.method, tt.path, resource, resID, action, tt.resource, tt.resID, tt.action)
		}
	}
}

func TestMethodToAction(t *testing.T) {
	tests := map[string]string{
		http.MethodPost:   "create",
		http.MethodPut:    "update",
		http.MethodPatch:  "update",
		http.MethodDelete: "delete",
		http.MethodGet:    "read",
	}
	for method, want := range tests {
		if got := methodToAction(method); got != want {
			t.Errorf("methodToAction(%s) = %s, want %s", method, got, want)
		}
	}
}
