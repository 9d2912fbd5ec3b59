package pagination

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext_Defaults(t *testing.T) {
	p := paramsFor("")
	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := paramsFor("?limit=50&offset=10")
	if p.Limit != 50 || p.Offset != 10 {
		t.Errorf("expected 50/10, got %d/%d", p.Limit, p.Offset)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	p := paramsFor("?limit=500")
	if p.Limit != MaxLimit {
		t.Errorf("expected max limit %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_NegativeOffset(t *testing.T) {
	p := paramsFor("?offset=-5")
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 50, 20, 0)
	if resp.Total != 50 {
		t.Errorf("expected total 50, got %d", resp.Total)
	}
	if !resp.HasMore {
		t.Error("expected has_more to be true")
	}

	resp = NewResponse([]string{"a"}, 1, 20, 0)
	if resp.HasMore {
		t.Error("expected has_more to be false")
	}
}

func TestParams_Navigation(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if !p.HasPrevious() {
		t.Error("expected previous page")
	}
	if p.NextOffset() != 15 {
		t.Errorf("expected next offset 15, got %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("expected previous offset clamped to 0, got %d", p.PreviousOffset())
	}
	if p.HasNext(15) {
		t.Error("expected no next page at total 15")
	}
}

func TestParams_Links_MiddlePage(t *testing.T) {
	links := Params{Limit: 10, Offset: 10}.Links("/api/v1/requisitions", 35)
	if len(links) != 3 {
		t.Fatalf("expected 3 links, got %d", len(links))
	}
	want := map[string]string{
		"self":     "/api/v1/requisitions?offset=10&limit=10",
		"next":     "/api/v1/requisitions?offset=20&limit=10",
		"previous": "/api/v1/requisitions?offset=0&limit=10",
	}
	for _, l := range links {
		if want[l.Relation] != l.URL {
			t.Errorf("%s: expected %s, got %s", l.Relation, want[l.Relation], l.URL)
		}
	}
}

func TestParams_Links_NoResults(t *testing.T) {
	links := Params{Limit: 20}.Links("/api/v1/stock", 0)
	if len(links) != 1 || links[0].Relation != "self" {
		t.Errorf("expected only self link, got %v", links)
	}
}

func TestResponse_WithLinksJSON(t *testing.T) {
	resp := NewResponse([]int{1}, 30, 10, 0).WithLinks("/api/v1/usage")
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	links, ok := decoded["links"].([]interface{})
	if !ok || len(links) != 2 {
		t.Errorf("expected self and next links, got %v", decoded["links"])
	}
}
