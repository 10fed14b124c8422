package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cmacal/internal/cache"
	"cmacal/internal/calendar"
	"cmacal/internal/config"
	"cmacal/internal/model"
)

type readerFake struct {
	result cache.Result
	ranges []calendar.Range
}

func (r *readerFake) Read(_ context.Context, rng calendar.Range) cache.Result {
	r.ranges = append(r.ranges, rng)
	res := r.result
	res.Range = rng
	return res
}

type detailFake struct {
	detail calendar.Detail
	err    error
}

func (d *detailFake) EventDetail(context.Context, string) (calendar.Detail, error) {
	return d.detail, d.err
}

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, reader *readerFake, details *detailFake, auth *config.BasicAuthConfig) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.BasicAuth = auth
	if details == nil {
		details = &detailFake{}
	}
	s := NewServer(cfg, reader, details)
	s.now = func() time.Time { return testNow }
	return s
}

func do(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func sampleEvents() []model.Formatted {
	yes := true
	return []model.Formatted{
		{ID: "1-a", EventID: "1", Title: "Past", StartDate: testNow.AddDate(0, 0, -2), Featured: &yes},
		{ID: "2-b", EventID: "2", Title: "Dinner", StartDate: testNow.AddDate(0, 0, 2), Featured: &yes},
		{ID: "3-c", EventID: "3", Title: "Choir", StartDate: testNow.AddDate(0, 0, 3)},
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &readerFake{}, nil, &config.BasicAuthConfig{Username: "u", Password: "p"})
	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("unexpected health response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestBasicAuthGuardsAPI(t *testing.T) {
	reader := &readerFake{result: cache.Result{Events: sampleEvents(), Status: cache.StatusFresh}}
	s := newTestServer(t, reader, nil, &config.BasicAuthConfig{Username: "u", Password: "p"})

	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/calendar", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if !strings.HasPrefix(strings.ToLower(rec.Header().Get("WWW-Authenticate")), "basic") {
		t.Fatalf("expected basic challenge, got %q", rec.Header().Get("WWW-Authenticate"))
	}

	req := httptest.NewRequest(http.MethodGet, "/api/calendar", nil)
	req.SetBasicAuth("u", "p")
	if rec := do(t, s, req); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with credentials, got %d", rec.Code)
	}
}

func TestCalendarFreshResponse(t *testing.T) {
	reader := &readerFake{result: cache.Result{Events: sampleEvents(), Status: cache.StatusFresh}}
	s := newTestServer(t, reader, nil, nil)

	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/calendar", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != cacheControlFresh {
		t.Fatalf("unexpected cache-control: %q", got)
	}

	var body struct {
		Events         []model.Formatted `json:"events"`
		FeaturedEvents []model.Formatted `json:"featuredEvents"`
		DateRange      calendar.Range    `json:"dateRange"`
		Status         string            `json:"status"`
		Cached         bool              `json:"cached"`
		Stale          bool              `json:"stale"`
		Error          string            `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 3 || body.Status != "fresh" || !body.Cached || body.Stale {
		t.Fatalf("unexpected body: %+v", body)
	}
	if len(body.FeaturedEvents) != 1 || body.FeaturedEvents[0].ID != "2-b" {
		t.Fatalf("unexpected featured: %+v", body.FeaturedEvents)
	}
	want := calendar.Range{Start: "2025-03-01", End: "2025-05-31"}
	if body.DateRange != want || reader.ranges[0] != want {
		t.Fatalf("expected default window %+v, got %+v", want, body.DateRange)
	}
}

func TestCalendarStaleAndErrorResponses(t *testing.T) {
	reader := &readerFake{result: cache.Result{Events: sampleEvents(), Status: cache.StatusStale}}
	s := newTestServer(t, reader, nil, nil)

	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/calendar?startDate=2025-03-01&endDate=2025-03-31", nil))
	if got := rec.Header().Get("Cache-Control"); got != cacheControlStale {
		t.Fatalf("unexpected cache-control: %q", got)
	}
	if !strings.Contains(rec.Body.String(), `"stale":true`) {
		t.Fatalf("expected stale flag, got %s", rec.Body.String())
	}

	reader.result = cache.Result{Events: []model.Formatted{}, Status: cache.StatusMiss, Err: errors.New("upstream status 401")}
	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/api/calendar?startDate=2025-03-01&endDate=2025-03-31", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("upstream failure must not surface as %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"events":[]`) || !strings.Contains(body, `"error":"upstream status 401"`) {
		t.Fatalf("expected empty events with error, got %s", body)
	}
}

func TestCalendarRejectsBadRanges(t *testing.T) {
	reader := &readerFake{}
	s := newTestServer(t, reader, nil, nil)

	for _, q := range []string{
		"startDate=03-01-2025",
		"startDate=2025-03-31&endDate=2025-03-01",
		"startDate=2025-01-01&endDate=2026-06-01",
	} {
		rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/calendar?"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"error"`) {
			t.Fatalf("%s: expected error body, got %s", q, rec.Body.String())
		}
	}
	if len(reader.ranges) != 0 {
		t.Fatal("invalid ranges must not reach the cache")
	}
}

func TestEventsRequiresBothDates(t *testing.T) {
	reader := &readerFake{result: cache.Result{Events: sampleEvents(), Status: cache.StatusMiss}}
	s := newTestServer(t, reader, nil, nil)

	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/events?startDate=2025-03-01", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/api/events?startDate=2025-03-01&endDate=2025-03-31", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body eventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(body.Events))
	}
}

func TestEventsICS(t *testing.T) {
	reader := &readerFake{result: cache.Result{Events: sampleEvents(), Status: cache.StatusFresh}}
	s := newTestServer(t, reader, nil, nil)

	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/events.ics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Fatalf("unexpected content type: %q", ct)
	}
	if n := strings.Count(rec.Body.String(), "BEGIN:VEVENT"); n != 3 {
		t.Fatalf("expected 3 VEVENTs, got %d", n)
	}
}

func TestEventDetail(t *testing.T) {
	details := &detailFake{detail: calendar.Detail{Event: calendar.DetailEvent{ID: "42", Name: "Picnic"}}}
	s := newTestServer(t, &readerFake{}, details, nil)

	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/events/42", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"name":"Picnic"`) {
		t.Fatalf("unexpected detail response: %d %s", rec.Code, rec.Body.String())
	}

	details.err = calendar.ErrNotFound
	if rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/events/42", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	details.err = errors.New("timeout")
	if rec := do(t, s, httptest.NewRequest(http.MethodGet, "/api/events/42", nil)); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}
