package pco

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// pagedServer serves `total` pages, each with one instance of event "e{page%2}",
// linking page N to page N+1.
func pagedServer(t *testing.T, total int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		page := 1
		if p := r.URL.Query().Get("page"); p != "" {
			page, _ = strconv.Atoi(p)
		}
		eventID := fmt.Sprintf("e%d", page%2)
		doc := map[string]any{
			"data": []map[string]any{{
				"id":   fmt.Sprintf("i%d", page),
				"type": "EventInstance",
				"attributes": map[string]any{
					"starts_at": "2025-03-10T15:00:00Z",
				},
				"relationships": map[string]any{
					"event": map[string]any{"data": map[string]any{"id": eventID, "type": "Event"}},
				},
			}},
			"included": []map[string]any{
				{"id": eventID, "type": "Event", "attributes": map[string]any{"name": fmt.Sprintf("Event seen on page %d", page)}},
			},
			"links": map[string]any{},
		}
		if page < total {
			doc["links"] = map[string]any{"next": fmt.Sprintf("%s/event_instances?page=%d", srv.URL, page+1)}
		}
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestFetcher(t *testing.T, baseURL string) (*Fetcher, *[]time.Duration) {
	t.Helper()
	c, _ := newTestClient(t, patCreds())
	f := NewFetcher(c, FetcherOptions{BaseURL: baseURL, PageDelay: 200 * time.Millisecond})
	var delays []time.Duration
	f.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return f, &delays
}

func TestFetchAllFollowsEveryPage(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := pagedServer(t, 7, &calls)
	f, _ := newTestFetcher(t, srv.URL)

	batch := f.FetchAll(context.Background(), "2025-03-01", "2025-03-31", FetchOptions{NarrowFields: true})
	if batch.Err != nil {
		t.Fatalf("unexpected error: %v", batch.Err)
	}
	if batch.Pages != 7 || len(batch.Instances) != 7 {
		t.Fatalf("expected 7 pages/instances, got pages=%d instances=%d", batch.Pages, len(batch.Instances))
	}
	if batch.Truncated {
		t.Fatal("expected untruncated batch")
	}
	if len(batch.Events) != 2 {
		t.Fatalf("expected 2 distinct events, got %d", len(batch.Events))
	}
	// e1 appears last on page 7, e0 on page 6: last write wins.
	if got := batch.Events["e1"].Attributes.Name; got != "Event seen on page 7" {
		t.Fatalf("expected last write to win, got %q", got)
	}
	if got := batch.Events["e0"].Attributes.Name; got != "Event seen on page 6" {
		t.Fatalf("expected last write to win, got %q", got)
	}
}

func TestFetchAllStopsAtPageCap(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := pagedServer(t, 150, &calls)
	f, _ := newTestFetcher(t, srv.URL)

	batch := f.FetchAll(context.Background(), "2025-03-01", "2025-03-31", FetchOptions{NarrowFields: true})
	if batch.Pages != 100 || len(batch.Instances) != 100 {
		t.Fatalf("expected 100 pages/instances, got pages=%d instances=%d", batch.Pages, len(batch.Instances))
	}
	if calls.Load() != 100 {
		t.Fatalf("expected 100 requests, got %d", calls.Load())
	}
	if !batch.Truncated {
		t.Fatal("expected truncated batch")
	}
	if batch.Instances[99].ID != "i100" {
		t.Fatalf("unexpected last instance: %s", batch.Instances[99].ID)
	}
}

func TestFetchAllBuildsWindowedURL(t *testing.T) {
	t.Parallel()

	var rawQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/event_instances" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		rawQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv.URL)
	f.FetchAll(context.Background(), "2025-03-01", "2025-03-31", FetchOptions{NarrowFields: true})

	for _, want := range []string{
		"per_page=100",
		"where[starts_at][gte]=2025-03-01T00%3A00%3A00Z",
		"where[starts_at][lte]=2025-03-31T23%3A59%3A59Z",
		"order=starts_at",
		"include=event",
		"fields[events]=name,",
		"visible_in_church_center",
	} {
		if !strings.Contains(rawQuery, want) {
			t.Fatalf("expected query to contain %q, got %q", want, rawQuery)
		}
	}
}

func TestFetchAllFiltersWindowAndPacesWithoutNarrowing(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.RawQuery, "fields[") {
			t.Errorf("did not expect field narrowing: %s", r.URL.RawQuery)
		}
		if r.URL.Query().Get("page") == "2" {
			_, _ = w.Write([]byte(`{"data":[
				{"id":"late","attributes":{"start":"2025-04-01T00:00:00Z"},"relationships":{"event":{"data":{"id":"e1","type":"Event"}}}}
			]}`))
			return
		}
		fmt.Fprintf(w, `{"data":[
			{"id":"edge","attributes":{"starts_at":"2025-03-31T23:59:59Z"},"relationships":{"event":{"data":{"id":"e1","type":"Event"}}}},
			{"id":"early","attributes":{"starts_at":"2025-02-28T23:59:59Z"},"relationships":{"event":{"data":{"id":"e1","type":"Event"}}}},
			{"id":"undated","attributes":{"location":"Hall"},"relationships":{"event":{"data":{"id":"e1","type":"Event"}}}}
		],
		"included":[
			{"id":"e1","type":"Event","attributes":{"name":"Supper"}},
			{"id":"t1","type":"Tag","attributes":{"name":{"nested":true}}}
		],
		"links":{"next":"%s/event_instances?page=2"}}`, srv.URL)
	}))
	defer srv.Close()

	f, delays := newTestFetcher(t, srv.URL)
	batch := f.FetchAll(context.Background(), "2025-03-01", "2025-03-31", FetchOptions{})
	if batch.Err != nil {
		t.Fatalf("unexpected error: %v", batch.Err)
	}
	if len(batch.Instances) != 1 || batch.Instances[0].ID != "edge" {
		t.Fatalf("expected only the in-window instance, got %+v", batch.Instances)
	}
	if len(batch.Events) != 1 || batch.Events["e1"].Attributes.Name != "Supper" {
		t.Fatalf("expected only Event-typed includes, got %+v", batch.Events)
	}
	if len(*delays) != 1 || (*delays)[0] != 200*time.Millisecond {
		t.Fatalf("expected one 200ms pause between pages, got %v", *delays)
	}
}

func TestFetchAllRateLimitRetrySucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		switch {
		case n == 2:
			w.WriteHeader(http.StatusTooManyRequests)
		case r.URL.Query().Get("page") == "2":
			_, _ = w.Write([]byte(`{"data":[{"id":"i2","attributes":{"starts_at":"2025-03-02T10:00:00Z"}}]}`))
		default:
			fmt.Fprintf(w, `{"data":[{"id":"i1","attributes":{"starts_at":"2025-03-01T10:00:00Z"}}],"links":{"next":"%s/event_instances?page=2"}}`, srv.URL)
		}
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv.URL)
	batch := f.FetchAll(context.Background(), "2025-03-01", "2025-03-31", FetchOptions{NarrowFields: true})
	if batch.Err != nil {
		t.Fatalf("unexpected error: %v", batch.Err)
	}
	if len(batch.Instances) != 2 || batch.Pages != 2 {
		t.Fatalf("expected both pages after retry, got pages=%d instances=%d", batch.Pages, len(batch.Instances))
	}
}

func TestFetchAllRateLimitRetryFailureKeepsPriorPages(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "3":
			w.WriteHeader(http.StatusTooManyRequests)
		case "2":
			fmt.Fprintf(w, `{"data":[{"id":"i2","attributes":{"starts_at":"2025-03-02T10:00:00Z"}}],"links":{"next":"%s/event_instances?page=3"}}`, srv.URL)
		default:
			fmt.Fprintf(w, `{"data":[{"id":"i1","attributes":{"starts_at":"2025-03-01T10:00:00Z"}}],"links":{"next":"%s/event_instances?page=2"}}`, srv.URL)
		}
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv.URL)
	batch := f.FetchAll(context.Background(), "2025-03-01", "2025-03-31", FetchOptions{NarrowFields: true})

	var serr *StatusError
	if !errors.As(batch.Err, &serr) || !serr.Retried {
		t.Fatalf("expected retried StatusError, got %v", batch.Err)
	}
	if len(batch.Instances) != 2 || batch.Instances[1].ID != "i2" {
		t.Fatalf("expected pages 1-2 kept, got %+v", batch.Instances)
	}
	if batch.Pages != 3 {
		t.Fatalf("expected failure on page 3, got %d", batch.Pages)
	}
}

func TestFetchAllMalformedBodyEndsWalk(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":`))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv.URL)
	batch := f.FetchAll(context.Background(), "2025-03-01", "2025-03-31", FetchOptions{NarrowFields: true})
	if batch.Err == nil {
		t.Fatal("expected decode error")
	}
	if len(batch.Instances) != 0 {
		t.Fatalf("expected no instances, got %d", len(batch.Instances))
	}
}

func TestFetchAllRejectsBadDates(t *testing.T) {
	f, _ := newTestFetcher(t, "http://127.0.0.1:0")
	batch := f.FetchAll(context.Background(), "03/01/2025", "2025-03-31", FetchOptions{})
	if batch.Err == nil || batch.Pages != 0 {
		t.Fatalf("expected early error without requests, got %+v", batch)
	}
}

func TestFetchEvent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events/42" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("fields[events]") != "all" {
			t.Errorf("expected all fields, got %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"data":{"id":"42","type":"Event","attributes":{"name":"Picnic","visible_in_church_center":true}}}`))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv.URL)
	ev, err := f.FetchEvent(context.Background(), "42")
	if err != nil {
		t.Fatalf("FetchEvent error = %v", err)
	}
	if ev.Attributes.Name != "Picnic" || !ev.Visible() {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestFetchUpcomingInstances(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events/42/event_instances" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("where[starts_at][gte]"); got != "2025-03-01T05:00:00Z" {
			t.Errorf("unexpected lower bound: %q", got)
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"i1","attributes":{"starts_at":"2025-03-02T10:00:00Z"}}]}`))
	}))
	defer srv.Close()

	f, _ := newTestFetcher(t, srv.URL)
	since := time.Date(2025, 3, 1, 0, 0, 0, 0, time.FixedZone("EST", -5*3600))
	instances, err := f.FetchUpcomingInstances(context.Background(), "42", since)
	if err != nil {
		t.Fatalf("FetchUpcomingInstances error = %v", err)
	}
	if len(instances) != 1 || instances[0].ID != "i1" {
		t.Fatalf("unexpected instances: %+v", instances)
	}
}
