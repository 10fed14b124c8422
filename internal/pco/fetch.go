package pco

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	appLog "cmacal/internal/log"
	"cmacal/internal/model"
)

const (
	defaultPerPage  = 100
	defaultMaxPages = 100
)

// Field sets requested when narrowing is enabled.
var (
	instanceFields = []string{
		"starts_at", "ends_at", "start_time", "end_time", "start", "end",
		"location", "all_day", "created_at", "updated_at",
	}
	eventFields = []string{
		"name", "description", "kind", "event_type", "public_url", "image_url",
		"public", "visibility", "visible_in_church_center", "featured",
		"starts_at", "ends_at", "all_day", "location", "created_at", "updated_at",
	}
)

// FetcherOptions configures pagination.
type FetcherOptions struct {
	// BaseURL is the Calendar API root, e.g. https://api.planningcenteronline.com/calendar/v2.
	BaseURL  string
	PerPage  int
	MaxPages int
	// PageDelay is the pause between non-terminal pages when fields are not narrowed.
	PageDelay time.Duration
}

// FetchOptions are per-call switches.
type FetchOptions struct {
	// NarrowFields asks the server for a reduced field set. When false, each
	// instance is re-checked against the date window and pages are paced.
	NarrowFields bool
}

// Batch is everything accumulated by one fetch pass.
type Batch struct {
	Instances []model.Instance
	// Events holds side-loaded parent events by id (last write wins).
	Events map[string]model.Event
	Pages  int
	// Truncated is true when the page cap stopped the walk with a next link pending.
	Truncated bool
	// Err is the error that ended the walk early, if any. The accumulated
	// data is still valid.
	Err error
}

// Fetcher walks the event_instances collection.
type Fetcher struct {
	client    *Client
	baseURL   string
	perPage   int
	maxPages  int
	pageDelay time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// NewFetcher creates a new Fetcher over an authenticated client.
func NewFetcher(client *Client, opts FetcherOptions) *Fetcher {
	if opts.PerPage <= 0 || opts.PerPage > defaultPerPage {
		opts.PerPage = defaultPerPage
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if opts.PageDelay < 0 {
		opts.PageDelay = 0
	}
	return &Fetcher{
		client:    client,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		perPage:   opts.PerPage,
		maxPages:  opts.MaxPages,
		pageDelay: opts.PageDelay,
		sleep:     sleepContext,
	}
}

// FetchAll retrieves every instance starting within [startDate 00:00:00Z,
// endDate 23:59:59Z] (dates are YYYY-MM-DD), following links.next for at most
// MaxPages pages. Pages are fetched strictly in sequence. A failing page
// ends the walk; whatever was gathered before it is returned with Batch.Err set.
func (f *Fetcher) FetchAll(ctx context.Context, startDate, endDate string, opts FetchOptions) Batch {
	batch := Batch{Events: make(map[string]model.Event)}

	startISO := startDate + "T00:00:00Z"
	endISO := endDate + "T23:59:59Z"
	windowStart, err := time.Parse(time.RFC3339, startISO)
	if err != nil {
		batch.Err = fmt.Errorf("pco: invalid start date %q: %w", startDate, err)
		return batch
	}
	windowEnd, err := time.Parse(time.RFC3339, endISO)
	if err != nil {
		batch.Err = fmt.Errorf("pco: invalid end date %q: %w", endDate, err)
		return batch
	}

	next := f.instancesURL(startISO, endISO, opts.NarrowFields)
	started := time.Now()

	for next != "" && batch.Pages < f.maxPages {
		batch.Pages++

		var doc instancesDocument
		if err := f.client.GetJSON(ctx, next, &doc); err != nil {
			batch.Err = fmt.Errorf("page %d: %w", batch.Pages, err)
			appLog.Error("pco page fetch failed; returning partial results", err,
				"page", batch.Pages,
				"url", appLog.RedactURL(next),
				"instances", len(batch.Instances),
			)
			break
		}

		if opts.NarrowFields {
			batch.Instances = append(batch.Instances, doc.Data...)
		} else {
			for _, inst := range doc.Data {
				if inWindow(inst, windowStart, windowEnd) {
					batch.Instances = append(batch.Instances, inst)
				}
			}
		}

		for _, ev := range doc.events() {
			batch.Events[ev.ID] = ev
		}

		next = strings.TrimSpace(doc.Links.Next)
		if next != "" && !opts.NarrowFields && f.pageDelay > 0 {
			if err := f.sleep(ctx, f.pageDelay); err != nil {
				batch.Err = err
				break
			}
		}
	}

	if next != "" && batch.Err == nil && batch.Pages >= f.maxPages {
		batch.Truncated = true
		appLog.Warn("pco page cap reached", "max_pages", f.maxPages)
	}

	appLog.Debug("pco fetch completed",
		"pages", batch.Pages,
		"instances", len(batch.Instances),
		"events", len(batch.Events),
		"narrow_fields", opts.NarrowFields,
		"elapsed", time.Since(started),
	)
	return batch
}

func (f *Fetcher) instancesURL(startISO, endISO string, narrow bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/event_instances?per_page=%d", f.baseURL, f.perPage)
	b.WriteString("&where[starts_at][gte]=" + url.QueryEscape(startISO))
	b.WriteString("&where[starts_at][lte]=" + url.QueryEscape(endISO))
	b.WriteString("&order=starts_at&include=event")
	if narrow {
		b.WriteString("&fields[event_instances]=" + strings.Join(instanceFields, ","))
		b.WriteString("&fields[events]=" + strings.Join(eventFields, ","))
	}
	return b.String()
}

// inWindow re-checks an instance against the inclusive window. Instances
// with no resolvable start are rejected.
func inWindow(inst model.Instance, start, end time.Time) bool {
	t, ok := inst.Attributes.ResolveStart()
	if !ok {
		return false
	}
	return !t.Before(start) && !t.After(end)
}
