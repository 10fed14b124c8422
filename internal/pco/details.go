package pco

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"cmacal/internal/model"
)

// FetchEvent loads a single event with every available field. It is used to
// back-fill visibility flags missing from side-loaded records.
func (f *Fetcher) FetchEvent(ctx context.Context, id string) (model.Event, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return model.Event{}, fmt.Errorf("pco: empty event id")
	}

	u := fmt.Sprintf("%s/events/%s?fields[events]=all", f.baseURL, url.PathEscape(id))
	var doc eventDocument
	if err := f.client.GetJSON(ctx, u, &doc); err != nil {
		return model.Event{}, fmt.Errorf("fetch event %s: %w", id, err)
	}
	if doc.Data.ID == "" {
		return model.Event{}, fmt.Errorf("fetch event %s: empty document", id)
	}
	return doc.Data, nil
}

// FetchUpcomingInstances returns the first page of an event's instances
// starting at or after since, ordered by start.
func (f *Fetcher) FetchUpcomingInstances(ctx context.Context, eventID string, since time.Time) ([]model.Instance, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, fmt.Errorf("pco: empty event id")
	}

	u := fmt.Sprintf("%s/events/%s/event_instances?per_page=%d&order=starts_at&where[starts_at][gte]=%s",
		f.baseURL, url.PathEscape(eventID), f.perPage, url.QueryEscape(since.UTC().Format(time.RFC3339)))

	var doc instancesDocument
	if err := f.client.GetJSON(ctx, u, &doc); err != nil {
		return nil, fmt.Errorf("fetch instances for event %s: %w", eventID, err)
	}
	return doc.Data, nil
}
