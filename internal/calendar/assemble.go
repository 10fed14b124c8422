package calendar

import (
	"context"
	"strings"

	appLog "cmacal/internal/log"
	"cmacal/internal/model"
	"cmacal/internal/pco"
)

// nonCACMarker marks internal events that must never be published.
const nonCACMarker = "non-cac event"

// EventDetailer loads a single parent event with every field.
type EventDetailer interface {
	FetchEvent(ctx context.Context, id string) (model.Event, error)
}

// AssembleOptions controls the join.
type AssembleOptions struct {
	// FetchEventDetails re-fetches an event when its side-loaded record
	// lacks visible_in_church_center.
	FetchEventDetails bool
}

// Assemble joins fetched instances to their parent events and applies the
// publication filters.
//
// Instances are grouped by parent id in first-seen order. A group whose
// parent is missing from batch.Events is dropped. Surviving groups are
// dropped again when the event is marked Non-CAC or is not explicitly
// visible in Church Center. batch.Events is updated in place with any
// back-filled records.
func Assemble(ctx context.Context, batch pco.Batch, opts AssembleOptions, detailer EventDetailer) []model.Aggregated {
	order := make([]string, 0)
	groups := make(map[string][]model.Instance)
	for _, inst := range batch.Instances {
		id := inst.EventID()
		if id == "" {
			continue
		}
		if _, seen := groups[id]; !seen {
			order = append(order, id)
		}
		groups[id] = append(groups[id], inst)
	}

	out := make([]model.Aggregated, 0, len(order))
	var dropped, backfilled int
	for _, id := range order {
		ev, ok := batch.Events[id]
		if !ok {
			dropped++
			continue
		}

		if opts.FetchEventDetails && detailer != nil && needsDetails(ev) {
			full, err := detailer.FetchEvent(ctx, id)
			if err != nil {
				appLog.Warn("event detail back-fill failed", "event_id", id, "err", err)
			} else {
				ev = full
				batch.Events[id] = full
				backfilled++
			}
		}

		if isNonCAC(ev) || !ev.Visible() {
			dropped++
			continue
		}
		out = append(out, model.Aggregated{Event: ev, Instances: groups[id]})
	}

	appLog.Debug("assembled events",
		"groups", len(order),
		"kept", len(out),
		"dropped", dropped,
		"backfilled", backfilled,
	)
	return out
}

// isNonCAC reports whether any classification field carries the Non-CAC marker.
func isNonCAC(ev model.Event) bool {
	for _, v := range []string{ev.Attributes.Name, ev.Attributes.Kind, ev.Attributes.EventType} {
		if strings.Contains(strings.ToLower(v), nonCACMarker) {
			return true
		}
	}
	return false
}

// needsDetails reports whether the included event lacks the publishing
// attributes the filters depend on.
func needsDetails(ev model.Event) bool {
	return ev.Attributes.VisibleInChurchCenter == nil || ev.Attributes.Visibility == ""
}
