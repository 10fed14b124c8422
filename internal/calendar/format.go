package calendar

import (
	"sort"
	"time"

	"cmacal/internal/model"
)

// DefaultFeaturedLimit is the number of featured records shown when the
// caller does not choose one.
const DefaultFeaturedLimit = 6

// Format flattens aggregated events into one record per instance, sorted
// ascending by start. Instances whose start cannot be resolved are dropped.
func Format(groups []model.Aggregated) []model.Formatted {
	out := make([]model.Formatted, 0)
	for _, g := range groups {
		for _, inst := range g.Instances {
			f, ok := formatInstance(g.Event, inst)
			if !ok {
				continue
			}
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartDate.Before(out[j].StartDate)
	})
	return out
}

func formatInstance(ev model.Event, inst model.Instance) (model.Formatted, bool) {
	start, ok := inst.Attributes.ResolveStart()
	if !ok {
		return model.Formatted{}, false
	}

	attrs := ev.Attributes
	f := model.Formatted{
		ID:                    ev.ID + "-" + inst.ID,
		EventID:               ev.ID,
		Title:                 attrs.Name,
		Description:           attrs.Description,
		StartDate:             start,
		AllDay:                model.IsTrue(inst.Attributes.AllDay) || model.IsTrue(attrs.AllDay),
		Location:              inst.Attributes.Location,
		Kind:                  attrs.Kind,
		EventType:             optionalString(attrs.EventType),
		VisibleInChurchCenter: copyBool(attrs.VisibleInChurchCenter),
		Featured:              copyBool(attrs.Featured),
		PublicURL:             optionalString(attrs.PublicURL),
		ImageURL:              optionalString(attrs.ImageURL),
	}
	if f.Location == "" {
		f.Location = attrs.Location
	}
	if end, ok := inst.Attributes.ResolveEnd(); ok {
		f.EndDate = &end
	}
	return f, true
}

// ComputeFeatured returns, in start order, the first limit records that
// start today or later (by calendar day in loc) and are explicitly featured.
// events is not modified.
func ComputeFeatured(events []model.Formatted, now time.Time, loc *time.Location, limit int) []model.Formatted {
	if limit <= 0 {
		limit = DefaultFeaturedLimit
	}
	if loc == nil {
		loc = time.UTC
	}
	today := startOfDay(now, loc)

	sorted := make([]model.Formatted, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartDate.Before(sorted[j].StartDate)
	})

	out := make([]model.Formatted, 0, limit)
	for _, ev := range sorted {
		if len(out) == limit {
			break
		}
		if !model.IsTrue(ev.Featured) {
			continue
		}
		if startOfDay(ev.StartDate, loc).Before(today) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func copyBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}
