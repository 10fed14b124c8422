package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	appLog "cmacal/internal/log"
	"cmacal/internal/model"
	"cmacal/internal/pco"
)

// ErrNotFound is returned by EventDetail for unknown or unpublished events.
var ErrNotFound = errors.New("event not found")

// Source is the upstream surface the pipeline reads from. *pco.Fetcher
// satisfies it.
type Source interface {
	EventDetailer
	FetchAll(ctx context.Context, startDate, endDate string, opts pco.FetchOptions) pco.Batch
	FetchUpcomingInstances(ctx context.Context, eventID string, since time.Time) ([]model.Instance, error)
}

// Options configures a Service.
type Options struct {
	NarrowFields      bool
	FetchEventDetails bool
	Location          *time.Location
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service runs the fetch, assemble and format pipeline.
type Service struct {
	src  Source
	opts Options
}

func NewService(src Source, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{src: src, opts: opts}
}

// Location is the timezone used for "today".
func (s *Service) Location() *time.Location { return s.opts.Location }

// Load fetches and formats every published instance in rng. A fetch that
// fails after gathering some instances is logged and its partial data is
// returned; only a failure with nothing gathered is an error.
func (s *Service) Load(ctx context.Context, rng Range) ([]model.Formatted, error) {
	batch := s.src.FetchAll(ctx, rng.Start, rng.End, pco.FetchOptions{NarrowFields: s.opts.NarrowFields})
	if batch.Err != nil {
		if len(batch.Instances) == 0 {
			return nil, fmt.Errorf("load %s: %w", rng, batch.Err)
		}
		appLog.Warn("serving partial calendar data",
			"range", rng.String(),
			"pages", batch.Pages,
			"instances", len(batch.Instances),
			"err", batch.Err,
		)
	}

	groups := Assemble(ctx, batch, AssembleOptions{FetchEventDetails: s.opts.FetchEventDetails}, s.src)
	events := Format(groups)

	appLog.Info("calendar loaded",
		"range", rng.String(),
		"pages", batch.Pages,
		"truncated", batch.Truncated,
		"events", len(events),
	)
	return events, nil
}

// DetailEvent is the public view of a single event.
type DetailEvent struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Description     string  `json:"description"`
	Kind            string  `json:"kind"`
	EventType       *string `json:"eventType"`
	PublicURL       *string `json:"publicUrl"`
	ImageURL        *string `json:"imageUrl"`
	Featured        *bool   `json:"featured"`
	RegistrationURL *string `json:"registrationUrl"`
}

// DetailInstance is one occurrence on the detail view.
type DetailInstance struct {
	ID       string     `json:"id"`
	StartsAt time.Time  `json:"startsAt"`
	EndsAt   *time.Time `json:"endsAt"`
	AllDay   bool       `json:"allDay"`
	Location string     `json:"location"`
}

type Detail struct {
	Event    DetailEvent     `json:"event"`
	Instance *DetailInstance `json:"instance"`
}

// EventDetail loads one visible event together with its next occurrence.
// Events that do not exist upstream or are not visible in Church Center
// yield ErrNotFound. Failure to load instances leaves Instance nil.
func (s *Service) EventDetail(ctx context.Context, id string) (Detail, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Detail{}, ErrNotFound
	}

	ev, err := s.src.FetchEvent(ctx, id)
	if err != nil {
		var serr *pco.StatusError
		if errors.As(err, &serr) && serr.StatusCode == http.StatusNotFound {
			return Detail{}, ErrNotFound
		}
		return Detail{}, err
	}
	if !ev.Visible() {
		return Detail{}, ErrNotFound
	}

	attrs := ev.Attributes
	registration := attrs.RegistrationURL
	if registration == "" {
		registration = attrs.RegistrationLink
	}
	d := Detail{Event: DetailEvent{
		ID:              ev.ID,
		Name:            attrs.Name,
		Description:     attrs.Description,
		Kind:            attrs.Kind,
		EventType:       optionalString(attrs.EventType),
		PublicURL:       optionalString(attrs.PublicURL),
		ImageURL:        optionalString(attrs.ImageURL),
		Featured:        copyBool(attrs.Featured),
		RegistrationURL: optionalString(registration),
	}}

	now := s.opts.Now()
	instances, err := s.src.FetchUpcomingInstances(ctx, ev.ID, startOfDay(now, s.opts.Location))
	if err != nil {
		appLog.Error("event instances lookup failed", err, "event_id", ev.ID)
		return d, nil
	}
	d.Instance = nextInstance(instances, now)
	return d, nil
}

// nextInstance picks the earliest instance starting at or after now, falling
// back to the earliest overall.
func nextInstance(instances []model.Instance, now time.Time) *DetailInstance {
	all := make([]DetailInstance, 0, len(instances))
	for _, inst := range instances {
		start, ok := inst.Attributes.ResolveStart()
		if !ok {
			continue
		}
		di := DetailInstance{
			ID:       inst.ID,
			StartsAt: start,
			AllDay:   model.IsTrue(inst.Attributes.AllDay),
			Location: inst.Attributes.Location,
		}
		if end, ok := inst.Attributes.ResolveEnd(); ok {
			di.EndsAt = &end
		}
		all = append(all, di)
	}
	if len(all) == 0 {
		return nil
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].StartsAt.Before(all[j].StartsAt) })

	for i := range all {
		if !all[i].StartsAt.Before(now) {
			return &all[i]
		}
	}
	return &all[0]
}
