package model

import (
	"strings"
	"time"
)

// TypeEvent is the JSON-API type tag of parent event records.
const TypeEvent = "Event"

// InstanceAttributes carries the fields of one scheduled occurrence.
// The upstream API has used several names for the same timestamp over time,
// so start and end each have an ordered alias list (see StartAliases/EndAliases).
type InstanceAttributes struct {
	StartsAt  string `json:"starts_at,omitempty"`
	StartTime string `json:"start_time,omitempty"`
	Start     string `json:"start,omitempty"`
	EndsAt    string `json:"ends_at,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	End       string `json:"end,omitempty"`
	AllDay    *bool  `json:"all_day,omitempty"`
	Location  string `json:"location,omitempty"`
}

// StartAliases returns the start-time fields in priority order.
func (a InstanceAttributes) StartAliases() []string {
	return []string{a.StartsAt, a.StartTime, a.Start}
}

// EndAliases returns the end-time fields in priority order.
func (a InstanceAttributes) EndAliases() []string {
	return []string{a.EndsAt, a.EndTime, a.End}
}

// ResolveStart resolves the instance start time; ok is false when no alias parses.
func (a InstanceAttributes) ResolveStart() (time.Time, bool) {
	return ResolveTime(a.StartAliases()...)
}

// ResolveEnd resolves the instance end time; ok is false when no alias parses.
func (a InstanceAttributes) ResolveEnd() (time.Time, bool) {
	return ResolveTime(a.EndAliases()...)
}

// Relationship is a JSON-API to-one reference.
type Relationship struct {
	Data *ResourceRef `json:"data,omitempty"`
}

type ResourceRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type InstanceRelationships struct {
	Event Relationship `json:"event"`
}

// Instance is a single occurrence of an Event (an "event_instances" record).
type Instance struct {
	ID            string                `json:"id"`
	Type          string                `json:"type"`
	Attributes    InstanceAttributes    `json:"attributes"`
	Relationships InstanceRelationships `json:"relationships"`
}

// EventID returns the owning event id, or "" when the back-reference is missing.
func (i Instance) EventID() string {
	if i.Relationships.Event.Data == nil {
		return ""
	}
	return strings.TrimSpace(i.Relationships.Event.Data.ID)
}

// EventAttributes holds the parent event fields. Tri-state flags are pointers
// so that "absent" and "false" remain distinguishable.
type EventAttributes struct {
	Name                  string `json:"name"`
	Description           string `json:"description,omitempty"`
	Kind                  string `json:"kind,omitempty"`
	EventType             string `json:"event_type,omitempty"`
	PublicURL             string `json:"public_url,omitempty"`
	ImageURL              string `json:"image_url,omitempty"`
	Public                *bool  `json:"public,omitempty"`
	Visibility            string `json:"visibility,omitempty"`
	VisibleInChurchCenter *bool  `json:"visible_in_church_center,omitempty"`
	Featured              *bool  `json:"featured,omitempty"`
	AllDay                *bool  `json:"all_day,omitempty"`
	Location              string `json:"location,omitempty"`
	RegistrationURL       string `json:"registration_url,omitempty"`
	RegistrationLink      string `json:"registration_link,omitempty"`
}

// Event is a parent calendar event.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Attributes EventAttributes `json:"attributes"`
}

// Visible reports whether the event is explicitly visible in Church Center.
func (e Event) Visible() bool {
	return IsTrue(e.Attributes.VisibleInChurchCenter)
}

// Aggregated pairs an event with its instances, in upstream order.
type Aggregated struct {
	Event     Event
	Instances []Instance
}

// Formatted is the flattened, cache-resident view of one (event, instance) pair.
type Formatted struct {
	ID                    string     `json:"id"`
	EventID               string     `json:"eventId"`
	Title                 string     `json:"title"`
	Description           string     `json:"description"`
	StartDate             time.Time  `json:"startDate"`
	EndDate               *time.Time `json:"endDate"`
	AllDay                bool       `json:"allDay"`
	Location              string     `json:"location"`
	Kind                  string     `json:"kind"`
	EventType             *string    `json:"eventType"`
	VisibleInChurchCenter *bool      `json:"visibleInChurchCenter"`
	Featured              *bool      `json:"featured"`
	PublicURL             *string    `json:"publicUrl"`
	ImageURL              *string    `json:"imageUrl"`
}

// IsTrue reports whether b is set and true.
func IsTrue(b *bool) bool {
	return b != nil && *b
}

// dateOnly is the layout used for all-day values such as "2025-03-01".
const dateOnly = "2006-01-02"

// ResolveTime is the single priority function for alias fields: it returns the
// first non-empty alias that parses as RFC 3339 (or a bare date). Empty and
// unparseable aliases are skipped.
func ResolveTime(aliases ...string) (time.Time, bool) {
	for _, raw := range aliases {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t, true
		}
		if t, err := time.Parse(dateOnly, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
