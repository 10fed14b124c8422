package ics

import (
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"cmacal/internal/model"
)

const (
	productID = "-//cmacal//Calendar Feed//EN"
	uidDomain = "cmacal"
)

// Encode renders events as a PUBLISH calendar named name. All-day records
// become date-valued VEVENTs; an all-day record without an end spans one day.
func Encode(w io.Writer, name string, events []model.Formatted, stamp time.Time) error {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if name = strings.TrimSpace(name); name != "" {
		cal.SetXWRCalName(name)
	}

	for _, ev := range events {
		ve := cal.AddEvent(ev.ID + "@" + uidDomain)
		ve.SetDtStampTime(stamp.UTC())
		ve.SetSummary(ev.Title)

		if ev.AllDay {
			ve.SetAllDayStartAt(ev.StartDate)
			end := ev.StartDate.AddDate(0, 0, 1)
			if ev.EndDate != nil && ev.EndDate.After(ev.StartDate) {
				end = ev.EndDate.AddDate(0, 0, 1)
			}
			ve.SetAllDayEndAt(end)
		} else {
			ve.SetStartAt(ev.StartDate.UTC())
			if ev.EndDate != nil {
				ve.SetEndAt(ev.EndDate.UTC())
			}
		}

		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		if ev.Location != "" {
			ve.SetLocation(ev.Location)
		}
		if ev.PublicURL != nil {
			ve.SetURL(*ev.PublicURL)
		}
	}

	_, err := io.WriteString(w, cal.Serialize())
	return err
}
