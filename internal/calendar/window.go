package calendar

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

const (
	dateLayout = "2006-01-02"

	DefaultWindowMonths = 3
	DefaultMaxDays      = 400
)

// Range is an inclusive window of calendar days, both ends formatted as
// YYYY-MM-DD. It doubles as the cache key.
type Range struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (r Range) String() string { return r.Start + ".." + r.End }

// Days returns the inclusive day count, or 0 when either end is malformed.
func (r Range) Days() int {
	s, err1 := time.Parse(dateLayout, r.Start)
	e, err2 := time.Parse(dateLayout, r.End)
	if err1 != nil || err2 != nil {
		return 0
	}
	return int(e.Sub(s).Hours()/24) + 1
}

// RangeError reports a client-supplied range that cannot be served.
type RangeError struct {
	Msg string
}

func (e *RangeError) Error() string { return e.Msg }

// DefaultRange returns the window that opens on the first day of now's month
// (in loc) and closes on the last day of the month that is months-1 later.
func DefaultRange(now time.Time, loc *time.Location, months int) Range {
	if loc == nil {
		loc = time.UTC
	}
	if months <= 0 {
		months = DefaultWindowMonths
	}
	local := now.In(loc)
	first := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)

	rule, err := rrule.NewRRule(rrule.ROption{
		Freq:       rrule.MONTHLY,
		Dtstart:    first,
		Bymonthday: []int{1},
		Count:      months + 1,
	})
	if err != nil {
		return Range{
			Start: first.Format(dateLayout),
			End:   first.AddDate(0, months, -1).Format(dateLayout),
		}
	}
	starts := rule.All()
	return Range{
		Start: starts[0].Format(dateLayout),
		End:   starts[len(starts)-1].AddDate(0, 0, -1).Format(dateLayout),
	}
}

// ParseRange validates the startDate/endDate query values. Each missing end
// falls back to the matching end of def. Malformed dates, inverted ranges and
// ranges wider than maxDays yield a *RangeError.
func ParseRange(start, end string, def Range, maxDays int) (Range, error) {
	if maxDays <= 0 {
		maxDays = DefaultMaxDays
	}
	r := Range{Start: strings.TrimSpace(start), End: strings.TrimSpace(end)}
	if r.Start == "" {
		r.Start = def.Start
	}
	if r.End == "" {
		r.End = def.End
	}

	s, err := time.Parse(dateLayout, r.Start)
	if err != nil {
		return Range{}, &RangeError{Msg: fmt.Sprintf("invalid startDate %q: expected YYYY-MM-DD", r.Start)}
	}
	e, err := time.Parse(dateLayout, r.End)
	if err != nil {
		return Range{}, &RangeError{Msg: fmt.Sprintf("invalid endDate %q: expected YYYY-MM-DD", r.End)}
	}
	if e.Before(s) {
		return Range{}, &RangeError{Msg: "endDate must not be before startDate"}
	}
	if days := r.Days(); days > maxDays {
		return Range{}, &RangeError{Msg: fmt.Sprintf("date range spans %d days; at most %d allowed", days, maxDays)}
	}
	return r, nil
}
