// Package cache holds the single-slot, stale-while-revalidate cache that
// fronts the calendar pipeline.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/singleflight"

	"cmacal/internal/calendar"
	appLog "cmacal/internal/log"
	"cmacal/internal/model"
)

const (
	DefaultFresh = 5 * time.Minute
	DefaultStale = 60 * time.Minute
)

// State classifies the slot relative to a requested range.
type State int

const (
	Empty State = iota
	Fresh
	Stale
	Expired
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Status is reported to clients for each read.
type Status string

const (
	StatusFresh Status = "fresh"
	StatusStale Status = "stale"
	StatusMiss  Status = "miss"
)

// Entry is an immutable snapshot stored in the slot.
type Entry struct {
	Events     []model.Formatted
	CapturedAt time.Time
	Range      calendar.Range
}

// Result is the outcome of a Read.
type Result struct {
	Events     []model.Formatted
	Range      calendar.Range
	Status     Status
	CapturedAt time.Time
	// Err is set when a miss could not be loaded; Events is then empty.
	Err error
}

// Cached reports whether the events came from the slot.
func (r Result) Cached() bool { return r.Status != StatusMiss }

// Loader produces the events for a range.
type Loader func(ctx context.Context, rng calendar.Range) ([]model.Formatted, error)

// Options configures a Cache.
type Options struct {
	Fresh time.Duration
	Stale time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Cache is a single-slot freshness cache. Readers never block on a
// background refresh and always observe a whole Entry.
type Cache struct {
	load  Loader
	fresh time.Duration
	stale time.Duration
	now   func() time.Time

	slot       atomic.Pointer[Entry]
	refreshing atomic.Bool
	group      singleflight.Group
	wg         conc.WaitGroup
}

// New creates an empty cache over load.
func New(load Loader, opts Options) *Cache {
	if opts.Fresh <= 0 {
		opts.Fresh = DefaultFresh
	}
	if opts.Stale <= opts.Fresh {
		opts.Stale = DefaultStale
		if opts.Stale <= opts.Fresh {
			opts.Stale = opts.Fresh * 12
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		load:  load,
		fresh: opts.Fresh,
		stale: opts.Stale,
		now:   opts.Now,
	}
}

// Get returns the current entry, or nil when the slot is empty.
func (c *Cache) Get() *Entry {
	return c.slot.Load()
}

// Replace swaps the slot wholesale. A nil entry empties it.
func (c *Cache) Replace(e *Entry) {
	c.slot.Store(e)
}

// State classifies the current slot for rng.
func (c *Cache) State(rng calendar.Range) State {
	return c.classify(c.slot.Load(), rng, c.now())
}

func (c *Cache) classify(e *Entry, rng calendar.Range, now time.Time) State {
	if e == nil {
		return Empty
	}
	if e.Range != rng {
		return Expired
	}
	age := now.Sub(e.CapturedAt)
	switch {
	case age < c.fresh:
		return Fresh
	case age < c.stale:
		return Stale
	default:
		return Expired
	}
}

// Read serves rng from the slot when it is fresh or stale, and loads it
// synchronously otherwise. A stale read starts at most one background
// refresh. A failed miss returns an empty result with Err set and removes
// the expired entry for rng, if the slot still holds it.
func (c *Cache) Read(ctx context.Context, rng calendar.Range) Result {
	e := c.slot.Load()
	switch c.classify(e, rng, c.now()) {
	case Fresh:
		return resultOf(e, StatusFresh)
	case Stale:
		c.revalidate(ctx, rng)
		return resultOf(e, StatusStale)
	}

	fresh, err := c.fill(ctx, rng)
	if err != nil {
		if e != nil && e.Range == rng {
			c.slot.CompareAndSwap(e, nil)
		}
		appLog.Error("calendar cache miss failed", err, "range", rng.String())
		return Result{
			Events: []model.Formatted{},
			Range:  rng,
			Status: StatusMiss,
			Err:    err,
		}
	}
	return resultOf(fresh, StatusMiss)
}

// Refresh loads rng and replaces the slot on success.
func (c *Cache) Refresh(ctx context.Context, rng calendar.Range) error {
	_, err := c.fill(ctx, rng)
	return err
}

// Wait blocks until every background refresh has finished.
func (c *Cache) Wait() {
	c.wg.Wait()
}

// fill loads rng once across concurrent callers and stores the result. The
// shared load is detached from any single caller's cancellation.
func (c *Cache) fill(ctx context.Context, rng calendar.Range) (*Entry, error) {
	v, err, _ := c.group.Do(rng.String(), func() (any, error) {
		events, err := c.load(context.WithoutCancel(ctx), rng)
		if err != nil {
			return nil, err
		}
		if events == nil {
			events = []model.Formatted{}
		}
		e := &Entry{Events: events, CapturedAt: c.now(), Range: rng}
		c.slot.Store(e)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

func (c *Cache) revalidate(ctx context.Context, rng calendar.Range) {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	bg := context.WithoutCancel(ctx)

	c.wg.Go(func() {
		defer c.refreshing.Store(false)

		var pc panics.Catcher
		pc.Try(func() {
			if err := c.Refresh(bg, rng); err != nil {
				appLog.Error("background calendar refresh failed", err, "range", rng.String())
				return
			}
			appLog.Debug("background calendar refresh completed", "range", rng.String())
		})
		if r := pc.Recovered(); r != nil {
			appLog.Error("background calendar refresh panicked", fmt.Errorf("%v", r.Value), "range", rng.String())
		}
	})
}

func resultOf(e *Entry, status Status) Result {
	return Result{
		Events:     e.Events,
		Range:      e.Range,
		Status:     status,
		CapturedAt: e.CapturedAt,
	}
}
