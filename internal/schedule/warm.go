// Package schedule keeps the default calendar window warm on a cron schedule
// so that the first visitor after a quiet period is not the one paying for
// the upstream fetch.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"cmacal/internal/calendar"
	appLog "cmacal/internal/log"
)

// Refresher loads a range into the cache.
type Refresher interface {
	Refresh(ctx context.Context, rng calendar.Range) error
}

// Warmer refreshes the default window on every cron tick.
type Warmer struct {
	cron   *cron.Cron
	target Refresher
	window func(now time.Time) calendar.Range
	loc    *time.Location
	ctx    context.Context
	wg     conc.WaitGroup
}

// cronLogger forwards cron's own messages to the process logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) { appLog.Debug("cron: "+msg, kv...) }

func (cronLogger) Error(err error, msg string, kv ...any) { appLog.Error("cron: "+msg, err, kv...) }

// NewWarmer parses spec (standard 5-field cron syntax, evaluated in loc) and
// returns a stopped Warmer. window computes the range to refresh for a tick.
func NewWarmer(spec string, loc *time.Location, target Refresher, window func(now time.Time) calendar.Range) (*Warmer, error) {
	if loc == nil {
		loc = time.UTC
	}
	logger := cronLogger{}
	w := &Warmer{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		target: target,
		window: window,
		loc:    loc,
		ctx:    context.Background(),
	}
	if _, err := w.cron.AddFunc(spec, func() { w.RunOnce(w.ctx) }); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	return w, nil
}

// Start begins ticking in the background and kicks off one immediate
// refresh. Ticks run detached from ctx's cancellation; use Stop to end them.
func (w *Warmer) Start(ctx context.Context) {
	w.ctx = context.WithoutCancel(ctx)
	w.cron.Start()
	for _, e := range w.cron.Entries() {
		appLog.Info("calendar warm-up scheduled", "next", e.Next.Format(time.RFC3339))
	}
	w.wg.Go(func() { w.RunOnce(w.ctx) })
}

// Stop halts the schedule and waits for running refreshes to finish or ctx
// to end.
func (w *Warmer) Stop(ctx context.Context) {
	ticks := w.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-ticks.Done()
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		appLog.Warn("calendar warm-up still running at shutdown")
	}
}

// RunOnce refreshes the current default window. A panicking refresh is
// logged and swallowed.
func (w *Warmer) RunOnce(ctx context.Context) {
	rng := w.window(time.Now().In(w.loc))
	started := time.Now()

	var pc panics.Catcher
	pc.Try(func() {
		if err := w.target.Refresh(ctx, rng); err != nil {
			appLog.Error("calendar warm-up failed", err, "range", rng.String())
			return
		}
		appLog.Info("calendar warm-up completed", "range", rng.String(), "elapsed", time.Since(started))
	})
	if r := pc.Recovered(); r != nil {
		appLog.Error("calendar warm-up panicked", fmt.Errorf("%v", r.Value), "range", rng.String())
	}
}
