package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cmacal/internal/cache"
	"cmacal/internal/calendar"
	appLog "cmacal/internal/log"
	"cmacal/internal/schedule"
	"cmacal/internal/web"
)

const shutdownTimeout = 10 * time.Second

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the calendar API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config if set)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	if listenAddr != "" {
		conf.Listen = listenAddr
	}

	svc, err := newService(conf)
	if err != nil {
		appLog.Error("failed to initialize calendar service", err)
		return err
	}

	events := cache.New(svc.Load, cache.Options{Fresh: conf.Cache.Fresh, Stale: conf.Cache.Stale})
	srv := web.NewServer(conf, events, svc)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var warmer *schedule.Warmer
	if conf.RefreshCron != "" {
		loc := conf.Location()
		months := conf.Window.Months
		warmer, err = schedule.NewWarmer(conf.RefreshCron, loc, events, func(now time.Time) calendar.Range {
			return calendar.DefaultRange(now, loc, months)
		})
		if err != nil {
			appLog.Error("failed to schedule warm-up", err, "refresh", conf.RefreshCron)
			return err
		}
		warmer.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case err := <-errCh:
		if err != nil {
			appLog.Error("HTTP server failed", err, "listen", conf.Listen)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP shutdown failed", err)
	}
	if warmer != nil {
		warmer.Stop(shutdownCtx)
	}
	events.Wait()

	appLog.Info("cmacal exiting")
	return nil
}
