package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"cmacal/internal/calendar"
	"cmacal/internal/config"
	appLog "cmacal/internal/log"
	"cmacal/internal/pco"
)

var (
	cfgFile  string
	logLevel string
	conf     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "cmacal",
	Short: "Planning Center calendar aggregator and cache",
	Long: `cmacal pulls event instances from the Planning Center Calendar API,
joins them to their parent events, drops anything not published to Church
Center and serves the result from a stale-while-revalidate cache.

Running cmacal without a subcommand starts the HTTP server.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	RunE:              runServe,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "Path to config file (created with defaults if missing)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(); err != nil {
		appLog.Debug("no .env file loaded", "err", err)
	}

	c, err := config.Load(cfgFile)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", cfgFile)
		return err
	}
	if logLevel != "" {
		c.LogLevel = logLevel
	}
	appLog.Setup(cmd.ErrOrStderr(), appLog.ParseLevel(c.LogLevel), c.LogFormat)
	conf = c

	appLog.Debug("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"base_url", conf.Calendar.BaseURL,
		"narrow_fields", conf.Calendar.NarrowFields,
		"fetch_event_details", conf.Calendar.FetchEventDetails,
		"cache_fresh", conf.Cache.Fresh,
		"cache_stale", conf.Cache.Stale,
	)
	return nil
}

// newService wires the upstream client, fetcher and pipeline from conf.
func newService(conf *config.Config) (*calendar.Service, error) {
	cal := conf.Calendar
	creds, err := pco.NewCredentials(cal.AuthScheme, cal.ApplicationID, cal.Secret)
	if err != nil {
		return nil, fmt.Errorf("planning center credentials: %w", err)
	}

	client := pco.NewClient(creds, pco.ClientOptions{
		APIVersion:    cal.APIVersion,
		UserAgent:     cal.UserAgent,
		RetryDelay:    cal.RetryDelay,
		MaxRetryDelay: cal.MaxRetryDelay,
		Timeout:       cal.Timeout,
	})
	fetcher := pco.NewFetcher(client, pco.FetcherOptions{
		BaseURL:   cal.BaseURL,
		PerPage:   cal.PerPage,
		MaxPages:  cal.MaxPages,
		PageDelay: cal.PageDelay,
	})
	appLog.Info("planning center client ready", "scheme", client.Scheme().String(), "base_url", cal.BaseURL)

	return calendar.NewService(fetcher, calendar.Options{
		NarrowFields:      cal.NarrowFields,
		FetchEventDetails: cal.FetchEventDetails,
		Location:          conf.Location(),
	}), nil
}
