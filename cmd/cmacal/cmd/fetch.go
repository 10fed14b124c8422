package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cmacal/internal/calendar"
	"cmacal/internal/ics"
	"cmacal/internal/model"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Run one pipeline pass and print the result",
	Long: `Fetch every published event in a date window and print it, bypassing
the cache. Missing --from/--to fall back to the default window.`,
	RunE: runFetch,
}

var eventCmd = &cobra.Command{
	Use:   "event <id>",
	Short: "Show one event and its next occurrence",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvent,
}

func init() {
	fetchCmd.Flags().String("from", "", "Start date (YYYY-MM-DD)")
	fetchCmd.Flags().String("to", "", "End date (YYYY-MM-DD)")
	fetchCmd.Flags().String("format", "json", "Output format: json or ics")
	rootCmd.AddCommand(fetchCmd, eventCmd)
}

type fetchOutput struct {
	DateRange      calendar.Range    `json:"dateRange"`
	Events         []model.Formatted `json:"events"`
	FeaturedEvents []model.Formatted `json:"featuredEvents"`
}

func runFetch(cmd *cobra.Command, _ []string) error {
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	format, _ := cmd.Flags().GetString("format")
	format = strings.ToLower(strings.TrimSpace(format))
	if format != "json" && format != "ics" {
		return fmt.Errorf("unknown format %q (supported: json, ics)", format)
	}

	loc := conf.Location()
	now := time.Now()
	rng, err := calendar.ParseRange(from, to, calendar.DefaultRange(now, loc, conf.Window.Months), conf.Window.MaxDays)
	if err != nil {
		return err
	}

	svc, err := newService(conf)
	if err != nil {
		return err
	}
	events, err := svc.Load(cmd.Context(), rng)
	if err != nil {
		return fmt.Errorf("failed to fetch events: %w", err)
	}

	out := cmd.OutOrStdout()
	if format == "ics" {
		return ics.Encode(out, conf.ICSName, events, now)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(fetchOutput{
		DateRange:      rng,
		Events:         events,
		FeaturedEvents: calendar.ComputeFeatured(events, now, loc, conf.FeaturedLimit),
	})
}

func runEvent(cmd *cobra.Command, args []string) error {
	svc, err := newService(conf)
	if err != nil {
		return err
	}
	d, err := svc.EventDetail(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}
