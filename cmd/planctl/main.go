package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lysyi3m/outing-planner/app/bootstrap"
	"github.com/lysyi3m/outing-planner/app/cfg"
	"github.com/lysyi3m/outing-planner/app/planner"
)

type rootOptions struct {
	dbPath   string
	settings string
	debug    bool
	asJSON   bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "planctl",
		Short:         "Operate the outing planner: run pipelines and inspect results",
		Version:       cfg.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelWarn
			if opts.debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.dbPath, "db-path", "", "SQLite database file (overrides DB_PATH)")
	rootCmd.PersistentFlags().StringVar(&opts.settings, "settings", "", "Pipeline settings YAML file (overrides SETTINGS_FILE)")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&opts.asJSON, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(runCmd(opts))
	rootCmd.AddCommand(statusCmd(opts))
	rootCmd.AddCommand(plansCmd(opts))
	rootCmd.AddCommand(historyCmd(opts))
	rootCmd.AddCommand(ackCmd(opts))

	return rootCmd
}

// openApp wires the application from environment configuration with the
// command-line overrides applied.
func openApp(ctx context.Context, opts *rootOptions) (*bootstrap.App, error) {
	c, err := cfg.LoadArgs(nil)
	if err != nil {
		return nil, err
	}
	if opts.dbPath != "" {
		c.DBPath = opts.dbPath
	}
	if opts.settings != "" {
		c.SettingsFile = opts.settings
	}
	c.Debug = c.Debug || opts.debug

	return bootstrap.New(ctx, c)
}

func runCmd(opts *rootOptions) *cobra.Command {
	var (
		trigger   planner.Trigger
		transport string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the discovery pipeline inline and commit the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer app.Close()

			trigger.TransportMode = planner.TransportMode(transport)

			outcome, err := app.Dispatcher.RunInline(cmd.Context(), trigger)
			if err != nil {
				return err
			}

			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), outcome)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run %s: %d plan(s)\n", outcome.RunID, len(outcome.Plans))
			printPlans(out, outcome.Plans)
			if outcome.Justification != "" {
				fmt.Fprintf(out, "\nWhy these: %s\n", outcome.Justification)
			}
			for _, g := range outcome.Alternatives {
				fmt.Fprintf(out, "\n%s:\n", g.Label)
				for _, item := range g.Items {
					fmt.Fprintf(out, "  - %s (%s)\n", item.EventName, item.URL)
				}
			}
			s := outcome.Stats
			fmt.Fprintf(out, "\ncandidates=%d inspected=%d matched=%d duplicates=%d stale=%d duration=%dms\n",
				s.Candidates, s.Inspected, s.Matched, s.Duplicates, s.StaleServed, s.DurationMs)
			return nil
		},
	}

	cmd.Flags().StringVarP(&trigger.UserID, "user", "u", "", "User id (required)")
	cmd.Flags().StringVarP(&trigger.Location, "location", "l", "", "Home location, e.g. Yokohama (required)")
	cmd.Flags().StringSliceVarP(&trigger.Interests, "interest", "i", nil, "Interest, repeatable up to 3 times (required)")
	cmd.Flags().StringVarP(&transport, "transport", "t", string(planner.TransportPublic), "Transport mode: car or public")
	cmd.Flags().IntVarP(&trigger.MaxResults, "max-results", "n", planner.DefaultMaxResults, "Maximum number of plans")
	cmd.Flags().StringVar(&trigger.DateRange.Start, "start", "", "First day of the window (YYYY-MM-DD)")
	cmd.Flags().StringVar(&trigger.DateRange.End, "end", "", "Last day of the window (YYYY-MM-DD)")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("location")
	cmd.MarkFlagRequired("interest")

	return cmd
}

func statusCmd(opts *rootOptions) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a user's plan generation status",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer app.Close()

			status, err := app.Runs.Status(cmd.Context(), userID)
			if err != nil {
				return err
			}

			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), status)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User:     %s\n", status.UserID)
			fmt.Fprintf(out, "Status:   %s\n", status.Status)
			fmt.Fprintf(out, "Last run: %s\n", valueOrDefault(status.LastPlanRunID, "-"))
			if status.ActiveRunID != "" {
				fmt.Fprintf(out, "Active:   %s\n", status.ActiveRunID)
			}
			if !status.UpdatedAt.IsZero() {
				fmt.Fprintf(out, "Updated:  %s\n", status.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func plansCmd(opts *rootOptions) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "plans",
		Short: "List a user's current plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer app.Close()

			plans, err := app.Runs.CurrentPlans(cmd.Context(), userID)
			if err != nil {
				return err
			}

			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), plans)
			}
			printPlans(cmd.OutOrStdout(), plans)
			return nil
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func historyCmd(opts *rootOptions) *cobra.Command {
	var (
		userID string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show a user's run history, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer app.Close()

			history, err := app.Runs.History(cmd.Context(), userID, limit)
			if err != nil {
				return err
			}

			if opts.asJSON {
				return writeJSON(cmd.OutOrStdout(), history)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tCREATED\tOUTCOME\tPLANS\tMATCHED\tERROR")
			for _, r := range history {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					r.RunID, r.CreatedAt.Format("2006-01-02 15:04"), r.Outcome, r.PlanCount, r.Stats.Matched, r.Error)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id (required)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum runs to show")
	cmd.MarkFlagRequired("user")
	return cmd
}

func ackCmd(opts *rootOptions) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "ack",
		Short: "Acknowledge a completed or failed run, returning the user to idle",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Runs.Acknowledge(cmd.Context(), userID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %s is idle\n", userID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func printPlans(out io.Writer, plans []planner.SuggestedPlan) {
	if len(plans) == 0 {
		fmt.Fprintln(out, "No plans")
		return
	}

	for i, p := range plans {
		if p.Placeholder {
			fmt.Fprintln(out, "No matching events were found in the last run")
			continue
		}
		fmt.Fprintf(out, "\n%d. %s\n", i+1, p.PlanName)
		fmt.Fprintf(out, "   Event: %s\n", p.EventName)
		fmt.Fprintf(out, "   When:  %s\n", dateRange(p.Date, p.EndDate))
		fmt.Fprintf(out, "   Where: %s\n", valueOrDefault(strings.TrimSpace(p.Venue+" "+p.Location), "-"))
		fmt.Fprintf(out, "   URL:   %s\n", p.URL)
		if p.StrategicGuide != nil {
			fmt.Fprintf(out, "   Why:   %s\n", p.StrategicGuide.WhyRecommended)
			for _, step := range p.StrategicGuide.Itinerary {
				fmt.Fprintf(out, "     %s  %s\n", step.Time, step.Activity)
			}
		}
	}
}

func dateRange(start, end string) string {
	if end == "" || end == start {
		return valueOrDefault(start, "-")
	}
	return start + " to " + end
}

func valueOrDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
