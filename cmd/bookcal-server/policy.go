package main

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"bookcal/backend/internal/config"
	"bookcal/backend/internal/domain"
	"bookcal/backend/internal/store/postgres"
)

var (
	policyHost        string
	policyTimeZone    string
	policyGranularity time.Duration
	policyLeadTime    time.Duration
	policyWindows     []string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage host working hours",
}

var policySetCmd = &cobra.Command{
	Use:   "set",
	Short: "Replace a host's working hours",
	Example: `  bookcal-server policy set --host h1 --time-zone Europe/Berlin \
    --window mon=09:00-12:00 --window mon=13:00-17:00 --window fri=09:00-13:00`,
	RunE: runPolicySet,
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a host's stored working hours",
	RunE:  runPolicyShow,
}

func init() {
	for _, c := range []*cobra.Command{policySetCmd, policyShowCmd} {
		c.Flags().StringVar(&policyHost, "host", "", "host id")
		_ = c.MarkFlagRequired("host")
	}
	policySetCmd.Flags().StringVar(&policyTimeZone, "time-zone", "UTC", "IANA time zone the windows are written in")
	policySetCmd.Flags().DurationVar(&policyGranularity, "granularity", 30*time.Minute, "spacing between candidate slot starts")
	policySetCmd.Flags().DurationVar(&policyLeadTime, "lead-time", 0, "minimum notice before a slot can be booked")
	policySetCmd.Flags().StringArrayVar(&policyWindows, "window", nil, "working window as weekday=HH:MM-HH:MM (repeatable)")

	policyCmd.AddCommand(policySetCmd, policyShowCmd)
	rootCmd.AddCommand(policyCmd)
}

// parseWindow parses "mon=09:00-17:00".
func parseWindow(hostID, s string) (domain.WorkingHours, error) {
	day, span, ok := strings.Cut(s, "=")
	if !ok {
		return domain.WorkingHours{}, fmt.Errorf("window %q: want weekday=HH:MM-HH:MM", s)
	}
	wd, ok := config.ParseWeekday(day)
	if !ok {
		return domain.WorkingHours{}, fmt.Errorf("window %q: unknown weekday %q", s, day)
	}
	open, closing, ok := strings.Cut(span, "-")
	if !ok {
		return domain.WorkingHours{}, fmt.Errorf("window %q: want weekday=HH:MM-HH:MM", s)
	}
	o, err := domain.ParseClockTime(open)
	if err != nil {
		return domain.WorkingHours{}, fmt.Errorf("window %q: %w", s, err)
	}
	c, err := domain.ParseClockTime(closing)
	if err != nil {
		return domain.WorkingHours{}, fmt.Errorf("window %q: %w", s, err)
	}
	return domain.WorkingHours{HostID: hostID, Weekday: int16(wd), OpenTime: o.String(), CloseTime: c.String()}, nil
}

func buildPolicyRows(hostID, timeZone string, granularity, lead time.Duration, windows []string) (domain.HostSettings, []domain.WorkingHours, error) {
	if strings.TrimSpace(hostID) == "" {
		return domain.HostSettings{}, nil, errors.New("host is required")
	}
	if granularity%time.Minute != 0 || lead%time.Minute != 0 {
		return domain.HostSettings{}, nil, errors.New("granularity and lead time must be whole minutes")
	}

	settings := domain.HostSettings{
		HostID:             hostID,
		TimeZone:           timeZone,
		GranularityMinutes: int(granularity / time.Minute),
		MinLeadMinutes:     int(lead / time.Minute),
	}
	rows := make([]domain.WorkingHours, 0, len(windows))
	for _, w := range windows {
		row, err := parseWindow(hostID, w)
		if err != nil {
			return domain.HostSettings{}, nil, err
		}
		rows = append(rows, row)
	}
	if _, err := domain.BuildPolicy(settings, rows); err != nil {
		return domain.HostSettings{}, nil, err
	}
	return settings, rows, nil
}

func runPolicySet(cmd *cobra.Command, args []string) error {
	settings, rows, err := buildPolicyRows(policyHost, policyTimeZone, policyGranularity, policyLeadTime, policyWindows)
	if err != nil {
		return err
	}
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return errors.New("policy set requires store.driver=postgres")
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = postgres.Close(db) }()

	if err := postgres.NewPolicyRepo(db).SavePolicy(cmd.Context(), settings, rows); err != nil {
		log.Error("policy save failed", slog.Any("err", err), slog.String("host_id", policyHost))
		return err
	}
	log.Info("policy saved", slog.String("host_id", policyHost), slog.Int("windows", len(rows)))
	return nil
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return errors.New("policy show requires store.driver=postgres")
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = postgres.Close(db) }()

	p, err := postgres.NewPolicyRepo(db).GetPolicy(cmd.Context(), policyHost)
	if err != nil {
		return fmt.Errorf("load policy for %s: %w", policyHost, err)
	}
	fmt.Fprint(cmd.OutOrStdout(), formatPolicy(p))
	return nil
}

func formatPolicy(p domain.WorkingHoursPolicy) string {
	windows := append([]domain.WorkingWindow(nil), p.Windows...)
	sort.Slice(windows, func(i, j int) bool {
		if windows[i].Weekday != windows[j].Weekday {
			return windows[i].Weekday < windows[j].Weekday
		}
		return windows[i].Open < windows[j].Open
	})

	var b strings.Builder
	fmt.Fprintf(&b, "host:        %s\n", p.HostID)
	fmt.Fprintf(&b, "time zone:   %s\n", p.Location)
	fmt.Fprintf(&b, "granularity: %s\n", p.Granularity)
	fmt.Fprintf(&b, "lead time:   %s\n", p.MinimumLeadTime)
	for _, w := range windows {
		fmt.Fprintf(&b, "  %-9s %s-%s\n", w.Weekday, w.Open, w.Close)
	}
	return b.String()
}
