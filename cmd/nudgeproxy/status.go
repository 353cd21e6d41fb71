package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/goodtune/nudgeproxy/internal/status"
	"github.com/goodtune/nudgeproxy/internal/statusui"
	"github.com/spf13/cobra"
)

var (
	statusWatch    bool
	statusInterval time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show usage counters from the running server",
	Example: `  nudgeproxy status
  nudgeproxy status --watch`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset usage counters and the session",
	Args:  cobra.NoArgs,
	RunE:  runReset,
}

var annoyanceCmd = &cobra.Command{
	Use:       "annoyance [on|off]",
	Short:     "Show or switch annoyance mode",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE:      runAnnoyance,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Live view (r resets, a toggles annoyance mode, q quits)")
	statusCmd.Flags().DurationVar(&statusInterval, "interval", 2*time.Second, "Refresh interval for --watch")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(annoyanceCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := statusClient()
	if err != nil {
		return err
	}

	if statusWatch {
		program := tea.NewProgram(statusui.NewModel(client, statusInterval), tea.WithAltScreen())
		_, err := program.Run()
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	stats, err := client.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach status server at %s: %w", client.BaseURL(), err)
	}
	daily, err := client.Daily(ctx)
	if err != nil {
		return err
	}
	insights, err := client.Insights(ctx)
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)

	_, _ = cyan.Println("🌱 nudgeproxy status")
	fmt.Printf("  Requests:       %s\n", bold.Sprint(humanize.Comma(stats.Requests)))
	fmt.Printf("  Today:          %s\n", bold.Sprint(humanize.Comma(insights.Today)))
	fmt.Printf("  CO2:            %s (%s)\n", bold.Sprint(insights.CO2+"g"), insights.Equivalent)
	fmt.Printf("  Warning level:  %s\n", levelColor(stats.WarningLevel).Sprintf("%g", stats.WarningLevel))
	fmt.Printf("  Session:        %s requests, started %s\n",
		humanize.Comma(stats.SessionRequests), humanize.Time(stats.SessionStart))
	fmt.Printf("  Annoyance mode: %s\n", onOff(stats.AnnoyanceMode))

	_, _ = cyan.Println("\nInsights")
	for _, insight := range insights.Insights {
		if insight.Type == status.InsightPositive {
			_, _ = green.Printf("  • %s\n", insight.Text)
		} else {
			fmt.Printf("  • %s\n", insight.Text)
		}
	}

	if len(daily.Days) > 0 {
		_, _ = cyan.Println("\nDays")
		keys := make([]string, 0, len(daily.Days))
		for key := range daily.Days {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			day := daily.Days[key]
			fmt.Printf("  %s  %6s requests  %8.1fg\n", key, humanize.Comma(day.Requests), day.CO2)
		}
		fmt.Printf("  Average: %.1f per day over %d days\n", daily.AveragePerDay, daily.DaysTracked)
	}

	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	client, err := statusClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	if err := client.Reset(ctx); err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}
	_, _ = color.New(color.FgGreen).Println("✅ Counters reset")
	return nil
}

func runAnnoyance(cmd *cobra.Command, args []string) error {
	client, err := statusClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	if len(args) == 0 {
		enabled, err := client.AnnoyanceMode(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Annoyance mode: %s\n", onOff(enabled))
		return nil
	}

	var want bool
	switch strings.ToLower(args[0]) {
	case "on", "true", "1":
		want = true
	case "off", "false", "0":
		want = false
	default:
		return fmt.Errorf("expected on or off, got %q", args[0])
	}

	enabled, err := client.SetAnnoyanceMode(ctx, want)
	if err != nil {
		return err
	}
	if enabled {
		_, _ = color.New(color.FgMagenta, color.Bold).Println("🎭 Enabled! Prepare yourself...")
	} else {
		fmt.Println("🎭 Disabled (boring)")
	}
	return nil
}

func onOff(enabled bool) string {
	if enabled {
		return color.New(color.FgMagenta).Sprint("on")
	}
	return "off"
}

func levelColor(level float64) *color.Color {
	switch {
	case level >= 3:
		return color.New(color.FgRed, color.Bold)
	case level >= 2.5:
		return color.New(color.FgMagenta, color.Bold)
	case level >= 2:
		return color.New(color.FgYellow, color.Bold)
	case level >= 1:
		return color.New(color.FgYellow)
	}
	return color.New(color.FgGreen)
}
