package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/goodtune/nudgeproxy/internal/config"
	"github.com/goodtune/nudgeproxy/internal/observer"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	checkFetch  bool
	checkReport bool
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] URL",
	Short: "Check how a URL is classified",
	Long: `Check whether nudgeproxy would count a request to URL, at the network layer
(monitored host) and at the page layer (URL marker), and what it would cost.`,
	Example: `  nudgeproxy check https://api.openai.com/v1/chat/completions
  nudgeproxy check --fetch --report https://api.openai.com/v1/models`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&checkFetch, "fetch", false, "Also fetch the URL through the page-layer observer")
	checkCmd.Flags().BoolVar(&checkReport, "report", false, "With --fetch, report detections to the running server")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	rawURL := args[0]
	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Host == "" {
		return fmt.Errorf("invalid URL: %s", rawURL)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	monitor, err := observer.FromConfig(cfg.Tracking)
	if err != nil {
		return fmt.Errorf("failed to build monitor: %w", err)
	}

	printCheckResult(parsedURL, monitor)

	if !checkFetch {
		return nil
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	var mu sync.Mutex
	var detections []observer.Detection
	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &observer.Transport{
			Base:    http.DefaultTransport,
			Monitor: monitor,
			Report: func(d observer.Detection) {
				mu.Lock()
				detections = append(detections, d)
				mu.Unlock()
			},
			Logger: logger,
		},
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	size, _ := io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	fmt.Printf("Fetch:      %s, %s\n", resp.Status, humanize.Bytes(uint64(size)))

	mu.Lock()
	found := append([]observer.Detection(nil), detections...)
	mu.Unlock()

	if len(found) == 0 {
		fmt.Println("Observer:   no detection")
		return nil
	}
	fmt.Printf("Observer:   %d detection(s) for %s\n", len(found), found[0].Host)

	if !checkReport {
		return nil
	}

	reporter, err := statusClient()
	if err != nil {
		return err
	}
	for _, d := range found {
		accepted, err := reporter.Detect(ctx, d.URL)
		if err != nil {
			return fmt.Errorf("report failed: %w", err)
		}
		if !accepted {
			color.New(color.FgYellow).Println("Reported:   dropped by the server (inbox full)")
			continue
		}
		color.New(color.FgGreen).Printf("Reported:   %s\n", d.URL)
	}
	return nil
}

// printCheckResult prints the classification with colors
func printCheckResult(parsedURL *url.URL, monitor *observer.Monitor) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow)

	host := observer.NormalizeHost(parsedURL.Host)
	matchedHost, networkMatch := monitor.MatchHost(host)
	pageMatch := monitor.MatchURL(parsedURL.String())

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Println("AI REQUEST CHECK")
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("URL:        %s\n", parsedURL.String())
	fmt.Printf("Host:       %s\n", host)
	fmt.Println()

	_, _ = cyan.Print("Network:    ")
	if networkMatch {
		_, _ = green.Println("COUNTED")
		fmt.Printf("            → matches *://%s/*\n", matchedHost)
	} else {
		fmt.Println("not monitored")
	}

	_, _ = cyan.Print("Page:       ")
	if pageMatch {
		_, _ = green.Println("COUNTED")
		fmt.Println("            → URL carries an AI endpoint marker")
	} else {
		fmt.Println("no marker")
	}

	if networkMatch || pageMatch {
		estimate := monitor.Estimate(host)
		_, _ = yellow.Printf("Estimate:   %sg CO2 per request\n", estimate.StringFixed(2))
		if networkMatch && pageMatch {
			fmt.Println("            → counted once when both layers see it")
		}
	}

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
