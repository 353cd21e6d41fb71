package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/goodtune/nudgeproxy/internal/config"
	"github.com/goodtune/nudgeproxy/internal/status"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
	envFile    string
	statusAddr string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "nudgeproxy",
	Short: "nudgeproxy - AI usage tracker with in-page carbon nudges",
	Long: `nudgeproxy is a local forward and transparent proxy that notices requests to
AI service endpoints, keeps usage and estimated CO2 counters, and shows
escalating overlay nudges in the page you are looking at.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnvFile(envFile)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to server command when no subcommand is provided
		return runServer(cmd, args)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/nudgeproxy/config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load environment variables from this file before reading configuration")
	rootCmd.PersistentFlags().StringVar(&statusAddr, "status", "", "Status server address (defaults to server.bind_address:server.status_port)")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// statusClient returns a client for the running server's status surface.
func statusClient() (*status.Client, error) {
	addr := statusAddr
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		addr = statusListenAddr(cfg)
	}
	return status.NewClient(addr, 5*time.Second), nil
}

func statusListenAddr(cfg *config.Config) string {
	host := cfg.Server.BindAddress
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.Server.StatusPort))
}
