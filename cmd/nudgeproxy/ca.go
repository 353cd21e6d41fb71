package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/nudgeproxy/internal/ca"
	"github.com/goodtune/nudgeproxy/internal/config"
	"github.com/spf13/cobra"
)

var (
	caCommonName string
	caValidity   time.Duration
	caOverwrite  bool
)

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the local certificate authority",
}

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the root certificate used for HTTPS interception",
	Long: `Generate a root certificate and key at tls.ca_cert and tls.ca_key. Install the
certificate in your browser or OS trust store so monitored HTTPS hosts can be
counted per request. The status page serves it at /ca.crt.`,
	Args: cobra.NoArgs,
	RunE: runCAInit,
}

func init() {
	caInitCmd.Flags().StringVar(&caCommonName, "common-name", "nudgeproxy Root CA", "Subject common name")
	caInitCmd.Flags().DurationVar(&caValidity, "validity", 10*365*24*time.Hour, "Certificate validity")
	caInitCmd.Flags().BoolVar(&caOverwrite, "force", false, "Overwrite existing files")

	caCmd.AddCommand(caInitCmd)
	rootCmd.AddCommand(caCmd)
}

func runCAInit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := ca.GenerateRoot(cfg.TLS.CACert, cfg.TLS.CAKey, caCommonName, caValidity, caOverwrite); err != nil {
		return fmt.Errorf("failed to generate root certificate: %w", err)
	}

	_, _ = color.New(color.FgGreen, color.Bold).Println("✅ Root certificate generated")
	fmt.Printf("   Certificate: %s\n", cfg.TLS.CACert)
	fmt.Printf("   Key:         %s\n", cfg.TLS.CAKey)
	fmt.Println("\nInstall the certificate in your trust store, then restart nudgeproxy.")
	return nil
}
