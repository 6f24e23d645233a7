// Command eds runs the peer health / EDS generator daemon standalone: it
// has no HTTP surface of its own, only a bare polling loop that writes the
// two EDS JSON files to disk on each tick.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chaingateway/internal/peerhealth"
	"chaingateway/pkg/config"
	"chaingateway/pkg/logging"
)

func main() {
	var envFile, configFile string
	var debug bool
	var dnsNames string

	root := &cobra.Command{
		Use:   "eds",
		Short: "run the peer health / EDS generator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(envFile, configFile, debug, dnsNames)
		},
	}
	root.Flags().StringVar(&envFile, "env-file", "", "path to a .env file to load before reading environment variables")
	root.Flags().StringVar(&configFile, "config", "", "path to a YAML/TOML/JSON config file overlaying the defaults")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug-level logging")
	root.Flags().StringVar(&dnsNames, "dns-names", "", "comma-separated DNS names to resolve for peer discovery")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(envFile, configFile string, debug bool, dnsNames string) error {
	if err := config.LoadConfigFile(configFile); err != nil {
		return fmt.Errorf("eds: loading config file: %w", err)
	}
	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("eds: loading config: %w", err)
	}

	if _, err := logging.InitZap(debug); err != nil {
		return fmt.Errorf("eds: init zap: %w", err)
	}
	log := logging.NewLogrus("eds", debug)

	var names []string
	if dnsNames != "" {
		names = strings.Split(dnsNames, ",")
	}

	gen := peerhealth.New(peerhealth.Config{
		DNSNames: names,
		Interval: time.Duration(cfg.EDSIntervalMS) * time.Millisecond,
		OutputDir: cfg.EDSOutputDir,
	}, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return gen.Run(ctx)
}
