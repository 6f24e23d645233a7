// Command gateway runs the chain fetcher, block importer, index store, and
// transaction repair worker together as a single process. Flag and
// env wiring follows cmd/synnergy's cobra pattern; config loading follows
// pkg/config.Load's godotenv-then-env-var layering.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chaingateway/internal/events"
	"chaingateway/internal/fetch"
	"chaingateway/internal/importer"
	"chaingateway/internal/index"
	"chaingateway/internal/repair"
	"chaingateway/pkg/config"
	"chaingateway/pkg/logging"
)

func main() {
	var envFile, configFile string
	var debug bool

	root := &cobra.Command{
		Use:   "gateway",
		Short: "run the chain fetcher, importer, index store, and repair worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(envFile, configFile, debug)
		},
	}
	root.Flags().StringVar(&envFile, "env-file", "", "path to a .env file to load before reading environment variables")
	root.Flags().StringVar(&configFile, "config", "", "path to a YAML/TOML/JSON config file overlaying the defaults")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug-level logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(envFile, configFile string, debug bool) error {
	if err := config.LoadConfigFile(configFile); err != nil {
		return fmt.Errorf("gateway: loading config file: %w", err)
	}
	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("gateway: loading config: %w", err)
	}

	if _, err := logging.InitZap(debug); err != nil {
		return fmt.Errorf("gateway: init zap: %w", err)
	}
	log := logging.NewLogrus("gateway", debug)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus := events.New()

	chainClient := fetch.New(fetch.Config{
		TrustedNodeURL:        cfg.TrustedNodeURL,
		MaxRequestsPerSecond:  cfg.MaxRequestsPerSecond,
		MaxConcurrentRequests: cfg.MaxConcurrentRequests,
	}, bus, log)
	defer chainClient.Close()

	if err := chainClient.RefreshPeers(ctx); err != nil {
		log.WithError(err).Warn("gateway: initial peer refresh failed, continuing without preferred peers")
	}

	idx, err := index.Open(ctx, index.Config{
		DataDir:                      cfg.DataDir,
		MaxForkDepth:                 cfg.MaxForkDepth,
		StableFlushInterval:          cfg.StableFlushInterval,
		GetDataCircuitBreakerTimeout: cfg.GetDataCircuitBreakerTimeout,
	}, bus, log)
	if err != nil {
		return fmt.Errorf("gateway: opening index: %w", err)
	}
	defer idx.Close()

	imp := importer.New(importer.Config{
		StartHeight:           cfg.StartHeight,
		StopHeight:            cfg.StopHeight,
		MaxForkDepth:          cfg.MaxForkDepth,
		HeightPollingInterval: cfg.HeightPollingInterval,
	}, chainClient, idx, bus, log)

	repairWorker := repair.New(repair.DefaultConfig(), chainClient, idx, bus, log)

	errCh := make(chan error, 2)
	go func() { errCh <- imp.Run(ctx) }()
	go func() { errCh <- repairWorker.Run(ctx) }()

	var runErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && err != context.Canceled {
			runErr = err
			log.WithError(err).Warn("gateway: component exited")
			cancel()
		}
	}
	return runErr
}
