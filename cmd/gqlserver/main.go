// Command gqlserver exposes the Index Store's query planner over HTTP
// GraphQL, layered the way walletserver layers its REST
// surface: routes register a controller, a controller wraps a service, and
// here the service is the gateway's GraphQL schema bound to the Index Store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"chaingateway/internal/events"
	"chaingateway/internal/gqlserver"
	"chaingateway/internal/index"
	"chaingateway/pkg/config"
	"chaingateway/pkg/logging"
)

func main() {
	var envFile, configFile string
	var debug bool
	var addr string

	root := &cobra.Command{
		Use:   "gqlserver",
		Short: "serve the gateway's GraphQL query endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(envFile, configFile, debug, addr)
		},
	}
	root.Flags().StringVar(&envFile, "env-file", "", "path to a .env file to load before reading environment variables")
	root.Flags().StringVar(&configFile, "config", "", "path to a YAML/TOML/JSON config file overlaying the defaults")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug-level logging")
	root.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(envFile, configFile string, debug bool, addr string) error {
	if err := config.LoadConfigFile(configFile); err != nil {
		return fmt.Errorf("gqlserver: loading config file: %w", err)
	}
	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("gqlserver: loading config: %w", err)
	}

	if _, err := logging.InitZap(debug); err != nil {
		return fmt.Errorf("gqlserver: init zap: %w", err)
	}
	log := logging.NewLogrus("gqlserver", debug)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	idx, err := index.Open(ctx, index.Config{
		DataDir:                      cfg.DataDir,
		MaxForkDepth:                 cfg.MaxForkDepth,
		StableFlushInterval:          cfg.StableFlushInterval,
		GetDataCircuitBreakerTimeout: cfg.GetDataCircuitBreakerTimeout,
	}, bus, log)
	if err != nil {
		return fmt.Errorf("gqlserver: opening index: %w", err)
	}
	defer idx.Close()

	schema, err := gqlserver.NewSchema(gqlserver.NewResolver(idx))
	if err != nil {
		return err
	}
	ctrl := gqlserver.NewController(schema)

	r := chi.NewRouter()
	gqlserver.Register(r, ctrl, log)

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("gqlserver listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
