// Package config loads the gateway's environment/flag configuration
// and provides the env-lookup helpers shared by every daemon, combining a
// viper-backed optional config file with godotenv's .env loading and plain
// os.Getenv overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the unified configuration for the gateway's core.
// Every field has a documented default.
type Config struct {
	StartHeight uint64
	StopHeight  uint64

	MaxForkDepth          int
	StableFlushInterval   uint64
	HeightPollingInterval time.Duration

	MaxRequestsPerSecond  float64
	MaxConcurrentRequests int

	GetDataCircuitBreakerTimeout time.Duration

	DataItemFlushCountThreshold int
	MaxFlushIntervalSeconds     int

	WriteTransactionDBSignatures    bool
	WriteANS104DataItemDBSignatures bool

	TrustedNodeURL string
	PeerListFile   string

	EDSOutputDir  string
	EDSIntervalMS int

	DataDir string
}

// Default returns the gateway's documented defaults.
func Default() Config {
	return Config{
		StartHeight:                     0,
		StopHeight:                      ^uint64(0),
		MaxForkDepth:                    50,
		StableFlushInterval:             5,
		HeightPollingInterval:           5 * time.Second,
		MaxRequestsPerSecond:            5,
		MaxConcurrentRequests:           20,
		GetDataCircuitBreakerTimeout:    3 * time.Second,
		DataItemFlushCountThreshold:     1000,
		MaxFlushIntervalSeconds:         600,
		WriteTransactionDBSignatures:    false,
		WriteANS104DataItemDBSignatures: false,
		TrustedNodeURL:                  "https://arweave.net",
		EDSOutputDir:                    "./eds",
		EDSIntervalMS:                   60_000,
		DataDir:                         "./data",
	}
}

// LoadConfigFile reads a YAML/TOML/JSON config file via viper and stores
// its keys, upper-cased, in this package's env-lookup cache (not the process
// environment), so Load's env-var layer picks them up. Keys already set in
// the environment take precedence over the file, so flags/env always win
// over a config file.
func LoadConfigFile(path string) error {
	if path == "" {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: reading config file %q: %w", path, err)
	}
	for _, key := range v.AllKeys() {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if _, ok := getEnv(envKey); ok {
			continue
		}
		val := fmt.Sprintf("%v", v.Get(key))
		envCache.Store(envKey, val)
	}
	return nil
}

// Load reads a .env file (if present) and overlays environment variables on
// top of Default(). It mirrors walletserver/config.Load's
// godotenv-then-os.Getenv pattern, generalized to the gateway's full option
// table.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("config: loading env file %q: %w", envFile, err)
		}
	}
	cfg := Default()

	cfg.StartHeight = EnvOrDefaultUint64("START_HEIGHT", cfg.StartHeight)
	if sh := EnvOrDefaultUint64("STOP_HEIGHT", 0); sh != 0 {
		cfg.StopHeight = sh
	}
	cfg.MaxForkDepth = EnvOrDefaultInt("MAX_FORK_DEPTH", cfg.MaxForkDepth)
	cfg.StableFlushInterval = EnvOrDefaultUint64("STABLE_FLUSH_INTERVAL", cfg.StableFlushInterval)

	if v := EnvOrDefaultInt("MAX_REQUESTS_PER_SECOND", 0); v != 0 {
		cfg.MaxRequestsPerSecond = float64(v)
	}
	cfg.MaxConcurrentRequests = EnvOrDefaultInt("MAX_CONCURRENT_REQUESTS", cfg.MaxConcurrentRequests)

	if ms := EnvOrDefaultInt("GET_DATA_CIRCUIT_BREAKER_TIMEOUT_MS", 0); ms != 0 {
		cfg.GetDataCircuitBreakerTimeout = time.Duration(ms) * time.Millisecond
	}
	cfg.DataItemFlushCountThreshold = EnvOrDefaultInt("DATA_ITEM_FLUSH_COUNT_THRESHOLD", cfg.DataItemFlushCountThreshold)
	cfg.MaxFlushIntervalSeconds = EnvOrDefaultInt("MAX_FLUSH_INTERVAL_SECONDS", cfg.MaxFlushIntervalSeconds)

	cfg.WriteTransactionDBSignatures = EnvOrDefaultBool("WRITE_TRANSACTION_DB_SIGNATURES", cfg.WriteTransactionDBSignatures)
	cfg.WriteANS104DataItemDBSignatures = EnvOrDefaultBool("WRITE_ANS104_DATA_ITEM_DB_SIGNATURES", cfg.WriteANS104DataItemDBSignatures)

	cfg.TrustedNodeURL = EnvOrDefault("TRUSTED_NODE_URL", cfg.TrustedNodeURL)
	cfg.PeerListFile = EnvOrDefault("PEER_LIST_FILE", cfg.PeerListFile)
	cfg.EDSOutputDir = EnvOrDefault("EDS_OUTPUT_DIR", cfg.EDSOutputDir)
	cfg.EDSIntervalMS = EnvOrDefaultInt("EDS_INTERVAL_MS", cfg.EDSIntervalMS)
	cfg.DataDir = EnvOrDefault("DATA_DIR", cfg.DataDir)

	return cfg, nil
}
