// Package config loads the gateway's environment/flag configuration
// and provides the env-lookup helpers shared by every daemon.
// Non-empty lookups are cached so hot paths (e.g. per-block config
// re-reads) avoid repeat syscalls.
package config

import (
	"os"
	"strconv"
	"sync"
)

var envCache sync.Map // map[string]string

func getEnv(key string) (string, bool) {
	if v, ok := envCache.Load(key); ok {
		return v.(string), true
	}
	if v := os.Getenv(key); v != "" {
		envCache.Store(key, v)
		return v, true
	}
	return "", false
}

// clearEnvCache removes any cached value for key; used by tests that mutate
// the environment between calls.
func clearEnvCache(key string) {
	envCache.Delete(key)
}

// EnvOrDefault returns the value of key or fallback if unset/empty.
func EnvOrDefault(key, fallback string) string {
	if v, ok := getEnv(key); ok {
		return v
	}
	return fallback
}

// EnvOrDefaultInt parses key as an int, or returns fallback.
func EnvOrDefaultInt(key string, fallback int) int {
	if v, ok := getEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// EnvOrDefaultUint64 parses key as a uint64, or returns fallback.
func EnvOrDefaultUint64(key string, fallback uint64) uint64 {
	if v, ok := getEnv(key); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

// EnvOrDefaultBool parses key as a bool, or returns fallback.
func EnvOrDefaultBool(key string, fallback bool) bool {
	if v, ok := getEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
