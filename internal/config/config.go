// Package config resolves node configuration from flags with environment
// variable fallback, following the teacher's flag.String setup in
// cmd/server/main.go. The data-dir, listen-addr, bootstrap-addrs, log-level
// and admin-addr flags also accept a YAPYAP_* environment variable — flags
// win when explicitly set; outbox-workers and max-outbox-pending are read
// from flags only.
package config

import (
	"flag"
	"os"
	"strings"
	"time"
)

// Config is the fully resolved node configuration.
type Config struct {
	DataDir        string
	ListenAddr     string
	BootstrapAddrs []string
	LogLevel       string

	AdminAddr string

	AckTimeout       time.Duration
	OutboxWorkers    int
	MaxOutboxPending int
	MaxAttempts      int
	RetryBase        time.Duration
	RetryCap         time.Duration
	RelayFanout      int
	MarkerRetention  time.Duration
	SnapshotInterval time.Duration
}

// Default returns the documented defaults from the node's concurrency and
// resource model.
func Default() Config {
	return Config{
		DataDir:          "./data",
		ListenAddr:       "/ip4/0.0.0.0/tcp/4001",
		BootstrapAddrs:   nil,
		LogLevel:         "info",
		AdminAddr:        "127.0.0.1:8787",
		AckTimeout:       30 * time.Second,
		OutboxWorkers:    4,
		MaxOutboxPending: 10_000,
		MaxAttempts:      8,
		RetryBase:        2 * time.Second,
		RetryCap:         5 * time.Minute,
		RelayFanout:      3,
		MarkerRetention:  7 * 24 * time.Hour,
		SnapshotInterval: 60 * time.Second,
	}
}

// FromEnvAndFlags parses args against flag defaults seeded from environment
// variables, matching spec's required env vars:
// YAPYAP_DATA_DIR, YAPYAP_LISTEN_ADDR, YAPYAP_BOOTSTRAP_ADDRS, YAPYAP_LOG_LEVEL.
func FromEnvAndFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Default()

	dataDir := fs.String("data-dir", envOr("YAPYAP_DATA_DIR", cfg.DataDir), "directory for WAL, snapshot, and identity")
	listenAddr := fs.String("listen-addr", envOr("YAPYAP_LISTEN_ADDR", cfg.ListenAddr), "libp2p multiaddr to listen on")
	bootstrap := fs.String("bootstrap-addrs", envOr("YAPYAP_BOOTSTRAP_ADDRS", ""), "comma-separated bootstrap peer multiaddrs")
	logLevel := fs.String("log-level", envOr("YAPYAP_LOG_LEVEL", cfg.LogLevel), "debug|info|warn|error")
	adminAddr := fs.String("admin-addr", envOr("YAPYAP_ADMIN_ADDR", cfg.AdminAddr), "address for the admin HTTP API")
	workers := fs.Int("outbox-workers", cfg.OutboxWorkers, "number of outbox dispatch workers")
	maxPending := fs.Int("max-outbox-pending", cfg.MaxOutboxPending, "backpressure limit on pending outbox entries")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.DataDir = *dataDir
	cfg.ListenAddr = *listenAddr
	cfg.LogLevel = *logLevel
	cfg.AdminAddr = *adminAddr
	cfg.OutboxWorkers = *workers
	cfg.MaxOutboxPending = *maxPending
	if strings.TrimSpace(*bootstrap) != "" {
		cfg.BootstrapAddrs = strings.Split(*bootstrap, ",")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

