// Package config loads the typed, immutable Config the rest of the core
// is constructed with: WAL location and batching knobs, snapshot store
// location, rate-limit budget, default funding schedule, and the server
// listen address. Grounded in the teacher's params/config.go Default()/
// LoadFromEnv() pattern (env var overrides a .env file which overrides
// hardcoded defaults); config loading is an out-of-core peripheral per
// spec §1, but the core still takes a concrete Config value at
// construction time.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// WAL controls EventLog batching and storage location.
type WAL struct {
	Dir           string
	BatchSize     int
	BatchInterval time.Duration
	QueueCapacity int
}

// Snapshot controls snapshotstore location and cadence.
type Snapshot struct {
	Dir      string
	Interval int64 // loaded from SNAPSHOT_INTERVAL; no component reads it, and no snapshot is taken automatically
}

// RateLimit bounds per-user order submission rate.
type RateLimit struct {
	MaxOrdersPerWindow int
	Window             time.Duration
}

// Funding controls the funding schedule cmd/coreengine configures for the
// instrument it registers; the Market's own FundingInterval is not read.
type Funding struct {
	Interval        time.Duration
	InterestRateBps int64
}

// Server controls the HTTP/websocket peripheral.
type Server struct {
	ListenAddr string
}

// Config is the full set of knobs the CLI harness assembles components
// from. Immutable once loaded — nothing downstream mutates a Config in
// place.
type Config struct {
	WAL       WAL
	Snapshot  Snapshot
	RateLimit RateLimit
	Funding   Funding
	Server    Server
}

// Default returns the devnet-sane defaults, mirroring the teacher's
// Default() returning a full Config with every field populated rather
// than relying on zero values.
func Default() Config {
	return Config{
		WAL: WAL{
			Dir:           "data/wal",
			BatchSize:     100,
			BatchInterval: 10 * time.Millisecond,
			QueueCapacity: 4096,
		},
		Snapshot: Snapshot{
			Dir:      "data/snapshots",
			Interval: 100_000,
		},
		RateLimit: RateLimit{
			MaxOrdersPerWindow: 50,
			Window:             time.Second,
		},
		Funding: Funding{
			Interval:        8 * time.Hour,
			InterestRateBps: 1,
		},
		Server: Server{
			ListenAddr: ":8080",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults, matching
// the teacher's LoadFromEnv.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("WAL_DIR"); v != "" {
		cfg.WAL.Dir = v
	}
	if v := envInt("WAL_BATCH_SIZE"); v != 0 {
		cfg.WAL.BatchSize = v
	}
	if v := envMillis("WAL_BATCH_INTERVAL_MS"); v != 0 {
		cfg.WAL.BatchInterval = v
	}
	if v := envInt("WAL_QUEUE_CAPACITY"); v != 0 {
		cfg.WAL.QueueCapacity = v
	}

	if v := os.Getenv("SNAPSHOT_DIR"); v != "" {
		cfg.Snapshot.Dir = v
	}
	if v := os.Getenv("SNAPSHOT_INTERVAL"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Snapshot.Interval = n
		}
	}

	if v := envInt("RATE_LIMIT_MAX_ORDERS"); v != 0 {
		cfg.RateLimit.MaxOrdersPerWindow = v
	}
	if v := envMillis("RATE_LIMIT_WINDOW_MS"); v != 0 {
		cfg.RateLimit.Window = v
	}

	if v := envMillis("FUNDING_INTERVAL_MS"); v != 0 {
		cfg.Funding.Interval = v
	}
	if v := os.Getenv("FUNDING_INTEREST_RATE_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Funding.InterestRateBps = n
		}
	}

	if v := os.Getenv("SERVER_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}

	return cfg
}

func envInt(key string) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func envMillis(key string) time.Duration {
	if n := envInt(key); n != 0 {
		return time.Duration(n) * time.Millisecond
	}
	return 0
}
