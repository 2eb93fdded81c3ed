// Command coreengine wires Config -> Logger -> snapshotstore -> EventLog
// -> per-instrument ledger/position/matching -> Controller -> the
// liquidation/funding sweep -> the REST/WebSocket api.Server. Grounded
// on the teacher's cmd/node/main.go wiring order (logger, then config-
// driven components, then a signal-aware run loop), with the
// consensus/p2p wiring dropped since spec.md's Non-goals exclude
// cross-engine consensus.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lanpishu6300/perpcore/internal/api"
	"github.com/lanpishu6300/perpcore/internal/config"
	"github.com/lanpishu6300/perpcore/internal/controller"
	"github.com/lanpishu6300/perpcore/internal/coreerr"
	"github.com/lanpishu6300/perpcore/internal/eventlog"
	"github.com/lanpishu6300/perpcore/internal/funding"
	"github.com/lanpishu6300/perpcore/internal/ledger"
	"github.com/lanpishu6300/perpcore/internal/market"
	"github.com/lanpishu6300/perpcore/internal/obslog"
	"github.com/lanpishu6300/perpcore/internal/position"
	"github.com/lanpishu6300/perpcore/internal/snapshotstore"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.LoadFromEnv("")

	logPath := os.Getenv("LOG_FILE")
	if logPath == "" {
		logPath = "data/coreengine.log"
	}
	logger, err := obslog.NewWithFile(logPath)
	if err != nil {
		return 1
	}
	defer logger.Sync()
	logger.Info("logger_initialized", zap.String("log_file", logPath))

	store, err := snapshotstore.Open(cfg.Snapshot.Dir)
	if err != nil {
		logger.Error("snapshotstore_open_failed", zap.Error(err))
		return coreerr.ExitCode(coreerr.ErrSnapshotWriteFailed)
	}
	defer store.Close()

	if err := os.MkdirAll(cfg.WAL.Dir, 0o755); err != nil {
		logger.Error("wal_dir_create_failed", zap.Error(err))
		return coreerr.ExitCode(coreerr.ErrMissingLogSegment)
	}
	walPath := filepath.Join(cfg.WAL.Dir, "wal.log")
	log, err := eventlog.Open(walPath, eventlog.Options{
		BatchSize:     cfg.WAL.BatchSize,
		BatchInterval: cfg.WAL.BatchInterval,
		QueueCapacity: cfg.WAL.QueueCapacity,
	}, logger)
	if err != nil {
		logger.Error("eventlog_open_failed", zap.Error(err))
		return coreerr.ExitCode(coreerr.ErrMissingLogSegment)
	}
	defer log.Close()

	markets := market.NewRegistry()
	btcPerp, err := market.New("BTC-PERP", "BTC", "USD", market.DefaultPerpParams())
	if err != nil {
		logger.Error("market_init_failed", zap.Error(err))
		return 1
	}
	if err := markets.Register(btcPerp); err != nil {
		logger.Error("market_register_failed", zap.Error(err))
		return 1
	}

	l := ledger.New(store)
	positions := position.New(btcPerp.MaxPosition)

	ctl := controller.New(markets, l, positions, log, logger, controller.RateLimitConfig{
		MaxOrdersPerWindow: cfg.RateLimit.MaxOrdersPerWindow,
		Window:             cfg.RateLimit.Window,
	})
	ctl.ConfigureFunding(btcPerp.Symbol, funding.Config{
		Interval:        cfg.Funding.Interval,
		InterestRateBps: cfg.Funding.InterestRateBps,
	}, time.Now().UnixNano())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runFundingSweep(ctx, ctl, logger)
	go runLiquidationSweep(ctx, ctl, markets, positions, logger)

	server := api.NewServer(ctl, markets, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Server.ListenAddr) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
		return 0
	case err := <-errCh:
		logger.Error("api_server_exited", zap.Error(err))
		return 1
	}
}

// runFundingSweep polls every configured instrument once a
// second and settles funding on any whose next_settlement_time has
// elapsed, per spec §4.9.
func runFundingSweep(ctx context.Context, ctl *controller.Controller, logger *zap.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixNano()
			for _, instrument := range ctl.DueFundingInstruments(now) {
				if _, err := ctl.AdminTriggerFunding(instrument, now); err != nil {
					logger.Warn("funding_settle_skipped", zap.String("instrument", instrument), zap.Error(err))
				}
			}
		}
	}
}

// runLiquidationSweep polls every user with a non-zero position across
// every instrument and liquidates any account that has fallen below its
// maintenance margin, per spec §4.8.
func runLiquidationSweep(ctx context.Context, ctl *controller.Controller, markets *market.Registry, positions *position.Book, logger *zap.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixNano()
			seen := make(map[string]bool)
			for _, m := range markets.List() {
				for _, addr := range positions.NonZeroUsers(m.Symbol) {
					key := addr.Hex()
					if seen[key] {
						continue
					}
					seen[key] = true
					if _, err := ctl.LiquidateUser(addr, now); err != nil {
						logger.Warn("liquidation_sweep_error", zap.String("address", key), zap.Error(err))
					}
				}
			}
		}
	}
}
