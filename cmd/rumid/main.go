package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"rumiprotocol/config"
	"rumiprotocol/crypto"
	"rumiprotocol/native/liquidation"
	"rumiprotocol/native/redemption"
	"rumiprotocol/native/treasury"
	"rumiprotocol/native/vault"
	"rumiprotocol/observability/logging"
	"rumiprotocol/observability/metrics"
	"rumiprotocol/oracle"
	"rumiprotocol/rpc"
	"rumiprotocol/storage"
	"rumiprotocol/transfer"
)

var genesisAppliedKey = []byte("rumid/genesis-applied")

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis YAML file (overrides config GenesisFile)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.SetupWith("rumid", cfg.Environment, logging.Options{
		Dir:        cfg.LogDir,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	logger.Info("starting daemon", "network", cfg.NetworkName, "rpc", cfg.RPCAddress)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	feed := oracle.NewManualOracle()
	checked := oracle.NewStaleChecker(feed, time.Duration(cfg.OracleMaxAgeSeconds)*time.Second)

	backend := transfer.NewBookBackend(db)
	outbound := transfer.NewLedger(db)

	store := vault.NewStore(db)
	guard := vault.NewGuard(store, time.Duration(cfg.GuardStaleSeconds)*time.Second)
	ledger := vault.NewLedger(store, guard, checked, backend)
	ledger.SetOutbound(outbound)
	ledger.SetLogger(logger)
	ledger.SetStableSymbol(cfg.StableSymbol)
	ledger.SetDepegTolerance(cfg.DepegToleranceBps)
	ledger.SetAltStableFee(cfg.AltStableFeeBps)

	var controller crypto.Address
	if trimmed := strings.TrimSpace(cfg.Treasury.Controller); trimmed != "" {
		controller = crypto.MustDecodeAddress(trimmed)
	} else {
		logger.Warn("no treasury controller configured; withdrawals and mints are unreachable")
	}
	vaultTreasury := treasury.New(db, backend, controller)
	vaultTreasury.SetOutbound(outbound)
	vaultTreasury.SetStableSymbol(cfg.StableSymbol)
	vaultTreasury.SetLogger(logger)
	mintCap, err := cfg.MintCapAmount()
	if err != nil {
		logger.Error("invalid mint cap", slog.Any("error", err))
		os.Exit(1)
	}
	vaultTreasury.SetMintPolicy(mintCap, time.Duration(cfg.Treasury.MintCooldownHours)*time.Hour)
	ledger.SetFeeSink(vaultTreasury)

	liquidations := liquidation.NewEngine(ledger)
	liquidations.SetLogger(logger)

	redemptions := redemption.NewEngine(ledger, db, redemption.Params{
		ReserveFeeBps:     cfg.Redemption.ReserveFeeBps,
		FeeFloorBps:       cfg.Redemption.FeeFloorBps,
		FeeCeilingBps:     cfg.Redemption.FeeCeilingBps,
		VolumeWindow:      time.Duration(cfg.Redemption.VolumeWindowMinutes) * time.Minute,
		PreferredReserves: cfg.Redemption.PreferredReserves,
	})
	redemptions.SetFeeSink(vaultTreasury)
	redemptions.SetLogger(logger)

	genesisPath := strings.TrimSpace(*genesisFlag)
	if genesisPath == "" {
		genesisPath = strings.TrimSpace(cfg.GenesisFile)
	}
	if genesisPath != "" {
		if err := applyGenesis(db, ledger, genesisPath, logger); err != nil {
			logger.Error("failed to apply genesis", slog.Any("error", err))
			os.Exit(1)
		}
	}

	registry := metrics.Protocol()

	monitor := transfer.NewMonitor(
		outbound,
		backend,
		time.Duration(cfg.Monitor.IntervalSeconds)*time.Second,
		0, // default stuck threshold
		cfg.Monitor.MaxAttempts,
		logger,
	)

	server := rpc.NewServer(ledger, rpc.ServerConfig{
		AuthSecret:   cfg.AuthSecret(),
		AuthIssuer:   cfg.RPCAuthIssuer,
		AuthAudience: cfg.RPCAuthAudience,
		RatePerSec:   cfg.RPCRateLimitPerSec,
		RateBurst:    cfg.RPCRateLimitBurst,
	})
	server.SetLiquidations(liquidations)
	server.SetRedemptions(redemptions)
	server.SetTreasury(vaultTreasury)
	server.SetOutbound(outbound)
	server.SetOracle(feed)
	server.SetMetrics(registry)
	server.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go monitor.Run(ctx)
	go guardSweepLoop(ctx, ledger, time.Duration(cfg.GuardStaleSeconds)*time.Second, logger)
	go modeRefreshLoop(ctx, ledger, outbound, registry, time.Duration(cfg.PriceRefreshSeconds)*time.Second, logger)

	if err := server.Start(ctx, cfg.RPCAddress); err != nil {
		logger.Error("rpc server failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("daemon stopped")
}

// applyGenesis seeds the collateral registry and reserves exactly once.
// Collateral entries new to the registry are registered on every boot so a
// genesis file extension lands without a state reset.
func applyGenesis(db storage.Database, ledger *vault.Ledger, path string, logger *slog.Logger) error {
	gen, err := config.LoadGenesis(path)
	if err != nil {
		return err
	}
	for _, cfg := range gen.Collateral {
		if _, err := ledger.ConfigFor(cfg.Symbol); err == nil {
			continue
		}
		if err := ledger.RegisterCollateral(cfg); err != nil {
			return fmt.Errorf("register %s: %w", cfg.Symbol, err)
		}
		logger.Info("registered collateral", "symbol", cfg.Symbol, "status", cfg.Status.String())
	}

	if _, err := db.Get(genesisAppliedKey); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	for asset, amount := range gen.Reserves {
		if err := ledger.Store().AddReserve(asset, amount); err != nil {
			return fmt.Errorf("seed reserve %s: %w", asset, err)
		}
		logger.Info("seeded reserve", "asset", asset, "amount", amount.String())
	}
	return db.Put(genesisAppliedKey, []byte("1"))
}

// guardSweepLoop periodically parks and clears abandoned guard entries.
func guardSweepLoop(ctx context.Context, ledger *vault.Ledger, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			owners, err := vaultOwners(ledger)
			if err != nil {
				logger.Warn("guard sweep enumeration failed", slog.Any("error", err))
				continue
			}
			if err := ledger.Guard().Sweep(owners); err != nil {
				logger.Warn("guard sweep failed", slog.Any("error", err))
			}
		}
	}
}

func vaultOwners(ledger *vault.Ledger) ([]crypto.Address, error) {
	seen := make(map[string]struct{})
	var owners []crypto.Address
	err := ledger.Store().ForEachVault(func(v *vault.Vault) bool {
		key := v.Owner.String()
		if _, ok := seen[key]; !ok {
			seen[key] = struct{}{}
			owners = append(owners, v.Owner)
		}
		return true
	})
	return owners, err
}

// modeRefreshLoop recomputes the protocol mode on a fixed cadence and
// publishes queue depths so dashboards track drift between price updates.
func modeRefreshLoop(ctx context.Context, ledger *vault.Ledger, outbound *transfer.Ledger, registry *metrics.ProtocolMetrics, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := ledger.Snapshot()
			if err != nil {
				logger.Warn("price snapshot failed", slog.Any("error", err))
				continue
			}
			status, err := ledger.RecomputeMode(snap)
			if err != nil {
				logger.Warn("mode recompute failed", slog.Any("error", err))
				continue
			}
			registry.SetMode(int(status.Mode))
			pending, perr := outbound.Pending()
			flagged, ferr := outbound.Flagged()
			if perr == nil && ferr == nil {
				registry.SetOutboundDepth(len(pending), len(flagged))
			}
		}
	}
}
