package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coldbell/vault/backend/internal/apiserver"
	"github.com/coldbell/vault/backend/internal/config"
	"github.com/coldbell/vault/backend/internal/engine"
	"github.com/coldbell/vault/backend/internal/logging"
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	bootstrapLogger := logging.Bootstrap("vault-engine")

	cfg, err := config.LoadEngineConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("vault-engine", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if source, sourceErr := config.Default(); sourceErr == nil {
		logger.Info("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("vault-engine exited with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.EngineConfig, logger *slog.Logger) error {
	st, err := engine.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("failed to close store", "err", closeErr)
		}
	}()

	prices, err := engine.NewPriceSource(ctx, cfg, logger.With("component", "oracle"))
	if err != nil {
		return err
	}

	eng, err := engine.New(st, prices, engine.Config{
		ProgramID:      cfg.ProgramID,
		AuthoritySeed:  cfg.AuthoritySeed,
		LTVRatio:       cfg.LTVRatio,
		TokenProgramID: cfg.TokenProgramID,
		CollateralMint: cfg.CollateralMint,
	}, logger)
	if err != nil {
		return err
	}

	if cfg.GenesisPath != "" {
		genesis, err := config.LoadGenesis(cfg.GenesisPath)
		if err != nil {
			return err
		}
		seeded, err := eng.Seed(ctx, genesis)
		if err != nil {
			return err
		}
		logger.Info("genesis applied", "path", cfg.GenesisPath, "created", seeded)
	}

	logger.Info("vault program ready",
		"program", eng.ProgramID(),
		"authority", eng.Authority().Key,
		"bump", eng.Authority().Bump,
		"ltv", eng.LTVRatio(),
		"collateral_mint", eng.CollateralMint(),
		"store", cfg.StoreDriver,
		"oracle", cfg.OracleMode,
	)

	return apiserver.New(cfg, eng, logger).Run(ctx)
}
