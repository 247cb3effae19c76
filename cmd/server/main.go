package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"giftescrow/internal/asset"
	"giftescrow/internal/chain"
	"giftescrow/internal/config"
	"giftescrow/internal/journal"
	"giftescrow/internal/logging"
	"giftescrow/internal/node"
	"giftescrow/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New(os.Getenv("APP_ENV"))
		bootLogger.Fatal().Err(err).Msg("config error")
	}
	logger := logging.New(cfg.Service.AppEnv)

	ctx := context.Background()

	store, err := openJournal(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("journal error")
	}
	defer store.Close()

	vault := asset.NewVault()
	for _, a := range cfg.Genesis.Allocations {
		if err := vault.Deposit(common.HexToAddress(a.Address), a.Amount); err != nil {
			logger.Fatal().Err(err).Str("address", a.Address).Msg("genesis allocation error")
		}
	}

	var source chain.HeightSource = &chain.ClockHeight{
		Genesis:   cfg.Genesis.Chain.GenesisTime,
		BlockTime: cfg.Chain.BlockTime,
	}
	if cfg.Chain.RPCURL != "" {
		rpc, err := chain.NewRPCHeight(ctx, cfg.Chain.RPCURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("chain rpc error")
		}
		defer rpc.Close()
		source = rpc
	}
	heights := chain.NewMonotonic(source, 0)

	n, err := node.New(ctx, node.Options{
		Ledger:     cfg.Ledger(),
		Vault:      vault,
		Store:      store,
		Heights:    heights,
		MaxDeposit: cfg.Genesis.Faucet.MaxDeposit,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("node error")
	}
	_, height := n.Head()
	heights.Raise(height)

	apiServer := server.NewServer(cfg, n, logger)

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server stopped")
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownWindow)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
}

func openJournal(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (journal.Store, error) {
	if cfg.Service.DatabaseURL != "" {
		logger.Info().Msg("using postgres journal")
		return journal.NewPostgresStore(ctx, cfg.Service.DatabaseURL)
	}
	logger.Info().Str("path", cfg.Service.JournalPath).Msg("using bolt journal")
	return journal.NewBoltStore(cfg.Service.JournalPath)
}
