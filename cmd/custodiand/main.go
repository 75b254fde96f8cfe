package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/royalfork/custodian/pkg/config"
	"github.com/royalfork/custodian/pkg/logging"
	"github.com/royalfork/custodian/pkg/oracle"
	"github.com/royalfork/custodian/pkg/server"
	"github.com/royalfork/custodian/pkg/storage"
	"github.com/royalfork/custodian/pkg/token"
	"github.com/royalfork/custodian/pkg/vault"
)

func main() {
	configPath := flag.String("config", "custodian.yaml", "path to config file (.yaml or .toml)")
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatal().Err(err).Str("env", *envFile).Msg("load env failed")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}

	logger, closer, err := logging.Setup(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("configure logging failed")
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("custodiand exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	feed, err := openFeed(ctx, cfg.Oracle, logger)
	if err != nil {
		return err
	}

	owner := common.HexToAddress(cfg.Vault.Owner)
	vaultAddr := common.HexToAddress(cfg.Vault.Address)
	asset := token.NewLedger(token.Metadata(cfg.Asset), owner)
	shares := token.NewLedger(token.Metadata(cfg.Share), owner)
	if err := shares.GrantMinter(owner, vaultAddr); err != nil {
		return fmt.Errorf("grant vault minter: %w", err)
	}

	mintCap, err := cfg.Vault.MintCapInt()
	if err != nil {
		return err
	}
	v, err := vault.New(ctx, vault.Params{
		Address:        vaultAddr,
		Owner:          owner,
		Asset:          asset,
		Shares:         shares,
		Feed:           feed,
		OracleDecimals: cfg.Oracle.Decimals,
		Config: vault.Config{
			MintCap:        mintCap,
			Fees:           cfg.Vault.Fees(),
			MaxOracleDelay: cfg.Oracle.MaxDelay.Duration,
			Public:         cfg.Vault.Public,
		},
		Operators: cfg.Vault.OperatorAddresses(),
		Store:     store,
		Logger:    &logger,
	})
	if err != nil {
		return fmt.Errorf("start vault: %w", err)
	}

	api := server.New(server.Config{
		Vault:     v,
		Journal:   store,
		RateLimit: rate.Limit(cfg.RateLimit.RPS),
		Burst:     cfg.RateLimit.Burst,
		Logger:    &logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", cfg.ListenAddress).Msg("custodiand started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info().Msg("shutting down")
	return httpServer.Shutdown(shutdownCtx)
}

// openFeed binds the Chainlink aggregator when an RPC endpoint is
// configured and otherwise serves the pinned static price.
func openFeed(ctx context.Context, cfg config.OracleConfig, logger zerolog.Logger) (oracle.Feed, error) {
	if cfg.RPCURL != "" {
		client, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
		}
		feed, err := oracle.NewChainlinkFeed(common.HexToAddress(cfg.Feed), client)
		if err != nil {
			return nil, err
		}
		desc, err := feed.Description(ctx)
		if err != nil {
			logger.Warn().Err(err).Str("feed", cfg.Feed).Msg("read feed description")
		}
		logger.Info().Str("feed", cfg.Feed).Str("description", desc).Msg("using chainlink feed")
		return feed, nil
	}

	price, _ := new(big.Int).SetString(cfg.StaticPrice, 10)
	feed := oracle.NewStaticFeed(cfg.Decimals)
	feed.Set(price, time.Now())
	go refreshStatic(ctx, feed, price, cfg.MaxDelay.Duration/2)
	logger.Warn().Str("price", price.String()).Msg("using static price feed")
	return feed, nil
}

// refreshStatic republishes price so the pinned reading never goes stale.
func refreshStatic(ctx context.Context, feed *oracle.StaticFeed, price *big.Int, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			feed.Set(price, now)
		}
	}
}
