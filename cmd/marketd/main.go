package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agustin125/securitize-smart-contracts/config"
	"github.com/agustin125/securitize-smart-contracts/core/events"
	"github.com/agustin125/securitize-smart-contracts/core/state"
	"github.com/agustin125/securitize-smart-contracts/gateway/middleware"
	"github.com/agustin125/securitize-smart-contracts/gateway/routes"
	"github.com/agustin125/securitize-smart-contracts/native/bank"
	"github.com/agustin125/securitize-smart-contracts/native/market"
	"github.com/agustin125/securitize-smart-contracts/observability/logging"
	telemetry "github.com/agustin125/securitize-smart-contracts/observability/otel"
	"github.com/agustin125/securitize-smart-contracts/storage"
)

const serviceName = "marketd"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./market.toml", "path to marketd configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.SetupWithOptions(serviceName, cfg.Environment, logging.Options{
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Level:      parseLevel(cfg.Logging.Level),
	})

	if err := run(cfg, logger); err != nil {
		logger.Error("marketd stopped", "error", err)
		_ = logCloser.Close()
		os.Exit(1)
	}
	_ = logCloser.Close()
}

func run(cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Identity{
		Service:     serviceName,
		Environment: cfg.Environment,
		ChainID:     cfg.ChainID,
		Engine:      cfg.VerifyingContract,
	}, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.StorageBackend, err)
	}
	defer db.Close()

	engineAddr, err := cfg.EngineAddress()
	if err != nil {
		return err
	}
	verifier, err := market.NewVerifier(market.Domain{
		Name:              cfg.DomainName,
		Version:           cfg.DomainVersion,
		ChainID:           cfg.ChainID,
		VerifyingContract: engineAddr,
	})
	if err != nil {
		return err
	}

	feed := events.NewFeed(logger.With("component", "events"))
	tokens := bank.NewTokenLedger(db)
	vault := bank.NewVault(db, engineAddr)

	engine := market.NewEngine(verifier)
	engine.SetLedger(state.NewLedger(db))
	engine.SetGateway(tokens.Spender(engineAddr))
	engine.SetPaymentChannel(vault)
	engine.SetEmitter(feed)

	if err := engine.CheckSolvency(); err != nil {
		return fmt.Errorf("ledger failed solvency check: %w", err)
	}

	router, err := routes.New(routes.Config{
		Engine:        engine,
		Tokens:        tokens,
		Vault:         vault,
		Feed:          feed,
		EngineAddress: engineAddr,
		Faucet:        cfg.Bank.Faucet,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:             cfg.Auth.Enabled,
			HMACSecret:          cfg.Auth.HMACSecret,
			Issuer:              cfg.Auth.Issuer,
			Audience:            cfg.Auth.Audience,
			AllowAnonymousReads: cfg.Auth.AllowAnonymousReads,
		}, logger.With("component", "auth")),
		RateLimiter: middleware.NewRateLimiter(middleware.RateLimit{
			RequestsPerMinute: float64(cfg.RateLimit.RequestsPerMinute),
			Burst:             cfg.RateLimit.Burst,
		}),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: serviceName,
			LogRequests: true,
		}, logger.With("component", "http")),
		CORS:   middleware.CORSConfig{AllowedOrigins: cfg.AllowedOrigins},
		Logger: logger.With("component", "market"),
	})
	if err != nil {
		return fmt.Errorf("configure routes: %w", err)
	}

	handler := http.Handler(router)
	if cfg.Telemetry.Traces {
		handler = otelhttp.NewHandler(router, serviceName)
	}
	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening",
			"address", listener.Addr().String(),
			"storage", cfg.StorageBackend,
			"chainId", cfg.ChainID,
			"engine", cfg.VerifyingContract,
			"auth", cfg.Auth.Enabled,
		)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	return nil
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		return storage.NewMemDB(), nil
	case config.BackendLevelDB:
		return storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	case config.BackendBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return storage.NewBoltDB(filepath.Join(cfg.DataDir, "ledger.db"))
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.StorageBackend)
	}
}

func parseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo
	}
	return level
}
