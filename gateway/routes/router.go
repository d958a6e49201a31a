package routes

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agustin125/securitize-smart-contracts/core/events"
	"github.com/agustin125/securitize-smart-contracts/gateway/middleware"
	"github.com/agustin125/securitize-smart-contracts/native/bank"
	"github.com/agustin125/securitize-smart-contracts/native/market"
)

type Config struct {
	Engine        *market.Engine
	Tokens        *bank.TokenLedger
	Vault         *bank.Vault
	Feed          *events.Feed
	EngineAddress [20]byte
	Faucet        bool
	Timeout       time.Duration

	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil || cfg.Tokens == nil || cfg.Vault == nil {
		return nil, errors.New("routes: engine, tokens and vault are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	feed := cfg.Feed
	if feed == nil {
		feed = events.NewFeed(logger)
	}

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	mr := &marketRoutes{engine: cfg.Engine, vault: cfg.Vault, logger: logger, timeout: cfg.Timeout}
	br := &bankRoutes{tokens: cfg.Tokens, vault: cfg.Vault, engine: cfg.EngineAddress, faucet: cfg.Faucet}
	sr := &streamRoutes{feed: feed, originPatterns: cfg.CORS.AllowedOrigins}

	r.Route("/v1", func(v1 chi.Router) {
		if cfg.RateLimiter != nil {
			v1.Use(cfg.RateLimiter.Middleware("v1"))
		}
		if cfg.Authenticator != nil {
			v1.Use(cfg.Authenticator.Middleware)
		}
		mr.mount(v1)
		sr.mount(v1)
		v1.Route("/bank", br.mount)
	})
	return r, nil
}
