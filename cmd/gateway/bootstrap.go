package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"smartapi-gateway/internal/api"
	"smartapi-gateway/internal/batch"
	"smartapi-gateway/internal/broker/angelone"
	"smartapi-gateway/internal/broker/brokerobs"
	"smartapi-gateway/internal/broker/kite"
	"smartapi-gateway/internal/interfaces"
	"smartapi-gateway/internal/logger"
	"smartapi-gateway/internal/quotelog"
	"smartapi-gateway/internal/server"
	"smartapi-gateway/internal/session"
	"smartapi-gateway/internal/store"
	"smartapi-gateway/internal/trace"
)

var version = "dev"

// initializeSystem loads .env, then the logger and tracer.
func initializeSystem() error {
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := trace.Init(version); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}
	return nil
}

func loadConfig(ctx context.Context) (*store.Config, error) {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := store.LoadConfig(path)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err, "path", path)
		return nil, err
	}
	return cfg, nil
}

// backend is everything main needs from the chosen provider.
type backend struct {
	md       interfaces.MarketData
	sessions interfaces.SessionProvider
	// warmer is nil unless a refresh schedule is configured.
	warmer *session.Warmer
}

func initializeBackend(ctx context.Context, cfg *store.Config) (*backend, error) {
	switch cfg.Broker.Provider {
	case store.ProviderKite:
		logger.Info(ctx, "Using Kite Connect market data")
		k := kite.New(kite.Params{
			APIKey:     cfg.Kite.APIKey,
			BaseURL:    cfg.Kite.BaseURL,
			HTTPClient: api.NewHTTPClient(cfg.Upstream.Timeout.Std(), cfg.Batch.MaxConcurrency),
		})
		return &backend{
			md:       brokerobs.Wrap(k),
			sessions: session.NewStatic(cfg.Kite.APIKey, cfg.Kite.AccessToken),
		}, nil
	default:
		return initializeAngelOne(ctx, cfg)
	}
}

func initializeAngelOne(ctx context.Context, cfg *store.Config) (*backend, error) {
	creds := store.CredentialsFromEnv()
	if missing := creds.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missing)
	}

	up := cfg.Upstream
	hc := api.NewHTTPClient(up.Timeout.Std(), cfg.Batch.MaxConcurrency)
	client := angelone.New(angelone.Config{
		BaseURL:        up.BaseURL,
		LoginPath:      up.LoginPath,
		LTPPath:        up.LTPPath,
		HistoricalPath: up.HistoricalPath,
		APIKey:         creds.APIKey,
		SourceID:       up.SourceID,
		ClientLocalIP:  up.ClientLocalIP,
		ClientPublicIP: up.ClientPublicIP,
		MACAddress:     up.MACAddress,
		UserType:       up.UserType,
		Timeout:        up.Timeout.Std(),
		RatePerSecond:  up.RatePerSecond,
		RateBurst:      up.RateBurst,
		Retry: api.RetryConfig{
			MaxAttempts: up.Retry.Attempts,
			InitialWait: up.Retry.Backoff.Std(),
			MaxWait:     8 * up.Retry.Backoff.Std(),
		},
	}, api.WithHTTPClient(hc))

	mgr := session.NewManager(creds, client, session.Options{
		CacheTTL:      cfg.Session.CacheTTL.Std(),
		RefreshMargin: cfg.Session.RefreshMargin.Std(),
	})
	b := &backend{md: brokerobs.Wrap(client), sessions: mgr}

	if spec := cfg.Session.RefreshCron; spec != "" {
		w, err := session.NewWarmer(mgr, spec, up.Timeout.Std())
		if err != nil {
			return nil, err
		}
		b.warmer = w
	}

	logger.Info(ctx, "Using Angel One SmartAPI",
		"base_url", up.BaseURL,
		"session_cache_ttl", cfg.Session.CacheTTL.Std().String(),
		"refresh_cron", cfg.Session.RefreshCron,
	)
	return b, nil
}

// initializeJournal returns nil when no journal directory is configured.
// The returned cron, if any, compresses old journal files nightly.
func initializeJournal(ctx context.Context, cfg *store.Config) (*quotelog.Journal, *cron.Cron, error) {
	if cfg.QuoteLog.Dir == "" {
		return nil, nil, nil
	}
	j := quotelog.New(cfg.QuoteLog.Dir)
	if !cfg.QuoteLog.Compress {
		return j, nil, nil
	}

	keep := cfg.QuoteLog.KeepDays
	compress := func() {
		if err := j.CompressOlder(keep); err != nil {
			logger.Warn(ctx, "Failed to compress old quote logs", "error", err)
		}
	}
	compress()

	c := cron.New(cron.WithSeconds(), cron.WithLocation(time.FixedZone("IST", 19800)))
	if _, err := c.AddFunc("0 30 0 * * *", compress); err != nil {
		return nil, nil, fmt.Errorf("register quote log compression: %w", err)
	}
	return j, c, nil
}

func initializeServer(cfg *store.Config, b *backend, j *quotelog.Journal) *server.Server {
	opts := batch.Options{MaxConcurrency: cfg.Batch.MaxConcurrency}
	if j != nil {
		opts.Journal = j
	}
	svc := batch.NewService(b.sessions, b.md, opts)

	return server.New(svc, server.Config{
		CORSOrigins:   cfg.Server.CORSOrigins,
		MaxBatch:      cfg.Server.MaxBatch,
		MaxBodyBytes:  cfg.Server.MaxBodySize,
		RatePerSecond: cfg.Server.RateLimit.PerSecond,
		RateBurst:     cfg.Server.RateLimit.Burst,
		TrustProxy:    cfg.Server.TrustProxy,
	})
}
