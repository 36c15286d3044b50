// Package server exposes the research pipeline and fact retrieval over HTTP.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/winefact/winefact/config"
	"github.com/winefact/winefact/internal/discovery"
	"github.com/winefact/winefact/internal/extract"
	"github.com/winefact/winefact/internal/fetch"
	"github.com/winefact/winefact/internal/normalize"
	"github.com/winefact/winefact/internal/research"
	"github.com/winefact/winefact/internal/retrieval"
	"github.com/winefact/winefact/internal/store"
	"github.com/winefact/winefact/provider"
)

// Run wires the full service from config and serves until the listener
// fails. addr overrides the configured server address when non-empty.
func Run(cfgPath, addr string) error {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.Server.Address
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	if err := store.Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		baseLogger.Printf("migrations: %v", err)
	}

	llm, err := NewLLM(cfg)
	if err != nil {
		return err
	}

	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN(), llm, nil)
	if err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Storage.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
	}

	orch, err := BuildOrchestrator(cfg, llm, rdb, st)
	if err != nil {
		return err
	}

	svc := retrieval.New(st, orch, cfg.Retrieval.FreshnessThreshold, nil)
	sched := retrieval.NewScheduler(st, orch, cfg.Retrieval.RefreshCron, cfg.Retrieval.FreshnessThreshold, rdb, nil)
	sched.Start()
	defer sched.Stop()

	go st.RunEmbeddingWorker(ctx, time.Minute)

	h := &ResearchHandler{Service: svc, Store: st}
	h.Register(e.Group("/api"))

	return e.Start(addr)
}

// NewLLM builds the structuring/embedding provider from config.
func NewLLM(cfg *config.Config) (provider.Provider, error) {
	return provider.NewProvider(provider.OpenAI, provider.Options{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		MaxRetries:     cfg.LLM.MaxRetries,
		EmbeddingDim:   cfg.LLM.EmbeddingDim,
		Timeout:        cfg.LLM.Timeout,
	})
}

// BuildOrchestrator assembles the pipeline components from config. Exported
// so the serve command and the one-shot research command share the wiring.
func BuildOrchestrator(cfg *config.Config, llm provider.Provider, rdb *redis.Client, st research.FactStore) (*research.Orchestrator, error) {
	var providers []discovery.Provider
	if cfg.Search.SerperAPIKey != "" {
		providers = append(providers, &discovery.SerperProvider{APIKey: cfg.Search.SerperAPIKey})
	}
	if cfg.Search.BraveAPIKey != "" {
		providers = append(providers, &discovery.BraveProvider{APIKey: cfg.Search.BraveAPIKey})
	}
	disc := discovery.New(providers, cfg.Search.ProviderPriority, cfg.Search.MaxCandidates, cfg.Search.Timeout, nil)

	pool, err := fetch.NewBrowserPool(cfg.Fetch.BrowserPoolSize)
	if err != nil {
		return nil, err
	}
	var cache fetch.Cache = fetch.NewMemoryCache()
	if rdb != nil {
		cache = fetch.Layered{fetch.NewMemoryCache(), fetch.NewRedisCache(rdb, cfg.Fetch.CacheTTL)}
	}
	fetcher := fetch.New(pool, fetch.Options{
		HTTPTimeout:    cfg.Fetch.HTTPTimeout,
		BrowserTimeout: cfg.Fetch.BrowserTimeout,
		UserAgent:      cfg.Fetch.UserAgent,
		Cache:          cache,
	}, nil)

	norm := normalize.New(cfg.Normalize.MaxTokens)
	extractor := extract.New(llm, cfg.LLM.CallsPerMinute/60.0, nil)
	validator := extract.NewValidator()

	return research.NewOrchestrator(disc, fetcher, norm, extractor, validator, st, cfg.Fetch.HTTPConcurrency, nil), nil
}
