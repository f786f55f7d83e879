package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/config"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/contextlookup"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/crawlerpool"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/dropqueue"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/enrich"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/flow"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/handler"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/httpcrawler"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/middleware"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/scrape"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/snapshotbus"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/sse"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/store"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/tracing"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/trigger"
	"github.com/huskyyyyyyyyyyyyy/pigeon-pipeline/internal/wsframe"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Environment,
			TracesSampleRate: 0.1,
		}); err != nil {
			logger.Error("failed to init sentry", slog.String("error", err.Error()))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingShutdown, err := tracing.Init(rootCtx, "pigeon-pipeline", cfg.OTLPEndpoint, cfg.Environment)
	if err != nil {
		logger.Warn("failed to init tracing", slog.String("error", err.Error()))
	} else {
		defer tracingShutdown(rootCtx)
	}

	databaseURL := cfg.DatabaseURL
	poolSize := 0
	if dbSettings, ok, err := config.LoadDBConfig(cfg.DBConfigPath); err != nil {
		logger.Warn("failed to load db_config.yaml, falling back to DATABASE_URL", slog.String("error", err.Error()))
	} else if ok {
		databaseURL = dbSettings.DSN()
		poolSize = dbSettings.PoolSize
	}

	dbConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		logger.Error("failed to parse database config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	dbConfig.MaxConns = int32(cfg.DBMaxConns)
	if poolSize > 0 {
		dbConfig.MaxConns = int32(poolSize)
	}
	dbConfig.MinConns = int32(cfg.DBMinConns)
	dbConfig.MaxConnLifetime = cfg.DBMaxConnLife

	db, err := pgxpool.NewWithConfig(rootCtx, dbConfig)
	if err != nil {
		logger.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(rootCtx); err != nil {
		logger.Error("failed to ping database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("database_connected")

	st := store.New(db, logger, cfg.StoreChunkSize)
	if err := st.EnsureSchema(rootCtx); err != nil {
		logger.Error("failed to ensure schema", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctxTable, err := contextlookup.Load(cfg.ContextCSVPath)
	if err != nil {
		logger.Error("failed to load context lookup table", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("context_lookup_loaded", slog.Int("rows", ctxTable.Len()))

	scrapeCfg, err := config.LoadSpiderConfig(cfg.SpiderConfigPath)
	if err != nil {
		logger.Error("failed to load spider config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	crawlerHooks := httpcrawler.Hooks{
		OnError: func(err error, url, method, info string) {
			logger.Warn("httpcrawler: request failed",
				slog.String("method", method), slog.String("url", url),
				slog.String("info", info), slog.String("error", err.Error()))
		},
	}
	primaryCrawler := httpcrawler.New(httpcrawler.Config{}, logger, crawlerHooks)
	fanoutCrawlers := make([]*httpcrawler.Crawler, cfg.CrawlerPoolSize)
	for i := range fanoutCrawlers {
		fanoutCrawlers[i] = httpcrawler.New(httpcrawler.Config{}, logger, crawlerHooks)
	}
	scraper := scrape.New(primaryCrawler, fanoutCrawlers, scrapeCfg, logger)

	pool := crawlerpool.New(cfg.CrawlerPoolSize,
		flow.NewPidScraperFactory(scraper),
		flow.NewCurrentProbeFactory(scraper),
		logger,
	)
	defer pool.Close()

	engine := enrich.New(st, logger, cfg.StatusWhitelist, cfg.HistoryChunkSize)
	bus := snapshotbus.New()

	flowInstance := flow.New(pool, engine, bus, st, scraper, ctxTable, logger, flow.Config{
		Debounce:            cfg.FlowCooldown,
		SweepInterval:       time.Duration(cfg.SweepIntervalMin) * time.Minute,
		StatusWhitelist:     cfg.StatusWhitelist,
		BootstrapPIDs:       cfg.BootstrapPIDs,
		BootstrapUseCurrent: cfg.BootstrapUseCurrent,
	})

	queue := dropqueue.New[wsframe.Frame](cfg.QueueCap)
	triggerBus := trigger.New(logger, queue, wsframe.Options{
		TriggerText: cfg.TriggerText,
		MinBinLen:   cfg.MinBinLen,
	})
	if err := flowInstance.Register(triggerBus); err != nil {
		logger.Error("failed to register flow on trigger bus", slog.String("error", err.Error()))
		os.Exit(1)
	}

	triggerBus.Start(rootCtx, trigger.DefaultWorkers)
	defer triggerBus.Stop()
	go triggerBus.RunStartupHooks(rootCtx)

	go flowInstance.StartSweepLoop(rootCtx)

	triggerHandler := handler.NewTriggerHandler(bus)
	ingestHandler := handler.NewIngestHandler(triggerBus, logger)
	debugHandler := handler.NewDebugHandler(pool, queue, flowInstance)
	sseHandler := sse.NewHandler(bus, logger)
	staticFS, staticRedirect := handler.StaticMount(cfg.StaticDir)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing)
	r.Use(middleware.Logging(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", handler.Health)
	r.Handle(cfg.MetricsPath, promhttp.Handler())

	r.Get("/sse/pigeon", sseHandler.ServeHTTP)
	r.Post("/api/trigger", triggerHandler.ServeHTTP)
	r.Post("/ingest", ingestHandler.ServeHTTP)

	r.Get("/", staticRedirect)
	r.Handle("/static/*", staticFS)

	if cfg.DebugEndpointsEnabled {
		r.Route("/debug", func(r chi.Router) {
			r.Get("/pool", debugHandler.Pool)
			r.Get("/queue", debugHandler.Queue)
			r.Get("/flow", debugHandler.Flow)
		})
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server_starting", slog.Int("port", cfg.Port), slog.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server_error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-rootCtx.Done()
	logger.Info("server_shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server_shutdown_error", slog.String("error", err.Error()))
	}
}
