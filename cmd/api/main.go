package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PortNumber53/writgo/internal/auth"
	"github.com/PortNumber53/writgo/internal/config"
	"github.com/PortNumber53/writgo/internal/credits"
	"github.com/PortNumber53/writgo/internal/distribution"
	"github.com/PortNumber53/writgo/internal/generation"
	"github.com/PortNumber53/writgo/internal/handlers"
	"github.com/PortNumber53/writgo/internal/imagecard"
	"github.com/PortNumber53/writgo/internal/logging"
	"github.com/PortNumber53/writgo/internal/metrics"
	"github.com/PortNumber53/writgo/internal/middleware"
	"github.com/PortNumber53/writgo/internal/pipeline"
	"github.com/PortNumber53/writgo/internal/publishing"
	"github.com/PortNumber53/writgo/internal/realtime"
	"github.com/PortNumber53/writgo/internal/store"
	"github.com/PortNumber53/writgo/internal/wordpress"
	"github.com/PortNumber53/writgo/internal/workers"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v79/client"
)

const serviceName = "writgo-api"

func main() {
	logger := logging.NewLoggerWithService(serviceName)
	config.LoadEnv(logger)

	d := defaultDeps()
	d.logger = logger
	if err := run(d); err != nil {
		logger.WithError(err).Fatal("API server failed")
	}
}

type deps struct {
	getenv         func(string) string
	openDB         func(driverName, dataSourceName string) (*sql.DB, error)
	migrateUp      func(db *sql.DB, sourceURL string) error
	listenAndServe func(*http.Server) error
	notify         func(c chan<- os.Signal, sig ...os.Signal)
	stopCh         chan os.Signal
	logger         *logrus.Logger
}

func defaultDeps() deps {
	return deps{
		getenv:         os.Getenv,
		openDB:         sql.Open,
		migrateUp:      migrateUp,
		listenAndServe: func(srv *http.Server) error { return srv.ListenAndServe() },
		notify:         signal.Notify,
	}
}

func resolvePort(getenv func(string) string) string {
	if getenv == nil {
		return "18911"
	}
	if port := getenv("PORT"); port != "" {
		return port
	}
	return "18911"
}

func migrateUp(db *sql.DB, sourceURL string) error {
	if db == nil {
		return errors.New("migrate: nil db")
	}
	if sourceURL == "" {
		sourceURL = "file://db/migrations"
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("database migration failed: %w", err)
	}
	return nil
}

// app is the fully wired API process.
type app struct {
	handler http.Handler
	workers []interface{ Start(context.Context) }
	closers []func() error
}

func run(d deps) error {
	logger := d.logger
	if logger == nil {
		logger = logging.NewLoggerWithService(serviceName)
	}

	cfg, err := config.Load(d.getenv)
	if err != nil {
		return err
	}
	if d.openDB == nil {
		return errors.New("openDB dependency is required")
	}
	if d.listenAndServe == nil {
		return errors.New("listenAndServe dependency is required")
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := d.openDB("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	pingCtx, pingCancel := context.WithTimeout(rootCtx, 5*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if d.migrateUp != nil {
		if err := d.migrateUp(db, cfg.MigrationsPath); err != nil {
			return err
		}
		logger.Info("Database is up-to-date")
	}

	a, err := buildApp(rootCtx, cfg, db, d.getenv, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range a.closers {
			_ = c()
		}
	}()

	srv := &http.Server{
		Handler:           a.handler,
		Addr:              ":" + resolvePort(d.getenv),
		ReadHeaderTimeout: 15 * time.Second,
		// Generation requests wait on providers for up to a few minutes.
		WriteTimeout: 5 * time.Minute,
	}

	for _, w := range a.workers {
		go w.Start(rootCtx)
	}

	stop := d.stopCh
	if stop == nil {
		stop = make(chan os.Signal, 1)
	}
	if d.notify != nil {
		d.notify(stop, os.Interrupt, syscall.SIGTERM)
	}

	go func() {
		select {
		case <-stop:
		case <-rootCtx.Done():
			return
		}
		logger.Info("Shutting down server...")
		cancel()
		ctx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("Server shutdown error")
		}
	}()

	logger.WithField("port", srv.Addr).Info("Server starting")
	if err := d.listenAndServe(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("Server stopped")
	return nil
}

func buildApp(ctx context.Context, cfg config.Config, db *sql.DB, getenv func(string) string, logger *logrus.Logger) (*app, error) {
	a := &app{}
	st := store.New(db, logger)
	ledger := credits.NewLedger(db, logger)
	collector := metrics.New(serviceName)
	sessions := auth.NewSessions(cfg.JWTSecret, cfg.SessionTTL)

	hub := realtime.NewHub(logger)
	hub.OnCount(collector.SetRealtimeClients)
	hub.AllowOrigins(cfg.CORSOrigins)

	textProviders, closers := buildTextProviders(ctx, cfg, logger)
	a.closers = append(a.closers, closers...)
	router := generation.NewRouter(generation.RouterOptions{
		MaxAttempts:    cfg.GenerationMaxAttempts,
		AttemptTimeout: cfg.GenerationAttemptTimeout,
		OnAttempt: func(provider string, attempt int, elapsed time.Duration, err error) {
			collector.ObserveAttempt(provider, elapsed, err)
			if err != nil {
				logger.WithError(err).WithFields(logrus.Fields{"provider": provider, "attempt": attempt}).Warn("generation attempt failed")
			}
		},
	}, textProviders...)

	pipeOpts := pipeline.Options{
		Store:    st,
		Text:     router,
		Notifier: hub,
		Recorder: collector,
		Logger:   logger,
	}
	var replicate *generation.ReplicateClient
	if cfg.ReplicateToken != "" {
		replicate = generation.NewReplicateClient(cfg.ReplicateToken, cfg.ReplicateURL)
		pipeOpts.Images = replicate
		pipeOpts.Videos = replicate
	} else {
		logger.Warn("REPLICATE_API_TOKEN not set; image and video generation disabled")
	}
	pipe := pipeline.New(pipeOpts)

	wp := wordpress.NewClient(30 * time.Second)
	pubOpts := publishing.Options{
		Artifacts:    st,
		Sites:        st,
		WordPress:    wp,
		Notifier:     hub,
		PublicOrigin: cfg.PublicOrigin,
		Logger:       logger,
	}
	if cfg.LateAPIKey != "" {
		late := distribution.NewLateClient(cfg.LateAPIKey, cfg.LateURL)
		pubOpts.Distributor = distribution.NewDistributor(late, distribution.SQLQuota{DB: db}, getenv, logger)
	} else {
		logger.Warn("LATE_API_KEY not set; social publishing disabled")
	}
	publisher := publishing.New(pubOpts)

	opts := handlers.Options{
		Accounts:  st,
		Artifacts: st,
		Ledger:    ledger,
		Plans:     st,
		Sites:     st,
		Pipeline:  pipe,
		Sessions:  sessions,
		Publisher: publisher,
		Checker:   wp,
		DB:        st,
		Config:    cfg,
		Logger:    logger,
	}
	if cards, err := imagecard.NewRenderer(cfg.MediaDir, cfg.JWTSecret); err != nil {
		logger.WithError(err).Warn("title cards disabled")
	} else {
		opts.Cards = cards
	}
	if cfg.StripeSecretKey != "" {
		sc := &client.API{}
		sc.Init(cfg.StripeSecretKey, nil)
		opts.Checkout = sc.CheckoutSessions
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set; checkout disabled")
	}
	h := handlers.New(opts)

	r := buildRouter(h, collector, hub, sessions, cfg.MediaDir)
	public := append([]string{"/api/events/ws"}, handlers.PublicPaths...)
	authn := middleware.NewSessionAuth(sessions, public...)
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	a.handler = c.Handler(authn.Middleware(r))

	a.workers = append(a.workers, &workers.StaleReaper{
		Store:    st,
		After:    cfg.StaleGenerationAfter,
		Interval: cfg.StaleReaperInterval,
		Notifier: hub,
		Recorder: collector,
		Logger:   logger,
	})
	if replicate != nil {
		a.workers = append(a.workers, &workers.VideoWorker{
			Store:    st,
			Poller:   replicate,
			Pipeline: pipe,
			Model:    cfg.VideoModel,
			Interval: cfg.VideoPollInterval,
			MaxWait:  cfg.VideoMaxWait,
			Recorder: collector,
			Logger:   logger,
		})
	}
	if cfg.PlannedArticlesEnabled {
		a.workers = append(a.workers, &workers.PlannedArticleWorker{
			Store:     st,
			Accounts:  st,
			Pipeline:  pipe,
			Publisher: publisher,
			Interval:  cfg.PlannedArticlesInterval,
			Recorder:  collector,
			Logger:    logger,
		})
	} else {
		logger.Info("planned article worker disabled via PLANNED_ARTICLES_ENABLED")
	}
	return a, nil
}

// buildTextProviders returns the configured text providers, each wrapped in
// the shared rate limiter. Providers without an API key are left out.
func buildTextProviders(ctx context.Context, cfg config.Config, logger *logrus.Logger) ([]generation.TextProvider, []func() error) {
	var (
		providers []generation.TextProvider
		closers   []func() error
	)
	add := func(p generation.TextProvider) {
		providers = append(providers, generation.WithRateLimit(p, cfg.ProviderRPS, cfg.ProviderBurst))
	}
	if cfg.OpenAIKey != "" {
		add(generation.NewOpenAIProvider(cfg.OpenAIKey, cfg.OpenAIURL, cfg.OpenAIModel))
	}
	if cfg.AnthropicKey != "" {
		add(generation.NewAnthropicProvider(cfg.AnthropicKey, cfg.AnthropicURL, cfg.AnthropicModel))
	}
	if cfg.GeminiKey != "" {
		g, err := generation.NewGeminiProvider(ctx, cfg.GeminiKey, cfg.GeminiModel)
		if err != nil {
			logger.WithError(err).Warn("gemini provider disabled")
		} else {
			add(g)
			closers = append(closers, g.Close)
		}
	}
	if len(providers) == 0 {
		logger.Warn("no text provider configured; text generation will fail")
	}
	return providers, closers
}

func buildRouter(h *handlers.Handler, collector *metrics.Collector, hub *realtime.Hub, sessions *auth.Sessions, mediaDir string) *mux.Router {
	r := mux.NewRouter()
	r.Use(collector.Middleware)

	handlers.Register(r, h)
	r.Handle("/metrics", collector.Handler()).Methods("GET")
	r.Handle("/api/events/ws", hub.Handler(sessions)).Methods("GET")
	if mediaDir != "" {
		r.PathPrefix("/media/").Handler(http.StripPrefix("/media/", http.FileServer(http.Dir(mediaDir)))).Methods("GET")
	}
	return r
}
