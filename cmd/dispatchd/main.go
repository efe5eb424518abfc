package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/orrn/dispatch/internal/analyze"
	"github.com/orrn/dispatch/internal/api/handlers"
	"github.com/orrn/dispatch/internal/api/middleware"
	"github.com/orrn/dispatch/internal/config"
	"github.com/orrn/dispatch/internal/db"
	"github.com/orrn/dispatch/internal/dispatch"
	"github.com/orrn/dispatch/internal/identity"
	"github.com/orrn/dispatch/internal/printer"
	"github.com/orrn/dispatch/internal/quota"
	"github.com/orrn/dispatch/internal/webhook"
)

func main() {
	configPath := flag.String("config", "dispatch.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("could not load config")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	setupLogging(cfg.Logging)

	if err := os.MkdirAll(cfg.Spool.Dir, 0o755); err != nil {
		log.WithError(err).Fatal("could not create spool dir")
	}

	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.WithError(err).Fatal("could not open database")
	}
	defer store.Close()

	analyzer := analyze.NewAnalyzer(&analyze.GhostscriptRunner{
		Path:    cfg.Analyzer.GhostscriptPath,
		Timeout: cfg.Analyzer.Timeout,
	})
	resolver := identity.NewDBResolver(store)
	counter := quota.NewCounter(store, cfg.Quota)
	queues := dispatch.NewQueueManager(store, dispatch.DefaultStrategies())
	transfer := printer.NewSmbTransfer(cfg.Transfer)
	p := printer.New(store, analyzer, resolver, counter, queues, transfer, cfg.Spool)
	defer p.Stop()

	events := webhook.NewSender(cfg.Webhooks)
	defer events.Stop()
	p.SetNotifier(events)

	router := buildRouter(cfg, store, p, queues, resolver, counter, events)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithField("port", cfg.Server.Port).Info("dispatch service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return runSweeper(ctx, p, cfg.Spool.SweepInterval)
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("service exited")
	}
	log.Info("dispatch service stopped")
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func buildRouter(cfg *config.Config, store *db.Store, p *printer.Printer,
	queues *dispatch.QueueManager, resolver identity.Resolver, counter *quota.Counter,
	events *webhook.Sender) *gin.Engine {

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	auth := middleware.NewAuthMiddleware(cfg.Auth)

	jobHandler := handlers.NewJobHandler(store, p)
	queueHandler := handlers.NewQueueHandler(store)
	destHandler := handlers.NewDestinationHandler(store, queues, events)
	quotaHandler := handlers.NewQuotaHandler(resolver, counter)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	api.POST("/auth/login", auth.LoginHandler)
	jobHandler.RegisterRoutes(api)
	queueHandler.RegisterRoutes(api)
	destHandler.RegisterRoutes(api)
	quotaHandler.RegisterRoutes(api)

	admin := api.Group("")
	admin.Use(auth.RequireAuth())
	jobHandler.RegisterAdminRoutes(admin)
	destHandler.RegisterAdminRoutes(admin)

	return router
}

// runSweeper periodically fails jobs stuck past the job timeout and purges
// spool files whose retention window expired.
func runSweeper(ctx context.Context, p *printer.Printer, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.ClearOldJobs(ctx)
			p.PurgeExpiredData(ctx)
		}
	}
}
