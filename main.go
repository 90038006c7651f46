package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/urfave/negroni"

	"github.com/veridian-health/docpipe/config"
	"github.com/veridian-health/docpipe/db"
	"github.com/veridian-health/docpipe/embedding"
	"github.com/veridian-health/docpipe/logging"
	"github.com/veridian-health/docpipe/notify"
	"github.com/veridian-health/docpipe/orchestrator"
	"github.com/veridian-health/docpipe/parse"
	"github.com/veridian-health/docpipe/registry"
	"github.com/veridian-health/docpipe/server"
	"github.com/veridian-health/docpipe/storage"
)

func main() {
	cfg := config.Load()

	logHandler, err := logging.NewDailyFileHandler(cfg.LogDir, &slog.HandlerOptions{Level: slog.LevelInfo})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logger := slog.New(logHandler)

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DatabaseURL, cfg.EmbeddingDim)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	indexManager := db.NewIndexManager(pool, logger)
	if err := indexManager.ReindexIfNeeded(ctx); err != nil {
		logger.Warn("Vector index maintenance failed", slog.String("error", err.Error()))
	}

	reg := registry.New(pool, logger, registry.DefaultRetryPolicy(cfg.MaxRetries))
	gateway := storage.NewGateway(cfg.StorageURL, cfg.StorageServiceKey, cfg.StorageBucket, logger)
	provider := parse.NewHTTPProvider(cfg.ParseAPIURL, cfg.ParseAPIKey, logger)
	extractor := parse.NewLocalExtractor(logger)
	embedder := embedding.NewAdapter(cfg.EmbeddingAPIURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModel,
		cfg.EmbeddingDim, cfg.EmbeddingRPS, logger)

	var notifier orchestrator.Notifier
	if n := notify.NewSMSNotifier(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, cfg.OperatorPhone, logger); n != nil {
		notifier = n
	}

	orch, err := orchestrator.New(orchestrator.Options{
		PollInterval:   cfg.PollInterval,
		ClaimBatchSize: cfg.ClaimBatchSize,
		LeaseDuration:  cfg.LeaseDuration,
		ParseTimeout:   cfg.ParseTimeout,
		ChunkSize:      cfg.ChunkSize,
		ChunkOverlap:   cfg.ChunkOverlap,
		EmbedBatchSize: cfg.EmbeddingBatch,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxUploadBytes: cfg.MaxUploadBytes,
		WebhookBaseURL: cfg.WebhookBaseURL,
	}, reg, gateway, provider, extractor, embedder, notifier, logger)
	if err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}
	orch.Start(ctx)

	r := server.SetupRoutes(reg, gateway, cfg.MaxUploadBytes, logger)
	n := setupNegroni(r)

	// Drain in-flight jobs on shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Shutting down")
		orch.Stop()
		os.Exit(0)
	}()

	if cfg.Environment == "production" {
		server.ServeProduction(n, cfg.Domains, cfg.CertCacheDir)
	} else {
		srv := &http.Server{
			Addr:         ":" + cfg.HTTPPort,
			Handler:      n,
			IdleTimeout:  time.Minute,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		server.ServeDevelopment(srv)
	}
}

func setupNegroni(r *mux.Router) *negroni.Negroni {
	n := negroni.New()
	n.Use(negroni.NewRecovery())
	n.Use(negroni.NewLogger())
	n.UseHandler(r)
	return n
}
