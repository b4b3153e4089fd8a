package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/genassista/edu-pipeline/internal/alert"
	"github.com/genassista/edu-pipeline/internal/analysis"
	"github.com/genassista/edu-pipeline/internal/approval"
	"github.com/genassista/edu-pipeline/internal/audit"
	"github.com/genassista/edu-pipeline/internal/config"
	"github.com/genassista/edu-pipeline/internal/httpserver"
	"github.com/genassista/edu-pipeline/internal/orchestrator"
	"github.com/genassista/edu-pipeline/internal/retry"
	"github.com/genassista/edu-pipeline/internal/store"
	"github.com/genassista/edu-pipeline/internal/subscriber"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	var st store.Store
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatalf("db ping: %v", err)
		}
		st = store.NewPGStore(db)
	} else {
		log.Printf("[startup] DATABASE_URL not set, using in-memory store (sandbox)")
		st = store.NewMemoryStore()
	}

	var reporter alert.Reporter = alert.NewLogReporter()
	if cfg.RollbarToken != "" {
		reporter = alert.NewRollbarReporter(alert.RollbarConfig{
			Token:       cfg.RollbarToken,
			Environment: cfg.Env,
			CodeVersion: cfg.Build,
		})
	}
	defer reporter.Close()

	var client analysis.Client = analysis.NewStaticClient("")
	if cfg.AnalysisURL != "" {
		client, err = analysis.NewHTTPClient(analysis.HTTPClientConfig{
			BaseURL: cfg.AnalysisURL,
			Path:    cfg.AnalysisPath,
			Timeout: cfg.AnalysisTimeout,
		})
		if err != nil {
			log.Fatalf("analysis client init: %v", err)
		}
	} else {
		log.Printf("[startup] ANALYSIS_URL not set, using sandbox analysis client")
	}

	orch := orchestrator.New(st, client, reporter, orchestrator.Config{
		MaxAttempts: cfg.MaxAttempts,
		Policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.RetryBase,
			MaxDelay:    cfg.RetryMax,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.SubscriberEnabled {
		sub := subscriber.New(subscriber.Config{
			URL:           cfg.AMQPURL,
			Exchange:      cfg.SubscriberExchange,
			Queue:         cfg.SubscriberQueue,
			RoutingKey:    cfg.SubscriberKey,
			Prefetch:      cfg.SubscriberPrefetch,
			Workers:       cfg.SubscriberWorkers,
			ReconnectBase: cfg.ReconnectBase,
			ReconnectMax:  cfg.ReconnectMax,
			ShutdownGrace: cfg.ShutdownGrace,
		}, st, orch)
		go func() {
			if err := sub.Start(ctx); err != nil && ctx.Err() == nil {
				log.Fatalf("subscriber stopped: %v", err)
			}
		}()
	}

	if len(cfg.KafkaBrokers) > 0 {
		if db == nil {
			log.Fatalf("[startup] transition streaming requires DATABASE_URL")
		}
		producer, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka producer init: %v", err)
		}
		var archiver audit.Archiver
		if cfg.ArchiveBucket != "" {
			archiver, err = audit.NewS3Archiver(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
			if err != nil {
				log.Fatalf("s3 archiver init: %v", err)
			}
		}
		streamer := audit.NewStreamer(audit.NewPGStore(db), producer, archiver, audit.StreamerConfig{})
		go func() {
			_ = streamer.Run(ctx)
		}()
	}

	server := httpserver.New(approval.New(st), st)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}
	go func() {
		log.Printf("pipeline service listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer)
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
