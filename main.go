// CiviQ is a civic-complaint triage service: citizens submit geotagged
// photo complaints, the pipeline classifies and routes them to the
// responsible municipal department, clusters related reports, and
// escalates patterns that predict infrastructure failure.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"civiq/internal/analytics"
	"civiq/internal/config"
	"civiq/internal/directory"
	"civiq/internal/events"
	"civiq/internal/geocluster"
	"civiq/internal/geocode"
	"civiq/internal/inference"
	"civiq/internal/kv"
	"civiq/internal/mail"
	"civiq/internal/pipeline"
	"civiq/internal/predict"
	"civiq/internal/server"
	"civiq/internal/store"
	"civiq/internal/tracker"
	"civiq/internal/translate"
)

func main() {
	log.Println("========================================")
	log.Println("  CiviQ / Civic Complaint Platform")
	log.Println("========================================")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("✗ Configuration error: %v", err)
	}

	ctx := context.Background()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("✗ Failed to open database: %v", err)
	}
	defer st.Close()
	log.Printf("✓ Database ready at %s", cfg.DatabasePath)

	kvs := kv.Connect(cfg.RedisAddr)

	resolver := directory.NewResolver(kvs)
	if err := resolver.Seed(ctx); err != nil {
		log.Fatalf("✗ Failed to seed municipal directory: %v", err)
	}

	if cfg.DebugMode {
		log.Println("⚠️  DEBUG_MODE enabled: outbound inference and email are off")
	}
	inf := inference.NewClient(cfg.InferenceKey())

	normalizer, err := translate.NewNormalizer(ctx, cfg.TranslateAPIKey)
	if err != nil {
		log.Fatalf("✗ Failed to configure translation: %v", err)
	}
	if normalizer != nil {
		defer normalizer.Close()
	}

	mailer := mail.NewMailer(cfg.MailCredentials())

	geo := geocode.NewClient(cfg.NominatimURL, cfg.HTTPTimeout)
	broadcaster := events.NewBroadcaster(cfg.EventQueueSize)
	engine := geocluster.NewEngine(st, float64(cfg.ClusterRadiusM), cfg.ClusterWindow, cfg.ClusterThreshold)
	escalator := predict.NewEscalator(st, inf, geo, mailer, resolver, broadcaster,
		cfg.PredictionThreshold, cfg.P1Threshold)

	pipe := pipeline.New(st, kvs, inf, normalizer, geo, resolver, mailer,
		engine, escalator, broadcaster)
	pool := pipeline.NewWorkerPool(pipe, cfg.PipelineWorkers, cfg.HTTPTimeout*4)
	defer pool.Close()

	tr := tracker.New(st, kvs, inf, mailer, broadcaster)
	an := analytics.NewService(st, inf)
	monitor := server.NewMonitor()

	srv := server.New(st, pool, tr, geo, an, broadcaster, monitor, cfg.UploadDir)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Port)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("✗ HTTP server error: %v", err)
	case sig := <-sigCh:
		log.Printf("→ Received %s, shutting down...", sig)
	}
	log.Println("✓ Shutdown complete")
}
