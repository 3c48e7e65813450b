// Benchmark execution worker - consumes experiment.run.requested messages,
// runs agent cases in ephemeral containers, collects OTLP telemetry, scores
// results, and reconciles experiment status.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gin-gonic/gin"

	"github.com/benchrun/worker/pkg/caserunner"
	"github.com/benchrun/worker/pkg/config"
	"github.com/benchrun/worker/pkg/idempotency"
	"github.com/benchrun/worker/pkg/ingest"
	"github.com/benchrun/worker/pkg/mocksidecar"
	"github.com/benchrun/worker/pkg/otlpcollector"
	"github.com/benchrun/worker/pkg/repository"
	"github.com/benchrun/worker/pkg/sandbox"
	"github.com/benchrun/worker/pkg/scheduler"
	"github.com/benchrun/worker/pkg/scorer"
	"github.com/benchrun/worker/pkg/trajectory"
	"github.com/benchrun/worker/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	ginMode := getEnv("GIN_MODE", "release")
	gin.SetMode(ginMode)

	log.Printf("Starting benchmark worker %s", version.Full())
	log.Printf("Config Directory: %s", *configDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}
	stats := cfg.Stats()

	dbConfig, err := config.DatabaseConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}
	store, err := repository.NewStore(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()
	log.Println("✓ Connected to PostgreSQL database")

	// Embedded OTLP collector. A failed bind is soft: the
	// worker continues with DB-only trajectory resolution.
	collector := otlpcollector.New(*cfg.Collector, store)
	collectorUp := collector.Start()
	if !collectorUp {
		log.Println("⚠ OTLP collector port in use, continuing with DB-only trajectory fallback")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = collector.Stop(shutdownCtx)
		}()
	}

	var spanIndex trajectory.SpanIndex
	if collectorUp {
		spanIndex = collector
	}
	resolver := trajectory.New(spanIndex, store)

	sidecars := mocksidecar.NewRegistry(collector, mocksidecar.DefaultPort)

	scorerBackend := scorer.NewHTTPBackend(30*time.Second, 3)
	scorerPool := scorer.New(cfg.Scheduler.ScorerConcurrentCases, cfg.Scheduler.ScorerHardTimeout, scorerBackend)

	runner := caserunner.New(sandbox.New(*cfg.Sandbox), resolver, scorerPool, sidecars, *cfg.Sandbox)
	sched := scheduler.New(store, runner, *cfg.Scheduler)
	gate := idempotency.NewGate(store.IdempotencyMarkers())

	ingestor, err := ingest.New(*cfg.Broker, gate, sched)
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer ingestor.Close()
	log.Printf("✓ Consuming topic %q", cfg.Broker.Topic)

	// Health endpoint summarizing worker dependencies.
	router := gin.New()
	router.GET("/health", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		dbStatus := "up"
		status := http.StatusOK
		if err := store.Ping(reqCtx); err != nil {
			dbStatus = "down"
			status = http.StatusServiceUnavailable
		}

		collectorStatus := "up"
		if !collectorUp {
			collectorStatus = "disabled"
		}

		c.JSON(status, gin.H{
			"status":    map[bool]string{true: "healthy", false: "unhealthy"}[status == http.StatusOK],
			"database":  dbStatus,
			"collector": collectorStatus,
			"broker":    gin.H{"topic": stats.BrokerTopic},
			"configuration": gin.H{
				"concurrent_cases":        stats.ConcurrentCases,
				"scorer_concurrent_cases": stats.ScorerConcurrentCases,
			},
		})
	})
	healthServer := &http.Server{Addr: ":" + httpPort, Handler: router}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Health server stopped: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = healthServer.Shutdown(shutdownCtx)
	}()
	log.Printf("Health check available at: http://localhost:%s/health", httpPort)

	if err := ingestor.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("Ingestor stopped: %v", err)
	}
	log.Println("Benchmark worker shut down")
}
