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

	_ "github.com/lib/pq"

	"github.com/ontopilot/ontopilot/internal/audit"
	"github.com/ontopilot/ontopilot/internal/auth"
	"github.com/ontopilot/ontopilot/internal/config"
	"github.com/ontopilot/ontopilot/internal/deploy"
	"github.com/ontopilot/ontopilot/internal/feedback"
	"github.com/ontopilot/ontopilot/internal/graph"
	"github.com/ontopilot/ontopilot/internal/httpserver"
	"github.com/ontopilot/ontopilot/internal/impact"
	"github.com/ontopilot/ontopilot/internal/notify"
	"github.com/ontopilot/ontopilot/internal/ontology"
	"github.com/ontopilot/ontopilot/internal/pipeline"
	"github.com/ontopilot/ontopilot/internal/replay"
	"github.com/ontopilot/ontopilot/internal/sandbox"
	"github.com/ontopilot/ontopilot/internal/store"
	"github.com/ontopilot/ontopilot/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	var st store.Store
	var sampleSource replay.SampleSource
	var auditStore audit.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
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
		sampleSource = replay.NewPGSampleSource(db)
		auditStore = audit.NewPGStore(db)
	} else {
		log.Printf("[startup] no database configured, using in-memory store")
		st = store.NewMemoryStore()
		sampleSource = &replay.StaticSampleSource{}
		auditStore = audit.NewFileStore(cfg.AuditArchiveDir)
	}

	graphClient, err := graph.NewAdminClient(graph.AdminClientConfig{
		BaseURL: cfg.GraphAdminURL,
		Timeout: 10 * time.Second,
		Retries: 2,
	})
	if err != nil {
		log.Fatalf("graph client init: %v", err)
	}

	var producer *audit.KafkaProducer
	var notifier workflow.Notifier = notify.LogNotifier{}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err = audit.NewKafkaProducer(audit.KafkaProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.AuditTopic,
		})
		if err != nil {
			log.Fatalf("kafka producer init: %v", err)
		}
		defer producer.Close()

		kafkaNotifier, err := notify.NewKafkaNotifier(notify.KafkaNotifierConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.ApprovalTopic,
		})
		if err != nil {
			log.Fatalf("kafka notifier init: %v", err)
		}
		defer kafkaNotifier.Close()
		notifier = kafkaNotifier
	}

	var archiver audit.Archiver
	if cfg.ArchiveBucket != "" {
		archiver, err = audit.NewS3Archiver(context.Background(), cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			log.Fatalf("s3 archiver init: %v", err)
		}
	}
	recorder := audit.NewRecorder(auditStore, producer, archiver)
	defer recorder.Close()

	renderer := ontology.NewRenderer()
	sandboxes := sandbox.NewManager(graphClient, renderer, sandbox.ManagerConfig{
		ProvisionTimeout: cfg.ProvisionTimeout,
		TTL:              cfg.SandboxTTL,
	})
	replayer := replay.NewEngine(graphClient, sampleSource, replay.EngineConfig{
		Workers:   cfg.ReplayWorkers,
		OpTimeout: cfg.ReplayOpTimeout,
	})
	analyzer := impact.NewAnalyzer(impact.DefaultPolicy())
	workflows := workflow.NewEngine(notifier, workflow.EngineConfig{
		ScheduleDelay: cfg.ScheduleDelay,
	})
	deployer := deploy.NewOrchestrator(graphClient, renderer, deploy.Config{
		ProductionAddr:     cfg.ProductionGraph,
		HealthInterval:     cfg.HealthInterval,
		SettleWindow:       cfg.SettleWindow,
		GraceWindow:        cfg.GraceWindow,
		ErrorRateThreshold: cfg.ErrorRateThreshold,
	})
	defer deployer.Close()

	coordinator := pipeline.NewCoordinator(
		st, sandboxes, replayer, analyzer, workflows, deployer, feedback.NewCollector(), recorder,
		pipeline.Config{
			SimulationTimeout: cfg.SimulationTimeout,
			SampleSize:        cfg.SampleSize,
			ReplayWindow:      cfg.ReplayWindow,
			ReplayMaxOps:      cfg.ReplayMaxOps,
		},
	)
	if cfg.OntologyDocument != "" {
		coordinator.TrackDocument(ontology.NewDocumentFile(cfg.OntologyDocument, renderer))
	}

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		Secret:          cfg.JWTSecret,
		AllowDebugToken: cfg.AllowDebugToken,
		DebugToken:      cfg.DebugToken,
	})
	if err != nil {
		log.Fatalf("auth init: %v", err)
	}

	server := httpserver.New(coordinator, st, verifier)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sandboxes.Sweep(ctx)

	go func() {
		log.Printf("ontopilot service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer, sandboxes)
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server, sandboxes *sandbox.Manager) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	sandboxes.Close(ctx)
}
