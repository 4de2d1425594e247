// Package main runs the FlowMaestro server: the durable workflow
// engine, the trigger supervisor, the event fan-out, and the HTTP API,
// composed in one process.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	// Node executors self-register at init time.
	_ "github.com/flowmaestro/flowmaestro/internal/node/runtime/nodes"

	"github.com/flowmaestro/flowmaestro/internal/api"
	"github.com/flowmaestro/flowmaestro/internal/credential"
	"github.com/flowmaestro/flowmaestro/internal/engine"
	execmemory "github.com/flowmaestro/flowmaestro/internal/execution/adapters/repository/memory"
	execpostgres "github.com/flowmaestro/flowmaestro/internal/execution/adapters/repository/postgres"
	execservice "github.com/flowmaestro/flowmaestro/internal/execution/app/service"
	execrepo "github.com/flowmaestro/flowmaestro/internal/execution/domain/repository"
	"github.com/flowmaestro/flowmaestro/internal/fanout"
	"github.com/flowmaestro/flowmaestro/internal/journal"
	"github.com/flowmaestro/flowmaestro/internal/node/runtime"
	"github.com/flowmaestro/flowmaestro/internal/platform/config"
	"github.com/flowmaestro/flowmaestro/internal/platform/database"
	"github.com/flowmaestro/flowmaestro/internal/platform/health"
	"github.com/flowmaestro/flowmaestro/internal/platform/logger"
	"github.com/flowmaestro/flowmaestro/internal/platform/messaging/kafka"
	"github.com/flowmaestro/flowmaestro/internal/platform/metrics"
	"github.com/flowmaestro/flowmaestro/internal/platform/telemetry"
	"github.com/flowmaestro/flowmaestro/internal/shared/events"
	"github.com/flowmaestro/flowmaestro/internal/trigger"
	"github.com/flowmaestro/flowmaestro/internal/version"
	wfpostgres "github.com/flowmaestro/flowmaestro/internal/workflow/adapters/repository/postgres"
	wfservice "github.com/flowmaestro/flowmaestro/internal/workflow/app/service"
	"github.com/flowmaestro/flowmaestro/internal/workflow/domain/service/domainservice"
	"github.com/flowmaestro/flowmaestro/internal/workflow/features"
)

func main() {
	cfg, err := config.Load("api")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	appLogger := logger.New(cfg.Logger)
	zapLogger, _ := zap.NewProduction()
	defer zapLogger.Sync()

	if cfg.Telemetry.TracingEnabled {
		tel, err := telemetry.New(telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: cfg.Version,
			JaegerEndpoint: cfg.Telemetry.JaegerEndpoint,
			TracingEnabled: true,
		})
		if err != nil {
			appLogger.Warn("Telemetry disabled", "error", err)
		} else {
			defer tel.Close()
		}
	}

	appMetrics := metrics.NewMetrics("flowmaestro")
	appMetrics.Register()

	healthHandler := health.NewHandler("api", cfg.Version)
	healthHandler.AddNonCriticalCheck("system", health.SystemChecker(95, 98))

	// Storage. The server prefers Postgres; when no database is
	// reachable it degrades to the in-memory stores so a local build
	// still runs end to end.
	var (
		db            *database.DB
		executionRepo execrepo.ExecutionRepository
		versionStore  version.Store
		journalStore  journal.Journal
		triggerRepo   trigger.Repository
		webhookLogs   trigger.WebhookLogRepository
		fireRepo      trigger.FireRepository
	)
	db, err = database.New(cfg.Database)
	if err != nil {
		appLogger.Warn("Database unavailable, using in-memory stores", "error", err)
		executionRepo = execmemory.NewExecutionRepository()
		versionStore = version.NewInMemoryStore()
		journalStore = journal.NewInMemoryJournal()
		triggerRepo = trigger.NewInMemoryRepository()
		webhookLogs = trigger.NewInMemoryWebhookLogRepository()
		fireRepo = trigger.NewInMemoryFireRepository()
	} else {
		defer db.Close()
		healthHandler.AddCheck("database", health.DatabaseChecker(db.PingContext))
		executionRepo = execpostgres.NewExecutionRepository(db)
		versionStore = version.NewPostgresStore(db.DB)
		journalStore = journal.NewPostgresJournal(db.DB)
		triggerRepo = trigger.NewPostgresRepository(db.DB)
		webhookLogs = trigger.NewPostgresWebhookLogRepository(db.DB)
		fireRepo = trigger.NewPostgresFireRepository(db.DB)
	}

	hub := fanout.NewHub(zapLogger)

	// The supervisor's admission accounting observes engine events, but
	// the engine needs its publisher at construction; the indirection
	// below closes over the supervisor variable assigned later.
	var supervisor *trigger.Supervisor
	publisher := fanout.Multiplexer{
		hub,
		fanout.ObserverFunc(func(ev engine.Event) {
			if supervisor != nil {
				supervisor.ObserveEvent(ev)
			}
		}),
		fanout.ObserverFunc(func(ev engine.Event) {
			switch ev.Kind {
			case engine.EventExecutionStarted:
				triggerType, _ := ev.Data["trigger"].(string)
				appMetrics.RecordExecutionStarted(triggerType)
			case engine.EventExecutionCompleted:
				appMetrics.RecordExecutionFinished("completed")
			case engine.EventExecutionFailed:
				appMetrics.RecordExecutionFinished("failed")
			case engine.EventExecutionCancelled:
				appMetrics.RecordExecutionFinished("cancelled")
			case engine.EventNodeStarted:
				appMetrics.RecordNodeTransition("started")
			case engine.EventNodeCompleted:
				appMetrics.RecordNodeTransition("completed")
			case engine.EventNodeFailed:
				appMetrics.RecordNodeTransition("failed")
			}
		}),
	}

	// Mirror engine lifecycle events onto the broker for out-of-process
	// consumers (including event-kind triggers on other instances).
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher, err := kafka.NewEventPublisher(&kafka.Config{Brokers: cfg.Kafka.Brokers})
		if err != nil {
			appLogger.Warn("Kafka publisher unavailable, engine events stay in-process", "error", err)
		} else {
			defer kafkaPublisher.Close()
			publisher = append(publisher, fanout.ObserverFunc(func(ev engine.Event) {
				domainEvent, err := events.NewEvent(events.EventType(ev.Kind), ev.ExecutionID, "Execution", ev.Data)
				if err != nil {
					return
				}
				domainEvent.WithUser(ev.UserID).WithSource("engine")
				if err := kafkaPublisher.Publish(context.Background(), domainEvent); err != nil {
					appLogger.Warn("Failed to mirror engine event to Kafka", "error", err)
				}
			}))
		}
	}

	engineOpts := []engine.Option{
		engine.WithExecutionRepository(executionRepo),
		engine.WithVersionStore(versionStore),
		engine.WithJournal(journalStore),
		engine.WithEventPublisher(publisher),
		engine.WithLogger(zapLogger),
		engine.WithCancelGraceWindow(time.Duration(cfg.Engine.CancelGraceSeconds) * time.Second),
	}
	if cfg.Security.EncryptionKey != "" {
		var blobs credential.BlobStore
		if db != nil {
			blobs = credential.NewPostgresBlobStore(db.DB)
		} else {
			blobs = credential.NewInMemoryBlobStore()
		}
		credProvider, err := credential.NewProvider(blobs, cfg.Security.EncryptionKey)
		if err != nil {
			appLogger.Warn("Credential provider disabled", "error", err)
		} else {
			engineOpts = append(engineOpts, engine.WithCredentialProvider(credProvider))
		}
	}
	eng := engine.NewEngine(runtime.Default(), engineOpts...)

	var eventSource trigger.EventSource
	if len(cfg.Kafka.Brokers) > 0 {
		eventSource = trigger.NewKafkaEventSource(trigger.KafkaEventSourceConfig{
			Brokers:       cfg.Kafka.Brokers,
			ConsumerGroup: cfg.Kafka.ConsumerGroup,
		}, zapLogger)
	} else {
		eventSource = trigger.NewInMemoryEventSource()
	}

	var startQueue trigger.StartQueue
	if cfg.Redis.URL != "" || cfg.Redis.Host != "" {
		rq, err := trigger.NewRedisStartQueue(&trigger.RedisStartQueueConfig{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			appLogger.Warn("Redis unavailable, using in-memory start queue", "error", err)
		} else {
			startQueue = rq
		}
	}

	supervisor = trigger.NewSupervisor(eng, triggerRepo, webhookLogs, fireRepo, startQueue, eventSource, zapLogger, trigger.Config{
		MaxRunningPerUser: cfg.Engine.MaxRunningPerUser,
		QueueWorkers:      cfg.Engine.QueueWorkers,
	})
	supervisor.SetRecorder(appMetrics)
	healthHandler.AddNonCriticalCheck("admission_queue", health.QueueDepthChecker(supervisor.QueueDepth, 1000))
	healthHandler.AddCheck("journal", health.JournalChecker(func(ctx context.Context, executionID string) error {
		_, err := journalStore.List(ctx, executionID, 0, "", "", 1)
		return err
	}))

	ctx := context.Background()
	if err := eng.Recover(ctx); err != nil {
		appLogger.Error("Execution recovery failed", "error", err)
	}
	if err := supervisor.Start(ctx); err != nil {
		log.Fatalf("failed to start trigger supervisor: %v", err)
	}

	executionService := execservice.NewExecutionService(executionRepo, supervisor, eng, journalStore, appLogger)

	var workflowService *wfservice.WorkflowService
	if db != nil {
		workflowRepo := wfpostgres.NewWorkflowRepository(db)
		domainService := domainservice.NewWorkflowDomainService(workflowRepo)
		workflowService = wfservice.NewWorkflowService(domainService, workflowRepo, versionStore, appLogger)
	} else {
		appLogger.Warn("Workflow CRUD requires a database; /api/workflows is disabled")
	}

	folderService := features.NewFolderService(features.NewInMemoryFolderRepository())

	server := api.NewServer(cfg, appLogger, api.Deps{
		WorkflowService:  workflowService,
		ExecutionService: executionService,
		Supervisor:       supervisor,
		Hub:              hub,
		Folders:          folderService,
		Metrics:          appMetrics,
		Health:           healthHandler,
	})

	go func() {
		if err := server.Start(); err != nil {
			appLogger.Info("HTTP server stopped", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	supervisor.Stop()
	_ = eventSource.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("HTTP shutdown error", "error", err)
	}
}
