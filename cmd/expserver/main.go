// Command expserver is the experimentation platform's process entrypoint:
// it loads YAML config, opens the Postgres pool and Redis client, wires
// the core components together, and serves both the admin (health/metrics)
// and public API HTTP servers until signaled to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"gopkg.in/yaml.v2"

	"github.com/exp-platform/core/internal"
	"github.com/exp-platform/core/internal/admin"
	"github.com/exp-platform/core/internal/api"
	"github.com/exp-platform/core/internal/assignment"
	"github.com/exp-platform/core/internal/bulk"
	"github.com/exp-platform/core/internal/bus"
	"github.com/exp-platform/core/internal/config"
	"github.com/exp-platform/core/internal/enrichment"
	"github.com/exp-platform/core/internal/hasher"
	"github.com/exp-platform/core/internal/ingest"
	"github.com/exp-platform/core/internal/lifecycle"
	"github.com/exp-platform/core/internal/log"
	"github.com/exp-platform/core/internal/metricsbp"
	"github.com/exp-platform/core/internal/outbox"
	"github.com/exp-platform/core/internal/partition"
	"github.com/exp-platform/core/internal/prometheusbpint"
	"github.com/exp-platform/core/internal/query"
	"github.com/exp-platform/core/internal/secrets"
	"github.com/exp-platform/core/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the service's YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "expserver: loading config:", err)
		os.Exit(1)
	}

	log.InitFromConfig(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := log.ZapWrapper(cfg.Log.Level)

	var closers internal.BatchCloser
	defer func() {
		if err := closers.Close(); err != nil {
			fmt.Fprintln(os.Stderr, "expserver: shutdown:", err)
		}
	}()
	closers.AddFunc(log.Sync)

	if sentryCloser, err := log.InitSentry(cfg.Sentry); err != nil {
		logger.Log(ctx, "expserver: sentry init failed, reporting disabled: "+err.Error())
	} else {
		closers.Add(sentryCloser)
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		prometheusbpint.RecordModuleVersions(info)
	}

	secretsStore := secrets.NewEnvStore("expserver")

	db, err := store.Open(ctx, "primary", cfg.Postgres, secretsStore, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "expserver: opening database:", err)
		os.Exit(1)
	}
	closers.Add(db)

	redisOptions, err := cfg.Redis.Options()
	if err != nil {
		fmt.Fprintln(os.Stderr, "expserver: parsing redis config:", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOptions)
	closers.Add(redisClient)

	producer, err := bus.NewProducer(cfg.Bus)
	if err != nil {
		logger.Log(ctx, "expserver: bus producer unavailable, falling back to noop: "+err.Error())
		producer = bus.NoopProducer{}
	}
	closers.Add(producer)

	var enrichmentSink enrichment.Sink = enrichment.NoopSink{}
	if cfg.Enrichment.APIKeySecretKey != "" {
		if cred, err := secretsStore.GetCredentialSecret(cfg.Enrichment.APIKeySecretKey); err != nil {
			logger.Log(ctx, "expserver: enrichment key lookup failed, sink disabled: "+err.Error())
		} else {
			enrichmentSink = enrichment.NewOpenAISink(cred.Password, cfg.Enrichment.Model)
		}
	}

	h := hasher.New(cfg.Hash.BucketSize, cfg.Hash.Seed)
	assignmentStore := assignment.NewStore(db)
	assignmentCache := assignment.NewCache(redisClient, assignment.DefaultCacheTTL)
	assignmentService := assignment.NewService(db, assignmentStore, assignmentCache, h)

	lifecycleManager := lifecycle.NewManager(db, assignmentCache)
	ingestService := ingest.NewService(db, redisClient, assignmentService, lifecycleManager)
	bulkWriter := bulk.NewWriter(db)
	queryRouter := query.NewRouter(db, redisClient)

	publisher := outbox.NewPublisher(db, producer, outbox.PublisherConfig{
		AssignmentsTopic: cfg.Bus.AssignmentsTopic,
		EventsTopic:      cfg.Bus.EventsTopic,
	}, logger)
	go publisher.Run(ctx)

	partitionManager := partition.NewManager(db)
	go partitionManager.Run(ctx, 24*time.Hour, logger)

	adminServer := admin.NewServer(&admin.ServerArgs{
		AdminAddr: cfg.Admin.Addr,
		HealthCheckFn: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
		ReadyCheckFn: func(w http.ResponseWriter, r *http.Request) {
			if err := db.PingContext(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			if err := redisClient.Ping(r.Context()).Err(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		},
		Logger: logger,
	})
	adminServer.Serve()

	apiServer := &api.Server{
		Assignments: assignmentService,
		Ingest:      ingestService,
		Bulk:        bulkWriter,
		Lifecycle:   lifecycleManager,
		Query:       queryRouter,
		DB:          db,
		Logger:      logger,
		Enrichment:  enrichmentSink,
	}

	httpServer := &http.Server{
		Addr:    ":8080",
		Handler: apiServer.Routes(),
	}
	go func() {
		logger.Log(ctx, "expserver: serving api on "+httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log(ctx, "expserver: api server exited: "+err.Error())
		}
	}()

	<-ctx.Done()
	metricsbp.M.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
}

func loadConfig(path string) (config.Config, error) {
	var cfg config.Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.FillDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
