package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrecall/internal/api"
	"chatrecall/internal/auth"
	"chatrecall/internal/config"
	"chatrecall/internal/ingest"
	"chatrecall/internal/observability"
	"chatrecall/internal/redis"
	"chatrecall/internal/service/ai"
	"chatrecall/internal/service/assistant"
	"chatrecall/internal/storage"
	"chatrecall/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("load .env failed: %v", err)
	}

	cfgPath := os.Getenv("CHATRECALL_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbType := os.Getenv("CHATRECALL_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("accounts database: %s", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	// users, user_tokens, api_keys
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	var rdb *redis.Client
	if redis.Enabled(cfg) {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
	} else {
		log.Printf("redis not configured, running single instance")
	}

	assistantService, err := assistant.NewService(db)
	if err != nil {
		log.Fatalf("init assistant service: %v", err)
	}
	authService := auth.NewService(db, rdb, 24*time.Hour)
	assistantService.StartTokenCleaner(ctx, authService, assistant.DefaultTokenCleanupInterval)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(cfg.BasicConfig.MetricsNamespace, reg)

	stores, err := storage.NewRegistry(cfg, storage.Options{
		OnEvict: func(userID, kind string, n int) {
			metrics.Evicted(kind, n)
		},
	})
	if err != nil {
		log.Fatalf("init user stores: %v", err)
	}
	defer stores.Close()

	manager, err := worker.NewManager(worker.Options{
		Config:  cfg,
		Stores:  stores,
		Metrics: metrics,
		Cache:   rdb,
		Tools:   ai.InitToolsChain(),
		Dispatcher: worker.DispatcherConfig{
			MinWorkers:        cfg.BasicConfig.MinWorkers,
			MaxWorkers:        cfg.BasicConfig.MaxWorkers,
			QueueSize:         cfg.BasicConfig.QueueSize,
			WorkerIdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
		},
	})
	if err != nil {
		log.Fatalf("init worker manager: %v", err)
	}
	defer manager.Close()
	if rdb != nil {
		if err := manager.Listen(ctx); err != nil {
			log.Fatalf("subscribe invalidations: %v", err)
		}
	}
	manager.StartRetentionSweeper(ctx, time.Duration(cfg.BasicConfig.RetentionInterval)*time.Minute)

	extractor, err := ingest.NewExtractor(ctx)
	if err != nil {
		log.Fatalf("init extractor: %v", err)
	}
	if inbox := cfg.Ingest.InboxDir; inbox != "" {
		watcher, err := ingest.NewWatcher(inbox, extractor, manager.Sink(), cfg.Ingest.MaxUploadBytes)
		if err != nil {
			log.Fatalf("init inbox watcher: %v", err)
		}
		if err := watcher.Start(ctx); err != nil {
			log.Fatalf("start inbox watcher: %v", err)
		}
		defer watcher.Close()
		log.Printf("watching inbox %s", inbox)
	}

	handlers := api.NewHandler(api.Deps{
		Config:    cfg,
		Assistant: assistantService,
		Auth:      authService,
		Workers:   manager,
		Extractor: extractor,
		Metrics:   metrics,
	})
	handlers.AddHealthCheck("database", db.PingContext)
	if rdb != nil {
		handlers.AddHealthCheck("redis", rdb.Ping)
	}

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}

	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server stopped: %v", err)
		}
	}()
	log.Printf("listening on %s", addr)

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown failed: %v", err)
	}
}
