package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/traffic-boost/traffic-boost-go/internal/api"
	"github.com/traffic-boost/traffic-boost-go/internal/api/handlers"
	"github.com/traffic-boost/traffic-boost-go/internal/config"
	"github.com/traffic-boost/traffic-boost-go/internal/executor"
	"github.com/traffic-boost/traffic-boost-go/internal/middleware"
	"github.com/traffic-boost/traffic-boost-go/internal/proxy"
	"github.com/traffic-boost/traffic-boost-go/internal/queue"
	"github.com/traffic-boost/traffic-boost-go/internal/ratelimit"
	"github.com/traffic-boost/traffic-boost-go/internal/repository"
	"github.com/traffic-boost/traffic-boost-go/internal/risk"
	"github.com/traffic-boost/traffic-boost-go/internal/service"
	"github.com/traffic-boost/traffic-boost-go/internal/storage"
	"github.com/traffic-boost/traffic-boost-go/internal/utils"
	"github.com/traffic-boost/traffic-boost-go/internal/visitor"
	"github.com/traffic-boost/traffic-boost-go/internal/watcher"
	"github.com/traffic-boost/traffic-boost-go/internal/worker"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	fmt.Printf("Traffic Boost Platform - Go Version\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 1. 加载配置
	configPath := "./configs/config.yaml"
	if len(os.Args) > 1 && os.Args[1] == "--config" && len(os.Args) > 2 {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting Traffic Boost Platform %s", Version)
	logger.Infof("Config loaded from: %s", configPath)

	// 3. 初始化数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.Info("Database connected successfully")

	taskRepo := repository.NewTaskRepository(db, logger)
	riskRepo := repository.NewRiskRepository(db, logger)

	// 清理因服务重启而中断的任务（queued 任务稍后重新投递，不在此处理）
	if count, err := taskRepo.FailStuckRunningTasks(context.Background(), "服务重启，任务中断"); err != nil {
		logger.WithError(err).Warn("Failed to cleanup stuck tasks")
	} else if count > 0 {
		logger.WithField("count", count).Warn("Marked stuck running tasks as failed due to service restart")
	}

	// 4. 初始化 KV 存储（限流窗口、封禁、进度快照）
	var kv storage.KVStore
	if cfg.Redis.Enabled {
		redisStore, err := storage.NewRedisStore(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatalf("Failed to connect Redis: %v", err)
		}
		kv = redisStore
		logger.Info("Redis connected successfully")
	} else {
		kv = storage.NewMemoryStore()
		logger.Warn("Redis disabled, using in-memory KV store (single instance only)")
	}

	// 5. 初始化 RabbitMQ（prefetch = worker 并发数，支持并行消费）
	mq, err := queue.NewClient(&cfg.RabbitMQ, cfg.Worker.Concurrency, logger)
	if err != nil {
		logger.Fatalf("Failed to init RabbitMQ: %v", err)
	}
	defer mq.Close()
	mq.StartConnectionWatcher()
	logger.WithField("prefetch_count", cfg.Worker.Concurrency).Info("RabbitMQ connected successfully")

	producer := queue.NewProducer(mq, &cfg.RabbitMQ, logger)

	// 6. 执行链路: 代理池 → 访问器 → 进度 → 执行引擎
	proxyMgr := proxy.NewManager(
		cfg.Proxy.Provider,
		time.Duration(cfg.Proxy.CacheTTL)*time.Second,
		time.Duration(cfg.Proxy.FetchTimeout)*time.Second,
		cfg.Proxy.EchoURL,
		logger,
	)
	pageVisitor := visitor.NewHTTPVisitor(cfg.Visitor.MaxBodyBytes, logger)
	tracker := executor.NewTracker(kv, taskRepo, logger)
	execEngine := executor.NewEngine(&cfg.Executor, taskRepo, proxyMgr, pageVisitor, tracker, logger)

	// 7. 防护链路: 封禁 → 限流 → 风险评分
	banList := ratelimit.NewBanList(kv, cfg.RateLimit.AutoBanThreshold, logger)
	limiter := ratelimit.NewStore(&cfg.RateLimit, kv, banList, logger)
	riskEngine := risk.NewEngine(&cfg.Risk, riskRepo, logger)
	riskEngine.StartRetentionSweep(context.Background())
	logger.Info("Risk engine started with retention sweep")

	// 8. 指标与内存监控
	promMetrics := middleware.NewPrometheusMetrics(logger, "traffic_boost")
	memMonitor := middleware.NewMemoryMonitor(logger, promMetrics, 30*time.Second)
	memMonitor.Start()
	defer memMonitor.Stop()
	logger.Info("Memory monitor started")

	// 9. 任务服务与队列消费者
	taskService := service.NewTaskService(taskRepo, producer, tracker, logger)

	taskConsumer := queue.NewConsumer(mq, cfg.RabbitMQ.TaskQueue,
		worker.NewTaskHandler(taskRepo, execEngine, riskEngine, producer, logger),
		cfg.Worker.Concurrency, logger)
	if err := taskConsumer.Start(context.Background()); err != nil {
		logger.Fatalf("Failed to start task consumer: %v", err)
	}
	defer taskConsumer.Stop()
	logger.Infof("Task consumer started with %d workers", cfg.Worker.Concurrency)

	// 风险检测消费者单独一个 worker 就够了，检测是幂等的轻量操作
	detectionConsumer := queue.NewConsumer(mq, cfg.RabbitMQ.DetectionQueue,
		worker.NewDetectionHandler(riskEngine, logger), 1, logger)
	if err := detectionConsumer.Start(context.Background()); err != nil {
		logger.Fatalf("Failed to start detection consumer: %v", err)
	}
	defer detectionConsumer.Stop()
	logger.Info("Risk detection consumer started")

	// 9.1 服务重启后以数据库为准重建任务队列
	if purged, err := mq.PurgeQueue(cfg.RabbitMQ.TaskQueue); err != nil {
		logger.WithError(err).Warn("Failed to purge task queue, continuing with republish...")
	} else if purged > 0 {
		logger.WithField("purged_count", purged).Info("Cleared stale messages from task queue")
	}
	if count, err := taskService.RepublishQueuedTasks(context.Background()); err != nil {
		logger.WithError(err).Warn("Failed to republish queued tasks")
	} else {
		logger.WithField("count", count).Info("Queued tasks republished from database")
	}

	// 10. URL 清单文件监控（可选）
	if cfg.Watcher.Enabled {
		fileWatcher, err := watcher.NewFileWatcher(cfg.Watcher.Dir, cfg.Watcher.Pattern,
			watcher.NewURLListHandler(taskService, logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		defer fileWatcher.Stop()

		if err := fileWatcher.Start(context.Background()); err != nil {
			logger.Fatalf("Failed to start file watcher: %v", err)
		}
		logger.Infof("File watcher started for directory: %s", cfg.Watcher.Dir)
	}

	// 11. 指标更新协程
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for range ticker.C {
			promMetrics.UpdateMemoryStats(memMonitor.GetStats())

			open, idle, inUse := utils.PoolStats(db)
			promMetrics.UpdateDBStats(open, idle, inUse)

			if messages, _, err := mq.QueueStats(cfg.RabbitMQ.TaskQueue); err == nil {
				promMetrics.UpdateQueueStats(messages, taskConsumer.GetActiveWorkers())
			}
		}
	}()

	// 12. WebSocket 进度推送
	progressHandler := handlers.NewProgressHandler(tracker, logger)
	progressHandler.Start()
	logger.Info("Progress WebSocket broadcaster started")

	// 13. HTTP Server
	accessGuard := middleware.NewAccessGuard(limiter, banList, riskEngine, riskRepo, promMetrics, cfg.Risk.DenyScore, logger)

	router := api.SetupRouter(cfg, logger, &api.Deps{
		TaskHandler:     handlers.NewTaskHandler(taskService, promMetrics, logger),
		RiskHandler:     handlers.NewRiskHandler(riskEngine, riskRepo, logger),
		AdminHandler:    handlers.NewAdminHandler(banList, limiter, riskRepo, proxyMgr, promMetrics, logger),
		ProgressHandler: progressHandler,
		Guard:           accessGuard,
		MemMonitor:      memMonitor,
		PromMetrics:     promMetrics,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 14. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	sqlDB, _ := db.DB()
	sqlDB.Close()

	logger.Info("Server stopped")
}
