// Package main 是应用程序的入口点。
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"mydouble-go/internal/cache"
	"mydouble-go/internal/config"
	"mydouble-go/internal/handler"
	"mydouble-go/internal/hub"
	"mydouble-go/internal/repository"
	"mydouble-go/internal/service"
	"mydouble-go/pkg/database"
	"mydouble-go/pkg/kafka"
	"mydouble-go/pkg/keylock"
	"mydouble-go/pkg/log"
	"mydouble-go/pkg/storage"
	"mydouble-go/pkg/synthesis"
	"mydouble-go/pkg/token"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// 3. 初始化数据库和 Redis，driver 为 memory 时全部使用进程内实现
	var (
		repos     *repository.Repositories
		store     cache.Store
		blacklist token.Blacklist
		locker    keylock.Locker = keylock.NewLocal()
	)
	if cfg.Database.Driver == "memory" {
		log.Info("使用进程内存储，数据不会持久化")
		repos = repository.NewMemoryRepositories()
		store = cache.NewMemoryStore()
		blacklist = token.NewMemoryBlacklist()
	} else {
		if err := database.InitMySQL(cfg.Database.MySQL.DSN, repository.Models()...); err != nil {
			log.Fatal("MySQL 初始化失败", err)
		}
		if err := database.InitRedis(rootCtx, cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB); err != nil {
			log.Fatal("Redis 初始化失败", err)
		}
		repos = repository.NewGormRepositories(database.DB)
		store = cache.NewRedisStore(database.RDB, cfg.Cache.TTL)
		blacklist = token.NewRedisBlacklist(database.RDB)
		if cfg.Credits.Lock == "redis" {
			locker = keylock.NewRedis(database.RDB, "mydouble:lock:", cfg.Credits.LockExpiry)
		}
	}

	// 4. 资源内容地址
	var signer storage.ContentSigner = storage.PassthroughSigner{}
	if cfg.MinIO.Enabled {
		minioStore, err := storage.NewMinIO(rootCtx, cfg.MinIO)
		if err != nil {
			log.Fatal("MinIO 初始化失败", err)
		}
		signer = minioStore
	}

	// 5. 本地会话缓存
	conversations, err := cache.NewConversationCache(store, cfg.Cache.MaxConversations)
	if err != nil {
		log.Fatal("会话缓存初始化失败", err)
	}
	if err := conversations.Open(rootCtx); err != nil {
		log.Fatal("会话缓存打开失败", err)
	}

	// 6. 初始化 Service (依赖注入)
	invariants := service.Invariants{Strict: cfg.Invariants.Strict}
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	ledger := service.NewCreditLedger(repos.Credits, locker, cfg.Credits, invariants)
	gate := service.NewUnlockGate(repos.Assets, ledger, locker, signer)
	syncer := service.NewSyncReconciler(conversations, repos.Messages, repos.Jobs, repos.Assets, cfg.Sync)
	jobHub := hub.New()
	events := hub.Fanout{syncer, jobHub}

	// 7. 任务事件总线：启用 Kafka 时由消费者处理，否则在进程内分发
	var publisher kafka.Publisher
	if cfg.Kafka.Enabled {
		publisher = kafka.NewProducer(cfg.Kafka)
		consumer := kafka.NewConsumer(cfg.Kafka, events, database.RDB)
		go consumer.Run(rootCtx)
	} else {
		publisher = kafka.NewLocalBus(events, 256)
	}

	generation := service.NewGenerationService(service.GenerationDeps{
		Config:     &cfg,
		Ledger:     ledger,
		Gate:       gate,
		Sync:       syncer,
		Cache:      conversations,
		Jobs:       repos.Jobs,
		Assets:     repos.Assets,
		Client:     synthesis.NewClient(cfg.Synthesis),
		Publisher:  publisher,
		Invariants: invariants,
	})
	go generation.RunRefundSweeper(rootCtx, cfg.Poller.RefundSweepInterval)
	userService := service.NewUserService(repos.Users, ledger, syncer, jwtManager, blacklist)
	adminService := service.NewAdminService(repos.Users, ledger)

	// 8. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(handler.RouterDeps{
		Config:     &cfg,
		JWT:        jwtManager,
		Users:      userService,
		Admin:      adminService,
		Ledger:     ledger,
		Generation: generation,
		Hub:        jobHub,
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	// 先停轮询，再关事件总线，最后把缓存中未同步的会话写回远端
	if err := generation.Shutdown(ctx); err != nil {
		log.Errorf("停止轮询失败: %v", err)
	}
	if err := publisher.Close(); err != nil {
		log.Errorf("关闭事件总线失败: %v", err)
	}
	cancelRoot()
	if err := conversations.Close(ctx); err != nil {
		log.Errorf("关闭会话缓存失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
