package app

import (
	"buylist_backend/internal/config"
	"buylist_backend/internal/controller"
	"buylist_backend/internal/feed"
	"buylist_backend/internal/middleware"
	"buylist_backend/internal/repository"
	"buylist_backend/internal/service"
	"buylist_backend/internal/util"
	"buylist_backend/pkg/configwatcher"
	"buylist_backend/pkg/database"
	"buylist_backend/pkg/logger"
	"buylist_backend/pkg/monitoring"
	"buylist_backend/pkg/security"
	"buylist_backend/pkg/tracing"
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type App struct {
	Router *gin.Engine
	DB     *gorm.DB
	Redis  *redis.Client

	cfgMu           sync.RWMutex
	config          *config.Config
	configCallbacks []func(*config.Config)

	services *services
	tracer   *sdktrace.TracerProvider

	// 后台任务与所有请求（包括长连接推送）共用，关闭时统一取消
	ctx    context.Context
	cancel context.CancelFunc
}

type repositories struct {
	user       *repository.UserRepository
	friendship *repository.FriendshipRepository
	card       *repository.CardRepository
	cardShare  *repository.CardShareRepository
	change     *repository.ChangeRepository
}

type services struct {
	auth       *service.AuthService
	revoker    *service.RedisTokenRevoker
	storage    *service.StorageService
	membership *service.MembershipService
	card       *service.CardService
	notifier   *service.ChangeNotifier
	sessions   *service.SessionManager
	relay      *feed.Relay
}

type controllers struct {
	auth    *controller.AuthController
	friend  *controller.FriendController
	card    *controller.CardController
	updates *controller.UpdatesController
	health  *controller.HealthController
}

// Config 当前生效的配置（可能已被热加载替换）
func (a *App) Config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.config
}

func (a *App) RegisterConfigCallback(callback func(*config.Config)) {
	a.configCallbacks = append(a.configCallbacks, callback)
}

func (a *App) reloadConfig(cfg *config.Config) {
	a.cfgMu.Lock()
	old := a.config
	cfg.ForceMigrate, cfg.MigrateOnly = old.ForceMigrate, old.MigrateOnly
	a.config = cfg
	a.cfgMu.Unlock()

	for _, cb := range a.configCallbacks {
		cb(cfg)
	}
}

func (a *App) initRepositories(db *gorm.DB) *repositories {
	return &repositories{
		user:       repository.NewUserRepository(db),
		friendship: repository.NewFriendshipRepository(db),
		card:       repository.NewCardRepository(db),
		cardShare:  repository.NewCardShareRepository(db),
		change:     repository.NewChangeRepository(db),
	}
}

func (a *App) initServices(repos *repositories, cfg *config.Config, db *gorm.DB, rdb *redis.Client) *services {
	s := &services{}

	s.storage = service.NewStorageService(cfg)
	s.revoker = service.NewRedisTokenRevoker(rdb)
	s.auth = service.NewAuthService(repos.user, cfg, s.revoker, service.NewRedisPasswordResetSender(rdb))
	s.membership = service.NewMembershipService(db, repos.user, repos.friendship, repos.cardShare,
		service.NewRedisInvitationSender(rdb))
	s.card = service.NewCardService(db, repos.card, repos.cardShare, repos.user, s.storage)

	redisFeed := feed.NewRedisFeed(rdb)
	s.relay = feed.NewRelay(repos.change, redisFeed, feed.NewRedisLocker(rdb), feed.RelayConfig{
		BatchSize: cfg.Feed.BatchSize,
		Interval:  cfg.Feed.PollInterval(),
		Retention: time.Duration(cfg.Feed.RetentionHours) * time.Hour,
	})
	s.notifier = service.NewChangeNotifier(redisFeed, cfg.Updates.QueueSize)
	s.sessions = service.NewSessionManager(s.notifier,
		&service.Projections{Cards: s.card, Members: s.membership},
		cfg.Updates.HeartbeatPeriod())

	a.RegisterConfigCallback(func(c *config.Config) {
		s.sessions.SetHeartbeatPeriod(c.Updates.HeartbeatPeriod())
		logger.Log.Info("Heartbeat period updated", zap.Duration("period", s.sessions.HeartbeatPeriod()))
	})

	return s
}

func (a *App) initControllers(s *services, db *gorm.DB, rdb *redis.Client) *controllers {
	return &controllers{
		auth:    controller.NewAuthController(s.auth),
		friend:  controller.NewFriendController(s.membership),
		card:    controller.NewCardController(s.card),
		updates: controller.NewUpdatesController(s.sessions),
		health:  controller.NewHealthController(db, rdb, s.notifier.Subscribers),
	}
}

func (a *App) setupMiddlewares(router *gin.Engine, cfg *config.Config) {
	router.Use(security.CORS(cfg.CORS.AllowedOrigins))
	router.Use(security.Secure())
	router.Use(security.RateLimiter(cfg.RateLimit.MaxRequests, time.Duration(cfg.RateLimit.WindowMinutes)*time.Minute, "/api/updates"))

	// 分布式追踪中间件
	if cfg.Tracing.Enabled {
		router.Use(tracing.GinMiddleware())
	}

	router.Use(monitoring.MetricsMiddleware())
	router.Use(middleware.ConfigMiddleware(a.Config))
}

func (a *App) startBackgroundTasks(s *services) {
	cfg := a.Config()

	go s.notifier.Run(a.ctx)

	go func() {
		if err := s.relay.Run(a.ctx); err != nil && err != context.Canceled {
			logger.Log.Error("Feed relay stopped", zap.Error(err))
		}
	}()

	if cfg.Repair.IntervalMinutes > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(cfg.Repair.IntervalMinutes) * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-a.ctx.Done():
					return
				case <-ticker.C:
					n, err := s.membership.RepairFriendEdges(a.ctx)
					if err != nil {
						logger.Log.Error("friend edge repair error", zap.Error(err))
					} else if n > 0 {
						logger.Log.Warn("Repaired one-sided friend edges", zap.Int("count", n))
					}
				}
			}
		}()
	}

	if cfg.FilePath != "" {
		go func() {
			if err := configwatcher.WatchConfig(a.ctx, cfg.FilePath, a.reloadConfig); err != nil {
				logger.Log.Error("Config watcher stopped", zap.Error(err))
			}
		}()
	}
}

func NewApp(cfg *config.Config) *App {
	logger.InitLogger(cfg)
	defer logger.Log.Sync()

	logger.Log.Info("Logger initialized successfully")

	migrate := cfg.ForceMigrate || cfg.Server.Mode != "release"
	db, err := database.InitDB(&cfg.Database, migrate)
	if err != nil {
		logger.Log.Fatal("Failed to initialize database", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		DB:     db,
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.MigrateOnly {
		return app
	}

	rdb, err := database.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Log.Fatal("Failed to initialize redis", zap.Error(err))
	}
	app.Redis = rdb

	repos := app.initRepositories(db)
	services := app.initServices(repos, cfg, db, rdb)
	app.services = services
	controllers := app.initControllers(services, db, rdb)

	// 监控初始化
	monitoring.Init()

	gin.SetMode(cfg.Server.Mode)
	router := gin.Default()
	app.Router = router

	app.setupMiddlewares(router, cfg)

	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer("buylist-backend", cfg.Tracing.CollectorEndpoint)
		if err != nil {
			logger.Log.Fatal("Failed to initialize tracing", zap.Error(err))
		}
		app.tracer = tp
	}

	app.registerRoutes(router, controllers)

	if cfg.Storage.Type == util.StorageLocal {
		router.Static("/uploads", cfg.Storage.LocalPath)
	}

	app.startBackgroundTasks(services)

	return app
}

func (a *App) Run() {
	cfg := a.Config()
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: a.Router,
		BaseContext: func(net.Listener) context.Context {
			return a.ctx
		},
	}

	// 启动服务器
	go func() {
		log.Printf("Server running on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 等待中断信号优雅地关闭服务器（设置5秒的超时时间）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// 先结束推送会话和后台任务，否则长连接会拖住 Shutdown
	a.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			logger.Log.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}

	log.Println("Server exiting")
}

// Close 释放资源，用于只迁移模式
func (a *App) Close() {
	a.cancel()
	if sqlDB, err := a.DB.DB(); err == nil {
		sqlDB.Close()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
}
