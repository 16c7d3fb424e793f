// Package bootstrap assembles the controller: configuration, connections,
// repositories, services, the signaling registry and the HTTP server.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
	httpHandler "github.com/opencloud-community/ot-controller-sub009/internal/handler/http"
	wsHandler "github.com/opencloud-community/ot-controller-sub009/internal/handler/websocket"
	"github.com/opencloud-community/ot-controller-sub009/internal/infra/assets"
	redisexchange "github.com/opencloud-community/ot-controller-sub009/internal/infra/exchange/redis"
	gormpersistence "github.com/opencloud-community/ot-controller-sub009/internal/infra/persistence/gorm"
	"github.com/opencloud-community/ot-controller-sub009/internal/infra/queue"
	"github.com/opencloud-community/ot-controller-sub009/internal/infra/setup"
	redisstate "github.com/opencloud-community/ot-controller-sub009/internal/infra/state/redis"
	"github.com/opencloud-community/ot-controller-sub009/internal/middleware"
	"github.com/opencloud-community/ot-controller-sub009/internal/service"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling/modules/breakout"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling/modules/chat"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling/modules/control"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling/modules/moderation"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling/modules/polls"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling/modules/recording"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling/modules/timer"
	"github.com/opencloud-community/ot-controller-sub009/internal/worker"
)

// App owns the running components so Shutdown can stop them in order.
type App struct {
	Config      *Config
	Log         *logrus.Logger
	DB          *gorm.DB
	RedisClient *redis.Client
	AsynqClient *asynq.Client
	Worker      *worker.WorkerServer
	HTTPServer  *http.Server
}

// NewApp loads the configuration and wires every component together.
func NewApp() (*App, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	log := NewLogger(cfg)
	log.Info("configuration loaded")

	db, err := setup.InitDB(cfg.DSN(), log)
	if err != nil {
		return nil, err
	}
	if err := setup.MigrateDB(db, log); err != nil {
		return nil, err
	}
	redisClient, err := setup.InitRedis(cfg.RedisAddr(), cfg.RedisPassword, log)
	if err != nil {
		return nil, err
	}
	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr(), Password: cfg.RedisPassword}
	asynqClient := asynq.NewClient(redisOpt)

	// Repositories.
	userRepo := gormpersistence.NewGormUserRepository(db)
	roomRepo := gormpersistence.NewGormRoomRepository(db)
	tariffRepo := gormpersistence.NewGormTariffRepository(db)
	inviteRepo := gormpersistence.NewGormInviteRepository(db)
	assetRepo := gormpersistence.NewGormAssetRepository(db)
	if err := seedDefaultTariff(tariffRepo, log); err != nil {
		return nil, err
	}

	// Signaling infrastructure.
	storage := redisstate.NewStore(redisClient)
	exchange := redisexchange.NewExchange(redisClient, log)
	assetStore, err := assets.NewFSStore(cfg.AssetDir, assetRepo, log)
	if err != nil {
		return nil, err
	}
	tickets := signaling.NewTicketStore(storage)
	enqueuer := queue.NewAsynqEnqueuer(asynqClient, log)

	// Services.
	authService := service.NewAuthService(userRepo, cfg.JWTSecret, log)
	roomService := service.NewRoomService(roomRepo, tariffRepo, tickets, storage, cfg.TicketTTL, log)
	inviteService := service.NewInviteService(inviteRepo, roomRepo, log)

	// Module registry; registration order is build order.
	registry := signaling.NewRegistry()
	registry.MustRegister(control.NewFactory())
	registry.MustRegister(moderation.NewFactory())
	registry.MustRegister(chat.NewFactory())
	registry.MustRegister(polls.NewFactory())
	registry.MustRegister(timer.NewFactory())
	registry.MustRegister(breakout.NewFactory())
	registry.MustRegister(recording.NewFactory())

	runnerDeps := signaling.RunnerDeps{
		Registry: registry,
		Storage:  storage,
		Exchange: exchange,
		Authz:    signaling.NewRoleAuthz(),
		Assets:   assetStore,
		Tickets:  tickets,
		Rooms:    roomService,
		Log:      log.WithField("component", "runner"),
		OnRoomDestroyed: func(ctx context.Context, room domain.RoomID) {
			if err := enqueuer.EnqueueRoomTeardown(ctx, room); err != nil {
				log.WithError(err).WithField("room", room).Error("failed to enqueue room teardown")
			}
		},
	}

	// Handlers.
	authHandler := httpHandler.NewAuthHandler(cfg.OIDCIssuer, cfg.OIDCClientID)
	roomHandler := httpHandler.NewRoomHandler(roomService, inviteService, log)
	websocketHandler := wsHandler.NewHandler(runnerDeps, signaling.RunnerConfig{}, log)

	workerServer := worker.NewWorkerServer(worker.WorkerConfig{
		RedisOpt:      redisOpt,
		Rooms:         roomRepo,
		Storage:       storage,
		SweepInterval: cfg.SweepInterval,
		SweepCutoff:   cfg.SweepCutoff,
	}, log)

	router := newRouter(cfg, log, redisClient, authService, authHandler, roomHandler, websocketHandler)

	return &App{
		Config:      cfg,
		Log:         log,
		DB:          db,
		RedisClient: redisClient,
		AsynqClient: asynqClient,
		Worker:      workerServer,
		HTTPServer: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0, // long-lived websockets
			IdleTimeout:  120 * time.Second,
		},
	}, nil
}

func newRouter(
	cfg *Config,
	log *logrus.Logger,
	redisClient *redis.Client,
	authService *service.AuthService,
	authHandler *httpHandler.AuthHandler,
	roomHandler *httpHandler.RoomHandler,
	websocketHandler *wsHandler.Handler,
) *gin.Engine {
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))
	router.Use(corsMiddleware())
	router.Use(middleware.RateLimit(redisClient, 100, time.Second))

	v1 := router.Group("/v1")
	{
		v1.GET("/auth/login", authHandler.Login)
		v1.POST("/invite/verify", roomHandler.VerifyInvite)

		rooms := v1.Group("/rooms")
		rooms.POST("/:room_id/start_invited", roomHandler.StartInvited)
		authed := rooms.Use(middleware.Auth(authService))
		{
			authed.POST("", roomHandler.Create)
			authed.GET("/:room_id", roomHandler.Get)
			authed.DELETE("/:room_id", roomHandler.Close)
			authed.POST("/:room_id/start", roomHandler.Start)
			authed.POST("/:room_id/invites", roomHandler.CreateInvite)
		}
	}
	// Ticketless at the HTTP layer: the ticket travels in the first
	// signaling frame.
	router.GET("/ws", websocketHandler.HandleConnection)
	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	return router
}

func requestLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error("request")
		} else {
			entry.Info("request")
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowedOrigin := os.Getenv("OPENTALK_CTRL_CORS_ORIGIN")
		if allowedOrigin == "" {
			allowedOrigin = "http://localhost:3000"
		}
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// seedDefaultTariff makes sure a fresh database has the tariff new rooms
// fall back to.
func seedDefaultTariff(tariffs *gormpersistence.GormTariffRepository, log *logrus.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := tariffs.FindByName(ctx, "standard")
	if err == nil {
		return nil
	}
	tariff := &domain.Tariff{
		ID:              domain.NewTariffID(),
		Name:            "standard",
		MaxParticipants: 100,
		Features:        "chat,polls,timer,breakout,recording",
	}
	if err := tariffs.Save(ctx, tariff); err != nil {
		return fmt.Errorf("bootstrap: seed default tariff: %w", err)
	}
	log.Info("seeded default tariff")
	return nil
}

// Start launches the worker and the HTTP server. The returned channel
// receives at most one error when the server fails to listen or serve;
// a graceful Shutdown never sends on it.
func (a *App) Start() <-chan error {
	go a.Worker.Start()
	return a.serve()
}

func (a *App) serve() <-chan error {
	errs := make(chan error, 1)
	go func() {
		a.Log.Infof("HTTP server listening on %s", a.HTTPServer.Addr)
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.WithError(err).Error("HTTP server failed")
			errs <- err
		}
	}()
	return errs
}

// Shutdown stops accepting work and drains in order: HTTP first so no new
// connections arrive, then the worker, then the clients.
func (a *App) Shutdown() {
	a.Log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.HTTPServer.Shutdown(ctx); err != nil {
		a.Log.WithError(err).Warn("HTTP server shutdown failed")
	}
	a.Worker.Shutdown()
	if err := a.AsynqClient.Close(); err != nil {
		a.Log.WithError(err).Warn("asynq client close failed")
	}
	if err := a.RedisClient.Close(); err != nil {
		a.Log.WithError(err).Warn("redis client close failed")
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	a.Log.Info("shutdown complete")
}
