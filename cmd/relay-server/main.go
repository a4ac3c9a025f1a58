package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"callrelay-backend/internal/database"
	callHandler "callrelay-backend/internal/handler/http/call"
	healthHandler "callrelay-backend/internal/handler/http/health"
	presenceHandler "callrelay-backend/internal/handler/http/presence"
	wsHandler "callrelay-backend/internal/handler/ws"
	"callrelay-backend/internal/middleware"
	"callrelay-backend/internal/repository/postgres"
	redisRepo "callrelay-backend/internal/repository/redis"
	callService "callrelay-backend/internal/service/call"
	chatService "callrelay-backend/internal/service/chat"
	presenceService "callrelay-backend/internal/service/presence"
	"callrelay-backend/pkg/config"
	"callrelay-backend/pkg/constants"
	pkgDatabase "callrelay-backend/pkg/database"
	"callrelay-backend/pkg/jwt"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
	"callrelay-backend/pkg/resilience"
)

func main() {
	// 1. Load configuration
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		logger.Log = zap.Must(zap.NewProduction())
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		logger.Log = zap.Must(zap.NewProduction())
		logger.Fatal("Failed to initialize logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 2. Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 3. Optional Redis: presence mirror, chat fan-in, revocation, rate limits
	var (
		redisDB           *database.RedisClient
		presenceMirror    presenceService.Mirror
		revocationChecker middleware.RevocationChecker
		rateCounter       middleware.Counter
	)
	if cfg.Redis.Addr != "" {
		redisDB = database.NewRedisDB(cfg.Redis, appMetrics)
		defer redisDB.Close()

		if err := redisDB.HealthCheck(ctx); err != nil {
			logger.Warn("Redis unavailable at startup, running degraded", zap.Error(err))
		} else {
			logger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr))
		}
		redisDB.StartHealthCheck(ctx, constants.RedisHealthCheckInterval)

		presenceMirror = redisRepo.NewPresenceRepository(redisDB, cfg.Presence.TTL)
		revocationChecker = middleware.NewRedisRevocationChecker(redisDB)
		rateCounter = redisDB
	} else {
		logger.Info("REDIS_ADDR not set, running without presence mirror and chat fan-in")
	}

	// 4. Optional Postgres call log
	var (
		recorder callService.Recorder
		history  callHandler.History
	)
	if cfg.Database.URL != "" {
		pg, err := pkgDatabase.NewPostgres(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("Failed to connect to Postgres", zap.Error(err))
		}
		defer pg.Close()

		callLog := postgres.NewCallLogRepository(pg.Pool).
			WithBreaker(resilience.NewBreaker(resilience.Config{Name: "call_log"}, appMetrics))
		if err := callLog.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to prepare call log schema", zap.Error(err))
		}
		recorder = callLog
		history = callLog
		logger.Info("Call log enabled")
	}

	// 5. Services
	hub := wsHandler.NewHub(cfg.Server.MaxConnections, appMetrics)
	calls := callService.NewManager(callService.Config{
		RingTimeout:       cfg.Call.RingTimeout,
		DisconnectGrace:   cfg.Call.DisconnectGrace,
		TerminalRetention: cfg.Call.TerminalRetention,
		SweepInterval:     cfg.Call.SweepInterval,
	}, hub, recorder, appMetrics)
	registry := presenceService.NewRegistry(hub, presenceMirror, appMetrics)
	chats := chatService.NewService(chatService.Config{TypingTTL: cfg.Chat.TypingSafetyTTL}, hub, appMetrics)

	if redisDB != nil {
		go chatService.NewFanIn(redisDB, cfg.Chat.FanInPattern, chats).Run(ctx)
	}

	// 6. Handlers
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Audience, cfg.JWT.Issuer, cfg.JWT.TokenTTL)
	socketHdlr := wsHandler.NewHandler(wsHandler.Config{
		PingInterval:   cfg.Server.PingInterval,
		SendBuffer:     cfg.Server.SendBufferSize,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, hub, calls, registry, chats, appMetrics)

	health := healthHandler.NewHandler(cfg.Server.ServiceName, hub)
	if redisDB != nil {
		health.WithDependency("redis", redisDB)
	}
	presenceHdlr := presenceHandler.NewHandler(registry)
	callHdlr := callHandler.NewHandler(calls, history)
	connectLimiter := middleware.NewRateLimiter(rateCounter, cfg.Server.ConnectRate, time.Minute)

	// 7. Router
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", health.Health)
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	{
		v1.GET("/ws", connectLimiter.Middleware(), socketHdlr.ServeWS)
		v1.GET("/presence/:userId", presenceHdlr.GetStatus)
		v1.GET("/calls", callHdlr.GetHistory)
		v1.GET("/calls/:callId", callHdlr.GetCall)
		v1.GET("/me/call", callHdlr.GetActive)
	}

	// 8. Start server
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Relay server starting",
			zap.String("addr", cfg.Addr()),
			zap.String("env", cfg.Server.Environment),
			zap.String("socket", "/v1/ws"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 9. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down relay server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	hub.Shutdown()
	calls.Close()
	chats.Close()
	stop()

	logger.Info("Relay server exited")
}
