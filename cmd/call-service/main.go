// The call service hosts the call session lifecycle: session creation,
// offer/answer/ICE exchange through the shared session store, busy
// detection, push alerts, and call history.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fitconnect-backend/internal/config"
	"fitconnect-backend/internal/database"
	callhandler "fitconnect-backend/internal/handler/http/call"
	pushhandler "fitconnect-backend/internal/handler/http/push"
	wshandler "fitconnect-backend/internal/handler/ws"
	"fitconnect-backend/internal/middleware"
	"fitconnect-backend/internal/repository"
	"fitconnect-backend/internal/repository/cockroach"
	firestorerepo "fitconnect-backend/internal/repository/firestore"
	"fitconnect-backend/internal/repository/memory"
	redisrepo "fitconnect-backend/internal/repository/redis"
	callservice "fitconnect-backend/internal/service/call"
	"fitconnect-backend/pkg/constants"
	"fitconnect-backend/pkg/jwt"
	"fitconnect-backend/pkg/logger"
	"fitconnect-backend/pkg/metrics"
	"fitconnect-backend/pkg/push"
)

func main() {
	logger.InitDefault()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics("call-service")

	// Session store: Firestore when credentials are configured, the
	// in-memory store otherwise (development without a project)
	var calls repository.CallRepository
	var pushProvider push.Provider = &push.MockProvider{}
	if cfg.FirestoreConfigured() {
		app, err := database.NewFirebaseApp(ctx, &cfg.Firebase)
		if err != nil {
			logger.Fatal("failed to initialize firebase", zap.Error(err))
		}
		client, err := database.NewFirestoreClient(ctx, app)
		if err != nil {
			logger.Fatal("failed to open firestore", zap.Error(err))
		}
		defer client.Close()
		calls = firestorerepo.NewCallRepository(client)

		provider, err := push.NewFCMProvider(ctx, app)
		if err != nil {
			logger.Fatal("failed to initialize fcm", zap.Error(err))
		}
		pushProvider = provider
		logger.Info("session store: firestore", zap.String("project", cfg.Firebase.ProjectID))
	} else {
		if cfg.IsProduction() {
			logger.Fatal("firestore credentials are required in production")
		}
		calls = memory.NewCallRepository()
		logger.Warn("session store: in-memory (development mode)")
	}

	// Active-call registry and push token store. Degraded mode without
	// Redis: busy detection off, push alerts have no tokens to resolve.
	var active callservice.ActiveCallRegistry
	var notifier callservice.Notifier
	var tokenStore *redisrepo.PushTokenRepository
	if cfg.RedisEnabled {
		redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redisClient.Close()
		active = redisrepo.NewActiveCallRepository(redisClient)
		tokenStore = redisrepo.NewPushTokenRepository(redisClient)
		notifier = push.NewService(pushProvider, tokenStore)
	} else {
		logger.Warn("redis disabled: busy detection and push alerts are off")
	}

	// Durable call archive. Degraded mode without CockroachDB: history is
	// served from the live store only.
	var archive callservice.Archive
	if cfg.CockroachEnabled {
		db, err := database.NewCockroachDB(ctx, &cfg.Cockroach)
		if err != nil {
			logger.Fatal("failed to connect to cockroachdb", zap.Error(err))
		}
		defer db.Close()

		callLog := cockroach.NewCallLogRepository(db.Pool)
		if err := callLog.EnsureSchema(ctx); err != nil {
			logger.Fatal("failed to ensure call log schema", zap.Error(err))
		}
		archive = callLog
	} else {
		logger.Warn("cockroachdb disabled: history served from the live store")
	}

	service := callservice.NewService(calls, active, archive, notifier, m)

	jwtManager := jwt.NewManager(cfg.JWTSecret, cfg.TokenDuration)
	router := buildRouter(cfg, service, tokenStore, jwtManager, m)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("call service listening",
			zap.Int("port", cfg.Port),
			zap.String("environment", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildRouter(cfg *config.Config, service *callservice.Service, tokenStore *redisrepo.PushTokenRepository, jwtManager *jwt.Manager, m *metrics.Metrics) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(
		middleware.Recovery(),
		middleware.RequestLogger(),
		middleware.CORS(cfg.AllowedOrigins),
		middleware.Prometheus(m),
	)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "call-service"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.GetRegistry(), promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	v1.Use(middleware.Auth(jwtManager))

	callhandler.NewHandler(service).RegisterRoutes(v1)
	wshandler.NewHandler(service, m).RegisterRoutes(v1)
	if tokenStore != nil {
		pushhandler.NewHandler(tokenStore).RegisterRoutes(v1)
	}

	return router
}
