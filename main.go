package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docflow/custody/config"
	"github.com/docflow/custody/handler"
	"github.com/docflow/custody/middleware"
	"github.com/docflow/custody/pkg/logger"
	"github.com/docflow/custody/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load(config.Path())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("configuration loaded successfully", zap.String("path", config.Path()))

	ctx := context.Background()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := service.NewMetrics(registry)

	// Document store
	var store interface {
		service.DocumentStore
		service.AuditLog
	}
	switch cfg.Database.Driver {
	case "postgres":
		gormStore, err := service.OpenGormStore(&cfg.Database, log)
		if err != nil {
			log.Fatal("failed to open database", zap.Error(err))
		}
		store = gormStore
	default:
		log.Warn("using in-memory document store, data is lost on restart")
		store = service.NewMemoryStore()
	}

	// File storage
	var files service.FileStorage
	if cfg.Minio.Endpoint != "" {
		minioSvc, err := service.NewMinioService(&cfg.Minio)
		if err != nil {
			log.Fatal("failed to initialize MINIO service", zap.Error(err))
		}
		if err := minioSvc.EnsureBucket(ctx); err != nil {
			log.Fatal("failed to ensure MINIO bucket", zap.Error(err))
		}
		files = minioSvc
	} else {
		log.Warn("minio endpoint not set, keeping file bytes in memory")
		files = service.NewMemoryFileStorage()
	}

	// Notifications, events and rate limiting share redis when it is configured
	var (
		events   service.EventSink
		notifier service.Notifier
		feed     service.NotificationFeed
		limiter  gin.HandlerFunc
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis not reachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		events = service.NewRedisEventSink(rdb, cfg.Redis.Channel, log)
		redisNotifier := service.NewRedisNotifier(rdb, cfg.Redis.Channel, cfg.Redis.NotificationTTL)
		notifier, feed = redisNotifier, redisNotifier
		limiter = middleware.RateLimitWith(middleware.NewRedisRateLimiter(rdb, cfg.Redis.Channel, cfg.RateLimit.Requests, cfg.RateLimit.Window))
	} else {
		events = service.NewLogEventSink(log)
		notifier = service.NewLogNotifier(log)
		limiter = middleware.RateLimit(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	}

	authz, err := service.NewRegoAuthorizer(ctx)
	if err != nil {
		log.Fatal("failed to prepare authorization policy", zap.Error(err))
	}

	// Initialize services
	dir := service.NewConfigDirectory(cfg)
	audit := service.NewAuditRecorder(store, dir, notifier, metrics, log)
	routing := service.NewRoutingService(service.RoutingDeps{
		Store:   store,
		Audit:   audit,
		Dir:     dir,
		Files:   files,
		Events:  events,
		Metrics: metrics,
		Logger:  log,
	})
	signingClient := service.NewSigningClient(&cfg.Signing, metrics)
	signing := service.NewSigningOrchestrator(service.SigningDeps{
		Store:             store,
		Files:             files,
		Provider:          signingClient,
		Audit:             audit,
		Dir:               dir,
		Events:            events,
		Metrics:           metrics,
		Logger:            log,
		DefaultSignerRole: cfg.Signing.DefaultSignerRole,
	})

	// Initialize handlers
	authHandler := handler.NewAuthHandler(cfg, dir)
	documentHandler := handler.NewDocumentHandler(routing, authz)
	signingHandler := handler.NewSigningHandler(routing, authz, signing)
	callbackHandler := handler.NewCallbackHandler(signing, signingClient)
	notificationHandler := handler.NewNotificationHandler(feed)

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(corsMiddleware())
	router.Use(limiter)

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))

	// Public routes
	api := router.Group("/api")
	{
		api.POST("/auth/login", authHandler.Login)
		api.POST("/signing/callback", callbackHandler.HandleCallback)
	}

	// Protected routes
	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(&cfg.Auth))
	{
		protected.GET("/auth/me", authHandler.GetCurrentUser)
		protected.GET("/departments", authHandler.Departments)
		protected.GET("/notifications", notificationHandler.List)

		protected.POST("/documents", documentHandler.Create)
		protected.GET("/documents", documentHandler.List)
		protected.GET("/documents/:id", documentHandler.Get)
		protected.DELETE("/documents/:id", documentHandler.Delete)
		protected.POST("/documents/:id/files", documentHandler.AttachFile)
		protected.GET("/documents/:id/files", documentHandler.Files)
		protected.GET("/documents/:id/audit", documentHandler.Audit)
		protected.POST("/documents/:id/release", documentHandler.Release)
		protected.POST("/documents/:id/receive", documentHandler.Receive)
		protected.POST("/documents/:id/complete", documentHandler.Complete)
		protected.POST("/documents/:id/cancel", documentHandler.Cancel)
		protected.POST("/documents/:id/restore", documentHandler.Restore)
		protected.POST("/documents/:id/share", documentHandler.Share)
		protected.GET("/recycle-bin", documentHandler.RecycleBin)

		protected.POST("/documents/:id/signing", signingHandler.Submit)
		protected.POST("/documents/:id/signing/send", signingHandler.Dispatch)
		protected.GET("/documents/:id/signing/passport", signingHandler.Passport)
		protected.PUT("/documents/:id/signing/signers/:signerId", signingHandler.UpdateSigner)
		protected.DELETE("/documents/:id/signing/signers/:signerId", signingHandler.RemoveSigner)
		protected.POST("/documents/:id/signing/signers/:signerId/marks", signingHandler.AddMark)
		protected.PUT("/documents/:id/signing/marks/:markId", signingHandler.UpdateMark)
		protected.DELETE("/documents/:id/signing/marks/:markId", signingHandler.RemoveMark)
	}

	// Admin routes
	admin := protected.Group("/")
	admin.Use(middleware.RequireAdmin())
	{
		admin.POST("/recycle-bin/purge", documentHandler.Purge)
		admin.GET("/signing/metrics", signingHandler.ProviderMetrics)
		admin.GET("/signing/verify", signingHandler.VerifySession)
		admin.POST("/signing/logout", signingHandler.Logout)
	}

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
		return
	}

	log.Info("server exited gracefully")
}

// corsMiddleware handles CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID, X-Signature")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-RateLimit-Remaining")
		c.Writer.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
