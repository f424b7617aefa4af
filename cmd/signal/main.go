package main

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"castrelay/internal/core/services"
	httphandlers "castrelay/internal/handlers/http"
	"castrelay/internal/infrastructure/middleware"
	"castrelay/internal/infrastructure/monitoring"
	"castrelay/internal/infrastructure/repositories"
	"castrelay/internal/infrastructure/signal"
	webrtcinfra "castrelay/internal/infrastructure/webrtc"
	"castrelay/pkg/config"
	"castrelay/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/castrelay/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	// Persistence: Redis when enabled, memory fallback otherwise
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()
	sessionStore := repoFactory.CreateSessionStore()

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	collector := monitoring.NewCollector()

	// Signaling hub
	registry := signal.NewRegistry(log, collector)
	rooms := signal.NewDirectory(registry, cfg.Limits.ChatHistoryCap, cfg.Limits.HistoryReplayLimit, log, collector)
	limiter := signal.NewRateLimiter(cfg.Limits.MessagesPerWindow, cfg.Limits.Window)
	router := signal.NewRouter(registry, rooms, log, collector)

	// WebRTC configuration (including STUN/TURN from config)
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}

	webrtcConfig := webrtcinfra.Config{
		ICEServers:        iceServers,
		DefaultMaxViewers: cfg.Limits.DefaultMaxViewers,
	}
	webrtcConfig.PortRange.Min = cfg.WebRTC.PortRange.Min
	webrtcConfig.PortRange.Max = cfg.WebRTC.PortRange.Max

	manager := webrtcinfra.NewManager(webrtcConfig, authService, sessionStore, log, collector)
	manager.SetNotifier(rooms)

	wsServer := signal.NewWebSocketServer(
		registry, rooms, router, limiter, authService,
		cfg.Signal.PingInterval, cfg.Signal.PongTimeout, cfg.Signal.WriteTimeout,
		log, collector,
	)

	// Background reclaim of idle connections and abandoned sessions
	reclaimCtx, reclaimCancel := context.WithCancel(context.Background())
	defer reclaimCancel()
	reclaimer := signal.NewReclaimer(registry, manager, cfg.Reclaim.Interval, cfg.Reclaim.IdleThreshold, log, collector)
	go reclaimer.Run(reclaimCtx)

	// HTTP surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(middleware.RecoveryMiddleware(log))
	engine.Use(middleware.ErrorHandlerMiddleware(log))
	engine.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	authHandler := httphandlers.NewAuthHandler(authService, cfg.Auth.AccessTokenTTL)
	authHandler.SetupRoutes(engine)

	streamHandler := httphandlers.NewStreamHandler(manager, rooms, registry, authService)
	streamHandler.SetupRoutes(engine)

	engine.GET("/ws/stream/:id", wsServer.HandleStream)

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"registry":  registry.Stats(),
			"rooms":     rooms.RoomCount(),
		})
	})

	engine.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := repoFactory.HealthCheck(ctx); err != nil {
			c.JSON(503, gin.H{
				"status":       "not_ready",
				"timestamp":    time.Now(),
				"dependencies": "unhealthy",
				"error":        err.Error(),
			})
			return
		}

		c.JSON(200, gin.H{
			"status":       "ready",
			"timestamp":    time.Now(),
			"dependencies": "ok",
		})
	})

	if cfg.Monitoring.PrometheusEnabled {
		engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting CastRelay signaling server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down CastRelay server...")
	reclaimCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	registry.Shutdown()

	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}

	log.Info("CastRelay server stopped")
}
