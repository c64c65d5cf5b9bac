package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"live-auction/internal/api/handlers"
	"live-auction/internal/api/middleware"
	"live-auction/internal/config"
	"live-auction/internal/domain"
	"live-auction/internal/infrastructure/auth"
	"live-auction/internal/infrastructure/leader"
	"live-auction/internal/infrastructure/mysql"
	"live-auction/internal/infrastructure/redis"
	"live-auction/internal/infrastructure/websocket"
	"live-auction/internal/metrics"
	"live-auction/internal/services"
	"live-auction/pkg/logger"
	"live-auction/pkg/utils"

	redisClient "github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New().Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	log := logger.NewWithLevel(cfg.Log.Level).With("instance_id", cfg.Instance.ID)
	log.Info("Configuration loaded", "config", cfg.GetConfigString())

	// Initialize Redis
	rdb := redisClient.NewClient(&redisClient.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	backed := connectRedis(context.Background(), rdb, cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Initialize MySQL
	db, err := utils.InitializeMysql(ctx, cfg.MySQL)
	if err != nil {
		log.Error("Failed to connect to MySQL", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Failed to close MySQL connection", "error", err)
		}
	}()
	log.Info("Connected to MySQL")

	if cfg.MySQL.Migrate {
		if err := mysql.RunMigrations(db); err != nil {
			log.Error("Failed to run migrations", "error", err)
			os.Exit(1)
		}
		log.Info("Database migrations applied")
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// Storage
	auctionStore := mysql.NewAuctionStore(db)
	bidHistory := mysql.NewBidRepository(db)

	// Identity
	var verifier domain.IdentityVerifier
	jwtVerifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		log.Warn("JWT verification disabled, every connection will be anonymous", "error", err)
	} else {
		verifier = jwtVerifier
	}

	// Coordination core
	registry := websocket.NewRegistry(log, collector)
	transport := redis.NewPubSubTransport(rdb, cfg.Redis.Channel, log)
	broadcaster := services.NewBroadcaster(transport, registry, services.BroadcasterConfig{
		InstanceID:     cfg.Instance.ID,
		PublishTimeout: cfg.Redis.PublishTimeout,
	}, collector, log)
	arbitrator := services.NewBidArbitrator(auctionStore, broadcaster, backed.leaderboard, services.ArbitratorConfig{
		MaxCommitAttempts: cfg.Bidding.MaxCommitAttempts,
		CommitTimeout:     cfg.Bidding.CommitTimeout,
	}, collector, log)
	gatekeeper := services.NewGatekeeper(verifier, registry, log)
	controller := services.NewSessionController(registry, gatekeeper, arbitrator, auctionStore, collector, log)

	// Background services
	closer := services.NewAuctionCloser(auctionStore, backed.election, broadcaster, cfg.Instance.ID, log)
	scheduler := services.NewMaintenanceScheduler(closer, registry, services.SchedulerConfig{
		CloseInterval:   cfg.Closer.Interval,
		ReapInterval:    cfg.WebSocket.ReapInterval,
		LivenessTimeout: cfg.WebSocket.LivenessTimeout,
	}, log)

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	go func() {
		if err := broadcaster.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Fan-out subscriber stopped", "error", err)
		}
	}()

	if err := scheduler.Start(runCtx); err != nil {
		log.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// Public server
	wsHandler := handlers.NewWebSocketHandler(registry, controller, handlers.WebSocketConfig{
		Client: websocket.ClientConfig{
			SendBuffer:     cfg.WebSocket.SendBuffer,
			MaxMessageSize: cfg.WebSocket.MaxMessageSize,
			PingPeriod:     cfg.WebSocket.PingPeriod,
			PongWait:       cfg.WebSocket.LivenessTimeout,
		},
		RateLimitPerSecond: cfg.WebSocket.RateLimitPerSecond,
		RateLimitBurst:     cfg.WebSocket.RateLimitBurst,
		AllowedOrigins:     cfg.WebSocket.AllowedOrigins,
	}, log)

	router := mux.NewRouter()
	router.Use(middleware.CORS)
	router.Use(middleware.RequestLogger(log))
	router.HandleFunc("/ws", wsHandler.HandleConnection).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler(reg)).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Starting live auction server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Admin server
	var adminServer interface{ Shutdown(context.Context) error }
	if cfg.Admin.Enabled {
		if verifier == nil {
			log.Error("Admin API requires JWT verification, set JWT_SECRET or disable the admin server")
			os.Exit(1)
		}
		admin := handlers.NewAdminServer(
			handlers.NewAdminHandler(broadcaster, registry, backed.leaderboard, bidHistory, log),
			verifier, log)
		adminAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Admin.Port)
		adminServer = admin

		go func() {
			log.Info("Starting admin server", "address", adminAddr)
			if err := admin.Start(adminAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Admin server failed to start", "error", err)
				os.Exit(1)
			}
		}()
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down live auction server...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Admin server forced to shutdown", "error", err)
		}
	}

	if err := scheduler.Stop(); err != nil {
		log.Error("Failed to stop scheduler", "error", err)
	}
	if err := closer.Resign(shutdownCtx); err != nil {
		log.Error("Failed to release leadership", "error", err)
	}

	// Hijacked WebSocket connections are not closed by Shutdown.
	registry.CloseAll()
	stopRun()

	if err := rdb.Close(); err != nil {
		log.Error("Failed to close Redis client", "error", err)
	}
	log.Info("Live auction server stopped")
}

// redisBacked holds the optional components that live in Redis.
type redisBacked struct {
	leaderboard domain.BidLeaderboard
	election    domain.LeaderElection
}

// connectRedis checks Redis at boot. When it is unreachable the process runs
// single-process: no leaderboard, no leader lock, and fan-out starts degraded
// while the subscriber keeps retrying.
func connectRedis(ctx context.Context, rdb *redisClient.Client, cfg *config.Config, log logger.Logger) redisBacked {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("Redis unreachable, running in single-process mode",
			"code", domain.CodeTransportDegraded, "address", cfg.Redis.Address, "error", err)
		return redisBacked{}
	}
	log.Info("Connected to Redis", "address", cfg.Redis.Address)

	return redisBacked{
		leaderboard: redis.NewLeaderboard(rdb, cfg.Redis.LeaderboardTTL),
		election:    leader.NewRedisLeaderElection(rdb, cfg.Leader.Key, cfg.Leader.TTL, log),
	}
}
