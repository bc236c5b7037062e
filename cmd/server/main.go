// cmd/server/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/cambia-matchmaking/internal/auth"
	"github.com/jason-s-yu/cambia-matchmaking/internal/cache"
	"github.com/jason-s-yu/cambia-matchmaking/internal/config"
	"github.com/jason-s-yu/cambia-matchmaking/internal/database"
	"github.com/jason-s-yu/cambia-matchmaking/internal/entitlement"
	"github.com/jason-s-yu/cambia-matchmaking/internal/game"
	"github.com/jason-s-yu/cambia-matchmaking/internal/handlers"
	"github.com/jason-s-yu/cambia-matchmaking/internal/lobby"
	"github.com/jason-s-yu/cambia-matchmaking/internal/matchmaking"
	"github.com/jason-s-yu/cambia-matchmaking/internal/metrics"
	"github.com/jason-s-yu/cambia-matchmaking/internal/middleware"
	"github.com/jason-s-yu/cambia-matchmaking/internal/profile"
	"github.com/jason-s-yu/cambia-matchmaking/internal/queue"
	"github.com/jason-s-yu/cambia-matchmaking/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Fatal("invalid LOG_LEVEL")
	}
	logger.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = database.ConnectDB(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to postgres")
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			logger.WithError(err).Fatal("failed to apply schema")
		}
	}

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb, err = cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to redis")
		}
		defer rdb.Close()
	}

	verifier, err := newVerifier(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to load jwt public key")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mm := metrics.NewMetrics(registry)
	clk := clock.New()

	// collaborators
	var (
		ents     entitlement.Adapter = entitlement.NewStatic()
		profiles profile.Lookup      = profile.NewStatic()
	)
	if pool != nil {
		ents = entitlement.NewPostgresSource(pool, clk)
		profiles = profile.NewPostgresLookup(pool)
	}
	if rdb != nil {
		ents = entitlement.NewCache(ents, rdb, cfg.EntitlementCacheTTL(), logger.WithField("component", "entitlement"))
	}

	var starter scheduler.GameStarter = game.NewLocal()
	if cfg.GameStarter == "redis" {
		starter = game.NewRedisStarter(rdb, cfg.GameStartQueue, cfg.GameStartKeyTTL(), clk)
	}

	// lobbies
	var lobbyStore lobby.Store = lobby.NewMemoryStore()
	if cfg.LobbyBackend == "postgres" {
		lobbyStore = lobby.NewPostgresStore(pool)
	}
	var counter lobby.Counter = lobby.NewMemoryCounter()
	if rdb != nil {
		counter = lobby.NewRedisCounter(rdb)
	}
	quota := lobby.NewQuota(counter, lobby.QuotaLimits{
		Free:    cfg.QuotaFree,
		Plus:    cfg.QuotaPlus,
		Premium: cfg.QuotaPremium,
	}, clk)
	hub := lobby.NewHub()
	lobbies := lobby.NewManager(lobbyStore, ents, quota, starter, logger.WithField("component", "lobby"),
		lobby.WithClock(clk),
		lobby.WithMetrics(mm),
		lobby.WithEvents(hub),
		lobby.WithSettings(lobby.Settings{
			InactivityThreshold: cfg.LobbyInactivity(),
			SweepAge:            cfg.LobbySweepAge(),
			SweepLimit:          cfg.LobbySweepLimit,
			GameTimeout:         cfg.LobbyGameTimeout(),
		}),
	)

	// queue
	var queueStore queue.Store = queue.NewMemoryStore()
	if cfg.QueueBackend == "redis" {
		queueStore = queue.NewRedisStore(rdb)
	}
	wake := scheduler.NewWakeup()
	queues := queue.NewManager(queueStore, lobbies, wake, logger.WithField("component", "queue"),
		queue.WithClock(clk),
		queue.WithTimeout(cfg.QueueTimeout()),
	)

	sched := scheduler.New(queues, lobbies, ents, starter, wake, logger.WithField("component", "scheduler"),
		scheduler.WithClock(clk),
		scheduler.WithMetrics(mm),
		scheduler.WithSettings(scheduler.Settings{
			Debounce:           cfg.SchedulerDebounce(),
			Reschedule:         cfg.SchedulerReschedule(),
			PageSize:           cfg.SchedulerPageSize,
			Concurrency:        cfg.EntitlementConcurrency,
			EntitlementTimeout: cfg.EntitlementTimeout(),
		}),
	)
	sweeper := lobby.NewSweeper(lobbies, cfg.LobbySweepInterval(), clk, logger.WithField("component", "sweeper"))

	// http
	svc := matchmaking.NewService(profiles, queues, lobbies, logger.WithField("component", "matchmaking"))
	mux := http.NewServeMux()
	handlers.NewAPI(svc, verifier, hub, logger.WithField("component", "http")).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           middleware.LogMiddleware(logger)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	loops := 2
	done := make(chan struct{}, 3)
	go func() {
		sched.Run(ctx)
		done <- struct{}{}
	}()
	go func() {
		sweeper.Run(ctx)
		done <- struct{}{}
	}()
	if cfg.GameStarter == "redis" {
		results := game.NewResultConsumer(rdb, cfg.GameResultQueue, lobbies, clk, logger.WithField("component", "results"))
		loops++
		go func() {
			if err := results.Run(ctx); err != nil {
				logger.WithError(err).Error("result consumer stopped")
			}
			done <- struct{}{}
		}()
	}
	// Entries left over from a previous process still need a pass.
	wake.Kick()

	go func() {
		logger.Infof("Running on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server exited")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}
	for i := 0; i < loops; i++ {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			logger.Warn("background loops did not stop in time")
			return
		}
	}
}

// newVerifier loads the account service's public key. Without one, a throwaway
// key pair is generated and no request can authenticate.
func newVerifier(cfg *config.Config, logger *logrus.Logger) (*auth.Verifier, error) {
	if cfg.JWTPublicKeyPath != "" {
		return auth.LoadVerifier(cfg.JWTPublicKeyPath)
	}
	logger.Warn("JWT_PUBLIC_KEY_PATH is not set; using an ephemeral key pair")
	_, verifier, err := auth.GenerateKeys(0)
	return verifier, err
}
