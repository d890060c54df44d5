package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/onlyus/sync-server-go/internal/config"
	"github.com/onlyus/sync-server-go/internal/database"
	"github.com/onlyus/sync-server-go/internal/handler"
	"github.com/onlyus/sync-server-go/internal/httputil"
	"github.com/onlyus/sync-server-go/internal/jobs"
	"github.com/onlyus/sync-server-go/internal/middleware"
	"github.com/onlyus/sync-server-go/internal/pairing"
	"github.com/onlyus/sync-server-go/internal/peer"
	"github.com/onlyus/sync-server-go/internal/redis"
	"github.com/onlyus/sync-server-go/internal/repository"
	"github.com/onlyus/sync-server-go/internal/service"
	"github.com/onlyus/sync-server-go/internal/sse"
	"github.com/onlyus/sync-server-go/internal/util"
)

// stores is the storage backend picked by STORAGE.
type stores struct {
	sessions repository.SessionRepository
	signals  repository.SignalRepository
	limiter  service.Limiter
	broker   *sse.Broker
	checks   map[string]func(context.Context) error
	closers  []func() error
}

// health pings every backing store.
func (s *stores) health(ctx context.Context) map[string]string {
	out := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			log.Warn().Err(err).Str("store", name).Msg("health check failed")
			out[name] = "down"
			continue
		}
		out[name] = "up"
	}
	return out
}

func (s *stores) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Warn().Err(err).Msg("failed to close store")
		}
	}
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	clock := clockwork.NewRealClock()

	st, err := openStores(cfg, clock)
	if err != nil {
		log.Fatal().Err(err).Str("storage", cfg.Storage).Msg("failed to open storage")
	}
	defer st.close()

	registry := service.NewSessionRegistry(st.sessions, st.signals, pairing.NewGenerator(), st.broker, clock, service.RegistryConfig{
		SessionTTL:     cfg.SessionTTL(),
		HandshakeGrace: cfg.HandshakeGrace(),
		CodeCooldown:   cfg.CodeCooldown(),
	})
	var sealer *util.Sealer
	if cfg.EncryptionKey != "" {
		if sealer, err = util.NewSealer(cfg.EncryptionKey); err != nil {
			log.Fatal().Err(err).Msg("invalid encryption key")
		}
	}
	relay := service.NewSignalRelay(registry, st.signals, st.broker, clock, sealer)

	hubCfg := peer.DefaultConfig()
	hubCfg.CheckOrigin = originChecker(cfg.CORSOrigins)
	hub := peer.NewHub(hubCfg)
	registry.OnFinished(hub.CloseSession)

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)
	createLimit := middleware.NewRateLimitMiddleware(st.limiter, config.DefaultRateLimitPerMin, time.Minute, "create", middleware.KeyByUser)
	joinLimit := middleware.NewRateLimitMiddleware(st.limiter, cfg.JoinRateLimitPerMin, time.Minute, "join", middleware.KeyByUser)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	})

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(corsMiddleware.Handler)
	r.Use(securityHeadersMiddleware.Handler)
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
		defer cancel()
		checks := st.health(ctx)

		status, code := "ok", http.StatusOK
		for _, state := range checks {
			if state != "up" {
				status, code = "degraded", http.StatusServiceUnavailable
			}
		}
		httputil.WriteJSON(w, code, map[string]any{
			"status":    status,
			"storage":   cfg.Storage,
			"checks":    checks,
			"timestamp": clock.Now().UnixMilli(),
		})
	})

	r.Mount("/v1", handler.APIRoutes(
		authMiddleware.Handler,
		handler.NewEventsHandler(st.broker, registry),
		handler.NewSessionHandler(registry, clock, handler.SessionLimits{
			Create: createLimit.Handler,
			Join:   joinLimit.Handler,
		}),
		handler.NewSignalHandler(relay),
		handler.NewChannelHandler(registry, hub),
	))

	sweepJob := jobs.NewSweepJob(registry, clock, config.SweepJobInterval, config.FinishedSessionRetention)
	sweepJob.Start()
	defer sweepJob.Stop()

	// Streams and peer channels are long-lived, so there is no write timeout.
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Str("storage", cfg.Storage).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func openStores(cfg *config.Config, clock clockwork.Clock) (*stores, error) {
	if !cfg.UsesPostgres() {
		log.Warn().Msg("using in-memory storage")
		broker := sse.NewBroker(nil)
		return &stores{
			sessions: repository.NewMemorySessionRepository(),
			signals:  repository.NewMemorySignalRepository(),
			limiter:  service.NewMemoryRateLimiter(clock),
			broker:   broker,
			closers:  []func() error{func() error { broker.Close(); return nil }},
		}, nil
	}

	st := &stores{checks: make(map[string]func(context.Context) error)}

	if err := database.MigrateUp(cfg.DatabaseURL); err != nil {
		return nil, err
	}

	db, err := database.Connect(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, db.Close)
	log.Info().Msg("database connected")

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	defer cancel()

	redisClient, err := redis.Open(ctx, cfg.RedisURL)
	if err != nil {
		st.close()
		return nil, err
	}
	st.closers = append(st.closers, redisClient.Close)
	log.Info().Msg("redis connected")

	st.checks["postgres"] = db.PingContext
	st.checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }

	st.sessions = repository.NewSessionRepository(db)
	st.signals = repository.NewRedisSignalRepository(redisClient, config.SignalQueueTTL)
	st.limiter = service.NewRedisRateLimiter(redisClient)
	st.broker = sse.NewBroker(redisClient)
	st.closers = append(st.closers, func() error { st.broker.Close(); return nil })
	return st, nil
}

// originChecker applies the CORS allow-list to peer channel upgrades.
func originChecker(origins []string) func(r *http.Request) bool {
	if slices.Contains(origins, "*") {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return slices.ContainsFunc(origins, func(allowed string) bool {
			return strings.EqualFold(allowed, origin)
		})
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
