package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/arklim/social-platform-rtc/internal/core/port"
	"github.com/arklim/social-platform-rtc/internal/infra/config"
	"github.com/arklim/social-platform-rtc/internal/infra/database"
	kafkainfra "github.com/arklim/social-platform-rtc/internal/infra/kafka"
	"github.com/arklim/social-platform-rtc/internal/infra/logger"
	redisinfra "github.com/arklim/social-platform-rtc/internal/infra/redis"
	"github.com/arklim/social-platform-rtc/internal/infra/security"
	"github.com/arklim/social-platform-rtc/internal/infra/telemetry"
	postgresrepo "github.com/arklim/social-platform-rtc/internal/repository/postgres"
	redisrepo "github.com/arklim/social-platform-rtc/internal/repository/redis"
	"github.com/arklim/social-platform-rtc/internal/transport/http/routes"
	"github.com/arklim/social-platform-rtc/internal/transport/ws"
	"github.com/arklim/social-platform-rtc/internal/usecase"
)

// signingKeyID names the active RSA key pair under the key directory.
const signingKeyID = "v1"

type Application struct {
	cfg      *config.AppConfig
	engine   *gin.Engine
	logger   *zap.Logger
	pool     *pgxpool.Pool
	redis    *redisinfra.Client
	gateway  *ws.Gateway
	presence *usecase.PresenceCoordinator
	voice    *usecase.VoiceService
	bus      port.EventBus
}

func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Postgres, log)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}

	keyProvider, err := security.NewKeyProvider(cfg.App.Env, cfg.JWT.KeyDirectory)
	if err != nil {
		return nil, fmt.Errorf("init key provider: %w", err)
	}
	codec, err := security.NewTokenCodec(keyProvider, signingKeyID, cfg.JWT.Issuer)
	if err != nil {
		return nil, fmt.Errorf("init token codec: %w", err)
	}

	redisClient, err := redisinfra.NewClient(cfg.Redis, log)
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}

	sessionStore := redisrepo.NewSessionRepository(redisClient.Client(), cfg.Redis.SessionPrefix)
	presenceStore := redisrepo.NewPresenceRepository(redisClient.Client(), cfg.Redis.PresencePrefix)
	rateLimitStore := redisrepo.NewRateLimitRepository(redisClient.Client(), redisrepo.SlidingWindowConfig{
		KeyPrefix: cfg.Redis.RateLimitPrefix,
	})
	offlineQueue := redisrepo.NewOfflineQueueRepository(redisClient.Client(), redisrepo.OfflineQueueConfig{
		KeyPrefix: cfg.Redis.OfflinePrefix,
		MaxLength: cfg.Gateway.OfflineQueueMax,
		TTL:       7 * 24 * time.Hour,
	})
	bus := redisrepo.NewEventBus(redisClient.Client(), cfg.Redis.EventChannel, log)

	repos := postgresrepo.NewRepositories(pool)

	var eventPublisher port.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaProducer, err := kafkainfra.NewProducer(cfg.Kafka, log)
		if err != nil {
			log.Warn("failed to init kafka producer, using stub publisher", zap.Error(err))
			eventPublisher = kafkainfra.NewStubPublisher(log)
		} else {
			eventPublisher = kafkainfra.NewEventPublisher(kafkaProducer, cfg.App, log)
			log.Info("kafka event publisher initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
		}
	} else {
		log.Info("kafka brokers not configured, using stub publisher")
		eventPublisher = kafkainfra.NewStubPublisher(log)
	}

	metrics, err := telemetry.NewGatewayMetrics(telemetry.GatewayMetricsOptions{
		Namespace: cfg.Telemetry.MetricsNamespace,
	})
	if err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	sessionService := usecase.NewSessionService(
		sessionStore,
		presenceStore,
		eventPublisher,
		codec,
		cfg.JWT.AccessTokenTTL,
		cfg.JWT.RefreshTokenTTL,
		cfg.Sessions.MaxPerUser,
	).WithLogger(log)

	presenceCoordinator := usecase.NewPresenceCoordinator(
		presenceStore,
		offlineQueue,
		sessionService,
		cfg.Presence.TTL,
		cfg.Presence.AwayTimeout,
		cfg.Typing.StopDelay,
	).WithLogger(log)

	rateLimitService := usecase.NewRateLimitService(rateLimitStore).WithLogger(log)
	voiceService := usecase.NewVoiceService().WithLogger(log)

	gateway := ws.NewGateway(ws.Config{
		InstanceID:         fmt.Sprintf("%s-%d", cfg.App.Name, time.Now().UnixNano()),
		MaxMessageLength:   cfg.Gateway.MaxMessageLength,
		RecentMessages:     cfg.Gateway.RecentMessages,
		SendBuffer:         cfg.Gateway.SendBuffer,
		TypingSweepEvery:   cfg.Typing.SweepInterval,
		PresenceSweepEvery: cfg.Presence.SweepInterval,
		Limits: ws.RateLimits{
			ConnectionMax:    cfg.RateLimit.ConnectionMax,
			ConnectionWindow: cfg.RateLimit.ConnectionWindow,
			MessageMax:       cfg.RateLimit.MessageMax,
			MessageWindow:    cfg.RateLimit.MessageWindow,
			TypingMax:        cfg.RateLimit.TypingMax,
			TypingWindow:     cfg.RateLimit.TypingWindow,
			JoinMax:          cfg.RateLimit.JoinMax,
			JoinWindow:       cfg.RateLimit.JoinWindow,
		},
	}, ws.Deps{
		Sessions: sessionService,
		Presence: presenceCoordinator,
		Limiter:  rateLimitService,
		Voice:    voiceService,
		Messages: repos.Messages,
		Rooms:    repos.Rooms,
		Friends:  repos.Friends,
		Offline:  offlineQueue,
		Bus:      bus,
		Events:   eventPublisher,
		Metrics:  metrics,
		Logger:   log,
	})

	// Heartbeat-detected transitions (away, revocation kicks) fan out the
	// same way connect/disconnect transitions do.
	presenceCoordinator.WithTransitionHook(gateway.PresenceTransition)

	engine := routes.Register(routes.Dependencies{
		Config:   cfg,
		Logger:   log,
		Gateway:  gateway,
		Database: pool,
		Cache:    redisClient,
	})

	return &Application{
		cfg:      cfg,
		engine:   engine,
		logger:   log,
		pool:     pool,
		redis:    redisClient,
		gateway:  gateway,
		presence: presenceCoordinator,
		voice:    voiceService,
		bus:      bus,
	}, nil
}

func (a *Application) Run(ctx context.Context) error {
	defer func() {
		_ = a.logger.Sync()
	}()
	defer func() {
		if a.pool != nil {
			a.pool.Close()
		}
	}()
	defer func() {
		if a.redis != nil {
			_ = a.redis.Close()
		}
	}()
	defer func() {
		if a.bus != nil {
			_ = a.bus.Close()
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.presence.RunHeartbeat(runCtx, a.cfg.Presence.HeartbeatInterval)
	go a.voice.RunIdleSweep(runCtx, a.cfg.Voice.SweepInterval, a.cfg.Voice.IdleTimeout, a.gateway.VoiceRoomClosed)

	gatewayErrCh := make(chan error, 1)
	go func() {
		if err := a.gateway.Run(runCtx); err != nil {
			gatewayErrCh <- fmt.Errorf("run gateway: %w", err)
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.App.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.logger.Info("starting realtime gateway",
		zap.String("env", a.cfg.App.Env),
		zap.String("address", srv.Addr),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("run server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-serverErrCh:
		return err
	case err := <-gatewayErrCh:
		return err
	}
}
