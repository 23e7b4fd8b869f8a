package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"support_broker/server/broker/api"
	"support_broker/server/broker/repository"
	"support_broker/server/broker/service"
	commonauth "support_broker/server/common/auth"
	"support_broker/server/common/infra/cache"
	"support_broker/server/common/infra/db"
	"support_broker/server/common/infra/mq"
	"support_broker/server/common/infra/object"
	commonlog "support_broker/server/common/log"
)

const (
	startupTimeout = 30 * time.Second
	mqDialTimeout  = 20 * time.Second
)

type Server struct {
	HTTPServer *http.Server
	Hub        *service.Hub
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	MQConn     *amqp.Connection
	Publisher  *service.AMQPPublisher
	Sweeper    *service.PresenceSweeper
}

// OpenStores connects to Postgres and applies the schema, or falls back to
// the in-memory store when no DSN is configured.
func OpenStores(ctx context.Context, cfg Config) (service.Stores, *pgxpool.Pool, error) {
	if cfg.PostgresDSN == "" {
		commonlog.Warnf("event=broker_startup action=open_store status=memory reason=POSTGRES_DSN_empty")
		mem := repository.NewMemoryStore()
		return service.Stores{Sessions: mem, Messages: mem, Presence: mem, Notifications: mem, Profiles: mem}, nil, nil
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{DSN: cfg.PostgresDSN, MaxConns: cfg.PostgresMaxConns, MaxConnIdleTime: 5 * time.Minute})
	if err != nil {
		return service.Stores{}, nil, err
	}
	if err := repository.Migrate(ctx, pool); err != nil {
		pool.Close()
		return service.Stores{}, nil, fmt.Errorf("migrate schema: %w", err)
	}
	return service.Stores{
		Sessions:      repository.NewSessionRepository(pool),
		Messages:      repository.NewMessageRepository(pool),
		Presence:      repository.NewPresenceRepository(pool),
		Notifications: repository.NewNotificationRepository(pool),
		Profiles:      repository.NewProfileRepository(pool),
	}, pool, nil
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	s := &Server{Hub: service.NewHub(cfg.HubBuffer)}
	checks := map[string]api.ReadinessCheck{}

	stores, pool, err := OpenStores(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize store: %w", err)
	}
	s.Pool = pool
	if pool != nil {
		checks["postgres"] = pool.Ping
	}

	var msgOpts []service.MessageOption
	if cfg.RedisAddr != "" {
		s.Redis = cache.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := cache.Ping(ctx, s.Redis); err != nil {
			s.closeBackends()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		s.Hub.UseRedis(s.Redis)
		if err := s.Hub.StartRedisSubscriber(context.Background()); err != nil {
			s.closeBackends()
			return nil, fmt.Errorf("start redis subscriber: %w", err)
		}
		msgOpts = append(msgOpts,
			service.WithSendLimiter(cache.NewFixedWindowLimiter(s.Redis, "chat:message:rate", cfg.SendRateLimit, cfg.SendRateWindow)),
			service.WithIdempotencyGuard(cache.NewIdempotencyGuard(s.Redis, service.MessageIdempotencyTTL)),
		)
		redisClient := s.Redis
		checks["redis"] = func(ctx context.Context) error { return cache.Ping(ctx, redisClient) }
	}

	var events service.EventPublisher
	if cfg.AMQPURL != "" {
		s.MQConn, err = mq.NewConnection(ctx, cfg.AMQPURL, mqDialTimeout)
		if err != nil {
			s.closeBackends()
			return nil, fmt.Errorf("initialize amqp: %w", err)
		}
		s.Publisher, err = service.NewAMQPPublisher(s.MQConn)
		if err != nil {
			s.closeBackends()
			return nil, fmt.Errorf("initialize amqp publisher: %w", err)
		}
		events = s.Publisher
		conn := s.MQConn
		checks["amqp"] = func(context.Context) error {
			if conn.IsClosed() {
				return amqp.ErrClosed
			}
			return nil
		}
	}

	var archiver service.TranscriptArchiver
	if cfg.MinioEndpoint != "" {
		minioClient, err := object.NewClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
		if err != nil {
			s.closeBackends()
			return nil, fmt.Errorf("initialize minio: %w", err)
		}
		if err := object.EnsureBucket(ctx, minioClient, cfg.MinioBucket); err != nil {
			s.closeBackends()
			return nil, fmt.Errorf("ensure transcript bucket: %w", err)
		}
		archiver = service.NewMinioArchiver(minioClient, cfg.MinioBucket)
	}

	chatSvc := service.NewMessageService(stores.Sessions, stores.Messages, s.Hub, events, msgOpts...)
	sessionSvc := service.NewSessionService(stores.Sessions, stores.Messages, chatSvc, s.Hub, events, archiver)
	unreadSvc := service.NewUnreadService(stores.Sessions, stores.Messages, stores.Notifications, s.Hub)
	presenceSvc := service.NewPresenceService(stores.Presence, s.Hub, events, cfg.PresenceTimeout)
	notificationSvc := service.NewNotificationService(stores.Notifications, stores.Profiles, unreadSvc, s.Hub, events, cfg.BroadcastConcurrency)

	s.Sweeper, err = service.NewPresenceSweeper(presenceSvc, cfg.PresenceSweepSpec)
	if err != nil {
		s.closeBackends()
		return nil, fmt.Errorf("schedule presence sweeper: %w", err)
	}
	s.Sweeper.Start()

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := api.NewHandler(api.Services{
		Sessions:      sessionSvc,
		Messages:      chatSvc,
		Presence:      presenceSvc,
		Notifications: notificationSvc,
		Unread:        unreadSvc,
		Realtime:      service.NewRealtimeService(chatSvc, service.WithAllowedOrigins(cfg.WSAllowedOrigins)),
	}, commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes), checks)
	r := gin.Default()
	h.RegisterRoutes(r)

	// No WriteTimeout: WebSocket and SSE responses stay open.
	s.HTTPServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)
	if s.Sweeper != nil {
		s.Sweeper.Stop()
	}
	s.closeBackends()
	return err
}

func (s *Server) closeBackends() {
	s.Hub.StopRedisSubscriber()
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}
