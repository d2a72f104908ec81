package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"chat-gateway/internal/auth"
	"chat-gateway/internal/config"
	"chat-gateway/internal/db"
	"chat-gateway/internal/grpcserver"
	"chat-gateway/internal/handlers"
	"chat-gateway/internal/logger"
	"chat-gateway/internal/middleware"
	"chat-gateway/internal/observability"
	"chat-gateway/internal/rabbitmq"
	"chat-gateway/internal/repositories"
	"chat-gateway/internal/telemetry"
	"chat-gateway/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logger.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.Log.Level, cfg.Log.Pretty, cfg.Telemetry.ServiceName)
	log := logger.L()

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("gateway stopped with error")
	}
	log.Info().Msg("gateway stopped")
}

func run(cfg *config.Config) error {
	log := logger.L()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Environment, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	database, err := db.Connect(cfg.Postgres)
	if err != nil {
		return err
	}
	defer database.Close()

	mongoClient, err := db.ConnectMongo(ctx, cfg.Mongo)
	if err != nil {
		return err
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()

	messageRepo := repositories.NewMessageRepo(db.MessageCollection(mongoClient, cfg.Mongo))
	if err := messageRepo.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure message indexes: %w", err)
	}
	membershipRepo := repositories.NewMembershipRepo(database)
	verifier := auth.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTAlgorithm, repositories.NewUserRepo(database))

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	defer publisher.Close()
	log.Info().
		Str("mode", rabbitmq.PublisherMode(publisher)).
		Str("noop_reason", rabbitmq.PublisherNoopReason(publisher)).
		Msg("event publisher ready")
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, cfg.Telemetry.ServiceName, cfg.Telemetry.Environment)

	g, gctx := errgroup.WithContext(ctx)

	hub := ws.NewHub()
	hub.SetDeliverWait(cfg.WebSocket.WriteWait)
	if cfg.Redis.Address != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		relay := ws.NewRedisRelay(rdb, cfg.Redis.ChannelPrefix, hub)
		hub.SetRelay(relay)
		g.Go(func() error { return relay.Run(gctx) })
	} else {
		log.Info().Msg("redis not configured, fan-out is local to this instance")
	}

	wsHandler := ws.NewHandler(hub, verifier, membershipRepo, messageRepo, audit, cfg.WebSocket)
	messageHandler := handlers.NewMessageHandler(membershipRepo, messageRepo, hub, audit, cfg.Messages)

	var ready atomic.Bool
	router := newRouter(cfg, wsHandler, messageHandler, verifier, &ready)

	httpSrv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpLis, err := net.Listen("tcp", httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	grpcSrv := grpcserver.New()
	lis, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.GRPC.Port))
	if err != nil {
		_ = httpLis.Close()
		return fmt.Errorf("listen grpc: %w", err)
	}

	g.Go(func() error {
		log.Info().Str("addr", httpLis.Addr().String()).Msg("http server listening")
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error { return grpcSrv.Serve(gctx, lis) })
	g.Go(func() error {
		<-gctx.Done()
		ready.Store(false)
		grpcSrv.SetServing(false)
		log.Info().Int("live_connections", wsHandler.LiveConnections()).Msg("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := wsHandler.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("websocket drain incomplete")
		}
		return httpSrv.Shutdown(sctx)
	})

	// Both listeners are bound; readiness can be advertised.
	ready.Store(true)
	grpcSrv.SetServing(true)

	return g.Wait()
}

func newRouter(
	cfg *config.Config,
	wsHandler *ws.Handler,
	messageHandler *handlers.MessageHandler,
	verifier auth.Verifier,
	ready *atomic.Bool,
) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		logger.GinMiddleware(),
		otelgin.Middleware(cfg.Telemetry.ServiceName),
		observability.HTTPMetricsMiddleware(),
	)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		if !ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/ws/chat/:chat_id/", wsHandler.Handle)

	api := router.Group("/", middleware.AuthMiddleware(verifier))
	messageHandler.Register(api)

	return router
}
