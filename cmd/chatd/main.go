// chatd is the encrypted chat daemon: REST API plus the realtime websocket
// channel, over pluggable storage backends.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"cipherchat/internal/config"
	"cipherchat/internal/database"
	chathandler "cipherchat/internal/handler/http/chat"
	"cipherchat/internal/handler/ws"
	"cipherchat/internal/keydirectory"
	"cipherchat/internal/keystore"
	"cipherchat/internal/media"
	"cipherchat/internal/middleware"
	"cipherchat/internal/presence"
	"cipherchat/internal/session"
	"cipherchat/internal/store"
	"cipherchat/pkg/jwt"
	"cipherchat/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger.InitDefault()
	defer logger.Sync()

	cfg := config.Load()
	if cfg.JWTSecret == "" {
		logger.Fatal("JWT_SECRET is required")
	}

	ctx := context.Background()
	backends, err := buildBackends(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialize backends", zap.Error(err))
	}
	defer backends.close()

	// One session per authenticated identity: the crypto engine carries the
	// active key pair, so it can never be shared across users
	sessions := session.NewRegistry(session.Deps{
		KeyStore:  backends.keys,
		Directory: backends.directory,
		Convs:     backends.convs,
		Msgs:      backends.msgs,
		Blobs:     backends.blobs,
		DeviceID:  cfg.DeviceID,
	})

	tokens := jwt.NewManager(cfg.JWTSecret, cfg.JWTTTL)
	hub := ws.NewHub(sessions, backends.presence)
	api := chathandler.NewHandler(sessions, backends.presence)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORS(cfg.AllowedOrigins))
	router.Use(middleware.Prometheus())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.Auth(tokens))
	api.RegisterRoutes(v1)
	v1.GET("/ws", hub.ServeWS)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("chatd listening",
			zap.String("port", cfg.Port),
			zap.Bool("memory_stores", cfg.UseMemoryStores),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("chatd stopped")
}

// backends bundles the storage layer so main can wire either the in-memory
// stack or the external services from one switch.
type backends struct {
	keys      keystore.Store
	directory keydirectory.Store
	convs     store.ConversationStore
	msgs      store.MessageStore
	blobs     media.BlobStore
	presence  presence.Store

	closers []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func buildBackends(ctx context.Context, cfg config.Config) (*backends, error) {
	if cfg.UseMemoryStores {
		return &backends{
			keys:      keystore.NewMemoryStore(),
			directory: keydirectory.NewMemoryStore(),
			convs:     store.NewMemoryConversationStore(),
			msgs:      store.NewMemoryMessageStore(),
			blobs:     media.NewMemoryBlobStore(),
			presence:  presence.NewMemoryStore(),
		}, nil
	}

	b := &backends{}

	sqliteKeys, err := keystore.OpenSQLite(cfg.KeyStorePath)
	if err != nil {
		return nil, err
	}
	b.keys = sqliteKeys
	b.closers = append(b.closers, func() { sqliteKeys.Close() })

	redisClient, err := database.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		b.close()
		return nil, err
	}
	b.directory = keydirectory.NewRedisStore(redisClient)
	b.presence = presence.NewRedisStore(redisClient)
	b.closers = append(b.closers, func() { redisClient.Close() })

	pool, err := database.NewCockroachPool(ctx, cfg.Cockroach)
	if err != nil {
		b.close()
		return nil, err
	}
	b.convs = store.NewCockroachConversationStore(pool)
	b.closers = append(b.closers, pool.Close)

	session, err := database.NewCassandraSession(cfg.Cassandra)
	if err != nil {
		b.close()
		return nil, err
	}
	b.msgs = store.NewCassandraMessageStore(session)
	b.closers = append(b.closers, session.Close)

	blobs, err := media.NewMinIOBlobStore(ctx, cfg.MinIOEndpoint,
		cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOBucket, cfg.MinIOSecure)
	if err != nil {
		b.close()
		return nil, err
	}
	b.blobs = blobs

	return b, nil
}
