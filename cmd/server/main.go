package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/cache"
	redisstore "github.com/tokengate/tokengate/cache/redis"
	"github.com/tokengate/tokengate/config"
	"github.com/tokengate/tokengate/dedup"
	"github.com/tokengate/tokengate/gateway"
	"github.com/tokengate/tokengate/internal/metrics"
	"github.com/tokengate/tokengate/mirror"
	"github.com/tokengate/tokengate/mongodb"
	"github.com/tokengate/tokengate/tokens"
	"github.com/tokengate/tokengate/upstream"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	initLogger(cfg)
	log.Info().
		Str("http_port", cfg.HTTPPort).
		Str("mongo_db_name", cfg.MongoDBName).
		Str("upstream", cfg.UpstreamBaseURL).
		Msg("Starting tokengate server...")

	metrics.InitCustomMetrics(prometheus.DefaultRegisterer)

	ctx := context.Background()
	if err := mongodb.InitMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize MongoDB")
	}
	defer mongodb.CloseMongoDB(ctx)

	tokenRepo, err := mongodb.NewTokenRepository(ctx, mongodb.GetDB())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize token repository")
	}
	entityRepo, err := mongodb.NewEntityRepository(ctx, mongodb.GetDB())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize entity repository")
	}

	store := newCacheStore(cfg)

	oauthClient := upstream.NewOAuthClient(upstream.OAuthConfig{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		AuthURL:      cfg.OAuthAuthURL,
		TokenURL:     cfg.OAuthTokenURL,
		RedirectURL:  cfg.OAuthRedirectURL,
	})
	tokenService := tokens.NewService(tokenRepo, oauthClient)

	deduplicator := dedup.New(
		&http.Client{Timeout: 30 * time.Second},
		dedup.WithMaxKeys(cfg.DedupMaxKeys),
	)
	entityClient := upstream.NewEntityClient(cfg.UpstreamBaseURL, cfg.UpstreamUserAgent, deduplicator)

	mirrors := []*mirror.Service{
		mirror.NewService(mirror.Config{
			Partition:     "characters",
			TrackedFields: []string{"corporation_id", "alliance_id", "faction_id"},
			AuthIdentity:  cfg.MirrorAuthIdentity,
		}, entityRepo, entityClient, tokenService),
		mirror.NewService(mirror.Config{
			Partition:     "corporations",
			TrackedFields: []string{"alliance_id", "ceo_id"},
		}, entityRepo, entityClient, tokenService),
	}
	for _, m := range mirrors {
		m.Start(ctx)
	}
	defer func() {
		for _, m := range mirrors {
			m.Stop()
		}
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(gateway.RequestLogger())
	gateway.New(tokenService, store, cfg.UpstreamBaseURL, mongodb.Ping).RegisterRoutes(e)

	go func() {
		if err := e.Start(":" + cfg.HTTPPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
}

func initLogger(cfg *config.ServerConfig) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
		log.Warn().
			Str("configured_log_level", cfg.LogLevel).
			Str("fallback_log_level", level.String()).
			Msg("Invalid LOG_LEVEL configured, defaulting to 'info'")
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}

// newCacheStore builds the response cache: Redis when configured, otherwise
// the in-memory TTL store.
func newCacheStore(cfg *config.ServerConfig) cache.Store {
	if cfg.RedisAddr == "" {
		log.Info().Msg("REDIS_ADDR not set, using in-memory response cache")
		return cache.NewMemoryStore()
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	log.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis response cache")
	return redisstore.NewStore(client, cfg.RedisKeyPrefix)
}
