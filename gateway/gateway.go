// Package gateway is the externally-facing reverse proxy. It authenticates
// every request via a proxy token, serves idempotent responses from cache
// when possible, and otherwise forwards upstream with the real credential
// substituted in.
package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/cache"
	"github.com/tokengate/tokengate/domain"
)

// TokenResolver resolves a proxy token to its token record, refreshing the
// upstream credential when needed. Satisfied by *tokens.Service.
type TokenResolver interface {
	FindByProxyToken(ctx context.Context, proxyToken string) (*domain.TokenRecord, error)
}

// Pinger reports storage health for the health endpoint.
type Pinger func(ctx context.Context) error

// Gateway proxies client traffic to the upstream API. Each request is
// stateless; all cross-request state lives in the cache store and the token
// service.
type Gateway struct {
	tokens      TokenResolver
	store       cache.Store
	upstreamURL string
	client      *http.Client
	ping        Pinger
}

// New creates a Gateway. upstreamURL is the base URL requests are forwarded
// to; ping may be nil.
func New(tokens TokenResolver, store cache.Store, upstreamURL string, ping Pinger) *Gateway {
	return &Gateway{
		tokens:      tokens,
		store:       store,
		upstreamURL: strings.TrimRight(upstreamURL, "/"),
		client:      &http.Client{Timeout: 30 * time.Second},
		ping:        ping,
	}
}

// RegisterRoutes registers the proxy and operational routes.
func (g *Gateway) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", g.HealthHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.Any("/*", g.ProxyHandler)
}

// HealthHandler reports liveness, pinging the durable store when wired.
func (g *Gateway) HealthHandler(c echo.Context) error {
	if g.ping != nil {
		if err := g.ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// RequestLogger logs every request with latency and status fields and tags
// the context with a request id.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := uuid.NewString()

			logger := log.With().Str("request_id", requestID).Logger()
			ctx := logger.WithContext(c.Request().Context())
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)

			logger.Info().
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("x_cache", c.Response().Header().Get(headerXCache)).
				Msg("request")
			return err
		}
	}
}
