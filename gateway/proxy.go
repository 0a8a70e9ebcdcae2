package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/cache"
	"github.com/tokengate/tokengate/domain"
	"github.com/tokengate/tokengate/internal/metrics"
	"github.com/tokengate/tokengate/upstream"
)

const (
	headerXCache = "X-Cache"

	cacheHit    = "HIT"
	cacheMiss   = "MISS"
	cacheBypass = "BYPASS"
)

var proxyTokenShape = regexp.MustCompile(`^[0-9a-f]{64}$`)

// forwardedHeaders are the request headers passed through to upstream.
var forwardedHeaders = []string{
	"Accept-Language",
	"If-None-Match",
	"If-Modified-Since",
	"User-Agent",
}

// hopByHop headers never replay to the client or into the cache.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// ProxyHandler authenticates the proxy token, consults the cache for GETs,
// and otherwise forwards the request upstream with the real access token.
func (g *Gateway) ProxyHandler(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()

	proxyToken, ok := bearerToken(req)
	if !ok {
		log.Ctx(ctx).Debug().Str("reason", "missing_authorization").Msg("rejected")
		return c.JSON(http.StatusUnauthorized, domain.NewAuthError("missing bearer credential"))
	}
	if !proxyTokenShape.MatchString(proxyToken) {
		log.Ctx(ctx).Debug().Str("reason", "malformed_proxy_token").Msg("rejected")
		return c.JSON(http.StatusUnauthorized, domain.NewAuthError("malformed proxy token"))
	}

	record, err := g.tokens.FindByProxyToken(ctx, proxyToken)
	if errors.Is(err, domain.ErrNotFound) {
		log.Ctx(ctx).Debug().Str("reason", "unknown_proxy_token").Msg("rejected")
		return c.JSON(http.StatusUnauthorized, domain.NewAuthError("unknown proxy token"))
	}
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("proxy token lookup failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "token lookup failed"})
	}

	// The proxy token is always part of the key, so one user's cached
	// responses can never bleed into another's.
	key := cacheKey(req, proxyToken)
	bypass := req.URL.Query().Has("nocache")
	cacheable := req.Method == http.MethodGet && !bypass

	if cacheable {
		if entry, found := g.store.Get(ctx, key); found {
			metrics.IncProxyCacheHit()
			return replay(c, entry, cacheHit)
		}
	}

	resp, err := g.forward(c, record.AccessToken)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("upstream request failed")
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "upstream unreachable"})
	}
	defer resp.Body.Close()

	if cacheable && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("failed to read upstream body")
			return c.JSON(http.StatusBadGateway, map[string]string{"error": "upstream read failed"})
		}

		entry := &cache.Entry{
			Body:    string(body),
			Headers: replayableHeaders(resp.Header),
			Status:  resp.StatusCode,
		}
		// A cache write failure degrades to an uncached response.
		if err := g.store.Set(ctx, key, entry, upstream.Freshness(resp.Header)); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("cache write failed")
		}

		metrics.IncProxyCacheMiss()
		return replay(c, entry, cacheMiss)
	}

	metrics.IncProxyCacheBypass()
	return passthrough(c, resp)
}

// forward builds and dispatches the upstream request, substituting the real
// access token for the proxy token.
func (g *Gateway) forward(c echo.Context, accessToken string) (*http.Response, error) {
	req := c.Request()

	upstreamURL := g.upstreamURL + req.URL.Path
	if req.URL.RawQuery != "" {
		upstreamURL += "?" + req.URL.RawQuery
	}

	var body io.Reader
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		body = req.Body
	}

	out, err := http.NewRequestWithContext(req.Context(), req.Method, upstreamURL, body)
	if err != nil {
		return nil, err
	}
	for _, name := range forwardedHeaders {
		if value := req.Header.Get(name); value != "" {
			out.Header.Set(name, value)
		}
	}
	if value := req.Header.Get("Content-Type"); value != "" && body != nil {
		out.Header.Set("Content-Type", value)
	}
	out.Header.Set("Authorization", "Bearer "+accessToken)

	return g.client.Do(out)
}

// cacheKey derives the cache key from everything that can change the
// response: method, path, query, language, and the caller's proxy token.
func cacheKey(req *http.Request, proxyToken string) string {
	hasher := sha256.New()
	for _, part := range []string{
		req.Method,
		req.URL.Path,
		req.URL.RawQuery,
		req.Header.Get("Accept-Language"),
		proxyToken,
	} {
		hasher.Write([]byte(part))
		hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

func replayableHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name := range h {
		canonical := http.CanonicalHeaderKey(name)
		if hopByHop[canonical] || canonical == "Content-Length" {
			continue
		}
		out[canonical] = h.Get(name)
	}
	return out
}

// replay reconstructs a response from a cache entry verbatim.
func replay(c echo.Context, entry *cache.Entry, verdict string) error {
	header := c.Response().Header()
	for name, value := range entry.Headers {
		header.Set(name, value)
	}
	header.Set(headerXCache, verdict)
	c.Response().WriteHeader(entry.Status)
	_, err := io.WriteString(c.Response(), entry.Body)
	return err
}

// passthrough streams a non-cacheable upstream response unchanged.
func passthrough(c echo.Context, resp *http.Response) error {
	header := c.Response().Header()
	for name, values := range resp.Header {
		canonical := http.CanonicalHeaderKey(name)
		if hopByHop[canonical] {
			continue
		}
		for _, value := range values {
			header.Add(canonical, value)
		}
	}
	header.Set(headerXCache, cacheBypass)
	c.Response().WriteHeader(resp.StatusCode)
	_, err := io.Copy(c.Response(), resp.Body)
	return err
}

// bearerToken extracts the bearer credential from the Authorization header.
func bearerToken(req *http.Request) (string, bool) {
	auth := req.Header.Get("Authorization")
	token, found := strings.CutPrefix(auth, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}
