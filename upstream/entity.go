package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tokengate/tokengate/domain"
)

// DefaultFreshness is used when upstream sends no usable Cache-Control hint.
const DefaultFreshness = 300 * time.Second

// BulkLimit is the provider-imposed maximum number of ids per bulk lookup.
const BulkLimit = 100

// Doer dispatches HTTP requests; in production it is the request
// deduplicator wrapping a timeout-bounded http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// EntityClient talks to the upstream REST entity API: single-entity GET and
// bulk POST lookups.
type EntityClient struct {
	baseURL   string
	userAgent string
	client    Doer
}

// NewEntityClient creates an EntityClient. client is typically the request
// deduplicator so concurrent identical lookups coalesce.
func NewEntityClient(baseURL, userAgent string, client Doer) *EntityClient {
	return &EntityClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		client:    client,
	}
}

// FetchEntity fetches a single entity. accessToken may be empty for public
// partitions. Returns the decoded fields and the upstream freshness hint.
func (c *EntityClient) FetchEntity(ctx context.Context, partition string, id int64, accessToken string) (map[string]any, time.Duration, error) {
	url := fmt.Sprintf("%s/%s/%d", c.baseURL, partition, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build entity request: %w", err)
	}
	c.decorate(req, accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, domain.NewUpstreamTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, domain.NewUpstreamTransportError(err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, 0, domain.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, domain.NewUpstreamStatusError(resp.StatusCode, string(body))
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal entity %d: %w", id, err)
	}

	return fields, Freshness(resp.Header), nil
}

// FetchEntities performs one bulk POST lookup for up to BulkLimit ids.
// The result maps each resolved id to its fields; ids upstream does not know
// are absent from the map.
func (c *EntityClient) FetchEntities(ctx context.Context, partition string, ids []int64, accessToken string) (map[int64]map[string]any, time.Duration, error) {
	if len(ids) > BulkLimit {
		return nil, 0, domain.NewValidationError(fmt.Sprintf("bulk lookup limited to %d ids", BulkLimit))
	}

	payload, err := json.Marshal(ids)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal id list: %w", err)
	}

	url := fmt.Sprintf("%s/%s/bulk", c.baseURL, partition)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build bulk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req, accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, domain.NewUpstreamTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, domain.NewUpstreamTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, domain.NewUpstreamStatusError(resp.StatusCode, string(body))
	}

	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal bulk response: %w", err)
	}

	result := make(map[int64]map[string]any, len(rows))
	for _, row := range rows {
		id, ok := entityID(row)
		if !ok {
			continue
		}
		result[id] = row
	}

	return result, Freshness(resp.Header), nil
}

func (c *EntityClient) decorate(req *http.Request, accessToken string) {
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
}

// entityID pulls the numeric id out of a bulk-response row. JSON numbers
// decode as float64.
func entityID(row map[string]any) (int64, bool) {
	switch v := row["id"].(type) {
	case float64:
		return int64(v), true
	case json.Number:
		id, err := v.Int64()
		return id, err == nil
	default:
		return 0, false
	}
}

// Freshness derives a TTL from the response's Cache-Control max-age,
// falling back to DefaultFreshness when absent or unparsable.
func Freshness(h http.Header) time.Duration {
	if ttl, ok := ParseMaxAge(h.Get("Cache-Control")); ok {
		return ttl
	}
	return DefaultFreshness
}

// ParseMaxAge extracts the max-age directive from a Cache-Control value.
func ParseMaxAge(cacheControl string) (time.Duration, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		value, found := strings.CutPrefix(directive, "max-age=")
		if !found {
			continue
		}
		seconds, err := strconv.Atoi(value)
		if err != nil || seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}
