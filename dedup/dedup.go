// Package dedup coalesces concurrent identical outbound fetches so that N
// logically-identical requests in flight at once cost exactly one network
// call, with every caller receiving an independently consumable response.
package dedup

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/internal/metrics"
)

// Doer is the subset of http.Client the deduplicator dispatches through.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Eligible decides whether a request may be coalesced. The default admits
// GET requests only.
type Eligible func(req *http.Request) bool

func defaultEligible(req *http.Request) bool {
	return req.Method == http.MethodGet
}

// call is one in-flight fetch. The settled result is buffered so each waiter
// can be handed its own body reader; the transport body stream is single-use.
type call struct {
	done   chan struct{}
	status int
	header http.Header
	body   []byte
	err    error
}

func (c *call) response(req *http.Request) (*http.Response, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", c.status, http.StatusText(c.status)),
		StatusCode:    c.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        c.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(c.body)),
		ContentLength: int64(len(c.body)),
		Request:       req,
	}, nil
}

// Deduplicator tracks in-flight fetches by key. The map is the only shared
// mutable state and is guarded by a single mutex; entries are removed
// unconditionally once the underlying fetch settles, so a failed fetch never
// blocks a later retry.
type Deduplicator struct {
	client   Doer
	eligible Eligible
	maxKeys  int

	mu       sync.Mutex
	inFlight map[string]*call
	order    []string // insertion order, for oldest-first eviction
	hits     uint64
	misses   uint64
}

// Option configures a Deduplicator.
type Option func(*Deduplicator)

// WithEligible replaces the default GET-only eligibility predicate.
func WithEligible(fn Eligible) Option {
	return func(d *Deduplicator) { d.eligible = fn }
}

// WithMaxKeys bounds the number of concurrently tracked keys. When the bound
// is hit the oldest tracked key is evicted before a new one is admitted; the
// evicted fetch still completes for its existing waiters.
func WithMaxKeys(n int) Option {
	return func(d *Deduplicator) { d.maxKeys = n }
}

// New creates a Deduplicator dispatching through client.
func New(client Doer, opts ...Option) *Deduplicator {
	d := &Deduplicator{
		client:   client,
		eligible: defaultEligible,
		inFlight: make(map[string]*call),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Key computes the coalescing key for a request. The Authorization header is
// hashed rather than included verbatim so the raw credential is never
// retained in the in-flight map, and so different identities' requests never
// coalesce together.
func Key(req *http.Request) string {
	key := req.Method + " " + req.URL.String()
	if auth := req.Header.Get("Authorization"); auth != "" {
		key += " " + hashCredential(auth)
	}
	return key
}

// hashCredential hashes a credential string, keeping the in-flight map free
// of raw secrets.
func hashCredential(credential string) string {
	hasher := sha256.New()
	hasher.Write([]byte(credential))
	return hex.EncodeToString(hasher.Sum(nil))
}

// Do satisfies the http.Client-shaped interfaces downstream clients dispatch
// through, so a Deduplicator can sit directly in front of them.
func (d *Deduplicator) Do(req *http.Request) (*http.Response, error) {
	return d.Fetch(req)
}

// Fetch dispatches the request, coalescing it onto an identical in-flight
// fetch when eligible. Every return carries an independently readable body.
func (d *Deduplicator) Fetch(req *http.Request) (*http.Response, error) {
	if !d.eligible(req) {
		return d.client.Do(req)
	}

	// The key must exist before any asynchronous work so two callers can
	// never both decide to dispatch.
	key := Key(req)

	d.mu.Lock()
	if c, ok := d.inFlight[key]; ok {
		d.hits++
		d.mu.Unlock()
		metrics.IncDedupHit()

		<-c.done
		return c.response(req)
	}

	if d.maxKeys > 0 && len(d.inFlight) >= d.maxKeys {
		d.evictOldestLocked()
	}

	c := &call{done: make(chan struct{})}
	d.inFlight[key] = c
	d.order = append(d.order, key)
	d.misses++
	d.mu.Unlock()
	metrics.IncDedupMiss()

	d.dispatch(req, c)

	d.mu.Lock()
	if cur, ok := d.inFlight[key]; ok && cur == c {
		delete(d.inFlight, key)
		d.dropKeyLocked(key)
	}
	d.mu.Unlock()

	return c.response(req)
}

// dispatch performs the network call and settles c.
func (d *Deduplicator) dispatch(req *http.Request, c *call) {
	defer close(c.done)

	resp, err := d.client.Do(req)
	if err != nil {
		c.err = err
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.err = fmt.Errorf("failed to read response body: %w", err)
		return
	}

	c.status = resp.StatusCode
	c.header = resp.Header.Clone()
	c.body = body
}

func (d *Deduplicator) evictOldestLocked() {
	for len(d.order) > 0 {
		oldest := d.order[0]
		d.order = d.order[1:]
		if _, ok := d.inFlight[oldest]; ok {
			delete(d.inFlight, oldest)
			log.Debug().Str("key", oldest).Msg("evicted oldest in-flight key")
			return
		}
	}
}

func (d *Deduplicator) dropKeyLocked(key string) {
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

// Stats reports coalescing hits, dispatched misses, and the current number
// of tracked in-flight keys.
func (d *Deduplicator) Stats() (hits, misses uint64, inFlight int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hits, d.misses, len(d.inFlight)
}
