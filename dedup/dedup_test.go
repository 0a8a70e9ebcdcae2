package dedup

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokengate/tokengate/upstream"
)

var _ upstream.Doer = (*Deduplicator)(nil)

// gateDoer blocks every dispatch until released, so concurrent callers are
// guaranteed to overlap.
type gateDoer struct {
	calls   atomic.Int32
	release chan struct{}
	doer    Doer
}

func (g *gateDoer) Do(req *http.Request) (*http.Response, error) {
	g.calls.Add(1)
	if g.release != nil {
		<-g.release
	}
	return g.doer.Do(req)
}

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestFetch_ConcurrentIdenticalRequestsCoalesce(t *testing.T) {
	server := newUpstream(t)
	gate := &gateDoer{release: make(chan struct{}), doer: http.DefaultClient}
	d := New(gate)

	const callers = 5
	bodies := make([]string, callers)
	var wg sync.WaitGroup

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, server.URL+"/v1/thing", nil)
			require.NoError(t, err)
			resp, err := d.Fetch(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			b, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			bodies[i] = string(b)
		}(i)
	}

	// Hold the single dispatch until every other caller has joined it.
	for {
		hits, misses, _ := d.Stats()
		if misses == 1 && hits == callers-1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	close(gate.release)
	wg.Wait()

	assert.Equal(t, int32(1), gate.calls.Load(), "expected exactly one network call")
	for _, b := range bodies {
		assert.Equal(t, `{"ok":true}`, b, "each caller must get a full body copy")
	}

	hits, misses, inFlight := d.Stats()
	assert.Equal(t, uint64(callers-1), hits)
	assert.Equal(t, uint64(1), misses)
	assert.Equal(t, 0, inFlight, "entry must be removed once settled")
}

func TestFetch_SequentialIdenticalRequestsDispatchEachTime(t *testing.T) {
	server := newUpstream(t)
	gate := &gateDoer{doer: http.DefaultClient}
	d := New(gate)

	for i := 0; i < 5; i++ {
		req, err := http.NewRequest(http.MethodGet, server.URL+"/v1/thing", nil)
		require.NoError(t, err)
		resp, err := d.Fetch(req)
		require.NoError(t, err)
		resp.Body.Close()
	}

	assert.Equal(t, int32(5), gate.calls.Load())
}

func TestFetch_IneligibleRequestsDispatchDirectly(t *testing.T) {
	server := newUpstream(t)
	gate := &gateDoer{doer: http.DefaultClient}
	d := New(gate)

	req, err := http.NewRequest(http.MethodPost, server.URL+"/v1/thing", nil)
	require.NoError(t, err)
	resp, err := d.Fetch(req)
	require.NoError(t, err)
	resp.Body.Close()

	_, misses, _ := d.Stats()
	assert.Zero(t, misses, "ineligible requests must not be tracked")
}

type errDoer struct{ calls atomic.Int32 }

func (e *errDoer) Do(*http.Request) (*http.Response, error) {
	e.calls.Add(1)
	return nil, errors.New("connection refused")
}

func TestFetch_FailedFetchDoesNotBlockRetry(t *testing.T) {
	doer := &errDoer{}
	d := New(doer)

	req, err := http.NewRequest(http.MethodGet, "http://upstream.invalid/v1/thing", nil)
	require.NoError(t, err)

	_, err = d.Fetch(req)
	require.Error(t, err)
	_, err = d.Fetch(req)
	require.Error(t, err)

	assert.Equal(t, int32(2), doer.calls.Load(), "a failed fetch must not pin its key")
}

func TestDo_CoalescesLikeFetch(t *testing.T) {
	server := newUpstream(t)
	gate := &gateDoer{doer: http.DefaultClient}
	d := New(gate)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/v1/thing", nil)
	require.NoError(t, err)
	resp, err := d.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(b))

	_, misses, _ := d.Stats()
	assert.Equal(t, uint64(1), misses, "Do must go through the coalescing path")
}

func TestKey_HashesAuthorizationHeader(t *testing.T) {
	withAuth, err := http.NewRequest(http.MethodGet, "http://upstream.invalid/v1/thing", nil)
	require.NoError(t, err)
	withAuth.Header.Set("Authorization", "Bearer super-secret")

	withOtherAuth, err := http.NewRequest(http.MethodGet, "http://upstream.invalid/v1/thing", nil)
	require.NoError(t, err)
	withOtherAuth.Header.Set("Authorization", "Bearer other-secret")

	bare, err := http.NewRequest(http.MethodGet, "http://upstream.invalid/v1/thing", nil)
	require.NoError(t, err)

	assert.NotEqual(t, Key(withAuth), Key(withOtherAuth), "different identities must not coalesce")
	assert.NotEqual(t, Key(withAuth), Key(bare))
	assert.NotContains(t, Key(withAuth), "super-secret", "raw credential must not appear in the key")
}

func TestFetch_MaxKeysEvictsOldest(t *testing.T) {
	server := newUpstream(t)
	gate := &gateDoer{release: make(chan struct{}), doer: http.DefaultClient}
	d := New(gate, WithMaxKeys(1))

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		req, _ := http.NewRequest(http.MethodGet, server.URL+"/a", nil)
		resp, err := d.Fetch(req)
		if err == nil {
			resp.Body.Close()
		}
	}()

	// Wait until the first fetch is tracked.
	for {
		_, misses, inFlight := d.Stats()
		if misses == 1 && inFlight == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		req, _ := http.NewRequest(http.MethodGet, server.URL+"/b", nil)
		resp, err := d.Fetch(req)
		if err == nil {
			resp.Body.Close()
		}
	}()

	for {
		_, misses, inFlight := d.Stats()
		if misses == 2 {
			assert.Equal(t, 1, inFlight, "oldest key must be evicted at the bound")
			break
		}
		time.Sleep(time.Millisecond)
	}

	close(gate.release)
	<-firstDone
	<-secondDone
}
