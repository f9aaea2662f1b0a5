package client

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vyrodovalexey/avsvclient/internal/cache"
	"github.com/vyrodovalexey/avsvclient/internal/config"
	"github.com/vyrodovalexey/avsvclient/internal/observability"
	"github.com/vyrodovalexey/avsvclient/internal/registry"
)

func testServiceConfig() config.ServiceConfig {
	return config.ServiceConfig{
		Timeout:       config.Duration(2 * time.Second),
		RetryAttempts: 3,
		RetryDelay:    config.Duration(time.Millisecond),
		RetryBackoff:  2.0,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			OpenTimeout:      config.Duration(time.Minute),
		},
	}
}

func registerServer(t *testing.T, reg *registry.Registry, name string, srv *httptest.Server) {
	t.Helper()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	require.NoError(t, reg.Register(registry.NewDescriptor(name, host, port)))
}

type transportFunc func(*http.Request) (*http.Response, error)

func (f transportFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }

func TestClient_SuccessfulCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/42", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("verbose"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":42,"name":"ada"}`))
	}))
	defer srv.Close()

	reg := registry.New()
	registerServer(t, reg, "users", srv)

	c := New("users", testServiceConfig(), reg)
	res := c.Get(context.Background(), "/users/42", url.Values{"verbose": []string{"1"}})

	require.True(t, res.Success)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "users", res.ServiceName)
	assert.Equal(t, "GET /users/42", res.Endpoint)
	assert.False(t, res.FromCache)

	var user struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	require.NoError(t, res.DecodeJSON(&user))
	assert.Equal(t, 42, user.ID)
	assert.Equal(t, "ada", user.Name)
}

func TestClient_PostMarshalsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"name":"ada"}`, string(body))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	defer srv.Close()

	reg := registry.New()
	registerServer(t, reg, "users", srv)

	c := New("users", testServiceConfig(), reg)
	res := c.Post(context.Background(), "/users", map[string]string{"name": "ada"})

	require.True(t, res.Success)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
}

func TestClient_DefaultHeadersApplied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token-1", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "override", r.Header.Get("X-Tenant"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := registry.New()
	registerServer(t, reg, "users", srv)

	cfg := testServiceConfig()
	cfg.DefaultHeaders = map[string]string{"X-Api-Key": "token-1", "X-Tenant": "default"}

	c := New("users", cfg, reg)
	res := c.Call(context.Background(), CallSpec{
		Method:  http.MethodGet,
		Path:    "/users",
		Headers: http.Header{"X-Tenant": []string{"override"}},
	})
	require.True(t, res.Success)
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	reg := registry.New()
	registerServer(t, reg, "users", srv)

	c := New("users", testServiceConfig(), reg)
	res := c.Get(context.Background(), "/users", nil)

	require.True(t, res.Success)
	assert.Equal(t, int64(3), calls.Load())
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no such user"}`))
	}))
	defer srv.Close()

	reg := registry.New()
	registerServer(t, reg, "users", srv)

	c := New("users", testServiceConfig(), reg)
	res := c.Get(context.Background(), "/users/99", nil)

	require.False(t, res.Success)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	var statusErr *StatusError
	require.ErrorAs(t, res.Err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Status)
	assert.False(t, statusErr.IsServerError())

	// 4xx responses do not trip the breaker.
	for _, stats := range c.BreakerStats() {
		assert.Equal(t, 0, stats.ConsecutiveFailures)
	}
}

func TestClient_BreakerOpensAndFailsFast(t *testing.T) {
	var calls atomic.Int64
	failing := transportFunc(func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, io.ErrUnexpectedEOF
	})

	reg := registry.New()
	require.NoError(t, reg.Register(registry.NewDescriptor("users", "10.0.0.1", 80)))

	c := New("users", testServiceConfig(), reg, WithTransport(failing))

	// Three failed attempts exhaust the retry budget and open the
	// breaker (failure threshold 3).
	res := c.Get(context.Background(), "/users", nil)
	require.False(t, res.Success)
	var transportErr *TransportError
	assert.ErrorAs(t, res.Err, &transportErr)
	assert.Equal(t, int64(3), calls.Load())

	// The next call fails fast with no transport attempt.
	res = c.Get(context.Background(), "/users", nil)
	require.False(t, res.Success)
	var circuitErr *CircuitOpenError
	assert.ErrorAs(t, res.Err, &circuitErr)
	assert.Equal(t, int64(3), calls.Load())
}

func TestClient_FailsOverBetweenInstances(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	reg := registry.New()
	// A dead instance sorts first so round-robin hits it on the first
	// attempt; the retry resolves the live one.
	require.NoError(t, reg.Register(registry.NewDescriptor("users", "10.255.255.1", 80)))
	registerServer(t, reg, "users", srv)

	cfg := testServiceConfig()
	cfg.Timeout = config.Duration(200 * time.Millisecond)

	c := New("users", cfg, reg)
	res := c.Get(context.Background(), "/users", nil)
	assert.True(t, res.Success)
}

func TestClient_TimeoutSurfacesTypedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := registry.New()
	registerServer(t, reg, "slow", srv)

	cfg := testServiceConfig()
	cfg.Timeout = config.Duration(50 * time.Millisecond)
	cfg.RetryAttempts = 1

	c := New("slow", cfg, reg)
	res := c.Get(context.Background(), "/report", nil)

	require.False(t, res.Success)
	var timeoutErr *TimeoutError
	assert.ErrorAs(t, res.Err, &timeoutErr)
}

func TestClient_StaticHostFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := testServiceConfig()
	cfg.Host = host
	cfg.Port = port

	// Empty registry: the configured static host serves the call.
	c := New("users", cfg, registry.New())
	res := c.Get(context.Background(), "/users", nil)
	assert.True(t, res.Success)
}

func TestClient_NoInstanceAvailable(t *testing.T) {
	c := New("ghost", testServiceConfig(), registry.New())
	res := c.Get(context.Background(), "/anything", nil)

	require.False(t, res.Success)
	assert.ErrorIs(t, res.Err, registry.ErrNotFound)
}

func TestClient_CachedResponseSkipsTransport(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"total":7}`))
	}))
	defer srv.Close()

	reg := registry.New()
	registerServer(t, reg, "stats", srv)

	store, err := cache.New(&config.CacheConfig{
		Enabled: true,
		Type:    config.CacheTypeMemory,
		TTL:     config.Duration(time.Minute),
	}, observability.NopLogger())
	require.NoError(t, err)
	defer store.Close()

	c := New("stats", testServiceConfig(), reg, WithCache(store))
	spec := CallSpec{Method: http.MethodGet, Path: "/stats", CacheTTL: 100 * time.Millisecond}

	res := c.Call(context.Background(), spec)
	require.True(t, res.Success)
	assert.False(t, res.FromCache)
	assert.Equal(t, int64(1), calls.Load())

	res = c.Call(context.Background(), spec)
	require.True(t, res.Success)
	assert.True(t, res.FromCache)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, []byte(`{"total":7}`), res.Data)
	assert.Equal(t, int64(1), calls.Load())

	// After the TTL the transport is exercised again.
	time.Sleep(150 * time.Millisecond)
	res = c.Call(context.Background(), spec)
	require.True(t, res.Success)
	assert.False(t, res.FromCache)
	assert.Equal(t, int64(2), calls.Load())
}

func TestClient_CacheHitServedWhileBreakerOpen(t *testing.T) {
	var calls atomic.Int64
	transport := transportFunc(func(req *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{},
				Body:       io.NopCloser(strings.NewReader(`{"total":7}`)),
			}, nil
		}
		return nil, io.ErrUnexpectedEOF
	})

	reg := registry.New()
	require.NoError(t, reg.Register(registry.NewDescriptor("stats", "10.0.0.1", 80)))

	store, err := cache.New(&config.CacheConfig{
		Enabled: true,
		Type:    config.CacheTypeMemory,
		TTL:     config.Duration(time.Minute),
	}, observability.NopLogger())
	require.NoError(t, err)
	defer store.Close()

	cfg := testServiceConfig()
	cfg.RetryAttempts = 2
	cfg.CircuitBreaker.FailureThreshold = 2

	c := New("stats", cfg, reg, WithTransport(transport), WithCache(store))
	cached := CallSpec{Method: http.MethodGet, Path: "/stats", CacheTTL: time.Minute}

	// Warm the cache.
	res := c.Call(context.Background(), cached)
	require.True(t, res.Success)
	require.Equal(t, int64(1), calls.Load())

	// Trip the breaker on the same endpoint via an uncached call shape:
	// the query changes the cache key but not the breaker key.
	tripping := cached
	tripping.Query = url.Values{"fresh": []string{"1"}}
	tripping.CacheTTL = 0
	res = c.Call(context.Background(), tripping)
	require.False(t, res.Success)
	require.Equal(t, int64(3), calls.Load())

	// The cached response is served even though the breaker is open.
	res = c.Call(context.Background(), cached)
	require.True(t, res.Success)
	assert.True(t, res.FromCache)
	assert.Equal(t, []byte(`{"total":7}`), res.Data)
	assert.Equal(t, int64(3), calls.Load())

	// A cache miss under the open breaker fails fast with no transport
	// attempt.
	missing := cached
	missing.Query = url.Values{"fresh": []string{"2"}}
	res = c.Call(context.Background(), missing)
	require.False(t, res.Success)
	var circuitErr *CircuitOpenError
	assert.ErrorAs(t, res.Err, &circuitErr)
	assert.Equal(t, int64(3), calls.Load())
}

func TestClient_CachesErrorOutcomes(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	reg := registry.New()
	registerServer(t, reg, "stats", srv)

	store, err := cache.New(&config.CacheConfig{
		Enabled: true,
		Type:    config.CacheTypeMemory,
		TTL:     config.Duration(time.Minute),
	}, observability.NopLogger())
	require.NoError(t, err)
	defer store.Close()

	c := New("stats", testServiceConfig(), reg, WithCache(store))
	spec := CallSpec{
		Method:      http.MethodGet,
		Path:        "/stats",
		CacheTTL:    time.Minute,
		CacheErrors: true,
	}

	res := c.Call(context.Background(), spec)
	require.False(t, res.Success)
	assert.False(t, res.FromCache)
	require.Equal(t, int64(1), calls.Load())

	// The failure is replayed from the cache without a transport hit.
	res = c.Call(context.Background(), spec)
	require.False(t, res.Success)
	assert.True(t, res.FromCache)
	var cachedErr *cache.CachedError
	assert.ErrorAs(t, res.Err, &cachedErr)
	assert.Equal(t, int64(1), calls.Load())

	// Without CacheErrors, failures are recomputed every time.
	plain := spec
	plain.CacheErrors = false
	plain.Query = url.Values{"mode": []string{"plain"}}
	_ = c.Call(context.Background(), plain)
	_ = c.Call(context.Background(), plain)
	assert.Equal(t, int64(3), calls.Load())
}

func TestClient_InvalidateCache(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`v`))
	}))
	defer srv.Close()

	reg := registry.New()
	registerServer(t, reg, "stats", srv)

	store, err := cache.New(&config.CacheConfig{
		Enabled: true,
		Type:    config.CacheTypeMemory,
		TTL:     config.Duration(time.Minute),
	}, observability.NopLogger())
	require.NoError(t, err)
	defer store.Close()

	c := New("stats", testServiceConfig(), reg, WithCache(store))
	spec := CallSpec{Method: http.MethodGet, Path: "/stats", CacheTTL: time.Minute}

	_ = c.Call(context.Background(), spec)
	require.NoError(t, c.InvalidateCache(context.Background(), spec))

	_ = c.Call(context.Background(), spec)
	assert.Equal(t, int64(2), calls.Load())
}

func TestClient_CallManyIsolatesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/broken") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	reg := registry.New()
	registerServer(t, reg, "users", srv)

	c := New("users", testServiceConfig(), reg)

	specs := []CallSpec{
		{Method: http.MethodGet, Path: "/a"},
		{Method: http.MethodGet, Path: "/b"},
		{Method: http.MethodGet, Path: "/broken"},
		{Method: http.MethodGet, Path: "/c"},
		{Method: http.MethodGet, Path: "/d"},
	}
	results := c.CallMany(context.Background(), specs)
	require.Len(t, results, 5)

	for i, res := range results {
		if i == 2 {
			assert.False(t, res.Success)
			assert.Equal(t, http.StatusNotFound, res.StatusCode)
			continue
		}
		assert.True(t, res.Success, "call %d", i)
		assert.Equal(t, []byte(specs[i].Path), res.Data)
	}
}

func TestResult_Unwrap(t *testing.T) {
	ok := successResult("users", "GET /users", 200, []byte("x"), false)
	data, err := ok.Unwrap()
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)

	boom := errors.New("down")
	bad := failureResult("users", "GET /users", 0, boom)
	_, err = bad.Unwrap()
	assert.ErrorIs(t, err, boom)
}

func TestCountsAsFailure(t *testing.T) {
	assert.True(t, countsAsFailure(&TransportError{Err: errors.New("x")}))
	assert.True(t, countsAsFailure(&TimeoutError{Err: errors.New("x")}))
	assert.True(t, countsAsFailure(&StatusError{Status: 503}))
	assert.False(t, countsAsFailure(&StatusError{Status: 404}))
	assert.False(t, countsAsFailure(&CircuitOpenError{}))
	assert.False(t, countsAsFailure(&ValidationError{}))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(&StatusError{Status: 502}))
	assert.True(t, isRetryable(&TimeoutError{Err: context.DeadlineExceeded}))
	assert.False(t, isRetryable(&StatusError{Status: 400}))
	assert.False(t, isRetryable(&CircuitOpenError{}))
	assert.False(t, isRetryable(&ValidationError{}))

	// Transport errors are judged by their cause: dropped connections
	// retry, unresolvable targets and gRPC contract errors do not.
	assert.True(t, isRetryable(&TransportError{Err: io.ErrUnexpectedEOF}))
	assert.True(t, isRetryable(&TransportError{Err: status.Error(codes.Unavailable, "backend down")}))
	assert.False(t, isRetryable(&TransportError{Err: registry.ErrNotFound}))
	assert.False(t, isRetryable(&TransportError{Err: status.Error(codes.InvalidArgument, "bad request")}))
}
