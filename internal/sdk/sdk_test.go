package sdk

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avsvclient/internal/client"
	"github.com/vyrodovalexey/avsvclient/internal/config"
	"github.com/vyrodovalexey/avsvclient/internal/registry"
	"github.com/vyrodovalexey/avsvclient/internal/typed"
)

func testConfig() *config.Config {
	return &config.Config{
		Services: map[string]config.ServiceConfig{
			"users": {
				Timeout:       config.Duration(2 * time.Second),
				RetryAttempts: 1,
				RetryDelay:    config.Duration(time.Millisecond),
			},
		},
		Cache: config.CacheConfig{Enabled: false},
	}
}

func newSDK(t *testing.T, cfg *config.Config) *SDK {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func serverAddr(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestSDK_RegisterAndDiscover(t *testing.T) {
	s := newSDK(t, testConfig())

	require.NoError(t, s.RegisterExternalService("users", "10.0.0.1", 8080,
		WithVersion("1.2.0"), WithMetadata(map[string]string{"zone": "a"})))

	instances := s.DiscoverServices("users", "")
	require.Len(t, instances, 1)
	assert.Equal(t, "1.2.0", instances[0].Version)
	assert.Equal(t, "a", instances[0].Metadata["zone"])

	assert.Empty(t, s.DiscoverServices("users", ">=2.0.0"))
}

func TestSDK_GetServiceEndpoint(t *testing.T) {
	s := newSDK(t, testConfig())

	_, err := s.GetServiceEndpoint("users")
	require.ErrorIs(t, err, registry.ErrNotFound)

	require.NoError(t, s.RegisterExternalService("users", "10.0.0.1", 8080, WithProtocol("https")))

	endpoint, err := s.GetServiceEndpoint("users")
	require.NoError(t, err)
	assert.Equal(t, "https://10.0.0.1:8080", endpoint)
}

func TestSDK_CurrentServiceLifecycle(t *testing.T) {
	s := newSDK(t, testConfig())

	require.NoError(t, s.RegisterCurrentService("orders", "10.0.0.9", 9000))
	require.Len(t, s.DiscoverServices("orders", ""), 1)

	require.NoError(t, s.DeregisterCurrentService())
	assert.Empty(t, s.DiscoverServices("orders", ""))

	// Second call is a no-op once nothing is registered.
	require.NoError(t, s.DeregisterCurrentService())
}

func TestSDK_GetClientIsCached(t *testing.T) {
	s := newSDK(t, testConfig())

	a := s.GetClient("users")
	b := s.GetClient("users")
	assert.Same(t, a, b)
	assert.NotSame(t, a, s.GetClient("orders"))
}

func TestSDK_CallThroughRegisteredInstance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/users/42", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "42"})
	}))
	defer srv.Close()

	s := newSDK(t, testConfig())
	host, port := serverAddr(t, srv)
	require.NoError(t, s.RegisterExternalService("users", host, port))

	res := s.Call(context.Background(), "users", client.CallSpec{
		Method: http.MethodGet,
		Path:   "/v1/users/42",
	})
	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"id":"42"}`, string(res.Data))
}

func TestSDK_CallMultipleServicesIsolatesFailures(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()

	cfg := testConfig()
	cfg.Services["orders"] = cfg.Services["users"]
	s := newSDK(t, cfg)

	host, port := serverAddr(t, good)
	require.NoError(t, s.RegisterExternalService("users", host, port))
	host, port = serverAddr(t, bad)
	require.NoError(t, s.RegisterExternalService("orders", host, port))

	results := s.CallMultipleServices(context.Background(), []ServiceCall{
		{Service: "users", Spec: client.CallSpec{Method: http.MethodGet, Path: "/a"}},
		{Service: "orders", Spec: client.CallSpec{Method: http.MethodGet, Path: "/b"}},
		{Service: "users", Spec: client.CallSpec{Method: http.MethodGet, Path: "/c"}},
	})

	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, http.StatusNotFound, results[1].StatusCode)
	assert.True(t, results[2].Success)
}

func TestSDK_CheckServiceHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newSDK(t, testConfig())
	host, port := serverAddr(t, srv)
	require.NoError(t, s.RegisterExternalService("users", host, port))

	results := s.CheckServiceHealth(context.Background(), "users")
	require.Len(t, results, 1)
	assert.True(t, results[net.JoinHostPort(host, strconv.Itoa(port))])
}

func TestSDK_CheckMultipleServices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Services["orders"] = cfg.Services["users"]
	s := newSDK(t, cfg)

	host, port := serverAddr(t, srv)
	require.NoError(t, s.RegisterExternalService("users", host, port))
	require.NoError(t, s.RegisterExternalService("orders", host, port))

	results := s.CheckMultipleServices(context.Background(), []string{"users", "orders"})
	require.Len(t, results, 2)
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	assert.True(t, results["users"][addr])
	assert.True(t, results["orders"][addr])
}

func TestSDK_StartRegistersConfiguredServices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	host, port := serverAddr(t, srv)

	cfg := testConfig()
	cfg.Services["users"] = config.ServiceConfig{
		Host: host,
		Port: port,
		HealthCheck: config.HealthCheckConfig{
			Enabled:          true,
			Interval:         config.Duration(20 * time.Millisecond),
			HealthyThreshold: 1,
		},
	}

	s := newSDK(t, cfg)
	require.NoError(t, s.Start(context.Background()))

	require.Len(t, s.ListAllServices()["users"], 1)
	assert.Equal(t, []string{"users"}, s.Monitor().Watched())
}

func TestSDK_SubscribeReceivesEvents(t *testing.T) {
	s := newSDK(t, testConfig())

	var mu sync.Mutex
	var events []registry.Event
	s.Subscribe(func(event registry.Event, _ *registry.Descriptor) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	require.NoError(t, s.RegisterExternalService("users", "10.0.0.1", 8080))
	require.NoError(t, s.Deregister("users", "10.0.0.1", 8080))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []registry.Event{registry.EventRegistered, registry.EventDeregistered}, events)
}

func TestSDK_TypedCallsThroughClientFactory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/users/42", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "42", "name": "ada"})
	}))
	defer srv.Close()

	s := newSDK(t, testConfig())
	host, port := serverAddr(t, srv)
	require.NoError(t, s.RegisterExternalService("users", host, port))

	type userResponse struct {
		ID   string `json:"id" validate:"required"`
		Name string `json:"name" validate:"required"`
	}

	iface := s.Typed()
	assert.Same(t, iface, s.Typed())
	require.NoError(t, iface.Register("users.get", typed.MethodSpec{
		Service:      "users",
		Method:       http.MethodGet,
		PathTemplate: "/v1/users/{id}",
		Response:     userResponse{},
	}))

	res, err := iface.Call(context.Background(), "users.get", typed.Args{
		Path: map[string]string{"id": "42"},
	})
	require.NoError(t, err)
	require.NoError(t, res.Err)

	var user userResponse
	require.NoError(t, res.DecodeJSON(&user))
	assert.Equal(t, "ada", user.Name)
}

func TestSDK_ShutdownStopsEverything(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)

	require.NoError(t, s.RegisterCurrentService("orders", "10.0.0.9", 9000))
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Shutdown())
	assert.Empty(t, s.DiscoverServices("orders", ""))
}
