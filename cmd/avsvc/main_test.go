package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avsvclient/internal/config"
	"github.com/vyrodovalexey/avsvclient/internal/observability"
	"github.com/vyrodovalexey/avsvclient/internal/sdk"
)

func newTestSDK(t *testing.T) *sdk.SDK {
	t.Helper()
	s, err := sdk.New(&config.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("AVSVCLIENT_TEST_KEY", "from-env")
	assert.Equal(t, "from-env", getEnvOrDefault("AVSVCLIENT_TEST_KEY", "fallback"))
	assert.Equal(t, "fallback", getEnvOrDefault("AVSVCLIENT_TEST_MISSING", "fallback"))
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), observability.NopLogger())
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.Services)
	assert.Equal(t, config.CacheTypeMemory, cfg.Cache.Type)
}

func TestLoadConfig_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "avsvclient.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
services:
  users:
    host: 10.0.0.1
    port: 8080
    version: 1.2.0
cache:
  enabled: true
  type: memory
`), 0o600))

	cfg := loadConfig(path, observability.NopLogger())
	require.Contains(t, cfg.Services, "users")
	assert.Equal(t, 8080, cfg.Services["users"].Port)
	assert.True(t, cfg.Cache.Enabled)
}

func TestRouter_Health(t *testing.T) {
	router := newRouter(newTestSDK(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRouter_Services(t *testing.T) {
	s := newTestSDK(t)
	require.NoError(t, s.RegisterExternalService("users", "10.0.0.1", 8080,
		sdk.WithVersion("1.2.0")))

	router := newRouter(s)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/services", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"host":"10.0.0.1"`)
	assert.Contains(t, rec.Body.String(), `"version":"1.2.0"`)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestRouter_Metrics(t *testing.T) {
	router := newRouter(newTestSDK(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
