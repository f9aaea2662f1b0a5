// Package main is the entry point for the avsvclient demo service.
// It loads configuration, assembles the communication SDK and exposes
// a small administrative HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avsvclient/internal/config"
	"github.com/vyrodovalexey/avsvclient/internal/observability"
	"github.com/vyrodovalexey/avsvclient/internal/registry"
	"github.com/vyrodovalexey/avsvclient/internal/sdk"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const shutdownTimeout = 15 * time.Second

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	listenAddr  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(flags.configPath, logger)
	tracer := initTracer(cfg, logger)

	s, err := sdk.New(cfg, sdk.WithLogger(logger))
	if err != nil {
		logger.Error("failed to build sdk", observability.Error(err))
		os.Exit(1)
	}

	run(s, tracer, flags, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("AVSVCLIENT_CONFIG_PATH", "configs/avsvclient.yaml"),
		"Path to configuration file")
	listenAddr := flag.String("listen", getEnvOrDefault("AVSVCLIENT_LISTEN_ADDR", ":8080"),
		"Administrative HTTP listen address")
	logLevel := flag.String("log-level", getEnvOrDefault("AVSVCLIENT_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("AVSVCLIENT_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		listenAddr:  *listenAddr,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("avsvclient version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadConfig loads the configuration file. A missing file yields an
// empty configuration so the binary can run without one.
func loadConfig(path string, logger observability.Logger) *config.Config {
	logger.Info("starting avsvclient",
		observability.String("version", version),
		observability.String("config", path),
	)

	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("configuration file not found, using defaults",
				observability.String("path", path))
			cfg = &config.Config{}
			cfg.Validate()
			return cfg
		}
		logger.Error("failed to load configuration", observability.Error(err))
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		observability.Int("services", len(cfg.Services)),
		observability.Bool("cache", cfg.Cache.Enabled),
		observability.String("cache_type", cfg.Cache.Type),
	)
	return cfg
}

// initTracer initializes OpenTelemetry tracing when enabled.
func initTracer(cfg *config.Config, logger observability.Logger) *observability.Tracer {
	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  "avsvclient",
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		SamplingRate: cfg.Observability.SamplingRate,
		Enabled:      cfg.Observability.Tracing,
	})
	if err != nil {
		logger.Error("failed to initialize tracer", observability.Error(err))
		os.Exit(1)
	}
	if cfg.Observability.Tracing {
		logger.Info("tracing enabled",
			observability.String("endpoint", cfg.Observability.OTLPEndpoint))
	}
	return tracer
}

// run starts the SDK and the administrative server, then blocks until
// a termination signal arrives.
func run(s *sdk.SDK, tracer *observability.Tracer, flags cliFlags, logger observability.Logger) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		logger.Error("failed to start sdk", observability.Error(err))
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              flags.listenAddr,
		Handler:           newRouter(s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", observability.String("addr", flags.listenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("admin server failed", observability.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin server shutdown", observability.Error(err))
	}
	if err := s.Shutdown(); err != nil {
		logger.Warn("sdk shutdown", observability.Error(err))
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", observability.Error(err))
	}
	logger.Info("stopped")
}

// instanceView is the JSON shape of one registered instance.
type instanceView struct {
	ID       string            `json:"id"`
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	Protocol string            `json:"protocol"`
	Version  string            `json:"version"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func viewOf(d *registry.Descriptor) instanceView {
	return instanceView{
		ID:       d.ID,
		Host:     d.Host,
		Port:     d.Port,
		Protocol: d.Protocol,
		Version:  d.Version,
		Status:   d.Status().String(),
		Metadata: d.Metadata,
	}
}

// newRouter builds the administrative HTTP surface.
func newRouter(s *sdk.SDK) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	})

	r.GET("/services", func(c *gin.Context) {
		out := make(map[string][]instanceView)
		for name, instances := range s.ListAllServices() {
			views := make([]instanceView, 0, len(instances))
			for _, d := range instances {
				views = append(views, viewOf(d))
			}
			out[name] = views
		}
		c.JSON(http.StatusOK, out)
	})

	r.GET("/services/:name/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.CheckServiceHealth(c.Request.Context(), c.Param("name")))
	})

	r.GET("/breakers", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.BreakerStats())
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
