package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avsvclient/internal/cache"
	"github.com/vyrodovalexey/avsvclient/internal/circuitbreaker"
	"github.com/vyrodovalexey/avsvclient/internal/config"
	"github.com/vyrodovalexey/avsvclient/internal/observability"
	"github.com/vyrodovalexey/avsvclient/internal/registry"
	"github.com/vyrodovalexey/avsvclient/internal/retry"
)

const clientTracerName = "avsvclient/client"

// maxResponseBody caps how much of a response body is read into memory.
const maxResponseBody = 32 << 20

// Doer is the transport boundary. The default is *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client performs resilient calls to one logical service. The call
// pipeline is fixed: cache check, breaker gate, retry loop, transport,
// breaker update, cache store.
type Client struct {
	service   string
	cfg       config.ServiceConfig
	registry  *registry.Registry
	breakers  *circuitbreaker.Registry
	cache     cache.Cache
	limiter   *rate.Limiter
	transport Doer
	logger    observability.Logger
}

// Option is a functional option for configuring the client.
type Option func(*Client)

// WithTransport replaces the HTTP transport.
func WithTransport(d Doer) Option {
	return func(c *Client) {
		c.transport = d
	}
}

// WithCache attaches a response cache.
func WithCache(store cache.Cache) Option {
	return func(c *Client) {
		c.cache = store
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithBreakerRegistry shares a breaker registry between clients so
// breaker state survives client recreation.
func WithBreakerRegistry(breakers *circuitbreaker.Registry) Option {
	return func(c *Client) {
		c.breakers = breakers
	}
}

// New creates a client for one logical service. The service's
// instances are resolved through reg on every attempt; when the
// registry has none and the config names a static host, that host is
// used as a fallback instance.
func New(service string, cfg config.ServiceConfig, reg *registry.Registry, opts ...Option) *Client {
	cfg.Validate()

	c := &Client{
		service:   service,
		cfg:       cfg,
		registry:  reg,
		transport: &http.Client{},
		logger:    observability.NopLogger(),
	}

	if cfg.RateLimit.Enabled && cfg.RateLimit.Rate > 0 {
		burst := cfg.RateLimit.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.Rate), burst)
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.breakers == nil {
		c.breakers = circuitbreaker.NewRegistry(&circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
			OpenTimeout:      cfg.CircuitBreaker.OpenTimeout.Duration(),
		}, c.logger)
	}

	return c
}

// Service returns the logical service name.
func (c *Client) Service() string { return c.service }

// BreakerStats returns the state of every breaker owned by this
// client's registry.
func (c *Client) BreakerStats() map[string]circuitbreaker.Stats {
	return c.breakers.Stats()
}

// CallSpec describes one logical service call.
type CallSpec struct {
	// Method is the HTTP verb.
	Method string

	// Path is the request path, starting with "/".
	Path string

	// Query holds query parameters.
	Query url.Values

	// Headers are merged over the service's default headers.
	Headers http.Header

	// Body is the raw request body.
	Body []byte

	// CacheTTL enables response caching for this call when positive.
	CacheTTL time.Duration

	// CacheErrors caches failure outcomes too, replayed until the TTL
	// expires. Only meaningful when CacheTTL is set.
	CacheErrors bool

	// Timeout overrides the service request timeout when positive.
	Timeout time.Duration
}

// Endpoint returns the breaker and metrics key for the spec.
func (s CallSpec) Endpoint() string {
	return s.Method + " " + s.Path
}

// cachedResponse is the envelope stored in the response cache.
type cachedResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// Call performs one logical call through the full pipeline. Errors are
// folded into the returned Result rather than raised, so a failing
// downstream never aborts the caller.
func (c *Client) Call(ctx context.Context, spec CallSpec) Result {
	endpoint := spec.Endpoint()

	ctx, span := otel.Tracer(clientTracerName).Start(ctx, "client.Call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("peer.service", c.service),
			attribute.String("http.method", spec.Method),
			attribute.String("http.path", spec.Path),
		),
	)
	defer span.End()

	start := time.Now()

	// A cache hit is served even while the breaker is open: no network
	// attempt happens, so the breaker is deliberately not consulted. A
	// miss computes through the full resilience pipeline below.
	if c.cache != nil && spec.CacheTTL > 0 {
		key := cache.RequestKey(c.service, spec.Method, spec.Path, spec.Query, spec.Body)

		var computed Result
		data, hit, err := cache.GetOrCompute(ctx, c.cache, key, spec.CacheTTL, spec.CacheErrors,
			func() ([]byte, error) {
				computed = c.execute(ctx, spec, endpoint)
				if computed.Err != nil {
					return nil, computed.Err
				}
				return json.Marshal(cachedResponse{
					Status: computed.StatusCode,
					Body:   computed.Data,
				})
			})

		if hit {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			recordCall(c.service, endpoint, "cache_hit", time.Since(start))
			if err != nil {
				span.SetStatus(otelcodes.Error, err.Error())
				replayed := failureResult(c.service, endpoint, 0, err)
				replayed.FromCache = true
				return replayed
			}
			var stored cachedResponse
			if unmarshalErr := json.Unmarshal(data, &stored); unmarshalErr == nil {
				return successResult(c.service, endpoint, stored.Status, stored.Body, true)
			}
			// Undecodable entry: fall back to a fresh call.
			computed = c.execute(ctx, spec, endpoint)
		}
		return c.finish(span, start, endpoint, computed)
	}

	return c.finish(span, start, endpoint, c.execute(ctx, spec, endpoint))
}

// execute runs the rate limiter, breaker gate, retry loop and
// transport for one call, folding errors into the Result.
func (c *Client) execute(ctx context.Context, spec CallSpec, endpoint string) Result {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return failureResult(c.service, endpoint, 0, &TransportError{
				Service: c.service, Endpoint: endpoint, Err: err,
			})
		}
	}

	breaker := c.breakers.GetOrCreateWithConfig(
		circuitbreaker.Key(c.service, endpoint),
		&circuitbreaker.Config{
			FailureThreshold: c.cfg.CircuitBreaker.FailureThreshold,
			SuccessThreshold: c.cfg.CircuitBreaker.SuccessThreshold,
			OpenTimeout:      c.cfg.CircuitBreaker.OpenTimeout.Duration(),
		},
	)

	var final Result
	err := retry.Do(ctx, &retry.Config{
		Attempts: c.cfg.RetryAttempts,
		Delay:    c.cfg.RetryDelay.Duration(),
		Backoff:  c.cfg.RetryBackoff,
	}, func(attempt int) error {
		if allowErr := breaker.Allow(); allowErr != nil {
			return &CircuitOpenError{Service: c.service, Endpoint: endpoint}
		}

		res, attemptErr := c.attempt(ctx, spec, endpoint)
		if attemptErr != nil {
			if countsAsFailure(attemptErr) {
				breaker.RecordFailure()
			} else {
				// The attempt reached a responsive instance; a 4xx or
				// contract error is not an availability failure.
				breaker.RecordSuccess()
			}
			return attemptErr
		}

		breaker.RecordSuccess()
		final = res
		return nil
	}, &retry.Options{
		Operation:   c.service + "/" + endpoint,
		ShouldRetry: isRetryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			c.logger.Warn("retrying service call",
				observability.String("service", c.service),
				observability.String("endpoint", endpoint),
				observability.Int("attempt", attempt),
				observability.Duration("delay", delay),
				observability.Error(err))
		},
	})

	if err != nil {
		status := 0
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			status = statusErr.Status
		}
		return failureResult(c.service, endpoint, status, err)
	}
	return final
}

// finish records the span status and call metrics for a computed
// result.
func (c *Client) finish(span trace.Span, start time.Time, endpoint string, res Result) Result {
	if res.Err != nil {
		span.SetStatus(otelcodes.Error, res.Err.Error())
		span.RecordError(res.Err)
		recordCall(c.service, endpoint, "failure", time.Since(start))
		return res
	}
	recordCall(c.service, endpoint, "success", time.Since(start))
	return res
}

// attempt performs a single transport attempt. The target instance is
// resolved from the registry here, per attempt, so a retry can fail
// over to a different healthy instance.
func (c *Client) attempt(ctx context.Context, spec CallSpec, endpoint string) (Result, error) {
	target, err := c.resolveTarget()
	if err != nil {
		return Result{}, &TransportError{Service: c.service, Endpoint: endpoint, Err: err}
	}

	timeout := c.cfg.Timeout.Duration()
	if spec.Timeout > 0 {
		timeout = spec.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqURL := target + spec.Path
	if len(spec.Query) > 0 {
		reqURL += "?" + spec.Query.Encode()
	}

	var body io.Reader
	if len(spec.Body) > 0 {
		body = bytes.NewReader(spec.Body)
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, reqURL, body)
	if err != nil {
		return Result{}, &TransportError{Service: c.service, Endpoint: endpoint, Err: err}
	}

	for key, value := range c.cfg.DefaultHeaders {
		req.Header.Set(key, value)
	}
	for key, values := range spec.Headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if len(spec.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.transport.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return Result{}, &TimeoutError{Service: c.service, Endpoint: endpoint, Err: err}
		}
		return Result{}, &TransportError{Service: c.service, Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Result{}, &TransportError{Service: c.service, Endpoint: endpoint, Err: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return Result{}, &StatusError{
			Service:  c.service,
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Body:     data,
		}
	}

	return successResult(c.service, endpoint, resp.StatusCode, data, false), nil
}

// resolveTarget picks the base URL of a healthy instance.
func (c *Client) resolveTarget() (string, error) {
	var selectOpts []registry.SelectOption
	if c.cfg.Version != "" {
		selectOpts = append(selectOpts, registry.WithVersionConstraint(c.cfg.Version))
	}

	inst, err := c.registry.GetInstance(c.service, selectOpts...)
	if err == nil {
		return inst.URL(), nil
	}

	if c.cfg.Host != "" {
		protocol := c.cfg.Protocol
		if protocol == "" {
			protocol = config.DefaultProtocol
		}
		return fmt.Sprintf("%s://%s:%d", protocol, c.cfg.Host, c.cfg.Port), nil
	}

	return "", err
}

func isTimeout(err error) bool {
	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}

// InvalidateCache drops the cached response for a call shape.
func (c *Client) InvalidateCache(ctx context.Context, spec CallSpec) error {
	if c.cache == nil {
		return nil
	}
	key := cache.RequestKey(c.service, spec.Method, spec.Path, spec.Query, spec.Body)
	return c.cache.Delete(ctx, key)
}

// CallMany fans out independent calls concurrently. Results are
// returned in spec order; one call's failure never affects siblings.
func (c *Client) CallMany(ctx context.Context, specs []CallSpec) []Result {
	results := make([]Result, len(specs))

	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(idx int, s CallSpec) {
			defer wg.Done()
			results[idx] = c.Call(ctx, s)
		}(i, spec)
	}
	wg.Wait()

	return results
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values) Result {
	return c.Call(ctx, CallSpec{Method: http.MethodGet, Path: path, Query: query})
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body any) Result {
	return c.callWithBody(ctx, http.MethodPost, path, body)
}

// Put performs a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) Result {
	return c.callWithBody(ctx, http.MethodPut, path, body)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, path string) Result {
	return c.Call(ctx, CallSpec{Method: http.MethodDelete, Path: path})
}

func (c *Client) callWithBody(ctx context.Context, method, path string, body any) Result {
	var raw []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		raw = b
	default:
		data, err := json.Marshal(body)
		if err != nil {
			endpoint := method + " " + path
			return failureResult(c.service, endpoint, 0, &ValidationError{
				Service: c.service,
				Detail:  "request body is not serializable",
				Err:     err,
			})
		}
		raw = data
	}
	return c.Call(ctx, CallSpec{Method: method, Path: path, Body: raw})
}

// endpointLabel trims a path to its template-looking form for metric
// labels, dropping the query string if a caller baked one in.
func endpointLabel(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}
