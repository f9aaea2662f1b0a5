// Package typed maps declared method descriptors to service calls,
// validating request and response payloads against their schemas.
package typed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vyrodovalexey/avsvclient/internal/client"
	"github.com/vyrodovalexey/avsvclient/internal/observability"
)

// ErrMethodNotFound is returned when calling an unregistered method.
var ErrMethodNotFound = errors.New("typed method not found")

// Caller is the service-call surface the typed layer drives. It is
// satisfied by *client.Client.
type Caller interface {
	Call(ctx context.Context, spec client.CallSpec) client.Result
}

// Resolver returns the caller for a logical service name.
type Resolver func(service string) (Caller, error)

// MethodSpec declares one typed method: the verb, the path template
// with {placeholder} segments, and optional request/response schema
// prototypes whose validator tags are enforced per call.
type MethodSpec struct {
	// Service is the logical service the method targets.
	Service string

	// Method is the HTTP verb.
	Method string

	// PathTemplate is the request path with {name} placeholders.
	PathTemplate string

	// Request, when non-nil, is a prototype of the request body
	// struct. Bodies are validated against its validator tags.
	Request any

	// Response, when non-nil, is a prototype of the response struct.
	// Successful responses must decode into it and pass validation.
	Response any

	// CacheTTL enables response caching for the method when positive.
	CacheTTL time.Duration

	// Timeout overrides the service request timeout when positive.
	Timeout time.Duration
}

func (s *MethodSpec) validate() error {
	if s.Service == "" {
		return errors.New("method spec requires a service")
	}
	if s.Method == "" {
		return errors.New("method spec requires an HTTP verb")
	}
	if !strings.HasPrefix(s.PathTemplate, "/") {
		return fmt.Errorf("path template %q must start with /", s.PathTemplate)
	}
	if strings.Count(s.PathTemplate, "{") != strings.Count(s.PathTemplate, "}") {
		return fmt.Errorf("unbalanced placeholders in path template %q", s.PathTemplate)
	}
	return nil
}

// Args carries the per-call inputs for a typed method.
type Args struct {
	// Path provides values for the {placeholder} segments.
	Path map[string]string

	// Query holds query parameters.
	Query url.Values

	// Headers are merged over the service defaults.
	Headers http.Header

	// Body is the request payload, validated against the method's
	// request schema and serialized as JSON.
	Body any
}

// Interface is a registry of typed methods bound to service callers.
type Interface struct {
	resolver Resolver
	validate *validator.Validate
	logger   observability.Logger

	mu      sync.RWMutex
	methods map[string]MethodSpec
}

// Option is a functional option for configuring the interface.
type Option func(*Interface)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(i *Interface) {
		i.logger = logger
	}
}

// New creates a typed interface that obtains callers from resolver.
func New(resolver Resolver, opts ...Option) *Interface {
	i := &Interface{
		resolver: resolver,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   observability.NopLogger(),
		methods:  make(map[string]MethodSpec),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Register adds a named method. Registering an existing name replaces
// its spec.
func (i *Interface) Register(name string, spec MethodSpec) error {
	if err := spec.validate(); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}

	i.mu.Lock()
	i.methods[name] = spec
	i.mu.Unlock()

	i.logger.Debug("typed method registered",
		observability.String("method", name),
		observability.String("service", spec.Service),
		observability.String("endpoint", spec.Method+" "+spec.PathTemplate))
	return nil
}

// Methods returns the registered method names.
func (i *Interface) Methods() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	names := make([]string, 0, len(i.methods))
	for name := range i.methods {
		names = append(names, name)
	}
	return names
}

// Call invokes a registered method. Schema violations surface as a
// *client.ValidationError before any transport attempt (request side)
// or after a successful response (response side); they are never
// retried and never touch the breaker.
func (i *Interface) Call(ctx context.Context, name string, args Args) (client.Result, error) {
	i.mu.RLock()
	spec, ok := i.methods[name]
	i.mu.RUnlock()
	if !ok {
		return client.Result{}, fmt.Errorf("%w: %s", ErrMethodNotFound, name)
	}

	path, err := ExpandPath(spec.PathTemplate, args.Path)
	if err != nil {
		return client.Result{}, &client.ValidationError{
			Service: spec.Service,
			Detail:  err.Error(),
			Err:     err,
		}
	}

	var body []byte
	if args.Body != nil {
		if err := i.validateSchema(spec.Service, spec.Request, args.Body); err != nil {
			return client.Result{}, err
		}
		body, err = json.Marshal(args.Body)
		if err != nil {
			return client.Result{}, &client.ValidationError{
				Service: spec.Service,
				Detail:  "request body is not serializable",
				Err:     err,
			}
		}
	}

	caller, err := i.resolver(spec.Service)
	if err != nil {
		return client.Result{}, fmt.Errorf("resolve service %s: %w", spec.Service, err)
	}

	res := caller.Call(ctx, client.CallSpec{
		Method:   spec.Method,
		Path:     path,
		Query:    args.Query,
		Headers:  args.Headers,
		Body:     body,
		CacheTTL: spec.CacheTTL,
		Timeout:  spec.Timeout,
	})

	if res.Success && spec.Response != nil {
		if err := i.validateResponse(spec, res.Data); err != nil {
			res.Success = false
			res.Err = err
			return res, err
		}
	}

	return res, nil
}

// validateSchema checks a request body against the declared prototype's
// validator tags. When the spec declares no request schema the body's
// own tags are enforced.
func (i *Interface) validateSchema(service string, prototype, body any) error {
	target := body
	if prototype != nil && !sameStructType(prototype, body) {
		// Re-shape through JSON so map or alternate-struct bodies are
		// checked against the declared schema.
		raw, err := json.Marshal(body)
		if err != nil {
			return &client.ValidationError{
				Service: service,
				Detail:  "request body is not serializable",
				Err:     err,
			}
		}
		clone := newInstanceOf(prototype)
		if err := json.Unmarshal(raw, clone); err != nil {
			return &client.ValidationError{
				Service: service,
				Detail:  "request body does not match the declared schema",
				Err:     err,
			}
		}
		target = clone
	}

	if !isValidatableStruct(target) {
		return nil
	}
	if err := i.validate.Struct(target); err != nil {
		return &client.ValidationError{
			Service: service,
			Detail:  "request validation failed: " + err.Error(),
			Err:     err,
		}
	}
	return nil
}

// validateResponse decodes the response body into a fresh instance of
// the declared response schema and enforces its validator tags.
func (i *Interface) validateResponse(spec MethodSpec, data []byte) error {
	clone := newInstanceOf(spec.Response)
	if err := json.Unmarshal(data, clone); err != nil {
		return &client.ValidationError{
			Service: spec.Service,
			Detail:  "response does not match the declared schema",
			Err:     err,
		}
	}
	if !isValidatableStruct(clone) {
		return nil
	}
	if err := i.validate.Struct(clone); err != nil {
		return &client.ValidationError{
			Service: spec.Service,
			Detail:  "response validation failed: " + err.Error(),
			Err:     err,
		}
	}
	return nil
}

// ExpandPath substitutes {placeholder} segments with values. Every
// placeholder must have a value; URL-reserved characters in values are
// escaped.
func ExpandPath(template string, values map[string]string) (string, error) {
	var b strings.Builder
	rest := template

	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return "", fmt.Errorf("unterminated placeholder in %q", template)
		}
		name := rest[open+1 : open+closing]
		value, ok := values[name]
		if !ok || value == "" {
			return "", fmt.Errorf("missing value for path placeholder %q", name)
		}

		b.WriteString(rest[:open])
		b.WriteString(url.PathEscape(value))
		rest = rest[open+closing+1:]
	}
}

// Invoke calls a registered method with a typed request and decodes
// the response into Resp.
func Invoke[Req any, Resp any](ctx context.Context, iface *Interface, name string, req Req, opts ...CallOption) (Resp, error) {
	var resp Resp

	args := Args{Body: req}
	for _, opt := range opts {
		opt(&args)
	}

	res, err := iface.Call(ctx, name, args)
	if err != nil {
		return resp, err
	}

	data, err := res.Unwrap()
	if err != nil {
		return resp, err
	}
	if len(data) == 0 {
		return resp, nil
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, &client.ValidationError{
			Service: res.ServiceName,
			Detail:  "response does not match " + reflect.TypeOf(resp).String(),
			Err:     err,
		}
	}
	return resp, nil
}

// CallOption adjusts the arguments of an Invoke call.
type CallOption func(*Args)

// WithPathParam sets one path placeholder value.
func WithPathParam(name, value string) CallOption {
	return func(a *Args) {
		if a.Path == nil {
			a.Path = make(map[string]string)
		}
		a.Path[name] = value
	}
}

// WithQuery sets the query parameters.
func WithQuery(query url.Values) CallOption {
	return func(a *Args) {
		a.Query = query
	}
}

// WithHeaders sets extra request headers.
func WithHeaders(headers http.Header) CallOption {
	return func(a *Args) {
		a.Headers = headers
	}
}

// WithoutBody clears the request body for verb-only methods.
func WithoutBody() CallOption {
	return func(a *Args) {
		a.Body = nil
	}
}

func newInstanceOf(prototype any) any {
	t := reflect.TypeOf(prototype)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return reflect.New(t).Interface()
}

func sameStructType(prototype, value any) bool {
	pt := reflect.TypeOf(prototype)
	vt := reflect.TypeOf(value)
	for pt.Kind() == reflect.Pointer {
		pt = pt.Elem()
	}
	for vt != nil && vt.Kind() == reflect.Pointer {
		vt = vt.Elem()
	}
	return pt == vt
}

func isValidatableStruct(v any) bool {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t != nil && t.Kind() == reflect.Struct
}
