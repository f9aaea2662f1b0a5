// Package observability provides logging and tracing for the service
// communication layer. Logging is exposed through the Logger interface
// backed by zap; tracing is standard OpenTelemetry with an optional
// OTLP/gRPC exporter.
package observability
