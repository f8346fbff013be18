// Package telemetry provides the optional OpenTelemetry trace pipeline.
// Spans are exported to stdout as JSON lines; the package is a no-op
// when tracing is disabled so the rest of the gateway never needs to
// check the flag.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Provider owns the tracer provider lifecycle. A disabled Provider is
// valid and all of its methods are cheap no-ops.
type Provider struct {
	enabled  bool
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
	logger   *slog.Logger
}

// Option configures New.
type Option func(*options)

type options struct {
	writer io.Writer
	logger *slog.Logger
}

// WithWriter redirects span output. Default is os.Stdout.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds the trace pipeline. When enabled is false it returns a
// no-op Provider without touching the global tracer provider.
func New(enabled bool, serviceName, serviceVersion string, opts ...Option) (*Provider, error) {
	o := options{writer: os.Stdout, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Provider{enabled: enabled, logger: o.logger}
	if !enabled {
		p.logger.Debug("tracing disabled")
		return p, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(o.writer))
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)

	p.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(p.provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	p.tracer = p.provider.Tracer(serviceName)

	p.logger.Info("tracing enabled", "service", serviceName, "exporter", "stdout")
	return p, nil
}

// Enabled reports whether spans are being recorded.
func (p *Provider) Enabled() bool {
	return p.enabled
}

// StartSpan starts a span. On a disabled provider it returns the
// context unchanged with a non-recording span.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if !p.enabled {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return p.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// Shutdown flushes buffered spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.enabled || p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}

// HTTPMiddleware traces inbound requests. It extracts the W3C trace
// context from request headers, records method/route/status, and marks
// spans for 4xx/5xx responses. Disabled providers return a pass-through.
func (p *Provider) HTTPMiddleware() func(http.Handler) http.Handler {
	if !p.enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := p.tracer.Start(ctx, r.Method+" "+r.URL.Path,
				oteltrace.WithSpanKind(oteltrace.SpanKindServer),
				oteltrace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.UserAgentOriginal(r.UserAgent()),
				),
			)
			defer span.End()

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
			if sw.status >= 400 {
				span.SetAttributes(attribute.Bool("error", true))
			}
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE handlers behind the middleware keep streaming.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
