// Package telemetry builds the OpenTelemetry tracer provider the server
// starts its spans from.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"dmchat/internal/config"
)

// Provider is a tracer provider that must be shut down to flush spans.
type Provider struct {
	trace.TracerProvider
	shutdown func(context.Context) error
}

// New returns a no-op provider for the "none" exporter. For "stdout" spans
// are batched and written as JSON lines to cfg.Output, or stdout when empty.
func New(cfg config.TracingConfig, serviceName string) (*Provider, error) {
	switch cfg.Exporter {
	case "", config.TraceExporterNone:
		return &Provider{
			TracerProvider: noop.NewTracerProvider(),
			shutdown:       func(context.Context) error { return nil },
		}, nil
	case config.TraceExporterStdout:
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}

	var (
		w      io.Writer = os.Stdout
		closer io.Closer
	)
	if cfg.Output != "" {
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open trace output: %w", err)
		}
		w, closer = f, f
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)

	return &Provider{
		TracerProvider: tp,
		shutdown: func(ctx context.Context) error {
			err := tp.Shutdown(ctx)
			if closer != nil {
				err = errors.Join(err, closer.Close())
			}
			return err
		},
	}, nil
}

// Shutdown flushes pending spans and releases the output.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}
