// Package tracer wires OpenTelemetry spans around wallet and bridge
// operations.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"walletbridge/internal/infra/config"
)

const instrumentation = "walletbridge"

// Shutdown flushes pending spans and releases the exporter.
type Shutdown func(context.Context) error

// Setup installs the global tracer provider described by cfg. A disabled or
// "noop" configuration installs a noop provider. The "stdout" exporter
// shares stdout with the native messaging transport, so walletd refuses
// that combination during validation.
func Setup(ctx context.Context, cfg config.TracerConfig) (Shutdown, error) {
	if !cfg.Enabled || cfg.Exporter == "" || cfg.Exporter == "noop" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exporter, sink, err := newExporter(cfg)
	if err != nil {
		return nil, err
	}

	name := cfg.ServiceName
	if name == "" {
		name = instrumentation
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), sink.Close())
	}, nil
}

func newExporter(cfg config.TracerConfig) (sdktrace.SpanExporter, io.Closer, error) {
	var (
		out   io.Writer = os.Stdout
		sink  io.Closer = nopCloser{}
		extra []stdouttrace.Option
	)
	switch cfg.Exporter {
	case "stdout":
		extra = append(extra, stdouttrace.WithPrettyPrint())
	case "file":
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, fmt.Errorf("tracer: open %s: %w", cfg.Output, err)
		}
		out, sink = f, f
	default:
		return nil, nil, fmt.Errorf("tracer: unknown exporter %q", cfg.Exporter)
	}

	exp, err := stdouttrace.New(append(extra, stdouttrace.WithWriter(out))...)
	if err != nil {
		sink.Close()
		return nil, nil, fmt.Errorf("tracer: %s exporter: %w", cfg.Exporter, err)
	}
	return exp, sink, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// StartSpan starts a span on the walletbridge tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, opts...)
}

// RecordError marks span failed with err.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SetOK(span trace.Span) { span.SetStatus(codes.Ok, "") }

func StringAttr(key, value string) attribute.KeyValue { return attribute.String(key, value) }

func IntAttr(key string, value int) attribute.KeyValue { return attribute.Int(key, value) }

// Uint64Attr records contract indices and amounts. Values that overflow
// int64 fall back to their decimal string.
func Uint64Attr(key string, v uint64) attribute.KeyValue {
	if v > 1<<63-1 {
		return attribute.String(key, strconv.FormatUint(v, 10))
	}
	return attribute.Int64(key, int64(v))
}
