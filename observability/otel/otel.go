// Package otel installs the OpenTelemetry providers used by marketd.
package otel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/agustin125/securitize-smart-contracts/config"
)

// Identity labels every exported span and metric with the marketplace
// instance that produced it.
type Identity struct {
	Service     string
	Environment string
	ChainID     uint64
	Engine      string
}

// Shutdown flushes and stops the installed providers.
type Shutdown func(context.Context) error

// Init installs trace and metric providers for the enabled signals. With
// neither signal enabled the global no-op providers are left in place and
// the returned Shutdown does nothing.
func Init(ctx context.Context, id Identity, cfg config.TelemetryConfig) (Shutdown, error) {
	var stack shutdownStack
	if !cfg.Traces && !cfg.Metrics {
		return stack.run, nil
	}
	if strings.TrimSpace(id.Service) == "" {
		return nil, errors.New("otel: service name required")
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(Attributes(id)...))
	if err != nil {
		return nil, fmt.Errorf("otel: build resource: %w", err)
	}
	headers := ParseHeaders(cfg.Headers)

	if cfg.Traces {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithHeaders(headers)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otel: trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(Sampler(cfg.SampleRatio)),
			sdktrace.WithBatcher(exporter),
		)
		otel.SetTracerProvider(tp)
		stack.push(tp.Shutdown)
	}

	if cfg.Metrics {
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithHeaders(headers)}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exporter, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			_ = stack.run(ctx)
			return nil, fmt.Errorf("otel: metric exporter: %w", err)
		}
		reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval(cfg.ExportIntervalSeconds)))
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
		otel.SetMeterProvider(mp)
		stack.push(mp.Shutdown)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return stack.run, nil
}

// Attributes returns the resource attributes describing id.
func Attributes(id Identity) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(id.Service)}
	if id.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(id.Environment))
	}
	if id.ChainID != 0 {
		attrs = append(attrs, attribute.String("market.chain_id", strconv.FormatUint(id.ChainID, 10)))
	}
	if id.Engine != "" {
		attrs = append(attrs, attribute.String("market.engine", id.Engine))
	}
	return attrs
}

// Sampler keeps ratio of root spans and follows the parent decision otherwise.
func Sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func exportInterval(seconds int) time.Duration {
	if seconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(seconds) * time.Second
}

// ParseHeaders splits "k=v,k2=v2" into a map. Malformed pairs are skipped.
func ParseHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}

// shutdownStack stops providers in reverse install order and reports the
// first failure.
type shutdownStack []func(context.Context) error

func (s *shutdownStack) push(fn func(context.Context) error) { *s = append(*s, fn) }

func (s *shutdownStack) run(ctx context.Context) error {
	var first error
	for i := len(*s) - 1; i >= 0; i-- {
		if err := (*s)[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	*s = nil
	return first
}
