package observe

import (
	"context"
	"errors"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Resource attribute keys describing the capture setup of a captioner
// process.
const (
	AttrSampleRate  = attribute.Key("captioner.audio.sample_rate")
	AttrASRProvider = attribute.Key("captioner.asr.provider")
	AttrMetric      = attribute.Key("captioner.diarization.metric")
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName defaults to "captioner".
	ServiceName    string
	ServiceVersion string

	// InstanceID distinguishes captioner processes sharing a collector.
	// Defaults to the host name.
	InstanceID string

	// SampleRate is the rate audio is processed at after conversion.
	SampleRate int
	// ASRProvider names the configured transcription backend.
	ASRProvider string
	// Metric is the diarization distance metric in use.
	Metric string

	// TraceExporter is optional. When nil, spans are recorded but not
	// exported.
	TraceExporter sdktrace.SpanExporter
}

// Resource builds the telemetry resource for cfg. Empty fields are left out.
func Resource(cfg ProviderConfig) (*resource.Resource, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "captioner"
	}
	if cfg.InstanceID == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.InstanceID = h
		}
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.InstanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.InstanceID))
	}
	if cfg.SampleRate > 0 {
		attrs = append(attrs, AttrSampleRate.Int(cfg.SampleRate))
	}
	if cfg.ASRProvider != "" {
		attrs = append(attrs, AttrASRProvider.String(cfg.ASRProvider))
	}
	if cfg.Metric != "" {
		attrs = append(attrs, AttrMetric.String(cfg.Metric))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}

// InitProvider registers a Prometheus-backed [sdkmetric.MeterProvider], a
// [sdktrace.TracerProvider] and the W3C trace-context propagator as the
// global OTel providers.
//
// The returned shutdown flushes spans before metrics. Call it in a defer from
// main().
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := Resource(cfg)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
