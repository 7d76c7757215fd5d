package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	admissionAllowed metric.Int64Counter
	admissionDenied  metric.Int64Counter
	usageRecorded    metric.Int64Counter
	creditsDeducted  metric.Int64Counter
	queueTransitions metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "aperture"
	}
	meter := provider.Meter(name)

	admissionAllowed, err := meter.Int64Counter("aperture_admission_allowed_total")
	if err != nil {
		return nil, err
	}
	admissionDenied, err := meter.Int64Counter("aperture_admission_denied_total")
	if err != nil {
		return nil, err
	}
	usageRecorded, err := meter.Int64Counter("aperture_usage_recorded_total")
	if err != nil {
		return nil, err
	}
	creditsDeducted, err := meter.Int64Counter("aperture_credits_deducted_total")
	if err != nil {
		return nil, err
	}
	queueTransitions, err := meter.Int64Counter("aperture_queue_transitions_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("aperture_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		admissionAllowed: admissionAllowed,
		admissionDenied:  admissionDenied,
		usageRecorded:    usageRecorded,
		creditsDeducted:  creditsDeducted,
		queueTransitions: queueTransitions,
		rateLimitDenied:  rateLimitDenied,
	}, nil
}

// RecordAdmissionAllowed increments admitted request counts.
func (m *Metrics) RecordAdmissionAllowed(ctx context.Context, actionType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("action_type", strings.TrimSpace(actionType)))
	m.admissionAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAdmissionDenied increments denied request counts.
func (m *Metrics) RecordAdmissionDenied(ctx context.Context, actionType, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("action_type", strings.TrimSpace(actionType)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.admissionDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUsage increments recorded usage counts.
func (m *Metrics) RecordUsage(ctx context.Context, actionType string, amount int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("action_type", strings.TrimSpace(actionType)))
	m.usageRecorded.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordCreditsDeducted increments deducted credit counts.
func (m *Metrics) RecordCreditsDeducted(ctx context.Context, creditType string, amount int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("credit_type", strings.TrimSpace(creditType)))
	m.creditsDeducted.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordQueueTransition increments queue state transition counts.
func (m *Metrics) RecordQueueTransition(ctx context.Context, toStatus string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("queue_status", strings.TrimSpace(toStatus)))
	m.queueTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"action_type":  {},
	"reason":       {},
	"credit_type":  {},
	"queue_status": {},
	"endpoint":     {},
	"status_code":  {},
	"route":        {},
	"method":       {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
