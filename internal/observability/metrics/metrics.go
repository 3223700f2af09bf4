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

// Metrics exposes billing instruments. A nil *Metrics records nothing.
type Metrics struct {
	invoicesCreated     metric.Int64Counter
	invoiceTransitions  metric.Int64Counter
	payments            metric.Int64Counter
	paymentAmount       metric.Float64Histogram
	creditsApplied      metric.Int64Counter
	sequenceAllocations metric.Int64Counter
	txRetries           metric.Int64Counter
	usageIngested       metric.Int64Counter
	sinkFailures        metric.Int64Counter
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

// New configures the billing instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "billingcore"
	}
	meter := provider.Meter(name)

	var (
		m   Metrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.invoicesCreated, "billing_invoices_created_total", "Draft invoices created."},
		{&m.invoiceTransitions, "billing_invoice_transitions_total", "Invoice status transitions by target status."},
		{&m.payments, "billing_payments_total", "Payments recorded against invoices."},
		{&m.creditsApplied, "billing_credit_allocations_total", "Credits consumed by invoice allocation."},
		{&m.sequenceAllocations, "billing_sequence_allocations_total", "Invoice number allocations by outcome."},
		{&m.txRetries, "billing_tx_retries_total", "Transactions retried after store contention."},
		{&m.usageIngested, "billing_usage_records_ingested_total", "Usage records accepted."},
		{&m.sinkFailures, "billing_sink_failures_total", "Invoice sink deliveries that failed after commit."},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}
	if m.paymentAmount, err = meter.Float64Histogram("billing_payment_amount",
		metric.WithDescription("Recorded payment amounts in major currency units."),
	); err != nil {
		return nil, err
	}

	return &m, nil
}

func (m *Metrics) RecordInvoiceCreated(ctx context.Context, currency string) {
	if m == nil {
		return
	}
	m.invoicesCreated.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("currency", strings.ToUpper(strings.TrimSpace(currency))),
	)...))
}

func (m *Metrics) RecordInvoiceTransition(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.invoiceTransitions.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("status", status),
	)...))
}

func (m *Metrics) RecordPayment(ctx context.Context, method, currency string, amount float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(FilterAttributes(
		attribute.String("method", strings.TrimSpace(method)),
		attribute.String("currency", strings.ToUpper(strings.TrimSpace(currency))),
	)...)
	m.payments.Add(ctx, 1, attrs)
	m.paymentAmount.Record(ctx, amount, attrs)
}

func (m *Metrics) RecordCreditsApplied(ctx context.Context, allocations int) {
	if m == nil || allocations <= 0 {
		return
	}
	m.creditsApplied.Add(ctx, int64(allocations))
}

func (m *Metrics) RecordSequenceAllocation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.sequenceAllocations.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("outcome", outcome),
	)...))
}

func (m *Metrics) RecordTxRetry(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.txRetries.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("operation", operation),
	)...))
}

func (m *Metrics) RecordUsageIngested(ctx context.Context, usageType string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.usageIngested.Add(ctx, int64(count), metric.WithAttributes(FilterAttributes(
		attribute.String("usage_type", strings.TrimSpace(usageType)),
	)...))
}

func (m *Metrics) RecordSinkFailure(ctx context.Context, sink, event string) {
	if m == nil {
		return
	}
	m.sinkFailures.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("sink", sink),
		attribute.String("event_type", event),
	)...))
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
	"currency":   {},
	"status":     {},
	"method":     {},
	"outcome":    {},
	"operation":  {},
	"usage_type": {},
	"item_type":  {},
	"sink":       {},
	"event_type": {},
	"reason":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
// Tenant and invoice identifiers never become labels.
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
