package notify

import (
	"context"

	obslogger "github.com/smallbiznis/billingcore/internal/observability/logger"
	"go.uber.org/zap"
)

// LogSink writes one structured line per event.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("notify.log")}
}

func (s *LogSink) InvoiceFinalized(ctx context.Context, evt InvoiceEvent) error {
	obslogger.WithContext(ctx, s.log).Info(EventInvoiceFinalized,
		zap.String("invoice_id", evt.Invoice.ID),
		zap.String("tenant_id", evt.Invoice.TenantID),
		zap.String("invoice_number", evt.Invoice.Number),
		zap.String("currency", evt.Invoice.Currency),
		zap.String("total_amount", evt.Invoice.TotalAmount),
		zap.Int("items", len(evt.Invoice.Items)),
	)
	return nil
}

func (s *LogSink) PaymentRecorded(ctx context.Context, evt PaymentEvent) error {
	obslogger.WithContext(ctx, s.log).Info(EventPaymentRecorded,
		zap.String("invoice_id", evt.Invoice.ID),
		zap.String("tenant_id", evt.Invoice.TenantID),
		zap.String("status", evt.Invoice.Status),
		zap.String("amount", evt.Amount),
		zap.String("method", evt.Method),
		zap.String("amount_due", evt.Invoice.AmountDue),
	)
	return nil
}
