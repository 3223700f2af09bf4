package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var finalized = InvoiceEvent{
	Invoice: Invoice{
		ID:          "1",
		TenantID:    "77",
		Number:      "INV-20240315-0001",
		Status:      "open",
		Currency:    "USD",
		TotalAmount: "53.90",
		AmountDue:   "53.90",
		Items:       []InvoiceItem{{Description: "Pro plan", Type: "subscription", Amount: "49.00"}},
	},
	OccurredAt: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
}

type failingSink struct{ err error }

func (f failingSink) InvoiceFinalized(context.Context, InvoiceEvent) error { return f.err }
func (f failingSink) PaymentRecorded(context.Context, PaymentEvent) error  { return f.err }

type recordingSink struct{ finalized, payments int }

func (r *recordingSink) InvoiceFinalized(context.Context, InvoiceEvent) error {
	r.finalized++
	return nil
}

func (r *recordingSink) PaymentRecorded(context.Context, PaymentEvent) error {
	r.payments++
	return nil
}

func TestMultiSinkDeliversToAllAndJoinsErrors(t *testing.T) {
	errDown := errors.New("renderer down")
	rec := &recordingSink{}
	sink := MultiSink{failingSink{err: errDown}, nil, rec}

	err := sink.InvoiceFinalized(context.Background(), finalized)
	assert.ErrorIs(t, err, errDown)
	assert.Equal(t, 1, rec.finalized)

	err = sink.PaymentRecorded(context.Background(), PaymentEvent{Invoice: finalized.Invoice, Amount: "10.00"})
	assert.ErrorIs(t, err, errDown)
	assert.Equal(t, 1, rec.payments)

	assert.NoError(t, MultiSink{NopSink{}}.InvoiceFinalized(context.Background(), finalized))
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.InvoiceFinalized(context.Background(), finalized))

	entries := logs.FilterMessage(EventInvoiceFinalized).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "INV-20240315-0001", entries[0].ContextMap()["invoice_number"])
	assert.Equal(t, "53.90", entries[0].ContextMap()["total_amount"])
}

func TestRedisSinkPublishesEnvelope(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	sub := client.Subscribe(ctx, "billing.invoices")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	sink := NewRedisSink(client, "billing.invoices")
	require.NoError(t, sink.InvoiceFinalized(ctx, finalized))

	select {
	case msg := <-sub.Channel():
		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		assert.Equal(t, EventInvoiceFinalized, env.Type)
		assert.Equal(t, "77", env.TenantID)
		assert.Len(t, env.ID, 26)

		var evt InvoiceEvent
		require.NoError(t, json.Unmarshal(env.Data, &evt))
		assert.Equal(t, finalized.Invoice.Number, evt.Invoice.Number)
		assert.Len(t, evt.Invoice.Items, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestRedisSinkReportsPublishFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	err := NewRedisSink(client, "billing.invoices").PaymentRecorded(context.Background(), PaymentEvent{Invoice: finalized.Invoice})
	assert.Error(t, err)
}
