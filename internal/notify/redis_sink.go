package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
)

// Envelope is the JSON message published on the redis channel.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	TenantID   string          `json:"tenant_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// RedisSink publishes events with PUBLISH. Subscribers that are offline miss
// them; redelivery is not provided.
type RedisSink struct {
	client  redis.Cmdable
	channel string
}

func NewRedisSink(client redis.Cmdable, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) InvoiceFinalized(ctx context.Context, evt InvoiceEvent) error {
	return s.publish(ctx, EventInvoiceFinalized, evt.Invoice.TenantID, evt.OccurredAt, evt)
}

func (s *RedisSink) PaymentRecorded(ctx context.Context, evt PaymentEvent) error {
	return s.publish(ctx, EventPaymentRecorded, evt.Invoice.TenantID, evt.OccurredAt, evt)
}

func (s *RedisSink) publish(ctx context.Context, eventType, tenantID string, at time.Time, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", eventType, err)
	}
	msg, err := json.Marshal(Envelope{
		ID:         ulid.Make().String(),
		Type:       eventType,
		TenantID:   tenantID,
		OccurredAt: at,
		Data:       data,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, msg).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}
