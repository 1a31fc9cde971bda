package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paystreamhq/paystream/internal/notification"
	"github.com/paystreamhq/paystream/model"
)

const webhookKeyPrefix = "webhooks"

type redisManager struct {
	client redis.UniversalClient
}

// NewManager creates a Redis-backed webhook manager.
func NewManager(redisClient redis.UniversalClient) Manager {
	return &redisManager{
		client: redisClient,
	}
}

func (m *redisManager) RegisterWebhook(ctx context.Context, webhook *Webhook) error {
	if webhook.ID == "" {
		webhook.ID = model.GenerateUUIDWithSuffix("whk")
	}
	webhook.CreatedAt = time.Now()

	if err := validateWebhook(webhook); err != nil {
		return err
	}

	data, err := json.Marshal(webhook)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook: %w", err)
	}

	if err := m.client.Set(ctx, registryKey(webhook.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store webhook: %w", err)
	}

	// Event-specific set keeps dispatch lookups to one SMEMBERS call.
	if err := m.client.SAdd(ctx, eventKey(webhook.Event), webhook.ID).Err(); err != nil {
		return fmt.Errorf("failed to index webhook by event: %w", err)
	}

	return nil
}

func (m *redisManager) UpdateWebhook(ctx context.Context, webhookID string, webhook *Webhook) error {
	existing, err := m.GetWebhook(ctx, webhookID)
	if err != nil {
		return fmt.Errorf("webhook not found: %s", webhookID)
	}

	webhook.ID = existing.ID
	webhook.CreatedAt = existing.CreatedAt
	webhook.LastRun = existing.LastRun
	webhook.LastSuccess = existing.LastSuccess

	if err := validateWebhook(webhook); err != nil {
		return err
	}

	if existing.Event != webhook.Event {
		if err := m.client.SRem(ctx, eventKey(existing.Event), webhookID).Err(); err != nil {
			return err
		}
		if err := m.client.SAdd(ctx, eventKey(webhook.Event), webhookID).Err(); err != nil {
			return err
		}
	}

	data, err := json.Marshal(webhook)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook: %w", err)
	}

	return m.client.Set(ctx, registryKey(webhookID), data, 0).Err()
}

func (m *redisManager) DeleteWebhook(ctx context.Context, webhookID string) error {
	webhook, err := m.GetWebhook(ctx, webhookID)
	if err != nil {
		return err
	}

	pipe := m.client.Pipeline()
	pipe.Del(ctx, registryKey(webhookID))
	pipe.SRem(ctx, eventKey(webhook.Event), webhookID)
	_, err = pipe.Exec(ctx)
	return err
}

func (m *redisManager) GetWebhook(ctx context.Context, webhookID string) (*Webhook, error) {
	data, err := m.client.Get(ctx, registryKey(webhookID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("webhook not found: %s", webhookID)
		}
		return nil, err
	}

	var webhook Webhook
	if err := json.Unmarshal(data, &webhook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal webhook: %w", err)
	}

	return &webhook, nil
}

func (m *redisManager) ListWebhooks(ctx context.Context, event EventType) ([]*Webhook, error) {
	webhookIDs, err := m.client.SMembers(ctx, eventKey(event)).Result()
	if err != nil {
		return nil, err
	}

	webhooks := make([]*Webhook, 0, len(webhookIDs))
	for _, id := range webhookIDs {
		webhook, err := m.GetWebhook(ctx, id)
		if err != nil {
			continue
		}
		webhooks = append(webhooks, webhook)
	}

	return webhooks, nil
}

// Dispatch fans the event out to every active subscriber for the event type.
// Deliveries run in the background; a failing endpoint never blocks the
// lifecycle transition that produced the event.
func (m *redisManager) Dispatch(ctx context.Context, payload EventPayload) error {
	webhooks, err := m.ListWebhooks(ctx, payload.Event)
	if err != nil {
		return err
	}

	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}

	for _, webhook := range webhooks {
		if !webhook.Active {
			continue
		}

		go func(w *Webhook) {
			deliveryCtx, cancel := context.WithTimeout(context.Background(), time.Duration(w.Timeout)*time.Second)
			defer cancel()

			if err := m.deliver(deliveryCtx, w, payload); err != nil {
				notification.NotifyError(fmt.Errorf("webhook delivery failed for %s (event: %s): %w", w.ID, payload.Event, err))
			}
		}(webhook)
	}

	return nil
}

func validateWebhook(webhook *Webhook) error {
	if webhook.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	switch webhook.Event {
	case ChannelClosed, ChannelFlagged, ClosureRequested, ClosureApproved, ClosureRejected, ClosureCancelled, ClosureCompleted:
	default:
		return fmt.Errorf("invalid webhook event: %s", webhook.Event)
	}
	if webhook.Timeout <= 0 {
		webhook.Timeout = 30
	}
	return nil
}

func registryKey(webhookID string) string {
	return fmt.Sprintf("%s:%s", webhookKeyPrefix, webhookID)
}

func eventKey(event EventType) string {
	return fmt.Sprintf("%s:event:%s", webhookKeyPrefix, event)
}
