/*
Copyright 2025 Paystream Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// deliver performs a single HTTP POST to the subscriber endpoint. Subscribers
// acknowledge with any 2xx status; a JSON body in the DeliveryResponse shape
// may additionally report success=false to signal rejection.
func (m *redisManager) deliver(ctx context.Context, webhook *Webhook, payload EventPayload) error {
	client := &http.Client{
		Timeout: time.Duration(webhook.Timeout) * time.Second,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"webhook_id": webhook.ID,
		"event":      payload.Event,
		"channel_id": payload.ChannelID,
		"url":        webhook.URL,
	}).Info("Delivering webhook")

	req, err := http.NewRequestWithContext(ctx, "POST", webhook.URL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", webhook.ID)
	req.Header.Set("X-Webhook-Event", string(payload.Event))

	resp, err := client.Do(req)
	if err != nil {
		_ = m.updateDeliveryStatus(ctx, webhook, false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close response body")
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		_ = m.updateDeliveryStatus(ctx, webhook, false)
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = m.updateDeliveryStatus(ctx, webhook, false)
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}

	if json.Valid(body) {
		var ack DeliveryResponse
		if err := json.Unmarshal(body, &ack); err == nil && ack.Message != "" && !ack.Success {
			_ = m.updateDeliveryStatus(ctx, webhook, false)
			return fmt.Errorf("webhook rejected delivery: %s", ack.Message)
		}
	}

	logrus.WithFields(logrus.Fields{
		"webhook_id":  webhook.ID,
		"event":       payload.Event,
		"status_code": resp.StatusCode,
	}).Debug("Webhook delivered")

	return m.updateDeliveryStatus(ctx, webhook, true)
}

func (m *redisManager) updateDeliveryStatus(ctx context.Context, webhook *Webhook, success bool) error {
	webhook.LastRun = time.Now()
	webhook.LastSuccess = success

	data, err := json.Marshal(webhook)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook: %w", err)
	}

	return m.client.Set(ctx, registryKey(webhook.ID), data, 0).Err()
}
