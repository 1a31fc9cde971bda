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
	"context"
	"encoding/json"
	"time"
)

// EventType identifies a channel lifecycle transition subscribers can
// register webhooks against.
type EventType string

const (
	ChannelClosed    EventType = "channel.closed"
	ChannelFlagged   EventType = "channel.flagged"
	ClosureRequested EventType = "closure_request.pending"
	ClosureApproved  EventType = "closure_request.approved"
	ClosureRejected  EventType = "closure_request.rejected"
	ClosureCancelled EventType = "closure_request.cancelled"
	ClosureCompleted EventType = "closure_request.completed"
)

// Webhook represents a registered subscriber endpoint for one event type.
type Webhook struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Event       EventType `json:"event"`
	Active      bool      `json:"active"`
	Timeout     int       `json:"timeout"` // seconds per delivery attempt
	CreatedAt   time.Time `json:"created_at"`
	LastRun     time.Time `json:"last_run"`
	LastSuccess bool      `json:"last_success"`
}

// EventPayload is the body POSTed to subscriber endpoints.
type EventPayload struct {
	Event     EventType       `json:"event"`
	ChannelID string          `json:"channel_id"`
	RequestID string          `json:"request_id,omitempty"`
	TxHash    string          `json:"tx_hash,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// DeliveryResponse is the optional acknowledgement a subscriber may return.
type DeliveryResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Manager stores webhook registrations and dispatches lifecycle events to
// subscribed endpoints.
type Manager interface {
	RegisterWebhook(ctx context.Context, webhook *Webhook) error
	UpdateWebhook(ctx context.Context, webhookID string, webhook *Webhook) error
	DeleteWebhook(ctx context.Context, webhookID string) error
	GetWebhook(ctx context.Context, webhookID string) (*Webhook, error)
	ListWebhooks(ctx context.Context, event EventType) ([]*Webhook, error)
	Dispatch(ctx context.Context, payload EventPayload) error
}
