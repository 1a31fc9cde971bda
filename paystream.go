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

package paystream

import (
	"context"
	"embed"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/paystreamhq/paystream/config"
	"github.com/paystreamhq/paystream/database"
	"github.com/paystreamhq/paystream/internal/hooks"
	redis_db "github.com/paystreamhq/paystream/internal/redis-db"
	"github.com/paystreamhq/paystream/ledger"
)

// SQLFiles holds the embedded schema migrations applied by the migrate
// command.
//
//go:embed sql/*.sql
var SQLFiles embed.FS

// Paystream is the channel lifecycle engine. It owns the local channel
// records and reconciles them against the external ledger; it never holds
// signing keys, so every ledger write goes through the injected client.
type Paystream struct {
	datasource database.IDataSource
	ledger     ledger.Client
	redis      redis.UniversalClient
	queue      *Queue
	hooks      hooks.Manager
}

// NewPaystream wires the engine from the loaded configuration: repository,
// retrying ledger client, redis locker backend and the task queue.
func NewPaystream(db database.IDataSource, ledgerClient ledger.Client) (*Paystream, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", configuration.Redis.Dns)}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}

	retrying := ledger.WithRetries(ledgerClient, configuration.Ledger.MaxRetries, configuration.LedgerCallTimeout())
	newQueue := NewQueue(configuration)

	return &Paystream{
		datasource: database.Instrument(db),
		ledger:     retrying,
		redis:      redisClient.Client(),
		queue:      newQueue,
		hooks:      hooks.NewManager(redisClient.Client()),
	}, nil
}

// NewPaystreamWithDeps builds an engine from explicit dependencies. Tests
// and embedded callers use it to supply mocks; any dependency may be nil when
// the exercised paths never touch it.
func NewPaystreamWithDeps(db database.IDataSource, ledgerClient ledger.Client, redisClient redis.UniversalClient, queue *Queue) *Paystream {
	engine := &Paystream{
		datasource: db,
		ledger:     ledgerClient,
		redis:      redisClient,
		queue:      queue,
	}
	if redisClient != nil {
		engine.hooks = hooks.NewManager(redisClient)
	}
	return engine
}

// Hooks exposes the webhook manager so callers can register subscriber
// endpoints for lifecycle events.
func (p *Paystream) Hooks() hooks.Manager {
	return p.hooks
}

// emit dispatches a lifecycle event to registered webhooks. Hook delivery is
// advisory; failures are reported through notifications, never to the caller.
func (p *Paystream) emit(ctx context.Context, event hooks.EventType, channelID, requestID, txHash string) {
	if p.hooks == nil {
		return
	}
	err := p.hooks.Dispatch(ctx, hooks.EventPayload{
		Event:     event,
		ChannelID: channelID,
		RequestID: requestID,
		TxHash:    txHash,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"event":      event,
			"channel_id": channelID,
		}).Warnf("webhook dispatch failed: %v", err)
	}
}
