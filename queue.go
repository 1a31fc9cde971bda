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
	"encoding/json"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/paystreamhq/paystream/config"
	redis_db "github.com/paystreamhq/paystream/internal/redis-db"
)

// Task type names. The sweep task name doubles as its queue name, read from
// configuration, so only the recovery and verification types are fixed.
const (
	TaskOrphanRecovery      = "channel:recover_orphan"
	TaskClosureVerification = "channel:verify_closure"
)

// Queue wraps the asynq client used to hand work to the background workers.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// OrphanRecoveryPayload carries everything needed to import a ledger-only
// channel. The creation parameters may be nil when they were lost with the
// failed local write; recovery then falls back to a degraded import.
type OrphanRecoveryPayload struct {
	LedgerChannelID string               `json:"ledger_channel_id"`
	Params          *CreateChannelParams `json:"params,omitempty"`
}

// ClosureVerificationPayload identifies a submitted closure transaction that
// still needs to be verified against the ledger.
type ClosureVerificationPayload struct {
	ChannelID string `json:"channel_id"`
	TxHash    string `json:"tx_hash"`
}

// NewQueue initializes the task queue from the configured Redis connection.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	return &Queue{
		Client:    asynq.NewClient(queueOptions),
		Inspector: asynq.NewInspector(queueOptions),
	}
}

// queueOrphanRecovery enqueues an import task for a channel that exists on
// the ledger but not locally. The task ID is the ledger channel ID, so
// repeated partial failures of the same channel collapse into one task.
func (q *Queue) queueOrphanRecovery(ctx context.Context, ledgerChannelID string, params *CreateChannelParams) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(OrphanRecoveryPayload{LedgerChannelID: ledgerChannelID, Params: params})
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskOrphanRecovery, payload,
		asynq.TaskID(ledgerChannelID),
		asynq.Queue(cfg.Sweep.Queue),
		asynq.MaxRetry(10),
	)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued orphan recovery: %s", ledgerChannelID)
	return nil
}

// queueClosureVerification enqueues a post-submission ledger check for a
// closure transaction. Keyed by txHash so a resubmitted confirmation does
// not fan out into duplicate checks.
func (q *Queue) queueClosureVerification(ctx context.Context, channelID, txHash string) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(ClosureVerificationPayload{ChannelID: channelID, TxHash: txHash})
	if err != nil {
		return err
	}

	task := asynq.NewTask(TaskClosureVerification, payload,
		asynq.TaskID(txHash),
		asynq.Queue(cfg.Sweep.Queue),
		asynq.MaxRetry(5),
		asynq.ProcessIn(30*time.Second),
	)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued closure verification: %s", txHash)
	return nil
}
