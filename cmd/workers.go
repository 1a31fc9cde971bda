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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	paystream "github.com/paystreamhq/paystream"
	"github.com/paystreamhq/paystream/config"
	"github.com/paystreamhq/paystream/internal/apierror"
	redis_db "github.com/paystreamhq/paystream/internal/redis-db"
)

// processOrphanRecovery imports a channel that funded on the ledger but never
// made it into the local store. Asynq retries transient failures; a channel
// that turns out not to need recovery completes the task.
func (b *paystreamInstance) processOrphanRecovery(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("paystream.recovery.worker").Start(ctx, "Process Orphan Recovery From Queue")
	defer span.End()

	var payload paystream.OrphanRecoveryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	channel, err := b.engine.RecoverOrphanedChannel(ctx, payload.LedgerChannelID, payload.Params)
	if err != nil {
		if apierror.Is(err, apierror.ErrNotFound) {
			// Nothing on the ledger either; retrying will not change that.
			logrus.Warnf("orphan recovery dropped, channel %s not on ledger", payload.LedgerChannelID)
			return nil
		}
		logrus.Infof("orphan recovery for %s pushed back for retry: %v", payload.LedgerChannelID, err)
		return err
	}

	log.Println(" [*] Orphaned Channel Recovered", channel.ChannelID)
	return nil
}

// processClosureVerification re-checks a submitted closure transaction
// against the ledger. Consistency errors mean the channel was rolled back or
// flagged; the task is done either way.
func (b *paystreamInstance) processClosureVerification(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("paystream.closure.worker").Start(ctx, "Process Closure Verification From Queue")
	defer span.End()

	var payload paystream.ClosureVerificationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	channel, err := b.engine.ConfirmChannelClosure(ctx, payload.ChannelID, payload.TxHash)
	if err != nil {
		if apierror.Is(err, apierror.ErrConsistency) || apierror.Is(err, apierror.ErrInvalidState) {
			logrus.Warnf("closure verification for channel %s resolved without closing: %v", payload.ChannelID, err)
			return nil
		}
		logrus.Infof("closure verification for channel %s pushed back for retry: %v", payload.ChannelID, err)
		return err
	}

	log.Println(" [*] Closure Verified", channel.ChannelID, payload.TxHash)
	return nil
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	return map[string]int{
		cfg.Sweep.Queue: 3,
	}
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(b *paystreamInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(paystream.TaskOrphanRecovery, b.processOrphanRecovery)
	mux.HandleFunc(paystream.TaskClosureVerification, b.processClosureVerification)
}

// workerCommands starts the background workers: the asynq server for
// recovery and verification tasks, and the periodic expiry sweeper.
func workerCommands(b *paystreamInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start paystream workers",
		Run: func(cmd *cobra.Command, args []string) {
			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			queues := initializeQueues()

			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, mux)

			sweeper := paystream.NewSweeper(b.engine, conf.SweepInterval(), conf.Sweep.BatchSize, conf.Sweep.MaxValidationAttempts)
			sweeper.Start()
			defer sweeper.Stop()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
