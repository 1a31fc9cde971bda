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
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/paystreamhq/paystream/internal/apierror"
	"github.com/paystreamhq/paystream/internal/hooks"
	"github.com/paystreamhq/paystream/internal/notification"
	"github.com/paystreamhq/paystream/ledger"
	"github.com/paystreamhq/paystream/model"
)

var sweepTracer = otel.Tracer("expiry.sweep")

// Sweeper periodically finalizes closing channels whose settle window has
// elapsed. Dependencies are injected so hosts control scheduling: the ticker
// loop is a convenience, and RunExpirySweep can equally be driven by a queue
// worker or a test. Every transition it performs is a conditional update, so
// concurrent sweeps and manual closures race safely; the loser's write
// simply does not apply.
type Sweeper struct {
	engine      *Paystream
	interval    time.Duration
	batchSize   int
	maxAttempts int
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

func NewSweeper(engine *Paystream, interval time.Duration, batchSize, maxAttempts int) *Sweeper {
	return &Sweeper{
		engine:      engine,
		interval:    interval,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the ticker loop. The first sweep runs immediately.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		logrus.Infof("Expiry sweeper started with interval: %v", s.interval)

		s.runOnce()

		for {
			select {
			case <-ticker.C:
				s.runOnce()
			case <-s.stopCh:
				logrus.Info("Expiry sweeper stopping...")
				return
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	logrus.Info("Expiry sweeper stopped")
}

func (s *Sweeper) runOnce() {
	if err := s.RunExpirySweep(context.Background()); err != nil {
		logrus.Errorf("Sweeper: expiry sweep failed: %v", err)
	}
}

// RunExpirySweep processes every closing channel past its expiration time.
// Safe to invoke concurrently and to repeat: each channel transition is
// guarded by its expected prior status.
func (s *Sweeper) RunExpirySweep(ctx context.Context) error {
	ctx, span := sweepTracer.Start(ctx, "Running expiry sweep")
	defer span.End()

	channels, err := s.engine.datasource.GetExpiredClosingChannels(ctx, time.Now(), s.batchSize)
	if err != nil {
		return logAndRecordError(span, "listing expired closing channels failed: ", err)
	}
	if len(channels) == 0 {
		logrus.Debug("Sweeper: no expired closing channels")
		return nil
	}

	span.SetAttributes(attribute.Int("sweep.candidates", len(channels)))
	logrus.Infof("Sweeper: processing %d expired closing channels", len(channels))

	for _, channel := range channels {
		s.sweepChannel(ctx, channel)
	}
	return nil
}

// sweepChannel finalizes one expired closing channel. Channels that already
// burned through their validation attempts are flagged once and then left
// for an operator instead of being retried forever.
func (s *Sweeper) sweepChannel(ctx context.Context, channel *model.Channel) {
	ctx, span := sweepTracer.Start(ctx, "Sweeping channel")
	defer span.End()
	span.SetAttributes(attribute.String("channel.id", channel.ChannelID))

	if channel.ValidationAttempts >= s.maxAttempts {
		if _, flagged := channel.MetaData[model.MetaRequiresIntervention]; !flagged {
			if _, err := s.engine.datasource.UpdateChannelMetaData(ctx, channel.ChannelID, map[string]interface{}{
				model.MetaRequiresIntervention: true,
			}); err != nil {
				logrus.Errorf("Sweeper: failed to flag channel %s: %v", channel.ChannelID, err)
				return
			}
			notification.NotifyChannelIntervention(channel.ChannelID, channel.ValidationAttempts)
			s.engine.emit(ctx, hooks.ChannelFlagged, channel.ChannelID, "", "")
		}
		logrus.Warnf("Sweeper: channel %s skipped, needs manual intervention", channel.ChannelID)
		return
	}

	state, err := s.engine.ledger.QueryChannel(ctx, channel.LedgerChannelID)
	if err != nil {
		logrus.Errorf("Sweeper: ledger query failed for channel %s: %v", channel.ChannelID, err)
		s.recordFailure(ctx, channel)
		return
	}

	now := time.Now()

	// Ledger no longer has the channel: settlement already finalized, no
	// new transaction needed. Converge the local record.
	if !state.Exists {
		completion := model.ClosureCompletion{
			ClosedAt: now,
			Reason:   model.ClosureReasonExpired,
			TxHash:   channel.ClosureTxHash,
			Settled:  true,
		}
		if err := s.engine.datasource.MarkChannelClosed(ctx, channel.ChannelID, model.ChannelStatusClosing, completion); err != nil {
			if apierror.Is(err, apierror.ErrInvalidState) {
				logrus.Infof("Sweeper: channel %s already transitioned elsewhere", channel.ChannelID)
				return
			}
			logrus.Errorf("Sweeper: failed to close channel %s: %v", channel.ChannelID, err)
			return
		}
		span.AddEvent("channel converged to closed, ledger already settled")
		s.engine.emit(ctx, hooks.ChannelClosed, channel.ChannelID, "", channel.ClosureTxHash)
		logrus.Infof("Sweeper: channel %s closed, settlement already on ledger", channel.ChannelID)
		return
	}

	// The ledger still holds the channel. Trust its own expiration over the
	// local clock before forcing settlement.
	if !ledgerExpirationElapsed(state, now) {
		logrus.Debugf("Sweeper: channel %s not yet expired on ledger, skipping", channel.ChannelID)
		span.AddEvent("ledger expiration not elapsed, skipped")
		return
	}

	// Submit the final settlement. No balance override: the closure
	// transaction already fixed the payee's amount.
	txHash, err := s.engine.ledger.SubmitClosure(ctx, ledger.CloseParams{
		ChannelID: channel.LedgerChannelID,
		Close:     true,
	})
	if err != nil {
		logrus.Errorf("Sweeper: settlement submission failed for channel %s: %v", channel.ChannelID, err)
		s.recordFailure(ctx, channel)
		return
	}

	completion := model.ClosureCompletion{
		ClosedAt: now,
		TxHash:   txHash,
		Reason:   model.ClosureReasonExpired,
		Settled:  true,
	}
	if err := s.engine.datasource.MarkChannelClosed(ctx, channel.ChannelID, model.ChannelStatusClosing, completion); err != nil {
		if apierror.Is(err, apierror.ErrInvalidState) {
			logrus.Infof("Sweeper: channel %s already transitioned elsewhere", channel.ChannelID)
			return
		}
		logrus.Errorf("Sweeper: failed to close channel %s after settlement %s: %v", channel.ChannelID, txHash, err)
		return
	}
	span.AddEvent("channel settled and closed")
	s.engine.emit(ctx, hooks.ChannelClosed, channel.ChannelID, "", txHash)
	logrus.Infof("Sweeper: channel %s settled with tx %s", channel.ChannelID, txHash)
}

// recordFailure bumps the channel's validation attempts and alerts once the
// bound is reached; the next sweep will then skip the channel.
func (s *Sweeper) recordFailure(ctx context.Context, channel *model.Channel) {
	if err := s.engine.datasource.RecordValidationFailure(ctx, channel.ChannelID, time.Now()); err != nil {
		logrus.Errorf("Sweeper: failed to record validation failure for channel %s: %v", channel.ChannelID, err)
		return
	}
	if channel.ValidationAttempts+1 >= s.maxAttempts {
		notification.NotifyChannelIntervention(channel.ChannelID, channel.ValidationAttempts+1)
	}
}
