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
	"math/big"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/paystreamhq/paystream/internal/apierror"
	"github.com/paystreamhq/paystream/internal/hooks"
	"github.com/paystreamhq/paystream/ledger"
	"github.com/paystreamhq/paystream/model"
)

var reconcilerTracer = otel.Tracer("balance.reconciler")

// RecordAccrual credits the payee for completed work units at the channel
// rate. The accrued balance only ever grows, never exceeds the funded
// escrow, and a single accrual may not exceed the per-period cap. When the
// raw amount would overrun the remaining escrow it is clamped and a warning
// logged; value up to the invariant is preserved rather than rejected.
func (p *Paystream) RecordAccrual(ctx context.Context, channelID string, units int64) (*model.Channel, error) {
	ctx, span := reconcilerTracer.Start(ctx, "Recording accrual")
	defer span.End()

	locker, err := p.lockChannel(ctx, channelID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to acquire channel lock", err)
	}
	defer p.unlockChannel(ctx, locker)

	channel, err := p.datasource.GetChannelByID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if channel.Status != model.ChannelStatusActive {
		err := apierror.NewAPIError(apierror.ErrInvalidState, "Channel is not active", nil)
		span.RecordError(err)
		return nil, err
	}

	amount, clamped, err := channel.AccrualFor(units)
	if err != nil {
		apiErr := apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
		span.RecordError(apiErr)
		return nil, apiErr
	}
	if clamped {
		logrus.WithFields(logrus.Fields{
			"channel_id": channelID,
			"applied":    amount.String(),
		}).Warn("accrual clamped to remaining escrow")
		span.AddEvent("accrual clamped to remaining escrow")
	}

	newAccrued := new(big.Int).Add(channel.OffChainAccrued, amount)
	if err := p.datasource.UpdateAccruedBalance(ctx, channelID, newAccrued); err != nil {
		return nil, logAndRecordError(span, "accrual write failed: ", err)
	}

	channel.OffChainAccrued = newAccrued
	return channel, nil
}

// SyncLedgerBalance refreshes the audit-only mirror of the ledger's settled
// balance. The mirror is written verbatim and never flows into the accrued
// balance: a ledger that reports zero has simply not settled yet, and zeroing
// accrued value from it would erase what the payee is owed. When the ledger
// no longer knows the channel at all, the closure already finalized out of
// band and the local record converges to closed.
func (p *Paystream) SyncLedgerBalance(ctx context.Context, channelID string) (*model.Channel, error) {
	ctx, span := reconcilerTracer.Start(ctx, "Syncing ledger balance")
	defer span.End()

	channel, err := p.datasource.GetChannelByID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if channel.Status == model.ChannelStatusClosed {
		return channel, nil
	}

	state, err := p.ledger.QueryChannel(ctx, channel.LedgerChannelID)
	if err != nil {
		return nil, logAndRecordError(span, "ledger query failed: ", apierror.NewAPIError(apierror.ErrExternal, "Ledger query failed", err))
	}

	now := time.Now()
	if !state.Exists {
		return p.convergeImplicitClosure(ctx, channel, now)
	}

	if err := p.datasource.UpdateOnChainBalance(ctx, channelID, state.Balance, now); err != nil {
		return nil, logAndRecordError(span, "mirror write failed: ", err)
	}
	span.AddEvent("ledger balance mirrored")

	channel.OnChainBalance = state.Balance
	channel.LastLedgerSync = now
	return channel, nil
}

// convergeImplicitClosure closes the local record for a channel the ledger
// no longer has. The counterparty settled it directly on the ledger; that is
// a fact to record, not an error. An active channel was claimed, a closing
// one expired through its settle window.
func (p *Paystream) convergeImplicitClosure(ctx context.Context, channel *model.Channel, now time.Time) (*model.Channel, error) {
	reason := model.ClosureReasonClaim
	if channel.Status == model.ChannelStatusClosing {
		reason = model.ClosureReasonExpired
	}

	completion := model.ClosureCompletion{
		ClosedAt: now,
		Reason:   reason,
		Settled:  true,
	}
	if err := p.datasource.MarkChannelClosed(ctx, channel.ChannelID, channel.Status, completion); err != nil {
		// A concurrent transition already moved the channel; re-read and
		// return what won.
		if apierror.Is(err, apierror.ErrInvalidState) {
			return p.datasource.GetChannelByID(ctx, channel.ChannelID)
		}
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"channel_id": channel.ChannelID,
		"reason":     reason,
	}).Info("channel converged to closed from ledger state")
	p.emit(ctx, hooks.ChannelClosed, channel.ChannelID, "", channel.ClosureTxHash)

	channel.Status = model.ChannelStatusClosed
	channel.ClosedAt = now
	channel.ClosureReason = reason
	channel.SettledAmount = channel.OffChainAccrued
	channel.OffChainAccrued = big.NewInt(0)
	return channel, nil
}

// SyncAllActiveChannels walks active channels in batches and refreshes each
// ledger mirror. Per-channel failures are logged and skipped so one bad
// channel cannot stall the rest of the sync.
func (p *Paystream) SyncAllActiveChannels(ctx context.Context, batchSize int) error {
	ctx, span := reconcilerTracer.Start(ctx, "Syncing all active channels")
	defer span.End()

	offset := 0
	for {
		channels, err := p.datasource.GetActiveChannels(ctx, batchSize, offset)
		if err != nil {
			return logAndRecordError(span, "listing active channels failed: ", err)
		}
		if len(channels) == 0 {
			return nil
		}

		for i := range channels {
			if _, err := p.SyncLedgerBalance(ctx, channels[i].ChannelID); err != nil {
				logrus.WithFields(logrus.Fields{"channel_id": channels[i].ChannelID}).WithError(err).Warn("ledger sync skipped channel")
			}
		}
		offset += len(channels)
	}
}

// DriftReport lists non-closed channels whose accrued balance leads the
// ledger mirror by at least the threshold. Drift on an active channel is the
// normal shape of off-chain accrual; the report matters for closing channels
// that sit past their expiration without settling.
func (p *Paystream) DriftReport(ctx context.Context, threshold *big.Int, limit int) ([]model.Channel, error) {
	ctx, span := reconcilerTracer.Start(ctx, "Building drift report")
	defer span.End()

	if threshold == nil {
		threshold = big.NewInt(0)
	}
	return p.datasource.GetDriftingChannels(ctx, threshold, limit)
}

// ledgerExpirationElapsed reports whether the ledger's own view of the
// channel expiration has passed. Local clocks drift; the ledger's word on
// its own deadline is the one that counts before a settlement is forced.
func ledgerExpirationElapsed(state ledger.ChannelState, now time.Time) bool {
	if state.Expiration.IsZero() {
		return false
	}
	return !now.Before(state.Expiration)
}
