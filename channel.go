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

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/paystreamhq/paystream/config"
	"github.com/paystreamhq/paystream/internal/apierror"
	"github.com/paystreamhq/paystream/internal/hooks"
	redlock "github.com/paystreamhq/paystream/internal/lock"
	"github.com/paystreamhq/paystream/internal/notification"
	"github.com/paystreamhq/paystream/ledger"
	"github.com/paystreamhq/paystream/model"
)

var tracer = otel.Tracer("channel.lifecycle")

func logAndRecordError(span trace.Span, msg string, err error) error {
	span.RecordError(err)
	logrus.Error(msg, err)
	return err
}

// CreateChannelParams carries the terms of a new channel.
type CreateChannelParams struct {
	FunderID     string                 `json:"funder_id"`
	PayeeID      string                 `json:"payee_id"`
	Rate         *big.Int               `json:"rate"`
	FundedEscrow *big.Int               `json:"funded_escrow"`
	MaxPerPeriod *big.Int               `json:"max_per_period"`
	SettleDelay  time.Duration          `json:"settle_delay"`
	CancelAfter  time.Time              `json:"cancel_after"`
	MetaData     map[string]interface{} `json:"meta_data"`
}

func positiveBigInt(value interface{}) error {
	v, _ := value.(*big.Int)
	if v == nil || v.Sign() <= 0 {
		return apierror.NewAPIError(apierror.ErrInvalidInput, "must be a positive amount", nil)
	}
	return nil
}

func (p CreateChannelParams) validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.FunderID, validation.Required),
		validation.Field(&p.PayeeID, validation.Required),
		validation.Field(&p.Rate, validation.By(positiveBigInt)),
		validation.Field(&p.FundedEscrow, validation.By(positiveBigInt)),
	)
}

// CreateChannelResult reports the outcome of channel creation. When the
// channel funded on the ledger but the local write failed, PartialSuccess is
// true and LedgerChannelID identifies the funds so the caller never loses
// track of them; an import task has already been enqueued.
type CreateChannelResult struct {
	Channel         *model.Channel `json:"channel,omitempty"`
	PartialSuccess  bool           `json:"partial_success,omitempty"`
	LedgerChannelID string         `json:"ledger_channel_id,omitempty"`
}

// CreateChannel funds a new channel on the ledger and records it locally.
// The two writes cannot be atomic: the ledger write commits first because an
// unrecorded local row is harmless while unrecorded escrowed funds are not.
func (p *Paystream) CreateChannel(ctx context.Context, params CreateChannelParams) (*CreateChannelResult, error) {
	ctx, span := tracer.Start(ctx, "Creating channel")
	defer span.End()

	if err := params.validate(); err != nil {
		span.RecordError(err)
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}
	if params.FunderID == params.PayeeID {
		err := apierror.NewAPIError(apierror.ErrInvalidInput, "Funder and payee must be distinct parties", nil)
		span.RecordError(err)
		return nil, err
	}

	ledgerChannelID, err := p.ledger.CreateChannel(ctx, ledger.CreateChannelParams{
		Funder:      params.FunderID,
		Payee:       params.PayeeID,
		Escrow:      params.FundedEscrow,
		SettleDelay: params.SettleDelay,
		CancelAfter: params.CancelAfter,
	})
	if err != nil {
		return nil, logAndRecordError(span, "ledger channel creation failed: ", apierror.NewAPIError(apierror.ErrExternal, "Ledger channel creation failed", err))
	}
	span.AddEvent("ledger channel created")

	channel := model.Channel{
		LedgerChannelID: ledgerChannelID,
		FunderID:        params.FunderID,
		PayeeID:         params.PayeeID,
		Rate:            params.Rate,
		FundedEscrow:    params.FundedEscrow,
		MaxPerPeriod:    params.MaxPerPeriod,
		SettleDelay:     params.SettleDelay,
		CancelAfter:     params.CancelAfter,
		Status:          model.ChannelStatusActive,
		MetaData:        params.MetaData,
	}

	created, err := p.datasource.CreateChannel(ctx, channel)
	if err != nil {
		// Funds are already escrowed on the ledger. Surface the ledger ID
		// and hand the import to the recovery worker rather than pretending
		// the operation failed cleanly.
		logrus.WithFields(logrus.Fields{"ledger_channel_id": ledgerChannelID}).WithError(err).Error("local channel persist failed after ledger creation")
		span.RecordError(err)
		span.AddEvent("local persist failed, orphan recovery queued")

		if p.queue != nil {
			if qErr := p.queue.queueOrphanRecovery(ctx, ledgerChannelID, &params); qErr != nil {
				notification.NotifyError(qErr)
			}
		}
		return &CreateChannelResult{PartialSuccess: true, LedgerChannelID: ledgerChannelID},
			apierror.NewAPIError(apierror.ErrConsistency, "Channel funded on ledger but not recorded locally", err)
	}

	return &CreateChannelResult{Channel: &created}, nil
}

// GetChannel retrieves a channel by ID.
func (p *Paystream) GetChannel(ctx context.Context, id string) (*model.Channel, error) {
	ctx, span := tracer.Start(ctx, "Getting channel")
	defer span.End()
	return p.datasource.GetChannelByID(ctx, id)
}

// GetChannelsByParties lists channels between a funder and a payee.
func (p *Paystream) GetChannelsByParties(ctx context.Context, funderID, payeeID string, limit, offset int) ([]model.Channel, error) {
	ctx, span := tracer.Start(ctx, "Listing channels by parties")
	defer span.End()
	return p.datasource.GetChannelsByParties(ctx, funderID, payeeID, limit, offset)
}

// lockChannel serializes operations on a single channel across processes.
func (p *Paystream) lockChannel(ctx context.Context, channelID string) (*redlock.Locker, error) {
	locker := redlock.NewLocker(p.redis, channelID, model.GenerateUUIDWithSuffix("loc"))
	if err := locker.WaitLock(ctx, 30*time.Second, 30*time.Second); err != nil {
		return nil, err
	}
	return locker, nil
}

func (p *Paystream) unlockChannel(ctx context.Context, locker *redlock.Locker) {
	if err := locker.Unlock(ctx); err != nil {
		logrus.Error("failed to release channel lock", err)
	}
}

// InitiateClosure moves an active channel into closing on behalf of one of
// its parties. The funder may close at will; the payee may only force
// closure once the immutable cancel-after deadline has elapsed. The returned
// transaction is unsigned: the caller signs and submits it externally, then
// reports back through ConfirmChannelClosure.
func (p *Paystream) InitiateClosure(ctx context.Context, channelID, actorID string) (*model.Channel, *model.ClosureTransaction, error) {
	ctx, span := tracer.Start(ctx, "Initiating channel closure")
	defer span.End()

	locker, err := p.lockChannel(ctx, channelID)
	if err != nil {
		return nil, nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to acquire channel lock", err)
	}
	defer p.unlockChannel(ctx, locker)

	channel, err := p.datasource.GetChannelByID(ctx, channelID)
	if err != nil {
		return nil, nil, err
	}
	if !channel.IsParty(actorID) {
		err := apierror.NewAPIError(apierror.ErrUnauthorized, "Actor is not a party to this channel", nil)
		span.RecordError(err)
		return nil, nil, err
	}
	if channel.Status != model.ChannelStatusActive {
		err := apierror.NewAPIError(apierror.ErrInvalidState, "Channel is not active", nil)
		span.RecordError(err)
		return nil, nil, err
	}

	now := time.Now()
	var reason model.ClosureReason
	var expiration time.Time
	switch {
	case channel.IsFunder(actorID):
		reason = model.ClosureReasonManual
		expiration = now.Add(channel.SettleDelay)
	case channel.CanForceClose(now):
		reason = model.ClosureReasonPayeeForced
		expiration = now
	default:
		err := apierror.NewAPIError(apierror.ErrUnauthorized, "Payee cannot force closure before the cancel-after deadline", nil)
		span.RecordError(err)
		return nil, nil, err
	}

	if err := p.datasource.MarkChannelClosing(ctx, channelID, now, expiration, reason); err != nil {
		return nil, nil, logAndRecordError(span, "marking channel closing failed: ", err)
	}
	span.AddEvent("channel transitioned to closing")

	channel.Status = model.ChannelStatusClosing
	channel.ClosureInitiatedAt = now
	channel.ExpirationTime = expiration
	channel.ClosureReason = reason

	closureTx := &model.ClosureTransaction{
		LedgerChannelID: channel.LedgerChannelID,
		Balance:         channel.OffChainAccrued,
		Close:           true,
	}
	return channel, closureTx, nil
}

// ConfirmChannelClosure records an externally-submitted closure transaction
// and verifies it against the ledger. Repeating a confirmation with the same
// txHash after the channel closed is a no-op success. When the ledger shows
// the transaction did not apply, the channel rolls back to active, bounded
// by the configured validation attempts.
func (p *Paystream) ConfirmChannelClosure(ctx context.Context, channelID, txHash string) (*model.Channel, error) {
	ctx, span := tracer.Start(ctx, "Confirming channel closure")
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

	if channel.Status == model.ChannelStatusClosed {
		if channel.ClosureTxHash == txHash {
			span.AddEvent("closure already confirmed, idempotent no-op")
			return channel, nil
		}
		err := apierror.NewAPIError(apierror.ErrInvalidState, "Channel is already closed with a different transaction", nil)
		span.RecordError(err)
		return nil, err
	}
	if channel.Status != model.ChannelStatusClosing {
		err := apierror.NewAPIError(apierror.ErrInvalidState, "Channel is not closing", nil)
		span.RecordError(err)
		return nil, err
	}

	state, err := p.ledger.QueryChannel(ctx, channel.LedgerChannelID)
	if err != nil {
		return nil, logAndRecordError(span, "ledger query failed: ", apierror.NewAPIError(apierror.ErrExternal, "Ledger query failed", err))
	}

	return p.applyClosureVerification(ctx, span, channel, state, txHash)
}

// applyClosureVerification converges a closing channel with what the ledger
// reports. Absent channel: fully settled, close with settlement. Present
// with a scheduled expiration: the close applied, the channel stays closing
// until the sweep finalizes it after the settle window. Present without an
// expiration: the transaction did not apply, roll back.
func (p *Paystream) applyClosureVerification(ctx context.Context, span trace.Span, channel *model.Channel, state ledger.ChannelState, txHash string) (*model.Channel, error) {
	now := time.Now()

	if !state.Exists {
		completion := model.ClosureCompletion{
			ClosedAt: now,
			TxHash:   txHash,
			Reason:   channel.ClosureReason,
			Settled:  true,
		}
		if err := p.datasource.MarkChannelClosed(ctx, channel.ChannelID, model.ChannelStatusClosing, completion); err != nil {
			return nil, logAndRecordError(span, "closing channel failed: ", err)
		}
		span.AddEvent("channel settled and closed")
		p.emit(ctx, hooks.ChannelClosed, channel.ChannelID, "", txHash)

		channel.Status = model.ChannelStatusClosed
		channel.ClosedAt = now
		channel.ClosureTxHash = txHash
		channel.SettledAmount = channel.OffChainAccrued
		channel.OffChainAccrued = big.NewInt(0)
		return channel, nil
	}

	if !state.Expiration.IsZero() {
		// The closure applied on the ledger; the settle window is running.
		// Record the hash and leave finalization to the expiry sweep.
		if err := p.datasource.UpdateOnChainBalance(ctx, channel.ChannelID, state.Balance, now); err != nil {
			return nil, logAndRecordError(span, "recording ledger balance failed: ", err)
		}
		if _, err := p.datasource.UpdateChannelMetaData(ctx, channel.ChannelID, map[string]interface{}{
			"closure_tx_hash": txHash,
		}); err != nil {
			return nil, logAndRecordError(span, "recording closure tx failed: ", err)
		}
		if p.queue != nil {
			if err := p.queue.queueClosureVerification(ctx, channel.ChannelID, txHash); err != nil {
				logrus.Warn("failed to enqueue closure verification: ", err)
			}
		}
		span.AddEvent("closure applied on ledger, awaiting settle window")
		channel.OnChainBalance = state.Balance
		channel.LastLedgerSync = now
		return channel, nil
	}

	// The ledger still shows an open channel with no closure scheduled: the
	// submitted transaction did not apply.
	return nil, p.rollbackAfterFailedValidation(ctx, span, channel, now)
}

// rollbackAfterFailedValidation reverts closing to active, counting the
// attempt. Past the configured bound the channel stays closing, gets flagged
// for manual intervention and operators are alerted.
func (p *Paystream) rollbackAfterFailedValidation(ctx context.Context, span trace.Span, channel *model.Channel, now time.Time) error {
	maxAttempts := maxValidationAttempts()

	if channel.ValidationAttempts+1 >= maxAttempts {
		if err := p.datasource.RecordValidationFailure(ctx, channel.ChannelID, now); err != nil {
			return logAndRecordError(span, "recording validation failure failed: ", err)
		}
		if _, err := p.datasource.UpdateChannelMetaData(ctx, channel.ChannelID, map[string]interface{}{
			model.MetaRequiresIntervention: true,
		}); err != nil {
			return logAndRecordError(span, "flagging channel for intervention failed: ", err)
		}
		notification.NotifyChannelIntervention(channel.ChannelID, channel.ValidationAttempts+1)
		p.emit(ctx, hooks.ChannelFlagged, channel.ChannelID, "", "")
		span.AddEvent("validation attempts exhausted, intervention flagged")
		return apierror.NewAPIError(apierror.ErrConsistency, "Closure transaction never applied; channel flagged for manual intervention", nil)
	}

	if err := p.datasource.RollbackChannelClosing(ctx, channel.ChannelID, now); err != nil {
		return logAndRecordError(span, "rollback to active failed: ", err)
	}
	span.AddEvent("closure rolled back, channel active again")
	return apierror.NewAPIError(apierror.ErrConsistency, "Closure transaction not found on ledger; channel rolled back to active", nil)
}

func maxValidationAttempts() int {
	conf, err := config.Fetch()
	if err != nil {
		return 5
	}
	return conf.Sweep.MaxValidationAttempts
}
