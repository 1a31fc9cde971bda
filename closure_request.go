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
	"time"

	"go.opentelemetry.io/otel"

	"github.com/paystreamhq/paystream/internal/apierror"
	"github.com/paystreamhq/paystream/internal/hooks"
	"github.com/paystreamhq/paystream/model"
)

var requestTracer = otel.Tracer("closure.request")

// RequestClosure opens a cooperative closure request on behalf of a channel
// party, snapshotting the accrued balance at request time. The partial
// unique index keeps concurrent requests down to a single pending winner.
func (p *Paystream) RequestClosure(ctx context.Context, channelID, requesterID string) (*model.ClosureRequest, error) {
	ctx, span := requestTracer.Start(ctx, "Requesting channel closure")
	defer span.End()

	channel, err := p.datasource.GetChannelByID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !channel.IsParty(requesterID) {
		err := apierror.NewAPIError(apierror.ErrUnauthorized, "Requester is not a party to this channel", nil)
		span.RecordError(err)
		return nil, err
	}
	if channel.Status == model.ChannelStatusClosed {
		err := apierror.NewAPIError(apierror.ErrInvalidState, "Channel is already closed", nil)
		span.RecordError(err)
		return nil, err
	}

	req := model.ClosureRequest{
		ChannelID:       channelID,
		RequesterID:     requesterID,
		BalanceSnapshot: channel.OffChainAccrued,
	}
	created, err := p.datasource.CreateClosureRequest(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.AddEvent("closure request created")
	p.emit(ctx, hooks.ClosureRequested, channelID, created.RequestID, "")
	return &created, nil
}

// GetClosureRequest retrieves a closure request by ID.
func (p *Paystream) GetClosureRequest(ctx context.Context, requestID string) (*model.ClosureRequest, error) {
	ctx, span := requestTracer.Start(ctx, "Getting closure request")
	defer span.End()
	return p.datasource.GetClosureRequest(ctx, requestID)
}

// GetPendingClosureRequest retrieves a channel's pending request, if any.
func (p *Paystream) GetPendingClosureRequest(ctx context.Context, channelID string) (*model.ClosureRequest, error) {
	ctx, span := requestTracer.Start(ctx, "Getting pending closure request")
	defer span.End()
	return p.datasource.GetPendingClosureRequest(ctx, channelID)
}

// ListClosureRequests lists a channel's closure request history.
func (p *Paystream) ListClosureRequests(ctx context.Context, channelID string, limit, offset int) ([]model.ClosureRequest, error) {
	ctx, span := requestTracer.Start(ctx, "Listing closure requests")
	defer span.End()
	return p.datasource.GetClosureRequestsByChannel(ctx, channelID, limit, offset)
}

// ApproveClosureRequest lets the counterparty approve a pending request. It
// produces the unsigned closure transaction for external signing; the
// channel itself does not transition until the submission is confirmed.
func (p *Paystream) ApproveClosureRequest(ctx context.Context, requestID, approverID string) (*model.ClosureRequest, *model.ClosureTransaction, error) {
	ctx, span := requestTracer.Start(ctx, "Approving closure request")
	defer span.End()

	req, err := p.datasource.GetClosureRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	channel, err := p.datasource.GetChannelByID(ctx, req.ChannelID)
	if err != nil {
		return nil, nil, err
	}
	if !channel.IsParty(approverID) || approverID == req.RequesterID {
		err := apierror.NewAPIError(apierror.ErrUnauthorized, "Only the counterparty may approve a closure request", nil)
		span.RecordError(err)
		return nil, nil, err
	}
	if req.Status != model.ClosureRequestStatusPending {
		err := apierror.NewAPIError(apierror.ErrInvalidState, "Closure request is not pending", nil)
		span.RecordError(err)
		return nil, nil, err
	}

	now := time.Now()
	if err := p.datasource.ApproveClosureRequest(ctx, requestID, approverID, now); err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	span.AddEvent("closure request approved")
	p.emit(ctx, hooks.ClosureApproved, channel.ChannelID, requestID, "")

	req.Status = model.ClosureRequestStatusApproved
	req.ApproverID = approverID
	req.ApprovedAt = now

	closureTx := &model.ClosureTransaction{
		LedgerChannelID: channel.LedgerChannelID,
		Balance:         req.BalanceSnapshot,
		Close:           true,
	}
	return req, closureTx, nil
}

// RejectClosureRequest lets the counterparty reject a pending request with a
// reason. Terminal.
func (p *Paystream) RejectClosureRequest(ctx context.Context, requestID, approverID, reason string) (*model.ClosureRequest, error) {
	ctx, span := requestTracer.Start(ctx, "Rejecting closure request")
	defer span.End()

	req, err := p.datasource.GetClosureRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	channel, err := p.datasource.GetChannelByID(ctx, req.ChannelID)
	if err != nil {
		return nil, err
	}
	if !channel.IsParty(approverID) || approverID == req.RequesterID {
		err := apierror.NewAPIError(apierror.ErrUnauthorized, "Only the counterparty may reject a closure request", nil)
		span.RecordError(err)
		return nil, err
	}

	if err := p.datasource.RejectClosureRequest(ctx, requestID, approverID, reason); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.AddEvent("closure request rejected")
	p.emit(ctx, hooks.ClosureRejected, channel.ChannelID, requestID, "")

	req.Status = model.ClosureRequestStatusRejected
	req.ApproverID = approverID
	req.RejectionReason = reason
	return req, nil
}

// CancelClosureRequest lets the requester withdraw a request that is still
// pending. Once approved the underlying transaction may already be signed
// and submitted, so cancellation is refused past that point.
func (p *Paystream) CancelClosureRequest(ctx context.Context, requestID, requesterID string) (*model.ClosureRequest, error) {
	ctx, span := requestTracer.Start(ctx, "Cancelling closure request")
	defer span.End()

	req, err := p.datasource.GetClosureRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != requesterID {
		err := apierror.NewAPIError(apierror.ErrUnauthorized, "Only the requester may cancel a closure request", nil)
		span.RecordError(err)
		return nil, err
	}

	if err := p.datasource.CancelClosureRequest(ctx, requestID); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.AddEvent("closure request cancelled")
	p.emit(ctx, hooks.ClosureCancelled, req.ChannelID, requestID, "")

	req.Status = model.ClosureRequestStatusCancelled
	return req, nil
}

// ConfirmClosureRequest records that the approved request's closure
// transaction was signed and submitted externally. It transitions the
// channel to closing, verifies the submission against the ledger, and
// completes the request. A ledger check showing the transaction never
// applied rolls the channel back to active and the request stays approved
// for resubmission.
func (p *Paystream) ConfirmClosureRequest(ctx context.Context, requestID, txHash string) (*model.ClosureRequest, error) {
	ctx, span := requestTracer.Start(ctx, "Confirming closure request submission")
	defer span.End()

	req, err := p.datasource.GetClosureRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status == model.ClosureRequestStatusCompleted {
		if req.ClosureTxHash == txHash {
			span.AddEvent("closure request already completed, idempotent no-op")
			return req, nil
		}
		err := apierror.NewAPIError(apierror.ErrInvalidState, "Closure request already completed with a different transaction", nil)
		span.RecordError(err)
		return nil, err
	}
	if req.Status != model.ClosureRequestStatusApproved {
		err := apierror.NewAPIError(apierror.ErrInvalidState, "Closure request is not approved", nil)
		span.RecordError(err)
		return nil, err
	}

	channel, err := p.datasource.GetChannelByID(ctx, req.ChannelID)
	if err != nil {
		return nil, err
	}

	locker, err := p.lockChannel(ctx, channel.ChannelID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to acquire channel lock", err)
	}
	defer p.unlockChannel(ctx, locker)

	now := time.Now()
	if channel.Status == model.ChannelStatusActive {
		if err := p.datasource.MarkChannelClosing(ctx, channel.ChannelID, now, now.Add(channel.SettleDelay), model.ClosureReasonClaim); err != nil {
			return nil, logAndRecordError(span, "marking channel closing failed: ", err)
		}
		channel.Status = model.ChannelStatusClosing
		channel.ClosureReason = model.ClosureReasonClaim
	}

	state, err := p.ledger.QueryChannel(ctx, channel.LedgerChannelID)
	if err != nil {
		return nil, logAndRecordError(span, "ledger query failed: ", apierror.NewAPIError(apierror.ErrExternal, "Ledger query failed", err))
	}

	if _, err := p.applyClosureVerification(ctx, span, channel, state, txHash); err != nil {
		// A consistency rollback leaves the request approved so the signed
		// transaction can be resubmitted; other failures propagate as-is.
		return nil, err
	}

	if err := p.datasource.CompleteClosureRequest(ctx, requestID, txHash, now); err != nil {
		return nil, logAndRecordError(span, "completing closure request failed: ", err)
	}
	span.AddEvent("closure request completed")
	p.emit(ctx, hooks.ClosureCompleted, channel.ChannelID, requestID, txHash)

	req.Status = model.ClosureRequestStatusCompleted
	req.ClosureTxHash = txHash
	req.CompletedAt = now
	return req, nil
}
