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

package database

import (
	"context"
	"database/sql"
	"math/big"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/paystreamhq/paystream/internal/apierror"
	"github.com/paystreamhq/paystream/model"
)

const closureRequestColumns = `
	request_id, channel_id, requester_id, balance_snapshot,
	status, COALESCE(rejection_reason, ''), COALESCE(approver_id, ''),
	approved_at, completed_at, COALESCE(closure_tx_hash, ''), created_at
`

func scanClosureRequest(scan func(dest ...interface{}) error) (*model.ClosureRequest, error) {
	req := &model.ClosureRequest{}
	var snapshotStr string
	var approvedAt, completedAt sql.NullTime

	err := scan(
		&req.RequestID, &req.ChannelID, &req.RequesterID, &snapshotStr,
		&req.Status, &req.RejectionReason, &req.ApproverID,
		&approvedAt, &completedAt, &req.ClosureTxHash, &req.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	req.BalanceSnapshot, _ = new(big.Int).SetString(snapshotStr, 10)
	if req.BalanceSnapshot == nil {
		req.BalanceSnapshot = big.NewInt(0)
	}
	if approvedAt.Valid {
		req.ApprovedAt = approvedAt.Time
	}
	if completedAt.Valid {
		req.CompletedAt = completedAt.Time
	}
	return req, nil
}

// CreateClosureRequest inserts a pending closure request. The partial unique
// index on (channel_id) WHERE status = 'pending' makes "one pending request
// per channel" hold under concurrent creation; the loser gets a conflict.
func (d Datasource) CreateClosureRequest(_ context.Context, req model.ClosureRequest) (model.ClosureRequest, error) {
	if req.RequestID == "" {
		req.RequestID = model.GenerateUUIDWithSuffix("creq")
	}
	req.Status = model.ClosureRequestStatusPending
	req.CreatedAt = time.Now()
	if req.BalanceSnapshot == nil {
		req.BalanceSnapshot = big.NewInt(0)
	}

	_, err := d.Conn.Exec(`
		INSERT INTO closure_requests (request_id, channel_id, requester_id, balance_snapshot, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, req.RequestID, req.ChannelID, req.RequesterID, req.BalanceSnapshot.String(), req.Status, req.CreatedAt)

	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok {
			switch pqErr.Code.Name() {
			case "unique_violation":
				return model.ClosureRequest{}, apierror.NewAPIError(apierror.ErrConflict, "A closure request is already pending for this channel", err)
			case "foreign_key_violation":
				return model.ClosureRequest{}, apierror.NewAPIError(apierror.ErrNotFound, "Channel not found", err)
			default:
				return model.ClosureRequest{}, apierror.NewAPIError(apierror.ErrInternalServer, "Database error occurred", err)
			}
		}
		return model.ClosureRequest{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create closure request", err)
	}

	return req, nil
}

// GetClosureRequest retrieves a closure request by its identifier.
func (d Datasource) GetClosureRequest(_ context.Context, id string) (*model.ClosureRequest, error) {
	row := d.Conn.QueryRow(`SELECT `+closureRequestColumns+` FROM closure_requests WHERE request_id = $1`, id)
	req, err := scanClosureRequest(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Closure request not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve closure request", err)
	}
	return req, nil
}

// GetPendingClosureRequest retrieves the single pending request for a
// channel, if any.
func (d Datasource) GetPendingClosureRequest(_ context.Context, channelID string) (*model.ClosureRequest, error) {
	row := d.Conn.QueryRow(`
		SELECT `+closureRequestColumns+` FROM closure_requests
		WHERE channel_id = $1 AND status = 'pending'
	`, channelID)
	req, err := scanClosureRequest(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "No pending closure request for channel", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve closure request", err)
	}
	return req, nil
}

// GetClosureRequestsByChannel lists a channel's closure requests, newest
// first.
func (d Datasource) GetClosureRequestsByChannel(_ context.Context, channelID string, limit, offset int) ([]model.ClosureRequest, error) {
	rows, err := d.Conn.Query(`
		SELECT `+closureRequestColumns+` FROM closure_requests
		WHERE channel_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, channelID, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve closure requests", err)
	}
	defer rows.Close()

	var requests []model.ClosureRequest
	for rows.Next() {
		req, err := scanClosureRequest(rows.Scan)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan closure request row", err)
		}
		requests = append(requests, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed iterating closure request rows", err)
	}
	return requests, nil
}

// ApproveClosureRequest transitions a pending request to approved.
func (d Datasource) ApproveClosureRequest(_ context.Context, id, approverID string, at time.Time) error {
	return d.conditionalExec("Closure request is not pending", `
		UPDATE closure_requests
		SET status = 'approved', approver_id = $2, approved_at = $3
		WHERE request_id = $1 AND status = 'pending'
	`, id, approverID, at)
}

// RejectClosureRequest transitions a pending request to rejected.
func (d Datasource) RejectClosureRequest(_ context.Context, id, approverID, reason string) error {
	return d.conditionalExec("Closure request is not pending", `
		UPDATE closure_requests
		SET status = 'rejected', approver_id = $2, rejection_reason = $3
		WHERE request_id = $1 AND status = 'pending'
	`, id, approverID, reason)
}

// CancelClosureRequest lets the requester withdraw a still-pending request.
func (d Datasource) CancelClosureRequest(_ context.Context, id string) error {
	return d.conditionalExec("Closure request is not pending", `
		UPDATE closure_requests
		SET status = 'cancelled'
		WHERE request_id = $1 AND status = 'pending'
	`, id)
}

// CompleteClosureRequest records the settlement transaction against an
// approved request.
func (d Datasource) CompleteClosureRequest(_ context.Context, id, txHash string, at time.Time) error {
	return d.conditionalExec("Closure request is not approved", `
		UPDATE closure_requests
		SET status = 'completed', closure_tx_hash = $2, completed_at = $3
		WHERE request_id = $1 AND status = 'approved'
	`, id, txHash, at)
}
