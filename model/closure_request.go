package model

import (
	"math/big"
	"time"
)

// ClosureRequestStatus represents the lifecycle state of a payee-initiated
// closure request.
type ClosureRequestStatus string

const (
	ClosureRequestStatusPending   ClosureRequestStatus = "pending"
	ClosureRequestStatusApproved  ClosureRequestStatus = "approved"
	ClosureRequestStatusRejected  ClosureRequestStatus = "rejected"
	ClosureRequestStatusCompleted ClosureRequestStatus = "completed"
	ClosureRequestStatusCancelled ClosureRequestStatus = "cancelled"
)

// ClosureRequest is a payee's request to close a channel and settle the
// accrued balance. At most one pending request may exist per channel; the
// repository enforces this transactionally.
type ClosureRequest struct {
	RequestID       string               `json:"request_id"`
	ChannelID       string               `json:"channel_id"`
	RequesterID     string               `json:"requester_id"`
	BalanceSnapshot *big.Int             `json:"balance_snapshot"`
	Status          ClosureRequestStatus `json:"status"`
	RejectionReason string               `json:"rejection_reason,omitempty"`
	ApproverID      string               `json:"approver_id,omitempty"`
	ApprovedAt      time.Time            `json:"approved_at,omitempty"`
	CompletedAt     time.Time            `json:"completed_at,omitempty"`
	ClosureTxHash   string               `json:"closure_tx_hash,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
}

// IsTerminal reports whether the request can no longer transition.
func (r *ClosureRequest) IsTerminal() bool {
	switch r.Status {
	case ClosureRequestStatusRejected, ClosureRequestStatusCompleted, ClosureRequestStatusCancelled:
		return true
	}
	return false
}
