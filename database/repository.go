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
	"math/big"
	"time"

	"github.com/paystreamhq/paystream/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	channel        // Interface for channel-related operations
	closureRequest // Interface for closure-request operations
}

// channel defines methods for handling payment channels. Every mutation is a
// conditional update keyed by channel id and expected status, so two
// simultaneous operations on the same channel cannot both succeed from a
// stale read: whichever observes the expected prior state wins.
type channel interface {
	CreateChannel(ctx context.Context, ch model.Channel) (model.Channel, error)                                                           // Persists a new channel
	GetChannelByID(ctx context.Context, id string) (*model.Channel, error)                                                                // Retrieves a channel by internal ID
	GetChannelByLedgerID(ctx context.Context, ledgerChannelID string) (*model.Channel, error)                                             // Retrieves a channel by its ledger identifier
	GetChannelsByParties(ctx context.Context, funderID, payeeID string, limit, offset int) ([]model.Channel, error)                       // Retrieves channels between a funder and payee
	GetActiveChannels(ctx context.Context, limit, offset int) ([]model.Channel, error)                                                    // Retrieves active channels for periodic ledger sync
	GetExpiredClosingChannels(ctx context.Context, asOf time.Time, limit int) ([]*model.Channel, error)                                   // Retrieves closing channels past their expiration time
	GetDriftingChannels(ctx context.Context, threshold *big.Int, limit int) ([]model.Channel, error)                                      // Retrieves non-closed channels whose accrued-vs-ledger drift meets the threshold
	MarkChannelClosing(ctx context.Context, id string, initiatedAt, expirationTime time.Time, reason model.ClosureReason) error           // active -> closing
	MarkChannelClosed(ctx context.Context, id string, expected model.ChannelStatus, params model.ClosureCompletion) error                 // closing -> closed (or active -> closed on implicit confirmation)
	RollbackChannelClosing(ctx context.Context, id string, at time.Time) error                                                            // closing -> active after a failed post-submission validation
	RecordValidationFailure(ctx context.Context, id string, at time.Time) error                                                           // bumps validation_attempts without a transition
	UpdateAccruedBalance(ctx context.Context, id string, accrued *big.Int) error                                                          // monotonic off-chain accrual, active channels only
	UpdateOnChainBalance(ctx context.Context, id string, balance *big.Int, syncedAt time.Time) error                                      // verbatim ledger mirror, never touches off_chain_accrued
	UpdateChannelMetaData(ctx context.Context, id string, metadata map[string]interface{}) (map[string]interface{}, error)                // merges metadata keys
}

// closureRequest defines methods for handling closure requests.
type closureRequest interface {
	CreateClosureRequest(ctx context.Context, req model.ClosureRequest) (model.ClosureRequest, error)                   // Persists a new request; at most one pending per channel
	GetClosureRequest(ctx context.Context, id string) (*model.ClosureRequest, error)                                    // Retrieves a request by ID
	GetPendingClosureRequest(ctx context.Context, channelID string) (*model.ClosureRequest, error)                      // Retrieves the channel's pending request, if any
	GetClosureRequestsByChannel(ctx context.Context, channelID string, limit, offset int) ([]model.ClosureRequest, error) // Retrieves a channel's request history
	ApproveClosureRequest(ctx context.Context, id, approverID string, at time.Time) error                               // pending -> approved
	RejectClosureRequest(ctx context.Context, id, approverID, reason string) error                                      // pending -> rejected
	CancelClosureRequest(ctx context.Context, id string) error                                                          // pending -> cancelled
	CompleteClosureRequest(ctx context.Context, id, txHash string, at time.Time) error                                  // approved -> completed
}
