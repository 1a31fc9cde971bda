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
	"encoding/json"
	"math/big"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/paystreamhq/paystream/internal/apierror"
	"github.com/paystreamhq/paystream/model"
)

const channelColumns = `
	channel_id, COALESCE(ledger_channel_id, ''), funder_id, payee_id,
	rate, funded_escrow, max_per_period, off_chain_accrued, on_chain_balance, settled_amount,
	settle_delay_seconds, cancel_after, expiration_time,
	status, closure_initiated_at, COALESCE(closure_tx_hash, ''), closed_at, COALESCE(closure_reason, ''),
	validation_attempts, last_validation_at, last_ledger_sync, created_at, meta_data
`

// scanChannel maps a SQL row into a Channel. NUMERIC balance columns arrive
// as strings and are converted to big.Int; nullable timestamps stay zero.
func scanChannel(scan func(dest ...interface{}) error) (*model.Channel, error) {
	ch := &model.Channel{}
	var rateStr, escrowStr, maxPerPeriodStr, accruedStr, onChainStr, settledStr string
	var settleDelaySeconds int64
	var cancelAfter, expirationTime, closureInitiatedAt, closedAt, lastValidationAt, lastLedgerSync sql.NullTime
	var reason string
	var metaDataJSON []byte

	err := scan(
		&ch.ChannelID, &ch.LedgerChannelID, &ch.FunderID, &ch.PayeeID,
		&rateStr, &escrowStr, &maxPerPeriodStr, &accruedStr, &onChainStr, &settledStr,
		&settleDelaySeconds, &cancelAfter, &expirationTime,
		&ch.Status, &closureInitiatedAt, &ch.ClosureTxHash, &closedAt, &reason,
		&ch.ValidationAttempts, &lastValidationAt, &lastLedgerSync, &ch.CreatedAt, &metaDataJSON,
	)
	if err != nil {
		return nil, err
	}

	ch.Rate, _ = new(big.Int).SetString(rateStr, 10)
	ch.FundedEscrow, _ = new(big.Int).SetString(escrowStr, 10)
	ch.MaxPerPeriod, _ = new(big.Int).SetString(maxPerPeriodStr, 10)
	ch.OffChainAccrued, _ = new(big.Int).SetString(accruedStr, 10)
	ch.OnChainBalance, _ = new(big.Int).SetString(onChainStr, 10)
	ch.SettledAmount, _ = new(big.Int).SetString(settledStr, 10)
	ch.InitializeBalanceFields()

	ch.SettleDelay = time.Duration(settleDelaySeconds) * time.Second
	ch.ClosureReason = model.ClosureReason(reason)
	if cancelAfter.Valid {
		ch.CancelAfter = cancelAfter.Time
	}
	if expirationTime.Valid {
		ch.ExpirationTime = expirationTime.Time
	}
	if closureInitiatedAt.Valid {
		ch.ClosureInitiatedAt = closureInitiatedAt.Time
	}
	if closedAt.Valid {
		ch.ClosedAt = closedAt.Time
	}
	if lastValidationAt.Valid {
		ch.LastValidationAt = lastValidationAt.Time
	}
	if lastLedgerSync.Valid {
		ch.LastLedgerSync = lastLedgerSync.Time
	}

	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &ch.MetaData); err != nil {
			return nil, errors.Wrap(err, "unmarshaling channel metadata")
		}
	}
	return ch, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// CreateChannel inserts a new channel record. The ledger channel identifier
// is immutable once assigned; a duplicate maps to a conflict.
func (d Datasource) CreateChannel(_ context.Context, ch model.Channel) (model.Channel, error) {
	ch.InitializeBalanceFields()
	if ch.ChannelID == "" {
		ch.ChannelID = model.GenerateUUIDWithSuffix("chn")
	}
	ch.CreatedAt = time.Now()
	if ch.Status == "" {
		ch.Status = model.ChannelStatusActive
	}

	metaDataJSON, err := json.Marshal(ch.MetaData)
	if err != nil {
		return model.Channel{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	var ledgerChannelID interface{} = ch.LedgerChannelID
	if ch.LedgerChannelID == "" {
		ledgerChannelID = nil
	}

	_, err = d.Conn.Exec(`
		INSERT INTO channels (channel_id, ledger_channel_id, funder_id, payee_id, rate, funded_escrow, max_per_period, off_chain_accrued, on_chain_balance, settled_amount, settle_delay_seconds, cancel_after, status, created_at, meta_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, ch.ChannelID, ledgerChannelID, ch.FunderID, ch.PayeeID,
		ch.Rate.String(), ch.FundedEscrow.String(), ch.MaxPerPeriod.String(),
		ch.OffChainAccrued.String(), ch.OnChainBalance.String(), ch.SettledAmount.String(),
		int64(ch.SettleDelay/time.Second), nullTime(ch.CancelAfter), ch.Status, ch.CreatedAt, metaDataJSON)

	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok {
			switch pqErr.Code.Name() {
			case "unique_violation":
				return model.Channel{}, apierror.NewAPIError(apierror.ErrConflict, "Channel with this ID already exists", err)
			default:
				return model.Channel{}, apierror.NewAPIError(apierror.ErrInternalServer, "Database error occurred", err)
			}
		}
		return model.Channel{}, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create channel", err)
	}

	return ch, nil
}

func (d Datasource) getChannelBy(field, value string) (*model.Channel, error) {
	row := d.Conn.QueryRow(`SELECT `+channelColumns+` FROM channels WHERE `+field+` = $1`, value)
	ch, err := scanChannel(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Channel not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve channel", err)
	}
	return ch, nil
}

// GetChannelByID retrieves a channel by its internal identifier.
func (d Datasource) GetChannelByID(_ context.Context, id string) (*model.Channel, error) {
	return d.getChannelBy("channel_id", id)
}

// GetChannelByLedgerID retrieves a channel by its ledger identifier. Used by
// the orphan recovery path to make imports idempotent.
func (d Datasource) GetChannelByLedgerID(_ context.Context, ledgerChannelID string) (*model.Channel, error) {
	return d.getChannelBy("ledger_channel_id", ledgerChannelID)
}

func (d Datasource) queryChannels(query string, args ...interface{}) ([]model.Channel, error) {
	rows, err := d.Conn.Query(query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve channels", err)
	}
	defer rows.Close()

	var channels []model.Channel
	for rows.Next() {
		ch, err := scanChannel(rows.Scan)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan channel row", err)
		}
		channels = append(channels, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed iterating channel rows", err)
	}
	return channels, nil
}

// GetChannelsByParties retrieves channels keyed by (funder, payee).
func (d Datasource) GetChannelsByParties(_ context.Context, funderID, payeeID string, limit, offset int) ([]model.Channel, error) {
	return d.queryChannels(`
		SELECT `+channelColumns+` FROM channels
		WHERE funder_id = $1 AND payee_id = $2
		ORDER BY created_at DESC LIMIT $3 OFFSET $4
	`, funderID, payeeID, limit, offset)
}

// GetActiveChannels retrieves active channels for the periodic ledger sync.
func (d Datasource) GetActiveChannels(_ context.Context, limit, offset int) ([]model.Channel, error) {
	return d.queryChannels(`
		SELECT `+channelColumns+` FROM channels
		WHERE status = 'active' AND ledger_channel_id IS NOT NULL
		ORDER BY created_at ASC LIMIT $1 OFFSET $2
	`, limit, offset)
}

// GetExpiredClosingChannels retrieves closing channels whose payee-protection
// window has elapsed, oldest first, for the expiry sweep.
func (d Datasource) GetExpiredClosingChannels(_ context.Context, asOf time.Time, limit int) ([]*model.Channel, error) {
	channels, err := d.queryChannels(`
		SELECT `+channelColumns+` FROM channels
		WHERE status = 'closing' AND expiration_time IS NOT NULL AND expiration_time <= $1
		ORDER BY expiration_time ASC LIMIT $2
	`, asOf, limit)
	if err != nil {
		return nil, err
	}
	result := make([]*model.Channel, len(channels))
	for i := range channels {
		result[i] = &channels[i]
	}
	return result, nil
}

// GetDriftingChannels retrieves non-closed channels whose off-chain accrued
// balance leads the ledger mirror by at least the threshold. Drift on active
// channels is expected; the report exists so operators can watch closing
// channels that never settle.
func (d Datasource) GetDriftingChannels(_ context.Context, threshold *big.Int, limit int) ([]model.Channel, error) {
	return d.queryChannels(`
		SELECT `+channelColumns+` FROM channels
		WHERE status != 'closed' AND off_chain_accrued - on_chain_balance >= $1
		ORDER BY off_chain_accrued - on_chain_balance DESC LIMIT $2
	`, threshold.String(), limit)
}

// conditionalExec runs a conditional update and converts "no rows changed"
// into a state error: the caller's read was stale and the transition lost the
// race. Callers fetch the channel first, so a missing row surfaces earlier as
// NOT_FOUND.
func (d Datasource) conditionalExec(message, query string, args ...interface{}) error {
	res, err := d.Conn.Exec(query, args...)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Database error occurred", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read affected rows", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrInvalidState, message, nil)
	}
	return nil
}

// MarkChannelClosing transitions a channel from active to closing.
func (d Datasource) MarkChannelClosing(_ context.Context, id string, initiatedAt, expirationTime time.Time, reason model.ClosureReason) error {
	return d.conditionalExec("Channel is not active", `
		UPDATE channels
		SET status = 'closing', closure_initiated_at = $2, expiration_time = $3, closure_reason = $4
		WHERE channel_id = $1 AND status = 'active'
	`, id, initiatedAt, expirationTime, string(reason))
}

// MarkChannelClosed transitions a channel to closed from the expected prior
// status. When the completion is settled, the accrued balance moves into
// settled_amount and is zeroed; otherwise it is preserved for audit.
func (d Datasource) MarkChannelClosed(_ context.Context, id string, expected model.ChannelStatus, params model.ClosureCompletion) error {
	if params.Settled {
		return d.conditionalExec("Channel is not in the expected state", `
			UPDATE channels
			SET status = 'closed', closed_at = $3, closure_tx_hash = $4, closure_reason = $5,
			    settled_amount = off_chain_accrued, off_chain_accrued = 0
			WHERE channel_id = $1 AND status = $2
		`, id, string(expected), params.ClosedAt, params.TxHash, string(params.Reason))
	}
	return d.conditionalExec("Channel is not in the expected state", `
		UPDATE channels
		SET status = 'closed', closed_at = $3, closure_tx_hash = $4, closure_reason = $5
		WHERE channel_id = $1 AND status = $2
	`, id, string(expected), params.ClosedAt, params.TxHash, string(params.Reason))
}

// RollbackChannelClosing reverts a closing channel to active after a failed
// post-submission ledger validation, counting the attempt.
func (d Datasource) RollbackChannelClosing(_ context.Context, id string, at time.Time) error {
	return d.conditionalExec("Channel is not closing", `
		UPDATE channels
		SET status = 'active', closure_initiated_at = NULL, expiration_time = NULL,
		    closure_reason = '', validation_attempts = validation_attempts + 1, last_validation_at = $2
		WHERE channel_id = $1 AND status = 'closing'
	`, id, at)
}

// RecordValidationFailure counts a failed settlement attempt without
// transitioning the channel; the sweep retries it on the next run.
func (d Datasource) RecordValidationFailure(_ context.Context, id string, at time.Time) error {
	return d.conditionalExec("Channel is not closing", `
		UPDATE channels
		SET validation_attempts = validation_attempts + 1, last_validation_at = $2
		WHERE channel_id = $1 AND status = 'closing'
	`, id, at)
}

// UpdateAccruedBalance writes the new off-chain accrued balance. The guard
// clauses make the write monotonic and restrict it to active channels; a
// concurrent closure wins the race and this write is rejected.
func (d Datasource) UpdateAccruedBalance(_ context.Context, id string, accrued *big.Int) error {
	return d.conditionalExec("Channel is not active or accrual would decrease", `
		UPDATE channels
		SET off_chain_accrued = $2
		WHERE channel_id = $1 AND status = 'active' AND off_chain_accrued <= $2 AND funded_escrow >= $2
	`, id, accrued.String())
}

// UpdateOnChainBalance stores the ledger's settled balance verbatim. It never
// touches off_chain_accrued: the two fields answer different questions.
func (d Datasource) UpdateOnChainBalance(_ context.Context, id string, balance *big.Int, syncedAt time.Time) error {
	return d.conditionalExec("Channel not found", `
		UPDATE channels
		SET on_chain_balance = $2, last_ledger_sync = $3
		WHERE channel_id = $1
	`, id, balance.String(), syncedAt)
}

// UpdateChannelMetaData merges the given keys into the channel's metadata and
// returns the merged result.
func (d Datasource) UpdateChannelMetaData(ctx context.Context, id string, metadata map[string]interface{}) (map[string]interface{}, error) {
	metaDataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	var mergedJSON []byte
	err = d.Conn.QueryRowContext(ctx, `
		UPDATE channels
		SET meta_data = COALESCE(meta_data, '{}'::jsonb) || $2::jsonb
		WHERE channel_id = $1
		RETURNING meta_data
	`, id, metaDataJSON).Scan(&mergedJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, "Channel not found", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update channel metadata", err)
	}

	var merged map[string]interface{}
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal merged metadata", err)
	}
	return merged, nil
}
