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
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/paystreamhq/paystream/internal/apierror"
	"github.com/paystreamhq/paystream/model"
)

func channelRows(ch model.Channel) *sqlmock.Rows {
	metaDataJSON, _ := json.Marshal(ch.MetaData)
	return sqlmock.NewRows([]string{
		"channel_id", "ledger_channel_id", "funder_id", "payee_id",
		"rate", "funded_escrow", "max_per_period", "off_chain_accrued", "on_chain_balance", "settled_amount",
		"settle_delay_seconds", "cancel_after", "expiration_time",
		"status", "closure_initiated_at", "closure_tx_hash", "closed_at", "closure_reason",
		"validation_attempts", "last_validation_at", "last_ledger_sync", "created_at", "meta_data",
	}).AddRow(
		ch.ChannelID, ch.LedgerChannelID, ch.FunderID, ch.PayeeID,
		ch.Rate.String(), ch.FundedEscrow.String(), ch.MaxPerPeriod.String(), ch.OffChainAccrued.String(), ch.OnChainBalance.String(), ch.SettledAmount.String(),
		int64(ch.SettleDelay/time.Second), ch.CancelAfter, ch.ExpirationTime,
		string(ch.Status), ch.ClosureInitiatedAt, ch.ClosureTxHash, nil, string(ch.ClosureReason),
		ch.ValidationAttempts, nil, nil, ch.CreatedAt, metaDataJSON,
	)
}

func testChannel() model.Channel {
	ch := model.Channel{
		ChannelID:       "chn_test1",
		LedgerChannelID: "lchn_abc",
		FunderID:        "acct_funder",
		PayeeID:         "acct_payee",
		Rate:            big.NewInt(10),
		FundedEscrow:    big.NewInt(1000),
		MaxPerPeriod:    big.NewInt(100),
		OffChainAccrued: big.NewInt(30),
		OnChainBalance:  big.NewInt(0),
		SettledAmount:   big.NewInt(0),
		SettleDelay:     time.Hour,
		CancelAfter:     time.Now().Add(24 * time.Hour),
		ExpirationTime:  time.Now().Add(time.Hour),
		Status:          model.ChannelStatusActive,
		CreatedAt:       time.Now(),
		MetaData:        map[string]interface{}{"key": "value"},
	}
	return ch
}

func TestCreateChannel_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	channel := model.Channel{
		LedgerChannelID: "lchn_abc",
		FunderID:        "acct_funder",
		PayeeID:         "acct_payee",
		Rate:            big.NewInt(10),
		FundedEscrow:    big.NewInt(1000),
		MaxPerPeriod:    big.NewInt(100),
		SettleDelay:     time.Hour,
		CancelAfter:     time.Now().Add(24 * time.Hour),
		MetaData:        map[string]interface{}{"key": "value"},
	}

	mock.ExpectExec("INSERT INTO channels").
		WithArgs(sqlmock.AnyArg(), channel.LedgerChannelID, channel.FunderID, channel.PayeeID,
			channel.Rate.String(), channel.FundedEscrow.String(), channel.MaxPerPeriod.String(),
			"0", "0", "0", int64(3600), sqlmock.AnyArg(), string(model.ChannelStatusActive), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	created, err := ds.CreateChannel(context.Background(), channel)
	assert.NoError(t, err)
	assert.NotEmpty(t, created.ChannelID)
	assert.Equal(t, model.ChannelStatusActive, created.Status)
	assert.WithinDuration(t, time.Now(), created.CreatedAt, time.Second)
}

func TestCreateChannel_UniqueViolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("INSERT INTO channels").
		WillReturnError(&pq.Error{Code: "23505", Message: "unique_violation"})

	_, err = ds.CreateChannel(context.Background(), testChannel())
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
}

func TestGetChannelByID_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	channel := testChannel()

	mock.ExpectQuery("SELECT .* FROM channels WHERE channel_id =").
		WithArgs(channel.ChannelID).
		WillReturnRows(channelRows(channel))

	got, err := ds.GetChannelByID(context.Background(), channel.ChannelID)
	assert.NoError(t, err)
	assert.Equal(t, channel.ChannelID, got.ChannelID)
	assert.Equal(t, 0, got.OffChainAccrued.Cmp(big.NewInt(30)))
	assert.Equal(t, time.Hour, got.SettleDelay)
	assert.Equal(t, "value", got.MetaData["key"])
}

func TestGetChannelByID_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT .* FROM channels WHERE channel_id =").
		WithArgs("chn_missing").
		WillReturnRows(sqlmock.NewRows([]string{"channel_id"}))

	_, err = ds.GetChannelByID(context.Background(), "chn_missing")
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}

func TestMarkChannelClosing_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()
	expiry := now.Add(time.Hour)

	mock.ExpectExec("UPDATE channels").
		WithArgs("chn_test1", now, expiry, string(model.ClosureReasonManual)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.MarkChannelClosing(context.Background(), "chn_test1", now, expiry, model.ClosureReasonManual)
	assert.NoError(t, err)
}

func TestMarkChannelClosing_NotActive(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()

	mock.ExpectExec("UPDATE channels").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.MarkChannelClosing(context.Background(), "chn_test1", now, now.Add(time.Hour), model.ClosureReasonManual)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrInvalidState, apiErr.Code)
}

func TestMarkChannelClosed_SettledMovesAccrued(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()

	mock.ExpectExec("UPDATE channels").
		WithArgs("chn_test1", string(model.ChannelStatusClosing), now, "0xabc", string(model.ClosureReasonExpired)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.MarkChannelClosed(context.Background(), "chn_test1", model.ChannelStatusClosing, model.ClosureCompletion{
		ClosedAt: now,
		TxHash:   "0xabc",
		Reason:   model.ClosureReasonExpired,
		Settled:  true,
	})
	assert.NoError(t, err)
}

func TestMarkChannelClosed_WrongState(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE channels").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.MarkChannelClosed(context.Background(), "chn_test1", model.ChannelStatusClosing, model.ClosureCompletion{
		ClosedAt: time.Now(),
		Reason:   model.ClosureReasonManual,
	})
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrInvalidState, apiErr.Code)
}

func TestRollbackChannelClosing_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()

	mock.ExpectExec("UPDATE channels").
		WithArgs("chn_test1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.RollbackChannelClosing(context.Background(), "chn_test1", now)
	assert.NoError(t, err)
}

func TestUpdateAccruedBalance_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE channels").
		WithArgs("chn_test1", "60").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.UpdateAccruedBalance(context.Background(), "chn_test1", big.NewInt(60))
	assert.NoError(t, err)
}

func TestUpdateAccruedBalance_RejectsDecrease(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	// The monotonic guard in the WHERE clause matches no rows.
	mock.ExpectExec("UPDATE channels").
		WithArgs("chn_test1", "10").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.UpdateAccruedBalance(context.Background(), "chn_test1", big.NewInt(10))
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrInvalidState, apiErr.Code)
}

func TestUpdateOnChainBalance_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now()

	mock.ExpectExec("UPDATE channels").
		WithArgs("chn_test1", "500", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.UpdateOnChainBalance(context.Background(), "chn_test1", big.NewInt(500), now)
	assert.NoError(t, err)
}

func TestGetExpiredClosingChannels_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	channel := testChannel()
	channel.Status = model.ChannelStatusClosing
	channel.ClosureReason = model.ClosureReasonManual
	now := time.Now()

	mock.ExpectQuery("SELECT .* FROM channels").
		WithArgs(now, 100).
		WillReturnRows(channelRows(channel))

	got, err := ds.GetExpiredClosingChannels(context.Background(), now, 100)
	assert.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, model.ChannelStatusClosing, got[0].Status)
	assert.Equal(t, model.ClosureReasonManual, got[0].ClosureReason)
}

func TestUpdateChannelMetaData_Merge(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	merged, _ := json.Marshal(map[string]interface{}{"key": "value", "requires_intervention": true})

	mock.ExpectQuery("UPDATE channels").
		WithArgs("chn_test1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"meta_data"}).AddRow(merged))

	got, err := ds.UpdateChannelMetaData(context.Background(), "chn_test1", map[string]interface{}{"requires_intervention": true})
	assert.NoError(t, err)
	assert.Equal(t, true, got["requires_intervention"])
	assert.Equal(t, "value", got["key"])
}
