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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/paystreamhq/paystream/internal/apierror"
	"github.com/paystreamhq/paystream/ledger"
	"github.com/paystreamhq/paystream/model"
)

func TestRecordAccrual_AppliesRate(t *testing.T) {
	engine, ds, _ := newTestEngine(t)
	channel := activeChannel() // rate 10, accrued 30, escrow 1000

	ds.On("GetChannelByID", mock.Anything, channel.ChannelID).Return(channel, nil)
	ds.On("UpdateAccruedBalance", mock.Anything, channel.ChannelID, big.NewInt(60)).Return(nil)

	updated, err := engine.RecordAccrual(context.Background(), channel.ChannelID, 3)
	assert.NoError(t, err)
	assert.Equal(t, 0, updated.OffChainAccrued.Cmp(big.NewInt(60)))
}

func TestRecordAccrual_PerPeriodCapViolation(t *testing.T) {
	engine, ds, _ := newTestEngine(t)
	channel := activeChannel() // max per period 100, rate 10

	ds.On("GetChannelByID", mock.Anything, channel.ChannelID).Return(channel, nil)

	_, err := engine.RecordAccrual(context.Background(), channel.ChannelID, 11)
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrInvalidInput, apierror.CodeOf(err))
	ds.AssertNotCalled(t, "UpdateAccruedBalance", mock.Anything, mock.Anything, mock.Anything)
}

func TestRecordAccrual_ClampedToEscrow(t *testing.T) {
	engine, ds, _ := newTestEngine(t)
	channel := activeChannel()
	channel.OffChainAccrued = big.NewInt(950) // remaining escrow 50
	channel.MaxPerPeriod = big.NewInt(0)      // no per-period cap

	ds.On("GetChannelByID", mock.Anything, channel.ChannelID).Return(channel, nil)
	// 8 units x rate 10 = 80 raw, clamped to the remaining 50.
	ds.On("UpdateAccruedBalance", mock.Anything, channel.ChannelID, big.NewInt(1000)).Return(nil)

	updated, err := engine.RecordAccrual(context.Background(), channel.ChannelID, 8)
	assert.NoError(t, err)
	assert.Equal(t, 0, updated.OffChainAccrued.Cmp(channel.FundedEscrow))
}

func TestRecordAccrual_NotActive(t *testing.T) {
	engine, ds, _ := newTestEngine(t)
	channel := closingChannel()

	ds.On("GetChannelByID", mock.Anything, channel.ChannelID).Return(channel, nil)

	_, err := engine.RecordAccrual(context.Background(), channel.ChannelID, 1)
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrInvalidState, apierror.CodeOf(err))
}

func TestSyncLedgerBalance_MirrorsVerbatim(t *testing.T) {
	engine, ds, lc := newTestEngine(t)
	channel := activeChannel()

	lc.On("QueryChannel", mock.Anything, channel.LedgerChannelID).
		Return(ledger.ChannelState{Exists: true, Balance: big.NewInt(500)}, nil)
	ds.On("GetChannelByID", mock.Anything, channel.ChannelID).Return(channel, nil)
	ds.On("UpdateOnChainBalance", mock.Anything, channel.ChannelID, big.NewInt(500), mock.Anything).Return(nil)

	updated, err := engine.SyncLedgerBalance(context.Background(), channel.ChannelID)
	assert.NoError(t, err)
	assert.Equal(t, 0, updated.OnChainBalance.Cmp(big.NewInt(500)))
	// The mirror never flows into the accrued balance.
	assert.Equal(t, 0, updated.OffChainAccrued.Cmp(big.NewInt(30)))
	ds.AssertNotCalled(t, "UpdateAccruedBalance", mock.Anything, mock.Anything, mock.Anything)
}

func TestSyncLedgerBalance_ZeroNeverErasesAccrued(t *testing.T) {
	engine, ds, lc := newTestEngine(t)
	channel := activeChannel()

	lc.On("QueryChannel", mock.Anything, channel.LedgerChannelID).
		Return(ledger.ChannelState{Exists: true, Balance: big.NewInt(0)}, nil)
	ds.On("GetChannelByID", mock.Anything, channel.ChannelID).Return(channel, nil)
	ds.On("UpdateOnChainBalance", mock.Anything, channel.ChannelID, big.NewInt(0), mock.Anything).Return(nil)

	updated, err := engine.SyncLedgerBalance(context.Background(), channel.ChannelID)
	assert.NoError(t, err)
	assert.Equal(t, 0, updated.OnChainBalance.Sign())
	assert.Equal(t, 0, updated.OffChainAccrued.Cmp(big.NewInt(30)))
	ds.AssertNotCalled(t, "UpdateAccruedBalance", mock.Anything, mock.Anything, mock.Anything)
}

func TestSyncLedgerBalance_AbsentConvergesToClosed(t *testing.T) {
	engine, ds, lc := newTestEngine(t)
	channel := activeChannel()

	lc.On("QueryChannel", mock.Anything, channel.LedgerChannelID).
		Return(ledger.ChannelState{Exists: false}, nil)
	ds.On("GetChannelByID", mock.Anything, channel.ChannelID).Return(channel, nil)
	ds.On("MarkChannelClosed", mock.Anything, channel.ChannelID, model.ChannelStatusActive, mock.MatchedBy(func(c model.ClosureCompletion) bool {
		return c.Settled && c.Reason == model.ClosureReasonClaim
	})).Return(nil)

	updated, err := engine.SyncLedgerBalance(context.Background(), channel.ChannelID)
	assert.NoError(t, err)
	assert.Equal(t, model.ChannelStatusClosed, updated.Status)
	assert.Equal(t, model.ClosureReasonClaim, updated.ClosureReason)
}

func TestSyncLedgerBalance_ClosingAbsentConvergesExpired(t *testing.T) {
	engine, ds, lc := newTestEngine(t)
	channel := closingChannel()

	lc.On("QueryChannel", mock.Anything, channel.LedgerChannelID).
		Return(ledger.ChannelState{Exists: false}, nil)
	ds.On("GetChannelByID", mock.Anything, channel.ChannelID).Return(channel, nil)
	// A closing channel gone from the ledger ran out its settle window;
	// expired is recorded even when the closure was initiated manually.
	ds.On("MarkChannelClosed", mock.Anything, channel.ChannelID, model.ChannelStatusClosing, mock.MatchedBy(func(c model.ClosureCompletion) bool {
		return c.Settled && c.Reason == model.ClosureReasonExpired
	})).Return(nil)

	updated, err := engine.SyncLedgerBalance(context.Background(), channel.ChannelID)
	assert.NoError(t, err)
	assert.Equal(t, model.ChannelStatusClosed, updated.Status)
	assert.Equal(t, model.ClosureReasonExpired, updated.ClosureReason)
}

func TestSyncLedgerBalance_ConvergenceLosesRace(t *testing.T) {
	engine, ds, lc := newTestEngine(t)
	channel := activeChannel()
	winner := closingChannel()

	lc.On("QueryChannel", mock.Anything, channel.LedgerChannelID).
		Return(ledger.ChannelState{Exists: false}, nil)
	ds.On("GetChannelByID", mock.Anything, channel.ChannelID).Return(channel, nil).Once()
	ds.On("MarkChannelClosed", mock.Anything, channel.ChannelID, model.ChannelStatusActive, mock.Anything).
		Return(apierror.NewAPIError(apierror.ErrInvalidState, "Channel is not in the expected state", nil))
	ds.On("GetChannelByID", mock.Anything, channel.ChannelID).Return(winner, nil).Once()

	updated, err := engine.SyncLedgerBalance(context.Background(), channel.ChannelID)
	assert.NoError(t, err)
	// The concurrent transition won; its state is what gets reported.
	assert.Equal(t, model.ChannelStatusClosing, updated.Status)
}

func TestSyncLedgerBalance_ClosedIsNoop(t *testing.T) {
	engine, ds, lc := newTestEngine(t)
	channel := activeChannel()
	channel.Status = model.ChannelStatusClosed

	ds.On("GetChannelByID", mock.Anything, channel.ChannelID).Return(channel, nil)

	updated, err := engine.SyncLedgerBalance(context.Background(), channel.ChannelID)
	assert.NoError(t, err)
	assert.Equal(t, model.ChannelStatusClosed, updated.Status)
	lc.AssertNotCalled(t, "QueryChannel", mock.Anything, mock.Anything)
}

func TestSyncAllActiveChannels_SkipsFailures(t *testing.T) {
	engine, ds, lc := newTestEngine(t)

	chA := activeChannel()
	chB := activeChannel()
	chB.ChannelID = "chn_test2"
	chB.LedgerChannelID = "lchn_def"

	ds.On("GetActiveChannels", mock.Anything, 100, 0).Return([]model.Channel{*chA, *chB}, nil).Once()
	ds.On("GetActiveChannels", mock.Anything, 100, 2).Return([]model.Channel{}, nil).Once()

	ds.On("GetChannelByID", mock.Anything, chA.ChannelID).Return(chA, nil)
	lc.On("QueryChannel", mock.Anything, chA.LedgerChannelID).
		Return(ledger.ChannelState{}, ledger.NewError(ledger.ErrTimeout, "query_channel", nil))

	ds.On("GetChannelByID", mock.Anything, chB.ChannelID).Return(chB, nil)
	lc.On("QueryChannel", mock.Anything, chB.LedgerChannelID).
		Return(ledger.ChannelState{Exists: true, Balance: big.NewInt(7)}, nil)
	ds.On("UpdateOnChainBalance", mock.Anything, chB.ChannelID, big.NewInt(7), mock.Anything).Return(nil)

	err := engine.SyncAllActiveChannels(context.Background(), 100)
	assert.NoError(t, err)
	ds.AssertCalled(t, "UpdateOnChainBalance", mock.Anything, chB.ChannelID, big.NewInt(7), mock.Anything)
}

func TestDriftReport(t *testing.T) {
	engine, ds, _ := newTestEngine(t)
	drifting := closingChannel()
	drifting.OffChainAccrued = big.NewInt(900)

	ds.On("GetDriftingChannels", mock.Anything, big.NewInt(100), 50).Return([]model.Channel{*drifting}, nil)

	report, err := engine.DriftReport(context.Background(), big.NewInt(100), 50)
	assert.NoError(t, err)
	assert.Len(t, report, 1)
	assert.Equal(t, 0, report[0].Drift().Cmp(big.NewInt(900)))
}

func TestLedgerExpirationElapsed(t *testing.T) {
	now := time.Now()

	assert.False(t, ledgerExpirationElapsed(ledger.ChannelState{}, now))
	assert.False(t, ledgerExpirationElapsed(ledger.ChannelState{Expiration: now.Add(time.Minute)}, now))
	assert.True(t, ledgerExpirationElapsed(ledger.ChannelState{Expiration: now.Add(-time.Minute)}, now))
	assert.True(t, ledgerExpirationElapsed(ledger.ChannelState{Expiration: now}, now))
}
