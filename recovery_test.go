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

func TestRecoverOrphanedChannel_WithOriginalParams(t *testing.T) {
	engine, ds, lc := newTestEngine(t)

	params := &CreateChannelParams{
		FunderID:     "acct_funder",
		PayeeID:      "acct_payee",
		Rate:         big.NewInt(10),
		FundedEscrow: big.NewInt(1000),
		MaxPerPeriod: big.NewInt(100),
		SettleDelay:  time.Hour,
	}

	ds.On("GetChannelByLedgerID", mock.Anything, "lchn_abc").
		Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "Channel not found", nil))
	lc.On("QueryChannel", mock.Anything, "lchn_abc").
		Return(ledger.ChannelState{Exists: true, Balance: big.NewInt(0)}, nil)
	ds.On("CreateChannel", mock.Anything, mock.MatchedBy(func(ch model.Channel) bool {
		return ch.LedgerChannelID == "lchn_abc" &&
			ch.FunderID == "acct_funder" &&
			ch.Rate.Cmp(big.NewInt(10)) == 0 &&
			ch.MetaData == nil
	})).Return(model.Channel{ChannelID: "chn_recovered", LedgerChannelID: "lchn_abc"}, nil)

	recovered, err := engine.RecoverOrphanedChannel(context.Background(), "lchn_abc", params)
	assert.NoError(t, err)
	assert.Equal(t, "chn_recovered", recovered.ChannelID)
}

func TestRecoverOrphanedChannel_DegradedImportIsFlagged(t *testing.T) {
	engine, ds, lc := newTestEngine(t)

	ds.On("GetChannelByLedgerID", mock.Anything, "lchn_abc").
		Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "Channel not found", nil))
	lc.On("QueryChannel", mock.Anything, "lchn_abc").
		Return(ledger.ChannelState{Exists: true, Balance: big.NewInt(250)}, nil)
	ds.On("CreateChannel", mock.Anything, mock.MatchedBy(func(ch model.Channel) bool {
		flagged, _ := ch.MetaData[model.MetaRequiresCorrection].(bool)
		return flagged &&
			ch.OnChainBalance.Cmp(big.NewInt(250)) == 0 &&
			ch.Rate.Sign() == 0 &&
			ch.FundedEscrow.Sign() == 0
	})).Return(model.Channel{ChannelID: "chn_degraded", LedgerChannelID: "lchn_abc"}, nil)

	recovered, err := engine.RecoverOrphanedChannel(context.Background(), "lchn_abc", nil)
	assert.NoError(t, err)
	assert.Equal(t, "chn_degraded", recovered.ChannelID)
}

func TestRecoverOrphanedChannel_AlreadyRecorded(t *testing.T) {
	engine, ds, lc := newTestEngine(t)
	existing := activeChannel()

	ds.On("GetChannelByLedgerID", mock.Anything, existing.LedgerChannelID).Return(existing, nil)

	recovered, err := engine.RecoverOrphanedChannel(context.Background(), existing.LedgerChannelID, nil)
	assert.NoError(t, err)
	assert.Equal(t, existing.ChannelID, recovered.ChannelID)
	lc.AssertNotCalled(t, "QueryChannel", mock.Anything, mock.Anything)
	ds.AssertNotCalled(t, "CreateChannel", mock.Anything, mock.Anything)
}

func TestRecoverOrphanedChannel_NotOnLedger(t *testing.T) {
	engine, ds, lc := newTestEngine(t)

	ds.On("GetChannelByLedgerID", mock.Anything, "lchn_gone").
		Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "Channel not found", nil))
	lc.On("QueryChannel", mock.Anything, "lchn_gone").Return(ledger.ChannelState{Exists: false}, nil)

	_, err := engine.RecoverOrphanedChannel(context.Background(), "lchn_gone", nil)
	assert.Error(t, err)
	assert.Equal(t, apierror.ErrNotFound, apierror.CodeOf(err))
	ds.AssertNotCalled(t, "CreateChannel", mock.Anything, mock.Anything)
}

func TestRecoverOrphanedChannel_ConcurrentRecoveryLosesGracefully(t *testing.T) {
	engine, ds, lc := newTestEngine(t)
	existing := activeChannel()

	ds.On("GetChannelByLedgerID", mock.Anything, existing.LedgerChannelID).
		Return(nil, apierror.NewAPIError(apierror.ErrNotFound, "Channel not found", nil)).Once()
	lc.On("QueryChannel", mock.Anything, existing.LedgerChannelID).
		Return(ledger.ChannelState{Exists: true, Balance: big.NewInt(0)}, nil)
	ds.On("CreateChannel", mock.Anything, mock.Anything).
		Return(model.Channel{}, apierror.NewAPIError(apierror.ErrConflict, "Channel with this ID already exists", nil))
	ds.On("GetChannelByLedgerID", mock.Anything, existing.LedgerChannelID).Return(existing, nil).Once()

	recovered, err := engine.RecoverOrphanedChannel(context.Background(), existing.LedgerChannelID, nil)
	assert.NoError(t, err)
	assert.Equal(t, existing.ChannelID, recovered.ChannelID)
}
