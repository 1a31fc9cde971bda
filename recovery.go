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

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/paystreamhq/paystream/internal/apierror"
	"github.com/paystreamhq/paystream/model"
)

var recoveryTracer = otel.Tracer("orphan.recovery")

// RecoverOrphanedChannel imports a channel that exists on the ledger but has
// no local record, the aftermath of a local write failing after the ledger
// write succeeded. With the original creation parameters the import is
// complete. Without them only the ledger-visible facts are recoverable: the
// degraded import seeds balances from the ledger, leaves the financial terms
// zero and flags the record for correction, so it is never mistaken for a
// fully configured channel. Idempotent: an existing local record wins.
func (p *Paystream) RecoverOrphanedChannel(ctx context.Context, ledgerChannelID string, params *CreateChannelParams) (*model.Channel, error) {
	ctx, span := recoveryTracer.Start(ctx, "Recovering orphaned channel")
	defer span.End()
	span.SetAttributes(attribute.String("channel.ledger_id", ledgerChannelID))

	existing, err := p.datasource.GetChannelByLedgerID(ctx, ledgerChannelID)
	if err == nil {
		span.AddEvent("channel already recorded locally, nothing to recover")
		return existing, nil
	}
	if !apierror.Is(err, apierror.ErrNotFound) {
		return nil, err
	}

	state, err := p.ledger.QueryChannel(ctx, ledgerChannelID)
	if err != nil {
		return nil, logAndRecordError(span, "ledger query failed: ", apierror.NewAPIError(apierror.ErrExternal, "Ledger query failed", err))
	}
	if !state.Exists {
		err := apierror.NewAPIError(apierror.ErrNotFound, "Channel not found on ledger; nothing to recover", nil)
		span.RecordError(err)
		return nil, err
	}

	channel := model.Channel{
		LedgerChannelID: ledgerChannelID,
		OnChainBalance:  state.Balance,
		Status:          model.ChannelStatusActive,
	}

	if params != nil {
		channel.FunderID = params.FunderID
		channel.PayeeID = params.PayeeID
		channel.Rate = params.Rate
		channel.FundedEscrow = params.FundedEscrow
		channel.MaxPerPeriod = params.MaxPerPeriod
		channel.SettleDelay = params.SettleDelay
		channel.CancelAfter = params.CancelAfter
		channel.MetaData = params.MetaData
		span.AddEvent("importing with original creation parameters")
	} else {
		// Ledger objects do not carry rate or per-period terms. Seed what
		// the ledger knows and flag the rest for an operator to fill in.
		channel.Rate = big.NewInt(0)
		channel.FundedEscrow = big.NewInt(0)
		channel.MaxPerPeriod = big.NewInt(0)
		channel.MetaData = map[string]interface{}{
			model.MetaRequiresCorrection: true,
		}
		span.AddEvent("degraded import, financial terms unknown")
		logrus.WithFields(logrus.Fields{
			"ledger_channel_id": ledgerChannelID,
		}).Warn("orphaned channel imported without creation parameters, flagged for correction")
	}

	created, err := p.datasource.CreateChannel(ctx, channel)
	if err != nil {
		// A concurrent recovery beat this one to the insert.
		if apierror.Is(err, apierror.ErrConflict) {
			return p.datasource.GetChannelByLedgerID(ctx, ledgerChannelID)
		}
		return nil, logAndRecordError(span, "orphan import failed: ", err)
	}

	logrus.WithFields(logrus.Fields{
		"channel_id":        created.ChannelID,
		"ledger_channel_id": ledgerChannelID,
	}).Info("orphaned channel recovered")
	return &created, nil
}
