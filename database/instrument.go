package database

import (
	"context"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/paystreamhq/paystream/model"
)

var repoTracer = otel.Tracer("repository")

// InstrumentedDataSource wraps a repository with tracing and timing. The
// wrapping happens at construction, so the underlying implementation stays
// free of observability concerns.
type InstrumentedDataSource struct {
	next IDataSource
}

// Instrument returns a traced view of the given repository.
func Instrument(next IDataSource) IDataSource {
	return &InstrumentedDataSource{next: next}
}

func (i *InstrumentedDataSource) observe(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	ctx, span := repoTracer.Start(ctx, op, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		logrus.WithFields(logrus.Fields{"op": op, "duration": elapsed}).WithError(err).Debug("repository call failed")
		return err
	}
	logrus.WithFields(logrus.Fields{"op": op, "duration": elapsed}).Debug("repository call")
	return nil
}

func channelAttr(id string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String("channel.id", id)}
}

func requestAttr(id string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String("closure_request.id", id)}
}

func (i *InstrumentedDataSource) CreateChannel(ctx context.Context, ch model.Channel) (model.Channel, error) {
	var out model.Channel
	err := i.observe(ctx, "repository.CreateChannel", channelAttr(ch.ChannelID), func(ctx context.Context) error {
		var err error
		out, err = i.next.CreateChannel(ctx, ch)
		return err
	})
	return out, err
}

func (i *InstrumentedDataSource) GetChannelByID(ctx context.Context, id string) (*model.Channel, error) {
	var out *model.Channel
	err := i.observe(ctx, "repository.GetChannelByID", channelAttr(id), func(ctx context.Context) error {
		var err error
		out, err = i.next.GetChannelByID(ctx, id)
		return err
	})
	return out, err
}

func (i *InstrumentedDataSource) GetChannelByLedgerID(ctx context.Context, ledgerChannelID string) (*model.Channel, error) {
	var out *model.Channel
	err := i.observe(ctx, "repository.GetChannelByLedgerID",
		[]attribute.KeyValue{attribute.String("channel.ledger_id", ledgerChannelID)},
		func(ctx context.Context) error {
			var err error
			out, err = i.next.GetChannelByLedgerID(ctx, ledgerChannelID)
			return err
		})
	return out, err
}

func (i *InstrumentedDataSource) GetChannelsByParties(ctx context.Context, funderID, payeeID string, limit, offset int) ([]model.Channel, error) {
	var out []model.Channel
	err := i.observe(ctx, "repository.GetChannelsByParties", nil, func(ctx context.Context) error {
		var err error
		out, err = i.next.GetChannelsByParties(ctx, funderID, payeeID, limit, offset)
		return err
	})
	return out, err
}

func (i *InstrumentedDataSource) GetActiveChannels(ctx context.Context, limit, offset int) ([]model.Channel, error) {
	var out []model.Channel
	err := i.observe(ctx, "repository.GetActiveChannels", nil, func(ctx context.Context) error {
		var err error
		out, err = i.next.GetActiveChannels(ctx, limit, offset)
		return err
	})
	return out, err
}

func (i *InstrumentedDataSource) GetExpiredClosingChannels(ctx context.Context, asOf time.Time, limit int) ([]*model.Channel, error) {
	var out []*model.Channel
	err := i.observe(ctx, "repository.GetExpiredClosingChannels", nil, func(ctx context.Context) error {
		var err error
		out, err = i.next.GetExpiredClosingChannels(ctx, asOf, limit)
		return err
	})
	return out, err
}

func (i *InstrumentedDataSource) GetDriftingChannels(ctx context.Context, threshold *big.Int, limit int) ([]model.Channel, error) {
	var out []model.Channel
	err := i.observe(ctx, "repository.GetDriftingChannels", nil, func(ctx context.Context) error {
		var err error
		out, err = i.next.GetDriftingChannels(ctx, threshold, limit)
		return err
	})
	return out, err
}

func (i *InstrumentedDataSource) MarkChannelClosing(ctx context.Context, id string, initiatedAt, expirationTime time.Time, reason model.ClosureReason) error {
	return i.observe(ctx, "repository.MarkChannelClosing", channelAttr(id), func(ctx context.Context) error {
		return i.next.MarkChannelClosing(ctx, id, initiatedAt, expirationTime, reason)
	})
}

func (i *InstrumentedDataSource) MarkChannelClosed(ctx context.Context, id string, expected model.ChannelStatus, params model.ClosureCompletion) error {
	return i.observe(ctx, "repository.MarkChannelClosed", channelAttr(id), func(ctx context.Context) error {
		return i.next.MarkChannelClosed(ctx, id, expected, params)
	})
}

func (i *InstrumentedDataSource) RollbackChannelClosing(ctx context.Context, id string, at time.Time) error {
	return i.observe(ctx, "repository.RollbackChannelClosing", channelAttr(id), func(ctx context.Context) error {
		return i.next.RollbackChannelClosing(ctx, id, at)
	})
}

func (i *InstrumentedDataSource) RecordValidationFailure(ctx context.Context, id string, at time.Time) error {
	return i.observe(ctx, "repository.RecordValidationFailure", channelAttr(id), func(ctx context.Context) error {
		return i.next.RecordValidationFailure(ctx, id, at)
	})
}

func (i *InstrumentedDataSource) UpdateAccruedBalance(ctx context.Context, id string, accrued *big.Int) error {
	return i.observe(ctx, "repository.UpdateAccruedBalance", channelAttr(id), func(ctx context.Context) error {
		return i.next.UpdateAccruedBalance(ctx, id, accrued)
	})
}

func (i *InstrumentedDataSource) UpdateOnChainBalance(ctx context.Context, id string, balance *big.Int, syncedAt time.Time) error {
	return i.observe(ctx, "repository.UpdateOnChainBalance", channelAttr(id), func(ctx context.Context) error {
		return i.next.UpdateOnChainBalance(ctx, id, balance, syncedAt)
	})
}

func (i *InstrumentedDataSource) UpdateChannelMetaData(ctx context.Context, id string, metadata map[string]interface{}) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := i.observe(ctx, "repository.UpdateChannelMetaData", channelAttr(id), func(ctx context.Context) error {
		var err error
		out, err = i.next.UpdateChannelMetaData(ctx, id, metadata)
		return err
	})
	return out, err
}

func (i *InstrumentedDataSource) CreateClosureRequest(ctx context.Context, req model.ClosureRequest) (model.ClosureRequest, error) {
	var out model.ClosureRequest
	err := i.observe(ctx, "repository.CreateClosureRequest", channelAttr(req.ChannelID), func(ctx context.Context) error {
		var err error
		out, err = i.next.CreateClosureRequest(ctx, req)
		return err
	})
	return out, err
}

func (i *InstrumentedDataSource) GetClosureRequest(ctx context.Context, id string) (*model.ClosureRequest, error) {
	var out *model.ClosureRequest
	err := i.observe(ctx, "repository.GetClosureRequest", requestAttr(id), func(ctx context.Context) error {
		var err error
		out, err = i.next.GetClosureRequest(ctx, id)
		return err
	})
	return out, err
}

func (i *InstrumentedDataSource) GetPendingClosureRequest(ctx context.Context, channelID string) (*model.ClosureRequest, error) {
	var out *model.ClosureRequest
	err := i.observe(ctx, "repository.GetPendingClosureRequest", channelAttr(channelID), func(ctx context.Context) error {
		var err error
		out, err = i.next.GetPendingClosureRequest(ctx, channelID)
		return err
	})
	return out, err
}

func (i *InstrumentedDataSource) GetClosureRequestsByChannel(ctx context.Context, channelID string, limit, offset int) ([]model.ClosureRequest, error) {
	var out []model.ClosureRequest
	err := i.observe(ctx, "repository.GetClosureRequestsByChannel", channelAttr(channelID), func(ctx context.Context) error {
		var err error
		out, err = i.next.GetClosureRequestsByChannel(ctx, channelID, limit, offset)
		return err
	})
	return out, err
}

func (i *InstrumentedDataSource) ApproveClosureRequest(ctx context.Context, id, approverID string, at time.Time) error {
	return i.observe(ctx, "repository.ApproveClosureRequest", requestAttr(id), func(ctx context.Context) error {
		return i.next.ApproveClosureRequest(ctx, id, approverID, at)
	})
}

func (i *InstrumentedDataSource) RejectClosureRequest(ctx context.Context, id, approverID, reason string) error {
	return i.observe(ctx, "repository.RejectClosureRequest", requestAttr(id), func(ctx context.Context) error {
		return i.next.RejectClosureRequest(ctx, id, approverID, reason)
	})
}

func (i *InstrumentedDataSource) CancelClosureRequest(ctx context.Context, id string) error {
	return i.observe(ctx, "repository.CancelClosureRequest", requestAttr(id), func(ctx context.Context) error {
		return i.next.CancelClosureRequest(ctx, id)
	})
}

func (i *InstrumentedDataSource) CompleteClosureRequest(ctx context.Context, id, txHash string, at time.Time) error {
	return i.observe(ctx, "repository.CompleteClosureRequest", requestAttr(id), func(ctx context.Context) error {
		return i.next.CompleteClosureRequest(ctx, id, txHash, at)
	})
}
