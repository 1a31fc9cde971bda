package mocks

import (
	"context"
	"math/big"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/paystreamhq/paystream/model"
)

// MockDataSource is a testify mock of database.IDataSource.
type MockDataSource struct {
	mock.Mock
}

func (m *MockDataSource) CreateChannel(ctx context.Context, ch model.Channel) (model.Channel, error) {
	args := m.Called(ctx, ch)
	return args.Get(0).(model.Channel), args.Error(1)
}

func (m *MockDataSource) GetChannelByID(ctx context.Context, id string) (*model.Channel, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Channel), args.Error(1)
}

func (m *MockDataSource) GetChannelByLedgerID(ctx context.Context, ledgerChannelID string) (*model.Channel, error) {
	args := m.Called(ctx, ledgerChannelID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Channel), args.Error(1)
}

func (m *MockDataSource) GetChannelsByParties(ctx context.Context, funderID, payeeID string, limit, offset int) ([]model.Channel, error) {
	args := m.Called(ctx, funderID, payeeID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Channel), args.Error(1)
}

func (m *MockDataSource) GetActiveChannels(ctx context.Context, limit, offset int) ([]model.Channel, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Channel), args.Error(1)
}

func (m *MockDataSource) GetExpiredClosingChannels(ctx context.Context, asOf time.Time, limit int) ([]*model.Channel, error) {
	args := m.Called(ctx, asOf, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Channel), args.Error(1)
}

func (m *MockDataSource) GetDriftingChannels(ctx context.Context, threshold *big.Int, limit int) ([]model.Channel, error) {
	args := m.Called(ctx, threshold, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Channel), args.Error(1)
}

func (m *MockDataSource) MarkChannelClosing(ctx context.Context, id string, initiatedAt, expirationTime time.Time, reason model.ClosureReason) error {
	args := m.Called(ctx, id, initiatedAt, expirationTime, reason)
	return args.Error(0)
}

func (m *MockDataSource) MarkChannelClosed(ctx context.Context, id string, expected model.ChannelStatus, params model.ClosureCompletion) error {
	args := m.Called(ctx, id, expected, params)
	return args.Error(0)
}

func (m *MockDataSource) RollbackChannelClosing(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockDataSource) RecordValidationFailure(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockDataSource) UpdateAccruedBalance(ctx context.Context, id string, accrued *big.Int) error {
	args := m.Called(ctx, id, accrued)
	return args.Error(0)
}

func (m *MockDataSource) UpdateOnChainBalance(ctx context.Context, id string, balance *big.Int, syncedAt time.Time) error {
	args := m.Called(ctx, id, balance, syncedAt)
	return args.Error(0)
}

func (m *MockDataSource) UpdateChannelMetaData(ctx context.Context, id string, metadata map[string]interface{}) (map[string]interface{}, error) {
	args := m.Called(ctx, id, metadata)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]interface{}), args.Error(1)
}

func (m *MockDataSource) CreateClosureRequest(ctx context.Context, req model.ClosureRequest) (model.ClosureRequest, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(model.ClosureRequest), args.Error(1)
}

func (m *MockDataSource) GetClosureRequest(ctx context.Context, id string) (*model.ClosureRequest, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ClosureRequest), args.Error(1)
}

func (m *MockDataSource) GetPendingClosureRequest(ctx context.Context, channelID string) (*model.ClosureRequest, error) {
	args := m.Called(ctx, channelID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ClosureRequest), args.Error(1)
}

func (m *MockDataSource) GetClosureRequestsByChannel(ctx context.Context, channelID string, limit, offset int) ([]model.ClosureRequest, error) {
	args := m.Called(ctx, channelID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ClosureRequest), args.Error(1)
}

func (m *MockDataSource) ApproveClosureRequest(ctx context.Context, id, approverID string, at time.Time) error {
	args := m.Called(ctx, id, approverID, at)
	return args.Error(0)
}

func (m *MockDataSource) RejectClosureRequest(ctx context.Context, id, approverID, reason string) error {
	args := m.Called(ctx, id, approverID, reason)
	return args.Error(0)
}

func (m *MockDataSource) CancelClosureRequest(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockDataSource) CompleteClosureRequest(ctx context.Context, id, txHash string, at time.Time) error {
	args := m.Called(ctx, id, txHash, at)
	return args.Error(0)
}
