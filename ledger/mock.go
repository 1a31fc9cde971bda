package ledger

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockClient is a testify mock of the Client interface, used by service and
// sweep tests that need a scripted ledger.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) CreateChannel(ctx context.Context, params CreateChannelParams) (string, error) {
	args := m.Called(ctx, params)
	return args.String(0), args.Error(1)
}

func (m *MockClient) QueryChannel(ctx context.Context, channelID string) (ChannelState, error) {
	args := m.Called(ctx, channelID)
	return args.Get(0).(ChannelState), args.Error(1)
}

func (m *MockClient) SubmitClosure(ctx context.Context, params CloseParams) (string, error) {
	args := m.Called(ctx, params)
	return args.String(0), args.Error(1)
}
