package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestRetryingClientRetriesTransientFailures(t *testing.T) {
	inner := &MockClient{}
	inner.On("QueryChannel", mock.Anything, "lch_1").
		Return(ChannelState{}, NewError(ErrTimeout, "query_channel", errors.New("deadline exceeded"))).Once()
	inner.On("QueryChannel", mock.Anything, "lch_1").
		Return(ChannelState{Exists: true, Balance: big.NewInt(30)}, nil).Once()

	client := WithRetries(inner, 3, time.Second)
	state, err := client.QueryChannel(context.Background(), "lch_1")

	assert.NoError(t, err)
	assert.True(t, state.Exists)
	assert.Equal(t, int64(30), state.Balance.Int64())
	inner.AssertExpectations(t)
}

func TestRetryingClientDoesNotRetryRejections(t *testing.T) {
	inner := &MockClient{}
	inner.On("SubmitClosure", mock.Anything, mock.Anything).
		Return("", NewError(ErrRejected, "submit_closure", errors.New("tec failure"))).Once()

	client := WithRetries(inner, 5, time.Second)
	_, err := client.SubmitClosure(context.Background(), CloseParams{ChannelID: "lch_1", Close: true})

	assert.Error(t, err)
	assert.Equal(t, ErrRejected, KindOf(err))
	inner.AssertNumberOfCalls(t, "SubmitClosure", 1)
}

func TestRetryingClientExhaustsRetries(t *testing.T) {
	inner := &MockClient{}
	inner.On("CreateChannel", mock.Anything, mock.Anything).
		Return("", NewError(ErrNetwork, "create_channel", errors.New("connection refused")))

	client := WithRetries(inner, 2, time.Second)
	_, err := client.CreateChannel(context.Background(), CreateChannelParams{Funder: "org_1", Payee: "wrk_1", Escrow: big.NewInt(100)})

	assert.Error(t, err)
	// initial attempt plus two retries
	inner.AssertNumberOfCalls(t, "CreateChannel", 3)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrTimeout, KindOf(NewError(ErrTimeout, "query_channel", nil)))
	assert.Equal(t, ErrNetwork, KindOf(errors.New("unclassified")))
	assert.True(t, IsRetryable(NewError(ErrNetwork, "x", nil)))
	assert.True(t, IsRetryable(NewError(ErrTimeout, "x", nil)))
	assert.False(t, IsRetryable(NewError(ErrRejected, "x", nil)))
}
