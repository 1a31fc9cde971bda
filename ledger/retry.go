package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// RetryingClient decorates a Client with bounded exponential backoff on
// transient failures. Rejections pass through immediately. A call that
// exhausts its retries surfaces the last error to the caller, which escalates
// it as an operator-visible alert rather than dropping it.
type RetryingClient struct {
	inner       Client
	maxRetries  uint64
	callTimeout time.Duration
}

// WithRetries wraps a client so that network and timeout failures are retried
// up to maxRetries times. Each individual attempt is bounded by callTimeout.
func WithRetries(inner Client, maxRetries uint64, callTimeout time.Duration) *RetryingClient {
	return &RetryingClient{inner: inner, maxRetries: maxRetries, callTimeout: callTimeout}
}

func (c *RetryingClient) retry(ctx context.Context, op string, call func(context.Context) error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	return backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()

		err := call(attemptCtx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		logrus.Warnf("ledger %s failed, will retry: %v", op, err)
		return err
	}, policy)
}

func (c *RetryingClient) CreateChannel(ctx context.Context, params CreateChannelParams) (string, error) {
	var channelID string
	err := c.retry(ctx, "create_channel", func(ctx context.Context) error {
		var callErr error
		channelID, callErr = c.inner.CreateChannel(ctx, params)
		return callErr
	})
	return channelID, err
}

func (c *RetryingClient) QueryChannel(ctx context.Context, channelID string) (ChannelState, error) {
	var state ChannelState
	err := c.retry(ctx, "query_channel", func(ctx context.Context) error {
		var callErr error
		state, callErr = c.inner.QueryChannel(ctx, channelID)
		return callErr
	})
	return state, err
}

func (c *RetryingClient) SubmitClosure(ctx context.Context, params CloseParams) (string, error) {
	var txHash string
	err := c.retry(ctx, "submit_closure", func(ctx context.Context) error {
		var callErr error
		txHash, callErr = c.inner.SubmitClosure(ctx, params)
		return callErr
	})
	return txHash, err
}
