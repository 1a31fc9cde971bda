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

// Package ledger defines the consumed ledger-client capability: submitting
// signed transactions and querying channel existence and balance on the
// distributed ledger. The engine consumes this interface; implementing a
// ledger client is out of scope.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ErrorKind is the closed set of failure modes a ledger call can report.
type ErrorKind string

const (
	ErrNetwork  ErrorKind = "NETWORK_ERROR"
	ErrTimeout  ErrorKind = "TIMEOUT"
	ErrRejected ErrorKind = "REJECTED"
)

// Error is a typed ledger failure. Network and timeout failures are
// retryable; rejections are final.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ledger %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("ledger %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a typed ledger error for the given operation.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the failure kind from an error. Unknown errors are treated
// as network failures, the conservative retryable default.
func KindOf(err error) ErrorKind {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Kind
	}
	return ErrNetwork
}

// IsRetryable reports whether the error is transient. A rejection is a final
// verdict from the ledger and is never retried.
func IsRetryable(err error) bool {
	return KindOf(err) != ErrRejected
}

// CreateChannelParams carries the terms of a new channel submission.
type CreateChannelParams struct {
	Funder      string
	Payee       string
	Escrow      *big.Int
	SettleDelay time.Duration
	CancelAfter time.Time
}

// ChannelState is the ledger's view of a channel. Exists is false once the
// channel object has been removed from the ledger (fully settled). Expiration
// is zero unless a closure has been scheduled on the ledger itself.
type ChannelState struct {
	Exists     bool
	Balance    *big.Int
	Expiration time.Time
}

// CloseParams carries a closure submission. Balance is optional: the final
// settlement call after the settle window elapses submits no balance
// override, because the prior closure transaction already fixed the payee's
// amount.
type CloseParams struct {
	ChannelID string
	Balance   *big.Int
	Close     bool
}

// Client is the consumed ledger capability. All calls are blocking I/O with
// bounded timeouts; callers pass a context with a deadline.
type Client interface {
	// CreateChannel submits a signed channel-creation transaction and
	// returns the ledger-assigned channel identifier.
	CreateChannel(ctx context.Context, params CreateChannelParams) (string, error)

	// QueryChannel reads the channel's current state from the ledger.
	QueryChannel(ctx context.Context, channelID string) (ChannelState, error)

	// SubmitClosure submits a closure or settlement transaction and returns
	// its transaction hash.
	SubmitClosure(ctx context.Context, params CloseParams) (string, error)
}
