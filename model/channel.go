package model

import (
	"fmt"
	"math/big"
	"time"
)

// ChannelStatus represents the lifecycle state of a payment channel.
type ChannelStatus string

const (
	ChannelStatusActive  ChannelStatus = "active"
	ChannelStatusClosing ChannelStatus = "closing"
	ChannelStatusClosed  ChannelStatus = "closed"
)

// ClosureReason records why a channel was (or is being) closed.
type ClosureReason string

const (
	ClosureReasonNone        ClosureReason = ""
	ClosureReasonManual      ClosureReason = "manual"
	ClosureReasonPayeeForced ClosureReason = "payee_forced"
	ClosureReasonExpired     ClosureReason = "expired"
	ClosureReasonClaim       ClosureReason = "claim"
)

// Metadata keys used to flag channels that need an operator's attention.
const (
	MetaRequiresIntervention = "requires_intervention"
	MetaRequiresCorrection   = "requires_correction"
)

// Channel represents a payment channel between a funding organization and a
// payee, backed by a fixed escrow on the external ledger.
//
// OffChainAccrued and OnChainBalance are independent: the first is the
// locally tracked amount owed to the payee (authoritative until settlement),
// the second mirrors the ledger's settled balance and is audit-only. Neither
// is ever copied into the other.
type Channel struct {
	ChannelID       string `json:"channel_id"`
	LedgerChannelID string `json:"ledger_channel_id"`
	FunderID        string `json:"funder_id"`
	PayeeID         string `json:"payee_id"`

	Rate            *big.Int `json:"rate"`
	FundedEscrow    *big.Int `json:"funded_escrow"`
	MaxPerPeriod    *big.Int `json:"max_per_period"`
	OffChainAccrued *big.Int `json:"off_chain_accrued"`
	OnChainBalance  *big.Int `json:"on_chain_balance"`
	SettledAmount   *big.Int `json:"settled_amount"`

	SettleDelay    time.Duration `json:"settle_delay"`
	CancelAfter    time.Time     `json:"cancel_after"`
	ExpirationTime time.Time     `json:"expiration_time"`

	Status             ChannelStatus `json:"status"`
	ClosureInitiatedAt time.Time     `json:"closure_initiated_at"`
	ClosureTxHash      string        `json:"closure_tx_hash"`
	ClosedAt           time.Time     `json:"closed_at"`
	ClosureReason      ClosureReason `json:"closure_reason"`

	ValidationAttempts int       `json:"validation_attempts"`
	LastValidationAt   time.Time `json:"last_validation_at"`
	LastLedgerSync     time.Time `json:"last_ledger_sync"`

	CreatedAt time.Time              `json:"created_at"`
	MetaData  map[string]interface{} `json:"meta_data"`
}

// InitializeBalanceFields ensures all balance fields hold valid *big.Int
// values before arithmetic is performed on them.
func (c *Channel) InitializeBalanceFields() {
	if c.Rate == nil {
		c.Rate = big.NewInt(0)
	}
	if c.FundedEscrow == nil {
		c.FundedEscrow = big.NewInt(0)
	}
	if c.MaxPerPeriod == nil {
		c.MaxPerPeriod = big.NewInt(0)
	}
	if c.OffChainAccrued == nil {
		c.OffChainAccrued = big.NewInt(0)
	}
	if c.OnChainBalance == nil {
		c.OnChainBalance = big.NewInt(0)
	}
	if c.SettledAmount == nil {
		c.SettledAmount = big.NewInt(0)
	}
}

// IsFunder reports whether the given actor is the channel's funding party.
func (c *Channel) IsFunder(actorID string) bool {
	return actorID != "" && actorID == c.FunderID
}

// IsPayee reports whether the given actor is the channel's payee.
func (c *Channel) IsPayee(actorID string) bool {
	return actorID != "" && actorID == c.PayeeID
}

// IsParty reports whether the given actor is either party to the channel.
func (c *Channel) IsParty(actorID string) bool {
	return c.IsFunder(actorID) || c.IsPayee(actorID)
}

// CanForceClose reports whether the payee may unilaterally force closure: the
// immutable cancel-after deadline must have elapsed.
func (c *Channel) CanForceClose(now time.Time) bool {
	return !c.CancelAfter.IsZero() && !now.Before(c.CancelAfter)
}

// RemainingEscrow returns how much of the funded escrow has not yet been
// accrued to the payee.
func (c *Channel) RemainingEscrow() *big.Int {
	c.InitializeBalanceFields()
	return new(big.Int).Sub(c.FundedEscrow, c.OffChainAccrued)
}

// AccrualFor computes the amount earned for the given number of completed
// work units, capped at the remaining escrow so that the invariant
// offChainAccrued <= fundedEscrow always holds. It returns the amount to
// apply and whether the raw amount was clamped. A per-period cap violation
// is reported as an error and nothing is applied.
func (c *Channel) AccrualFor(units int64) (*big.Int, bool, error) {
	if units <= 0 {
		return nil, false, fmt.Errorf("accrual units must be positive, got %d", units)
	}
	c.InitializeBalanceFields()

	amount := new(big.Int).Mul(c.Rate, big.NewInt(units))
	if c.MaxPerPeriod.Sign() > 0 && amount.Cmp(c.MaxPerPeriod) > 0 {
		return nil, false, fmt.Errorf("accrual of %s exceeds per-period cap of %s", amount.String(), c.MaxPerPeriod.String())
	}

	remaining := c.RemainingEscrow()
	if amount.Cmp(remaining) > 0 {
		return remaining, true, nil
	}
	return amount, false, nil
}

// Drift returns offChainAccrued minus onChainBalance. A positive drift is
// expected and benign while the channel is active; it becomes actionable
// once the channel is closing past its expiration time without settlement.
func (c *Channel) Drift() *big.Int {
	c.InitializeBalanceFields()
	return new(big.Int).Sub(c.OffChainAccrued, c.OnChainBalance)
}

// ClosureCompletion carries the terminal fields written when a channel is
// closed. Settled is true only when the ledger confirmed settlement (channel
// absent or zero remaining balance); only then is offChainAccrued moved into
// settledAmount and zeroed — a ledger read never erases accrued value
// otherwise.
type ClosureCompletion struct {
	ClosedAt time.Time
	TxHash   string
	Reason   ClosureReason
	Settled  bool
}

// ClosureTransaction is an unsigned closure transaction referencing a channel
// and the accrued-balance snapshot the payee is owed. It is handed to the
// funder for external signing and submission; the channel record itself does
// not transition until the submission is confirmed against the ledger.
type ClosureTransaction struct {
	LedgerChannelID string   `json:"ledger_channel_id"`
	Balance         *big.Int `json:"balance"`
	Close           bool     `json:"close"`
}
