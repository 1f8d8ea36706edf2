package models

import (
	"time"
)

// Account holds the two credit balances for a user. Stars are purchased
// with money; coins are earned through referrals. Both are whole units
// and never go negative. Version is bumped on every balance mutation.
type Account struct {
	ID        string    `json:"id"`
	Stars     int64     `json:"stars"`
	Coins     int64     `json:"coins"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ledger operation reasons. Every balance mutation appends exactly one
// LedgerOp with one of these reasons in the same transaction.
const (
	ReasonDebit          = "debit"
	ReasonRefund         = "refund_on_failure"
	ReasonTopUp          = "external_top_up"
	ReasonExchange       = "exchange_coins_to_stars"
	ReasonReferralReward = "referral_reward"
)

// LedgerOp is one append-only audit row. Summing deltas per account must
// reproduce the current balance minus the initial balance.
type LedgerOp struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	DeltaStars int64     `json:"delta_stars"`
	DeltaCoins int64     `json:"delta_coins"`
	Reason     string    `json:"reason"`
	CausedBy   *string   `json:"caused_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// PaymentEvent records an external payment notification that has already
// been applied, keyed by the processor's event ID.
type PaymentEvent struct {
	EventID   string    `json:"event_id"`
	AccountID string    `json:"account_id"`
	Stars     int64     `json:"stars"`
	AppliedAt time.Time `json:"applied_at"`
}
