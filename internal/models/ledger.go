package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryKind classifies a ledger entry. The four kinds are the only
// balance-affecting events the system records.
type EntryKind string

const (
	EntryDeposit     EntryKind = "deposit"
	EntryWithdraw    EntryKind = "withdraw"
	EntryTransferIn  EntryKind = "transfer_in"
	EntryTransferOut EntryKind = "transfer_out"
)

// LedgerEntry is one immutable audit record. Entries are append-only:
// never updated or deleted once written.
type LedgerEntry struct {
	ID             int64           `json:"id" db:"id"`
	UserID         int64           `json:"user_id" db:"user_id"`
	Kind           EntryKind       `json:"kind" db:"kind"`
	Amount         decimal.Decimal `json:"amount" db:"amount"` // always positive
	BalanceAfter   decimal.Decimal `json:"balance_after" db:"balance_after"`
	CounterpartyID *int64          `json:"counterparty_id,omitempty" db:"counterparty_id"`
	Comment        string          `json:"comment,omitempty" db:"comment"`
	IdempotencyKey string          `json:"-" db:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Signed returns the entry amount with the sign it contributes to the
// account balance: credits positive, debits negative. Summing Signed over
// an account's full history reconstructs its live balance.
func (e *LedgerEntry) Signed() decimal.Decimal {
	switch e.Kind {
	case EntryWithdraw, EntryTransferOut:
		return e.Amount.Neg()
	}
	return e.Amount
}

// Balance is the single mutable money record per user. Invariant:
// Amount >= 0, enforced by the ledger service and a DB check constraint.
type Balance struct {
	UserID    int64           `json:"user_id" db:"user_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}
