package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumabot/backend/internal/models"
)

// Publisher delivers ledger events to downstream consumers. Publishing
// happens after commit and is best-effort: the ledger never rolls back a
// committed operation because an event could not be delivered.
type Publisher interface {
	Publish(ctx context.Context, event EntryRecorded) error
	Close() error
}

// EntryRecorded is emitted once per committed ledger entry.
type EntryRecorded struct {
	EventID        string           `json:"event_id"`
	UserID         int64            `json:"user_id"`
	Kind           models.EntryKind `json:"kind"`
	Amount         decimal.Decimal  `json:"amount"`
	BalanceAfter   decimal.Decimal  `json:"balance_after"`
	CounterpartyID *int64           `json:"counterparty_id,omitempty"`
	Comment        string           `json:"comment,omitempty"`
	OccurredAt     time.Time        `json:"occurred_at"`
}
