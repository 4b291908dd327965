package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumabot/backend/internal/events"
	"github.com/lumabot/backend/internal/models"
)

type capturePublisher struct {
	published []events.EntryRecorded
}

func (p *capturePublisher) Publish(_ context.Context, event events.EntryRecorded) error {
	p.published = append(p.published, event)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func newTestLedger(t *testing.T) (*LedgerService, sqlmock.Sqlmock, *capturePublisher, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	publisher := &capturePublisher{}
	service := NewLedgerService(db, NewUserService(db), nil, publisher, zap.NewNop())
	return service, mock, publisher, func() { db.Close() }
}

func expectUserExists(mock sqlmock.Sqlmock, userID int64, exists bool) {
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(exists))
}

func expectLockBalance(mock sqlmock.Sqlmock, userID int64, amount string) {
	mock.ExpectExec("INSERT INTO balances").
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT user_id, amount, updated_at").
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "amount", "updated_at"}).
			AddRow(userID, amount, time.Now()))
}

func expectSaveBalance(mock sqlmock.Sqlmock) {
	mock.ExpectExec("UPDATE balances").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func expectAppendEntry(mock sqlmock.Sqlmock, entryID int64) {
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(entryID))
}

func TestLedgerService_Deposit(t *testing.T) {
	t.Run("successful deposit", func(t *testing.T) {
		service, mock, publisher, cleanup := newTestLedger(t)
		defer cleanup()

		expectUserExists(mock, 1, true)
		mock.ExpectBegin()
		expectLockBalance(mock, 1, "100.00")
		expectSaveBalance(mock)
		expectAppendEntry(mock, 1)
		mock.ExpectCommit()

		balance, err := service.Deposit(context.Background(), 1, decimal.RequireFromString("50"), "top up", "")
		assert.NoError(t, err)
		assert.True(t, balance.Equal(decimal.RequireFromString("150")), "got %s", balance)
		assert.NoError(t, mock.ExpectationsWereMet())

		require.Len(t, publisher.published, 1)
		assert.Equal(t, models.EntryDeposit, publisher.published[0].Kind)
		assert.True(t, publisher.published[0].BalanceAfter.Equal(decimal.RequireFromString("150")))
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		service, mock, _, cleanup := newTestLedger(t)
		defer cleanup()

		_, err := service.Deposit(context.Background(), 1, decimal.Zero, "", "")
		assert.ErrorIs(t, err, ErrInvalidAmount)

		_, err = service.Deposit(context.Background(), 1, decimal.RequireFromString("-5"), "", "")
		assert.ErrorIs(t, err, ErrInvalidAmount)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown user", func(t *testing.T) {
		service, mock, _, cleanup := newTestLedger(t)
		defer cleanup()

		expectUserExists(mock, 42, false)

		_, err := service.Deposit(context.Background(), 42, decimal.RequireFromString("10"), "", "")
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("repeated small deposits stay exact", func(t *testing.T) {
		service, mock, _, cleanup := newTestLedger(t)
		defer cleanup()

		running := []string{"0.00", "0.10", "0.20"}
		for _, current := range running {
			expectUserExists(mock, 1, true)
			mock.ExpectBegin()
			expectLockBalance(mock, 1, current)
			expectSaveBalance(mock)
			expectAppendEntry(mock, 1)
			mock.ExpectCommit()
		}

		var balance decimal.Decimal
		var err error
		for i := 0; i < 3; i++ {
			balance, err = service.Deposit(context.Background(), 1, decimal.RequireFromString("0.10"), "", "")
			require.NoError(t, err)
		}

		assert.Equal(t, "0.30", balance.StringFixed(2))
		assert.True(t, balance.Equal(decimal.RequireFromString("0.3")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("idempotency key replays recorded result", func(t *testing.T) {
		service, mock, publisher, cleanup := newTestLedger(t)
		defer cleanup()

		expectUserExists(mock, 1, true)
		mock.ExpectQuery("SELECT balance_after").
			WithArgs("key-1", string(models.EntryDeposit)).
			WillReturnRows(sqlmock.NewRows([]string{"balance_after"}).AddRow("150.00"))

		balance, err := service.Deposit(context.Background(), 1, decimal.RequireFromString("50"), "", "key-1")
		assert.NoError(t, err)
		assert.Equal(t, "150.00", balance.StringFixed(2))
		assert.Empty(t, publisher.published, "replays must not re-publish")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fresh idempotency key applies normally", func(t *testing.T) {
		service, mock, _, cleanup := newTestLedger(t)
		defer cleanup()

		expectUserExists(mock, 1, true)
		mock.ExpectQuery("SELECT balance_after").
			WithArgs("key-2", string(models.EntryDeposit)).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectBegin()
		expectLockBalance(mock, 1, "0.00")
		expectSaveBalance(mock)
		expectAppendEntry(mock, 1)
		mock.ExpectCommit()

		balance, err := service.Deposit(context.Background(), 1, decimal.RequireFromString("25"), "", "key-2")
		assert.NoError(t, err)
		assert.Equal(t, "25.00", balance.StringFixed(2))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_Withdraw(t *testing.T) {
	t.Run("successful withdraw", func(t *testing.T) {
		service, mock, publisher, cleanup := newTestLedger(t)
		defer cleanup()

		expectUserExists(mock, 1, true)
		mock.ExpectBegin()
		expectLockBalance(mock, 1, "100.00")
		expectSaveBalance(mock)
		expectAppendEntry(mock, 1)
		mock.ExpectCommit()

		balance, err := service.Withdraw(context.Background(), 1, decimal.RequireFromString("40"), "", "")
		assert.NoError(t, err)
		assert.Equal(t, "60.00", balance.StringFixed(2))
		assert.NoError(t, mock.ExpectationsWereMet())

		require.Len(t, publisher.published, 1)
		assert.Equal(t, models.EntryWithdraw, publisher.published[0].Kind)
	})

	t.Run("insufficient funds leaves no side effects", func(t *testing.T) {
		service, mock, publisher, cleanup := newTestLedger(t)
		defer cleanup()

		expectUserExists(mock, 1, true)
		mock.ExpectBegin()
		expectLockBalance(mock, 1, "30.00")
		mock.ExpectRollback()

		_, err := service.Withdraw(context.Background(), 1, decimal.RequireFromString("50"), "", "")
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.Empty(t, publisher.published)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("first touch creates zero balance and rejects debit", func(t *testing.T) {
		service, mock, _, cleanup := newTestLedger(t)
		defer cleanup()

		expectUserExists(mock, 7, true)
		mock.ExpectBegin()
		expectLockBalance(mock, 7, "0.00")
		mock.ExpectRollback()

		_, err := service.Withdraw(context.Background(), 7, decimal.RequireFromString("0.01"), "", "")
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("exact debit to zero is allowed", func(t *testing.T) {
		service, mock, _, cleanup := newTestLedger(t)
		defer cleanup()

		expectUserExists(mock, 1, true)
		mock.ExpectBegin()
		expectLockBalance(mock, 1, "50.00")
		expectSaveBalance(mock)
		expectAppendEntry(mock, 1)
		mock.ExpectCommit()

		balance, err := service.Withdraw(context.Background(), 1, decimal.RequireFromString("50"), "", "")
		assert.NoError(t, err)
		assert.Equal(t, "0.00", balance.StringFixed(2))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_Transfer(t *testing.T) {
	t.Run("successful transfer conserves money", func(t *testing.T) {
		service, mock, publisher, cleanup := newTestLedger(t)
		defer cleanup()

		expectUserExists(mock, 1, true)
		expectUserExists(mock, 2, true)
		mock.ExpectBegin()
		expectLockBalance(mock, 1, "100.00")
		expectLockBalance(mock, 2, "100.00")
		expectSaveBalance(mock)
		expectSaveBalance(mock)
		expectAppendEntry(mock, 1)
		expectAppendEntry(mock, 2)
		mock.ExpectCommit()

		result, err := service.Transfer(context.Background(), 1, 2, decimal.RequireFromString("50"), "split", "")
		require.NoError(t, err)
		assert.Equal(t, "50.00", result.FromBalance.StringFixed(2))
		assert.Equal(t, "150.00", result.ToBalance.StringFixed(2))

		before := decimal.RequireFromString("200")
		after := result.FromBalance.Add(result.ToBalance)
		assert.True(t, before.Equal(after), "money created or destroyed: %s != %s", before, after)
		assert.NoError(t, mock.ExpectationsWereMet())

		require.Len(t, publisher.published, 2)
		assert.Equal(t, models.EntryTransferOut, publisher.published[0].Kind)
		assert.Equal(t, models.EntryTransferIn, publisher.published[1].Kind)
		require.NotNil(t, publisher.published[0].CounterpartyID)
		assert.Equal(t, int64(2), *publisher.published[0].CounterpartyID)
	})

	t.Run("locks lower id first regardless of direction", func(t *testing.T) {
		service, mock, _, cleanup := newTestLedger(t)
		defer cleanup()

		// Transfer 2 -> 1: expectations are ordered, so the test fails if
		// the service locks the sender before the lower-id receiver.
		expectUserExists(mock, 2, true)
		expectUserExists(mock, 1, true)
		mock.ExpectBegin()
		expectLockBalance(mock, 1, "100.00")
		expectLockBalance(mock, 2, "100.00")
		expectSaveBalance(mock)
		expectSaveBalance(mock)
		expectAppendEntry(mock, 1)
		expectAppendEntry(mock, 2)
		mock.ExpectCommit()

		result, err := service.Transfer(context.Background(), 2, 1, decimal.RequireFromString("30"), "", "")
		require.NoError(t, err)
		assert.Equal(t, "70.00", result.FromBalance.StringFixed(2))
		assert.Equal(t, "130.00", result.ToBalance.StringFixed(2))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds aborts with no entries", func(t *testing.T) {
		service, mock, publisher, cleanup := newTestLedger(t)
		defer cleanup()

		expectUserExists(mock, 1, true)
		expectUserExists(mock, 2, true)
		mock.ExpectBegin()
		expectLockBalance(mock, 1, "20.00")
		expectLockBalance(mock, 2, "100.00")
		mock.ExpectRollback()

		_, err := service.Transfer(context.Background(), 1, 2, decimal.RequireFromString("50"), "", "")
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.Empty(t, publisher.published)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("self transfer rejected before touching storage", func(t *testing.T) {
		service, mock, _, cleanup := newTestLedger(t)
		defer cleanup()

		_, err := service.Transfer(context.Background(), 5, 5, decimal.RequireFromString("10"), "", "")
		assert.ErrorIs(t, err, ErrInvalidTransfer)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing destination account", func(t *testing.T) {
		service, mock, _, cleanup := newTestLedger(t)
		defer cleanup()

		expectUserExists(mock, 1, true)
		expectUserExists(mock, 99, false)

		_, err := service.Transfer(context.Background(), 1, 99, decimal.RequireFromString("10"), "", "")
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.Contains(t, err.Error(), "99")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("idempotency key replays both balances", func(t *testing.T) {
		service, mock, _, cleanup := newTestLedger(t)
		defer cleanup()

		expectUserExists(mock, 1, true)
		expectUserExists(mock, 2, true)
		mock.ExpectQuery("SELECT e_out.balance_after, e_in.balance_after").
			WithArgs("transfer-key").
			WillReturnRows(sqlmock.NewRows([]string{"from_balance", "to_balance"}).
				AddRow("50.00", "150.00"))

		result, err := service.Transfer(context.Background(), 1, 2, decimal.RequireFromString("50"), "", "transfer-key")
		require.NoError(t, err)
		assert.Equal(t, "50.00", result.FromBalance.StringFixed(2))
		assert.Equal(t, "150.00", result.ToBalance.StringFixed(2))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_GetBalance(t *testing.T) {
	t.Run("existing balance", func(t *testing.T) {
		service, mock, _, cleanup := newTestLedger(t)
		defer cleanup()

		expectUserExists(mock, 1, true)
		mock.ExpectQuery("SELECT amount FROM balances").
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow("75.50"))

		balance, err := service.GetBalance(context.Background(), 1)
		assert.NoError(t, err)
		assert.Equal(t, "75.50", balance.StringFixed(2))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no balance row reads as zero", func(t *testing.T) {
		service, mock, _, cleanup := newTestLedger(t)
		defer cleanup()

		expectUserExists(mock, 1, true)
		mock.ExpectQuery("SELECT amount FROM balances").
			WithArgs(int64(1)).
			WillReturnError(sql.ErrNoRows)

		balance, err := service.GetBalance(context.Background(), 1)
		assert.NoError(t, err)
		assert.True(t, balance.IsZero())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown user", func(t *testing.T) {
		service, mock, _, cleanup := newTestLedger(t)
		defer cleanup()

		expectUserExists(mock, 9, false)

		_, err := service.GetBalance(context.Background(), 9)
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reads are idempotent", func(t *testing.T) {
		service, mock, _, cleanup := newTestLedger(t)
		defer cleanup()

		for i := 0; i < 2; i++ {
			expectUserExists(mock, 1, true)
			mock.ExpectQuery("SELECT amount FROM balances").
				WithArgs(int64(1)).
				WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow("42.00"))
		}

		first, err := service.GetBalance(context.Background(), 1)
		require.NoError(t, err)
		second, err := service.GetBalance(context.Background(), 1)
		require.NoError(t, err)
		assert.True(t, first.Equal(second))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_History(t *testing.T) {
	t.Run("returns entries newest first", func(t *testing.T) {
		service, mock, _, cleanup := newTestLedger(t)
		defer cleanup()

		now := time.Now()
		expectUserExists(mock, 1, true)
		mock.ExpectQuery("SELECT id, user_id, kind").
			WithArgs(int64(1), 50).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "user_id", "kind", "amount", "balance_after", "counterparty_id", "comment", "created_at",
			}).
				AddRow(3, 1, "transfer_out", "25.00", "125.00", 2, "rent", now).
				AddRow(2, 1, "withdraw", "50.00", "150.00", nil, nil, now.Add(-time.Hour)).
				AddRow(1, 1, "deposit", "200.00", "200.00", nil, "initial", now.Add(-2*time.Hour)))

		entries, err := service.History(context.Background(), 1, 0)
		require.NoError(t, err)
		require.Len(t, entries, 3)

		assert.Equal(t, models.EntryTransferOut, entries[0].Kind)
		require.NotNil(t, entries[0].CounterpartyID)
		assert.Equal(t, int64(2), *entries[0].CounterpartyID)
		assert.Nil(t, entries[1].CounterpartyID)
		assert.Equal(t, "initial", entries[2].Comment)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("signed amounts reconcile to the live balance", func(t *testing.T) {
		service, mock, _, cleanup := newTestLedger(t)
		defer cleanup()

		now := time.Now()
		expectUserExists(mock, 1, true)
		mock.ExpectQuery("SELECT id, user_id, kind").
			WithArgs(int64(1), 50).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "user_id", "kind", "amount", "balance_after", "counterparty_id", "comment", "created_at",
			}).
				AddRow(4, 1, "transfer_in", "10.00", "135.00", 2, nil, now).
				AddRow(3, 1, "transfer_out", "25.00", "125.00", 2, nil, now.Add(-time.Hour)).
				AddRow(2, 1, "withdraw", "50.00", "150.00", nil, nil, now.Add(-2*time.Hour)).
				AddRow(1, 1, "deposit", "200.00", "200.00", nil, nil, now.Add(-3*time.Hour)))

		entries, err := service.History(context.Background(), 1, 0)
		require.NoError(t, err)

		sum := decimal.Zero
		for _, entry := range entries {
			sum = sum.Add(entry.Signed())
		}
		assert.True(t, sum.Equal(entries[0].BalanceAfter),
			"signed sum %s does not match live balance %s", sum, entries[0].BalanceAfter)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown user", func(t *testing.T) {
		service, mock, _, cleanup := newTestLedger(t)
		defer cleanup()

		expectUserExists(mock, 9, false)

		_, err := service.History(context.Background(), 9, 10)
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
