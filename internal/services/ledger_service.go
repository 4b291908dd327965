package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lumabot/backend/internal/events"
	"github.com/lumabot/backend/internal/models"
)

// LedgerService is the only component allowed to mutate balances. Every
// mutation runs as one database transaction: the balance row is locked
// with FOR UPDATE, updated, and its audit entry appended before commit,
// so a balance change without its entry (or vice versa) cannot happen.
//
// Amounts are exact decimals with two fraction digits throughout; they
// are never represented as binary floats.
type LedgerService struct {
	db     *sql.DB
	users  *UserService
	cache  *BalanceCache
	events events.Publisher
	logger *zap.Logger
}

// NewLedgerService wires the service. cache and publisher may be nil;
// the service then skips caching and event publishing.
func NewLedgerService(db *sql.DB, users *UserService, cache *BalanceCache, publisher events.Publisher, logger *zap.Logger) *LedgerService {
	return &LedgerService{
		db:     db,
		users:  users,
		cache:  cache,
		events: publisher,
		logger: logger,
	}
}

// TransferResult carries both post-transfer balances.
type TransferResult struct {
	FromBalance decimal.Decimal `json:"from_balance"`
	ToBalance   decimal.Decimal `json:"to_balance"`
}

// GetBalance returns the current balance without locking. Unknown users
// fail with ErrAccountNotFound; a user with no balance row yet reads as 0.
func (s *LedgerService) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	if err := s.users.Resolve(ctx, userID); err != nil {
		return decimal.Zero, err
	}

	if amount, ok := s.cache.Get(ctx, userID); ok {
		return amount, nil
	}

	var amount decimal.Decimal
	err := s.db.QueryRowContext(ctx,
		`SELECT amount FROM balances WHERE user_id = $1`, userID).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("reading balance for user %d: %w", userID, err)
	}

	s.cache.Set(ctx, userID, amount)
	return amount, nil
}

// Deposit credits amount to the user's balance and records a deposit
// entry. The balance row is created lazily at zero on first touch.
func (s *LedgerService) Deposit(ctx context.Context, userID int64, amount decimal.Decimal, comment, idempotencyKey string) (decimal.Decimal, error) {
	amount = amount.Round(2)
	if amount.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	if err := s.users.Resolve(ctx, userID); err != nil {
		return decimal.Zero, err
	}
	if replayed, bal, err := s.replaySingle(ctx, idempotencyKey, models.EntryDeposit); err != nil {
		return decimal.Zero, err
	} else if replayed {
		return bal, nil
	}

	newBalance, err := s.applySingle(ctx, userID, amount, models.EntryDeposit, comment, idempotencyKey)
	if err != nil {
		if isUniqueViolation(err) {
			if _, bal, rerr := s.replaySingle(ctx, idempotencyKey, models.EntryDeposit); rerr == nil {
				return bal, nil
			}
		}
		return decimal.Zero, err
	}
	return newBalance, nil
}

// Withdraw debits amount from the user's balance and records a withdraw
// entry. A debit that would take the balance below zero aborts with
// ErrInsufficientFunds and no side effects.
func (s *LedgerService) Withdraw(ctx context.Context, userID int64, amount decimal.Decimal, comment, idempotencyKey string) (decimal.Decimal, error) {
	amount = amount.Round(2)
	if amount.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	if err := s.users.Resolve(ctx, userID); err != nil {
		return decimal.Zero, err
	}
	if replayed, bal, err := s.replaySingle(ctx, idempotencyKey, models.EntryWithdraw); err != nil {
		return decimal.Zero, err
	} else if replayed {
		return bal, nil
	}

	newBalance, err := s.applySingle(ctx, userID, amount, models.EntryWithdraw, comment, idempotencyKey)
	if err != nil {
		if isUniqueViolation(err) {
			if _, bal, rerr := s.replaySingle(ctx, idempotencyKey, models.EntryWithdraw); rerr == nil {
				return bal, nil
			}
		}
		return decimal.Zero, err
	}
	return newBalance, nil
}

// applySingle runs one deposit or withdraw as a single unit of work.
func (s *LedgerService) applySingle(ctx context.Context, userID int64, amount decimal.Decimal, kind models.EntryKind, comment, idempotencyKey string) (decimal.Decimal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	balance, err := s.lockOrCreateBalance(ctx, tx, userID)
	if err != nil {
		return decimal.Zero, err
	}

	newAmount := balance.Amount.Add(amount)
	if kind == models.EntryWithdraw {
		newAmount = balance.Amount.Sub(amount)
		if newAmount.IsNegative() {
			return decimal.Zero, ErrInsufficientFunds
		}
	}

	balance.Amount = newAmount
	if err := s.saveBalance(ctx, tx, balance); err != nil {
		return decimal.Zero, err
	}

	entry := &models.LedgerEntry{
		UserID:         userID,
		Kind:           kind,
		Amount:         amount,
		BalanceAfter:   newAmount,
		Comment:        comment,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.appendEntry(ctx, tx, entry); err != nil {
		return decimal.Zero, err
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, fmt.Errorf("committing %s for user %d: %w", kind, userID, err)
	}

	s.cache.Invalidate(ctx, userID)
	s.publish(ctx, entry)
	return newAmount, nil
}

// Transfer moves amount between two accounts in one unit of work. Both
// balance rows are locked in ascending user-id order regardless of the
// transfer's direction, so two opposite concurrent transfers cannot
// deadlock. The debit is computed from the locked snapshot, never from a
// balance read before locking.
func (s *LedgerService) Transfer(ctx context.Context, fromID, toID int64, amount decimal.Decimal, comment, idempotencyKey string) (*TransferResult, error) {
	if fromID == toID {
		return nil, ErrInvalidTransfer
	}
	amount = amount.Round(2)
	if amount.Cmp(decimal.Zero) <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := s.users.Resolve(ctx, fromID); err != nil {
		return nil, err
	}
	if err := s.users.Resolve(ctx, toID); err != nil {
		return nil, err
	}
	if result, err := s.replayTransfer(ctx, idempotencyKey); err != nil {
		return nil, err
	} else if result != nil {
		return result, nil
	}

	result, err := s.applyTransfer(ctx, fromID, toID, amount, comment, idempotencyKey)
	if err != nil {
		if isUniqueViolation(err) {
			if replayed, rerr := s.replayTransfer(ctx, idempotencyKey); rerr == nil && replayed != nil {
				return replayed, nil
			}
		}
		return nil, err
	}
	return result, nil
}

func (s *LedgerService) applyTransfer(ctx context.Context, fromID, toID int64, amount decimal.Decimal, comment, idempotencyKey string) (*TransferResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Lock in ascending id order regardless of transfer direction.
	firstID, secondID := fromID, toID
	if fromID > toID {
		firstID, secondID = toID, fromID
	}

	firstBalance, err := s.lockOrCreateBalance(ctx, tx, firstID)
	if err != nil {
		return nil, err
	}
	secondBalance, err := s.lockOrCreateBalance(ctx, tx, secondID)
	if err != nil {
		return nil, err
	}

	fromBalance, toBalance := firstBalance, secondBalance
	if firstID != fromID {
		fromBalance, toBalance = secondBalance, firstBalance
	}

	newFrom := fromBalance.Amount.Sub(amount)
	if newFrom.IsNegative() {
		return nil, ErrInsufficientFunds
	}
	newTo := toBalance.Amount.Add(amount)

	fromBalance.Amount = newFrom
	toBalance.Amount = newTo
	if err := s.saveBalance(ctx, tx, fromBalance); err != nil {
		return nil, err
	}
	if err := s.saveBalance(ctx, tx, toBalance); err != nil {
		return nil, err
	}

	// Both rows share one timestamp so the pair reads as a single event.
	now := time.Now().UTC()
	outEntry := &models.LedgerEntry{
		UserID:         fromID,
		Kind:           models.EntryTransferOut,
		Amount:         amount,
		BalanceAfter:   newFrom,
		CounterpartyID: &toID,
		Comment:        comment,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
	}
	inEntry := &models.LedgerEntry{
		UserID:         toID,
		Kind:           models.EntryTransferIn,
		Amount:         amount,
		BalanceAfter:   newTo,
		CounterpartyID: &fromID,
		Comment:        comment,
		CreatedAt:      now,
	}
	if err := s.appendEntry(ctx, tx, outEntry); err != nil {
		return nil, err
	}
	if err := s.appendEntry(ctx, tx, inEntry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transfer %d -> %d: %w", fromID, toID, err)
	}

	s.cache.Invalidate(ctx, fromID, toID)
	s.publish(ctx, outEntry)
	s.publish(ctx, inEntry)

	return &TransferResult{FromBalance: newFrom, ToBalance: newTo}, nil
}

// History returns the newest ledger entries for a user, most recent
// first. The causal order within the log is (created_at, id).
func (s *LedgerService) History(ctx context.Context, userID int64, limit int) ([]models.LedgerEntry, error) {
	if err := s.users.Resolve(ctx, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, amount, balance_after, counterparty_id, comment, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("reading history for user %d: %w", userID, err)
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var (
			entry        models.LedgerEntry
			counterparty sql.NullInt64
			comment      sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Kind, &entry.Amount,
			&entry.BalanceAfter, &counterparty, &comment, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning ledger entry: %w", err)
		}
		if counterparty.Valid {
			id := counterparty.Int64
			entry.CounterpartyID = &id
		}
		entry.Comment = comment.String
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading history for user %d: %w", userID, err)
	}
	return entries, nil
}

// lockOrCreateBalance acquires an exclusive row lock on the user's
// balance inside tx, creating the row at zero first if absent. The
// insert-then-lock sequence is race-free: two concurrent first touches
// converge on the same committed row.
func (s *LedgerService) lockOrCreateBalance(ctx context.Context, tx *sql.Tx, userID int64) (*models.Balance, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, amount)
		VALUES ($1, 0)
		ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return nil, fmt.Errorf("creating balance for user %d: %w", userID, err)
	}

	var balance models.Balance
	err := tx.QueryRowContext(ctx, `
		SELECT user_id, amount, updated_at
		FROM balances
		WHERE user_id = $1
		FOR UPDATE`, userID).Scan(&balance.UserID, &balance.Amount, &balance.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("locking balance for user %d: %w", userID, err)
	}
	return &balance, nil
}

// saveBalance persists a locked balance within the same transaction that
// locked it.
func (s *LedgerService) saveBalance(ctx context.Context, tx *sql.Tx, balance *models.Balance) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE balances
		SET amount = $1, updated_at = $2
		WHERE user_id = $3`,
		balance.Amount, time.Now().UTC(), balance.UserID)
	if err != nil {
		return fmt.Errorf("saving balance for user %d: %w", balance.UserID, err)
	}
	return nil
}

func (s *LedgerService) appendEntry(ctx context.Context, tx *sql.Tx, entry *models.LedgerEntry) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (user_id, kind, amount, balance_after, counterparty_id, comment, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		entry.UserID, entry.Kind, entry.Amount, entry.BalanceAfter,
		nullableID(entry.CounterpartyID), nullableString(entry.Comment),
		nullableString(entry.IdempotencyKey), entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("appending %s entry for user %d: %w", entry.Kind, entry.UserID, err)
	}
	return nil
}

// replaySingle looks up a previously committed deposit/withdraw by its
// idempotency key and returns the recorded result without re-applying.
func (s *LedgerService) replaySingle(ctx context.Context, idempotencyKey string, kind models.EntryKind) (bool, decimal.Decimal, error) {
	if idempotencyKey == "" {
		return false, decimal.Zero, nil
	}

	var balanceAfter decimal.Decimal
	err := s.db.QueryRowContext(ctx, `
		SELECT balance_after
		FROM ledger_entries
		WHERE idempotency_key = $1 AND kind = $2`,
		idempotencyKey, kind).Scan(&balanceAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return false, decimal.Zero, nil
	}
	if err != nil {
		return false, decimal.Zero, fmt.Errorf("checking idempotency key: %w", err)
	}
	return true, balanceAfter, nil
}

// replayTransfer recovers both recorded balances of a committed transfer
// from its transfer_out row and the paired transfer_in row.
func (s *LedgerService) replayTransfer(ctx context.Context, idempotencyKey string) (*TransferResult, error) {
	if idempotencyKey == "" {
		return nil, nil
	}

	var result TransferResult
	err := s.db.QueryRowContext(ctx, `
		SELECT e_out.balance_after, e_in.balance_after
		FROM ledger_entries e_out
		JOIN ledger_entries e_in
		  ON e_in.user_id = e_out.counterparty_id
		 AND e_in.counterparty_id = e_out.user_id
		 AND e_in.kind = 'transfer_in'
		 AND e_in.created_at = e_out.created_at
		WHERE e_out.idempotency_key = $1 AND e_out.kind = 'transfer_out'`,
		idempotencyKey).Scan(&result.FromBalance, &result.ToBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checking idempotency key: %w", err)
	}
	return &result, nil
}

func (s *LedgerService) publish(ctx context.Context, entry *models.LedgerEntry) {
	if s.events == nil {
		return
	}
	event := events.EntryRecorded{
		EventID:        uuid.NewString(),
		UserID:         entry.UserID,
		Kind:           entry.Kind,
		Amount:         entry.Amount,
		BalanceAfter:   entry.BalanceAfter,
		CounterpartyID: entry.CounterpartyID,
		Comment:        entry.Comment,
		OccurredAt:     entry.CreatedAt,
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish ledger event",
			zap.String("event_id", event.EventID),
			zap.Int64("user_id", event.UserID),
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
