package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mojisejr/mimi-vibe-backend/internal/models"
)

// Balance is the snapshot returned by ledger operations.
type Balance struct {
	Stars int64 `json:"stars"`
	Coins int64 `json:"coins"`
}

// DebitResult reports how a debit was split across the two balances.
// The split is needed later to refund exactly what was taken.
type DebitResult struct {
	Balance Balance
	Stars   int64
	Coins   int64
}

// CreateAccount inserts a new account with zero balances.
func (s *Store) CreateAccount(ctx context.Context, id string) (models.Account, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, stars, coins, version, created_at, updated_at)
		VALUES ($1, 0, 0, 0, $2, $2)
	`, id, now)
	if err != nil {
		return models.Account{}, fmt.Errorf("insert account: %w", err)
	}
	return models.Account{ID: id, CreatedAt: now, UpdatedAt: now}, nil
}

// GetAccount fetches an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (models.Account, error) {
	var a models.Account
	err := s.pool.QueryRow(ctx, `
		SELECT id, stars, coins, version, created_at, updated_at FROM accounts WHERE id = $1
	`, id).Scan(&a.ID, &a.Stars, &a.Coins, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, ErrUnknownAccount
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("query account: %w", err)
	}
	return a, nil
}

// Debit atomically takes amount credits from an account, drawing stars
// first and coins only when allowCoins permits. No partial debit: if the
// eligible balance is short the account is left untouched and
// ErrInsufficientFunds is returned. The row lock serializes concurrent
// debits on the same account.
func (s *Store) Debit(ctx context.Context, accountID string, amount int64, allowCoins bool, causedBy string) (DebitResult, error) {
	if amount <= 0 {
		return DebitResult{}, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return DebitResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var stars, coins int64
	err = tx.QueryRow(ctx, `
		SELECT stars, coins FROM accounts WHERE id = $1 FOR UPDATE
	`, accountID).Scan(&stars, &coins)
	if errors.Is(err, pgx.ErrNoRows) {
		return DebitResult{}, ErrUnknownAccount
	}
	if err != nil {
		return DebitResult{}, fmt.Errorf("lock account: %w", err)
	}

	useStars := amount
	if useStars > stars {
		useStars = stars
	}
	useCoins := amount - useStars
	if useCoins > 0 && (!allowCoins || coins < useCoins) {
		return DebitResult{}, ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET stars = stars - $2, coins = coins - $3, version = version + 1, updated_at = NOW()
		WHERE id = $1
	`, accountID, useStars, useCoins); err != nil {
		return DebitResult{}, fmt.Errorf("debit account: %w", err)
	}

	if err := appendLedgerOp(ctx, tx, accountID, -useStars, -useCoins, models.ReasonDebit, causedBy); err != nil {
		return DebitResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return DebitResult{}, fmt.Errorf("commit: %w", err)
	}
	return DebitResult{
		Balance: Balance{Stars: stars - useStars, Coins: coins - useCoins},
		Stars:   useStars,
		Coins:   useCoins,
	}, nil
}

// Credit adds stars and/or coins to an account. There is no upper bound;
// the only failure mode is an account that does not exist.
func (s *Store) Credit(ctx context.Context, accountID string, stars, coins int64, reason, causedBy string) (Balance, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Balance{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	bal, err := creditInTx(ctx, tx, accountID, stars, coins, reason, causedBy)
	if err != nil {
		return Balance{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Balance{}, fmt.Errorf("commit: %w", err)
	}
	return bal, nil
}

// Exchange converts coins to stars at the given ratio (coins per star),
// rounding down. The remainder stays as coins. At least one whole star
// must result, otherwise nothing is converted.
func (s *Store) Exchange(ctx context.Context, accountID string, coinsAmount, ratio int64) (int64, Balance, error) {
	if coinsAmount <= 0 {
		return 0, Balance{}, fmt.Errorf("exchange amount must be positive, got %d", coinsAmount)
	}
	if ratio <= 0 {
		return 0, Balance{}, fmt.Errorf("exchange ratio must be positive, got %d", ratio)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, Balance{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var stars, coins int64
	err = tx.QueryRow(ctx, `
		SELECT stars, coins FROM accounts WHERE id = $1 FOR UPDATE
	`, accountID).Scan(&stars, &coins)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, Balance{}, ErrUnknownAccount
	}
	if err != nil {
		return 0, Balance{}, fmt.Errorf("lock account: %w", err)
	}

	if coins < coinsAmount {
		return 0, Balance{}, ErrInsufficientFunds
	}
	gained := coinsAmount / ratio
	if gained == 0 {
		return 0, Balance{}, ErrInsufficientFunds
	}
	spent := gained * ratio

	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET stars = stars + $2, coins = coins - $3, version = version + 1, updated_at = NOW()
		WHERE id = $1
	`, accountID, gained, spent); err != nil {
		return 0, Balance{}, fmt.Errorf("exchange balances: %w", err)
	}

	if err := appendLedgerOp(ctx, tx, accountID, gained, -spent, models.ReasonExchange, ""); err != nil {
		return 0, Balance{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, Balance{}, fmt.Errorf("commit: %w", err)
	}
	return gained, Balance{Stars: stars + gained, Coins: coins - spent}, nil
}

// LedgerSum totals all ledger deltas for an account. Reconciliation: the
// sums must equal the account's current balances.
func (s *Store) LedgerSum(ctx context.Context, accountID string) (Balance, error) {
	var b Balance
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(delta_stars), 0), COALESCE(SUM(delta_coins), 0)
		FROM ledger_ops WHERE account_id = $1
	`, accountID).Scan(&b.Stars, &b.Coins)
	if err != nil {
		return Balance{}, fmt.Errorf("sum ledger ops: %w", err)
	}
	return b, nil
}

// creditInTx applies a credit and its ledger op inside an open transaction.
func creditInTx(ctx context.Context, tx pgx.Tx, accountID string, stars, coins int64, reason, causedBy string) (Balance, error) {
	var b Balance
	err := tx.QueryRow(ctx, `
		UPDATE accounts SET stars = stars + $2, coins = coins + $3, version = version + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING stars, coins
	`, accountID, stars, coins).Scan(&b.Stars, &b.Coins)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, ErrUnknownAccount
	}
	if err != nil {
		return Balance{}, fmt.Errorf("credit account: %w", err)
	}
	if err := appendLedgerOp(ctx, tx, accountID, stars, coins, reason, causedBy); err != nil {
		return Balance{}, err
	}
	return b, nil
}

// appendLedgerOp writes one audit row inside an open transaction. Every
// balance mutation goes through here so a balance change without a ledger
// row cannot happen.
func appendLedgerOp(ctx context.Context, tx pgx.Tx, accountID string, deltaStars, deltaCoins int64, reason, causedBy string) error {
	var caused *string
	if causedBy != "" {
		caused = &causedBy
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO ledger_ops (id, account_id, delta_stars, delta_coins, reason, caused_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, uuid.New().String(), accountID, deltaStars, deltaCoins, reason, caused); err != nil {
		return fmt.Errorf("append ledger op: %w", err)
	}
	return nil
}
