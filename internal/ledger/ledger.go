// Package ledger is the escrow balance store. Accounts hold non-negative
// integer balances that only deposit and withdraw operations may change.
// Value leaves pull-style: a withdraw zeroes (or debits) the balance inside
// the transaction first, then records a payout row; the payout step has no
// way back into the mutating entry points.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"researchhunt/internal/domain"
)

var (
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnauthorized      = errors.New("caller is not the ledger operator")
)

// Ledger mutates accounts on behalf of a single registered operator. Every
// mutating call carries the caller identity and is rejected unless it
// matches; end users never reach these methods directly.
type Ledger struct {
	DB       *sql.DB
	Operator string
	Now      func() time.Time
}

func New(db *sql.DB, operator string) Ledger {
	return Ledger{DB: db, Operator: operator, Now: time.Now}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l Ledger) gate(caller string) error {
	if caller == "" || caller != l.Operator {
		return ErrUnauthorized
	}
	return nil
}

// Deposit credits an account inside tx, creating it on first use.
func (l Ledger) Deposit(ctx context.Context, tx *sql.Tx, caller, account string, amount int64) error {
	if err := l.gate(caller); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts(id,balance) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET balance=balance+excluded.balance`, account, amount)
	return err
}

// Withdraw pays out the account's entire balance. Fails on a zero balance.
func (l Ledger) Withdraw(ctx context.Context, tx *sql.Tx, caller, account string) (int64, error) {
	if err := l.gate(caller); err != nil {
		return 0, err
	}
	balance, err := l.balanceTx(ctx, tx, account)
	if err != nil {
		return 0, err
	}
	if balance == 0 {
		return 0, ErrInsufficientFunds
	}
	return balance, l.debitAndRecord(ctx, tx, account, balance)
}

// WithdrawAmount pays out exactly amount. Fails when amount exceeds the
// balance or is not positive.
func (l Ledger) WithdrawAmount(ctx context.Context, tx *sql.Tx, caller, account string, amount int64) error {
	if err := l.gate(caller); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	balance, err := l.balanceTx(ctx, tx, account)
	if err != nil {
		return err
	}
	if amount > balance {
		return ErrInsufficientFunds
	}
	return l.debitAndRecord(ctx, tx, account, amount)
}

// Transfer moves value between two accounts without leaving the ledger.
func (l Ledger) Transfer(ctx context.Context, tx *sql.Tx, caller, from, to string, amount int64) error {
	if err := l.gate(caller); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	balance, err := l.balanceTx(ctx, tx, from)
	if err != nil {
		return err
	}
	if amount > balance {
		return ErrInsufficientFunds
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance=balance-? WHERE id=?`, amount, from); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO accounts(id,balance) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET balance=balance+excluded.balance`, to, amount)
	return err
}

// BalanceOf is read-only and never fails for unknown accounts.
func (l Ledger) BalanceOf(ctx context.Context, account string) (int64, error) {
	var balance int64
	err := l.DB.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id=?`, account).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

// BalanceOfTx is BalanceOf inside an open transaction.
func (l Ledger) BalanceOfTx(ctx context.Context, tx *sql.Tx, account string) (int64, error) {
	return l.balanceTx(ctx, tx, account)
}

// Payouts lists recorded payouts for an account, newest first.
func (l Ledger) Payouts(ctx context.Context, account string, limit int) ([]domain.Payout, error) {
	query := `SELECT id,account_id,amount,created_at FROM payouts WHERE account_id=? ORDER BY id DESC`
	args := []any{account}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Payout
	for rows.Next() {
		var p domain.Payout
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Amount, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (l Ledger) balanceTx(ctx context.Context, tx *sql.Tx, account string) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id=?`, account).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

// debitAndRecord debits first, then writes the payout row. Order matters:
// the balance is already reduced before any transfer record exists.
func (l Ledger) debitAndRecord(ctx context.Context, tx *sql.Tx, account string, amount int64) error {
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET balance=balance-? WHERE id=?`, amount, account); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO payouts(account_id,amount,created_at) VALUES (?,?,?)`,
		account, amount, l.now().UTC().Format(time.RFC3339))
	return err
}
