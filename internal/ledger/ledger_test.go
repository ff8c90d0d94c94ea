package ledger_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"researchhunt/internal/db"
	"researchhunt/internal/ledger"
	"researchhunt/internal/migrate"
)

func newTestLedger(t *testing.T) (ledger.Ledger, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return ledger.New(conn, "op"), conn
}

func inTx(t *testing.T, conn *sql.DB, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := conn.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func TestDepositAndBalance(t *testing.T) {
	l, conn := newTestLedger(t)
	ctx := context.Background()

	balance, err := l.BalanceOf(ctx, "acct-1")
	if err != nil || balance != 0 {
		t.Fatalf("unknown account: %v balance=%d", err, balance)
	}

	err = inTx(t, conn, func(tx *sql.Tx) error {
		if err := l.Deposit(ctx, tx, "op", "acct-1", 100); err != nil {
			return err
		}
		return l.Deposit(ctx, tx, "op", "acct-1", 50)
	})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	balance, err = l.BalanceOf(ctx, "acct-1")
	if err != nil || balance != 150 {
		t.Fatalf("balance: %v got=%d", err, balance)
	}

	err = inTx(t, conn, func(tx *sql.Tx) error {
		return l.Deposit(ctx, tx, "op", "acct-1", 0)
	})
	if !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("zero deposit: got %v", err)
	}
}

func TestOperatorGate(t *testing.T) {
	l, conn := newTestLedger(t)
	ctx := context.Background()

	err := inTx(t, conn, func(tx *sql.Tx) error {
		return l.Deposit(ctx, tx, "intruder", "acct-1", 100)
	})
	if !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("deposit by non-operator: got %v", err)
	}
	err = inTx(t, conn, func(tx *sql.Tx) error {
		_, err := l.Withdraw(ctx, tx, "intruder", "acct-1")
		return err
	})
	if !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("withdraw by non-operator: got %v", err)
	}
	err = inTx(t, conn, func(tx *sql.Tx) error {
		return l.Transfer(ctx, tx, "intruder", "acct-1", "acct-2", 1)
	})
	if !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("transfer by non-operator: got %v", err)
	}
}

func TestWithdrawAll(t *testing.T) {
	l, conn := newTestLedger(t)
	ctx := context.Background()

	err := inTx(t, conn, func(tx *sql.Tx) error {
		return l.Deposit(ctx, tx, "op", "acct-1", 200)
	})
	if err != nil {
		t.Fatal(err)
	}

	var paid int64
	err = inTx(t, conn, func(tx *sql.Tx) error {
		paid, err = l.Withdraw(ctx, tx, "op", "acct-1")
		return err
	})
	if err != nil || paid != 200 {
		t.Fatalf("withdraw all: %v paid=%d", err, paid)
	}
	balance, err := l.BalanceOf(ctx, "acct-1")
	if err != nil || balance != 0 {
		t.Fatalf("balance after withdraw: %v got=%d", err, balance)
	}

	// Emptied accounts cannot be drained again.
	err = inTx(t, conn, func(tx *sql.Tx) error {
		_, err := l.Withdraw(ctx, tx, "op", "acct-1")
		return err
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("withdraw from empty account: got %v", err)
	}
}

func TestWithdrawAmount(t *testing.T) {
	l, conn := newTestLedger(t)
	ctx := context.Background()

	err := inTx(t, conn, func(tx *sql.Tx) error {
		return l.Deposit(ctx, tx, "op", "acct-1", 100)
	})
	if err != nil {
		t.Fatal(err)
	}

	err = inTx(t, conn, func(tx *sql.Tx) error {
		return l.WithdrawAmount(ctx, tx, "op", "acct-1", 30)
	})
	if err != nil {
		t.Fatalf("partial withdraw: %v", err)
	}
	balance, err := l.BalanceOf(ctx, "acct-1")
	if err != nil || balance != 70 {
		t.Fatalf("balance after partial: %v got=%d", err, balance)
	}

	err = inTx(t, conn, func(tx *sql.Tx) error {
		return l.WithdrawAmount(ctx, tx, "op", "acct-1", 71)
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("over-withdraw: got %v", err)
	}
	err = inTx(t, conn, func(tx *sql.Tx) error {
		return l.WithdrawAmount(ctx, tx, "op", "acct-1", -1)
	})
	if !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("negative withdraw: got %v", err)
	}
}

func TestTransfer(t *testing.T) {
	l, conn := newTestLedger(t)
	ctx := context.Background()

	err := inTx(t, conn, func(tx *sql.Tx) error {
		return l.Deposit(ctx, tx, "op", "acct-1", 100)
	})
	if err != nil {
		t.Fatal(err)
	}

	err = inTx(t, conn, func(tx *sql.Tx) error {
		return l.Transfer(ctx, tx, "op", "acct-1", "acct-2", 60)
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	for account, want := range map[string]int64{"acct-1": 40, "acct-2": 60} {
		balance, err := l.BalanceOf(ctx, account)
		if err != nil || balance != want {
			t.Fatalf("balance of %s: %v got=%d want=%d", account, err, balance, want)
		}
	}

	err = inTx(t, conn, func(tx *sql.Tx) error {
		return l.Transfer(ctx, tx, "op", "acct-1", "acct-2", 41)
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("transfer beyond balance: got %v", err)
	}
}

func TestPayoutHistory(t *testing.T) {
	l, conn := newTestLedger(t)
	ctx := context.Background()

	err := inTx(t, conn, func(tx *sql.Tx) error {
		if err := l.Deposit(ctx, tx, "op", "acct-1", 100); err != nil {
			return err
		}
		if err := l.WithdrawAmount(ctx, tx, "op", "acct-1", 25); err != nil {
			return err
		}
		_, err := l.Withdraw(ctx, tx, "op", "acct-1")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	payouts, err := l.Payouts(ctx, "acct-1", 0)
	if err != nil {
		t.Fatalf("payouts: %v", err)
	}
	if len(payouts) != 2 {
		t.Fatalf("payout rows: got %d", len(payouts))
	}
	// Newest first.
	if payouts[0].Amount != 75 || payouts[1].Amount != 25 {
		t.Fatalf("payout amounts: got %d,%d", payouts[0].Amount, payouts[1].Amount)
	}

	limited, err := l.Payouts(ctx, "acct-1", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("limited payouts: %v n=%d", err, len(limited))
	}
}
