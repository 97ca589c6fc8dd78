package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vtrade/trading-engine/internal/model"
	"github.com/vtrade/trading-engine/internal/store"
)

// Deposit credits amount to the wallet.
func (e *Engine) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*Result, error) {
	if !amount.IsPositive() {
		return nil, e.fail("deposit", userID, "", ErrInvalidAmount)
	}
	return e.walletOp(ctx, "deposit", userID, func(tx store.Tx, acct *model.Account) (*model.LedgerEntry, error) {
		return &model.LedgerEntry{Type: model.EntryDeposit, Amount: amount, Description: "deposit"}, nil
	})
}

// Withdraw debits amount from the wallet. Funds reserved by resting orders
// and open trades cannot be withdrawn.
func (e *Engine) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (*Result, error) {
	if !amount.IsPositive() {
		return nil, e.fail("withdraw", userID, "", ErrInvalidAmount)
	}
	return e.walletOp(ctx, "withdraw", userID, func(tx store.Tx, acct *model.Account) (*model.LedgerEntry, error) {
		if acct.FreeMargin.LessThan(amount) {
			return nil, ErrInsufficientBalance
		}
		return &model.LedgerEntry{Type: model.EntryWithdrawal, Amount: amount.Neg(), Description: "withdrawal"}, nil
	})
}

// Reset restores the wallet to its initial balance. It is refused while
// the user has pending orders or open trades.
func (e *Engine) Reset(ctx context.Context, userID string) (*Result, error) {
	return e.walletOp(ctx, "reset", userID, func(tx store.Tx, acct *model.Account) (*model.LedgerEntry, error) {
		live, err := tx.ListOrders(ctx, model.OrderFilter{
			UserID:   userID,
			Statuses: []model.OrderStatus{model.StatusPending, model.StatusOpen},
		})
		if err != nil {
			return nil, err
		}
		if len(live) > 0 {
			return nil, ErrInvalidState
		}
		acct.Margin = decimal.Zero
		return &model.LedgerEntry{
			Type:        model.EntryReset,
			Amount:      acct.InitialBalance.Sub(acct.Balance),
			Description: "reset to initial balance",
		}, nil
	})
}

// walletOp runs a single-entry cash movement built by mk.
func (e *Engine) walletOp(ctx context.Context, op, userID string, mk func(tx store.Tx, acct *model.Account) (*model.LedgerEntry, error)) (*Result, error) {
	defer observe(op, time.Now())

	unlock := e.locks.Lock(userID)
	defer unlock()

	now := e.now()
	res := &Result{Executed: true}
	err := e.store.Atomic(ctx, func(tx store.Tx) error {
		acct, err := lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		entry, err := mk(tx, acct)
		if err != nil {
			return err
		}
		post(acct, entry, now)
		if acct.Balance.IsNegative() {
			return ErrInsufficientBalance
		}
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
			return err
		}
		res.Account, res.Entry = acct, entry
		return nil
	})
	if err != nil {
		return nil, e.fail(op, userID, "", storeError(err))
	}

	slog.Info("wallet updated",
		"op", op,
		"user", userID,
		"amount", res.Entry.Amount.String(),
		"balance", res.Account.Balance.String(),
	)
	return res, nil
}
