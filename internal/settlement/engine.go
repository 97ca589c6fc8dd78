// Package settlement applies order outcomes to wallets.
//
// Every mutation runs inside store.Atomic and under a per-user lock, so a
// wallet and its ledger move together or not at all, and operations on one
// account are serialized while different accounts proceed in parallel.
//
// Orders that fill at submission settle in cash: shares are exchanged for
// the notional plus or minus commission. Resting orders that trigger later
// open a trade whose cash effect is the realized P&L when it closes.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vtrade/trading-engine/internal/evaluator"
	"github.com/vtrade/trading-engine/internal/metrics"
	"github.com/vtrade/trading-engine/internal/model"
	"github.com/vtrade/trading-engine/internal/position"
	"github.com/vtrade/trading-engine/internal/risk"
	"github.com/vtrade/trading-engine/internal/store"
)

// Config holds the engine's economic parameters.
type Config struct {
	CommissionRate decimal.Decimal // fraction of notional, e.g. 0.001
	InitialBalance decimal.Decimal // balance of a new or reset wallet
	Currency       string

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Engine is the settlement core.
type Engine struct {
	store    store.Store
	eval     *evaluator.Evaluator
	limiter  *risk.PositionLimiter
	notifier Notifier
	cfg      Config
	locks    keyedMutex
}

// NewEngine creates an Engine. limiter and notifier may be nil.
func NewEngine(st store.Store, eval *evaluator.Evaluator, limiter *risk.PositionLimiter, notifier Notifier, cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &Engine{
		store:    st,
		eval:     eval,
		limiter:  limiter,
		notifier: notifier,
		cfg:      cfg,
	}
}

func (e *Engine) now() time.Time {
	return e.cfg.Now().UTC()
}

// Result is the outcome of a settlement operation.
type Result struct {
	Order          *model.Order
	Account        *model.Account
	Entry          *model.LedgerEntry // nil when no cash moved
	Executed       bool
	ExecutionPrice decimal.Decimal
}

func (e *Engine) fail(op, userID, orderID string, err error) error {
	metrics.OrderRejections.WithLabelValues(reason(err)).Inc()
	return &OpError{Op: op, UserID: userID, OrderID: orderID, Err: err}
}

func observe(op string, start time.Time) {
	metrics.SettlementLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// lockAccount reads the wallet for update, mapping a missing row.
func lockAccount(ctx context.Context, tx store.Tx, userID string) (*model.Account, error) {
	acct, err := tx.GetAccountForUpdate(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	return acct, err
}

// lockOrder reads an order owned by userID for update.
func lockOrder(ctx context.Context, tx store.Tx, userID, orderID string) (*model.Order, error) {
	o, err := tx.GetOrderForUpdate(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return o, nil
}

// post applies entry to acct and stamps the running balances.
func post(acct *model.Account, entry *model.LedgerEntry, now time.Time) {
	entry.BalanceBefore = acct.Balance
	acct.Balance = acct.Balance.Add(entry.Effect())
	entry.BalanceAfter = acct.Balance
	entry.UserID = acct.UserID
	entry.CreatedAt = now
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	acct.Recalculate()
	acct.UpdatedAt = now
}

// OpenAccount creates a wallet funded with the configured initial balance.
// The funding is recorded as a deposit so the ledger always sums to the
// balance.
func (e *Engine) OpenAccount(ctx context.Context, userID string) (*Result, error) {
	const op = "open_account"
	if userID == "" {
		return nil, e.fail(op, userID, "", ErrAccountNotFound)
	}

	unlock := e.locks.Lock(userID)
	defer unlock()

	now := e.now()
	acct := &model.Account{
		ID:             uuid.NewString(),
		UserID:         userID,
		Currency:       e.cfg.Currency,
		InitialBalance: e.cfg.InitialBalance,
		CreatedAt:      now,
	}
	entry := &model.LedgerEntry{
		Type:        model.EntryDeposit,
		Amount:      e.cfg.InitialBalance,
		Description: "initial balance",
	}
	post(acct, entry, now)

	err := e.store.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.CreateAccount(ctx, acct); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return ErrAccountExists
			}
			return err
		}
		return tx.InsertLedgerEntry(ctx, entry)
	})
	if err != nil {
		return nil, e.fail(op, userID, "", storeError(err))
	}

	slog.Info("account opened", "user", userID, "balance", acct.Balance.String())
	return &Result{Account: acct, Entry: entry}, nil
}

// Submit validates and evaluates req for userID and settles the outcome.
//
// A fill debits (buy) or credits (sell) the wallet by the notional and
// commission and closes the order in the same transaction. An order that
// does not fill rests as pending; a resting buy reserves its estimated
// cost and a resting sell reserves its shares.
func (e *Engine) Submit(ctx context.Context, userID string, req evaluator.OrderRequest) (*Result, error) {
	const op = "submit"
	defer observe(op, time.Now())

	req, ev, err := e.eval.EvaluateRequest(ctx, req)
	if err != nil {
		return nil, e.fail(op, userID, "", err)
	}

	unlock := e.locks.Lock(userID)
	defer unlock()

	now := e.now()
	order := &model.Order{
		ID:          uuid.NewString(),
		UserID:      userID,
		Symbol:      req.Symbol,
		Action:      req.Action,
		OrderType:   req.OrderType,
		TimeInForce: req.TimeInForce,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		StopLoss:    req.StopLoss,
		TakeProfit:  req.TakeProfit,
		Status:      model.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	res := &Result{Order: order, Executed: ev.FillsImmediately}

	err = e.store.Atomic(ctx, func(tx store.Tx) error {
		acct, err := lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		orders, err := tx.ListOrders(ctx, model.OrderFilter{UserID: userID})
		if err != nil {
			return err
		}
		res.Account = acct

		if ev.FillsImmediately {
			res.ExecutionPrice = ev.ExecutionPrice
			res.Entry, err = e.fill(acct, order, orders, ev.ExecutionPrice, now)
		} else {
			err = e.rest(acct, order, orders, ev.ReferencePrice, now)
		}
		if err != nil {
			return err
		}

		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		if res.Entry != nil {
			res.Entry.Reference = order.ID
			return tx.InsertLedgerEntry(ctx, res.Entry)
		}
		return nil
	})
	if err != nil {
		return nil, e.fail(op, userID, order.ID, storeError(err))
	}

	metrics.OrdersSubmitted.WithLabelValues(string(order.Action), string(order.OrderType)).Inc()
	if res.Executed {
		metrics.OrderFills.WithLabelValues(string(order.Action), "immediate").Inc()
		slog.Info("order filled",
			"order_id", order.ID,
			"user", userID,
			"symbol", order.Symbol,
			"action", order.Action,
			"qty", order.Quantity.String(),
			"price", res.ExecutionPrice.String(),
			"commission", order.Commission.String(),
			"balance", res.Account.Balance.String(),
		)
		e.publish(EventOrderFilled, order, res.Account)
	} else {
		slog.Info("order pending",
			"order_id", order.ID,
			"user", userID,
			"symbol", order.Symbol,
			"type", order.OrderType,
			"reserved", order.ReservedAmount.String(),
		)
		e.publish(EventOrderPending, order, res.Account)
	}
	return res, nil
}

// fill settles an immediate execution at price.
func (e *Engine) fill(acct *model.Account, o *model.Order, orders []model.Order, price decimal.Decimal, now time.Time) (*model.LedgerEntry, error) {
	totalValue := o.Notional(price)
	commission := totalValue.Mul(e.cfg.CommissionRate)

	entry := &model.LedgerEntry{}
	if o.Action == model.Buy {
		totalCost := totalValue.Add(commission)
		if acct.FreeMargin.LessThan(totalCost) {
			return nil, ErrInsufficientBalance
		}
		if err := e.checkLimit(o, orders); err != nil {
			return nil, err
		}
		entry.Type = model.EntryTradeBuy
		entry.Amount = totalCost.Neg()
		entry.Description = fmt.Sprintf("buy %s %s @ %s", o.Quantity, o.Symbol, price)
	} else {
		if position.Available(orders, o.Symbol).LessThan(o.Quantity) {
			return nil, ErrInsufficientHoldings
		}
		entry.Type = model.EntryTradeSell
		entry.Amount = totalValue.Sub(commission)
		entry.Description = fmt.Sprintf("sell %s %s @ %s", o.Quantity, o.Symbol, price)
	}
	post(acct, entry, now)

	o.Status = model.StatusClosed
	o.Settlement = model.SettledCash
	o.EntryPrice = price
	o.ExitPrice = price
	o.CurrentPrice = price
	o.Commission = commission
	o.OpenTime = &now
	o.CloseTime = &now
	return entry, nil
}

// rest books a pending order and its reservation.
func (e *Engine) rest(acct *model.Account, o *model.Order, orders []model.Order, ref decimal.Decimal, now time.Time) error {
	if o.Action == model.Buy {
		reserve := o.Notional(ref).Mul(decimal.NewFromInt(1).Add(e.cfg.CommissionRate))
		if acct.FreeMargin.LessThan(reserve) {
			return ErrInsufficientBalance
		}
		if err := e.checkLimit(o, orders); err != nil {
			return err
		}
		o.ReservedAmount = reserve
		acct.Margin = acct.Margin.Add(reserve)
		acct.Recalculate()
		acct.UpdatedAt = now
	} else if position.Available(orders, o.Symbol).LessThan(o.Quantity) {
		return ErrInsufficientHoldings
	}

	if o.TimeInForce == model.Day {
		eod := endOfDay(now)
		o.ExpiresAt = &eod
	}
	return nil
}

func (e *Engine) checkLimit(o *model.Order, orders []model.Order) error {
	if err := e.limiter.CheckLimit(o.Symbol, o.Quantity, position.Exposure(orders)); err != nil {
		return fmt.Errorf("%w: %w", ErrPositionLimit, err)
	}
	return nil
}

// endOfDay is the first instant of the next UTC day.
func endOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// CloseTrade closes an open trade at exitPrice and settles its realized
// P&L. A second close of the same trade fails with ErrInvalidState.
func (e *Engine) CloseTrade(ctx context.Context, userID, orderID string, exitPrice decimal.Decimal) (*Result, error) {
	return e.closeTrade(ctx, userID, orderID, exitPrice, "manual")
}

func (e *Engine) closeTrade(ctx context.Context, userID, orderID string, exitPrice decimal.Decimal, trigger string) (*Result, error) {
	const op = "close_trade"
	defer observe(op, time.Now())

	if !exitPrice.IsPositive() {
		return nil, e.fail(op, userID, orderID, ErrInvalidAmount)
	}

	unlock := e.locks.Lock(userID)
	defer unlock()

	now := e.now()
	res := &Result{Executed: true, ExecutionPrice: exitPrice}

	err := e.store.Atomic(ctx, func(tx store.Tx) error {
		o, err := lockOrder(ctx, tx, userID, orderID)
		if err != nil {
			return err
		}
		if o.Status != model.StatusOpen {
			return ErrInvalidState
		}
		acct, err := lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}

		net, pct := position.FloatingPnL(o, exitPrice)
		if acct.Balance.Add(net).IsNegative() {
			return ErrInsufficientBalance
		}

		entry := &model.LedgerEntry{
			Type:        model.EntryTradeProfit,
			Amount:      net.Abs(),
			Reference:   o.ID,
			Description: fmt.Sprintf("close %s %s @ %s", o.Quantity, o.Symbol, exitPrice),
		}
		if net.IsNegative() {
			entry.Type = model.EntryTradeLoss
			o.Profit, o.Loss = decimal.Zero, net.Abs()
		} else {
			o.Profit, o.Loss = net, decimal.Zero
		}
		acct.Margin = acct.Margin.Sub(o.ReservedAmount)
		if acct.Margin.IsNegative() {
			acct.Margin = decimal.Zero
		}
		post(acct, entry, now)

		o.Status = model.StatusClosed
		o.Settlement = model.SettledPnL
		o.ExitPrice = exitPrice
		o.CurrentPrice = exitPrice
		o.NetProfitLoss = net
		o.ProfitLossPct = pct
		o.ReservedAmount = decimal.Zero
		o.CloseTime = &now
		o.UpdatedAt = now

		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
			return err
		}
		res.Order, res.Account, res.Entry = o, acct, entry
		return nil
	})
	if err != nil {
		return nil, e.fail(op, userID, orderID, storeError(err))
	}

	outcome := "profit"
	if res.Order.NetProfitLoss.IsNegative() {
		outcome = "loss"
	}
	metrics.TradesClosed.WithLabelValues(outcome, trigger).Inc()
	slog.Info("trade closed",
		"order_id", orderID,
		"user", userID,
		"symbol", res.Order.Symbol,
		"exit_price", exitPrice.String(),
		"net_pl", res.Order.NetProfitLoss.String(),
		"trigger", trigger,
		"balance", res.Account.Balance.String(),
	)
	e.publish(EventOrderClosed, res.Order, res.Account)
	return res, nil
}

// Cancel cancels a pending order and releases its reservation. No cash moves.
func (e *Engine) Cancel(ctx context.Context, userID, orderID string) (*Result, error) {
	const op = "cancel"

	unlock := e.locks.Lock(userID)
	defer unlock()

	now := e.now()
	res := &Result{}
	err := e.store.Atomic(ctx, func(tx store.Tx) error {
		o, err := lockOrder(ctx, tx, userID, orderID)
		if err != nil {
			return err
		}
		if o.Status != model.StatusPending {
			return ErrInvalidState
		}
		acct, err := e.release(ctx, tx, o, now)
		if err != nil {
			return err
		}
		o.Status = model.StatusCancelled
		o.CancelledAt = &now
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}
		res.Order, res.Account = o, acct
		return nil
	})
	if err != nil {
		return nil, e.fail(op, userID, orderID, storeError(err))
	}

	slog.Info("order cancelled", "order_id", orderID, "user", userID)
	e.publish(EventOrderCancelled, res.Order, res.Account)
	return res, nil
}

// release returns a pending order's reserved funds to free margin.
func (e *Engine) release(ctx context.Context, tx store.Tx, o *model.Order, now time.Time) (*model.Account, error) {
	acct, err := lockAccount(ctx, tx, o.UserID)
	if err != nil {
		return nil, err
	}
	if o.ReservedAmount.IsPositive() {
		acct.Margin = acct.Margin.Sub(o.ReservedAmount)
		if acct.Margin.IsNegative() {
			acct.Margin = decimal.Zero
		}
		acct.Recalculate()
		acct.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return nil, err
		}
	}
	o.ReservedAmount = decimal.Zero
	o.UpdatedAt = now
	return acct, nil
}
