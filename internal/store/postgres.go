package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/vtrade/trading-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const accountColumns = `id, user_id, currency,
	balance::TEXT, initial_balance::TEXT, equity::TEXT, margin::TEXT, free_margin::TEXT,
	created_at, updated_at`

const orderColumns = `id, user_id, symbol, action, order_type, time_in_force,
	quantity::TEXT, limit_price::TEXT, stop_price::TEXT, stop_loss::TEXT, take_profit::TEXT,
	status, settlement,
	entry_price::TEXT, exit_price::TEXT, current_price::TEXT,
	commission::TEXT, swap::TEXT, slippage::TEXT, reserved_amount::TEXT,
	profit::TEXT, loss::TEXT, net_profit_loss::TEXT, profit_loss_percentage::TEXT,
	open_time, close_time, cancelled_at, expires_at, created_at, updated_at`

const ledgerColumns = `id, user_id, type,
	amount::TEXT, balance_before::TEXT, balance_after::TEXT,
	COALESCE(reference::TEXT, ''), description, created_at`

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return getAccount(ctx, s.pool, userID, false)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	return listOrders(ctx, s.pool, f)
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount, before, after string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &amount, &before, &after,
			&e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amount)
		e.BalanceBefore, _ = decimal.NewFromString(before)
		e.BalanceAfter, _ = decimal.NewFromString(after)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Atomic runs fn inside a READ COMMITTED transaction. Account rows are
// locked with SELECT ... FOR UPDATE, which serializes settlement per user.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrTxAborted, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrTxAborted, err)
	}
	return nil
}

// pgTx implements Tx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (id, user_id, currency, balance, initial_balance, equity, margin, free_margin, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		a.ID, a.UserID, a.Currency,
		a.Balance.String(), a.InitialBalance.String(), a.Equity.String(),
		a.Margin.String(), a.FreeMargin.String(),
		a.CreatedAt, a.UpdatedAt,
	)
	return mapPgError(err)
}

func (t *pgTx) GetAccountForUpdate(ctx context.Context, userID string) (*model.Account, error) {
	return getAccount(ctx, t.tx, userID, true)
}

func (t *pgTx) UpdateAccount(ctx context.Context, a *model.Account) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts
		 SET balance = $2::NUMERIC, equity = $3::NUMERIC, margin = $4::NUMERIC,
		     free_margin = $5::NUMERIC, updated_at = $6
		 WHERE user_id = $1`,
		a.UserID, a.Balance.String(), a.Equity.String(), a.Margin.String(),
		a.FreeMargin.String(), a.UpdatedAt,
	)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("account for user %s: %w", a.UserID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, t.tx, id, true)
}

func (t *pgTx) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	return listOrders(ctx, t.tx, f)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, user_id, symbol, action, order_type, time_in_force,
		     quantity, limit_price, stop_price, stop_loss, take_profit,
		     status, settlement,
		     entry_price, exit_price, current_price,
		     commission, swap, slippage, reserved_amount,
		     profit, loss, net_profit_loss, profit_loss_percentage,
		     open_time, close_time, cancelled_at, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6,
		     $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
		     $12, $13,
		     $14::NUMERIC, $15::NUMERIC, $16::NUMERIC,
		     $17::NUMERIC, $18::NUMERIC, $19::NUMERIC, $20::NUMERIC,
		     $21::NUMERIC, $22::NUMERIC, $23::NUMERIC, $24::NUMERIC,
		     $25, $26, $27, $28, $29, $30)`,
		o.ID, o.UserID, o.Symbol, string(o.Action), string(o.OrderType), string(o.TimeInForce),
		o.Quantity.String(), o.LimitPrice.String(), o.StopPrice.String(), o.StopLoss.String(), o.TakeProfit.String(),
		string(o.Status), string(o.Settlement),
		o.EntryPrice.String(), o.ExitPrice.String(), o.CurrentPrice.String(),
		o.Commission.String(), o.Swap.String(), o.Slippage.String(), o.ReservedAmount.String(),
		o.Profit.String(), o.Loss.String(), o.NetProfitLoss.String(), o.ProfitLossPct.String(),
		o.OpenTime, o.CloseTime, o.CancelledAt, o.ExpiresAt, o.CreatedAt, o.UpdatedAt,
	)
	return mapPgError(err)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders
		 SET status = $2, settlement = $3,
		     entry_price = $4::NUMERIC, exit_price = $5::NUMERIC, current_price = $6::NUMERIC,
		     commission = $7::NUMERIC, swap = $8::NUMERIC, slippage = $9::NUMERIC,
		     reserved_amount = $10::NUMERIC,
		     profit = $11::NUMERIC, loss = $12::NUMERIC,
		     net_profit_loss = $13::NUMERIC, profit_loss_percentage = $14::NUMERIC,
		     open_time = $15, close_time = $16, cancelled_at = $17, expires_at = $18,
		     updated_at = $19
		 WHERE id = $1`,
		o.ID, string(o.Status), string(o.Settlement),
		o.EntryPrice.String(), o.ExitPrice.String(), o.CurrentPrice.String(),
		o.Commission.String(), o.Swap.String(), o.Slippage.String(),
		o.ReservedAmount.String(),
		o.Profit.String(), o.Loss.String(),
		o.NetProfitLoss.String(), o.ProfitLossPct.String(),
		o.OpenTime, o.CloseTime, o.CancelledAt, o.ExpiresAt,
		o.UpdatedAt,
	)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	var ref any
	if e.Reference != "" {
		ref = e.Reference
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, type, amount, balance_before, balance_after, reference, description, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)`,
		e.ID, e.UserID, string(e.Type),
		e.Amount.String(), e.BalanceBefore.String(), e.BalanceAfter.String(),
		ref, e.Description, e.CreatedAt,
	)
	return mapPgError(err)
}

// --- shared query helpers ---

func getAccount(ctx context.Context, q querier, userID string, lock bool) (*model.Account, error) {
	sql := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}

	var a model.Account
	var balance, initial, equity, margin, free string
	err := q.QueryRow(ctx, sql, userID).Scan(&a.ID, &a.UserID, &a.Currency,
		&balance, &initial, &equity, &margin, &free,
		&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account for user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}

	a.Balance, _ = decimal.NewFromString(balance)
	a.InitialBalance, _ = decimal.NewFromString(initial)
	a.Equity, _ = decimal.NewFromString(equity)
	a.Margin, _ = decimal.NewFromString(margin)
	a.FreeMargin, _ = decimal.NewFromString(free)
	return &a, nil
}

func getOrder(ctx context.Context, q querier, id string, lock bool) (*model.Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}

	o, err := scanOrder(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func listOrders(ctx context.Context, q querier, f model.OrderFilter) ([]model.Order, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Symbol != "" {
		args = append(args, f.Symbol)
		where = append(where, fmt.Sprintf("symbol = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	sql := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY seq`

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// scanOrder reads one row selected with orderColumns.
func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var action, orderType, tif, status, settlement string
	var num [16]string

	err := row.Scan(&o.ID, &o.UserID, &o.Symbol, &action, &orderType, &tif,
		&num[0], &num[1], &num[2], &num[3], &num[4],
		&status, &settlement,
		&num[5], &num[6], &num[7],
		&num[8], &num[9], &num[10], &num[11],
		&num[12], &num[13], &num[14], &num[15],
		&o.OpenTime, &o.CloseTime, &o.CancelledAt, &o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	o.Action = model.Action(action)
	o.OrderType = model.OrderType(orderType)
	o.TimeInForce = model.TimeInForce(tif)
	o.Status = model.OrderStatus(status)
	o.Settlement = model.Settlement(settlement)

	dst := []*decimal.Decimal{
		&o.Quantity, &o.LimitPrice, &o.StopPrice, &o.StopLoss, &o.TakeProfit,
		&o.EntryPrice, &o.ExitPrice, &o.CurrentPrice,
		&o.Commission, &o.Swap, &o.Slippage, &o.ReservedAmount,
		&o.Profit, &o.Loss, &o.NetProfitLoss, &o.ProfitLossPct,
	}
	for i, p := range dst {
		*p, _ = decimal.NewFromString(num[i])
	}
	return &o, nil
}

// mapPgError translates constraint and serialization failures into store
// sentinels.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.Message)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ErrTxAborted, pgErr.Message)
		}
	}
	return err
}
