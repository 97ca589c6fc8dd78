package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the direction of an order.
type Action string

const (
	Buy  Action = "buy"
	Sell Action = "sell"
)

// OrderType selects how an order is priced and triggered.
type OrderType string

const (
	Market       OrderType = "market"
	Limit        OrderType = "limit"
	Stop         OrderType = "stop"
	StopLimit    OrderType = "stop-limit"
	TrailingStop OrderType = "trailing-stop"
)

// OrderStatus is a state in the order lifecycle:
//
//	pending -> open | closed | cancelled | expired
//	open    -> closed
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusOpen      OrderStatus = "open"
	StatusClosed    OrderStatus = "closed"
	StatusCancelled OrderStatus = "cancelled"
	StatusExpired   OrderStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled || s == StatusExpired
}

// TimeInForce controls how long a resting order lives.
type TimeInForce string

const (
	GTC TimeInForce = "gtc"
	Day TimeInForce = "day"
)

// Settlement records how a closed order moved cash.
type Settlement string

const (
	// SettledCash orders exchanged shares for cash at fill time.
	SettledCash Settlement = "cash"
	// SettledPnL trades moved cash only by realized P&L at close.
	SettledPnL Settlement = "pnl"
)

// Order is one buy/sell request and its lifecycle.
type Order struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"userId" db:"user_id"`
	Symbol         string          `json:"symbol" db:"symbol"`
	Action         Action          `json:"action" db:"action"`
	OrderType      OrderType       `json:"orderType" db:"order_type"`
	TimeInForce    TimeInForce     `json:"timeInForce" db:"time_in_force"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	LimitPrice     decimal.Decimal `json:"limitPrice" db:"limit_price"`
	StopPrice      decimal.Decimal `json:"stopPrice" db:"stop_price"`
	StopLoss       decimal.Decimal `json:"stopLoss" db:"stop_loss"`
	TakeProfit     decimal.Decimal `json:"takeProfit" db:"take_profit"`
	Status         OrderStatus     `json:"status" db:"status"`
	Settlement     Settlement      `json:"settlement,omitempty" db:"settlement"`
	EntryPrice     decimal.Decimal `json:"entryPrice" db:"entry_price"`
	ExitPrice      decimal.Decimal `json:"exitPrice" db:"exit_price"`
	CurrentPrice   decimal.Decimal `json:"currentPrice" db:"current_price"`
	Commission     decimal.Decimal `json:"commission" db:"commission"`
	Swap           decimal.Decimal `json:"swap" db:"swap"`
	Slippage       decimal.Decimal `json:"slippage" db:"slippage"`
	ReservedAmount decimal.Decimal `json:"reservedAmount" db:"reserved_amount"`
	Profit         decimal.Decimal `json:"profit" db:"profit"`
	Loss           decimal.Decimal `json:"loss" db:"loss"`
	NetProfitLoss  decimal.Decimal `json:"netProfitLoss" db:"net_profit_loss"`
	ProfitLossPct  decimal.Decimal `json:"profitLossPercentage" db:"profit_loss_percentage"`
	OpenTime       *time.Time      `json:"openTime,omitempty" db:"open_time"`
	CloseTime      *time.Time      `json:"closeTime,omitempty" db:"close_time"`
	CancelledAt    *time.Time      `json:"cancelledAt,omitempty" db:"cancelled_at"`
	ExpiresAt      *time.Time      `json:"expiresAt,omitempty" db:"expires_at"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time       `json:"updatedAt" db:"updated_at"`
}

// Notional is quantity times price.
func (o *Order) Notional(price decimal.Decimal) decimal.Decimal {
	return o.Quantity.Mul(price)
}

// ExpiredAt reports whether a resting order is past its expiry at now.
func (o *Order) ExpiredAt(now time.Time) bool {
	return o.Status == StatusPending && o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// OrderFilter selects orders from a store. Zero values match everything.
type OrderFilter struct {
	UserID   string
	Symbol   string
	Statuses []OrderStatus
}

// Matches reports whether o satisfies f.
func (f OrderFilter) Matches(o *Order) bool {
	if f.UserID != "" && o.UserID != f.UserID {
		return false
	}
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if o.Status == s {
			return true
		}
	}
	return false
}
