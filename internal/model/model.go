// Package model defines the core domain types shared across the trading engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryDeposit     EntryType = "deposit"
	EntryWithdrawal  EntryType = "withdrawal"
	EntryTradeBuy    EntryType = "trade_buy"
	EntryTradeSell   EntryType = "trade_sell"
	EntryTradeProfit EntryType = "trade_profit"
	EntryTradeLoss   EntryType = "trade_loss"
	EntryFee         EntryType = "fee"
	EntryBonus       EntryType = "bonus"
	EntryReset       EntryType = "reset"
)

// Valid reports whether t is a recognized entry type.
func (t EntryType) Valid() bool {
	switch t {
	case EntryDeposit, EntryWithdrawal, EntryTradeBuy, EntryTradeSell,
		EntryTradeProfit, EntryTradeLoss, EntryFee, EntryBonus, EntryReset:
		return true
	}
	return false
}

// Account is a user's simulated cash wallet. One per user.
type Account struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"userId" db:"user_id"`
	Currency       string          `json:"currency" db:"currency"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	InitialBalance decimal.Decimal `json:"initialBalance" db:"initial_balance"`
	Equity         decimal.Decimal `json:"equity" db:"equity"`
	Margin         decimal.Decimal `json:"margin" db:"margin"` // reserved by pending buys and open trades
	FreeMargin     decimal.Decimal `json:"freeMargin" db:"free_margin"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time       `json:"updatedAt" db:"updated_at"`
}

// Recalculate refreshes the derived fields. No floating P&L is carried on
// open trades, so equity tracks balance.
func (a *Account) Recalculate() {
	a.Equity = a.Balance
	a.FreeMargin = a.Equity.Sub(a.Margin)
}

// LedgerEntry is an immutable record of one balance-affecting event.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"userId" db:"user_id"`
	Type          EntryType       `json:"type" db:"type"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	BalanceBefore decimal.Decimal `json:"balanceBefore" db:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter" db:"balance_after"`
	Reference     string          `json:"reference,omitempty" db:"reference"` // order id
	Description   string          `json:"description,omitempty" db:"description"`
	CreatedAt     time.Time       `json:"createdAt" db:"created_at"`
}

// Effect returns the signed change this entry applies to the balance.
// Credit types add |amount|, debit types subtract |amount|, and a reset
// carries its own sign.
func (e LedgerEntry) Effect() decimal.Decimal {
	switch e.Type {
	case EntryDeposit, EntryTradeSell, EntryTradeProfit, EntryBonus:
		return e.Amount.Abs()
	case EntryWithdrawal, EntryTradeBuy, EntryTradeLoss, EntryFee:
		return e.Amount.Abs().Neg()
	default:
		return e.Amount
	}
}

// Quote is a current price for a symbol.
type Quote struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Holding is a derived position in one symbol.
type Holding struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"` // net: bought - sold
	BoughtQty   decimal.Decimal `json:"boughtQuantity"`
	AverageCost decimal.Decimal `json:"averageCost"`
}

// PortfolioHolding is a holding marked to the current quote.
type PortfolioHolding struct {
	Holding
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	MarketValue   decimal.Decimal `json:"marketValue"`
	CostBasis     decimal.Decimal `json:"costBasis"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
}

// Portfolio aggregates holdings and cash for a user.
type Portfolio struct {
	UserID        string             `json:"userId"`
	Cash          decimal.Decimal    `json:"cash"`
	FreeMargin    decimal.Decimal    `json:"freeMargin"`
	Holdings      []PortfolioHolding `json:"holdings"`
	MarketValue   decimal.Decimal    `json:"marketValue"`
	UnrealizedPnL decimal.Decimal    `json:"unrealizedPnl"`
	TotalValue    decimal.Decimal    `json:"totalValue"` // cash + market value
}

// OpenPosition is an open trade marked to the current quote.
type OpenPosition struct {
	Order         Order           `json:"trade"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	FloatingPnL   decimal.Decimal `json:"floatingPnl"`
	FloatingPnLPc decimal.Decimal `json:"floatingPnlPercentage"`
}
