// Package evaluator decides whether an order fills against the current quote
// and at what price.
//
// Evaluate is a pure function of the request and the quote. The Evaluator
// type adds the quote lookup in front of it.
package evaluator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vtrade/trading-engine/internal/model"
	"github.com/vtrade/trading-engine/internal/quote"
)

// ErrInvalidOrder is the sentinel behind every ValidationError.
var ErrInvalidOrder = errors.New("evaluator: invalid order")

// ValidationError describes a malformed order field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order: %s %s", e.Field, e.Reason)
}

// Unwrap supports errors.Is(err, ErrInvalidOrder).
func (e *ValidationError) Unwrap() error {
	return ErrInvalidOrder
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// OrderRequest is an order as submitted by a caller. Optional prices are
// zero when unset.
type OrderRequest struct {
	Symbol      string
	Action      model.Action
	OrderType   model.OrderType
	Quantity    decimal.Decimal
	LimitPrice  decimal.Decimal
	StopPrice   decimal.Decimal
	StopLoss    decimal.Decimal
	TakeProfit  decimal.Decimal
	TimeInForce model.TimeInForce
}

// Evaluation is the outcome of evaluating an order against a quote.
type Evaluation struct {
	ExecutionPrice   decimal.Decimal   // quote price when filled, zero otherwise
	FillsImmediately bool              // true when the order executes now
	EffectiveStatus  model.OrderStatus // closed when filled, pending otherwise
	ReferencePrice   decimal.Decimal   // price used for reservations and SL/TP checks
	Quote            model.Quote
}

// Validate checks the request fields that do not depend on a quote.
func Validate(req OrderRequest) error {
	if !req.Quantity.IsPositive() {
		return invalid("quantity", "must be greater than 0")
	}
	if req.Action != model.Buy && req.Action != model.Sell {
		return invalid("action", "must be buy or sell")
	}

	switch req.OrderType {
	case model.Market:
	case model.Limit:
		if !req.LimitPrice.IsPositive() {
			return invalid("limitPrice", "is required for limit orders")
		}
	case model.Stop, model.TrailingStop:
		if !req.StopPrice.IsPositive() {
			return invalid("stopPrice", "is required for "+string(req.OrderType)+" orders")
		}
	case model.StopLimit:
		if !req.LimitPrice.IsPositive() {
			return invalid("limitPrice", "is required for stop-limit orders")
		}
		if !req.StopPrice.IsPositive() {
			return invalid("stopPrice", "is required for stop-limit orders")
		}
	default:
		return invalid("orderType", "must be one of market, limit, stop, stop-limit, trailing-stop")
	}

	if req.LimitPrice.IsNegative() {
		return invalid("limitPrice", "must be greater than 0")
	}
	if req.StopPrice.IsNegative() {
		return invalid("stopPrice", "must be greater than 0")
	}
	if req.StopLoss.IsNegative() {
		return invalid("stopLoss", "must be greater than 0")
	}
	if req.TakeProfit.IsNegative() {
		return invalid("takeProfit", "must be greater than 0")
	}

	switch req.TimeInForce {
	case "", model.GTC, model.Day:
	default:
		return invalid("timeInForce", "must be gtc or day")
	}

	if _, err := quote.NormalizeSymbol(req.Symbol); err != nil {
		return invalid("symbol", "is not a valid ticker")
	}
	return nil
}

// Evaluate applies the decision table to req at quote q.
//
// Buy orders fill when the quote is at or below the limit and at or above
// the stop; sell orders mirror both inequalities. Trailing stops never fill
// at submission. A filled order always executes at the quote price, so a
// limit order is never filled worse than its limit.
func Evaluate(req OrderRequest, q model.Quote) (Evaluation, error) {
	if err := Validate(req); err != nil {
		return Evaluation{}, err
	}
	if !q.Price.IsPositive() {
		return Evaluation{}, fmt.Errorf("%w: non-positive quote for %s", quote.ErrSymbolNotFound, q.Symbol)
	}

	px := q.Price
	fills := Fills(req, px)

	ev := Evaluation{
		FillsImmediately: fills,
		EffectiveStatus:  model.StatusPending,
		Quote:            q,
	}
	if fills {
		ev.ExecutionPrice = px
		ev.EffectiveStatus = model.StatusClosed
		ev.ReferencePrice = px
	} else {
		ev.ReferencePrice = restingPrice(req)
	}

	if err := validateProtection(req, ev.ReferencePrice); err != nil {
		return Evaluation{}, err
	}
	return ev, nil
}

// Fills reports whether req executes at price px. It applies only the
// decision table; callers re-checking resting orders use it directly.
func Fills(req OrderRequest, px decimal.Decimal) bool {
	buy := req.Action == model.Buy
	switch req.OrderType {
	case model.Market:
		return true
	case model.Limit:
		return limitReached(buy, px, req.LimitPrice)
	case model.Stop:
		return stopTriggered(buy, px, req.StopPrice)
	case model.StopLimit:
		return stopTriggered(buy, px, req.StopPrice) && limitReached(buy, px, req.LimitPrice)
	default:
		return false
	}
}

// limitReached: buy at or below the limit, sell at or above it.
func limitReached(buy bool, px, limit decimal.Decimal) bool {
	if buy {
		return limit.GreaterThanOrEqual(px)
	}
	return limit.LessThanOrEqual(px)
}

// stopTriggered: buy once the price rises to the stop, sell once it falls to it.
func stopTriggered(buy bool, px, stop decimal.Decimal) bool {
	if buy {
		return px.GreaterThanOrEqual(stop)
	}
	return px.LessThanOrEqual(stop)
}

func restingPrice(req OrderRequest) decimal.Decimal {
	switch req.OrderType {
	case model.Limit, model.StopLimit:
		return req.LimitPrice
	default:
		return req.StopPrice
	}
}

// validateProtection checks stopLoss and takeProfit sit on the correct side
// of ref: buy SL < ref < TP, sell TP < ref < SL.
func validateProtection(req OrderRequest, ref decimal.Decimal) error {
	sl, tp := req.StopLoss, req.TakeProfit
	if req.Action == model.Buy {
		if sl.IsPositive() && !sl.LessThan(ref) {
			return invalid("stopLoss", "must be below the entry price for buy orders")
		}
		if tp.IsPositive() && !tp.GreaterThan(ref) {
			return invalid("takeProfit", "must be above the entry price for buy orders")
		}
		return nil
	}
	if sl.IsPositive() && !sl.GreaterThan(ref) {
		return invalid("stopLoss", "must be above the entry price for sell orders")
	}
	if tp.IsPositive() && !tp.LessThan(ref) {
		return invalid("takeProfit", "must be below the entry price for sell orders")
	}
	return nil
}

// Evaluator looks up quotes and evaluates orders against them.
type Evaluator struct {
	quotes quote.Source
}

// New creates an Evaluator backed by src.
func New(src quote.Source) *Evaluator {
	return &Evaluator{quotes: src}
}

// EvaluateRequest validates req, fetches its quote and evaluates it.
// The returned request carries the normalized symbol.
func (e *Evaluator) EvaluateRequest(ctx context.Context, req OrderRequest) (OrderRequest, Evaluation, error) {
	if err := Validate(req); err != nil {
		return req, Evaluation{}, err
	}
	sym, _ := quote.NormalizeSymbol(req.Symbol)
	req.Symbol = sym
	if req.TimeInForce == "" {
		req.TimeInForce = model.GTC
	}

	q, err := e.quotes.Quote(ctx, sym)
	if err != nil {
		return req, Evaluation{}, err
	}
	ev, err := Evaluate(req, q)
	return req, ev, err
}

// Quote exposes the underlying source.
func (e *Evaluator) Quote(ctx context.Context, symbol string) (model.Quote, error) {
	return e.quotes.Quote(ctx, symbol)
}
