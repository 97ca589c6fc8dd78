package settlement

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vtrade/trading-engine/internal/evaluator"
	"github.com/vtrade/trading-engine/internal/quote"
	"github.com/vtrade/trading-engine/internal/store"
)

var (
	// ErrInsufficientBalance is returned when free margin cannot cover a
	// debit or a close would drive the balance negative.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientHoldings is returned when a sell exceeds the shares
	// available to sell.
	ErrInsufficientHoldings = errors.New("insufficient holdings")

	// ErrInvalidState is returned for a transition the order status does
	// not allow, e.g. closing a trade that is not open.
	ErrInvalidState = errors.New("invalid order state")

	// ErrAccountNotFound is returned when the user has no wallet.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when opening a second wallet.
	ErrAccountExists = errors.New("account already exists")

	// ErrOrderNotFound is returned when the order does not exist or
	// belongs to another user.
	ErrOrderNotFound = errors.New("order not found")

	// ErrInvalidAmount is returned for non-positive amounts and prices.
	ErrInvalidAmount = errors.New("amount must be greater than 0")

	// ErrPositionLimit is returned when risk limits reject an order.
	ErrPositionLimit = errors.New("position limit exceeded")

	// ErrTransactionAborted is returned when the store could not commit.
	// Nothing was written and the operation can be retried.
	ErrTransactionAborted = errors.New("transaction aborted")
)

// OpError records the operation and identifiers behind a settlement failure.
type OpError struct {
	Op      string
	UserID  string
	OrderID string
	Err     error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString("settlement: ")
	b.WriteString(e.Op)
	if e.UserID != "" {
		fmt.Fprintf(&b, " user=%s", e.UserID)
	}
	if e.OrderID != "" {
		fmt.Fprintf(&b, " order=%s", e.OrderID)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// storeError maps store failures onto settlement sentinels.
func storeError(err error) error {
	if errors.Is(err, store.ErrTxAborted) {
		return fmt.Errorf("%w: %w", ErrTransactionAborted, err)
	}
	return err
}

// reason is the metrics label for a rejected operation.
func reason(err error) string {
	switch {
	case errors.Is(err, evaluator.ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, quote.ErrSymbolNotFound):
		return "unknown_symbol"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInsufficientHoldings):
		return "insufficient_holdings"
	case errors.Is(err, ErrPositionLimit):
		return "position_limit"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrTransactionAborted):
		return "tx_aborted"
	default:
		return "internal"
	}
}
