package settlement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vtrade/trading-engine/internal/model"
)

// EventType names an order lifecycle event.
type EventType string

const (
	EventOrderFilled    EventType = "order_filled"
	EventOrderPending   EventType = "order_pending"
	EventOrderOpened    EventType = "order_opened"
	EventOrderClosed    EventType = "order_closed"
	EventOrderCancelled EventType = "order_cancelled"
	EventOrderExpired   EventType = "order_expired"
)

// Event is emitted after a settlement commits.
type Event struct {
	Type    EventType
	UserID  string
	Order   model.Order
	Balance decimal.Decimal
	At      time.Time
}

// Notifier receives committed events. Publish must not block.
type Notifier interface {
	Publish(Event)
}

func (e *Engine) publish(typ EventType, o *model.Order, acct *model.Account) {
	if e.notifier == nil {
		return
	}
	ev := Event{Type: typ, UserID: o.UserID, Order: *o, At: e.now()}
	if acct != nil {
		ev.Balance = acct.Balance
	}
	e.notifier.Publish(ev)
}
