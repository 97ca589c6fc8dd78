// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/vtrade/trading-engine/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when inserting a duplicate record.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrTxAborted is returned when a transaction could not commit, e.g.
	// because of a serialization conflict.
	ErrTxAborted = errors.New("store: transaction aborted")
)

// Store is the persistence interface. Reads outside Atomic see only
// committed state.
type Store interface {
	// GetAccount retrieves a user's wallet.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOrders returns orders matching filter, oldest first.
	ListOrders(ctx context.Context, filter model.OrderFilter) ([]model.Order, error)

	// ListLedgerEntries returns a user's ledger in insertion order.
	ListLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	// Atomic runs fn in a transaction. Every write made through tx is
	// committed together if fn returns nil and discarded otherwise.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside Atomic.
type Tx interface {
	// CreateAccount inserts a wallet. ErrAlreadyExists if the user has one.
	CreateAccount(ctx context.Context, acct *model.Account) error

	// GetAccountForUpdate reads a wallet and locks it until commit.
	GetAccountForUpdate(ctx context.Context, userID string) (*model.Account, error)

	// UpdateAccount persists balance and derived fields.
	UpdateAccount(ctx context.Context, acct *model.Account) error

	// GetOrderForUpdate reads an order and locks it until commit.
	GetOrderForUpdate(ctx context.Context, id string) (*model.Order, error)

	// ListOrders returns orders matching filter, oldest first.
	ListOrders(ctx context.Context, filter model.OrderFilter) ([]model.Order, error)

	// InsertOrder persists a new order.
	InsertOrder(ctx context.Context, order *model.Order) error

	// UpdateOrder persists an order's mutable fields.
	UpdateOrder(ctx context.Context, order *model.Order) error

	// InsertLedgerEntry appends an immutable ledger entry.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error
}
