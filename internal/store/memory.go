package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/vtrade/trading-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Atomic stages writes on a copy of the state and swaps it in on success,
// so a failed transaction leaves nothing behind. Transactions are
// serialized by a single lock.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	accounts map[string]model.Account // by user ID
	orders   map[string]model.Order
	orderSeq []string // order IDs in insertion order
	ledger   []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			accounts: make(map[string]model.Account),
			orders:   make(map[string]model.Order),
		},
	}
}

func (st *memState) clone() *memState {
	c := &memState{
		accounts: make(map[string]model.Account, len(st.accounts)),
		orders:   make(map[string]model.Order, len(st.orders)),
		orderSeq: append([]string(nil), st.orderSeq...),
		ledger:   append([]model.LedgerEntry(nil), st.ledger...),
	}
	for k, v := range st.accounts {
		c.accounts[k] = v
	}
	for k, v := range st.orders {
		c.orders[k] = v
	}
	return c
}

func (st *memState) getAccount(userID string) (*model.Account, error) {
	a, ok := st.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account for user %s: %w", userID, ErrNotFound)
	}
	return &a, nil
}

func (st *memState) getOrder(id string) (*model.Order, error) {
	o, ok := st.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return &o, nil
}

func (st *memState) listOrders(f model.OrderFilter) []model.Order {
	var out []model.Order
	for _, id := range st.orderSeq {
		o := st.orders[id]
		if f.Matches(&o) {
			out = append(out, o)
		}
	}
	return out
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.getAccount(userID)
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.getOrder(id)
}

func (s *MemoryStore) ListOrders(_ context.Context, f model.OrderFilter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.listOrders(f), nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LedgerEntry
	for _, e := range s.state.ledger {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	if err := fn(&memTx{st: staged}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTxAborted, err)
	}
	s.state = staged
	return nil
}

// memTx writes to a staged copy of the state.
type memTx struct {
	st *memState
}

func (t *memTx) CreateAccount(_ context.Context, a *model.Account) error {
	if _, ok := t.st.accounts[a.UserID]; ok {
		return fmt.Errorf("account for user %s: %w", a.UserID, ErrAlreadyExists)
	}
	t.st.accounts[a.UserID] = *a
	return nil
}

func (t *memTx) GetAccountForUpdate(_ context.Context, userID string) (*model.Account, error) {
	return t.st.getAccount(userID)
}

func (t *memTx) UpdateAccount(_ context.Context, a *model.Account) error {
	if _, ok := t.st.accounts[a.UserID]; !ok {
		return fmt.Errorf("account for user %s: %w", a.UserID, ErrNotFound)
	}
	t.st.accounts[a.UserID] = *a
	return nil
}

func (t *memTx) GetOrderForUpdate(_ context.Context, id string) (*model.Order, error) {
	return t.st.getOrder(id)
}

func (t *memTx) ListOrders(_ context.Context, f model.OrderFilter) ([]model.Order, error) {
	return t.st.listOrders(f), nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	if _, ok := t.st.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrAlreadyExists)
	}
	t.st.orders[o.ID] = *o
	t.st.orderSeq = append(t.st.orderSeq, o.ID)
	return nil
}

func (t *memTx) UpdateOrder(_ context.Context, o *model.Order) error {
	if _, ok := t.st.orders[o.ID]; !ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	t.st.orders[o.ID] = *o
	return nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	t.st.ledger = append(t.st.ledger, *e)
	return nil
}
