package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/vtrade/trading-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go through Atomic on the primary; after a successful commit
// the version key of every touched user is bumped, which orphans that
// user's cached reads. Orphaned keys age out with the TTL.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Writes (primary, then invalidate) ---

func (s *CachedStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	var touched *trackingTx
	err := s.primary.Atomic(ctx, func(tx Tx) error {
		touched = &trackingTx{Tx: tx, users: make(map[string]struct{})}
		return fn(touched)
	})
	if err != nil || touched == nil {
		return err
	}
	for _, uid := range touched.userIDs() {
		if err := s.rdb.Incr(ctx, versionKey(uid)).Err(); err != nil {
			// The primary already committed; stale reads last at most one TTL.
			slog.Warn("cache invalidation failed", "user_id", uid, "error", err)
		}
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	key := s.userKey(ctx, "account", userID)

	var a model.Account
	if s.load(ctx, key, &a) {
		return &a, nil
	}

	acct, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, key, acct)
	return acct, nil
}

func (s *CachedStore) ListLedgerEntries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	key := s.userKey(ctx, "ledger", userID)

	var entries []model.LedgerEntry
	if s.load(ctx, key, &entries) {
		return entries, nil
	}

	entries, err := s.primary.ListLedgerEntries(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, key, entries)
	return entries, nil
}

// ListOrders caches per-user queries only. Cross-user scans (the sweeper)
// go straight to the primary.
func (s *CachedStore) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	if f.UserID == "" {
		return s.primary.ListOrders(ctx, f)
	}
	key := s.userKey(ctx, "orders", f.UserID) + ":" + filterSuffix(f)

	var orders []model.Order
	if s.load(ctx, key, &orders) {
		return orders, nil
	}

	orders, err := s.primary.ListOrders(ctx, f)
	if err != nil {
		return nil, err
	}
	s.save(ctx, key, orders)
	return orders, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

// --- Cache helpers ---

// userKey builds a key scoped to the user's current version. If the version
// cannot be read the key falls back to version 0, which is harmless: a
// later successful read repopulates under the right version.
func (s *CachedStore) userKey(ctx context.Context, kind, userID string) string {
	ver, err := s.rdb.Get(ctx, versionKey(userID)).Result()
	if err != nil {
		ver = "0"
	}
	return fmt.Sprintf("%s:%s:v%s", kind, userID, ver)
}

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func versionKey(uid string) string { return fmt.Sprintf("user:%s:ver", uid) }

func filterSuffix(f model.OrderFilter) string {
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	sort.Strings(statuses)
	return f.Symbol + "|" + strings.Join(statuses, ",")
}

// trackingTx records which users a transaction wrote to.
type trackingTx struct {
	Tx
	mu    sync.Mutex
	users map[string]struct{}
}

func (t *trackingTx) touch(uid string) {
	t.mu.Lock()
	t.users[uid] = struct{}{}
	t.mu.Unlock()
}

func (t *trackingTx) userIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.users))
	for uid := range t.users {
		out = append(out, uid)
	}
	return out
}

func (t *trackingTx) CreateAccount(ctx context.Context, a *model.Account) error {
	t.touch(a.UserID)
	return t.Tx.CreateAccount(ctx, a)
}

func (t *trackingTx) UpdateAccount(ctx context.Context, a *model.Account) error {
	t.touch(a.UserID)
	return t.Tx.UpdateAccount(ctx, a)
}

func (t *trackingTx) InsertOrder(ctx context.Context, o *model.Order) error {
	t.touch(o.UserID)
	return t.Tx.InsertOrder(ctx, o)
}

func (t *trackingTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	t.touch(o.UserID)
	return t.Tx.UpdateOrder(ctx, o)
}

func (t *trackingTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	t.touch(e.UserID)
	return t.Tx.InsertLedgerEntry(ctx, e)
}
