// Package memory is an in-process Ledger Store for tests and local runs.
//
// Writers take a per-record lock for the life of a transaction. Writes are
// staged on the transaction and applied together at commit under the store
// mutex, so readers never observe half of an operation. Aggregate counter
// deltas are applied as additions at commit and never hold a strategy lock.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"copyvault/internal/domain"
	"copyvault/internal/store"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu         sync.RWMutex
	strategies map[string]*domain.Strategy
	traders    map[string]string // trader -> strategy id
	positions  map[string]*domain.Position
	trades     map[string]*domain.TradeRecord

	locks *keyedLocks
	now   func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		strategies: make(map[string]*domain.Strategy),
		traders:    make(map[string]string),
		positions:  make(map[string]*domain.Position),
		trades:     make(map[string]*domain.TradeRecord),
		locks:      newKeyedLocks(),
		now:        time.Now,
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error {
	return nil
}

// GetStrategy returns a copy of the committed strategy.
func (s *Store) GetStrategy(_ context.Context, id string) (*domain.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.strategies[id]
	if !ok {
		return nil, fmt.Errorf("get strategy: %w", store.ErrNotFound)
	}
	cp := *st
	return &cp, nil
}

// GetPosition returns a copy of the committed position.
func (s *Store) GetPosition(_ context.Context, id string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("get position: %w", store.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

// ListStrategies returns strategies, newest first.
func (s *Store) ListStrategies(_ context.Context, filter store.StrategyFilter) ([]domain.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []domain.Strategy{}
	for _, st := range s.strategies {
		if !matchStatus(filter.Status, st.IsActive) {
			continue
		}
		if filter.Trader != "" && st.Trader != filter.Trader {
			continue
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListPositions returns positions matching the filter, newest subscription first.
func (s *Store) ListPositions(_ context.Context, filter store.PositionFilter) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []domain.Position{}
	for _, p := range s.positions {
		if filter.StrategyID != "" && p.Strategy != filter.StrategyID {
			continue
		}
		if filter.User != "" && p.User != filter.User {
			continue
		}
		if !matchStatus(filter.Status, p.IsActive) {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubscribedAt.Equal(out[j].SubscribedAt) {
			return out[i].SubscribedAt.After(out[j].SubscribedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListTrades returns journaled trades for a position, newest first.
func (s *Store) ListTrades(_ context.Context, positionID string, filter store.TradeFilter) (*store.TradeListResult, error) {
	filter.NormalizeLimit()

	var cursorTS time.Time
	var cursorID string
	if filter.Cursor != "" {
		var err error
		cursorTS, cursorID, err = store.DecodeCursor(filter.Cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrInvalidCursor, err)
		}
	}

	s.mu.RLock()
	var trades []domain.TradeRecord
	for _, tr := range s.trades {
		if tr.PositionID != positionID {
			continue
		}
		if filter.SubscribedAt != nil && !tr.SubscribedAt.Equal(*filter.SubscribedAt) {
			continue
		}
		if filter.Start != nil && tr.ExecutedAt.Before(*filter.Start) {
			continue
		}
		if filter.End != nil && tr.ExecutedAt.After(*filter.End) {
			continue
		}
		if filter.Cursor != "" && !before(tr.ExecutedAt, tr.TradeID, cursorTS, cursorID) {
			continue
		}
		trades = append(trades, *tr)
	}
	s.mu.RUnlock()

	sort.Slice(trades, func(i, j int) bool {
		return before(trades[j].ExecutedAt, trades[j].TradeID, trades[i].ExecutedAt, trades[i].TradeID)
	})
	if len(trades) > filter.Limit+1 {
		trades = trades[:filter.Limit+1]
	}
	return store.Paginate(trades, filter.Limit), nil
}

// before reports whether (ts, id) sorts strictly before (cts, cid).
func before(ts time.Time, id string, cts time.Time, cid string) bool {
	if !ts.Equal(cts) {
		return ts.Before(cts)
	}
	return id < cid
}

func matchStatus(status string, active bool) bool {
	switch status {
	case "active":
		return active
	case "inactive":
		return !active
	default:
		return true
	}
}

// WithinTx runs fn with a transaction whose writes apply atomically on success.
func (s *Store) WithinTx(ctx context.Context, fn func(store.Tx) error) error {
	tx := &memTx{
		s:         s,
		inserts:   make(map[string]*domain.Strategy),
		profiles:  make(map[string]*domain.Strategy),
		positions: make(map[string]*domain.Position),
		deltas:    make(map[string]store.StrategyDelta),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

type memTx struct {
	s    *Store
	held []string

	inserts   map[string]*domain.Strategy
	profiles  map[string]*domain.Strategy
	positions map[string]*domain.Position
	deltas    map[string]store.StrategyDelta
	trades    []*domain.TradeRecord
}

func (t *memTx) lock(ctx context.Context, key string) error {
	for _, k := range t.held {
		if k == key {
			return nil
		}
	}
	if err := t.s.locks.acquire(ctx, key); err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	t.held = append(t.held, key)
	return nil
}

func (t *memTx) release() {
	for _, k := range t.held {
		t.s.locks.release(k)
	}
	t.held = nil
}

func (t *memTx) strategy(id string) (*domain.Strategy, bool) {
	if st, ok := t.profiles[id]; ok {
		cp := *st
		return &cp, true
	}
	if st, ok := t.inserts[id]; ok {
		cp := *st
		return &cp, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	st, ok := t.s.strategies[id]
	if !ok {
		return nil, false
	}
	cp := *st
	return &cp, true
}

func (t *memTx) GetStrategy(_ context.Context, id string) (*domain.Strategy, error) {
	st, ok := t.strategy(id)
	if !ok {
		return nil, fmt.Errorf("get strategy: %w", store.ErrNotFound)
	}
	return st, nil
}

func (t *memTx) LockStrategy(ctx context.Context, id string) (*domain.Strategy, error) {
	if err := t.lock(ctx, "strategy:"+id); err != nil {
		return nil, err
	}
	st, ok := t.strategy(id)
	if !ok {
		return nil, fmt.Errorf("lock strategy: %w", store.ErrNotFound)
	}
	return st, nil
}

func (t *memTx) InsertStrategy(ctx context.Context, st *domain.Strategy) error {
	// Concurrent inserts for one trader queue here, so the loser sees the
	// winner's committed record instead of failing at commit.
	if err := t.lock(ctx, "trader:"+st.Trader); err != nil {
		return err
	}
	t.s.mu.RLock()
	_, idTaken := t.s.strategies[st.ID]
	_, traderTaken := t.s.traders[st.Trader]
	t.s.mu.RUnlock()
	if _, staged := t.inserts[st.ID]; idTaken || traderTaken || staged {
		return fmt.Errorf("insert strategy: %w", store.ErrDuplicate)
	}
	cp := *st
	t.inserts[st.ID] = &cp
	return nil
}

func (t *memTx) UpdateStrategyProfile(_ context.Context, st *domain.Strategy) error {
	if _, ok := t.strategy(st.ID); !ok {
		return fmt.Errorf("update strategy: %w", store.ErrNotFound)
	}
	cp := *st
	t.profiles[st.ID] = &cp
	return nil
}

func (t *memTx) ApplyStrategyDelta(_ context.Context, id string, d store.StrategyDelta) (*store.DeltaResult, error) {
	st, ok := t.strategy(id)
	if !ok {
		return nil, fmt.Errorf("apply strategy delta: %w", store.ErrNotFound)
	}

	acc := t.deltas[id]
	acc.Subscribers += d.Subscribers
	acc.Volume += d.Volume
	acc.Fees += d.Fees

	res, err := applyDelta(*st, acc)
	if err != nil {
		return nil, fmt.Errorf("apply strategy delta: %w", err)
	}
	t.deltas[id] = acc
	return res, nil
}

// applyDelta returns st with d added, flooring the subscriber count at zero.
func applyDelta(st domain.Strategy, d store.StrategyDelta) (*store.DeltaResult, error) {
	res := &store.DeltaResult{}

	var ok bool
	if st.TotalVolumeTraded, ok = checkedAdd(st.TotalVolumeTraded, d.Volume); !ok {
		return nil, store.ErrOverflow
	}
	if st.TotalFeesEarned, ok = checkedAdd(st.TotalFeesEarned, d.Fees); !ok {
		return nil, store.ErrOverflow
	}
	subs, ok := checkedAdd(st.TotalSubscribers, d.Subscribers)
	if !ok {
		return nil, store.ErrOverflow
	}
	if subs < 0 {
		subs = 0
		res.Floored = true
	}
	st.TotalSubscribers = subs
	res.Strategy = st
	return res, nil
}

func checkedAdd(a, b int64) (int64, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}

func (t *memTx) position(id string) (*domain.Position, bool) {
	if p, ok := t.positions[id]; ok {
		cp := *p
		return &cp, true
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	p, ok := t.s.positions[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

func (t *memTx) LockPosition(ctx context.Context, id string) (*domain.Position, error) {
	if err := t.lock(ctx, "position:"+id); err != nil {
		return nil, err
	}
	p, ok := t.position(id)
	if !ok {
		return nil, fmt.Errorf("lock position: %w", store.ErrNotFound)
	}
	return p, nil
}

func (t *memTx) OpenPosition(ctx context.Context, p *domain.Position) error {
	if err := t.lock(ctx, "position:"+p.ID); err != nil {
		return err
	}
	if existing, ok := t.position(p.ID); ok && existing.IsActive {
		return fmt.Errorf("open position: %w", store.ErrDuplicate)
	}
	cp := *p
	t.positions[p.ID] = &cp
	return nil
}

func (t *memTx) UpdatePosition(_ context.Context, p *domain.Position) error {
	if _, ok := t.position(p.ID); !ok {
		return fmt.Errorf("update position: %w", store.ErrNotFound)
	}
	cp := *p
	t.positions[p.ID] = &cp
	return nil
}

func (t *memTx) InsertTrade(_ context.Context, tr *domain.TradeRecord) error {
	t.s.mu.RLock()
	_, exists := t.s.trades[tr.TradeID]
	t.s.mu.RUnlock()
	if exists {
		return fmt.Errorf("insert trade: %w", store.ErrDuplicate)
	}
	for _, staged := range t.trades {
		if staged.TradeID == tr.TradeID {
			return fmt.Errorf("insert trade: %w", store.ErrDuplicate)
		}
	}
	cp := *tr
	t.trades = append(t.trades, &cp)
	return nil
}

// commit validates staged writes against the committed state and applies
// all of them, or none.
func (t *memTx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range t.inserts {
		if _, ok := s.strategies[id]; ok {
			return fmt.Errorf("commit: insert strategy: %w", store.ErrDuplicate)
		}
		if _, ok := s.traders[st.Trader]; ok {
			return fmt.Errorf("commit: insert strategy: %w", store.ErrDuplicate)
		}
	}
	for _, tr := range t.trades {
		if _, ok := s.trades[tr.TradeID]; ok {
			return fmt.Errorf("commit: insert trade: %w", store.ErrDuplicate)
		}
	}

	applied := make(map[string]*domain.Strategy, len(t.deltas))
	for id, d := range t.deltas {
		base, ok := s.strategies[id]
		if !ok {
			base, ok = t.inserts[id]
		}
		if !ok {
			return fmt.Errorf("commit: apply strategy delta: %w", store.ErrNotFound)
		}
		res, err := applyDelta(*base, d)
		if err != nil {
			return fmt.Errorf("commit: apply strategy delta: %w", err)
		}
		st := res.Strategy
		applied[id] = &st
	}

	now := s.now()
	for id, st := range t.inserts {
		cp := *st
		s.strategies[id] = &cp
		s.traders[st.Trader] = id
	}
	for id, st := range applied {
		st.UpdatedAt = now
		s.strategies[id] = st
	}
	for id, prof := range t.profiles {
		cur := s.strategies[id]
		cur.Name = prof.Name
		cur.Description = prof.Description
		cur.IsActive = prof.IsActive
		cur.UpdatedAt = prof.UpdatedAt
	}
	for id, p := range t.positions {
		cp := *p
		s.positions[id] = &cp
	}
	for _, tr := range t.trades {
		s.trades[tr.TradeID] = tr
	}
	return nil
}

// keyedLocks hands out one writer slot per key. Acquisition honours context
// cancellation so a stuck writer cannot block callers indefinitely.
type keyedLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{slots: make(map[string]chan struct{})}
}

func (k *keyedLocks) slot(key string) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch, ok := k.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.slots[key] = ch
	}
	return ch
}

func (k *keyedLocks) acquire(ctx context.Context, key string) error {
	select {
	case k.slot(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *keyedLocks) release(key string) {
	<-k.slot(key)
}
