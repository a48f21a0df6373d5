package saga

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It backs tests and local runs without Postgres.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	orders   map[string]Order
	attempts map[string][]StepAttempt
	nextID   int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      func() time.Time { return time.Now().UTC() },
		orders:   make(map[string]Order),
		attempts: make(map[string][]StepAttempt),
	}
}

func (s *MemoryStore) Create(ctx context.Context, order Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.ID]; ok {
		return ErrDuplicateOrder
	}
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return order.Clone(), nil
}

func (s *MemoryStore) ListByCustomer(ctx context.Context, customerID string) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, order := range s.orders {
		if order.CustomerID == customerID {
			out = append(out, order.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

// ListActive returns orders that still need saga work: non-terminal orders
// and failed orders with an outstanding compensation.
func (s *MemoryStore) ListActive(ctx context.Context) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Order
	for _, order := range s.orders {
		if NeedsWork(order) {
			out = append(out, order.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, order Order, result *AttemptResult) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[order.ID]
	if !ok {
		return Order{}, ErrNotFound
	}
	if current.Version != order.Version {
		return Order{}, ErrVersionConflict
	}

	now := s.now()
	if result != nil {
		idx := s.pendingIndex(order.ID, result.IdempotencyKey)
		if idx < 0 {
			return Order{}, ErrVersionConflict
		}
		attempt := &s.attempts[order.ID][idx]
		attempt.Outcome = result.Outcome
		attempt.ExternalReference = result.ExternalReference
		attempt.Detail = result.Detail
		attempt.UpdatedAt = now
	}

	next := order.Clone()
	next.Version = current.Version + 1
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = now
	s.orders[order.ID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) BeginAttempt(ctx context.Context, orderID string, step StepName, expectedVersion int64) (StepAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return StepAttempt{}, ErrNotFound
	}
	if order.Version != expectedVersion {
		return StepAttempt{}, ErrVersionConflict
	}

	number := 0
	for _, a := range s.attempts[orderID] {
		if a.Step != step {
			continue
		}
		if a.Outcome == OutcomePending {
			return StepAttempt{}, ErrAttemptPending
		}
		if a.AttemptNumber > number {
			number = a.AttemptNumber
		}
	}
	number++

	s.nextID++
	now := s.now()
	attempt := StepAttempt{
		ID:             s.nextID,
		OrderID:        orderID,
		Step:           step,
		AttemptNumber:  number,
		IdempotencyKey: IdempotencyKey(orderID, step, number),
		Outcome:        OutcomePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.attempts[orderID] = append(s.attempts[orderID], attempt)
	return attempt, nil
}

func (s *MemoryStore) PendingAttempt(ctx context.Context, orderID string, step StepName) (StepAttempt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attempts[orderID] {
		if a.Step == step && a.Outcome == OutcomePending {
			return a, true, nil
		}
	}
	return StepAttempt{}, false, nil
}

func (s *MemoryStore) Attempts(ctx context.Context, orderID string) ([]StepAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StepAttempt(nil), s.attempts[orderID]...), nil
}

func (s *MemoryStore) pendingIndex(orderID, key string) int {
	for i, a := range s.attempts[orderID] {
		if a.IdempotencyKey == key && a.Outcome == OutcomePending {
			return i
		}
	}
	return -1
}

// NeedsWork reports whether the runner should pick the order up after a restart.
func NeedsWork(o Order) bool {
	if o.Status == StatusFailed {
		return o.PaymentProcessed || o.InventoryLocked
	}
	return !o.Status.Terminal()
}

func sortByCreated(orders []Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}
