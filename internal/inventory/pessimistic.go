package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"restaurant-orders/internal/domain"
)

// pessimistic settles stock durably at placement time. Per-dish locks are
// taken in dish-id order so two concurrent placements over overlapping
// dishes never deadlock; the conditional update underneath guards against
// other instances.
type pessimistic struct {
	base

	mu    sync.Mutex
	locks map[lockKey]chan struct{}
}

type lockKey struct {
	storeID int
	dishID  int
}

func (s *pessimistic) lockFor(k lockKey) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[k]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[k] = l
	}
	return l
}

func (s *pessimistic) Place(ctx context.Context, o *domain.Order) (Placement, error) {
	lines := chargedLines(o)
	need, err := s.needFor(ctx, lines)
	if err != nil {
		return Placement{}, err
	}

	ids := make([]int, 0, len(need))
	for id := range need {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		l := s.lockFor(lockKey{o.StoreID, id})
		select {
		case l <- struct{}{}:
			defer func() { <-l }()
		case <-ctx.Done():
			return Placement{}, ctx.Err()
		}
	}

	deducted := make([]int, 0, len(ids))
	undo := func() {
		for _, id := range deducted {
			if err := s.Dishes.AddStock(ctx, o.StoreID, id, need[id]); err != nil {
				s.Log.Error().Err(err).Int("dish_id", id).Int("store_id", o.StoreID).
					Msg("failed to re-credit stock after aborted placement")
			}
		}
	}
	for _, id := range ids {
		rows, err := s.Dishes.DeductStock(ctx, o.StoreID, id, need[id])
		if err != nil {
			undo()
			return Placement{}, err
		}
		if rows == 0 {
			undo()
			return Placement{}, fmt.Errorf("dish %d: %w", id, domain.ErrInsufficientStock)
		}
		deducted = append(deducted, id)
	}

	// Keep the cache aligned when one is warmed; a failure here only costs
	// an extra rebuild later.
	if ok, _ := s.Cache.HasStock(ctx, o.StoreID); ok {
		if err := s.Cache.Deduct(ctx, o.StoreID, need); err != nil {
			s.Log.Warn().Err(err).Int("store_id", o.StoreID).Msg("cache deduct after durable deduct failed")
		}
	}

	if o.IsNew {
		s.stamp(o)
	}
	om := domain.NewOrderMessage(nil, messageOrder(o, lines))

	if err := s.Pub.PublishConfirm(ctx, om); err != nil {
		undo()
		if ok, _ := s.Cache.HasStock(ctx, o.StoreID); ok {
			if rErr := s.Cache.Restock(ctx, o.StoreID, need); rErr != nil {
				s.Log.Warn().Err(rErr).Int("store_id", o.StoreID).Msg("cache restock after failed publish failed")
			}
		}
		return Placement{}, fmt.Errorf("failed to publish confirmation: %w", err)
	}
	return Placement{OrderID: o.ID, PayID: o.PayID}, nil
}
