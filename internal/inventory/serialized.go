package inventory

import (
	"context"

	"restaurant-orders/internal/domain"
)

// serialized skips the broker entirely and commits the order in the request
// path. It is the degenerate baseline: correct under any load, slowest of
// the four.
type serialized struct {
	base
}

func (s *serialized) Place(ctx context.Context, o *domain.Order) (Placement, error) {
	lines := chargedLines(o)
	need, err := s.needFor(ctx, lines)
	if err != nil {
		return Placement{}, err
	}

	if o.IsNew {
		s.stamp(o)
	}
	om := domain.NewOrderMessage(need, messageOrder(o, lines))

	if err := s.Orders.CommitOrder(ctx, om); err != nil {
		return Placement{}, err
	}
	if err := s.Cache.FinishMessage(ctx, om.MessageID, true); err != nil {
		s.Log.Warn().Err(err).Str("order_id", o.ID).Msg("failed to mark completion")
	}

	if ok, _ := s.Cache.HasStock(ctx, o.StoreID); ok {
		if err := s.Cache.Deduct(ctx, o.StoreID, need); err != nil {
			s.Log.Warn().Err(err).Int("store_id", o.StoreID).Msg("cache deduct after commit failed")
		}
	}

	now := s.Now()
	total := 0
	for id, n := range need {
		total += n
		if err := s.Cache.PushWaiting(ctx, o.StoreID, id, n, now); err != nil {
			s.Log.Warn().Err(err).Int("dish_id", id).Msg("failed to enqueue waiting entry")
		}
	}
	if err := s.Cache.IncrDailySales(ctx, o.StoreID, total, now); err != nil {
		s.Log.Warn().Err(err).Int("store_id", o.StoreID).Msg("failed to bump daily sales")
	}

	return Placement{OrderID: o.ID, PayID: o.PayID}, nil
}
