package inventory

import (
	"context"
	"errors"
	"fmt"

	"restaurant-orders/internal/domain"
	"restaurant-orders/internal/stockcache"
)

// cacheFronted checks and reserves stock against the cache before anything
// touches the database. The durable deduction rides inside the confirmation
// message, so the confirm consumer settles it transactionally.
type cacheFronted struct {
	base
}

func (s *cacheFronted) Place(ctx context.Context, o *domain.Order) (Placement, error) {
	lines := chargedLines(o)
	need, err := s.needFor(ctx, lines)
	if err != nil {
		return Placement{}, err
	}

	if err := s.ensureSufficient(ctx, o.StoreID, need); err != nil {
		return Placement{}, err
	}
	if err := s.deductCache(ctx, o.StoreID, need); err != nil {
		return Placement{}, err
	}

	if o.IsNew {
		s.stamp(o)
	}
	om := domain.NewOrderMessage(need, messageOrder(o, lines))

	if err := s.Pub.PublishConfirm(ctx, om); err != nil {
		// The cache deduction must not leak; hand it to the rollback
		// channel so another instance can restore it.
		if rbErr := s.Pub.PublishRollback(ctx, domain.NewStockRollback(need, o.StoreID)); rbErr != nil {
			s.Log.Error().Err(rbErr).Int("store_id", o.StoreID).
				Msg("cache deduction stranded, awaiting next warm")
		}
		return Placement{}, fmt.Errorf("failed to publish confirmation: %w", err)
	}
	return Placement{OrderID: o.ID, PayID: o.PayID}, nil
}

// ensureSufficient runs the cheap pre-check, rebuilding the cache from the
// database at most once on a miss.
func (s *cacheFronted) ensureSufficient(ctx context.Context, storeID int, need map[int]int) error {
	ok, err := s.Cache.Sufficient(ctx, storeID, need)
	if errors.Is(err, stockcache.ErrMissing) {
		if err = s.warm(ctx, storeID); err != nil {
			return err
		}
		ok, err = s.Cache.Sufficient(ctx, storeID, need)
	}
	if err != nil {
		return fmt.Errorf("failed to check cached stock: %w", err)
	}
	if !ok {
		return domain.ErrInsufficientStock
	}
	return nil
}

func (s *cacheFronted) deductCache(ctx context.Context, storeID int, need map[int]int) error {
	err := s.Cache.Deduct(ctx, storeID, need)
	if errors.Is(err, stockcache.ErrMissing) {
		if err = s.warm(ctx, storeID); err != nil {
			return err
		}
		err = s.Cache.Deduct(ctx, storeID, need)
	}
	if err != nil && !errors.Is(err, domain.ErrInsufficientStock) {
		return fmt.Errorf("failed to deduct cached stock: %w", err)
	}
	return err
}

func (s *cacheFronted) warm(ctx context.Context, storeID int) error {
	stock, err := s.Dishes.StockFor(ctx, storeID)
	if err != nil {
		return fmt.Errorf("failed to load stock for cache rebuild: %w", err)
	}
	if err := s.Cache.Warm(ctx, storeID, stock); err != nil {
		return fmt.Errorf("failed to rebuild stock cache: %w", err)
	}
	s.Log.Debug().Int("store_id", storeID).Int("dishes", len(stock)).Msg("stock cache rebuilt")
	return nil
}
