package waittime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"restaurant-orders/internal/domain"
	"restaurant-orders/internal/repository"
	"restaurant-orders/internal/stockcache"
)

// Cache is the redis surface the estimator reads.
type Cache interface {
	WaitingEntries(ctx context.Context, storeID int) ([]stockcache.WaitEntry, error)
	PrepTime(ctx context.Context, dishID int) (int, error)
	WarmPrepTimes(ctx context.Context, minutes map[int]int) error
}

// Estimator sums the remaining preparation minutes of everything queued
// ahead at a store.
type Estimator struct {
	Cache  Cache
	Dishes repository.Dishes
	Now    func() time.Time
}

func NewEstimator(cache Cache, dishes repository.Dishes) *Estimator {
	return &Estimator{Cache: cache, Dishes: dishes, Now: time.Now}
}

// Estimate returns the wait in whole minutes for a new order at the store.
// Each queued unit contributes what is left of its preparation time;
// anything already due contributes nothing.
func (e *Estimator) Estimate(ctx context.Context, storeID int) (int, error) {
	entries, err := e.Cache.WaitingEntries(ctx, storeID)
	if err != nil {
		return 0, fmt.Errorf("failed to read waiting queue: %w", err)
	}

	nowMs := e.Now().UnixMilli()
	total := int64(0)
	warmed := false
	for _, en := range entries {
		// Bundles never carry a prep time of their own; their component
		// dishes are queued individually.
		if domain.IsBundle(en.DishID) {
			continue
		}
		prep, err := e.Cache.PrepTime(ctx, en.DishID)
		if errors.Is(err, stockcache.ErrMissing) && !warmed {
			if err = e.warm(ctx); err != nil {
				return 0, err
			}
			warmed = true
			prep, err = e.Cache.PrepTime(ctx, en.DishID)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read prep time for dish %d: %w", en.DishID, err)
		}

		remaining := en.EnqueueTS + int64(prep)*60_000 - nowMs
		if remaining > 0 {
			total += remaining
		}
	}
	return int(total / 60_000), nil
}

func (e *Estimator) warm(ctx context.Context) error {
	minutes, err := e.Dishes.PrepTimes(ctx)
	if err != nil {
		return fmt.Errorf("failed to load prep times: %w", err)
	}
	if err := e.Cache.WarmPrepTimes(ctx, minutes); err != nil {
		return fmt.Errorf("failed to cache prep times: %w", err)
	}
	return nil
}
