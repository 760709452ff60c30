package waittime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-orders/internal/domain"
	"restaurant-orders/internal/stockcache"
)

type fakeCache struct {
	entries []stockcache.WaitEntry
	prep    map[int]int
	warms   int
}

func (f *fakeCache) WaitingEntries(context.Context, int) ([]stockcache.WaitEntry, error) {
	return f.entries, nil
}

func (f *fakeCache) PrepTime(_ context.Context, dishID int) (int, error) {
	m, ok := f.prep[dishID]
	if !ok {
		return 0, stockcache.ErrMissing
	}
	return m, nil
}

func (f *fakeCache) WarmPrepTimes(_ context.Context, minutes map[int]int) error {
	f.prep = minutes
	f.warms++
	return nil
}

type fakeDishes struct {
	prep map[int]int
	err  error
}

func (f *fakeDishes) DishByID(context.Context, int) (domain.Dish, error) {
	return domain.Dish{}, errors.New("not used")
}
func (f *fakeDishes) DeductStock(context.Context, int, int, int) (int64, error) { return 0, nil }
func (f *fakeDishes) AddStock(context.Context, int, int, int) error             { return nil }
func (f *fakeDishes) StockFor(context.Context, int) (map[int]int, error)        { return nil, nil }

func (f *fakeDishes) PrepTimes(context.Context) (map[int]int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.prep, nil
}

func minutesAgo(now time.Time, m int) int64 {
	return now.Add(-time.Duration(m) * time.Minute).UnixMilli()
}

func TestEstimateSumsRemainingMinutes(t *testing.T) {
	now := time.Now()
	cache := &fakeCache{
		entries: []stockcache.WaitEntry{
			{DishID: 5, EnqueueTS: minutesAgo(now, 2)}, // 10 min prep, 8 left
			{DishID: 7, EnqueueTS: minutesAgo(now, 1)}, // 4 min prep, 3 left
		},
		prep: map[int]int{5: 10, 7: 4},
	}
	e := NewEstimator(cache, &fakeDishes{})
	e.Now = func() time.Time { return now }

	minutes, err := e.Estimate(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 11, minutes)
}

func TestEstimateSkipsOverdueEntries(t *testing.T) {
	now := time.Now()
	cache := &fakeCache{
		entries: []stockcache.WaitEntry{
			{DishID: 5, EnqueueTS: minutesAgo(now, 30)}, // long done
			{DishID: 7, EnqueueTS: minutesAgo(now, 1)},
		},
		prep: map[int]int{5: 10, 7: 5},
	}
	e := NewEstimator(cache, &fakeDishes{})
	e.Now = func() time.Time { return now }

	minutes, err := e.Estimate(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 4, minutes, "overdue entries contribute nothing")
}

func TestEstimateEmptyQueue(t *testing.T) {
	e := NewEstimator(&fakeCache{}, &fakeDishes{})
	minutes, err := e.Estimate(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, minutes)
}

func TestEstimateRebuildsPrepTimesOnce(t *testing.T) {
	now := time.Now()
	cache := &fakeCache{
		entries: []stockcache.WaitEntry{
			{DishID: 5, EnqueueTS: now.UnixMilli()},
			{DishID: 7, EnqueueTS: now.UnixMilli()},
		},
	}
	e := NewEstimator(cache, &fakeDishes{prep: map[int]int{5: 10, 7: 4}})
	e.Now = func() time.Time { return now }

	minutes, err := e.Estimate(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 14, minutes)
	assert.Equal(t, 1, cache.warms)
}

func TestEstimateIgnoresBundleEntries(t *testing.T) {
	now := time.Now()
	cache := &fakeCache{
		entries: []stockcache.WaitEntry{
			{DishID: 100001, EnqueueTS: now.UnixMilli()}, // no prep time of its own
			{DishID: 7, EnqueueTS: minutesAgo(now, 1)},
		},
		prep: map[int]int{7: 5},
	}
	e := NewEstimator(cache, &fakeDishes{})
	e.Now = func() time.Time { return now }

	minutes, err := e.Estimate(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 4, minutes)
	assert.Equal(t, 0, cache.warms, "a queued bundle must not trigger a rebuild")
}

func TestEstimateUnknownDishAfterRebuild(t *testing.T) {
	now := time.Now()
	cache := &fakeCache{
		entries: []stockcache.WaitEntry{{DishID: 99, EnqueueTS: now.UnixMilli()}},
	}
	e := NewEstimator(cache, &fakeDishes{prep: map[int]int{5: 10}})
	e.Now = func() time.Time { return now }

	_, err := e.Estimate(context.Background(), 1)
	assert.ErrorIs(t, err, stockcache.ErrMissing)
}
