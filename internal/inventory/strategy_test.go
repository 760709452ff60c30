package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-orders/internal/domain"
	"restaurant-orders/internal/stockcache"
)

// --- fakes ---

type fakeDishes struct {
	mu    sync.Mutex
	stock map[int]int // dishID -> stock, single store
}

func (f *fakeDishes) DishByID(context.Context, int) (domain.Dish, error) {
	return domain.Dish{}, errors.New("not used")
}

func (f *fakeDishes) DeductStock(_ context.Context, _, dishID, n int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stock[dishID] < n {
		return 0, nil
	}
	f.stock[dishID] -= n
	return 1, nil
}

func (f *fakeDishes) AddStock(_ context.Context, _, dishID, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stock[dishID] += n
	return nil
}

func (f *fakeDishes) StockFor(context.Context, int) (map[int]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]int, len(f.stock))
	for id, n := range f.stock {
		out[id] = n
	}
	return out, nil
}

func (f *fakeDishes) PrepTimes(context.Context) (map[int]int, error) { return nil, nil }

type fakeCombos map[int][]domain.ComboItem

func (f fakeCombos) Items(_ context.Context, bundleID int) ([]domain.ComboItem, error) {
	return f[bundleID], nil
}

type fakeOrders struct {
	mu        sync.Mutex
	committed []domain.OrderMessage
	commitErr error
}

func (f *fakeOrders) CommitOrder(_ context.Context, om domain.OrderMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = append(f.committed, om)
	return nil
}

func (f *fakeOrders) OrderByID(context.Context, string) (*domain.Order, error) {
	return nil, errors.New("not used")
}
func (f *fakeOrders) OrderIDByPayID(context.Context, string) (string, error) {
	return "", errors.New("not used")
}
func (f *fakeOrders) UpdateStatus(context.Context, string, int, int) (int64, error) { return 1, nil }
func (f *fakeOrders) UpdateFinalTime(context.Context, string, time.Time) error      { return nil }
func (f *fakeOrders) InsertMargin(context.Context, string, int, decimal.Decimal) error {
	return nil
}

// fakeCache mirrors the stock cache in memory. A store with no mirror
// reports missing, like an expired redis hash.
type fakeCache struct {
	mu      sync.Mutex
	stock   map[int]map[int]int
	results map[string]domain.Completion
	warms   int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		stock:   make(map[int]map[int]int),
		results: make(map[string]domain.Completion),
	}
}

func (f *fakeCache) Sufficient(_ context.Context, storeID int, need map[int]int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stock[storeID]
	if !ok {
		return false, stockcache.ErrMissing
	}
	for id, n := range need {
		if s[id] < n {
			return false, nil
		}
	}
	return true, nil
}

func (f *fakeCache) Deduct(_ context.Context, storeID int, need map[int]int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stock[storeID]
	if !ok {
		return stockcache.ErrMissing
	}
	for id, n := range need {
		if s[id] < n {
			return domain.ErrInsufficientStock
		}
	}
	for id, n := range need {
		s[id] -= n
	}
	return nil
}

func (f *fakeCache) Restock(_ context.Context, storeID int, q map[int]int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stock[storeID]
	if !ok {
		return nil
	}
	for id, n := range q {
		s[id] += n
	}
	return nil
}

func (f *fakeCache) HasStock(_ context.Context, storeID int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.stock[storeID]
	return ok, nil
}

func (f *fakeCache) Warm(_ context.Context, storeID int, stock map[int]int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(map[int]int, len(stock))
	for id, n := range stock {
		cp[id] = n
	}
	f.stock[storeID] = cp
	f.warms++
	return nil
}

func (f *fakeCache) FinishMessage(_ context.Context, id string, committed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if committed {
		f.results[id] = domain.CompletionSuccess
	} else {
		f.results[id] = domain.CompletionFailed
	}
	return nil
}

func (f *fakeCache) Completion(_ context.Context, id string) (domain.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[id], nil
}

func (f *fakeCache) PushWaiting(context.Context, int, int, int, time.Time) error { return nil }
func (f *fakeCache) IncrDailySales(context.Context, int, int, time.Time) error   { return nil }

type fakePub struct {
	mu         sync.Mutex
	confirms   []domain.OrderMessage
	rollbacks  []domain.StockRollback
	confirmErr error
}

func (f *fakePub) PublishConfirm(_ context.Context, om domain.OrderMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirms = append(f.confirms, om)
	return nil
}

func (f *fakePub) PublishRollback(_ context.Context, rb domain.StockRollback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks = append(f.rollbacks, rb)
	return nil
}

// --- helpers ---

func testDeps(dishes *fakeDishes, cache *fakeCache, pub *fakePub, orders *fakeOrders) Deps {
	return Deps{
		Dishes: dishes,
		Combos: fakeCombos{100001: {
			{BundleID: 100001, DishID: 5, DishNum: 2},
			{BundleID: 100001, DishID: 7, DishNum: 1},
		}},
		Orders: orders,
		Cache:  cache,
		Pub:    pub,
		Log:    zerolog.Nop(),
	}
}

func pickupOrder(lines ...domain.DishLine) *domain.Order {
	return &domain.Order{
		UserID:      "u1",
		StoreID:     1,
		TableID:     -1,
		ConsumeType: domain.ConsumePickup,
		Status:      domain.StatusToBePaid,
		IsNew:       true,
		Dishes:      lines,
	}
}

// --- cache-fronted ---

func TestCacheFrontedWarmsOnMissAndDeducts(t *testing.T) {
	dishes := &fakeDishes{stock: map[int]int{5: 10}}
	cache := newFakeCache()
	pub := &fakePub{}
	s := Select(KindCacheFronted, testDeps(dishes, cache, pub, &fakeOrders{}))

	p, err := s.Place(context.Background(), pickupOrder(domain.DishLine{DishID: 5, DishNum: 3}))
	require.NoError(t, err)

	assert.Equal(t, 1, cache.warms, "exactly one rebuild on a cold cache")
	assert.Equal(t, 7, cache.stock[1][5], "cache deducted")
	assert.Equal(t, 10, dishes.stock[5], "durable stock untouched until the consumer commits")

	require.Len(t, pub.confirms, 1)
	om := pub.confirms[0]
	assert.Equal(t, map[int]int{5: 3}, om.DishNumMap)
	assert.Len(t, p.OrderID, 32)
	assert.Equal(t, p.OrderID, om.MessageID)
	assert.NotEmpty(t, om.Order.FetchCode, "pickup orders carry a fetch code")
}

func TestCacheFrontedInsufficient(t *testing.T) {
	dishes := &fakeDishes{stock: map[int]int{5: 2}}
	cache := newFakeCache()
	pub := &fakePub{}
	s := Select(KindCacheFronted, testDeps(dishes, cache, pub, &fakeOrders{}))

	_, err := s.Place(context.Background(), pickupOrder(domain.DishLine{DishID: 5, DishNum: 3}))
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Empty(t, pub.confirms)
	assert.Equal(t, 2, cache.stock[1][5], "nothing deducted")
}

func TestCacheFrontedRollbackOnPublishFailure(t *testing.T) {
	dishes := &fakeDishes{stock: map[int]int{5: 10}}
	cache := newFakeCache()
	pub := &fakePub{confirmErr: errors.New("broker down")}
	s := Select(KindCacheFronted, testDeps(dishes, cache, pub, &fakeOrders{}))

	_, err := s.Place(context.Background(), pickupOrder(domain.DishLine{DishID: 5, DishNum: 3}))
	require.Error(t, err)

	require.Len(t, pub.rollbacks, 1)
	assert.Equal(t, 1, pub.rollbacks[0].StoreID())
	assert.Equal(t, map[int]int{5: 3}, pub.rollbacks[0].Quantities())
}

func TestCacheFrontedExpandsBundles(t *testing.T) {
	dishes := &fakeDishes{stock: map[int]int{5: 10, 7: 10}}
	cache := newFakeCache()
	pub := &fakePub{}
	s := Select(KindCacheFronted, testDeps(dishes, cache, pub, &fakeOrders{}))

	_, err := s.Place(context.Background(), pickupOrder(domain.DishLine{DishID: 100001, DishNum: 2}))
	require.NoError(t, err)

	require.Len(t, pub.confirms, 1)
	assert.Equal(t, map[int]int{5: 4, 7: 2}, pub.confirms[0].DishNumMap)
	assert.Equal(t, 6, cache.stock[1][5])
	assert.Equal(t, 8, cache.stock[1][7])
}

func TestCacheFrontedResubmission(t *testing.T) {
	dishes := &fakeDishes{stock: map[int]int{5: 10, 7: 10}}
	cache := newFakeCache()
	pub := &fakePub{}
	s := Select(KindCacheFronted, testDeps(dishes, cache, pub, &fakeOrders{}))

	o := &domain.Order{
		ID: "EXISTING", UserID: "u1", StoreID: 1, TableID: 3,
		ConsumeType: domain.ConsumeTableService,
		Status:      domain.StatusConfirming,
		IsNew:       false,
		Dishes: []domain.DishLine{
			{DishID: 5, DishNum: 2},
			{DishID: 7, DishNum: 1, IsAdd: true},
		},
	}
	p, err := s.Place(context.Background(), o)
	require.NoError(t, err)

	assert.Equal(t, "EXISTING", p.OrderID, "resubmission keeps its id")
	require.Len(t, pub.confirms, 1)
	om := pub.confirms[0]
	assert.Equal(t, map[int]int{7: 1}, om.DishNumMap, "only additions are charged")
	require.Len(t, om.Order.Dishes, 1)
	assert.Equal(t, 7, om.Order.Dishes[0].DishID)
	assert.Equal(t, domain.StatusConfirming, om.Order.Status)
	assert.Equal(t, 10, cache.stock[1][5], "original lines not re-deducted")
	assert.Equal(t, 9, cache.stock[1][7])
}

// --- optimistic ---

func TestOptimisticPublishesWithoutChecking(t *testing.T) {
	dishes := &fakeDishes{stock: map[int]int{5: 0}}
	cache := newFakeCache()
	pub := &fakePub{}
	s := Select(KindOptimistic, testDeps(dishes, cache, pub, &fakeOrders{}))

	_, err := s.Place(context.Background(), pickupOrder(domain.DishLine{DishID: 5, DishNum: 3}))
	require.NoError(t, err)

	require.Len(t, pub.confirms, 1)
	assert.Equal(t, map[int]int{5: 3}, pub.confirms[0].DishNumMap)
	assert.Equal(t, 0, cache.warms, "cache never touched")
	assert.Equal(t, 0, dishes.stock[5])
}

// --- pessimistic ---

func TestPessimisticDeductsDurably(t *testing.T) {
	dishes := &fakeDishes{stock: map[int]int{5: 10}}
	cache := newFakeCache()
	pub := &fakePub{}
	s := Select(KindPessimistic, testDeps(dishes, cache, pub, &fakeOrders{}))

	_, err := s.Place(context.Background(), pickupOrder(domain.DishLine{DishID: 5, DishNum: 3}))
	require.NoError(t, err)

	assert.Equal(t, 7, dishes.stock[5])
	require.Len(t, pub.confirms, 1)
	assert.Nil(t, pub.confirms[0].DishNumMap, "stock already settled")
}

func TestPessimisticConcurrentPlacements(t *testing.T) {
	dishes := &fakeDishes{stock: map[int]int{5: 10}}
	cache := newFakeCache()
	pub := &fakePub{}
	s := Select(KindPessimistic, testDeps(dishes, cache, pub, &fakeOrders{}))

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Place(context.Background(), pickupOrder(domain.DishLine{DishID: 5, DishNum: 6}))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded, failed := 0, 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, domain.ErrInsufficientStock)
			failed++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 4, dishes.stock[5], "exactly one placement settled")
	assert.Len(t, pub.confirms, 1)
}

func TestPessimisticRestoresOnPublishFailure(t *testing.T) {
	dishes := &fakeDishes{stock: map[int]int{5: 10, 7: 4}}
	cache := newFakeCache()
	pub := &fakePub{confirmErr: errors.New("broker down")}
	s := Select(KindPessimistic, testDeps(dishes, cache, pub, &fakeOrders{}))

	_, err := s.Place(context.Background(),
		pickupOrder(domain.DishLine{DishID: 5, DishNum: 3}, domain.DishLine{DishID: 7, DishNum: 2}))
	require.Error(t, err)

	assert.Equal(t, 10, dishes.stock[5])
	assert.Equal(t, 4, dishes.stock[7])
}

func TestPessimisticPartialShortfallUndoes(t *testing.T) {
	dishes := &fakeDishes{stock: map[int]int{5: 10, 7: 1}}
	cache := newFakeCache()
	pub := &fakePub{}
	s := Select(KindPessimistic, testDeps(dishes, cache, pub, &fakeOrders{}))

	_, err := s.Place(context.Background(),
		pickupOrder(domain.DishLine{DishID: 5, DishNum: 3}, domain.DishLine{DishID: 7, DishNum: 2}))
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	assert.Equal(t, 10, dishes.stock[5], "earlier deduction undone")
	assert.Equal(t, 1, dishes.stock[7])
	assert.Empty(t, pub.confirms)
}

// --- serialized ---

func TestSerializedCommitsInline(t *testing.T) {
	dishes := &fakeDishes{stock: map[int]int{5: 10}}
	cache := newFakeCache()
	pub := &fakePub{}
	orders := &fakeOrders{}
	s := Select(KindSerialized, testDeps(dishes, cache, pub, orders))

	p, err := s.Place(context.Background(), pickupOrder(domain.DishLine{DishID: 5, DishNum: 3}))
	require.NoError(t, err)

	require.Len(t, orders.committed, 1)
	assert.Equal(t, map[int]int{5: 3}, orders.committed[0].DishNumMap)
	assert.Empty(t, pub.confirms, "no broker round trip")

	done, err := s.IsComplete(context.Background(), p.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.CompletionSuccess, done)
}

func TestSerializedCommitFailure(t *testing.T) {
	dishes := &fakeDishes{stock: map[int]int{5: 10}}
	cache := newFakeCache()
	pub := &fakePub{}
	orders := &fakeOrders{commitErr: fmt.Errorf("dish 5: %w", domain.ErrInsufficientStock)}
	s := Select(KindSerialized, testDeps(dishes, cache, pub, orders))

	_, err := s.Place(context.Background(), pickupOrder(domain.DishLine{DishID: 5, DishNum: 3}))
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
}
