package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-orders/internal/domain"
	"restaurant-orders/internal/inventory"
)

// --- fakes ---

type fakeOrders struct {
	mu        sync.Mutex
	commits   int
	commitErr error
	statuses  map[string]int
	orders    map[string]*domain.Order
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{statuses: make(map[string]int), orders: make(map[string]*domain.Order)}
}

func (f *fakeOrders) CommitOrder(_ context.Context, om domain.OrderMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commits++
	f.statuses[om.Order.ID] = om.Order.Status
	return nil
}

func (f *fakeOrders) OrderByID(_ context.Context, id string) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, errors.New("no such order")
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOrders) OrderIDByPayID(context.Context, string) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeOrders) UpdateStatus(_ context.Context, id string, from, to int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses[id] != from {
		return 0, nil
	}
	f.statuses[id] = to
	return 1, nil
}

func (f *fakeOrders) UpdateFinalTime(context.Context, string, time.Time) error { return nil }
func (f *fakeOrders) InsertMargin(context.Context, string, int, decimal.Decimal) error {
	return nil
}

type fakeDishes struct {
	mu       sync.Mutex
	stock    map[int]int
	credited map[int]int
}

func (f *fakeDishes) DishByID(context.Context, int) (domain.Dish, error) {
	return domain.Dish{}, errors.New("not used")
}
func (f *fakeDishes) DeductStock(context.Context, int, int, int) (int64, error) { return 1, nil }

func (f *fakeDishes) AddStock(_ context.Context, _, dishID, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.credited == nil {
		f.credited = make(map[int]int)
	}
	f.credited[dishID] += n
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

type fakeCache struct {
	mu      sync.Mutex
	markers map[string]domain.Completion
	claimed map[string]bool
	mirror  map[int]map[int]int
	waiting int
	sales   int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		markers: make(map[string]domain.Completion),
		claimed: make(map[string]bool),
		mirror:  make(map[int]map[int]int),
	}
}

func (f *fakeCache) BeginMessage(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed[id] {
		return false, nil
	}
	f.claimed[id] = true
	f.markers[id] = domain.CompletionPending
	return true, nil
}

func (f *fakeCache) FinishMessage(_ context.Context, id string, committed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if committed {
		f.markers[id] = domain.CompletionSuccess
	} else {
		f.markers[id] = domain.CompletionFailed
	}
	return nil
}

func (f *fakeCache) HasStock(_ context.Context, storeID int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.mirror[storeID]
	return ok, nil
}

func (f *fakeCache) Restock(_ context.Context, storeID int, q map[int]int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.mirror[storeID]
	for id, n := range q {
		s[id] += n
	}
	return nil
}

func (f *fakeCache) Warm(_ context.Context, storeID int, stock map[int]int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(map[int]int, len(stock))
	for id, n := range stock {
		cp[id] = n
	}
	f.mirror[storeID] = cp
	return nil
}

func (f *fakeCache) PushWaiting(_ context.Context, _, _, n int, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waiting += n
	return nil
}

func (f *fakeCache) IncrDailySales(_ context.Context, _, n int, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sales += n
	return nil
}

type fakeBroker struct {
	mu        sync.Mutex
	rollbacks []domain.StockRollback
}

func (f *fakeBroker) Consume(string, int) (<-chan amqp.Delivery, error) {
	return nil, errors.New("not used")
}

func (f *fakeBroker) PublishRollback(_ context.Context, rb domain.StockRollback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks = append(f.rollbacks, rb)
	return nil
}

type fakeNotifications struct {
	mu      sync.Mutex
	notices []string
}

func (f *fakeNotifications) InsertSystem(_ context.Context, userID, title, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, userID+":"+title)
	return nil
}

// --- helpers ---

func newConsumer(orders *fakeOrders, dishes *fakeDishes, cache *fakeCache, broker *fakeBroker, notes *fakeNotifications, kind int) *Consumer {
	return &Consumer{
		Orders:        orders,
		Dishes:        dishes,
		Combos:        fakeCombos{100001: {{BundleID: 100001, DishID: 5, DishNum: 2}}},
		Notifications: notes,
		Cache:         cache,
		Broker:        broker,
		Log:           zerolog.Nop(),
		StrategyKind:  kind,
	}
}

func confirmation(orderID string, need map[int]int) domain.OrderMessage {
	return domain.OrderMessage{
		DishNumMap: need,
		Order: domain.Order{
			ID: orderID, UserID: "u1", StoreID: 1,
			ConsumeType: domain.ConsumePickup,
			Status:      domain.StatusToBePaid,
			IsNew:       true,
			Dishes:      []domain.DishLine{{DishID: 5, DishNum: 3}},
		},
		MessageID: orderID,
	}
}

// --- tests ---

func TestHandleConfirmationCommitsOnce(t *testing.T) {
	orders := newFakeOrders()
	cache := newFakeCache()
	c := newConsumer(orders, &fakeDishes{}, cache, &fakeBroker{}, &fakeNotifications{}, inventory.KindCacheFronted)

	om := confirmation("ORD1", map[int]int{5: 3})
	for i := 0; i < 5; i++ {
		require.NoError(t, c.HandleConfirmation(context.Background(), om))
	}

	assert.Equal(t, 1, orders.commits, "replays are absorbed")
	assert.Equal(t, domain.CompletionSuccess, cache.markers["ORD1"])
	assert.Equal(t, 3, cache.waiting, "one waiting entry per unit")
	assert.Equal(t, 3, cache.sales)
}

func TestHandleConfirmationCommitFailure(t *testing.T) {
	orders := newFakeOrders()
	orders.commitErr = errors.New("deadlock")
	cache := newFakeCache()
	c := newConsumer(orders, &fakeDishes{}, cache, &fakeBroker{}, &fakeNotifications{}, inventory.KindCacheFronted)

	err := c.HandleConfirmation(context.Background(), confirmation("ORD1", map[int]int{5: 3}))
	require.Error(t, err)

	assert.Equal(t, domain.CompletionFailed, cache.markers["ORD1"])
	assert.Equal(t, 0, cache.waiting)
}

func TestHandleRollbackRestocksWarmCache(t *testing.T) {
	cache := newFakeCache()
	cache.mirror[1] = map[int]int{5: 2}
	c := newConsumer(newFakeOrders(), &fakeDishes{}, cache, &fakeBroker{}, &fakeNotifications{}, inventory.KindCacheFronted)

	rb := domain.NewStockRollback(map[int]int{5: 3}, 1)
	require.NoError(t, c.HandleRollback(context.Background(), rb))
	assert.Equal(t, 5, cache.mirror[1][5])
}

func TestHandleRollbackRebuildsColdCache(t *testing.T) {
	cache := newFakeCache()
	dishes := &fakeDishes{stock: map[int]int{5: 9, 7: 4}}
	c := newConsumer(newFakeOrders(), dishes, cache, &fakeBroker{}, &fakeNotifications{}, inventory.KindCacheFronted)

	rb := domain.NewStockRollback(map[int]int{5: 3}, 1)
	require.NoError(t, c.HandleRollback(context.Background(), rb))
	// The durable truth already contains the restored quantities.
	assert.Equal(t, map[int]int{5: 9, 7: 4}, cache.mirror[1])
}

func TestHandleDeadLetterCacheFronted(t *testing.T) {
	orders := newFakeOrders()
	orders.statuses["ORD1"] = domain.StatusToBePaid
	broker := &fakeBroker{}
	notes := &fakeNotifications{}
	dishes := &fakeDishes{}
	c := newConsumer(orders, dishes, newFakeCache(), broker, notes, inventory.KindCacheFronted)

	om := confirmation("ORD1", map[int]int{5: 3})
	require.NoError(t, c.HandleDeadLetter(context.Background(), om))

	assert.Equal(t, domain.StatusCancelled, orders.statuses["ORD1"])
	require.Len(t, broker.rollbacks, 1)
	assert.Equal(t, map[int]int{5: 3}, broker.rollbacks[0].Quantities())
	assert.Empty(t, dishes.credited, "durable stock was never taken")
	assert.Equal(t, []string{"u1:Order cancelled"}, notes.notices)
}

func TestHandleDeadLetterPessimisticRecredits(t *testing.T) {
	orders := newFakeOrders()
	orders.statuses["ORD1"] = domain.StatusToBePaid
	broker := &fakeBroker{}
	dishes := &fakeDishes{}
	c := newConsumer(orders, dishes, newFakeCache(), broker, &fakeNotifications{}, inventory.KindPessimistic)

	// A pessimistic message carries no quantity map; they come from the
	// order's lines, bundles expanded.
	om := domain.OrderMessage{
		Order: domain.Order{
			ID: "ORD1", UserID: "u1", StoreID: 1,
			Status: domain.StatusToBePaid,
			Dishes: []domain.DishLine{{DishID: 100001, DishNum: 2}},
		},
		MessageID: "ORD1",
	}
	require.NoError(t, c.HandleDeadLetter(context.Background(), om))

	assert.Equal(t, map[int]int{5: 4}, dishes.credited)
	require.Len(t, broker.rollbacks, 1)
	assert.Equal(t, map[int]int{5: 4}, broker.rollbacks[0].Quantities())
}

func TestHandleDeadLetterOptimisticNoCompensation(t *testing.T) {
	orders := newFakeOrders()
	orders.statuses["ORD1"] = domain.StatusToBePaid
	broker := &fakeBroker{}
	dishes := &fakeDishes{}
	c := newConsumer(orders, dishes, newFakeCache(), broker, &fakeNotifications{}, inventory.KindOptimistic)

	require.NoError(t, c.HandleDeadLetter(context.Background(), confirmation("ORD1", map[int]int{5: 3})))

	assert.Empty(t, broker.rollbacks, "nothing was reserved")
	assert.Empty(t, dishes.credited)
}

func TestHandleExpiredPaymentCancelsUnpaid(t *testing.T) {
	orders := newFakeOrders()
	orders.statuses["ORD1"] = domain.StatusToBePaid
	orders.orders["ORD1"] = &domain.Order{
		ID: "ORD1", UserID: "u1", StoreID: 1,
		Status: domain.StatusToBePaid,
		Dishes: []domain.DishLine{{DishID: 5, DishNum: 2}},
	}
	broker := &fakeBroker{}
	dishes := &fakeDishes{}
	notes := &fakeNotifications{}
	c := newConsumer(orders, dishes, newFakeCache(), broker, notes, inventory.KindCacheFronted)

	require.NoError(t, c.HandleExpiredPayment(context.Background(), "ORD1"))

	assert.Equal(t, domain.StatusCancelled, orders.statuses["ORD1"])
	assert.Equal(t, map[int]int{5: 2}, dishes.credited)
	require.Len(t, broker.rollbacks, 1)
	assert.Equal(t, []string{"u1:Order expired"}, notes.notices)
}

func TestHandleExpiredPaymentIgnoresPaidOrder(t *testing.T) {
	orders := newFakeOrders()
	orders.statuses["ORD1"] = domain.StatusConfirming
	broker := &fakeBroker{}
	dishes := &fakeDishes{}
	c := newConsumer(orders, dishes, newFakeCache(), broker, &fakeNotifications{}, inventory.KindCacheFronted)

	require.NoError(t, c.HandleExpiredPayment(context.Background(), "ORD1"))

	assert.Equal(t, domain.StatusConfirming, orders.statuses["ORD1"], "payment won the race")
	assert.Empty(t, dishes.credited)
	assert.Empty(t, broker.rollbacks)
}
