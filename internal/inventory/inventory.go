package inventory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"restaurant-orders/internal/domain"
	"restaurant-orders/internal/repository"
)

// Strategy kinds, selectable per deployment.
const (
	KindCacheFronted = 0
	KindOptimistic   = 1
	KindPessimistic  = 2
	KindSerialized   = 3
)

// Placement is what the caller gets back once an order has been accepted
// for confirmation.
type Placement struct {
	OrderID string
	PayID   string
}

// Strategy decides how stock is checked and reserved at placement time.
// Place accepts an order whose Dishes are fully populated; for a
// resubmission (IsNew false) only the added lines are charged.
type Strategy interface {
	Place(ctx context.Context, o *domain.Order) (Placement, error)
	IsComplete(ctx context.Context, orderID string) (domain.Completion, error)
}

// Publisher is the broker surface the strategies need.
type Publisher interface {
	PublishConfirm(ctx context.Context, om domain.OrderMessage) error
	PublishRollback(ctx context.Context, rb domain.StockRollback) error
}

// StockCache is the cache surface the strategies need.
type StockCache interface {
	Sufficient(ctx context.Context, storeID int, need map[int]int) (bool, error)
	Deduct(ctx context.Context, storeID int, need map[int]int) error
	Restock(ctx context.Context, storeID int, quantities map[int]int) error
	HasStock(ctx context.Context, storeID int) (bool, error)
	Warm(ctx context.Context, storeID int, stock map[int]int) error
	FinishMessage(ctx context.Context, messageID string, committed bool) error
	Completion(ctx context.Context, messageID string) (domain.Completion, error)
	PushWaiting(ctx context.Context, storeID, dishID, n int, at time.Time) error
	IncrDailySales(ctx context.Context, storeID, n int, day time.Time) error
}

type Deps struct {
	Dishes repository.Dishes
	Combos repository.Combos
	Orders repository.Orders
	Cache  StockCache
	Pub    Publisher
	Log    zerolog.Logger
	Now    func() time.Time
}

// Select returns the strategy for the configured kind. Unknown kinds fall
// back to optimistic.
func Select(kind int, d Deps) Strategy {
	if d.Now == nil {
		d.Now = time.Now
	}
	b := base{d}
	switch kind {
	case KindCacheFronted:
		return &cacheFronted{base: b}
	case KindPessimistic:
		return &pessimistic{base: b, locks: make(map[lockKey]chan struct{})}
	case KindSerialized:
		return &serialized{base: b}
	default:
		return &optimistic{base: b}
	}
}

type base struct {
	Deps
}

// IsComplete reads the confirmation marker; an expired or absent marker
// reports pending.
func (b base) IsComplete(ctx context.Context, orderID string) (domain.Completion, error) {
	return b.Cache.Completion(ctx, orderID)
}

// chargedLines returns the lines this placement pays for: everything for a
// fresh order, only the additions for a resubmission.
func chargedLines(o *domain.Order) []domain.DishLine {
	if o.IsNew {
		return o.Dishes
	}
	return domain.AddedLines(o.Dishes)
}

// needFor expands the charged lines into per-dish quantities, resolving
// bundles into their member dishes.
func (b base) needFor(ctx context.Context, lines []domain.DishLine) (map[int]int, error) {
	need := make(map[int]int, len(lines))
	for _, ln := range lines {
		if !domain.IsBundle(ln.DishID) {
			need[ln.DishID] += ln.DishNum
			continue
		}
		items, err := b.Combos.Items(ctx, ln.DishID)
		if err != nil {
			return nil, fmt.Errorf("failed to expand bundle %d: %w", ln.DishID, err)
		}
		for _, it := range items {
			need[it.DishID] += it.DishNum * ln.DishNum
		}
	}
	return need, nil
}

// stamp assigns the identifiers a fresh order carries out of placement.
func (b base) stamp(o *domain.Order) {
	now := b.Now()
	o.ID = strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	o.PayID = strings.ReplaceAll(uuid.NewString(), "-", "")
	o.CreatedAt = now
	if o.ConsumeType == domain.ConsumePickup {
		o.FetchCode = strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 32))
	}
}

// messageOrder shapes the order as it travels on the wire: a resubmission
// carries only its added lines and re-enters confirmation.
func messageOrder(o *domain.Order, lines []domain.DishLine) domain.Order {
	mo := *o
	mo.Dishes = lines
	if !o.IsNew {
		mo.Status = domain.StatusConfirming
	}
	return mo
}
