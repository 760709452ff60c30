package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"restaurant-orders/internal/domain"
)

// The persistence collaborator, specified by the operations the engine
// consumes. Implementations live in this package over pgx; tests substitute
// in-memory fakes.

type Dishes interface {
	// DishByID returns a dish's catalog data with its discount policy.
	DishByID(ctx context.Context, dishID int) (domain.Dish, error)
	// DeductStock is the conditional update `stock = stock - n WHERE stock >= n`;
	// it returns the number of affected rows, zero meaning shortfall.
	DeductStock(ctx context.Context, storeID, dishID, n int) (int64, error)
	// AddStock re-credits stock, compensating an earlier deduction.
	AddStock(ctx context.Context, storeID, dishID, n int) error
	// StockFor returns a store's full dish-id to stock mapping.
	StockFor(ctx context.Context, storeID int) (map[int]int, error)
	// PrepTimes returns preparation minutes for every dish.
	PrepTimes(ctx context.Context) (map[int]int, error)
}

type Combos interface {
	// Items resolves a bundle into its member dishes and quantities.
	Items(ctx context.Context, bundleID int) ([]domain.ComboItem, error)
}

type Stores interface {
	StoreIDs(ctx context.Context) ([]int, error)
}

type Orders interface {
	OrderByID(ctx context.Context, orderID string) (*domain.Order, error)
	OrderIDByPayID(ctx context.Context, payID string) (string, error)
	// UpdateStatus moves the order from one status to another and reports
	// how many rows matched, so stale transitions can be detected.
	UpdateStatus(ctx context.Context, orderID string, from, to int) (int64, error)
	UpdateFinalTime(ctx context.Context, orderID string, at time.Time) error
	InsertMargin(ctx context.Context, orderID string, storeID int, amount decimal.Decimal) error
	// CommitOrder is the confirmation consumer's all-or-nothing unit of
	// work; every durable step inside runs in one transaction.
	CommitOrder(ctx context.Context, om domain.OrderMessage) error
}

type Users interface {
	UsedDiscountCount(ctx context.Context, userID string, dishID int) (int, error)
}

type Notifications interface {
	// InsertSystem stores a system notice for the user and bumps their
	// unread counter.
	InsertSystem(ctx context.Context, userID, title, body string) error
}
