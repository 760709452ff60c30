package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Consume types select the fulfilment flow an order walks through.
const (
	ConsumeDineScan     = 0 // scan the table code, eat in
	ConsumeTableService = 1 // book a table, pay a deposit up front
	ConsumePickup       = 2 // order ahead, collect with a fetch code
	ConsumeDelivery     = 3 // delivery
)

// Dish ids at or above this threshold denote bundles (combo dishes) that
// expand into fixed quantities of member dishes at order time.
const BundleIDThreshold = 100000

func IsBundle(dishID int) bool { return dishID >= BundleIDThreshold }

// Order is the durable order entity. Persistence is owned by the repository
// layer; this struct is also the payload carried inside an OrderMessage.
type Order struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	StoreID        int             `json:"storeId"`
	TableID        int             `json:"tableId"`
	ConsumeType    int             `json:"consumeType"`
	Status         int             `json:"status"`
	OriginalPrice  decimal.Decimal `json:"originalPrice"`
	ShopDiscount   decimal.Decimal `json:"shopDiscount"`
	CouponDiscount decimal.Decimal `json:"couponDiscount"`
	PayID          string          `json:"payId,omitempty"`
	FetchCode      string          `json:"fetchCode,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	FinalAt        *time.Time      `json:"finalAt,omitempty"`
	// IsNew distinguishes a first submission from a "continue ordering"
	// round against an order that already exists.
	IsNew  bool       `json:"isNew"`
	Dishes []DishLine `json:"dishOrders"`
}

// DishLine is the wire and at-rest shape of one ordered dish.
type DishLine struct {
	DishID    int             `json:"dishId"`
	DishNum   int             `json:"dishNum"`
	DishPrice decimal.Decimal `json:"dishPrice"`
	UsedCount int             `json:"usedCount"`
	DishName  string          `json:"dishName"`
	// IsAdd marks lines added after the initial submission.
	IsAdd bool `json:"isAdd,omitempty"`
}

// AddedLines returns only the lines flagged as post-submission additions.
func AddedLines(lines []DishLine) []DishLine {
	out := make([]DishLine, 0, len(lines))
	for _, ln := range lines {
		if ln.IsAdd {
			out = append(out, ln)
		}
	}
	return out
}

// Dish is the catalog view of a menu item as the engine needs it.
type Dish struct {
	ID       int             `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Stock    int             `json:"stock"`
	MakeTime int             `json:"makeTime"` // preparation time, minutes
	Discount DiscountPolicy  `json:"discount"`
}

// DiscountPolicy caps how many units of a dish a single user may buy at a
// reduced price. Allowance counts units across all of the user's orders.
type DiscountPolicy struct {
	Allowance int             `json:"count"`
	Rate      decimal.Decimal `json:"rate"` // fraction of the unit price knocked off
}

// Amount is the per-unit saving this policy grants for the given price.
func (p DiscountPolicy) Amount(price decimal.Decimal) decimal.Decimal {
	if p.Rate.IsZero() {
		return decimal.Zero
	}
	return price.Mul(p.Rate)
}

// ComboItem is one member dish of a bundle.
type ComboItem struct {
	BundleID int `json:"comboId"`
	DishID   int `json:"dishId"`
	DishNum  int `json:"dishNum"`
}
