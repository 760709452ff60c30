package cart

import (
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"restaurant-orders/internal/domain"
)

// Line is one dish inside a cart.
type Line struct {
	DishID       int             `json:"id"`
	Price        decimal.Decimal `json:"price"`
	Num          int             `json:"num"`
	DiscountUsed int             `json:"discountUsedCount"`
	Name         string          `json:"name"`
}

// Cart is one user's in-progress order. Lines holds the original order;
// Added holds dishes ordered after the initial submission. Keys are dish ids
// rendered as strings because the cart is returned to clients as JSON.
//
// All mutations of a single cart run under its own mutex; unrelated carts
// never contend.
type Cart struct {
	mu sync.Mutex

	// Totals already committed by a previous submission; what a checkout
	// charges is the running totals net of these.
	basePrice    decimal.Decimal
	baseDiscount decimal.Decimal

	UserID      string           `json:"userId"`
	OrderID     string           `json:"orderId,omitempty"`
	StoreID     int              `json:"storeId"`
	TableID     int              `json:"tableId"`
	ConsumeType int              `json:"consumeType"`
	TotalPrice  decimal.Decimal  `json:"totalPrice"`
	Discount    decimal.Decimal  `json:"discount"`
	LastModify  int64            `json:"lastModify"`
	Locked      bool             `json:"lock"`
	Complete    bool             `json:"complete"`
	Lines       map[string]*Line `json:"dishOrders"`
	Added       map[string]*Line `json:"newDishOrders"`
}

// Snapshot is the client-facing copy of a cart. Handlers marshal snapshots,
// never the live cart, so concurrent edits cannot race the encoder.
type Snapshot struct {
	UserID      string          `json:"userId"`
	OrderID     string          `json:"orderId,omitempty"`
	StoreID     int             `json:"storeId"`
	TableID     int             `json:"tableId"`
	ConsumeType int             `json:"consumeType"`
	TotalPrice  decimal.Decimal `json:"totalPrice"`
	Discount    decimal.Decimal `json:"discount"`
	LastModify  int64           `json:"lastModify"`
	Locked      bool            `json:"lock"`
	Complete    bool            `json:"complete"`
	Lines       map[string]Line `json:"dishOrders"`
	Added       map[string]Line `json:"newDishOrders"`
}

// Snapshot copies the cart's exported state under its mutex.
func (c *Cart) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Cart) snapshotLocked() *Snapshot {
	s := &Snapshot{
		UserID:      c.UserID,
		OrderID:     c.OrderID,
		StoreID:     c.StoreID,
		TableID:     c.TableID,
		ConsumeType: c.ConsumeType,
		TotalPrice:  c.TotalPrice,
		Discount:    c.Discount,
		LastModify:  c.LastModify,
		Locked:      c.Locked,
		Complete:    c.Complete,
		Lines:       make(map[string]Line, len(c.Lines)),
		Added:       make(map[string]Line, len(c.Added)),
	}
	for k, ln := range c.Lines {
		s.Lines[k] = *ln
	}
	for k, ln := range c.Added {
		s.Added[k] = *ln
	}
	return s
}

func newCart(userID string, storeID, tableID int) *Cart {
	return &Cart{
		UserID:      userID,
		StoreID:     storeID,
		TableID:     tableID,
		ConsumeType: -1,
		Lines:       make(map[string]*Line),
		Added:       make(map[string]*Line),
	}
}

func lineKey(dishID int) string { return strconv.Itoa(dishID) }

// activeLines is the mapping edits currently target: additions once the
// original order has been submitted, the original order otherwise.
func (c *Cart) activeLines() map[string]*Line {
	if c.Complete {
		return c.Added
	}
	return c.Lines
}

func (c *Cart) line(dishID int) *Line {
	lines := c.activeLines()
	key := lineKey(dishID)
	ln := lines[key]
	if ln == nil {
		ln = &Line{DishID: dishID}
		lines[key] = ln
	}
	return ln
}

// discountUsed is this cart's discount uses for a dish across both mappings.
func (c *Cart) discountUsed(dishID int) int {
	key := lineKey(dishID)
	n := 0
	if ln := c.Lines[key]; ln != nil {
		n += ln.DiscountUsed
	}
	if ln := c.Added[key]; ln != nil {
		n += ln.DiscountUsed
	}
	return n
}

// dishNum is the total ordered quantity of a dish across both mappings.
func (c *Cart) dishNum(dishID int) int {
	key := lineKey(dishID)
	n := 0
	if ln := c.Lines[key]; ln != nil {
		n += ln.Num
	}
	if ln := c.Added[key]; ln != nil {
		n += ln.Num
	}
	return n
}

// ChargedTotals returns the price and discount this checkout charges, net
// of anything a previous submission already committed. The caller holds the
// cart.
func (c *Cart) ChargedTotals() (price, discount decimal.Decimal) {
	return c.TotalPrice.Sub(c.basePrice), c.Discount.Sub(c.baseDiscount)
}

// DishLines flattens the cart into the wire shape an Order carries, with
// post-submission additions flagged. The caller holds the cart.
func (c *Cart) DishLines() []domain.DishLine {
	out := make([]domain.DishLine, 0, len(c.Lines)+len(c.Added))
	for _, ln := range c.Lines {
		out = append(out, domain.DishLine{
			DishID:    ln.DishID,
			DishNum:   ln.Num,
			DishPrice: ln.Price,
			UsedCount: ln.DiscountUsed,
			DishName:  ln.Name,
		})
	}
	for _, ln := range c.Added {
		out = append(out, domain.DishLine{
			DishID:    ln.DishID,
			DishNum:   ln.Num,
			DishPrice: ln.Price,
			UsedCount: ln.DiscountUsed,
			DishName:  ln.Name,
			IsAdd:     true,
		})
	}
	return out
}
