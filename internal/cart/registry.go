package cart

import (
	"context"
	"fmt"
	"sync"
	"time"

	"restaurant-orders/internal/domain"
)

// idleWindow is how long a cart may sit unmodified before its table lock is
// released on the next occupancy check.
const idleWindow = 60 * time.Minute

// RemovalRejected is the LastModify sentinel returned when a user tries to
// remove an already-submitted line while adding to a placed order.
const RemovalRejected = -1

// UsedDiscountSource reports how many discount uses a user has already
// recorded in persistent storage for a dish.
type UsedDiscountSource interface {
	UsedDiscountCount(ctx context.Context, userID string, dishID int) (int, error)
}

// Registry holds the active carts, keyed by user id, and owns table
// occupancy. It is constructed at service start and injected wherever carts
// are needed. The registry mutex guards only the map and the occupancy
// check-and-insert; cart edits run under the individual cart's mutex.
type Registry struct {
	mu    sync.Mutex
	carts map[string]*Cart
	uses  UsedDiscountSource
	now   func() time.Time
}

func NewRegistry(uses UsedDiscountSource) *Registry {
	return &Registry{
		carts: make(map[string]*Cart),
		uses:  uses,
		now:   time.Now,
	}
}

// Get returns the user's active cart, or nil.
func (r *Registry) Get(userID string) *Cart {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.carts[userID]
}

// Put registers a cart for its user, replacing any existing one.
func (r *Registry) Put(c *Cart) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.carts[c.UserID] = c
}

// GetOrCreate returns the user's cart, creating one if absent. Creation for
// a table-bound session is atomic with the occupancy check: if another cart
// already holds (storeID, tableID) the call fails with ErrTableOccupied,
// otherwise the table is locked to this user.
func (r *Registry) GetOrCreate(storeID, tableID int, userID string) (*Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c := r.carts[userID]; c != nil {
		return c, nil
	}
	if tableID != -1 {
		for uid, c := range r.carts {
			if uid != userID && c.StoreID == storeID && c.TableID == tableID && c.Locked {
				return nil, fmt.Errorf("table %d at store %d: %w", tableID, storeID, domain.ErrTableOccupied)
			}
		}
	}
	c := newCart(userID, storeID, tableID)
	c.Locked = tableID != -1
	r.carts[userID] = c
	return c, nil
}

// AddDish puts one unit of a dish into the user's cart.
//
// Discount rule: with usedSoFar = this cart's uses for the dish plus the
// uses already persisted for (user, dish), a plain dish gets the discount
// only while usedSoFar is below the dish's allowance. Bundles are exempt
// from the allowance and are discounted whenever the dish defines one.
func (r *Registry) AddDish(ctx context.Context, storeID, tableID int, userID string, dish domain.Dish) (*Snapshot, error) {
	c, err := r.GetOrCreate(storeID, tableID, userID)
	if err != nil {
		return nil, err
	}

	prior, err := r.uses.UsedDiscountCount(ctx, userID, dish.ID)
	if err != nil {
		return nil, fmt.Errorf("look up used discounts for %q dish %d: %w", userID, dish.ID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastModify = r.now().UnixMilli()

	ln := c.line(dish.ID)
	rest := dish.Discount.Allowance - c.discountUsed(dish.ID) - prior
	if domain.IsBundle(dish.ID) {
		if amt := dish.Discount.Amount(dish.Price); amt.IsPositive() {
			c.Discount = c.Discount.Add(amt)
		}
	} else if rest > 0 {
		c.Discount = c.Discount.Add(dish.Discount.Amount(dish.Price))
		ln.DiscountUsed++
	}
	ln.Price = dish.Price
	ln.Name = dish.Name
	ln.Num++
	c.TotalPrice = c.TotalPrice.Add(dish.Price)
	return c.snapshotLocked(), nil
}

// RemoveDish takes one unit of a dish back out, reversing exactly the price
// and discount bookkeeping AddDish performed.
//
// If the cart is already submitted and the dish has no quantity among the
// additions, the removal is rejected: the cart is returned with LastModify
// set to RemovalRejected and nothing changes; callers surface that as a
// user-facing notice, not an error.
func (r *Registry) RemoveDish(ctx context.Context, storeID, tableID int, userID string, dish domain.Dish) (*Snapshot, error) {
	c := r.Get(userID)
	if c == nil {
		return nil, domain.ErrDuplicateSubmission
	}

	prior, err := r.uses.UsedDiscountCount(ctx, userID, dish.ID)
	if err != nil {
		return nil, fmt.Errorf("look up used discounts for %q dish %d: %w", userID, dish.ID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Complete {
		key := lineKey(dish.ID)
		if ln := c.Added[key]; ln == nil || ln.Num <= 0 {
			// Submitted lines may already be on the stove; clients may not
			// cancel them here.
			c.LastModify = RemovalRejected
			return c.snapshotLocked(), nil
		}
	} else if ln := c.Lines[lineKey(dish.ID)]; ln == nil || ln.Num <= 0 {
		// Nothing of this dish in the cart; quantities never go negative.
		return c.snapshotLocked(), nil
	}
	c.LastModify = r.now().UnixMilli()

	ln := c.line(dish.ID)
	// Uses still available before this shopping session started.
	free := dish.Discount.Allowance - prior
	num := c.dishNum(dish.ID)
	if domain.IsBundle(dish.ID) {
		if amt := dish.Discount.Amount(dish.Price); amt.IsPositive() {
			c.Discount = c.Discount.Sub(amt)
		}
	} else if free >= num {
		// Only when every ordered unit enjoyed the discount does removing
		// one give a discounted unit back.
		ln.DiscountUsed--
		c.Discount = c.Discount.Sub(dish.Discount.Amount(dish.Price))
	}
	ln.Num--
	c.TotalPrice = c.TotalPrice.Sub(dish.Price)
	return c.snapshotLocked(), nil
}

// SetConsumeType records the flow the user picked for this session.
func (r *Registry) SetConsumeType(userID string, consumeType int) {
	if c := r.Get(userID); c != nil {
		c.mu.Lock()
		c.ConsumeType = consumeType
		c.mu.Unlock()
	}
}

// Release drops the user's cart and with it any table occupancy.
func (r *Registry) Release(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.carts, userID)
}

// IsOccupied reports whether (storeID, tableID) is held by a cart belonging
// to someone other than requesterID. A cart idle beyond the inactivity
// window is auto-released first and the table reported free.
func (r *Registry) IsOccupied(storeID, tableID int, requesterID string) bool {
	if tableID == -1 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, c := range r.carts {
		if c.StoreID != storeID || c.TableID != tableID {
			continue
		}
		if uid == requesterID {
			return false
		}
		if r.now().UnixMilli()-c.LastModify >= idleWindow.Milliseconds() {
			delete(r.carts, uid)
			return false
		}
		return c.Locked
	}
	return false
}

// Checkout runs place against the user's cart and removes the cart on
// success, serialized with concurrent edits to the same cart. A missing
// cart means the order was already placed.
func (r *Registry) Checkout(userID string, place func(*Cart) error) error {
	c := r.Get(userID)
	if c == nil {
		return domain.ErrDuplicateSubmission
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.Get(userID) != c {
		return domain.ErrDuplicateSubmission
	}
	if err := place(c); err != nil {
		return err
	}
	r.Release(userID)
	return nil
}

// MaterializeFromOrder rebuilds a cart from a placed order so the user can
// keep ordering against it. The rebuilt cart is marked complete and locked,
// and is stamped as freshly touched so the idle sweep does not free its table.
func MaterializeFromOrder(o *domain.Order) *Cart {
	c := newCart(o.UserID, o.StoreID, o.TableID)
	c.Complete = true
	c.Locked = true
	c.LastModify = time.Now().UnixMilli()
	c.OrderID = o.ID
	c.ConsumeType = o.ConsumeType
	c.TotalPrice = o.OriginalPrice
	c.Discount = o.ShopDiscount
	c.basePrice = o.OriginalPrice
	c.baseDiscount = o.ShopDiscount
	for _, dl := range o.Dishes {
		c.Lines[lineKey(dl.DishID)] = &Line{
			DishID:       dl.DishID,
			Price:        dl.DishPrice,
			Num:          dl.DishNum,
			DiscountUsed: dl.UsedCount,
			Name:         dl.DishName,
		}
	}
	return c
}
