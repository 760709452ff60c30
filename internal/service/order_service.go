package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"restaurant-orders/internal/cart"
	"restaurant-orders/internal/domain"
	"restaurant-orders/internal/inventory"
	"restaurant-orders/internal/repository"
)

// marginRate is the platform's cut of a table-service order's net price.
var marginRate = decimal.NewFromFloat(0.2)

// PendingPublisher parks an order id until its payment window lapses.
type PendingPublisher interface {
	PublishPending(ctx context.Context, orderID string) error
}

// OrderService drives the ordering flow: cart edits, placement through the
// configured inventory strategy, payment and its cancellation.
type OrderService struct {
	Carts    *cart.Registry
	Strategy inventory.Strategy
	Orders   repository.Orders
	Dishes   repository.Dishes
	Pending  PendingPublisher
	Log      zerolog.Logger
}

// AddDish loads the dish from the catalog and puts one unit into the
// user's cart.
func (s *OrderService) AddDish(ctx context.Context, storeID, tableID int, userID string, dishID int) (*cart.Snapshot, error) {
	dish, err := s.Dishes.DishByID(ctx, dishID)
	if err != nil {
		return nil, err
	}
	return s.Carts.AddDish(ctx, storeID, tableID, userID, dish)
}

// RemoveDish takes one unit of the dish back out of the user's cart.
func (s *OrderService) RemoveDish(ctx context.Context, storeID, tableID int, userID string, dishID int) (*cart.Snapshot, error) {
	dish, err := s.Dishes.DishByID(ctx, dishID)
	if err != nil {
		return nil, err
	}
	return s.Carts.RemoveDish(ctx, storeID, tableID, userID, dish)
}

// PlaceOrder turns the user's cart into an order and hands it to the
// inventory strategy. The cart is consumed on success; a second submission
// of the same cart fails with ErrDuplicateSubmission. An order that starts
// in the to-be-paid status is also parked on the payment-window queue.
func (s *OrderService) PlaceOrder(ctx context.Context, userID string) (inventory.Placement, error) {
	var placement inventory.Placement
	err := s.Carts.Checkout(userID, func(c *cart.Cart) error {
		o := orderFromCart(c)
		p, err := s.Strategy.Place(ctx, o)
		if err != nil {
			return err
		}
		placement = p

		if o.Status == domain.StatusToBePaid && s.Pending != nil {
			if pErr := s.Pending.PublishPending(ctx, o.ID); pErr != nil {
				s.Log.Error().Err(pErr).Str("order_id", o.ID).Msg("failed to park order on payment window")
			}
		}
		return nil
	})
	if err != nil {
		return inventory.Placement{}, err
	}
	return placement, nil
}

func orderFromCart(c *cart.Cart) *domain.Order {
	price, discount := c.ChargedTotals()
	o := &domain.Order{
		UserID:        c.UserID,
		StoreID:       c.StoreID,
		TableID:       c.TableID,
		ConsumeType:   c.ConsumeType,
		Status:        domain.InitialStatus(c.ConsumeType, c.Complete),
		OriginalPrice: price,
		ShopDiscount:  discount,
		IsNew:         !c.Complete,
		Dishes:        c.DishLines(),
	}
	if c.Complete {
		o.ID = c.OrderID
	}
	return o
}

// IsComplete reports the asynchronous confirmation outcome for an order.
func (s *OrderService) IsComplete(ctx context.Context, orderID string) (domain.Completion, error) {
	return s.Strategy.IsComplete(ctx, orderID)
}

// Pay settles an order's payment and advances it along its status path.
// Table-service orders also accrue the platform margin on the net price.
func (s *OrderService) Pay(ctx context.Context, payID string) (*domain.Order, error) {
	orderID, err := s.Orders.OrderIDByPayID(ctx, payID)
	if err != nil {
		return nil, err
	}
	o, err := s.Orders.OrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	next := domain.NextStatus(o.ConsumeType, o.Status)
	rows, err := s.Orders.UpdateStatus(ctx, orderID, o.Status, next)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, fmt.Errorf("order %s moved while paying: %w", orderID, domain.ErrCommitFailed)
	}
	o.Status = next

	if o.ConsumeType == domain.ConsumeTableService {
		net := o.OriginalPrice.Sub(o.ShopDiscount).Sub(o.CouponDiscount)
		if err := s.Orders.InsertMargin(ctx, orderID, o.StoreID, net.Mul(marginRate)); err != nil {
			s.Log.Error().Err(err).Str("order_id", orderID).Msg("failed to record margin")
		}
	}

	s.Log.Info().Str("order_id", orderID).Int("status", o.Status).Msg("payment settled")
	return o, nil
}

// CancelPay backs the order out of the payment screen. The order returns to
// the to-be-paid status and is parked on the payment window again.
func (s *OrderService) CancelPay(ctx context.Context, payID string) error {
	orderID, err := s.Orders.OrderIDByPayID(ctx, payID)
	if err != nil {
		return err
	}
	o, err := s.Orders.OrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != domain.StatusToBePaid {
		if _, err := s.Orders.UpdateStatus(ctx, orderID, o.Status, domain.StatusToBePaid); err != nil {
			return err
		}
	}
	if s.Pending != nil {
		if err := s.Pending.PublishPending(ctx, orderID); err != nil {
			s.Log.Error().Err(err).Str("order_id", orderID).Msg("failed to re-park order on payment window")
		}
	}
	return nil
}

// Advance moves an order one step along its consume-type path, for staff
// transitions such as serving or handing over a fetch-code order.
func (s *OrderService) Advance(ctx context.Context, orderID string) (*domain.Order, error) {
	o, err := s.Orders.OrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	next := domain.NextStatus(o.ConsumeType, o.Status)
	if next == o.Status {
		return o, nil
	}
	rows, err := s.Orders.UpdateStatus(ctx, orderID, o.Status, next)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, fmt.Errorf("order %s moved while advancing: %w", orderID, domain.ErrCommitFailed)
	}
	o.Status = next
	if next == domain.StatusCompleted {
		if err := s.Orders.UpdateFinalTime(ctx, orderID, time.Now()); err != nil {
			s.Log.Error().Err(err).Str("order_id", orderID).Msg("failed to stamp final time")
		}
	}
	return o, nil
}

// ResumeOrder rebuilds a cart from a placed order so the user can keep
// adding dishes to it.
func (s *OrderService) ResumeOrder(ctx context.Context, orderID string) (*cart.Snapshot, error) {
	o, err := s.Orders.OrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	c := cart.MaterializeFromOrder(o)
	s.Carts.Put(c)
	return c.Snapshot(), nil
}
