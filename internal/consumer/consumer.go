package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"restaurant-orders/internal/connections/rabbitmq"
	"restaurant-orders/internal/domain"
	"restaurant-orders/internal/inventory"
	"restaurant-orders/internal/repository"
)

var (
	ErrRequeue = errors.New("requeue")     // nack(requeue=true)
	ErrDLQ     = errors.New("dead_letter") // nack(requeue=false)
)

// Broker is the queue surface the consumer needs.
type Broker interface {
	Consume(queue string, prefetch int) (<-chan amqp.Delivery, error)
	PublishRollback(ctx context.Context, rb domain.StockRollback) error
}

// Cache is the redis surface the consumer needs.
type Cache interface {
	BeginMessage(ctx context.Context, messageID string) (bool, error)
	FinishMessage(ctx context.Context, messageID string, committed bool) error
	HasStock(ctx context.Context, storeID int) (bool, error)
	Restock(ctx context.Context, storeID int, quantities map[int]int) error
	Warm(ctx context.Context, storeID int, stock map[int]int) error
	PushWaiting(ctx context.Context, storeID, dishID, n int, at time.Time) error
	IncrDailySales(ctx context.Context, storeID, n int, day time.Time) error
}

// Consumer drains the confirmation, rollback, dead-letter and cancel queues.
// StrategyKind tells it which placement strategy feeds it, which decides
// what a dead letter has to compensate.
type Consumer struct {
	Orders        repository.Orders
	Dishes        repository.Dishes
	Combos        repository.Combos
	Notifications repository.Notifications
	Cache         Cache
	Broker        Broker
	Log           zerolog.Logger
	StrategyKind  int
	Workers       int
	Prefetch      int
	Now           func() time.Time
}

func (c *Consumer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Run consumes all four queues until the context ends.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	workers := c.Workers
	if workers <= 0 {
		workers = 1
	}
	confirmMsgs, err := c.Broker.Consume(rabbitmq.ConfirmQueue, c.Prefetch)
	if err != nil {
		return err
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error { return c.drain(ctx, confirmMsgs, c.processConfirmation) })
	}

	for _, q := range []struct {
		name    string
		process func(context.Context, amqp.Delivery) error
	}{
		{rabbitmq.RollbackQueue, c.processRollback},
		{rabbitmq.DeadQueue, c.processDeadLetter},
		{rabbitmq.CancelQueue, c.processCancel},
	} {
		msgs, err := c.Broker.Consume(q.name, 1)
		if err != nil {
			return err
		}
		process := q.process
		g.Go(func() error { return c.drain(ctx, msgs, process) })
	}

	return g.Wait()
}

func (c *Consumer) drain(ctx context.Context, msgs <-chan amqp.Delivery, process func(context.Context, amqp.Delivery) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			err := process(ctx, d)
			switch {
			case err == nil:
				_ = d.Ack(false)
			case errors.Is(err, ErrRequeue):
				_ = d.Nack(false, true)
			default:
				c.Log.Error().Err(err).Str("routing_key", d.RoutingKey).Msg("message failed")
				_ = d.Nack(false, false)
			}
		}
	}
}

func (c *Consumer) processConfirmation(ctx context.Context, d amqp.Delivery) error {
	var om domain.OrderMessage
	if err := json.Unmarshal(d.Body, &om); err != nil {
		return fmt.Errorf("undecodable confirmation: %w", err)
	}
	return c.HandleConfirmation(ctx, om)
}

// HandleConfirmation commits one order message exactly once. A replayed
// message is acknowledged without effect; a failed commit marks the order
// failed and lets the broker dead-letter the delivery.
func (c *Consumer) HandleConfirmation(ctx context.Context, om domain.OrderMessage) error {
	first, err := c.Cache.BeginMessage(ctx, om.MessageID)
	if err != nil {
		return fmt.Errorf("failed to claim message %s: %w", om.MessageID, ErrRequeue)
	}
	if !first {
		c.Log.Debug().Str("message_id", om.MessageID).Msg("duplicate confirmation skipped")
		return nil
	}

	if err := c.Orders.CommitOrder(ctx, om); err != nil {
		if fErr := c.Cache.FinishMessage(ctx, om.MessageID, false); fErr != nil {
			c.Log.Error().Err(fErr).Str("message_id", om.MessageID).Msg("failed to record failed completion")
		}
		return fmt.Errorf("failed to commit order %s: %w", om.Order.ID, err)
	}
	if err := c.Cache.FinishMessage(ctx, om.MessageID, true); err != nil {
		c.Log.Error().Err(err).Str("message_id", om.MessageID).Msg("failed to record completion")
	}

	need, err := c.needOf(ctx, om)
	if err != nil {
		c.Log.Error().Err(err).Str("order_id", om.Order.ID).Msg("failed to expand committed order")
		return nil
	}
	now := c.now()
	total := 0
	for id, n := range need {
		total += n
		if err := c.Cache.PushWaiting(ctx, om.Order.StoreID, id, n, now); err != nil {
			c.Log.Warn().Err(err).Int("dish_id", id).Msg("failed to enqueue waiting entry")
		}
	}
	if err := c.Cache.IncrDailySales(ctx, om.Order.StoreID, total, now); err != nil {
		c.Log.Warn().Err(err).Int("store_id", om.Order.StoreID).Msg("failed to bump daily sales")
	}

	c.Log.Info().Str("order_id", om.Order.ID).Int("store_id", om.Order.StoreID).Msg("order confirmed")
	return nil
}

// needOf recovers the per-dish quantities of a message, expanding bundles
// when the placing strategy already settled stock and sent no map.
func (c *Consumer) needOf(ctx context.Context, om domain.OrderMessage) (map[int]int, error) {
	if om.DishNumMap != nil {
		return om.DishNumMap, nil
	}
	need := make(map[int]int, len(om.Order.Dishes))
	for _, ln := range om.Order.Dishes {
		if !domain.IsBundle(ln.DishID) {
			need[ln.DishID] += ln.DishNum
			continue
		}
		items, err := c.Combos.Items(ctx, ln.DishID)
		if err != nil {
			return nil, fmt.Errorf("failed to expand bundle %d: %w", ln.DishID, err)
		}
		for _, it := range items {
			need[it.DishID] += it.DishNum * ln.DishNum
		}
	}
	return need, nil
}

func (c *Consumer) processRollback(ctx context.Context, d amqp.Delivery) error {
	var rb domain.StockRollback
	if err := json.Unmarshal(d.Body, &rb); err != nil {
		return fmt.Errorf("undecodable rollback: %w", err)
	}
	return c.HandleRollback(ctx, rb)
}

// HandleRollback restores cached stock. When the cache for the store is
// gone the restoration is moot; it is rebuilt from the durable truth
// instead, which already contains the restored quantities.
func (c *Consumer) HandleRollback(ctx context.Context, rb domain.StockRollback) error {
	storeID := rb.StoreID()
	ok, err := c.Cache.HasStock(ctx, storeID)
	if err != nil {
		return fmt.Errorf("failed to probe stock cache: %w", ErrRequeue)
	}
	if ok {
		if err := c.Cache.Restock(ctx, storeID, rb.Quantities()); err != nil {
			return fmt.Errorf("failed to restock cache: %w", ErrRequeue)
		}
		return nil
	}
	stock, err := c.Dishes.StockFor(ctx, storeID)
	if err != nil {
		return fmt.Errorf("failed to load stock for rebuild: %w", ErrRequeue)
	}
	if err := c.Cache.Warm(ctx, storeID, stock); err != nil {
		return fmt.Errorf("failed to rebuild stock cache: %w", ErrRequeue)
	}
	return nil
}

func (c *Consumer) processDeadLetter(ctx context.Context, d amqp.Delivery) error {
	var om domain.OrderMessage
	if err := json.Unmarshal(d.Body, &om); err != nil {
		return fmt.Errorf("undecodable dead letter: %w", err)
	}
	return c.HandleDeadLetter(ctx, om)
}

// HandleDeadLetter settles an order whose confirmation failed for good:
// the order is cancelled, any stock the placing strategy reserved is
// given back, and the user is told.
func (c *Consumer) HandleDeadLetter(ctx context.Context, om domain.OrderMessage) error {
	o := om.Order
	if _, err := c.Orders.UpdateStatus(ctx, o.ID, o.Status, domain.StatusCancelled); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", o.ID, err)
	}

	need, err := c.needOf(ctx, om)
	if err != nil {
		return err
	}

	switch c.StrategyKind {
	case inventory.KindPessimistic:
		// Durable stock was settled at placement; give it back directly.
		for id, n := range need {
			if err := c.Dishes.AddStock(ctx, o.StoreID, id, n); err != nil {
				c.Log.Error().Err(err).Int("dish_id", id).Msg("failed to re-credit stock for dead order")
			}
		}
		fallthrough
	case inventory.KindCacheFronted:
		if err := c.Broker.PublishRollback(ctx, domain.NewStockRollback(need, o.StoreID)); err != nil {
			c.Log.Error().Err(err).Str("order_id", o.ID).Msg("failed to publish cache rollback for dead order")
		}
	}

	if err := c.Notifications.InsertSystem(ctx, o.UserID,
		"Order cancelled",
		fmt.Sprintf("Your order %s could not be confirmed and has been cancelled.", o.ID)); err != nil {
		c.Log.Error().Err(err).Str("order_id", o.ID).Msg("failed to notify user of dead order")
	}

	c.Log.Warn().Str("order_id", o.ID).Msg("dead-lettered order cancelled")
	return nil
}

func (c *Consumer) processCancel(ctx context.Context, d amqp.Delivery) error {
	return c.HandleExpiredPayment(ctx, string(d.Body))
}

// HandleExpiredPayment cancels an order whose payment window lapsed. The
// compare-and-swap keeps a racing payment safe: once the order left the
// to-be-paid status the expiry is a no-op.
func (c *Consumer) HandleExpiredPayment(ctx context.Context, orderID string) error {
	rows, err := c.Orders.UpdateStatus(ctx, orderID, domain.StatusToBePaid, domain.StatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to expire order %s: %w", orderID, err)
	}
	if rows == 0 {
		return nil
	}

	o, err := c.Orders.OrderByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load expired order %s: %w", orderID, err)
	}
	om := domain.OrderMessage{Order: *o, MessageID: o.ID}
	need, err := c.needOf(ctx, om)
	if err != nil {
		return err
	}
	for id, n := range need {
		if err := c.Dishes.AddStock(ctx, o.StoreID, id, n); err != nil {
			c.Log.Error().Err(err).Int("dish_id", id).Msg("failed to re-credit stock for expired order")
		}
	}
	if err := c.Broker.PublishRollback(ctx, domain.NewStockRollback(need, o.StoreID)); err != nil {
		c.Log.Error().Err(err).Str("order_id", orderID).Msg("failed to publish cache rollback for expired order")
	}

	if err := c.Notifications.InsertSystem(ctx, o.UserID,
		"Order expired",
		fmt.Sprintf("Your order %s was not paid in time and has been cancelled.", orderID)); err != nil {
		c.Log.Error().Err(err).Str("order_id", orderID).Msg("failed to notify user of expired order")
	}

	c.Log.Info().Str("order_id", orderID).Msg("unpaid order expired")
	return nil
}
