package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"restaurant-orders/internal/config"
	"restaurant-orders/internal/domain"
)

const (
	OrdersExchange = "orders.direct"
	DeadExchange   = "orders.dlx"

	ConfirmQueue  = "order.confirm.q"
	RollbackQueue = "stock.rollback.q"
	DeadQueue     = "order.dead.q"
	CancelQueue   = "order.cancel.q"
	PendingQueue  = "order.pending.q"

	confirmKey  = "order.confirm"
	rollbackKey = "stock.rollback"
	deadKey     = "order.dead"
	cancelKey   = "order.cancel"
	pendingKey  = "order.pending"
)

type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	acks <-chan amqp.Confirmation
	mu   sync.Mutex // serializes Publish while confirms are on
}

func (c *Client) Channel() *amqp.Channel { return c.ch }

func (c *Client) Close() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func Dial(cfg config.RabbitMQConfig) (*Client, error) {
	if cfg.VHost == "" {
		cfg.VHost = "/"
	}
	url := fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.VHost)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	acks := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	return &Client{conn: conn, ch: ch, acks: acks}, nil
}

func (c *Client) Ping() error {
	if c.conn == nil || c.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

// DeclareTopology sets up the exchanges and queues the order pipeline uses.
// Poisoned confirmations dead-letter into the dead queue; pending-payment
// messages expire after paymentWindow and land on the cancel queue.
func (c *Client) DeclareTopology(paymentWindow time.Duration) error {
	if err := c.ch.ExchangeDeclare(OrdersExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", OrdersExchange, err)
	}
	if err := c.ch.ExchangeDeclare(DeadExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", DeadExchange, err)
	}

	queues := []struct {
		name     string
		exchange string
		key      string
		args     amqp.Table
	}{
		{ConfirmQueue, OrdersExchange, confirmKey, amqp.Table{
			"x-dead-letter-exchange":    DeadExchange,
			"x-dead-letter-routing-key": deadKey,
		}},
		{RollbackQueue, OrdersExchange, rollbackKey, nil},
		{CancelQueue, OrdersExchange, cancelKey, nil},
		{PendingQueue, OrdersExchange, pendingKey, amqp.Table{
			"x-message-ttl":             paymentWindow.Milliseconds(),
			"x-dead-letter-exchange":    OrdersExchange,
			"x-dead-letter-routing-key": cancelKey,
		}},
		{DeadQueue, DeadExchange, deadKey, nil},
	}

	for _, q := range queues {
		if _, err := c.ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.name, err)
		}
		if err := c.ch.QueueBind(q.name, q.key, q.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", q.name, err)
		}
	}
	return nil
}

// Publish sends a message and waits for the broker ack.
func (c *Client) Publish(ctx context.Context, exchange, key string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ch.PublishWithContext(
		ctx,
		exchange,
		key,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Timestamp:    time.Now(),
			Body:         body,
		},
	); err != nil {
		return err
	}

	select {
	case conf := <-c.acks:
		if conf.Ack {
			return nil
		}
		return errors.New("publish NACK from broker")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) PublishConfirm(ctx context.Context, om domain.OrderMessage) error {
	body, err := json.Marshal(om)
	if err != nil {
		return fmt.Errorf("failed to marshal order message: %w", err)
	}
	return c.Publish(ctx, OrdersExchange, confirmKey, body)
}

func (c *Client) PublishRollback(ctx context.Context, rb domain.StockRollback) error {
	body, err := json.Marshal(rb)
	if err != nil {
		return fmt.Errorf("failed to marshal rollback message: %w", err)
	}
	return c.Publish(ctx, OrdersExchange, rollbackKey, body)
}

// PublishPending parks an order id on the payment-window queue; if the
// order is still unpaid when the message expires it arrives on the
// cancel queue.
func (c *Client) PublishPending(ctx context.Context, orderID string) error {
	return c.Publish(ctx, OrdersExchange, pendingKey, []byte(orderID))
}

// Consume opens a delivery stream with manual acks and the given prefetch.
func (c *Client) Consume(queue string, prefetch int) (<-chan amqp.Delivery, error) {
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}
	deliveries, err := c.ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume from %s: %w", queue, err)
	}
	return deliveries, nil
}
