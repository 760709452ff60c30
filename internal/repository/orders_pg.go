package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"restaurant-orders/internal/domain"
)

// newOrderPoints is the membership credit every newly committed order earns.
const newOrderPoints = 5

type ordersPG struct {
	db *pgxpool.Pool
}

func NewOrdersPG(db *pgxpool.Pool) Orders { return &ordersPG{db: db} }

func (r *ordersPG) OrderByID(ctx context.Context, orderID string) (*domain.Order, error) {
	var (
		o        domain.Order
		orig     string
		shop     string
		coupon   string
		fetch    *string
		finalAt  *time.Time
	)
	err := r.db.QueryRow(ctx,
		`SELECT o.id, o.user_id, o.store_id, o.table_id, o.consume_type, o.status,
		        o.original_price::text, o.shop_discount::text, o.coupon_discount::text,
		        o.pay_id, o.created_at, o.final_at, f.code
		 FROM orders o
		 LEFT JOIN fetch_code f ON f.order_id = o.id
		 WHERE o.id=$1`, orderID,
	).Scan(&o.ID, &o.UserID, &o.StoreID, &o.TableID, &o.ConsumeType, &o.Status,
		&orig, &shop, &coupon, &o.PayID, &o.CreatedAt, &finalAt, &fetch)
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s: %w", orderID, err)
	}
	if o.OriginalPrice, err = decimal.NewFromString(orig); err != nil {
		return nil, fmt.Errorf("failed to parse original price: %w", err)
	}
	if o.ShopDiscount, err = decimal.NewFromString(shop); err != nil {
		return nil, fmt.Errorf("failed to parse shop discount: %w", err)
	}
	if o.CouponDiscount, err = decimal.NewFromString(coupon); err != nil {
		return nil, fmt.Errorf("failed to parse coupon discount: %w", err)
	}
	o.FinalAt = finalAt
	if fetch != nil {
		o.FetchCode = *fetch
	}

	rows, err := r.db.Query(ctx,
		`SELECT od.dish_id, od.dish_num, od.dish_price::text, od.used_count, od.is_addition, d.name
		 FROM order_dish od JOIN dish d ON d.id = od.dish_id
		 WHERE od.order_id=$1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order %s lines: %w", orderID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ln    domain.DishLine
			price string
		)
		if err := rows.Scan(&ln.DishID, &ln.DishNum, &price, &ln.UsedCount, &ln.IsAdd, &ln.DishName); err != nil {
			return nil, fmt.Errorf("failed to scan order line: %w", err)
		}
		if ln.DishPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("failed to parse line price: %w", err)
		}
		o.Dishes = append(o.Dishes, ln)
	}
	return &o, rows.Err()
}

func (r *ordersPG) OrderIDByPayID(ctx context.Context, payID string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx,
		`SELECT id FROM orders WHERE pay_id=$1`, payID).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to resolve payment %s: %w", payID, err)
	}
	return id, nil
}

// UpdateStatus moves an order to the given status only if it still holds the
// expected one, so stale cancel and confirm messages cannot clobber each other.
func (r *ordersPG) UpdateStatus(ctx context.Context, orderID string, from, to int) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE orders SET status=$3 WHERE id=$1 AND status=$2`, orderID, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to update status of order %s: %w", orderID, err)
	}
	return tag.RowsAffected(), nil
}

func (r *ordersPG) UpdateFinalTime(ctx context.Context, orderID string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE orders SET final_at=$2 WHERE id=$1`, orderID, at)
	if err != nil {
		return fmt.Errorf("failed to stamp final time of order %s: %w", orderID, err)
	}
	return nil
}

func (r *ordersPG) InsertMargin(ctx context.Context, orderID string, storeID int, amount decimal.Decimal) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO store_margin (order_id, store_id, amount, created_at) VALUES ($1,$2,$3,$4)`,
		orderID, storeID, amount, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record margin for order %s: %w", orderID, err)
	}
	return nil
}

// CommitOrder applies a confirmation message as a single transaction: the
// optional durable stock deduction, the order row with its payment record,
// the per-line records with their discount usage, the dish sales counters
// and the membership points a new order earns. Any failure rolls the whole
// message back.
func (r *ordersPG) CommitOrder(ctx context.Context, om domain.OrderMessage) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin commit transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	o := om.Order
	if om.DishNumMap != nil {
		if err := deductInTx(ctx, tx, o.StoreID, om.DishNumMap); err != nil {
			return err
		}
	}

	if o.IsNew {
		_, err = tx.Exec(ctx,
			`INSERT INTO orders (id, user_id, store_id, table_id, consume_type, status,
			                     original_price, shop_discount, coupon_discount, pay_id, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			o.ID, o.UserID, o.StoreID, o.TableID, o.ConsumeType, o.Status,
			o.OriginalPrice, o.ShopDiscount, o.CouponDiscount, o.PayID, o.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert order %s: %w", o.ID, err)
		}
		if o.ConsumeType == domain.ConsumePickup {
			_, err = tx.Exec(ctx,
				`INSERT INTO fetch_code (order_id, code) VALUES ($1,$2)`, o.ID, o.FetchCode)
			if err != nil {
				return fmt.Errorf("failed to insert fetch code for order %s: %w", o.ID, err)
			}
		}
		net := o.OriginalPrice.Sub(o.ShopDiscount).Sub(o.CouponDiscount)
		_, err = tx.Exec(ctx,
			`INSERT INTO order_pay (pay_id, order_id, amount, created_at) VALUES ($1,$2,$3,$4)`,
			o.PayID, o.ID, net, time.Now())
		if err != nil {
			return fmt.Errorf("failed to insert payment for order %s: %w", o.ID, err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE users SET points = points + $2 WHERE id=$1`, o.UserID, newOrderPoints)
		if err != nil {
			return fmt.Errorf("failed to award points to user %s: %w", o.UserID, err)
		}
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE orders SET original_price = original_price + $2,
			                   shop_discount  = shop_discount  + $3,
			                   status = $4
			 WHERE id=$1`,
			o.ID, o.OriginalPrice, o.ShopDiscount, domain.StatusConfirming)
		if err != nil {
			return fmt.Errorf("failed to append to order %s: %w", o.ID, err)
		}
	}

	for _, ln := range o.Dishes {
		if ln.UsedCount > 0 && !domain.IsBundle(ln.DishID) {
			if err := bumpDiscountUse(ctx, tx, o.UserID, ln.DishID, ln.UsedCount); err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO order_dish (order_id, dish_id, dish_num, dish_price, used_count, is_addition)
			 VALUES ($1,$2,$3,$4,$5,$6)`,
			o.ID, ln.DishID, ln.DishNum, ln.DishPrice, ln.UsedCount, ln.IsAdd)
		if err != nil {
			return fmt.Errorf("failed to insert line for order %s: %w", o.ID, err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE dish SET sales = sales + $2 WHERE id=$1`, ln.DishID, ln.DishNum)
		if err != nil {
			return fmt.Errorf("failed to bump sales for dish %d: %w", ln.DishID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit order %s: %w", o.ID, err)
	}
	return nil
}

func deductInTx(ctx context.Context, tx pgx.Tx, storeID int, need map[int]int) error {
	for dishID, n := range need {
		tag, err := tx.Exec(ctx,
			`UPDATE store_dish SET stock = stock - $3 WHERE store_id=$1 AND dish_id=$2 AND stock >= $3`,
			storeID, dishID, n)
		if err != nil {
			return fmt.Errorf("failed to deduct stock for dish %d: %w", dishID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("dish %d at store %d: %w", dishID, storeID, domain.ErrInsufficientStock)
		}
	}
	return nil
}

func bumpDiscountUse(ctx context.Context, tx pgx.Tx, userID string, dishID, n int) error {
	tag, err := tx.Exec(ctx,
		`UPDATE user_dish_discount SET used_count = used_count + $3 WHERE user_id=$1 AND dish_id=$2`,
		userID, dishID, n)
	if err != nil {
		return fmt.Errorf("failed to bump discount usage for dish %d: %w", dishID, err)
	}
	if tag.RowsAffected() == 0 {
		_, err = tx.Exec(ctx,
			`INSERT INTO user_dish_discount (user_id, dish_id, used_count) VALUES ($1,$2,$3)`,
			userID, dishID, n)
		if err != nil {
			return fmt.Errorf("failed to insert discount usage for dish %d: %w", dishID, err)
		}
	}
	return nil
}
