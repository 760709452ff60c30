package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"restaurant-orders/internal/domain"
)

type dishesPG struct {
	db *pgxpool.Pool
}

func NewDishesPG(db *pgxpool.Pool) Dishes { return &dishesPG{db: db} }

func (r *dishesPG) DishByID(ctx context.Context, dishID int) (domain.Dish, error) {
	var (
		d     domain.Dish
		price string
		rate  string
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, name, price::text, make_time, discount_count, discount_rate::text
		 FROM dish WHERE id=$1`, dishID,
	).Scan(&d.ID, &d.Name, &price, &d.MakeTime, &d.Discount.Allowance, &rate)
	if err != nil {
		return domain.Dish{}, fmt.Errorf("failed to load dish %d: %w", dishID, err)
	}
	if d.Price, err = decimal.NewFromString(price); err != nil {
		return domain.Dish{}, fmt.Errorf("failed to parse price of dish %d: %w", dishID, err)
	}
	if d.Discount.Rate, err = decimal.NewFromString(rate); err != nil {
		return domain.Dish{}, fmt.Errorf("failed to parse discount rate of dish %d: %w", dishID, err)
	}
	return d, nil
}

func (r *dishesPG) DeductStock(ctx context.Context, storeID, dishID, n int) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE store_dish SET stock = stock - $3 WHERE store_id=$1 AND dish_id=$2 AND stock >= $3`,
		storeID, dishID, n,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to deduct stock for dish %d at store %d: %w", dishID, storeID, err)
	}
	return tag.RowsAffected(), nil
}

func (r *dishesPG) AddStock(ctx context.Context, storeID, dishID, n int) error {
	_, err := r.db.Exec(ctx,
		`UPDATE store_dish SET stock = stock + $3 WHERE store_id=$1 AND dish_id=$2`,
		storeID, dishID, n,
	)
	if err != nil {
		return fmt.Errorf("failed to restore stock for dish %d at store %d: %w", dishID, storeID, err)
	}
	return nil
}

func (r *dishesPG) StockFor(ctx context.Context, storeID int) (map[int]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT dish_id, stock FROM store_dish WHERE store_id=$1`, storeID)
	if err != nil {
		return nil, fmt.Errorf("failed to read store %d stock: %w", storeID, err)
	}
	defer rows.Close()
	out := make(map[int]int)
	for rows.Next() {
		var id, stock int
		if err := rows.Scan(&id, &stock); err != nil {
			return nil, fmt.Errorf("failed to scan stock row: %w", err)
		}
		out[id] = stock
	}
	return out, rows.Err()
}

func (r *dishesPG) PrepTimes(ctx context.Context) (map[int]int, error) {
	rows, err := r.db.Query(ctx, `SELECT id, make_time FROM dish`)
	if err != nil {
		return nil, fmt.Errorf("failed to read dish prep times: %w", err)
	}
	defer rows.Close()
	out := make(map[int]int)
	for rows.Next() {
		var id, minutes int
		if err := rows.Scan(&id, &minutes); err != nil {
			return nil, fmt.Errorf("failed to scan prep time row: %w", err)
		}
		out[id] = minutes
	}
	return out, rows.Err()
}

type combosPG struct {
	db *pgxpool.Pool
}

func NewCombosPG(db *pgxpool.Pool) Combos { return &combosPG{db: db} }

func (r *combosPG) Items(ctx context.Context, bundleID int) ([]domain.ComboItem, error) {
	rows, err := r.db.Query(ctx,
		`SELECT combo_id, dish_id, dish_num FROM combo_dish WHERE combo_id=$1`, bundleID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bundle %d: %w", bundleID, err)
	}
	defer rows.Close()
	var items []domain.ComboItem
	for rows.Next() {
		var it domain.ComboItem
		if err := rows.Scan(&it.BundleID, &it.DishID, &it.DishNum); err != nil {
			return nil, fmt.Errorf("failed to scan combo row: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

type storesPG struct {
	db *pgxpool.Pool
}

func NewStoresPG(db *pgxpool.Pool) Stores { return &storesPG{db: db} }

func (r *storesPG) StoreIDs(ctx context.Context) ([]int, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM store`)
	if err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}
	defer rows.Close()
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan store id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
