package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type usersPG struct {
	db *pgxpool.Pool
}

func NewUsersPG(db *pgxpool.Pool) Users { return &usersPG{db: db} }

func (r *usersPG) UsedDiscountCount(ctx context.Context, userID string, dishID int) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT used_count FROM user_dish_discount WHERE user_id=$1 AND dish_id=$2`,
		userID, dishID).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read discount usage for dish %d: %w", dishID, err)
	}
	return n, nil
}

type notificationsPG struct {
	db *pgxpool.Pool
}

func NewNotificationsPG(db *pgxpool.Pool) Notifications { return &notificationsPG{db: db} }

func (r *notificationsPG) InsertSystem(ctx context.Context, userID, title, body string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO notification (user_id, title, body, created_at) VALUES ($1,$2,$3,$4)`,
		userID, title, body, time.Now())
	if err != nil {
		return fmt.Errorf("failed to insert notification for user %s: %w", userID, err)
	}
	return nil
}
