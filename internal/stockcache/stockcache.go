package stockcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"restaurant-orders/internal/domain"
)

// ErrMissing reports that a cache entry the caller relies on is absent.
// Callers recover by rebuilding the entry from the durable store and
// retrying once.
var ErrMissing = errors.New("cache entry missing")

// resultTTL bounds the lifetime of dedup/result markers: long enough for
// client polling, short enough to avoid unbounded growth.
const resultTTL = 180 * time.Second

// Cache is the stock mirror, dedup markers, waiting queue, prep-time cache
// and daily sales counters, all backed by one Redis instance.
type Cache struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Cache { return &Cache{rdb: rdb} }

func stockKey(storeID int) string   { return fmt.Sprintf("stock:%d", storeID) }
func messageKey(id string) string   { return "ordermsg:" + id }
func waitingKey(storeID int) string { return fmt.Sprintf("waitq:%d", storeID) }
func salesKey(day time.Time) string { return "sales:" + day.Format("2006-01-02") }

const prepTimeKey = "dish:preptime"

// deductScript atomically verifies every requested dish has enough mirrored
// stock and decrements them all, or changes nothing. KEYS[1] is the store's
// stock hash; ARGV is a flat list of dishID, qty pairs. Returns 1 on
// success, -1 when a field is absent, -2 on shortfall.
const deductScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
for i = 1, #ARGV, 2 do
	local cur = redis.call('HGET', KEYS[1], ARGV[i])
	if not cur then
		return -1
	end
	if tonumber(cur) < tonumber(ARGV[i+1]) then
		return -2
	end
end
for i = 1, #ARGV, 2 do
	redis.call('HINCRBY', KEYS[1], ARGV[i], -tonumber(ARGV[i+1]))
end
return 1
`

// Sufficient is the fast pre-check: it reports whether the mirror currently
// covers every requested quantity. A missing hash or field yields ErrMissing.
func (c *Cache) Sufficient(ctx context.Context, storeID int, need map[int]int) (bool, error) {
	fields := make([]string, 0, len(need))
	wanted := make([]int, 0, len(need))
	for id, n := range need {
		fields = append(fields, strconv.Itoa(id))
		wanted = append(wanted, n)
	}
	vals, err := c.rdb.HMGet(ctx, stockKey(storeID), fields...).Result()
	if err != nil {
		return false, fmt.Errorf("read stock mirror for store %d: %w", storeID, err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			return false, fmt.Errorf("store %d dish %s: %w", storeID, fields[i], ErrMissing)
		}
		cur, err := strconv.Atoi(s)
		if err != nil {
			return false, fmt.Errorf("parse mirrored stock for dish %s: %w", fields[i], err)
		}
		if cur < wanted[i] {
			return false, nil
		}
	}
	return true, nil
}

// Deduct decrements the mirrored stock for every requested dish, atomically
// across the whole set. It returns domain.ErrInsufficientStock on shortfall
// and ErrMissing when the mirror must be rebuilt first.
func (c *Cache) Deduct(ctx context.Context, storeID int, need map[int]int) error {
	argv := make([]any, 0, len(need)*2)
	for id, n := range need {
		argv = append(argv, strconv.Itoa(id), n)
	}
	res, err := c.rdb.Eval(ctx, deductScript, []string{stockKey(storeID)}, argv...).Result()
	if err != nil {
		return fmt.Errorf("deduct mirrored stock for store %d: %w", storeID, err)
	}
	code, ok := res.(int64)
	if !ok {
		return fmt.Errorf("unexpected deduct script result type %T", res)
	}
	switch code {
	case -1:
		return fmt.Errorf("store %d: %w", storeID, ErrMissing)
	case -2:
		return fmt.Errorf("store %d: %w", storeID, domain.ErrInsufficientStock)
	}
	return nil
}

// Restock re-credits mirrored stock, compensating an earlier Deduct.
func (c *Cache) Restock(ctx context.Context, storeID int, quantities map[int]int) error {
	for id, n := range quantities {
		if err := c.rdb.HIncrBy(ctx, stockKey(storeID), strconv.Itoa(id), int64(n)).Err(); err != nil {
			return fmt.Errorf("restock store %d dish %d: %w", storeID, id, err)
		}
	}
	return nil
}

// HasStock reports whether a store's mirror exists at all.
func (c *Cache) HasStock(ctx context.Context, storeID int) (bool, error) {
	n, err := c.rdb.Exists(ctx, stockKey(storeID)).Result()
	if err != nil {
		return false, fmt.Errorf("probe stock mirror for store %d: %w", storeID, err)
	}
	return n > 0, nil
}

// Warm replaces a store's mirror with fresh durable-store values.
func (c *Cache) Warm(ctx context.Context, storeID int, stock map[int]int) error {
	key := stockKey(storeID)
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("reset stock mirror for store %d: %w", storeID, err)
	}
	fields := make(map[string]any, len(stock))
	for id, n := range stock {
		fields[strconv.Itoa(id)] = n
	}
	if len(fields) == 0 {
		return nil
	}
	if err := c.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("warm stock mirror for store %d: %w", storeID, err)
	}
	return nil
}

// BeginMessage claims a message id for processing: only the first caller
// across all consumer instances gets true. The marker doubles as the
// pending-completion status and expires with the result TTL so a crashed
// consumer does not block redelivery forever.
func (c *Cache) BeginMessage(ctx context.Context, messageID string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, messageKey(messageID), int(domain.CompletionPending), resultTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim message %s: %w", messageID, err)
	}
	return ok, nil
}

// FinishMessage records the terminal outcome for a message id.
func (c *Cache) FinishMessage(ctx context.Context, messageID string, committed bool) error {
	v := domain.CompletionSuccess
	if !committed {
		v = domain.CompletionFailed
	}
	if err := c.rdb.Set(ctx, messageKey(messageID), int(v), resultTTL).Err(); err != nil {
		return fmt.Errorf("record result for message %s: %w", messageID, err)
	}
	return nil
}

// Completion reports the queryable confirmation outcome for an order id.
// An absent marker means pending.
func (c *Cache) Completion(ctx context.Context, messageID string) (domain.Completion, error) {
	v, err := c.rdb.Get(ctx, messageKey(messageID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.CompletionPending, nil
	}
	if err != nil {
		return domain.CompletionPending, fmt.Errorf("read result for message %s: %w", messageID, err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return domain.CompletionPending, fmt.Errorf("parse result marker %q: %w", v, err)
	}
	return domain.Completion(n), nil
}

// WaitEntry is one unit of one dish sitting in a store's waiting queue.
type WaitEntry struct {
	DishID    int   `json:"dishId"`
	EnqueueTS int64 `json:"ts"` // unix milliseconds
}

// PushWaiting appends n entries for a dish, one per ordered unit, each
// stamped with the enqueue time. Entries are never evicted here; the queue
// is cleared daily by a scheduled collaborator.
func (c *Cache) PushWaiting(ctx context.Context, storeID, dishID, n int, at time.Time) error {
	body, err := json.Marshal(WaitEntry{DishID: dishID, EnqueueTS: at.UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode waiting entry: %w", err)
	}
	for i := 0; i < n; i++ {
		if err := c.rdb.LPush(ctx, waitingKey(storeID), body).Err(); err != nil {
			return fmt.Errorf("enqueue waiting entry for store %d: %w", storeID, err)
		}
	}
	return nil
}

// WaitingEntries returns a store's full waiting queue.
func (c *Cache) WaitingEntries(ctx context.Context, storeID int) ([]WaitEntry, error) {
	raw, err := c.rdb.LRange(ctx, waitingKey(storeID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read waiting queue for store %d: %w", storeID, err)
	}
	out := make([]WaitEntry, 0, len(raw))
	for _, s := range raw {
		var e WaitEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("decode waiting entry %q: %w", s, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// PrepTime returns a dish's cached preparation time in minutes, or
// ErrMissing when the cache must be rebuilt.
func (c *Cache) PrepTime(ctx context.Context, dishID int) (int, error) {
	v, err := c.rdb.HGet(ctx, prepTimeKey, strconv.Itoa(dishID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("prep time for dish %d: %w", dishID, ErrMissing)
	}
	if err != nil {
		return 0, fmt.Errorf("read prep time for dish %d: %w", dishID, err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse prep time %q: %w", v, err)
	}
	return n, nil
}

// WarmPrepTimes replaces the preparation-time cache.
func (c *Cache) WarmPrepTimes(ctx context.Context, minutes map[int]int) error {
	if err := c.rdb.Del(ctx, prepTimeKey).Err(); err != nil {
		return fmt.Errorf("reset prep time cache: %w", err)
	}
	fields := make(map[string]any, len(minutes))
	for id, m := range minutes {
		fields[strconv.Itoa(id)] = m
	}
	if len(fields) == 0 {
		return nil
	}
	if err := c.rdb.HSet(ctx, prepTimeKey, fields).Err(); err != nil {
		return fmt.Errorf("warm prep time cache: %w", err)
	}
	return nil
}

// IncrDailySales bumps the per-store sales counter for the given day.
func (c *Cache) IncrDailySales(ctx context.Context, storeID, n int, day time.Time) error {
	if err := c.rdb.HIncrBy(ctx, salesKey(day), strconv.Itoa(storeID), int64(n)).Err(); err != nil {
		return fmt.Errorf("bump daily sales for store %d: %w", storeID, err)
	}
	return nil
}
