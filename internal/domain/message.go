package domain

// Completion is the publicly queryable outcome of an order's asynchronous
// confirmation, mirrored by the dedup marker in the cache.
type Completion int

const (
	CompletionPending Completion = 0
	CompletionSuccess Completion = 1
	CompletionFailed  Completion = -1
)

// OrderMessage is the unit of work published to the confirmation channel.
// DishNumMap carries the per-dish quantities still to be deducted from the
// durable store; it is nil when the placing strategy already deducted them.
// MessageID equals the order id and keys deduplication.
type OrderMessage struct {
	DishNumMap map[int]int `json:"dishNumMap,omitempty"`
	Order      Order       `json:"order"`
	MessageID  string      `json:"messageId"`
}

func NewOrderMessage(dishNumMap map[int]int, order Order) OrderMessage {
	return OrderMessage{DishNumMap: dishNumMap, Order: order, MessageID: order.ID}
}

// rollbackStoreKey is the reserved sentinel entry of a StockRollback whose
// value carries the store id.
const rollbackStoreKey = -1

// StockRollback is the body of a stock-rollback message: dish id to quantity
// to restore, plus the store id under the reserved sentinel key.
type StockRollback map[int]int

func NewStockRollback(quantities map[int]int, storeID int) StockRollback {
	rb := make(StockRollback, len(quantities)+1)
	for id, n := range quantities {
		rb[id] = n
	}
	rb[rollbackStoreKey] = storeID
	return rb
}

func (rb StockRollback) StoreID() int { return rb[rollbackStoreKey] }

// Quantities returns the dish restorations without the sentinel entry.
func (rb StockRollback) Quantities() map[int]int {
	m := make(map[int]int, len(rb))
	for id, n := range rb {
		if id == rollbackStoreKey {
			continue
		}
		m[id] = n
	}
	return m
}
