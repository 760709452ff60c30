package domain

import "strings"

// Order statuses.
const (
	StatusToBeOrdered    = 0
	StatusToBePaid       = 1
	StatusConfirming     = 2
	StatusPreparing      = 3
	StatusAwaitingMeal   = 4
	StatusAwaitingPickup = 5
	StatusInDelivery     = 6
	StatusCompleted      = 7
	StatusCancelPending  = 8
	StatusCancelled      = 9
)

// statusPaths encodes, per consume type, the fixed sequence of statuses an
// order visits. Each digit is a status code; an order advances one digit at
// a time.
var statusPaths = [4]string{
	ConsumeDineScan:     "217",
	ConsumeTableService: "023417",
	ConsumePickup:       "12357",
	ConsumeDelivery:     "12367",
}

// NextStatus maps (consumeType, current) to the order's next status.
//
// A consumeType of -1 means the caller explicitly withholds auto-advance and
// the current status is returned unchanged. A cancel-pending order only ever
// moves to cancelled. Terminal statuses map to themselves. Any (consumeType,
// status) pair outside the encoded path is a caller contract violation.
func NextStatus(consumeType, current int) int {
	if consumeType == -1 {
		return current
	}
	if current == StatusCancelPending || current == StatusCancelled {
		return StatusCancelled
	}
	if current == StatusCompleted {
		return StatusCompleted
	}
	path := statusPaths[consumeType]
	i := strings.IndexByte(path, byte('0'+current))
	return int(path[i+1] - '0')
}

// StatusPath returns the status sequence for a consume type, first to last.
func StatusPath(consumeType int) []int {
	path := statusPaths[consumeType]
	out := make([]int, len(path))
	for i := 0; i < len(path); i++ {
		out[i] = int(path[i] - '0')
	}
	return out
}

// InitialStatus is the status a freshly checked-out order starts in,
// before any pay or confirm event.
func InitialStatus(consumeType int, resubmission bool) int {
	switch consumeType {
	case ConsumeDineScan:
		return StatusConfirming
	case ConsumeTableService:
		if resubmission {
			return StatusConfirming
		}
		return StatusToBeOrdered
	default:
		return StatusToBePaid
	}
}
