package domain

import "errors"

// Error taxonomy of the placement and confirmation pipeline.
var (
	// ErrInsufficientStock: the requested quantity exceeds live stock,
	// detected pre-deduction or by a conditional update touching zero rows.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrTableOccupied: another cart already holds the (store, table) pair.
	ErrTableOccupied = errors.New("table occupied")
	// ErrDuplicateSubmission: no cart exists for the user, so the order was
	// already placed or never assembled.
	ErrDuplicateSubmission = errors.New("order already placed or cart missing")
	// ErrCommitFailed: an order's status moved underneath a compare-and-swap
	// transition, so the attempted commit lost the race.
	ErrCommitFailed = errors.New("order commit failed")
)
