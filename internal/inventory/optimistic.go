package inventory

import (
	"context"
	"fmt"

	"restaurant-orders/internal/domain"
)

// optimistic defers every stock check to the confirm consumer's conditional
// update. Placement never blocks on inventory; oversells surface later as
// dead-lettered confirmations.
type optimistic struct {
	base
}

func (s *optimistic) Place(ctx context.Context, o *domain.Order) (Placement, error) {
	lines := chargedLines(o)
	need, err := s.needFor(ctx, lines)
	if err != nil {
		return Placement{}, err
	}

	if o.IsNew {
		s.stamp(o)
	}
	om := domain.NewOrderMessage(need, messageOrder(o, lines))

	if err := s.Pub.PublishConfirm(ctx, om); err != nil {
		return Placement{}, fmt.Errorf("failed to publish confirmation: %w", err)
	}
	return Placement{OrderID: o.ID, PayID: o.PayID}, nil
}
