package replies

import (
	"errors"
	"fmt"

	"userbird-backend/internal/models"
)

var ErrInvalidTransition = errors.New("invalid delivery state transition")

// allowedTransitions encodes the outbound delivery state machine:
// none -> pending -> sent | failed, and failed -> pending for a resend.
var allowedTransitions = map[models.DeliveryStatus][]models.DeliveryStatus{
	models.DeliveryNone:    {models.DeliveryPending},
	models.DeliveryPending: {models.DeliverySent, models.DeliveryFailed},
	models.DeliveryFailed:  {models.DeliveryPending},
}

func checkTransition(from, to models.DeliveryStatus) error {
	if from == "" {
		from = models.DeliveryNone
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
