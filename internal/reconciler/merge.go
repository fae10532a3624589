package reconciler

import (
	"fmt"
	"time"

	"collection-otp-service/internal/model"
)

// MergeSecurity combines two views of the same payment's security state so
// that no recorded attempt, cooldown or breach is lost.
func MergeSecurity(a, b model.SecurityState) model.SecurityState {
	return model.SecurityState{
		Attempts:            max(a.Attempts, b.Attempts),
		ConsecutiveFailures: max(a.ConsecutiveFailures, b.ConsecutiveFailures),
		LastAttemptAt:       later(a.LastAttemptAt, b.LastAttemptAt),
		CooldownUntil:       later(a.CooldownUntil, b.CooldownUntil),
		BreachDetected:      a.BreachDetected || b.BreachDetected,
	}
}

// CheckInvariants reports model.ErrInternal for a record that can not have
// been produced by a valid sequence of operations.
func CheckInvariants(rec *model.ConfirmationRecord) error {
	s := rec.Security
	switch {
	case rec.PaymentID == "":
		return fmt.Errorf("%w: empty payment id", model.ErrInternal)
	case s.Attempts < 0 || s.ConsecutiveFailures < 0:
		return fmt.Errorf("%w: negative counters", model.ErrInternal)
	case s.Attempts < s.ConsecutiveFailures:
		return fmt.Errorf("%w: attempts %d below consecutive failures %d",
			model.ErrInternal, s.Attempts, s.ConsecutiveFailures)
	case rec.ExpiresAt.Before(rec.CreatedAt):
		return fmt.Errorf("%w: expiry before creation", model.ErrInternal)
	case rec.IsUsed && rec.UsedAt == nil:
		return fmt.Errorf("%w: used without timestamp", model.ErrInternal)
	}
	return nil
}

func later(a, b *time.Time) *time.Time {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		return model.TimePtr(*b)
	case b == nil || !b.After(*a):
		return model.TimePtr(*a)
	default:
		return model.TimePtr(*b)
	}
}
