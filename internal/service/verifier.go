package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"collection-otp-service/internal/guard"
	"collection-otp-service/internal/model"
	"collection-otp-service/internal/util"
)

// Verifier checks submitted codes against the stored digest and drives the
// lockout policy.
type Verifier struct {
	*deps
}

// Verify resolves one submission. Guard rejections and wrong codes are
// outcomes; an error means the attempt could not be decided or persisted,
// and is never a success.
func (v *Verifier) Verify(ctx context.Context, paymentID, submitted string, now time.Time) (model.Outcome, error) {
	if !util.ValidIdentifier(paymentID) {
		return model.Outcome{}, fmt.Errorf("%w: payment_id", model.ErrInvalidInput)
	}
	if now.IsZero() {
		now = v.now()
	}
	now = now.UTC().Truncate(time.Millisecond)

	unlock := v.locker.Lock(paymentID)
	defer unlock()

	for i := 0; i < conflictRetries; i++ {
		outcome, err := v.attempt(ctx, paymentID, submitted, now)
		if errors.Is(err, model.ErrVersionConflict) {
			continue
		}
		return outcome, err
	}
	return model.Outcome{}, fmt.Errorf("%w: payment %s modified concurrently", model.ErrStorage, paymentID)
}

func (v *Verifier) attempt(ctx context.Context, paymentID, submitted string, now time.Time) (model.Outcome, error) {
	rec, err := v.recon.Load(ctx, paymentID, now)
	if errors.Is(err, model.ErrNotFound) {
		return model.ExpiredOutcome(), nil
	}
	if err != nil {
		if errors.Is(err, model.ErrStorage) {
			v.emit(ctx, model.EventStorageFailure, &model.ConfirmationRecord{PaymentID: paymentID}, "", "load")
		}
		return model.Outcome{}, err
	}
	if rec.IsUsed {
		v.reject(ctx, rec, model.ExpiredOutcome(), "already confirmed")
		return model.ExpiredOutcome(), nil
	}

	if d := v.guard.CanAttempt(rec, now); !d.Allowed {
		outcome := rejection(d)
		v.reject(ctx, rec, outcome, d.Reason.String())
		return outcome, nil
	}

	match, err := verifyDigest(v.hasher, rec, submitted)
	if err != nil {
		util.Error("Stored digest could not be verified",
			util.String("payment_id", paymentID),
			util.Int("pepper_version", rec.PepperVersion),
			util.ErrorField(err))
		return model.Outcome{}, fmt.Errorf("%w: verify digest: %v", model.ErrInternal, err)
	}

	next := rec.Clone()
	if match {
		next.IsUsed = true
		next.UsedAt = model.TimePtr(now)
		next.Security = v.guard.RecordSuccess(rec.Security, now)
	} else {
		next.Security = v.guard.RecordFailure(rec.Security, now)
	}

	saved, err := v.recon.Save(ctx, next)
	if err != nil {
		if !errors.Is(err, model.ErrVersionConflict) {
			v.emit(ctx, model.EventStorageFailure, next, "", "verify")
		}
		return model.Outcome{}, err
	}

	if match {
		util.Info("Confirmation verified",
			util.String("payment_id", paymentID),
			util.Int("attempts", saved.Security.Attempts))
		v.emit(ctx, model.EventVerified, saved, model.OutcomeSuccess.String(), "")
		return model.SuccessOutcome(), nil
	}

	util.Warn("Invalid confirmation code",
		util.String("payment_id", paymentID),
		util.Int("consecutive_failures", saved.Security.ConsecutiveFailures))
	v.emit(ctx, model.EventInvalidCode, saved, model.OutcomeInvalidCode.String(), "")
	if saved.Security.BreachDetected && !rec.Security.BreachDetected {
		util.Error("Confirmation locked after repeated failures",
			util.String("payment_id", paymentID),
			util.String("retailer_id", saved.RetailerID),
			util.Int("attempts", saved.Security.Attempts))
		v.emit(ctx, model.EventBreachDetected, saved, model.OutcomeBreached.String(), "")
	}
	return model.InvalidCodeOutcome(v.guard.Status(saved, now)), nil
}

func (v *Verifier) reject(ctx context.Context, rec *model.ConfirmationRecord, outcome model.Outcome, reason string) {
	v.emit(ctx, model.EventRejected, rec, outcome.Kind.String(), reason)
}

func rejection(d guard.Decision) model.Outcome {
	switch d.Reason {
	case guard.ReasonExpired:
		return model.ExpiredOutcome()
	case guard.ReasonCooldown:
		return model.CooldownOutcome(*d.CooldownUntil)
	default:
		return model.BreachedOutcome()
	}
}
