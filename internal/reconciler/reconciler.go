// Package reconciler keeps the ephemeral and durable tiers of confirmation
// records consistent and decides which one is authoritative on read.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"collection-otp-service/internal/cache"
	"collection-otp-service/internal/model"
	"collection-otp-service/internal/util"
)

// DurableStore persists records keyed by (tenant, retailer, payment).
// Put writes rec only if the stored version equals expectedVersion; zero
// means the row must not exist yet. A mismatch is model.ErrVersionConflict.
type DurableStore interface {
	Get(ctx context.Context, owner model.Owner, paymentID string) (*model.ConfirmationRecord, error)
	Put(ctx context.Context, rec *model.ConfirmationRecord, expectedVersion int64) error
	PruneExpired(ctx context.Context, before time.Time) (int, error)
	HealthCheck(ctx context.Context) error
}

// Resolver maps a payment to the tenant/retailer that owns it.
type Resolver interface {
	ResolveOwner(ctx context.Context, paymentID string) (model.Owner, error)
}

type Reconciler struct {
	cache     *cache.Ephemeral
	store     DurableStore
	resolver  Resolver
	retryWait time.Duration
}

func New(c *cache.Ephemeral, store DurableStore, resolver Resolver, retryWait time.Duration) *Reconciler {
	if retryWait <= 0 {
		retryWait = 150 * time.Millisecond
	}
	return &Reconciler{
		cache:     c,
		store:     store,
		resolver:  resolver,
		retryWait: retryWait,
	}
}

func (r *Reconciler) Cache() *cache.Ephemeral {
	return r.cache
}


// Load returns the current record for paymentID, expired or not. It serves
// live cache hits directly and otherwise merges the durable copy with any
// security state still held in memory.
func (r *Reconciler) Load(ctx context.Context, paymentID string, now time.Time) (*model.ConfirmationRecord, error) {
	if rec, ok := r.cache.Get(paymentID, now); ok {
		return rec, nil
	}

	durable, err := r.fetch(ctx, paymentID)
	if err != nil && !errors.Is(err, model.ErrNotFound) && ctx.Err() == nil {
		util.Warn("Durable load failed, retrying once",
			util.String("payment_id", paymentID),
			util.ErrorField(err),
		)
		if werr := r.wait(ctx); werr == nil {
			durable, err = r.fetch(ctx, paymentID)
		}
	}
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.ErrNotFound
		}
		util.Error("Durable load failed",
			util.String("payment_id", paymentID),
			util.ErrorField(err),
		)
		return nil, fmt.Errorf("%w: %v", model.ErrStorage, err)
	}

	merged := durable
	if cached, ok := r.cache.Security(paymentID); ok {
		merged.Security = MergeSecurity(durable.Security, cached)
	}
	if err := CheckInvariants(merged); err != nil {
		util.Error("Confirmation record violates invariants",
			util.String("payment_id", paymentID),
			util.Int("attempts", merged.Security.Attempts),
			util.Int("consecutive_failures", merged.Security.ConsecutiveFailures),
			util.ErrorField(err),
		)
		return nil, err
	}

	r.cache.Set(merged)
	return merged.Clone(), nil
}

// LoadOwned is Load restricted to records owned by owner. A record owned by
// someone else is a conflict.
func (r *Reconciler) LoadOwned(ctx context.Context, owner model.Owner, paymentID string, now time.Time) (*model.ConfirmationRecord, error) {
	rec, err := r.Load(ctx, paymentID, now)
	if err != nil {
		return nil, err
	}
	if rec.Owner() != owner {
		return nil, fmt.Errorf("%w: payment %s belongs to another retailer", model.ErrConflict, paymentID)
	}
	return rec, nil
}

// Save persists rec durably and then refreshes the cache. rec.Version is the
// version it was loaded at (zero for new records). The saved record, carrying
// the new version, is returned.
func (r *Reconciler) Save(ctx context.Context, rec *model.ConfirmationRecord) (*model.ConfirmationRecord, error) {
	if err := CheckInvariants(rec); err != nil {
		util.Error("Refusing to save record that violates invariants",
			util.String("payment_id", rec.PaymentID),
			util.ErrorField(err),
		)
		return nil, err
	}

	expected := rec.Version
	next := rec.WithoutCode()
	next.Version = expected + 1

	err := r.store.Put(ctx, next, expected)
	if err != nil && !permanent(err) && ctx.Err() == nil {
		util.Warn("Durable write failed, retrying once",
			util.String("payment_id", rec.PaymentID),
			util.ErrorField(err),
		)
		if werr := r.wait(ctx); werr == nil {
			err = r.store.Put(ctx, next, expected)
			if errors.Is(err, model.ErrVersionConflict) && r.alreadyApplied(ctx, next) {
				err = nil
			}
		}
	}

	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			return nil, err
		}
		if errors.Is(err, model.ErrVersionConflict) {
			r.cache.MarkStale(rec.PaymentID)
			util.Warn("Concurrent modification detected",
				util.String("payment_id", rec.PaymentID),
				util.Int64("expected_version", expected),
			)
			return nil, err
		}
		util.Error("Durable write failed",
			util.String("payment_id", rec.PaymentID),
			util.ErrorField(err),
		)
		return nil, fmt.Errorf("%w: save: %v", model.ErrStorage, err)
	}

	r.cache.Set(next)

	saved := next.Clone()
	saved.Code = rec.Code
	return saved, nil
}

// fetch resolves the owner and reads the durable copy once.
func (r *Reconciler) fetch(ctx context.Context, paymentID string) (*model.ConfirmationRecord, error) {
	owner, err := r.resolver.ResolveOwner(ctx, paymentID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("resolve owner: %w", err)
	}
	if owner.IsZero() {
		return nil, model.ErrNotFound
	}

	durable, err := r.store.Get(ctx, owner, paymentID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("load: %w", err)
	}
	return durable, nil
}

// permanent errors are answers from the store, not failures to reach it.
func permanent(err error) bool {
	return errors.Is(err, model.ErrVersionConflict) || errors.Is(err, model.ErrConflict)
}

// alreadyApplied detects a first write that landed but whose response was
// lost, so the retry's version check fails against our own write.
func (r *Reconciler) alreadyApplied(ctx context.Context, next *model.ConfirmationRecord) bool {
	current, err := r.store.Get(ctx, next.Owner(), next.PaymentID)
	if err != nil {
		return false
	}
	return current.Version == next.Version &&
		current.OTPID == next.OTPID &&
		current.IsUsed == next.IsUsed &&
		current.Security.Attempts == next.Security.Attempts
}

func (r *Reconciler) wait(ctx context.Context) error {
	timer := time.NewTimer(r.retryWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PruneDurable removes durable records that expired before cutoff.
func (r *Reconciler) PruneDurable(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := r.store.PruneExpired(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("%w: prune: %v", model.ErrStorage, err)
	}
	return n, nil
}

func (r *Reconciler) HealthCheck(ctx context.Context) error {
	return r.store.HealthCheck(ctx)
}
