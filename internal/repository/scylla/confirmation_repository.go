package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"collection-otp-service/internal/encryption"
	"collection-otp-service/internal/model"
	"collection-otp-service/internal/util"
)

const pruneOwnerRetries = 2

// ConfirmationRepository is the durable tier backed by ScyllaDB. Writes are
// lightweight transactions on the version column, and payment_owner acts as
// the payment to owner index.
type ConfirmationRepository struct {
	client     *ScyllaClient
	encryption *encryption.EncryptionManager
}

func NewConfirmationRepository(client *ScyllaClient, em *encryption.EncryptionManager) *ConfirmationRepository {
	return &ConfirmationRepository{
		client:     client,
		encryption: em,
	}
}

func (r *ConfirmationRepository) ResolveOwner(ctx context.Context, paymentID string) (model.Owner, error) {
	var owner model.Owner
	err := r.client.Query(ctx, r.client.Statements.GetPaymentOwner, paymentID).
		Scan(&owner.TenantID, &owner.RetailerID)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return model.Owner{}, model.ErrNotFound
		}
		return model.Owner{}, fmt.Errorf("failed to resolve owner: %w", err)
	}
	return owner, nil
}

func (r *ConfirmationRepository) Get(ctx context.Context, owner model.Owner, paymentID string) (*model.ConfirmationRecord, error) {
	rec := &model.ConfirmationRecord{}
	var (
		usedAt, lastAttemptAt, cooldownUntil time.Time
		sealedIssuer                         string
	)

	err := r.client.Query(ctx, r.client.Statements.GetConfirmation,
		owner.TenantID, owner.RetailerID, paymentID).Scan(
		&rec.TenantID, &rec.RetailerID, &rec.PaymentID, &rec.OTPID, &rec.CodeHash, &rec.CodeSalt,
		&rec.PepperVersion, &rec.HashAlgorithm, &rec.CreatedAt, &rec.ExpiresAt, &rec.IsUsed, &usedAt,
		&rec.Amount, &sealedIssuer, &rec.ResendCount, &rec.Version,
		&rec.Security.Attempts, &rec.Security.ConsecutiveFailures,
		&lastAttemptAt, &cooldownUntil, &rec.Security.BreachDetected,
	)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, model.ErrNotFound
		}
		util.Error("Failed to get confirmation",
			zap.String("payment_id", paymentID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get confirmation: %w", err)
	}

	rec.UsedAt = optionalTime(usedAt)
	rec.Security.LastAttemptAt = optionalTime(lastAttemptAt)
	rec.Security.CooldownUntil = optionalTime(cooldownUntil)

	issuer, err := r.encryption.Open(ctx, sealedIssuer, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt issuer name: %w", err)
	}
	rec.IssuerName = issuer

	return rec, nil
}

// Put writes rec when the stored version equals expectedVersion.
func (r *ConfirmationRepository) Put(ctx context.Context, rec *model.ConfirmationRecord, expectedVersion int64) error {
	sealedIssuer, err := r.encryption.Seal(ctx, rec.IssuerName, rec.PaymentID)
	if err != nil {
		return fmt.Errorf("failed to encrypt issuer name: %w", err)
	}

	if expectedVersion == 0 {
		if err := r.claimOwner(ctx, rec); err != nil {
			return err
		}
		return r.insert(ctx, rec, sealedIssuer)
	}
	return r.update(ctx, rec, sealedIssuer, expectedVersion)
}

func (r *ConfirmationRepository) claimOwner(ctx context.Context, rec *model.ConfirmationRecord) error {
	existing := map[string]interface{}{}
	applied, err := r.client.Query(ctx, r.client.Statements.ClaimPaymentOwner,
		rec.PaymentID, rec.TenantID, rec.RetailerID, rec.CreatedAt).MapScanCAS(existing)
	if err != nil {
		return fmt.Errorf("failed to claim payment owner: %w", err)
	}
	if applied {
		return nil
	}

	tenant, _ := existing["tenant_id"].(string)
	retailer, _ := existing["retailer_id"].(string)
	if tenant != rec.TenantID || retailer != rec.RetailerID {
		return fmt.Errorf("%w: payment %s owned by another retailer", model.ErrConflict, rec.PaymentID)
	}
	return nil
}

func (r *ConfirmationRepository) insert(ctx context.Context, rec *model.ConfirmationRecord, sealedIssuer string) error {
	s := rec.Security
	applied, err := r.client.Query(ctx, r.client.Statements.InsertConfirmation,
		rec.TenantID, rec.RetailerID, rec.PaymentID, rec.OTPID, rec.CodeHash, rec.CodeSalt,
		rec.PepperVersion, rec.HashAlgorithm, rec.CreatedAt, rec.ExpiresAt, rec.IsUsed, nullableTime(rec.UsedAt),
		rec.Amount, sealedIssuer, rec.ResendCount, rec.Version,
		s.Attempts, s.ConsecutiveFailures, nullableTime(s.LastAttemptAt), nullableTime(s.CooldownUntil), s.BreachDetected,
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to insert confirmation",
			zap.String("payment_id", rec.PaymentID),
			zap.Error(err))
		return fmt.Errorf("failed to insert confirmation: %w", err)
	}
	if !applied {
		return model.ErrVersionConflict
	}

	util.Debug("Confirmation inserted",
		zap.String("payment_id", rec.PaymentID),
		zap.String("otp_id", rec.OTPID))
	return nil
}

func (r *ConfirmationRepository) update(ctx context.Context, rec *model.ConfirmationRecord, sealedIssuer string, expectedVersion int64) error {
	s := rec.Security
	applied, err := r.client.Query(ctx, r.client.Statements.UpdateConfirmation,
		rec.OTPID, rec.CodeHash, rec.CodeSalt, rec.PepperVersion,
		rec.HashAlgorithm, rec.CreatedAt, rec.ExpiresAt, rec.IsUsed, nullableTime(rec.UsedAt),
		rec.Amount, sealedIssuer, rec.ResendCount, rec.Version, s.Attempts,
		s.ConsecutiveFailures, nullableTime(s.LastAttemptAt), nullableTime(s.CooldownUntil), s.BreachDetected,
		rec.TenantID, rec.RetailerID, rec.PaymentID,
		expectedVersion,
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to update confirmation",
			zap.String("payment_id", rec.PaymentID),
			zap.Int64("expected_version", expectedVersion),
			zap.Error(err))
		return fmt.Errorf("failed to update confirmation: %w", err)
	}
	if !applied {
		return model.ErrVersionConflict
	}
	return nil
}

// PruneExpired deletes confirmations (and their owner index rows) that
// expired before the cutoff. The delete is conditional on expires_at, so a
// payment re-issued after the scan keeps its row.
func (r *ConfirmationRepository) PruneExpired(ctx context.Context, before time.Time) (int, error) {
	iter := r.client.Query(ctx, r.client.Statements.ScanExpired, before).Iter()

	var tenantID, retailerID, paymentID string
	deletedCount := 0

	for iter.Scan(&tenantID, &retailerID, &paymentID) {
		deleted, err := r.pruneOne(ctx, tenantID, retailerID, paymentID, before)
		if err != nil {
			util.Error("Failed to delete expired confirmation",
				zap.String("payment_id", paymentID),
				zap.Error(err))
			iter.Close()
			return deletedCount, fmt.Errorf("failed to delete expired confirmations: %w", err)
		}
		if deleted {
			deletedCount++
		}
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to close iterator for confirmation cleanup", zap.Error(err))
		return deletedCount, fmt.Errorf("failed to cleanup expired confirmations: %w", err)
	}

	util.Info("Expired confirmations pruned",
		zap.Int("deleted_count", deletedCount),
		zap.Time("before", before))
	return deletedCount, nil
}

func (r *ConfirmationRepository) pruneOne(ctx context.Context, tenantID, retailerID, paymentID string, before time.Time) (bool, error) {
	previous := map[string]interface{}{}
	applied, err := r.client.Query(ctx, r.client.Statements.DeleteConfirmation,
		tenantID, retailerID, paymentID, before).MapScanCAS(previous)
	if err != nil {
		return false, err
	}
	if !applied {
		// re-issued since the scan, or already gone
		return false, nil
	}

	owner := r.client.Query(ctx, r.client.Statements.DeletePaymentOwner, paymentID)
	if err := r.client.ExecuteWithRetry(ctx, owner, pruneOwnerRetries); err != nil {
		return true, fmt.Errorf("delete owner of %s: %w", paymentID, err)
	}
	return true, nil
}

func (r *ConfirmationRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
