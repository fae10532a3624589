package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"collection-otp-service/internal/client"
	"collection-otp-service/internal/encryption"
	"collection-otp-service/internal/model"
	"collection-otp-service/internal/util"
)

const (
	confirmationPrefix = "confirmation"
	ownerPrefix        = "payment_owner"
	expiryIndex        = "confirmation_expiry"

	pruneChunk = 100
)

// ConfirmationStore is the Redis durable tier for single-node deployments.
// Records carry no TTL; they live until PruneExpired removes them. Writes
// use WATCH/MULTI on the record and owner keys.
type ConfirmationStore struct {
	client     *client.RedisClient
	encryption *encryption.EncryptionManager
}

func NewConfirmationStore(c *client.RedisClient, em *encryption.EncryptionManager) *ConfirmationStore {
	return &ConfirmationStore{client: c, encryption: em}
}

func (s *ConfirmationStore) recordKey(owner model.Owner, paymentID string) string {
	return s.client.Key(confirmationPrefix, owner.TenantID, owner.RetailerID, paymentID)
}

func (s *ConfirmationStore) ownerKey(paymentID string) string {
	return s.client.Key(ownerPrefix, paymentID)
}

func (s *ConfirmationStore) ResolveOwner(ctx context.Context, paymentID string) (model.Owner, error) {
	data, err := s.client.Client.Get(ctx, s.ownerKey(paymentID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.Owner{}, model.ErrNotFound
		}
		return model.Owner{}, fmt.Errorf("failed to resolve owner: %w", err)
	}
	var owner model.Owner
	if err := json.Unmarshal(data, &owner); err != nil {
		return model.Owner{}, fmt.Errorf("corrupt owner index for %s: %w", paymentID, err)
	}
	return owner, nil
}

func (s *ConfirmationStore) Get(ctx context.Context, owner model.Owner, paymentID string) (*model.ConfirmationRecord, error) {
	data, err := s.client.Client.Get(ctx, s.recordKey(owner, paymentID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, model.ErrNotFound
		}
		util.Error("Failed to get confirmation from redis",
			zap.String("payment_id", paymentID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get confirmation: %w", err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}
	issuer, err := s.encryption.Open(ctx, rec.IssuerName, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt issuer name: %w", err)
	}
	rec.IssuerName = issuer
	return rec, nil
}

func (s *ConfirmationStore) Put(ctx context.Context, rec *model.ConfirmationRecord, expectedVersion int64) error {
	sealedIssuer, err := s.encryption.Seal(ctx, rec.IssuerName, rec.PaymentID)
	if err != nil {
		return fmt.Errorf("failed to encrypt issuer name: %w", err)
	}
	stored := rec.WithoutCode()
	stored.IssuerName = sealedIssuer

	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode confirmation: %w", err)
	}
	ownerPayload, err := json.Marshal(rec.Owner())
	if err != nil {
		return fmt.Errorf("failed to encode owner: %w", err)
	}

	recordKey := s.recordKey(rec.Owner(), rec.PaymentID)
	ownerKey := s.ownerKey(rec.PaymentID)
	expiryKey := s.client.Key(expiryIndex)

	err = s.client.Client.Watch(ctx, func(tx *redis.Tx) error {
		if data, err := tx.Get(ctx, ownerKey).Bytes(); err == nil {
			var existing model.Owner
			if err := json.Unmarshal(data, &existing); err != nil {
				return fmt.Errorf("corrupt owner index for %s: %w", rec.PaymentID, err)
			}
			if existing != rec.Owner() {
				return fmt.Errorf("%w: payment %s owned by another retailer", model.ErrConflict, rec.PaymentID)
			}
		} else if !errors.Is(err, redis.Nil) {
			return err
		}

		current := int64(0)
		if data, err := tx.Get(ctx, recordKey).Bytes(); err == nil {
			existing, err := decodeRecord(data)
			if err != nil {
				return err
			}
			current = existing.Version
		} else if !errors.Is(err, redis.Nil) {
			return err
		}
		if current != expectedVersion {
			return model.ErrVersionConflict
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey, payload, 0)
			pipe.Set(ctx, ownerKey, ownerPayload, 0)
			pipe.ZAdd(ctx, expiryKey, redis.Z{
				Score:  float64(rec.ExpiresAt.UnixMilli()),
				Member: rec.PaymentID,
			})
			return nil
		})
		return err
	}, recordKey, ownerKey)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return model.ErrVersionConflict
	case errors.Is(err, model.ErrVersionConflict), errors.Is(err, model.ErrConflict):
		return err
	default:
		util.Error("Failed to write confirmation to redis",
			zap.String("payment_id", rec.PaymentID),
			zap.Error(err))
		return fmt.Errorf("failed to write confirmation: %w", err)
	}
}

// PruneExpired removes records whose expiry is before the cutoff. A record
// re-issued after being picked up is left alone.
func (s *ConfirmationStore) PruneExpired(ctx context.Context, before time.Time) (int, error) {
	expiryKey := s.client.Key(expiryIndex)
	upper := strconv.FormatInt(before.UnixMilli()-1, 10)
	deleted := 0

	for {
		ids, err := s.client.Client.ZRangeByScore(ctx, expiryKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   upper,
			Count: pruneChunk,
		}).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to scan expiry index: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		chunkDeleted := 0
		for _, id := range ids {
			removed, err := s.pruneOne(ctx, id, before)
			if err != nil {
				return deleted, err
			}
			if removed {
				chunkDeleted++
			}
		}
		deleted += chunkDeleted
		if len(ids) < pruneChunk || chunkDeleted == 0 {
			break
		}
	}

	util.Info("Expired confirmations pruned",
		zap.Int("deleted_count", deleted),
		zap.Time("before", before))
	return deleted, nil
}

func (s *ConfirmationStore) pruneOne(ctx context.Context, paymentID string, before time.Time) (bool, error) {
	expiryKey := s.client.Key(expiryIndex)
	ownerKey := s.ownerKey(paymentID)

	owner, err := s.ResolveOwner(ctx, paymentID)
	if errors.Is(err, model.ErrNotFound) {
		return false, s.client.Client.ZRem(ctx, expiryKey, paymentID).Err()
	}
	if err != nil {
		return false, err
	}
	recordKey := s.recordKey(owner, paymentID)

	removed := false
	err = s.client.Client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, recordKey).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			rec, err := decodeRecord(data)
			if err != nil {
				return err
			}
			if !rec.ExpiresAt.Before(before) {
				// re-issued since the scan; refresh its score
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.ZAdd(ctx, expiryKey, redis.Z{Score: float64(rec.ExpiresAt.UnixMilli()), Member: paymentID})
					return nil
				})
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, recordKey, ownerKey)
			pipe.ZRem(ctx, expiryKey, paymentID)
			return nil
		})
		if err == nil {
			removed = true
		}
		return err
	}, recordKey, ownerKey)

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to prune %s: %w", paymentID, err)
	}
	return removed, nil
}

func (s *ConfirmationStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

func decodeRecord(data []byte) (*model.ConfirmationRecord, error) {
	var rec model.ConfirmationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt confirmation record: %w", err)
	}
	return &rec, nil
}
