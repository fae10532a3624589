package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"collection-otp-service/internal/hashing"
	"collection-otp-service/internal/model"
	"collection-otp-service/internal/notify"
	"collection-otp-service/internal/util"
)

type IssueRequest struct {
	PaymentID  string        `json:"payment_id"`
	RetailerID string        `json:"retailer_id"`
	TenantID   string        `json:"tenant_id"`
	Amount     int64         `json:"amount"`
	IssuerName string        `json:"issuer_name"`
	TTL        time.Duration `json:"-"`
}

func (r IssueRequest) validate() error {
	switch {
	case !util.ValidIdentifier(r.PaymentID):
		return fmt.Errorf("%w: payment_id", model.ErrInvalidInput)
	case !util.ValidIdentifier(r.RetailerID):
		return fmt.Errorf("%w: retailer_id", model.ErrInvalidInput)
	case !util.ValidIdentifier(r.TenantID):
		return fmt.Errorf("%w: tenant_id", model.ErrInvalidInput)
	case r.Amount < 0:
		return fmt.Errorf("%w: amount", model.ErrInvalidInput)
	case len(r.IssuerName) > 256:
		return fmt.Errorf("%w: issuer_name", model.ErrInvalidInput)
	}
	return nil
}

// Manager owns the lifecycle of confirmation records: issuing, resending,
// sweeping and status projection.
type Manager struct {
	*deps
}

// Issue creates the confirmation for a payment. An unexpired unused record,
// a confirmed payment or a payment owned by someone else is a conflict. The
// security state of an expired predecessor carries over.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (*model.ConfirmationRecord, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	ttl := m.issueTTL(req.TTL)
	owner := model.Owner{TenantID: req.TenantID, RetailerID: req.RetailerID}

	unlock := m.locker.Lock(req.PaymentID)
	defer unlock()

	for i := 0; i < conflictRetries; i++ {
		now := m.now()

		prev, err := m.recon.LoadOwned(ctx, owner, req.PaymentID, now)
		switch {
		case errors.Is(err, model.ErrNotFound):
			prev = nil
		case err != nil:
			return nil, err
		case prev.IsUsed:
			return nil, fmt.Errorf("%w: payment %s already confirmed", model.ErrConflict, req.PaymentID)
		case !prev.IsExpired(now):
			return nil, fmt.Errorf("%w: payment %s has an active code", model.ErrConflict, req.PaymentID)
		}

		rec := &model.ConfirmationRecord{
			PaymentID:  req.PaymentID,
			RetailerID: req.RetailerID,
			TenantID:   req.TenantID,
			CreatedAt:  now,
			ExpiresAt:  now.Add(ttl),
			Amount:     req.Amount,
			IssuerName: util.SanitizeInput(req.IssuerName),
		}
		if prev != nil {
			rec.Security = prev.Security.Clone()
			rec.Version = prev.Version
		}
		if err := m.assignCode(rec); err != nil {
			return nil, err
		}

		saved, err := m.recon.Save(ctx, rec)
		if errors.Is(err, model.ErrVersionConflict) {
			continue
		}
		if err != nil {
			m.emit(ctx, model.EventStorageFailure, rec, "", "issue")
			return nil, err
		}

		util.Info("Confirmation issued",
			util.String("payment_id", saved.PaymentID),
			util.String("retailer_id", saved.RetailerID),
			util.String("otp_id", saved.OTPID),
			util.Time("expires_at", saved.ExpiresAt))
		m.emit(ctx, model.EventCodeIssued, saved, "", "")
		m.notify(ctx, saved)
		return saved, nil
	}

	return nil, fmt.Errorf("%w: payment %s modified concurrently", model.ErrConflict, req.PaymentID)
}

// Resend replaces the code of an unconfirmed payment, keeping its security
// state. The new expiry is strictly later than the previous one.
func (m *Manager) Resend(ctx context.Context, paymentID string) (*model.ConfirmationRecord, error) {
	if !util.ValidIdentifier(paymentID) {
		return nil, fmt.Errorf("%w: payment_id", model.ErrInvalidInput)
	}

	unlock := m.locker.Lock(paymentID)
	defer unlock()

	for i := 0; i < conflictRetries; i++ {
		now := m.now()

		prev, err := m.recon.Load(ctx, paymentID, now)
		if err != nil {
			return nil, err
		}
		if prev.IsUsed {
			return nil, fmt.Errorf("%w: payment %s already confirmed", model.ErrConflict, paymentID)
		}
		if prev.ResendCount >= m.opts.MaxResends {
			return nil, model.ErrResendLimit
		}

		rec := prev.Clone()
		rec.ResendCount++
		rec.CreatedAt = now
		if !rec.CreatedAt.After(prev.CreatedAt) {
			rec.CreatedAt = prev.CreatedAt.Add(time.Millisecond)
		}
		rec.ExpiresAt = rec.CreatedAt.Add(m.opts.TTL)
		if !rec.ExpiresAt.After(prev.ExpiresAt) {
			rec.ExpiresAt = prev.ExpiresAt.Add(time.Millisecond)
		}
		if err := m.assignCode(rec); err != nil {
			return nil, err
		}

		saved, err := m.recon.Save(ctx, rec)
		if errors.Is(err, model.ErrVersionConflict) {
			continue
		}
		if err != nil {
			m.emit(ctx, model.EventStorageFailure, rec, "", "resend")
			return nil, err
		}

		util.Info("Confirmation resent",
			util.String("payment_id", saved.PaymentID),
			util.Int("resend_count", saved.ResendCount),
			util.Time("expires_at", saved.ExpiresAt))
		m.emit(ctx, model.EventCodeResent, saved, "", "")
		m.notify(ctx, saved)
		return saved, nil
	}

	return nil, fmt.Errorf("%w: payment %s modified concurrently", model.ErrConflict, paymentID)
}

// issueTTL falls back to the canonical TTL and never exceeds MaxTTL.
func (m *Manager) issueTTL(requested time.Duration) time.Duration {
	if requested <= 0 {
		return m.opts.TTL
	}
	if requested > m.opts.MaxTTL {
		util.Warn("Requested confirmation TTL clamped",
			util.Duration("requested", requested),
			util.Duration("max_ttl", m.opts.MaxTTL))
		return m.opts.MaxTTL
	}
	return requested
}

func (m *Manager) assignCode(rec *model.ConfirmationRecord) error {
	code := m.gen.Generate()
	digest, err := m.hasher.HashCode(code)
	if err != nil {
		return fmt.Errorf("%w: hash code: %v", model.ErrInternal, err)
	}

	rec.OTPID = uuid.NewString()
	rec.Code = code
	rec.CodeHash = digest.Hash
	rec.CodeSalt = digest.Salt
	rec.PepperVersion = digest.PepperVersion
	rec.HashAlgorithm = digest.Algorithm
	return nil
}

// notify runs after persistence and never affects the caller's result.
func (m *Manager) notify(ctx context.Context, rec *model.ConfirmationRecord) {
	n := notify.Notification{
		RetailerID: rec.RetailerID,
		TenantID:   rec.TenantID,
		PaymentID:  rec.PaymentID,
		Code:       rec.Code,
		Amount:     rec.Amount,
		IssuerName: rec.IssuerName,
		ExpiresAt:  rec.ExpiresAt,
	}

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if !m.notifier.Notify(nctx, n) {
			util.Warn("Confirmation code notification failed",
				util.String("payment_id", n.PaymentID))
		}
	}()
}

// SweepExpired drops expired records from the ephemeral tier.
func (m *Manager) SweepExpired(ctx context.Context) int {
	n := m.recon.Cache().SweepExpired(m.now())
	if n > 0 {
		util.Debug("Swept expired confirmations", util.Int("count", n))
	}
	return n
}

// PruneDurable deletes durable records that expired more than retention
// ago. retention <= 0 uses the configured retention.
func (m *Manager) PruneDurable(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = m.opts.Retention
	}
	return m.recon.PruneDurable(ctx, m.now().Add(-retention))
}

// GetSecurityStatus projects the payment's security state for countdown and
// lockout messaging.
func (m *Manager) GetSecurityStatus(ctx context.Context, paymentID string) (*model.SecurityStatus, error) {
	if !util.ValidIdentifier(paymentID) {
		return nil, fmt.Errorf("%w: payment_id", model.ErrInvalidInput)
	}
	now := m.now()
	rec, err := m.recon.Load(ctx, paymentID, now)
	if err != nil {
		return nil, err
	}
	status := m.guard.Status(rec, now)
	return &status, nil
}

// StartSweeper sweeps the ephemeral tier every interval and prunes the
// durable tier every pruneEvery, until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context, interval, pruneEvery time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	if pruneEvery <= 0 {
		pruneEvery = time.Hour
	}

	go func() {
		sweep := time.NewTicker(interval)
		prune := time.NewTicker(pruneEvery)
		defer sweep.Stop()
		defer prune.Stop()

		for {
			select {
			case <-ctx.Done():
				util.Info("Confirmation sweeper stopped")
				return
			case <-sweep.C:
				m.SweepExpired(ctx)
			case <-prune.C:
				m.sweepBothTiers(ctx)
			}
		}
	}()
}

func (m *Manager) sweepBothTiers(ctx context.Context) {
	var swept, pruned int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		swept = m.SweepExpired(gctx)
		return nil
	})
	g.Go(func() error {
		n, err := m.PruneDurable(gctx, 0)
		pruned = n
		return err
	})
	if err := g.Wait(); err != nil {
		util.Error("Durable prune failed", util.ErrorField(err))
		return
	}
	util.Info("Confirmation retention sweep complete",
		util.Int("swept", swept),
		util.Int("pruned", pruned))
}

// verifyDigest compares a submission with the stored digest.
func verifyDigest(h *hashing.Hasher, rec *model.ConfirmationRecord, submitted string) (bool, error) {
	if len(submitted) > maxSubmission {
		submitted = submitted[:maxSubmission]
	}
	return h.VerifyCode(submitted, &hashing.HashResult{
		Hash:          rec.CodeHash,
		Salt:          rec.CodeSalt,
		PepperVersion: rec.PepperVersion,
		Algorithm:     rec.HashAlgorithm,
	})
}
