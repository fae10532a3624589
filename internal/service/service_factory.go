package service

import (
	"context"
	"sync"
	"time"

	"collection-otp-service/internal/audit"
	"collection-otp-service/internal/bucketing"
	"collection-otp-service/internal/config"
	"collection-otp-service/internal/guard"
	"collection-otp-service/internal/hashing"
	"collection-otp-service/internal/model"
	"collection-otp-service/internal/notify"
	"collection-otp-service/internal/otp"
	"collection-otp-service/internal/reconciler"
)

const (
	conflictRetries = 3
	notifyTimeout   = 10 * time.Second
	maxSubmission   = 64
)

// Options tune the confirmation services. Zero values take the defaults
// from config.
type Options struct {
	Digits     int
	TTL        time.Duration
	MaxTTL     time.Duration
	MaxResends int
	Retention  time.Duration
	Policy     guard.Policy
	Clock      func() time.Time
}

// OptionsFromConfig maps the OTP section of the config onto Options.
func OptionsFromConfig(cfg config.OTPConfig) Options {
	return Options{
		Digits:     cfg.Digits,
		TTL:        cfg.TTL,
		MaxTTL:     cfg.MaxTTL,
		MaxResends: cfg.MaxResends,
		Retention:  cfg.DurableRetention,
		Policy: guard.Policy{
			CooldownThreshold: cfg.CooldownThreshold,
			BaseCooldown:      cfg.BaseCooldown,
			MaxCooldown:       cfg.MaxCooldown,
			BreachThreshold:   cfg.BreachThreshold,
			BreachCooldown:    cfg.BreachCooldown,
		},
	}
}

// deps is shared by Manager and Verifier so both serialize on the same
// per-payment locks.
type deps struct {
	recon    *reconciler.Reconciler
	guard    *guard.Guard
	hasher   *hashing.Hasher
	gen      *otp.Generator
	buckets  *bucketing.BucketingManager
	locker   *bucketing.KeyedLocker
	notifier notify.Notifier
	audit    *audit.Dispatcher
	clock    func() time.Time
	opts     Options
	pending  sync.WaitGroup
}

func (d *deps) now() time.Time {
	return d.clock().UTC().Truncate(time.Millisecond)
}

func (d *deps) emit(ctx context.Context, eventType string, rec *model.ConfirmationRecord, outcome, details string) {
	if d.audit == nil || rec == nil {
		return
	}
	s := rec.Security
	at := d.now()
	d.audit.Emit(ctx, model.SecurityEvent{
		EventBucket:         d.buckets.GetEventBucket(rec.PaymentID),
		EventDate:           d.buckets.GetDateBucket(at),
		EventTime:           at,
		EventType:           eventType,
		PaymentID:           rec.PaymentID,
		TenantID:            rec.TenantID,
		RetailerID:          rec.RetailerID,
		Outcome:             outcome,
		Attempts:            s.Attempts,
		ConsecutiveFailures: s.ConsecutiveFailures,
		CooldownUntil:       s.CooldownUntil,
		BreachDetected:      s.BreachDetected,
		Details:             details,
	})
}

// ServiceFactory wires the Manager and Verifier over one set of
// dependencies.
type ServiceFactory struct {
	deps     *deps
	manager  *Manager
	verifier *Verifier
	mu       sync.Mutex
}

func NewServiceFactory(
	recon *reconciler.Reconciler,
	hasher *hashing.Hasher,
	bucketingMgr *bucketing.BucketingManager,
	notifier notify.Notifier,
	dispatcher *audit.Dispatcher,
	opts Options,
) *ServiceFactory {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	if opts.MaxTTL < opts.TTL {
		opts.MaxTTL = opts.TTL * 3
	}
	if opts.MaxResends <= 0 {
		opts.MaxResends = 5
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}

	return &ServiceFactory{
		deps: &deps{
			recon:    recon,
			guard:    guard.New(opts.Policy),
			hasher:   hasher,
			gen:      otp.NewGenerator(opts.Digits),
			buckets:  bucketingMgr,
			locker:   bucketing.NewKeyedLocker(bucketingMgr),
			notifier: notifier,
			audit:    dispatcher,
			clock:    clock,
			opts:     opts,
		},
	}
}

func (f *ServiceFactory) Manager() *Manager {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.manager == nil {
		f.manager = &Manager{deps: f.deps}
	}
	return f.manager
}

func (f *ServiceFactory) Verifier() *Verifier {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifier == nil {
		f.verifier = &Verifier{deps: f.deps}
	}
	return f.verifier
}

// Cleanup waits for in-flight notifications.
func (f *ServiceFactory) Cleanup() {
	f.deps.pending.Wait()
}
