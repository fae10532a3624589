package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"collection-otp-service/internal/audit"
	"collection-otp-service/internal/bucketing"
	"collection-otp-service/internal/cache"
	"collection-otp-service/internal/client"
	"collection-otp-service/internal/config"
	"collection-otp-service/internal/encryption"
	"collection-otp-service/internal/guard"
	"collection-otp-service/internal/hashing"
	"collection-otp-service/internal/model"
	"collection-otp-service/internal/notify"
	"collection-otp-service/internal/reconciler"
	redisrepo "collection-otp-service/internal/repository/redis"
)

var start = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (f *fakeNotifier) Notify(ctx context.Context, n notify.Notification) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return true
}

func (f *fakeNotifier) last() notify.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type memorySink struct {
	mu     sync.Mutex
	events []model.SecurityEvent
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Write(ctx context.Context, events []model.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *memorySink) count(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type harness struct {
	mr       *miniredis.Miniredis
	recon    *reconciler.Reconciler
	factory  *ServiceFactory
	manager  *Manager
	verifier *Verifier
	notifier *fakeNotifier
	sink     *memorySink
	audit    *audit.Dispatcher
	clock    *fakeClock
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	store := redisrepo.NewConfirmationStore(
		client.NewRedisClientFrom(rdb, "test"),
		encryption.NewEncryptionManager(&config.Config{}, nil),
	)
	recon := reconciler.New(cache.NewEphemeral(), store, store, time.Millisecond)

	hasher, err := hashing.NewHasherWithParams(
		hashing.Argon2Params{Memory: 64, Iterations: 1, Parallelism: 1},
		[]string{"1:test-pepper"},
	)
	if err != nil {
		t.Fatal(err)
	}

	sink := &memorySink{}
	dispatcher := audit.NewDispatcher(config.AuditConfig{Enabled: true, BufferSize: 1024}, sink)
	t.Cleanup(dispatcher.Close)

	clock := &fakeClock{now: start}
	opts.Clock = clock.Now
	notifier := &fakeNotifier{}

	f := NewServiceFactory(recon, hasher, bucketing.NewBucketingManager(&config.Config{}), notifier, dispatcher, opts)
	return &harness{
		mr:       mr,
		recon:    recon,
		factory:  f,
		manager:  f.Manager(),
		verifier: f.Verifier(),
		notifier: notifier,
		sink:     sink,
		audit:    dispatcher,
		clock:    clock,
	}
}

func issueP1(t *testing.T, h *harness) *model.ConfirmationRecord {
	t.Helper()
	rec, err := h.manager.Issue(context.Background(), IssueRequest{
		PaymentID:  "P1",
		RetailerID: "R1",
		TenantID:   "T1",
		Amount:     500,
		IssuerName: "Alice",
		TTL:        600 * time.Second,
	})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	return rec
}

func wrongCode(code string) string {
	if code == "999999" {
		return "000000"
	}
	return "999999"
}

func TestIssueVerifyReverify(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	rec := issueP1(t, h)
	if len(rec.Code) != 6 {
		t.Fatalf("code %q is not six digits", rec.Code)
	}
	if !rec.ExpiresAt.Equal(start.Add(600 * time.Second)) {
		t.Fatalf("expires at %v", rec.ExpiresAt)
	}

	h.factory.Cleanup()
	n := h.notifier.last()
	if n.PaymentID != "P1" || n.Amount != 500 || n.IssuerName != "Alice" || n.Code != rec.Code {
		t.Fatalf("unexpected notification %+v", n)
	}

	out, err := h.verifier.Verify(ctx, "P1", rec.Code, start.Add(time.Minute))
	if err != nil || out.Kind != model.OutcomeSuccess {
		t.Fatalf("first verify = %v, %v; want success", out.Kind, err)
	}

	out, err = h.verifier.Verify(ctx, "P1", rec.Code, start.Add(2*time.Minute))
	if err != nil || out.Kind != model.OutcomeExpired {
		t.Fatalf("reverify = %v, %v; want expired", out.Kind, err)
	}

	h.clock.Set(start.Add(2 * time.Minute))
	status, err := h.manager.GetSecurityStatus(ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if status.Attempts != 1 || status.ConsecutiveFailures != 0 || status.Locked {
		t.Fatalf("unexpected status %+v", status)
	}

	h.audit.Close()
	if h.sink.count(model.EventCodeIssued) != 1 || h.sink.count(model.EventVerified) != 1 {
		t.Fatal("expected issued and verified audit events")
	}
}

func TestUnknownPaymentIsExpired(t *testing.T) {
	h := newHarness(t, Options{})

	out, err := h.verifier.Verify(context.Background(), "missing", "123456", start)
	if err != nil || out.Kind != model.OutcomeExpired {
		t.Fatalf("verify unknown = %v, %v", out.Kind, err)
	}
	if _, err := h.manager.GetSecurityStatus(context.Background(), "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("status of unknown payment: %v", err)
	}
}

func TestExpiryDoesNotMutate(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	rec := issueP1(t, h)

	out, err := h.verifier.Verify(ctx, "P1", rec.Code, rec.ExpiresAt.Add(time.Millisecond))
	if err != nil || out.Kind != model.OutcomeExpired {
		t.Fatalf("verify after expiry = %v, %v", out.Kind, err)
	}

	stored, err := h.recon.Load(ctx, "P1", start)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Security.Attempts != 0 || stored.IsUsed || stored.Version != rec.Version {
		t.Fatalf("expired attempt mutated the record: %+v", stored)
	}

	out, err = h.verifier.Verify(ctx, "P1", rec.Code, rec.ExpiresAt)
	if err != nil || out.Kind != model.OutcomeSuccess {
		t.Fatalf("verify at exactly expiry = %v, %v; want success", out.Kind, err)
	}
}

func TestResendRoundTrip(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	first := issueP1(t, h)

	h.clock.Set(start.Add(time.Minute))
	second, err := h.manager.Resend(ctx, "P1")
	if err != nil {
		t.Fatalf("Resend failed: %v", err)
	}
	if second.OTPID == first.OTPID || second.ResendCount != 1 {
		t.Fatalf("resend did not rotate the code: %+v", second)
	}
	if !second.ExpiresAt.After(first.ExpiresAt) || !second.CreatedAt.After(first.CreatedAt) {
		t.Fatal("resend must move the validity window forward")
	}

	now := start.Add(2 * time.Minute)
	if first.Code != second.Code {
		out, err := h.verifier.Verify(ctx, "P1", first.Code, now)
		if err != nil || out.Kind != model.OutcomeInvalidCode {
			t.Fatalf("old code after resend = %v, %v", out.Kind, err)
		}
	}

	out, err := h.verifier.Verify(ctx, "P1", second.Code, now)
	if err != nil || out.Kind != model.OutcomeSuccess {
		t.Fatalf("new code = %v, %v", out.Kind, err)
	}

	if _, err := h.manager.Resend(ctx, "P1"); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("resend of confirmed payment: %v", err)
	}
}

func TestResendKeepsSecurityState(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	rec := issueP1(t, h)

	for i := 0; i < 2; i++ {
		if _, err := h.verifier.Verify(ctx, "P1", wrongCode(rec.Code), start); err != nil {
			t.Fatal(err)
		}
	}

	again, err := h.manager.Resend(ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Security.Attempts != 2 || again.Security.ConsecutiveFailures != 2 {
		t.Fatalf("resend reset the counters: %+v", again.Security)
	}
}

func TestResendKeepsCooldown(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	rec := issueP1(t, h)

	for i := 0; i < 3; i++ {
		if _, err := h.verifier.Verify(ctx, "P1", wrongCode(rec.Code), start); err != nil {
			t.Fatal(err)
		}
	}

	again, err := h.manager.Resend(ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Security.CooldownUntil == nil || !again.Security.CooldownUntil.Equal(start.Add(guard.DefaultBaseCooldown)) {
		t.Fatalf("resend dropped the cooldown: %+v", again.Security)
	}

	out, err := h.verifier.Verify(ctx, "P1", again.Code, start.Add(10*time.Second))
	if err != nil || out.Kind != model.OutcomeCooldown {
		t.Fatalf("new code during cooldown = %v, %v; want cooldown", out.Kind, err)
	}
}

func TestResendKeepsBreach(t *testing.T) {
	h := newHarness(t, Options{Policy: guard.Policy{BreachThreshold: 2}})
	ctx := context.Background()
	rec := issueP1(t, h)

	for i := 0; i < 2; i++ {
		if _, err := h.verifier.Verify(ctx, "P1", wrongCode(rec.Code), start); err != nil {
			t.Fatal(err)
		}
	}

	again, err := h.manager.Resend(ctx, "P1")
	if err != nil {
		t.Fatalf("resend of breached payment: %v", err)
	}
	if !again.Security.BreachDetected || again.Security.Attempts != 2 || again.Security.ConsecutiveFailures != 2 {
		t.Fatalf("resend reset the breach: %+v", again.Security)
	}

	out, err := h.verifier.Verify(ctx, "P1", again.Code, start.Add(time.Minute))
	if err != nil || out.Kind != model.OutcomeBreached {
		t.Fatalf("new code after breach = %v, %v; want breached", out.Kind, err)
	}

	// survives a reload from the durable tier
	h.recon.Cache().Delete("P1")
	out, _ = h.verifier.Verify(ctx, "P1", again.Code, start.Add(time.Minute))
	if out.Kind != model.OutcomeBreached {
		t.Fatalf("breach lost after reload: %v", out.Kind)
	}
}

func TestResendLimit(t *testing.T) {
	h := newHarness(t, Options{MaxResends: 2})
	ctx := context.Background()
	issueP1(t, h)

	for i := 0; i < 2; i++ {
		if _, err := h.manager.Resend(ctx, "P1"); err != nil {
			t.Fatalf("resend %d: %v", i+1, err)
		}
	}
	if _, err := h.manager.Resend(ctx, "P1"); !errors.Is(err, model.ErrResendLimit) {
		t.Fatalf("third resend: %v", err)
	}
	if _, err := h.manager.Resend(ctx, "unknown"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("resend unknown: %v", err)
	}
}

func TestIssueConflicts(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	rec := issueP1(t, h)

	req := IssueRequest{PaymentID: "P1", RetailerID: "R1", TenantID: "T1", Amount: 500}
	if _, err := h.manager.Issue(ctx, req); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("issue over live record: %v", err)
	}

	req.RetailerID = "R2"
	if _, err := h.manager.Issue(ctx, req); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("issue for another retailer: %v", err)
	}

	if _, err := h.verifier.Verify(ctx, "P1", wrongCode(rec.Code), start); err != nil {
		t.Fatal(err)
	}

	// An expired record can be replaced and its attempts carry over.
	h.clock.Set(rec.ExpiresAt.Add(time.Second))
	req.RetailerID = "R1"
	next, err := h.manager.Issue(ctx, req)
	if err != nil {
		t.Fatalf("issue over expired record: %v", err)
	}
	if next.Security.Attempts != 1 || next.OTPID == rec.OTPID {
		t.Fatalf("unexpected reissued record %+v", next)
	}

	if _, err := h.manager.Issue(ctx, IssueRequest{PaymentID: "P 2", RetailerID: "R1", TenantID: "T1"}); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("invalid payment id: %v", err)
	}
	if _, err := h.manager.Issue(ctx, IssueRequest{PaymentID: "P3", RetailerID: "R1", TenantID: "T1", Amount: -1}); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("negative amount: %v", err)
	}
}

func TestIssueTTLBounds(t *testing.T) {
	h := newHarness(t, Options{TTL: 10 * time.Minute, MaxTTL: 30 * time.Minute})
	ctx := context.Background()

	tests := []struct {
		paymentID string
		ttl       time.Duration
		want      time.Duration
	}{
		{"P-default", 0, 10 * time.Minute},
		{"P-short", 2 * time.Minute, 2 * time.Minute},
		{"P-long", 90 * 24 * time.Hour, 30 * time.Minute},
	}
	for _, tt := range tests {
		rec, err := h.manager.Issue(ctx, IssueRequest{PaymentID: tt.paymentID, RetailerID: "R1", TenantID: "T1", TTL: tt.ttl})
		if err != nil {
			t.Fatalf("%s: %v", tt.paymentID, err)
		}
		if got := rec.ExpiresAt.Sub(rec.CreatedAt); got != tt.want {
			t.Errorf("%s: ttl = %v, want %v", tt.paymentID, got, tt.want)
		}
	}
}

func TestLockoutEscalation(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	rec := issueP1(t, h)
	bad := wrongCode(rec.Code)

	now := start
	for i := 1; i <= 2; i++ {
		out, err := h.verifier.Verify(ctx, "P1", bad, now)
		if err != nil || out.Kind != model.OutcomeInvalidCode {
			t.Fatalf("failure %d = %v, %v", i, out.Kind, err)
		}
		if out.Status.RemainingAttempts != guard.DefaultBreachThreshold-i {
			t.Fatalf("failure %d remaining = %d", i, out.Status.RemainingAttempts)
		}
	}

	out, _ := h.verifier.Verify(ctx, "P1", bad, now)
	if out.Kind != model.OutcomeInvalidCode || out.Status.CooldownUntil == nil {
		t.Fatalf("third failure should start a cooldown: %+v", out)
	}

	out, _ = h.verifier.Verify(ctx, "P1", rec.Code, now.Add(10*time.Second))
	if out.Kind != model.OutcomeCooldown {
		t.Fatalf("attempt during cooldown = %v", out.Kind)
	}

	now = now.Add(31 * time.Second)
	h.verifier.Verify(ctx, "P1", bad, now)
	now = now.Add(61 * time.Second)
	out, _ = h.verifier.Verify(ctx, "P1", bad, now)
	if out.Kind != model.OutcomeInvalidCode || !out.Status.Locked {
		t.Fatalf("fifth failure should lock: %+v", out)
	}

	out, _ = h.verifier.Verify(ctx, "P1", rec.Code, now.Add(time.Second))
	if out.Kind != model.OutcomeBreached {
		t.Fatalf("breached payment accepted a code: %v", out.Kind)
	}

	h.audit.Close()
	if got := h.sink.count(model.EventBreachDetected); got != 1 {
		t.Fatalf("breach events = %d, want 1", got)
	}
}

func TestConcurrentWrongVerifies(t *testing.T) {
	h := newHarness(t, Options{Policy: guard.Policy{BreachThreshold: 50}})
	ctx := context.Background()
	issueP1(t, h)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.verifier.Verify(ctx, "P1", "not-a-code", start.Add(time.Second))
			if err != nil {
				errs <- err
				return
			}
			if out.Kind != model.OutcomeInvalidCode {
				errs <- errors.New("unexpected outcome " + out.Kind.String())
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	stored, err := h.recon.Load(ctx, "P1", start.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if stored.Security.Attempts != 50 || stored.Security.ConsecutiveFailures != 50 {
		t.Fatalf("lost attempts: %+v", stored.Security)
	}
	if !stored.Security.BreachDetected {
		t.Fatal("50th failure should mark the breach")
	}

	h.audit.Close()
	if got := h.sink.count(model.EventBreachDetected); got != 1 {
		t.Fatalf("breach events = %d, want exactly 1", got)
	}
	if got := h.sink.count(model.EventInvalidCode); got != 50 {
		t.Fatalf("invalid code events = %d, want 50", got)
	}
}

func TestCacheMissReconciliation(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	rec := issueP1(t, h)
	bad := wrongCode(rec.Code)

	for i := 0; i < 3; i++ {
		if _, err := h.verifier.Verify(ctx, "P1", bad, start); err != nil {
			t.Fatal(err)
		}
	}

	h.recon.Cache().Delete("P1")

	out, err := h.verifier.Verify(ctx, "P1", bad, start.Add(31*time.Second))
	if err != nil || out.Kind != model.OutcomeInvalidCode {
		t.Fatalf("verify after eviction = %v, %v", out.Kind, err)
	}
	if out.Status.Attempts != 4 || out.Status.ConsecutiveFailures != 4 {
		t.Fatalf("attempts after eviction = %+v, want 4", out.Status)
	}
}

func TestStorageFailureFailsClosed(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	rec := issueP1(t, h)

	h.mr.SetError("ERR durable tier unavailable")
	out, err := h.verifier.Verify(ctx, "P1", rec.Code, start)
	if !errors.Is(err, model.ErrStorage) {
		t.Fatalf("verify with durable tier down = %v, %v; want ErrStorage", out.Kind, err)
	}
	if out.Kind == model.OutcomeSuccess {
		t.Fatal("unpersisted confirmation reported success")
	}

	h.mr.SetError("")
	out, err = h.verifier.Verify(ctx, "P1", rec.Code, start)
	if err != nil || out.Kind != model.OutcomeSuccess {
		t.Fatalf("verify after recovery = %v, %v", out.Kind, err)
	}

	h.audit.Close()
	if h.sink.count(model.EventStorageFailure) == 0 {
		t.Fatal("storage failure was not audited")
	}
}

func TestSweepAndPrune(t *testing.T) {
	h := newHarness(t, Options{Retention: time.Hour})
	ctx := context.Background()
	rec := issueP1(t, h)

	h.clock.Set(rec.ExpiresAt.Add(time.Second))
	if n := h.manager.SweepExpired(ctx); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if n := h.manager.SweepExpired(ctx); n != 0 {
		t.Fatalf("second sweep removed %d, want 0", n)
	}
	if n, err := h.manager.PruneDurable(ctx, 0); err != nil || n != 0 {
		t.Fatalf("prune inside retention = %d, %v", n, err)
	}

	h.clock.Set(rec.ExpiresAt.Add(2 * time.Hour))
	if n, err := h.manager.PruneDurable(ctx, 0); err != nil || n != 1 {
		t.Fatalf("prune after retention = %d, %v", n, err)
	}
	if _, err := h.recon.Load(ctx, "P1", start); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("pruned record still loads: %v", err)
	}
}
