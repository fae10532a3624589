package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"collection-otp-service/internal/cache"
	"collection-otp-service/internal/model"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeStore is an in-memory DurableStore with failure injection.
type fakeStore struct {
	mu       sync.Mutex
	rows     map[string]*model.ConfirmationRecord
	failPuts int
	// applyThenFail stores the row but still reports an error, like a write
	// whose acknowledgement timed out.
	applyThenFail bool
	failGets      bool
	// transientGets and transientResolves fail that many calls, then recover.
	transientGets     int
	transientResolves int
	gets              int
	puts              int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*model.ConfirmationRecord)}
}

func (s *fakeStore) ResolveOwner(ctx context.Context, paymentID string) (model.Owner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGets {
		return model.Owner{}, errors.New("cluster unavailable")
	}
	if s.transientResolves > 0 {
		s.transientResolves--
		return model.Owner{}, context.DeadlineExceeded
	}
	rec, ok := s.rows[paymentID]
	if !ok {
		return model.Owner{}, model.ErrNotFound
	}
	return rec.Owner(), nil
}

func (s *fakeStore) Get(ctx context.Context, owner model.Owner, paymentID string) (*model.ConfirmationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.failGets {
		return nil, errors.New("cluster unavailable")
	}
	if s.transientGets > 0 {
		s.transientGets--
		return nil, errors.New("transient timeout")
	}
	rec, ok := s.rows[paymentID]
	if !ok || rec.Owner() != owner {
		return nil, model.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *fakeStore) Put(ctx context.Context, rec *model.ConfirmationRecord, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++

	current := int64(0)
	if existing, ok := s.rows[rec.PaymentID]; ok {
		current = existing.Version
	}
	if current != expected {
		return model.ErrVersionConflict
	}
	if s.failPuts > 0 {
		s.failPuts--
		if s.applyThenFail {
			s.rows[rec.PaymentID] = rec.Clone()
		}
		return context.DeadlineExceeded
	}
	s.rows[rec.PaymentID] = rec.Clone()
	return nil
}

func (s *fakeStore) PruneExpired(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.rows {
		if rec.ExpiresAt.Before(before) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) HealthCheck(ctx context.Context) error { return nil }

func newRecord() *model.ConfirmationRecord {
	return &model.ConfirmationRecord{
		PaymentID:  "P1",
		TenantID:   "T1",
		RetailerID: "R1",
		OTPID:      "otp-1",
		Code:       "123456",
		CreatedAt:  now,
		ExpiresAt:  now.Add(10 * time.Minute),
	}
}

func setup() (*Reconciler, *fakeStore, *cache.Ephemeral) {
	store := newFakeStore()
	c := cache.NewEphemeral()
	return New(c, store, store, time.Millisecond), store, c
}

func TestSaveWritesBothTiers(t *testing.T) {
	r, store, c := setup()
	ctx := context.Background()

	saved, err := r.Save(ctx, newRecord())
	if err != nil {
		t.Fatal(err)
	}
	if saved.Version != 1 || saved.Code != "123456" {
		t.Fatalf("saved = version %d code %q", saved.Version, saved.Code)
	}
	if store.rows["P1"].Code != "" {
		t.Fatal("plaintext code reached the durable tier")
	}
	cached, ok := c.Get("P1", now)
	if !ok || cached.Code != "" || cached.Version != 1 {
		t.Fatalf("cache = %+v, %v", cached, ok)
	}
}

func TestLoadFromDurableOnMiss(t *testing.T) {
	r, _, c := setup()
	ctx := context.Background()

	if _, err := r.Load(ctx, "P1", now); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	rec := newRecord()
	rec.Security.Attempts = 3
	rec.Security.ConsecutiveFailures = 3
	if _, err := r.Save(ctx, rec); err != nil {
		t.Fatal(err)
	}
	c.Delete("P1")

	loaded, err := r.Load(ctx, "P1", now)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Security.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", loaded.Security.Attempts)
	}
	if _, ok := c.Get("P1", now); !ok {
		t.Fatal("load should refresh the cache")
	}
}

func TestLoadMergesStaleDurable(t *testing.T) {
	r, store, c := setup()
	ctx := context.Background()

	saved, err := r.Save(ctx, newRecord())
	if err != nil {
		t.Fatal(err)
	}

	// cache is ahead of a durable copy that lost a write
	ahead := saved.Clone()
	ahead.Security = model.SecurityState{
		Attempts:            4,
		ConsecutiveFailures: 4,
		CooldownUntil:       model.TimePtr(now.Add(time.Minute)),
		LastAttemptAt:       model.TimePtr(now),
	}
	c.Set(ahead)
	c.MarkStale("P1")

	store.rows["P1"].Security = model.SecurityState{
		Attempts:            2,
		ConsecutiveFailures: 1,
		LastAttemptAt:       model.TimePtr(now.Add(-time.Minute)),
		BreachDetected:      true,
	}

	loaded, err := r.Load(ctx, "P1", now)
	if err != nil {
		t.Fatal(err)
	}
	s := loaded.Security
	if s.Attempts != 4 || s.ConsecutiveFailures != 4 || !s.BreachDetected {
		t.Fatalf("merged counters wrong: %+v", s)
	}
	if s.CooldownUntil == nil || !s.CooldownUntil.Equal(now.Add(time.Minute)) {
		t.Fatalf("merged cooldown = %v", s.CooldownUntil)
	}
	if !s.LastAttemptAt.Equal(now) {
		t.Fatalf("merged last attempt = %v", s.LastAttemptAt)
	}
	if loaded.Version != 1 {
		t.Fatalf("version should come from the durable tier, got %d", loaded.Version)
	}
}

func TestLoadRejectsCorruptRecord(t *testing.T) {
	r, store, _ := setup()
	bad := newRecord()
	bad.Version = 1
	bad.Security = model.SecurityState{Attempts: 1, ConsecutiveFailures: 2}
	store.rows["P1"] = bad

	if _, err := r.Load(context.Background(), "P1", now); !errors.Is(err, model.ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
}

func TestLoadOwned(t *testing.T) {
	r, _, _ := setup()
	ctx := context.Background()
	if _, err := r.Save(ctx, newRecord()); err != nil {
		t.Fatal(err)
	}

	if _, err := r.LoadOwned(ctx, model.Owner{TenantID: "T1", RetailerID: "R1"}, "P1", now); err != nil {
		t.Fatal(err)
	}
	if _, err := r.LoadOwned(ctx, model.Owner{TenantID: "T1", RetailerID: "R2"}, "P1", now); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestSaveRetriesTransientFailureOnce(t *testing.T) {
	r, store, _ := setup()
	store.failPuts = 1

	if _, err := r.Save(context.Background(), newRecord()); err != nil {
		t.Fatalf("single transient failure should be retried: %v", err)
	}
	if store.puts != 2 {
		t.Fatalf("puts = %d, want 2", store.puts)
	}
}

func TestSaveRetryAfterLostAck(t *testing.T) {
	r, store, _ := setup()
	store.failPuts = 1
	store.applyThenFail = true

	saved, err := r.Save(context.Background(), newRecord())
	if err != nil {
		t.Fatalf("write that landed should be recognised: %v", err)
	}
	if saved.Version != 1 || store.rows["P1"].Version != 1 {
		t.Fatal("record applied more than once")
	}
}

func TestSaveFailsClosed(t *testing.T) {
	r, store, c := setup()
	ctx := context.Background()
	saved, _ := r.Save(ctx, newRecord())

	store.failPuts = 2
	next := saved.Clone()
	next.IsUsed = true
	next.UsedAt = model.TimePtr(now)

	if _, err := r.Save(ctx, next); !errors.Is(err, model.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	cached, _ := c.Get("P1", now)
	if cached.IsUsed {
		t.Fatal("cache must not hold a state the durable tier rejected")
	}
}

func TestSaveVersionConflictMarksStale(t *testing.T) {
	r, store, c := setup()
	ctx := context.Background()
	saved, _ := r.Save(ctx, newRecord())

	// another instance moved the row on
	other := store.rows["P1"].Clone()
	other.Version = 2
	other.Security = model.SecurityState{Attempts: 1, ConsecutiveFailures: 1}
	store.rows["P1"] = other

	next := saved.Clone()
	next.Security.Attempts = 1
	if _, err := r.Save(ctx, next); !errors.Is(err, model.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if store.puts != 2 {
		t.Fatalf("version conflicts must not be retried, puts = %d", store.puts)
	}
	if _, ok := c.Get("P1", now); ok {
		t.Fatal("conflicting entry should be stale")
	}

	reloaded, err := r.Load(ctx, "P1", now)
	if err != nil || reloaded.Version != 2 || reloaded.Security.ConsecutiveFailures != 1 {
		t.Fatalf("reload = %+v, %v", reloaded, err)
	}
}

func TestLoadStorageFailure(t *testing.T) {
	r, store, _ := setup()
	store.failGets = true
	if _, err := r.Load(context.Background(), "P1", now); !errors.Is(err, model.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
}

func TestLoadRetriesTransientReadOnce(t *testing.T) {
	tests := []struct {
		name     string
		resolves int
		gets     int
	}{
		{"owner lookup", 1, 0},
		{"record read", 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store, c := setup()
			ctx := context.Background()
			if _, err := r.Save(ctx, newRecord()); err != nil {
				t.Fatal(err)
			}
			c.Delete("P1")
			store.transientResolves = tt.resolves
			store.transientGets = tt.gets

			rec, err := r.Load(ctx, "P1", now)
			if err != nil {
				t.Fatalf("single transient failure surfaced: %v", err)
			}
			if rec.Version != 1 {
				t.Fatalf("loaded version %d", rec.Version)
			}
		})
	}
}

func TestLoadGivesUpAfterOneRetry(t *testing.T) {
	r, store, c := setup()
	ctx := context.Background()
	r.Save(ctx, newRecord())
	c.Delete("P1")
	store.transientGets = 2
	store.gets = 0

	if _, err := r.Load(ctx, "P1", now); !errors.Is(err, model.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if store.gets != 2 {
		t.Fatalf("durable reads = %d, want 2", store.gets)
	}
}

func TestLoadDoesNotRetryNotFound(t *testing.T) {
	r, store, _ := setup()
	if _, err := r.Load(context.Background(), "missing", now); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if store.gets != 0 {
		t.Fatalf("unknown payment read the record table %d times", store.gets)
	}
}

func TestPruneDurable(t *testing.T) {
	r, store, _ := setup()
	ctx := context.Background()
	r.Save(ctx, newRecord())

	n, err := r.PruneDurable(ctx, now.Add(time.Hour))
	if err != nil || n != 1 || len(store.rows) != 0 {
		t.Fatalf("prune = %d, %v", n, err)
	}
}

func TestMergeSecurityIsCommutative(t *testing.T) {
	a := model.SecurityState{Attempts: 3, ConsecutiveFailures: 0, LastAttemptAt: model.TimePtr(now)}
	b := model.SecurityState{Attempts: 2, ConsecutiveFailures: 2, CooldownUntil: model.TimePtr(now.Add(time.Minute))}

	ab, ba := MergeSecurity(a, b), MergeSecurity(b, a)
	if ab.Attempts != ba.Attempts || ab.ConsecutiveFailures != ba.ConsecutiveFailures ||
		!ab.CooldownUntil.Equal(*ba.CooldownUntil) || !ab.LastAttemptAt.Equal(*ba.LastAttemptAt) {
		t.Fatalf("merge not commutative: %+v vs %+v", ab, ba)
	}
	if ab.Attempts != 3 || ab.ConsecutiveFailures != 2 {
		t.Fatalf("merge = %+v", ab)
	}
}
