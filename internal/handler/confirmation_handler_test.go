package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"collection-otp-service/internal/bucketing"
	"collection-otp-service/internal/cache"
	"collection-otp-service/internal/client"
	"collection-otp-service/internal/config"
	"collection-otp-service/internal/encryption"
	"collection-otp-service/internal/guard"
	"collection-otp-service/internal/hashing"
	"collection-otp-service/internal/notify"
	"collection-otp-service/internal/reconciler"
	redisrepo "collection-otp-service/internal/repository/redis"
	"collection-otp-service/internal/service"
)

type codeCatcher struct {
	mu    sync.Mutex
	codes map[string]string
}

func (c *codeCatcher) Notify(ctx context.Context, n notify.Notification) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[n.PaymentID] = n.Code
	return true
}

type testServer struct {
	mr      *miniredis.Miniredis
	router  http.Handler
	factory *service.ServiceFactory
	codes   *codeCatcher
}

func newTestServer(t *testing.T, policy guard.Policy) *testServer {
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
	hasher, err := hashing.NewHasherWithParams(hashing.Argon2Params{Memory: 64, Iterations: 1, Parallelism: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}

	codes := &codeCatcher{codes: map[string]string{}}
	f := service.NewServiceFactory(recon, hasher, bucketing.NewBucketingManager(&config.Config{}), codes, nil,
		service.Options{Policy: policy})

	h := NewConfirmationHandler(f.Manager(), f.Verifier(), recon, zap.NewNop())
	return &testServer{
		mr:      mr,
		router:  NewRouter(h, nil, zap.NewNop()),
		factory: f,
		codes:   codes,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) issue(t *testing.T, paymentID string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/confirmations", map[string]interface{}{
		"payment_id":  paymentID,
		"retailer_id": "R1",
		"tenant_id":   "T1",
		"amount":      500,
		"issuer_name": "Alice",
		"ttl_seconds": 600,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue status = %d, body %s", rec.Code, rec.Body.String())
	}
	if bytes.Contains(rec.Body.Bytes(), []byte(`"code"`)) {
		t.Fatal("issue response must not carry the code")
	}
	s.factory.Cleanup()
	s.codes.mu.Lock()
	defer s.codes.mu.Unlock()
	return s.codes.codes[paymentID]
}

func wrong(code string) string {
	if code == "111111" {
		return "222222"
	}
	return "111111"
}

func TestVerifyStatusMapping(t *testing.T) {
	s := newTestServer(t, guard.DefaultPolicy())
	code := s.issue(t, "P1")

	if rec := s.do(t, http.MethodPost, "/api/v1/confirmations/P1/verify", verifyRequest{Code: wrong(code)}); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("wrong code status = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/v1/confirmations/P1/verify", verifyRequest{Code: code}); rec.Code != http.StatusOK {
		t.Fatalf("right code status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, http.MethodPost, "/api/v1/confirmations/P1/verify", verifyRequest{Code: code}); rec.Code != http.StatusGone {
		t.Fatalf("reverify status = %d", rec.Code)
	}

	rec := s.do(t, http.MethodGet, "/api/v1/confirmations/P1/security", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("security status = %d", rec.Code)
	}
	var resp struct {
		Data struct {
			Attempts  int  `json:"attempts"`
			Locked    bool `json:"locked"`
		} `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.Attempts != 2 || resp.Data.Locked {
		t.Fatalf("unexpected status %+v", resp.Data)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("confirmed")) {
		t.Fatal("security status must not reveal whether the payment was collected")
	}
}

func TestIssueErrors(t *testing.T) {
	s := newTestServer(t, guard.DefaultPolicy())
	s.issue(t, "P1")

	rec := s.do(t, http.MethodPost, "/api/v1/confirmations", map[string]interface{}{
		"payment_id": "P1", "retailer_id": "R1", "tenant_id": "T1", "amount": 1,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate issue status = %d", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/confirmations", map[string]interface{}{"payment_id": "P2", "bogus": true})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", rec.Code)
	}

	if rec := s.do(t, http.MethodGet, "/api/v1/confirmations/nope/security", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown security status = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/v1/confirmations/nope/resend", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown resend status = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/v1/confirmations/P1/resend", nil); rec.Code != http.StatusOK {
		t.Fatalf("resend status = %d", rec.Code)
	}
}

func TestIssueClampsLongTTL(t *testing.T) {
	s := newTestServer(t, guard.DefaultPolicy())

	rec := s.do(t, http.MethodPost, "/api/v1/confirmations", map[string]interface{}{
		"payment_id":  "P9",
		"retailer_id": "R1",
		"tenant_id":   "T1",
		"amount":      1,
		"ttl_seconds": 90 * 24 * 3600,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue status = %d", rec.Code)
	}
	var resp struct {
		Data struct {
			ExpiresAt time.Time `json:"expires_at"`
		} `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if limit := time.Now().Add(31 * time.Minute); resp.Data.ExpiresAt.After(limit) {
		t.Fatalf("expires_at %v beyond the maximum TTL", resp.Data.ExpiresAt)
	}
}

func TestCooldownSetsRetryAfter(t *testing.T) {
	s := newTestServer(t, guard.Policy{CooldownThreshold: 1, BaseCooldown: 30 * time.Second, MaxCooldown: time.Minute, BreachThreshold: 5, BreachCooldown: time.Hour})
	code := s.issue(t, "P1")

	s.do(t, http.MethodPost, "/api/v1/confirmations/P1/verify", verifyRequest{Code: wrong(code)})
	rec := s.do(t, http.MethodPost, "/api/v1/confirmations/P1/verify", verifyRequest{Code: code})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("cooldown status = %d", rec.Code)
	}
	if ra := rec.Header().Get("Retry-After"); ra == "" || ra == "0" {
		t.Fatalf("Retry-After = %q", ra)
	}
}

func TestBreachIsLocked(t *testing.T) {
	s := newTestServer(t, guard.Policy{BreachThreshold: 1})
	code := s.issue(t, "P1")

	s.do(t, http.MethodPost, "/api/v1/confirmations/P1/verify", verifyRequest{Code: wrong(code)})
	rec := s.do(t, http.MethodPost, "/api/v1/confirmations/P1/verify", verifyRequest{Code: code})
	if rec.Code != http.StatusLocked {
		t.Fatalf("breached status = %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("threshold")) {
		t.Fatal("breach response leaks policy detail")
	}
}

func TestHealthAndStorageOutage(t *testing.T) {
	s := newTestServer(t, guard.DefaultPolicy())
	code := s.issue(t, "P1")

	if rec := s.do(t, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}

	s.mr.SetError("ERR durable tier unavailable")
	if rec := s.do(t, http.MethodGet, "/health", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("health during outage = %d", rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/api/v1/confirmations/P1/verify", verifyRequest{Code: code})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("verify during outage = %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("durable tier unavailable")) {
		t.Fatal("storage detail leaked to the caller")
	}
}

func TestRetryAfterRoundsUp(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		until time.Time
		want  string
	}{
		{now.Add(30 * time.Second), "30"},
		{now.Add(1500 * time.Millisecond), "2"},
		{now.Add(-time.Second), "1"},
	}
	for _, tt := range tests {
		if got := retryAfter(tt.until, now); got != tt.want {
			t.Errorf("retryAfter(%v) = %s, want %s", tt.until.Sub(now), got, tt.want)
		}
	}
}
