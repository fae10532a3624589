package model

import "time"

// Owner is the resolved tenant/retailer pair that scopes a payment in the
// durable tier.
type Owner struct {
	TenantID   string `json:"tenant_id"`
	RetailerID string `json:"retailer_id"`
}

func (o Owner) IsZero() bool {
	return o.TenantID == "" && o.RetailerID == ""
}

// -------------------- SECURITY STATE --------------------

// SecurityState is the attempt bookkeeping of one payment. It outlives the
// individual codes issued for that payment.
type SecurityState struct {
	Attempts            int        `json:"attempts" db:"attempts"`
	ConsecutiveFailures int        `json:"consecutive_failures" db:"consecutive_failures"`
	LastAttemptAt       *time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty" db:"cooldown_until"`
	BreachDetected      bool       `json:"breach_detected" db:"breach_detected"`
}

// Clone returns a copy that shares no pointers with s.
func (s SecurityState) Clone() SecurityState {
	out := s
	out.LastAttemptAt = cloneTime(s.LastAttemptAt)
	out.CooldownUntil = cloneTime(s.CooldownUntil)
	return out
}

// InCooldown reports whether attempts are blocked at now.
func (s SecurityState) InCooldown(now time.Time) bool {
	return s.CooldownUntil != nil && s.CooldownUntil.After(now)
}

// -------------------- CONFIRMATION RECORD --------------------

type ConfirmationRecord struct {
	PaymentID  string `json:"payment_id" db:"payment_id"`
	RetailerID string `json:"retailer_id" db:"retailer_id"`
	TenantID   string `json:"tenant_id" db:"tenant_id"`
	OTPID      string `json:"otp_id" db:"otp_id"` // changes on every resend

	// Code is only set on the value handed back by issue/resend so the caller
	// can deliver it. Neither tier stores it.
	Code          string `json:"-"`
	CodeHash      string `json:"code_hash" db:"code_hash"`
	CodeSalt      string `json:"code_salt" db:"code_salt"`
	PepperVersion int    `json:"pepper_version" db:"pepper_version"`
	HashAlgorithm string `json:"hash_algorithm" db:"hash_algorithm"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	IsUsed    bool       `json:"is_used" db:"is_used"`
	UsedAt    *time.Time `json:"used_at,omitempty" db:"used_at"`

	Amount      int64  `json:"amount" db:"amount"` // minor currency units
	IssuerName  string `json:"issuer_name" db:"issuer_name"`
	ResendCount int    `json:"resend_count" db:"resend_count"`
	Version     int64  `json:"version" db:"version"`

	Security SecurityState `json:"security"`
}

func (r *ConfirmationRecord) Owner() Owner {
	return Owner{TenantID: r.TenantID, RetailerID: r.RetailerID}
}

// IsExpired is strict: a record is still valid at exactly ExpiresAt.
func (r *ConfirmationRecord) IsExpired(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

// IsLive reports an unused, unexpired record.
func (r *ConfirmationRecord) IsLive(now time.Time) bool {
	return !r.IsUsed && !r.IsExpired(now)
}

func (r *ConfirmationRecord) Clone() *ConfirmationRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.UsedAt = cloneTime(r.UsedAt)
	out.Security = r.Security.Clone()
	return &out
}

// WithoutCode returns a clone with the plaintext code stripped, the form
// both storage tiers hold.
func (r *ConfirmationRecord) WithoutCode() *ConfirmationRecord {
	out := r.Clone()
	if out != nil {
		out.Code = ""
	}
	return out
}

// -------------------- SECURITY STATUS --------------------

// SecurityStatus is the read-only projection shown to the retailer for
// countdown and lockout messaging.
type SecurityStatus struct {
	PaymentID           string     `json:"payment_id"`
	Attempts            int        `json:"attempts"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	RemainingAttempts   int        `json:"remaining_attempts"`
	LastAttemptAt       *time.Time `json:"last_attempt_at,omitempty"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	Locked              bool       `json:"locked"`
	ExpiresAt           time.Time  `json:"expires_at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
