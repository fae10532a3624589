package model

import "time"

const (
	EventCodeIssued     = "otp.issued"
	EventCodeResent     = "otp.resent"
	EventVerified       = "otp.verified"
	EventInvalidCode    = "otp.invalid_code"
	EventRejected       = "otp.rejected"
	EventBreachDetected = "otp.breach_detected"
	EventStorageFailure = "otp.storage_failure"
)

// SecurityEvent is one entry of the confirmation audit trail.
type SecurityEvent struct {
	EventID             string     `json:"event_id" db:"event_id"`
	EventBucket         int        `json:"event_bucket" db:"event_bucket"`
	EventDate           string     `json:"event_date" db:"event_date"`
	EventTime           time.Time  `json:"event_time" db:"event_time"`
	EventType           string     `json:"event_type" db:"event_type"`
	PaymentID           string     `json:"payment_id" db:"payment_id"`
	TenantID            string     `json:"tenant_id" db:"tenant_id"`
	RetailerID          string     `json:"retailer_id" db:"retailer_id"`
	Outcome             string     `json:"outcome,omitempty" db:"outcome"`
	Attempts            int        `json:"attempts" db:"attempts"`
	ConsecutiveFailures int        `json:"consecutive_failures" db:"consecutive_failures"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty" db:"cooldown_until"`
	BreachDetected      bool       `json:"breach_detected" db:"breach_detected"`
	Details             string     `json:"details,omitempty" db:"details"`
}
