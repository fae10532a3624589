package model

import "time"

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota + 1
	OutcomeInvalidCode
	OutcomeExpired
	OutcomeCooldown
	OutcomeBreached
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeInvalidCode:
		return "invalid_code"
	case OutcomeExpired:
		return "expired"
	case OutcomeCooldown:
		return "cooldown"
	case OutcomeBreached:
		return "breached"
	default:
		return "unknown"
	}
}

func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Outcome is the typed result of a verification. Guard rejections are
// outcomes, not errors.
type Outcome struct {
	Kind          OutcomeKind     `json:"kind"`
	Status        *SecurityStatus `json:"status,omitempty"`         // InvalidCode
	CooldownUntil *time.Time      `json:"cooldown_until,omitempty"` // Cooldown
}

func SuccessOutcome() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

func InvalidCodeOutcome(status SecurityStatus) Outcome {
	return Outcome{Kind: OutcomeInvalidCode, Status: &status}
}

func ExpiredOutcome() Outcome {
	return Outcome{Kind: OutcomeExpired}
}

func CooldownOutcome(until time.Time) Outcome {
	return Outcome{Kind: OutcomeCooldown, CooldownUntil: &until}
}

func BreachedOutcome() Outcome {
	return Outcome{Kind: OutcomeBreached}
}
