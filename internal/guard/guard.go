// Package guard decides whether a confirmation attempt may proceed and how
// security counters evolve after it. It performs no I/O.
package guard

import (
	"time"

	"collection-otp-service/internal/model"
)

type Reason int

const (
	ReasonNone Reason = iota
	ReasonExpired
	ReasonBreached
	ReasonCooldown
)

func (r Reason) String() string {
	switch r {
	case ReasonExpired:
		return "expired"
	case ReasonBreached:
		return "breached"
	case ReasonCooldown:
		return "cooldown"
	default:
		return "none"
	}
}

type Decision struct {
	Allowed       bool
	Reason        Reason
	CooldownUntil *time.Time
}

type Guard struct {
	policy Policy
}

func New(policy Policy) *Guard {
	return &Guard{policy: policy.normalized()}
}

func (g *Guard) Policy() Policy {
	return g.policy
}

// CanAttempt applies, in order: expiry, breach, cooldown.
func (g *Guard) CanAttempt(rec *model.ConfirmationRecord, now time.Time) Decision {
	if rec.IsExpired(now) {
		return Decision{Reason: ReasonExpired}
	}
	if rec.Security.BreachDetected {
		return Decision{Reason: ReasonBreached}
	}
	if rec.Security.InCooldown(now) {
		until := *rec.Security.CooldownUntil
		return Decision{Reason: ReasonCooldown, CooldownUntil: &until}
	}
	return Decision{Allowed: true}
}

// RecordSuccess never clears a cooldown or a breach.
func (g *Guard) RecordSuccess(state model.SecurityState, now time.Time) model.SecurityState {
	next := state.Clone()
	next.Attempts++
	next.ConsecutiveFailures = 0
	next.LastAttemptAt = model.TimePtr(now)
	return next
}

// RecordFailure counts a submitted wrong code and escalates the cooldown.
// A new cooldown never shortens one already in place.
func (g *Guard) RecordFailure(state model.SecurityState, now time.Time) model.SecurityState {
	next := state.Clone()
	next.Attempts++
	next.ConsecutiveFailures++
	next.LastAttemptAt = model.TimePtr(now)

	if next.ConsecutiveFailures >= g.policy.BreachThreshold {
		next.BreachDetected = true
	}

	if d := g.policy.CooldownFor(next.ConsecutiveFailures); d > 0 {
		until := now.Add(d)
		if next.CooldownUntil == nil || until.After(*next.CooldownUntil) {
			next.CooldownUntil = &until
		}
	}
	return next
}

// Status projects a record for countdown and lockout messaging.
func (g *Guard) Status(rec *model.ConfirmationRecord, now time.Time) model.SecurityStatus {
	s := rec.Security.Clone()
	remaining := g.policy.BreachThreshold - s.ConsecutiveFailures
	if remaining < 0 || s.BreachDetected {
		remaining = 0
	}

	status := model.SecurityStatus{
		PaymentID:           rec.PaymentID,
		Attempts:            s.Attempts,
		ConsecutiveFailures: s.ConsecutiveFailures,
		RemainingAttempts:   remaining,
		LastAttemptAt:       s.LastAttemptAt,
		Locked:              s.BreachDetected,
		ExpiresAt:           rec.ExpiresAt,
	}
	if s.InCooldown(now) {
		until := *s.CooldownUntil
		status.CooldownUntil = &until
	}
	return status
}
