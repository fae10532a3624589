package model

import "errors"

var (
	ErrNotFound        = errors.New("confirmation not found")
	ErrConflict        = errors.New("confirmation conflict")
	ErrExpired         = errors.New("confirmation expired")
	ErrCooldown        = errors.New("confirmation attempts cooling down")
	ErrBreached        = errors.New("confirmation locked after too many attempts")
	ErrResendLimit     = errors.New("confirmation resend limit reached")
	ErrInvalidInput    = errors.New("invalid input")
	ErrStorage         = errors.New("confirmation storage unavailable")
	ErrVersionConflict = errors.New("confirmation modified concurrently")
	ErrInternal        = errors.New("confirmation internal invariant violated")
)
