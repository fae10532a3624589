// Package otp produces numeric confirmation codes.
package otp

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

const (
	DefaultDigits = 6
	maxDigits     = 18 // codes are formatted from an int64
)

// Generator draws fixed-length numeric codes uniformly from [0, 10^digits).
type Generator struct {
	digits int
	bound  *big.Int
	source io.Reader
}

func NewGenerator(digits int) *Generator {
	if digits <= 0 {
		digits = DefaultDigits
	}
	if digits > maxDigits {
		digits = maxDigits
	}
	return &Generator{
		digits: digits,
		bound:  new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil),
		source: rand.Reader,
	}
}

func (g *Generator) Digits() int {
	return g.digits
}

// Generate returns a zero-padded code. rand.Int rejects out-of-range samples,
// so there is no modulo bias. A failing system RNG is not recoverable and
// panics.
func (g *Generator) Generate() string {
	n, err := rand.Int(g.source, g.bound)
	if err != nil {
		panic(fmt.Sprintf("otp: crypto/rand unavailable: %v", err))
	}
	return fmt.Sprintf("%0*d", g.digits, n.Int64())
}
