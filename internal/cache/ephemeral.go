// Package cache holds the process-local tier of confirmation records.
package cache

import (
	"sync"
	"time"

	"collection-otp-service/internal/model"
)

type entry struct {
	record *model.ConfirmationRecord
	stale  bool
}

// Ephemeral is a map of payment id to record. Records go in and out as
// clones so callers never share state with the cache.
type Ephemeral struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewEphemeral() *Ephemeral {
	return &Ephemeral{entries: make(map[string]*entry)}
}

// Get returns a usable record. Expired and stale entries are misses.
func (c *Ephemeral) Get(paymentID string, now time.Time) (*model.ConfirmationRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[paymentID]
	if !ok || e.stale || e.record.IsExpired(now) {
		return nil, false
	}
	return e.record.Clone(), true
}

// Security returns the cached security state even for stale and expired
// entries, so a reload can merge it with the durable copy.
func (c *Ephemeral) Security(paymentID string) (model.SecurityState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[paymentID]
	if !ok {
		return model.SecurityState{}, false
	}
	return e.record.Security.Clone(), true
}

// IsStale reports whether paymentID is cached but flagged for reload.
func (c *Ephemeral) IsStale(paymentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[paymentID]
	return ok && e.stale
}

// Set stores a copy of rec with the plaintext code stripped.
func (c *Ephemeral) Set(rec *model.ConfirmationRecord) {
	stored := rec.WithoutCode()

	c.mu.Lock()
	c.entries[stored.PaymentID] = &entry{record: stored}
	c.mu.Unlock()
}

// MarkStale forces the next Get to miss without losing the security state.
func (c *Ephemeral) MarkStale(paymentID string) {
	c.mu.Lock()
	if e, ok := c.entries[paymentID]; ok {
		e.stale = true
	}
	c.mu.Unlock()
}

func (c *Ephemeral) Delete(paymentID string) {
	c.mu.Lock()
	delete(c.entries, paymentID)
	c.mu.Unlock()
}

// SweepExpired drops every entry whose code expired before now and reports
// how many went.
func (c *Ephemeral) SweepExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, e := range c.entries {
		if e.record.IsExpired(now) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

func (c *Ephemeral) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
