package guard

import "time"

// Default escalation policy.
//
//	failures 1-2  no cooldown
//	failure  3    30s
//	failure  4    60s
//	failure  5    breach, 15m cooldown, sticky lock
const (
	DefaultCooldownThreshold = 3
	DefaultBaseCooldown      = 30 * time.Second
	DefaultMaxCooldown       = 5 * time.Minute
	DefaultBreachThreshold   = 5
	DefaultBreachCooldown    = 15 * time.Minute
)

// Policy holds the lockout thresholds. BaseCooldown == 0 disables soft
// cooldowns; the breach threshold always applies.
type Policy struct {
	CooldownThreshold int
	BaseCooldown      time.Duration
	MaxCooldown       time.Duration
	BreachThreshold   int
	BreachCooldown    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		CooldownThreshold: DefaultCooldownThreshold,
		BaseCooldown:      DefaultBaseCooldown,
		MaxCooldown:       DefaultMaxCooldown,
		BreachThreshold:   DefaultBreachThreshold,
		BreachCooldown:    DefaultBreachCooldown,
	}
}

func (p Policy) normalized() Policy {
	if p.BreachThreshold <= 0 {
		p.BreachThreshold = DefaultBreachThreshold
	}
	if p.CooldownThreshold <= 0 {
		p.CooldownThreshold = DefaultCooldownThreshold
	}
	if p.BaseCooldown < 0 {
		p.BaseCooldown = 0
	}
	if p.MaxCooldown < p.BaseCooldown {
		p.MaxCooldown = p.BaseCooldown
	}
	if p.BreachCooldown < 0 {
		p.BreachCooldown = 0
	}
	return p
}

// CooldownFor returns the cooldown imposed after the given number of
// consecutive failures. It is non-decreasing in consecutive.
func (p Policy) CooldownFor(consecutive int) time.Duration {
	soft := p.softCooldown(consecutive)
	if consecutive >= p.BreachThreshold {
		if p.BreachCooldown > soft {
			return p.BreachCooldown
		}
		return soft
	}
	return soft
}

func (p Policy) softCooldown(consecutive int) time.Duration {
	if p.BaseCooldown <= 0 || consecutive < p.CooldownThreshold {
		return 0
	}
	d := p.BaseCooldown
	for i := p.CooldownThreshold; i < consecutive; i++ {
		d *= 2
		if d >= p.MaxCooldown || d <= 0 {
			return p.MaxCooldown
		}
	}
	if d > p.MaxCooldown {
		return p.MaxCooldown
	}
	return d
}
