package supervisor

import (
	"math/rand"
	"time"

	"github.com/tunneld/tunneld/internal/config"
	"github.com/tunneld/tunneld/internal/database"
)

// Policy is the resolved reconnect policy for one tunnel.
type Policy struct {
	Base            time.Duration
	Multiplier      float64
	Cap             time.Duration
	Jitter          float64
	MaxAttempts     int
	AuthMaxAttempts int
}

// Delay returns the wait before reconnect attempt k (1-based):
// min(Base * Multiplier^(k-1), Cap), with optional proportional jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.Cap) {
			d = float64(p.Cap)
			break
		}
	}
	if d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	delay := time.Duration(d)
	if p.Jitter > 0 {
		delay += time.Duration((rand.Float64()*2 - 1) * p.Jitter * float64(delay))
	}
	return delay
}

// resolvePolicy fills a profile's unset policy fields from the daemon-wide
// defaults.
func resolvePolicy(p *database.Profile) Policy {
	pol := Policy{
		Base:            p.BackoffBase,
		Multiplier:      p.BackoffMultiplier,
		Cap:             p.BackoffCap,
		Jitter:          p.BackoffJitter,
		MaxAttempts:     p.MaxAttempts,
		AuthMaxAttempts: p.AuthMaxAttempts,
	}
	if pol.Base <= 0 {
		pol.Base = config.Cfg.BackoffBase
	}
	if pol.Multiplier <= 0 {
		pol.Multiplier = config.Cfg.BackoffMultiplier
	}
	if pol.Cap <= 0 {
		pol.Cap = config.Cfg.BackoffCap
	}
	if pol.Jitter <= 0 {
		pol.Jitter = config.Cfg.BackoffJitter
	}
	if pol.MaxAttempts <= 0 {
		pol.MaxAttempts = config.Cfg.MaxAttempts
	}
	if pol.AuthMaxAttempts <= 0 {
		pol.AuthMaxAttempts = config.Cfg.AuthMaxAttempts
	}
	return pol
}
