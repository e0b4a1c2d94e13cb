// Package credentials manages the pool of access credentials for rate-limited
// sources: round-robin selection, per-credential pacing, and cool-down of
// credentials that hit a quota wall.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ianWYHH/Spidermind/internal/metrics"
)

// ErrExhausted is returned when every credential is cooling and none becomes
// available within the acquire bound. Callers treat it as fatal for the
// current target only.
var ErrExhausted = errors.New("credential pool exhausted")

// Credential is one access token handed out by the pool.
type Credential struct {
	Token string
	Label string
}

type entry struct {
	cred      Credential
	limiter   *rate.Limiter
	coolUntil time.Time
	lastUsed  time.Time
}

// Pool holds an ordered set of credentials behind internal locking. A nil
// *Pool is valid and hands out an empty credential, for sources that work
// unauthenticated.
type Pool struct {
	mu           sync.Mutex
	entries      []*entry
	next         int
	acquireBound time.Duration
	logger       *zap.Logger
}

// Config controls pool pacing.
type Config struct {
	// MinDelay is the minimum interval between two requests on the same
	// credential.
	MinDelay time.Duration
	// AcquireBound caps how long Acquire blocks when every credential is
	// cooling before giving up with ErrExhausted.
	AcquireBound time.Duration
}

// NewPool builds a pool from raw tokens, preserving order. Returns nil when
// no tokens are configured.
func NewPool(tokens []string, cfg Config, logger *zap.Logger) *Pool {
	if len(tokens) == 0 {
		return nil
	}
	metrics.Init()
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 100 * time.Millisecond
	}
	if cfg.AcquireBound <= 0 {
		cfg.AcquireBound = 30 * time.Second
	}
	entries := make([]*entry, 0, len(tokens))
	for i, tok := range tokens {
		entries = append(entries, &entry{
			cred:    Credential{Token: tok, Label: fmt.Sprintf("credential-%d", i)},
			limiter: rate.NewLimiter(rate.Every(cfg.MinDelay), 1),
		})
	}
	return &Pool{
		entries:      entries,
		acquireBound: cfg.AcquireBound,
		logger:       logger,
	}
}

// Len reports the pool size.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.entries)
}

// Acquire picks the next live credential round-robin, enforcing the
// per-credential minimum inter-request delay. When every credential is
// cooling it blocks until the earliest cool-down expires, bounded by the
// configured acquire bound.
func (p *Pool) Acquire(ctx context.Context) (Credential, error) {
	if p == nil {
		return Credential{}, nil
	}
	deadline := time.Now().Add(p.acquireBound)
	for {
		e, wait := p.pick(time.Now())
		if e != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return Credential{}, fmt.Errorf("wait credential limiter: %w", err)
			}
			p.mu.Lock()
			e.lastUsed = time.Now()
			p.mu.Unlock()
			return e.cred, nil
		}
		if time.Now().Add(wait).After(deadline) {
			return Credential{}, ErrExhausted
		}
		p.logger.Warn("all credentials cooling", zap.Duration("wait", wait))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Credential{}, fmt.Errorf("acquire credential: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// pick returns the next live entry, or nil plus the wait until the earliest
// cool-down expires.
func (p *Pool) pick(now time.Time) (*entry, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	earliest := time.Duration(-1)
	for i := 0; i < len(p.entries); i++ {
		e := p.entries[p.next]
		p.next = (p.next + 1) % len(p.entries)
		remaining := e.coolUntil.Sub(now)
		if remaining <= 0 {
			return e, 0
		}
		if earliest < 0 || remaining < earliest {
			earliest = remaining
		}
	}
	return nil, earliest
}

// CoolDown marks a credential temporarily dead after a 403/quota response.
// The caller must re-acquire; the pool skips cooling entries and wraps to the
// next live one.
func (p *Pool) CoolDown(cred Credential, d time.Duration) {
	if p == nil || d <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.cred.Token == cred.Token {
			e.coolUntil = time.Now().Add(d)
			metrics.ObserveCredentialCooldown()
			p.logger.Warn("credential cooling down",
				zap.String("credential", e.cred.Label),
				zap.Duration("for", d),
			)
			return
		}
	}
}
