// Package retry decides which delivery failures may be retried and how long a
// failed record waits before it becomes claimable again.
package retry

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/model"
)

// Config contains the backoff parameters and the retryable error codes.
type Config struct {
	Base       time.Duration
	Multiplier float64
	// MaxDelay caps a single backoff step. Zero means uncapped.
	MaxDelay time.Duration
	// Retryable lists the transient codes. Every other code, including
	// codes the service has never seen, is permanent.
	Retryable []model.ErrorCode
}

// DefaultConfig yields 30s, 60s, 120s, ... for successive failures.
func DefaultConfig() Config {
	return Config{
		Base:       30 * time.Second,
		Multiplier: 2,
		Retryable:  DefaultRetryable(),
	}
}

// DefaultRetryable returns the transient provider error codes.
func DefaultRetryable() []model.ErrorCode {
	return []model.ErrorCode{model.CodeTimeout, model.CodeRateLimited, model.CodeNetwork, model.CodeProvider}
}

// ceiling bounds an uncapped backoff so time arithmetic cannot overflow.
const ceiling = 30 * 24 * time.Hour

type Policy struct {
	base       time.Duration
	multiplier float64
	maxDelay   time.Duration
	retryable  map[model.ErrorCode]struct{}
}

var _ model.RetryPolicy = (*Policy)(nil)

func NewPolicy(cfg Config) (*Policy, error) {
	if cfg.Base <= 0 {
		return nil, errors.New("retry base must be > 0")
	}
	if !(cfg.Multiplier > 1) {
		return nil, fmt.Errorf("retry multiplier must be > 1, got %v", cfg.Multiplier)
	}
	if cfg.MaxDelay < 0 {
		return nil, errors.New("retry max delay must be >= 0")
	}
	if cfg.MaxDelay > 0 && cfg.MaxDelay < cfg.Base {
		return nil, errors.New("retry max delay must be >= base")
	}

	set := make(map[model.ErrorCode]struct{}, len(cfg.Retryable))
	for _, c := range cfg.Retryable {
		if c == "" {
			return nil, errors.New("empty retryable error code")
		}
		set[c] = struct{}{}
	}

	return &Policy{
		base:       cfg.Base,
		multiplier: cfg.Multiplier,
		maxDelay:   cfg.MaxDelay,
		retryable:  set,
	}, nil
}

// Default returns the policy built from DefaultConfig.
func Default() *Policy {
	p, err := NewPolicy(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return p
}

// Classify reports whether code is transient. Unknown codes fail closed.
func (p *Policy) Classify(code model.ErrorCode) bool {
	_, ok := p.retryable[code]
	return ok
}

// Delay returns base * multiplier^attempt, capped at MaxDelay when set.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(p.base) * math.Pow(p.multiplier, float64(attempt))

	limit := ceiling
	if p.maxDelay > 0 {
		limit = p.maxDelay
	}
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}

func (p *Policy) NextAttemptAt(failedAt time.Time, attempt int) time.Time {
	return failedAt.Add(p.Delay(attempt))
}
