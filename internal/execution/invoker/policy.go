package invoker

import (
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/mediaflow/internal/domain"
	"github.com/animus-labs/mediaflow/internal/platform/env"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = 500 * time.Millisecond
	DefaultMaxBackoff  = 4 * time.Second
	DefaultFactor      = 2.0
	DefaultTimeout     = 30 * time.Second
)

// Policy is the bounded exponential retry policy applied to transient
// failures.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	Factor      float64
	MaxBackoff  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseBackoff: DefaultBaseBackoff,
		Factor:      DefaultFactor,
		MaxBackoff:  DefaultMaxBackoff,
	}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry max attempts must be >= 1")
	}
	if p.BaseBackoff < 0 || p.MaxBackoff < 0 {
		return errors.New("retry backoff must be >= 0")
	}
	if p.Factor < 1 {
		return errors.New("retry factor must be >= 1")
	}
	if p.MaxBackoff > 0 && p.MaxBackoff < p.BaseBackoff {
		return errors.New("retry max backoff must be >= base backoff")
	}
	return nil
}

// Backoff returns the wait before retry number n (1-based).
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		return 0
	}
	delay := float64(p.BaseBackoff)
	for i := 1; i < n; i++ {
		delay *= p.Factor
		if p.MaxBackoff > 0 && delay >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	d := time.Duration(delay)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

type Config struct {
	Policy Policy
	// Timeouts bounds each attempt per service. Services without an entry
	// use DefaultTimeout.
	Timeouts map[domain.ServiceKind]time.Duration
}

func (c Config) Timeout(service domain.ServiceKind) time.Duration {
	if d, ok := c.Timeouts[service]; ok && d > 0 {
		return d
	}
	return DefaultTimeout
}

// ConfigFromEnv reads the retry policy; timeouts come from the downstream
// endpoint configuration.
func ConfigFromEnv(timeouts map[domain.ServiceKind]time.Duration) (Config, error) {
	p := DefaultPolicy()
	var err error
	if p.MaxAttempts, err = env.Int("MEDIAFLOW_RETRY_MAX_ATTEMPTS", DefaultMaxAttempts); err != nil {
		return Config{}, err
	}
	if p.BaseBackoff, err = env.Duration("MEDIAFLOW_RETRY_BASE_BACKOFF", DefaultBaseBackoff); err != nil {
		return Config{}, err
	}
	if p.Factor, err = env.Float("MEDIAFLOW_RETRY_FACTOR", DefaultFactor); err != nil {
		return Config{}, err
	}
	if p.MaxBackoff, err = env.Duration("MEDIAFLOW_RETRY_MAX_BACKOFF", DefaultMaxBackoff); err != nil {
		return Config{}, err
	}
	if err := p.Validate(); err != nil {
		return Config{}, fmt.Errorf("retry policy: %w", err)
	}
	return Config{Policy: p, Timeouts: timeouts}, nil
}
