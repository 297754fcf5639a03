package executions

import (
	"errors"
	"time"

	"github.com/animus-labs/mediaflow/internal/platform/env"
)

const (
	DefaultExecutionTimeout = 5 * time.Minute
	DefaultMaxConcurrent    = 64
	DefaultMaxQueued        = 1024
)

type Config struct {
	// ExecutionTimeout caps the wall-clock time of one execution.
	ExecutionTimeout time.Duration
	// MaxConcurrent bounds the executions running at once.
	MaxConcurrent int
	// MaxQueued bounds the executions waiting for a worker. Triggers beyond
	// it fail with a dispatch error.
	MaxQueued int
}

func DefaultConfig() Config {
	return Config{
		ExecutionTimeout: DefaultExecutionTimeout,
		MaxConcurrent:    DefaultMaxConcurrent,
		MaxQueued:        DefaultMaxQueued,
	}
}

func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	var err error
	if cfg.ExecutionTimeout, err = env.Duration("MEDIAFLOW_EXECUTION_TIMEOUT", DefaultExecutionTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MaxConcurrent, err = env.Int("MEDIAFLOW_MAX_CONCURRENT_EXECUTIONS", DefaultMaxConcurrent); err != nil {
		return Config{}, err
	}
	if cfg.MaxQueued, err = env.Int("MEDIAFLOW_MAX_QUEUED_EXECUTIONS", DefaultMaxQueued); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ExecutionTimeout <= 0 {
		return errors.New("MEDIAFLOW_EXECUTION_TIMEOUT must be positive")
	}
	if c.MaxConcurrent < 1 {
		return errors.New("MEDIAFLOW_MAX_CONCURRENT_EXECUTIONS must be >= 1")
	}
	if c.MaxQueued < 0 {
		return errors.New("MEDIAFLOW_MAX_QUEUED_EXECUTIONS must be >= 0")
	}
	return nil
}
