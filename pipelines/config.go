package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/mediaflow/internal/platform/env"
)

const (
	storeSQL    = "sql"
	storeMemory = "memory"
)

type serviceConfig struct {
	Addr              string
	ShutdownTimeout   time.Duration
	Store             string
	AuthSecret        string
	PricingFile       string
	ArtifactsEnabled  bool
	MaxRequestBody    int64
	DependencyTimeout time.Duration
}

func serviceConfigFromEnv() (serviceConfig, error) {
	shutdownTimeout, err := env.Duration("MEDIAFLOW_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return serviceConfig{}, err
	}
	artifacts, err := env.Bool("MEDIAFLOW_ARTIFACTS_ENABLED", false)
	if err != nil {
		return serviceConfig{}, err
	}
	maxBody, err := env.Int("MEDIAFLOW_MAX_REQUEST_BODY_BYTES", 1<<20)
	if err != nil {
		return serviceConfig{}, err
	}
	cfg := serviceConfig{
		Addr:              env.String("MEDIAFLOW_HTTP_ADDR", ":8004"),
		ShutdownTimeout:   shutdownTimeout,
		Store:             strings.ToLower(strings.TrimSpace(env.String("MEDIAFLOW_STORE", storeSQL))),
		AuthSecret:        env.String("MEDIAFLOW_INTERNAL_AUTH_SECRET", ""),
		PricingFile:       strings.TrimSpace(env.String("MEDIAFLOW_PRICING_FILE", "")),
		ArtifactsEnabled:  artifacts,
		MaxRequestBody:    int64(maxBody),
		DependencyTimeout: 750 * time.Millisecond,
	}
	if err := cfg.Validate(); err != nil {
		return serviceConfig{}, err
	}
	return cfg, nil
}

func (c serviceConfig) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("MEDIAFLOW_HTTP_ADDR is required")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("MEDIAFLOW_SHUTDOWN_TIMEOUT must be positive")
	}
	switch c.Store {
	case storeSQL, storeMemory:
	default:
		return fmt.Errorf("MEDIAFLOW_STORE must be %q or %q", storeSQL, storeMemory)
	}
	if c.MaxRequestBody <= 0 {
		return errors.New("MEDIAFLOW_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}
