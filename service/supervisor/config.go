// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package supervisor

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Config struct {
	// InitialDelay is the delay before the first reconnection attempt.
	InitialDelay time.Duration `toml:"initial_delay"`
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration `toml:"max_delay"`
	// Multiplier is the exponential growth factor of the delay.
	Multiplier float64 `toml:"multiplier"`
	// Jitter is the fraction of the delay that is randomized, in [0, 1).
	Jitter float64 `toml:"jitter"`
	// MaxAttempts is the number of attempts before giving up. Zero means
	// unlimited.
	MaxAttempts int `toml:"max_attempts"`
}

func (c Config) IsValid() error {
	if c.InitialDelay <= 0 {
		return fmt.Errorf("invalid InitialDelay value: should be greater than zero")
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("invalid MaxDelay value: should not be lower than InitialDelay")
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("invalid Multiplier value: should be at least 1")
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return fmt.Errorf("invalid Jitter value: should be in [0, 1)")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("invalid MaxAttempts value: should not be negative")
	}
	return nil
}

func (c *Config) SetDefaults() {
	if c.InitialDelay == 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = time.Minute
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
	if c.Jitter == 0 {
		c.Jitter = 0.25
	}
}

// NewBackOff returns the delay policy for a reconnection loop. It never
// stops on its own, MaxAttempts is enforced by the loop.
func (c Config) NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
