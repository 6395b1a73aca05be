/*
 * Unified Bot Protocol
 * Copyright (C) 2026  L4DK
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package retryutils provides backoff helpers shared by the task manager and
// the reference agent.
package retryutils

import (
	"math/rand"
	"time"

	"github.com/gravitational/trace"
)

// Jitter applies random jitter to a duration. Implementations must be safe
// for concurrent use.
type Jitter func(time.Duration) time.Duration

// NewQuarterJitter returns a jitter on the range [3n/4, 5n/4), i.e. +/- 25%
// around the nominal value. Suitable for retry backoff where spreading
// retries matters more than strictly bounding them below the nominal value.
func NewQuarterJitter() Jitter {
	return func(d time.Duration) time.Duration {
		if d < 1 {
			return 0
		}
		return 3*d/4 + time.Duration(rand.Int63n(int64(d/2)))
	}
}

// ExponentialConfig configures an Exponential retry.
type ExponentialConfig struct {
	// Base is the first backoff value. Required.
	Base time.Duration
	// Factor multiplies the backoff on every Inc. Defaults to 2.
	Factor int64
	// Max caps the backoff. Required.
	Max time.Duration
	// Jitter is applied to every Duration call when set.
	Jitter Jitter
}

// CheckAndSetDefaults validates the config.
func (c *ExponentialConfig) CheckAndSetDefaults() error {
	switch {
	case c.Base <= 0:
		return trace.BadParameter("missing or invalid parameter Base")
	case c.Max <= 0:
		return trace.BadParameter("missing or invalid parameter Max")
	}
	if c.Factor == 0 {
		c.Factor = 2
	}
	return nil
}

// NewExponential returns a retry with exponentially growing backoff.
func NewExponential(cfg ExponentialConfig) (*Exponential, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Exponential{cfg: cfg, current: cfg.Base}, nil
}

// Exponential produces the delay sequence base, base*factor, ... capped at
// max. Not safe for concurrent use.
type Exponential struct {
	cfg     ExponentialConfig
	current time.Duration
}

// Duration returns the current backoff value with jitter applied.
func (r *Exponential) Duration() time.Duration {
	d := r.current
	if r.cfg.Jitter != nil {
		d = r.cfg.Jitter(d)
	}
	return d
}

// Inc advances to the next backoff value.
func (r *Exponential) Inc() {
	next := r.current * time.Duration(r.cfg.Factor)
	if next > r.cfg.Max || next <= 0 {
		next = r.cfg.Max
	}
	r.current = next
}

// Reset rewinds the backoff to its base value.
func (r *Exponential) Reset() {
	r.current = r.cfg.Base
}

// At returns the unjittered backoff value after n calls to Inc. Useful for
// asserting schedules in tests.
func (r *Exponential) At(n int) time.Duration {
	d := r.cfg.Base
	for i := 0; i < n; i++ {
		d *= time.Duration(r.cfg.Factor)
		if d > r.cfg.Max || d <= 0 {
			return r.cfg.Max
		}
	}
	return d
}
