/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package netdev

import (
	"errors"
	"time"
)

// Config holds the device-level policy knobs.
type Config struct {
	// ConnectAttempts bounds the whole-command retries for connect.
	// Modules spuriously answer ERROR when busy right after link
	// establishment; three attempts are necessary on real hardware.
	ConnectAttempts int
	// ConnectBackoff is slept between connect attempts.
	ConnectBackoff time.Duration
	// ConnectTimeout bounds the wait for an asynchronous connect result.
	ConnectTimeout time.Duration
	// MaxZeroWrites caps consecutive writes the module accepted zero
	// bytes of before the write is abandoned.
	MaxZeroWrites int
	// DNSWindow is the retry window inside which an immediate ERROR from
	// the resolver is treated as transient.
	DNSWindow time.Duration
	// DNSInitialInterval seeds the backoff between resolver retries.
	DNSInitialInterval time.Duration
}

// DefaultConfig returns the default device policy.
func DefaultConfig() *Config {
	return &Config{
		ConnectAttempts:    3,
		ConnectBackoff:     250 * time.Millisecond,
		ConnectTimeout:     30 * time.Second,
		MaxZeroWrites:      8,
		DNSWindow:          5 * time.Second,
		DNSInitialInterval: 200 * time.Millisecond,
	}
}

// VerifyConfig rejects configurations the device cannot run with.
func VerifyConfig(c *Config) error {
	if c.ConnectAttempts < 1 {
		return errors.New("ConnectAttempts must be at least 1")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("ConnectTimeout must be positive")
	}
	if c.MaxZeroWrites < 1 {
		return errors.New("MaxZeroWrites must be at least 1")
	}
	if c.DNSWindow <= 0 {
		return errors.New("DNSWindow must be positive")
	}
	if c.DNSInitialInterval <= 0 {
		return errors.New("DNSInitialInterval must be positive")
	}
	return nil
}
