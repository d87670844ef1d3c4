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

package at

import (
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Config holds the tunables of one command/response channel.
type Config struct {
	// ResponseTimeout bounds a transaction when the request carries no
	// timeout of its own.
	ResponseTimeout time.Duration
	// PromptTimeout bounds the wait for the raw-payload prompt byte.
	PromptTimeout time.Duration
	// PromptGuard is slept after the prompt before raw bytes are written.
	// Cellular modems drop leading payload bytes without it.
	PromptGuard time.Duration
	// NotifyQueueCap caps the unsolicited-notification queue between the
	// reader and the dispatcher.
	NotifyQueueCap int64
	// CallbackWorkers sizes the deferred-callback pool. One worker keeps
	// user callbacks ordered; raise it only if callbacks are independent.
	CallbackWorkers int
	// LineMax is the longest response line accepted before the reader
	// declares the channel corrupt.
	LineMax int
	// LogOutput receives internal log lines. Defaults to os.Stdout.
	LogOutput io.Writer
	// Meter and Tracer, when set, instrument every transaction.
	Meter  metric.Meter
	Tracer trace.Tracer
}

// DefaultConfig returns the default channel configuration.
func DefaultConfig() *Config {
	return &Config{
		ResponseTimeout: 10 * time.Second,
		PromptTimeout:   5 * time.Second,
		PromptGuard:     50 * time.Millisecond,
		NotifyQueueCap:  256,
		CallbackWorkers: 1,
		LineMax:         4096,
	}
}

// VerifyConfig rejects configurations the channel cannot run with.
func VerifyConfig(c *Config) error {
	if c.ResponseTimeout <= 0 {
		return errors.New("ResponseTimeout must be positive")
	}
	if c.PromptTimeout <= 0 {
		return errors.New("PromptTimeout must be positive")
	}
	if c.NotifyQueueCap <= 0 {
		return errors.New("NotifyQueueCap must be positive")
	}
	if c.CallbackWorkers <= 0 {
		return errors.New("CallbackWorkers must be positive")
	}
	if c.LineMax < 128 {
		return errors.New("LineMax too small for AT response lines")
	}
	return nil
}
