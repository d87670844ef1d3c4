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

	"github.com/cenkalti/backoff/v4"

	"github.com/srediag/atsock/api"
)

// Retry policy for operations known to fail transiently on real hardware:
// connect, close and DNS. Only a module-reported ERROR is retried; a timeout
// means the command is still in flight module-side and repeating it would
// only queue more work behind a stuck channel.

func retryable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, api.ErrDeviceError) {
		return err
	}
	return backoff.Permanent(err)
}

// retryConnect runs op up to attempts times with a constant pause between
// module-reported failures.
func retryConnect(op func() error, attempts int, pause time.Duration) error {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(pause), uint64(attempts-1))
	err := backoff.Retry(func() error {
		retriesTotal.Inc()
		return retryable(op())
	}, b)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// retryDNS runs op with exponential backoff inside the retry window. An
// immediate ERROR within the window is transient (the resolver was busy);
// once the window has elapsed the last error is terminal.
func retryDNS(op func() error, window, initial time.Duration) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxElapsedTime(window),
	)
	err := backoff.Retry(func() error {
		retriesTotal.Inc()
		return retryable(op())
	}, b)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
