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

import "github.com/srediag/atsock/api"

// Re-exported sentinels so callers of this package match errors without
// importing api.
var (
	ErrInvalidParam    = api.ErrInvalidParam
	ErrNoMemory        = api.ErrNoMemory
	ErrTimeout         = api.ErrTimeout
	ErrDeviceError     = api.ErrDeviceError
	ErrWouldBlock      = api.ErrWouldBlock
	ErrNotSupported    = api.ErrNotSupported
	ErrBadHandle       = api.ErrBadHandle
	ErrClosed          = api.ErrClosed
	ErrHostUnreachable = api.ErrHostUnreachable
)
