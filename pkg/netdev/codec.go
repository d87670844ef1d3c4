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
	"fmt"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/atsock/api"
)

// Hex mode is the payload-encoding fallback for channels or module variants
// that cannot pass arbitrary 8-bit values (embedded NUL bytes, control
// characters) inside a quoted string. Every payload byte is expanded to two
// hex characters on the way out and collapsed back on the way in. The mode
// is a per-device setting, not per-socket.

const hexDigits = "0123456789ABCDEF"

// HexScratchSize is the scratch buffer size needed to expand n payload
// bytes: two characters per byte plus one for the terminator the command
// builder appends.
func HexScratchSize(n int) int {
	return 2*n + 1
}

// AppendHex appends the hex expansion of p to dst. Family adapters build
// their quoted command arguments through this; dst comes from the shared
// buffer pool so chunk-sized expansions do not churn the allocator.
func AppendHex(dst *bytebufferpool.ByteBuffer, p []byte) {
	for _, b := range p {
		_ = dst.WriteByte(hexDigits[b>>4])
		_ = dst.WriteByte(hexDigits[b&0x0f])
	}
}

// EncodeHex returns the hex expansion of p as a string.
func EncodeHex(p []byte) string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	AppendHex(buf, p)
	return buf.String()
}

// DecodeHex collapses the hex text src into dst, returning the number of
// payload bytes produced. Malformed input is an InvalidParameter-class
// error; callers in asynchronous paths drop the payload rather than
// propagate it.
func DecodeHex(src string, dst []byte) (int, error) {
	if len(src)%2 != 0 {
		return 0, fmt.Errorf("hex payload has odd length %d: %w", len(src), api.ErrInvalidParam)
	}
	if len(dst) < len(src)/2 {
		return 0, fmt.Errorf("hex decode needs %d bytes, have %d: %w", len(src)/2, len(dst), api.ErrInvalidParam)
	}
	for i := 0; i < len(src); i += 2 {
		hi, ok1 := hexVal(src[i])
		lo, ok2 := hexVal(src[i+1])
		if !ok1 || !ok2 {
			return 0, fmt.Errorf("bad hex digit at offset %d: %w", i, api.ErrInvalidParam)
		}
		dst[i/2] = hi<<4 | lo
	}
	return len(src) / 2, nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}
