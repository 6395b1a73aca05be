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

package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gravitational/trace"

	"github.com/L4DK/unified-bot-protocol/lib/defaults"
)

// Frames are a uint32 big-endian length followed by that many payload
// bytes. Used when the data plane runs over a raw stream; websocket
// transports rely on the websocket message boundary instead.

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > defaults.MaxFrameSize {
		return trace.BadParameter("frame of %d bytes exceeds limit %d", len(payload), defaults.MaxFrameSize)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return trace.Wrap(err)
	}
	_, err := w.Write(payload)
	return trace.Wrap(err)
}

// ReadFrame reads one length-prefixed frame. Oversized frames fail with
// MalformedField without consuming the payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, trace.Wrap(err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > defaults.MaxFrameSize {
		return nil, malformed(fmt.Sprintf("frame of %d bytes exceeds limit %d", length, defaults.MaxFrameSize))
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, truncated(err.Error())
	}
	return payload, nil
}
