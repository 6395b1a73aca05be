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

import "errors"

// DecodeCode classifies why a frame failed to decode.
type DecodeCode string

const (
	// DecodeTruncated means the frame ended inside a length-prefixed
	// region.
	DecodeTruncated DecodeCode = "Truncated"
	// DecodeMalformedField means a field value could not be interpreted.
	DecodeMalformedField DecodeCode = "MalformedField"
	// DecodeUnknownVariant means the payload kind tag names no known
	// variant.
	DecodeUnknownVariant DecodeCode = "UnknownVariant"
	// DecodeUnsupportedVersion means the frame's schema version exceeds
	// Version.
	DecodeUnsupportedVersion DecodeCode = "UnsupportedVersion"
)

// DecodeError is the only error type returned by Codec.Decode.
type DecodeError struct {
	Code    DecodeCode
	Message string
}

func (e *DecodeError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// IsDecodeError extracts a *DecodeError from an error chain.
func IsDecodeError(err error) (*DecodeError, bool) {
	var de *DecodeError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

func truncated(msg string) error {
	return &DecodeError{Code: DecodeTruncated, Message: msg}
}

func malformed(msg string) error {
	return &DecodeError{Code: DecodeMalformedField, Message: msg}
}
