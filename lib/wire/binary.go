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
	"time"

	"github.com/gravitational/trace"
)

// Binary layout of a frame payload:
//
//	byte 0        schema version
//	repeated      (tag uint8, length uvarint, value)
//
// Top-level tags 1-4 are the envelope header; the payload body (tag 4) is
// itself a TLV stream whose tags belong to the variant. Unknown top-level
// tags are preserved for round-trip; unknown tags inside a payload body are
// skipped.
const (
	tagMessageID   = 1
	tagTraceID     = 2
	tagPayloadKind = 3
	tagPayloadBody = 4
)

// BinaryCodec is the canonical TLV encoding.
type BinaryCodec struct{}

// Name implements Codec.
func (BinaryCodec) Name() string { return SubprotocolBinary }

// Encode implements Codec. It never fails for a structurally valid
// envelope.
func (BinaryCodec) Encode(env *Envelope) ([]byte, error) {
	if env.Payload == nil {
		return nil, trace.BadParameter("envelope has no payload")
	}
	version := env.Version
	if version == 0 {
		version = Version
	}
	var w tlvWriter
	w.buf = append(w.buf, version)
	w.bytesField(tagMessageID, []byte(env.MessageID))
	w.bytesField(tagTraceID, []byte(env.TraceID))
	w.bytesField(tagPayloadKind, []byte{byte(env.Payload.Kind())})
	w.bytesField(tagPayloadBody, encodePayload(env.Payload))
	for _, f := range env.Unknown {
		w.bytesField(f.Tag, f.Value)
	}
	return w.buf, nil
}

// Decode implements Codec.
func (BinaryCodec) Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, truncated("empty frame")
	}
	if data[0] > Version {
		return nil, &DecodeError{
			Code:    DecodeUnsupportedVersion,
			Message: fmt.Sprintf("frame version %d exceeds supported %d", data[0], Version),
		}
	}
	env := &Envelope{Version: data[0]}
	var kind Kind
	var body []byte
	var sawKind bool
	r := tlvReader{buf: data[1:]}
	for !r.done() {
		tag, value, err := r.field()
		if err != nil {
			return nil, err
		}
		switch tag {
		case tagMessageID:
			env.MessageID = string(value)
		case tagTraceID:
			env.TraceID = string(value)
		case tagPayloadKind:
			if len(value) != 1 {
				return nil, malformed("payload kind must be a single byte")
			}
			kind = Kind(value[0])
			sawKind = true
		case tagPayloadBody:
			body = value
		default:
			env.Unknown = append(env.Unknown, RawField{Tag: tag, Value: value})
		}
	}
	if !sawKind {
		return nil, malformed("missing payload kind")
	}
	payload, err := decodePayload(kind, body)
	if err != nil {
		return nil, err
	}
	env.Payload = payload
	return env, nil
}

type tlvWriter struct {
	buf []byte
}

func (w *tlvWriter) bytesField(tag uint8, value []byte) {
	w.buf = append(w.buf, tag)
	w.buf = binary.AppendUvarint(w.buf, uint64(len(value)))
	w.buf = append(w.buf, value...)
}

func (w *tlvWriter) stringField(tag uint8, value string) {
	if value != "" {
		w.bytesField(tag, []byte(value))
	}
}

func (w *tlvWriter) uintField(tag uint8, value uint64) {
	if value != 0 {
		w.bytesField(tag, binary.AppendUvarint(nil, value))
	}
}

func (w *tlvWriter) stringsField(tag uint8, values []string) {
	// length-prefixed list elements inside a single field
	var inner []byte
	for _, v := range values {
		inner = binary.AppendUvarint(inner, uint64(len(v)))
		inner = append(inner, v...)
	}
	if len(values) != 0 {
		w.bytesField(tag, inner)
	}
}

type tlvReader struct {
	buf []byte
	off int
}

func (r *tlvReader) done() bool { return r.off >= len(r.buf) }

func (r *tlvReader) field() (uint8, []byte, error) {
	tag := r.buf[r.off]
	r.off++
	length, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, nil, malformed(fmt.Sprintf("bad length varint for tag %d", tag))
	}
	r.off += n
	if length > uint64(len(r.buf)-r.off) {
		return 0, nil, truncated(fmt.Sprintf("field %d length %d exceeds remaining %d", tag, length, len(r.buf)-r.off))
	}
	value := r.buf[r.off : r.off+int(length)]
	r.off += int(length)
	return tag, value, nil
}

func decodeStrings(value []byte) ([]string, error) {
	var out []string
	off := 0
	for off < len(value) {
		length, n := binary.Uvarint(value[off:])
		if n <= 0 {
			return nil, malformed("bad list element length")
		}
		off += n
		if length > uint64(len(value)-off) {
			return nil, truncated("list element exceeds field")
		}
		out = append(out, string(value[off:off+int(length)]))
		off += int(length)
	}
	return out, nil
}

func decodeUint(value []byte) (uint64, error) {
	v, n := binary.Uvarint(value)
	if n <= 0 || n != len(value) {
		return 0, malformed("bad uvarint field")
	}
	return v, nil
}

// Per-variant body tags. Tag numbering restarts inside every variant.
const (
	hsReqBotID        = 1
	hsReqInstanceID   = 2
	hsReqAuthToken    = 3
	hsReqCapabilities = 4

	hsRespStatus       = 1
	hsRespInterval     = 2
	hsRespIssuedAPIKey = 3
	hsRespErrorMessage = 4

	heartbeatSentAt = 1

	cmdReqCommandID   = 1
	cmdReqCommandName = 2
	cmdReqArguments   = 3
	cmdReqTimeoutSec  = 4

	cmdRespCommandID    = 1
	cmdRespStatus       = 2
	cmdRespResult       = 3
	cmdRespErrorMessage = 4
	cmdRespProgress     = 5

	eventName    = 1
	eventPayload = 2

	errorCode    = 1
	errorMessage = 2
)

func encodePayload(p Payload) []byte {
	var w tlvWriter
	switch v := p.(type) {
	case *HandshakeRequest:
		w.stringField(hsReqBotID, v.BotID)
		w.stringField(hsReqInstanceID, v.InstanceID)
		w.stringField(hsReqAuthToken, v.AuthToken)
		w.stringsField(hsReqCapabilities, v.Capabilities)
	case *HandshakeResponse:
		w.stringField(hsRespStatus, string(v.Status))
		w.uintField(hsRespInterval, uint64(v.HeartbeatInterval/time.Second))
		w.stringField(hsRespIssuedAPIKey, v.IssuedAPIKey)
		w.stringField(hsRespErrorMessage, v.ErrorMessage)
	case *Heartbeat:
		if !v.SentAt.IsZero() {
			w.uintField(heartbeatSentAt, uint64(v.SentAt.UnixMilli()))
		}
	case *CommandRequest:
		w.stringField(cmdReqCommandID, v.CommandID)
		w.stringField(cmdReqCommandName, v.CommandName)
		if len(v.Arguments) != 0 {
			w.bytesField(cmdReqArguments, v.Arguments)
		}
		w.uintField(cmdReqTimeoutSec, uint64(v.TimeoutSec))
	case *CommandResponse:
		w.stringField(cmdRespCommandID, v.CommandID)
		w.stringField(cmdRespStatus, string(v.Status))
		if len(v.Result) != 0 {
			w.bytesField(cmdRespResult, v.Result)
		}
		w.stringField(cmdRespErrorMessage, v.ErrorMessage)
		w.uintField(cmdRespProgress, uint64(v.Progress))
	case *Event:
		w.stringField(eventName, v.EventName)
		if len(v.Payload) != 0 {
			w.bytesField(eventPayload, v.Payload)
		}
	case *Error:
		w.stringField(errorCode, v.Code)
		w.stringField(errorMessage, v.Message)
	}
	return w.buf
}

func decodePayload(kind Kind, body []byte) (Payload, error) {
	r := tlvReader{buf: body}
	switch kind {
	case KindHandshakeRequest:
		v := &HandshakeRequest{}
		for !r.done() {
			tag, value, err := r.field()
			if err != nil {
				return nil, err
			}
			switch tag {
			case hsReqBotID:
				v.BotID = string(value)
			case hsReqInstanceID:
				v.InstanceID = string(value)
			case hsReqAuthToken:
				v.AuthToken = string(value)
			case hsReqCapabilities:
				caps, err := decodeStrings(value)
				if err != nil {
					return nil, err
				}
				v.Capabilities = caps
			}
		}
		return v, nil
	case KindHandshakeResponse:
		v := &HandshakeResponse{}
		for !r.done() {
			tag, value, err := r.field()
			if err != nil {
				return nil, err
			}
			switch tag {
			case hsRespStatus:
				v.Status = HandshakeStatus(value)
			case hsRespInterval:
				secs, err := decodeUint(value)
				if err != nil {
					return nil, err
				}
				v.HeartbeatInterval = time.Duration(secs) * time.Second
			case hsRespIssuedAPIKey:
				v.IssuedAPIKey = string(value)
			case hsRespErrorMessage:
				v.ErrorMessage = string(value)
			}
		}
		return v, nil
	case KindHeartbeat:
		v := &Heartbeat{}
		for !r.done() {
			tag, value, err := r.field()
			if err != nil {
				return nil, err
			}
			if tag == heartbeatSentAt {
				ms, err := decodeUint(value)
				if err != nil {
					return nil, err
				}
				v.SentAt = time.UnixMilli(int64(ms)).UTC()
			}
		}
		return v, nil
	case KindCommandRequest:
		v := &CommandRequest{}
		for !r.done() {
			tag, value, err := r.field()
			if err != nil {
				return nil, err
			}
			switch tag {
			case cmdReqCommandID:
				v.CommandID = string(value)
			case cmdReqCommandName:
				v.CommandName = string(value)
			case cmdReqArguments:
				v.Arguments = append([]byte(nil), value...)
			case cmdReqTimeoutSec:
				secs, err := decodeUint(value)
				if err != nil {
					return nil, err
				}
				v.TimeoutSec = int(secs)
			}
		}
		return v, nil
	case KindCommandResponse:
		v := &CommandResponse{}
		for !r.done() {
			tag, value, err := r.field()
			if err != nil {
				return nil, err
			}
			switch tag {
			case cmdRespCommandID:
				v.CommandID = string(value)
			case cmdRespStatus:
				v.Status = CommandStatus(value)
			case cmdRespResult:
				v.Result = append([]byte(nil), value...)
			case cmdRespErrorMessage:
				v.ErrorMessage = string(value)
			case cmdRespProgress:
				p, err := decodeUint(value)
				if err != nil {
					return nil, err
				}
				v.Progress = int(p)
			}
		}
		return v, nil
	case KindEvent:
		v := &Event{}
		for !r.done() {
			tag, value, err := r.field()
			if err != nil {
				return nil, err
			}
			switch tag {
			case eventName:
				v.EventName = string(value)
			case eventPayload:
				v.Payload = append([]byte(nil), value...)
			}
		}
		return v, nil
	case KindError:
		v := &Error{}
		for !r.done() {
			tag, value, err := r.field()
			if err != nil {
				return nil, err
			}
			switch tag {
			case errorCode:
				v.Code = string(value)
			case errorMessage:
				v.Message = string(value)
			}
		}
		return v, nil
	}
	return nil, &DecodeError{
		Code:    DecodeUnknownVariant,
		Message: fmt.Sprintf("unknown payload kind %d", uint8(kind)),
	}
}
