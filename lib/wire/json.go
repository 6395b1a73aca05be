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
	"encoding/json"
	"fmt"
	"time"
)

// JSONCodec is the conformant alternate encoding carried in websocket text
// messages. It encodes the identical schema as the binary codec: one
// variant key present per envelope.
type JSONCodec struct{}

// Name implements Codec.
func (JSONCodec) Name() string { return SubprotocolJSON }

// jsonEnvelope is the wire shape of the JSON encoding. HeartbeatInterval is
// carried in whole seconds to match the binary form.
type jsonEnvelope struct {
	Version   uint8           `json:"version,omitempty"`
	MessageID string          `json:"message_id"`
	TraceID   string          `json:"trace_id,omitempty"`
	Handshake *jsonHandshake  `json:"handshake_request,omitempty"`
	Response  *jsonHSResponse `json:"handshake_response,omitempty"`
	Heartbeat *Heartbeat      `json:"heartbeat,omitempty"`
	Command   *CommandRequest `json:"command_request,omitempty"`
	CmdResult *CommandResponse `json:"command_response,omitempty"`
	Event     *Event          `json:"event,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

type jsonHandshake = HandshakeRequest

type jsonHSResponse struct {
	Status            HandshakeStatus `json:"status"`
	HeartbeatInterval int             `json:"heartbeat_interval_sec,omitempty"`
	IssuedAPIKey      string          `json:"issued_api_key,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
}

// Encode implements Codec.
func (JSONCodec) Encode(env *Envelope) ([]byte, error) {
	version := env.Version
	if version == 0 {
		version = Version
	}
	out := jsonEnvelope{
		Version:   version,
		MessageID: env.MessageID,
		TraceID:   env.TraceID,
	}
	switch v := env.Payload.(type) {
	case *HandshakeRequest:
		out.Handshake = v
	case *HandshakeResponse:
		out.Response = &jsonHSResponse{
			Status:            v.Status,
			HeartbeatInterval: int(v.HeartbeatInterval / time.Second),
			IssuedAPIKey:      v.IssuedAPIKey,
			ErrorMessage:      v.ErrorMessage,
		}
	case *Heartbeat:
		out.Heartbeat = v
	case *CommandRequest:
		out.Command = v
	case *CommandResponse:
		out.CmdResult = v
	case *Event:
		out.Event = v
	case *Error:
		out.Error = v
	default:
		return nil, malformed(fmt.Sprintf("envelope has no payload (%T)", env.Payload))
	}
	return json.Marshal(out)
}

// Decode implements Codec.
func (JSONCodec) Decode(data []byte) (*Envelope, error) {
	var in jsonEnvelope
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, malformed(err.Error())
	}
	if in.Version > Version {
		return nil, &DecodeError{
			Code:    DecodeUnsupportedVersion,
			Message: fmt.Sprintf("envelope version %d exceeds supported %d", in.Version, Version),
		}
	}
	version := in.Version
	if version == 0 {
		version = Version
	}
	env := &Envelope{
		Version:   version,
		MessageID: in.MessageID,
		TraceID:   in.TraceID,
	}
	switch {
	case in.Handshake != nil:
		env.Payload = in.Handshake
	case in.Response != nil:
		env.Payload = &HandshakeResponse{
			Status:            in.Response.Status,
			HeartbeatInterval: time.Duration(in.Response.HeartbeatInterval) * time.Second,
			IssuedAPIKey:      in.Response.IssuedAPIKey,
			ErrorMessage:      in.Response.ErrorMessage,
		}
	case in.Heartbeat != nil:
		env.Payload = in.Heartbeat
	case in.Command != nil:
		env.Payload = in.Command
	case in.CmdResult != nil:
		env.Payload = in.CmdResult
	case in.Event != nil:
		env.Payload = in.Event
	case in.Error != nil:
		env.Payload = in.Error
	default:
		return nil, &DecodeError{Code: DecodeUnknownVariant, Message: "no payload variant present"}
	}
	return env, nil
}
