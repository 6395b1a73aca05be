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

// Package wire defines the envelope exchanged between the orchestrator and
// connected agents, and its two conformant encodings: a length-prefixed
// binary TLV form (canonical) and a JSON form carried over websocket text
// messages. A connection speaks exactly one encoding, chosen at handshake
// time, and never mixes them.
package wire

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the maximum schema version this codec understands. Frames with
// a greater version are refused with UnsupportedVersion.
const Version = 1

// Kind tags the payload variant carried by an envelope.
type Kind uint8

const (
	KindHandshakeRequest  Kind = 1
	KindHandshakeResponse Kind = 2
	KindHeartbeat         Kind = 3
	KindCommandRequest    Kind = 4
	KindCommandResponse   Kind = 5
	KindEvent             Kind = 6
	KindError             Kind = 7
)

// String returns the snake_case name used in logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindHandshakeRequest:
		return "handshake_request"
	case KindHandshakeResponse:
		return "handshake_response"
	case KindHeartbeat:
		return "heartbeat"
	case KindCommandRequest:
		return "command_request"
	case KindCommandResponse:
		return "command_response"
	case KindEvent:
		return "event"
	case KindError:
		return "error"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Payload is implemented by exactly the seven envelope variants.
type Payload interface {
	Kind() Kind
}

// RawField is an unrecognized TLV field preserved across a decode/encode
// round trip. The core never interprets or mutates these.
type RawField struct {
	Tag   uint8
	Value []byte
}

// Envelope is the wire-level unit. MessageID is unique per connection and
// used for retry idempotency; TraceID is preserved verbatim on every
// causally derived message.
type Envelope struct {
	Version   uint8
	MessageID string
	TraceID   string
	Payload   Payload
	// Unknown holds top-level fields from newer schema revisions. They
	// survive round trips unchanged.
	Unknown []RawField
}

// NewEnvelope wraps a payload with fresh message and trace ids.
func NewEnvelope(p Payload) *Envelope {
	return &Envelope{
		Version:   Version,
		MessageID: uuid.NewString(),
		TraceID:   uuid.NewString(),
		Payload:   p,
	}
}

// Derived wraps a payload with a fresh message id but the trace id of the
// inbound envelope it was caused by.
func Derived(traceID string, p Payload) *Envelope {
	return &Envelope{
		Version:   Version,
		MessageID: uuid.NewString(),
		TraceID:   traceID,
		Payload:   p,
	}
}

// HandshakeStatus is the outcome field of a HandshakeResponse.
type HandshakeStatus string

const (
	HandshakeSuccess    HandshakeStatus = "SUCCESS"
	HandshakeAuthFailed HandshakeStatus = "AUTH_FAILED"
)

// HandshakeRequest must be the first frame sent by a connecting agent.
// AuthToken is either the one-time registration token (first connection) or
// the long-lived API key.
type HandshakeRequest struct {
	BotID        string   `json:"bot_id"`
	InstanceID   string   `json:"instance_id"`
	AuthToken    string   `json:"auth_token"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (*HandshakeRequest) Kind() Kind { return KindHandshakeRequest }

// HandshakeResponse is the first frame sent by the orchestrator. On a
// successful one-time-token handshake IssuedAPIKey carries the freshly
// minted long-lived key; every other success omits it.
type HandshakeResponse struct {
	Status            HandshakeStatus `json:"status"`
	HeartbeatInterval time.Duration   `json:"heartbeat_interval_sec"`
	IssuedAPIKey      string          `json:"issued_api_key,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
}

func (*HandshakeResponse) Kind() Kind { return KindHandshakeResponse }

// Heartbeat is the agent liveness signal.
type Heartbeat struct {
	SentAt time.Time `json:"sent_at,omitempty"`
}

func (*Heartbeat) Kind() Kind { return KindHeartbeat }

// CommandRequest directs a command at the receiving instance. Arguments are
// opaque to the core; their schema belongs to the command.
type CommandRequest struct {
	CommandID   string `json:"command_id"`
	CommandName string `json:"command_name"`
	Arguments   []byte `json:"arguments,omitempty"`
	// TimeoutSec advises the agent of the caller's deadline.
	TimeoutSec int `json:"timeout_sec,omitempty"`
}

func (*CommandRequest) Kind() Kind { return KindCommandRequest }

// CommandStatus is the outcome field of a CommandResponse.
type CommandStatus string

const (
	CommandSuccess          CommandStatus = "SUCCESS"
	CommandExecutionError   CommandStatus = "EXECUTION_ERROR"
	CommandInvalidArguments CommandStatus = "INVALID_ARGUMENTS"
	// CommandProgress is a non-terminal partial response carrying only a
	// progress update; the waiter stays registered.
	CommandProgress CommandStatus = "PROGRESS"
)

// CommandResponse correlates back to a CommandRequest by CommandID.
type CommandResponse struct {
	CommandID    string        `json:"command_id"`
	Status       CommandStatus `json:"status"`
	Result       []byte        `json:"result,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Progress     int           `json:"progress,omitempty"`
}

func (*CommandResponse) Kind() Kind { return KindCommandResponse }

// Event is an unsolicited notification from an instance.
type Event struct {
	EventName string `json:"event_name"`
	Payload   []byte `json:"payload,omitempty"`
}

func (*Event) Kind() Kind { return KindEvent }

// Error reports a protocol-level failure to the peer, after which the
// sender closes the connection.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (*Error) Kind() Kind { return KindError }

// IngressPolicy is a hook run against every decoded inbound envelope before
// it reaches the session state machine. The default policy accepts
// everything; deployments that require per-envelope signatures install
// their own.
type IngressPolicy interface {
	Verify(*Envelope) error
}

// Codec translates between envelopes and frame payload bytes.
type Codec interface {
	// Encode is total for structurally valid envelopes.
	Encode(*Envelope) ([]byte, error)
	// Decode fails with a *DecodeError.
	Decode([]byte) (*Envelope, error)
	// Name is the websocket subprotocol identifier of this encoding.
	Name() string
}

// Subprotocol names used during websocket negotiation.
const (
	SubprotocolBinary = "ubp.v1"
	SubprotocolJSON   = "ubp.v1+json"
)

// CodecFor returns the codec matching a negotiated subprotocol. An empty
// name selects the canonical binary codec.
func CodecFor(subprotocol string) (Codec, error) {
	switch subprotocol {
	case "", SubprotocolBinary:
		return BinaryCodec{}, nil
	case SubprotocolJSON:
		return JSONCodec{}, nil
	}
	return nil, &DecodeError{Code: DecodeUnsupportedVersion, Message: fmt.Sprintf("unsupported subprotocol %q", subprotocol)}
}
