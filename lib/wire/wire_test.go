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
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func payloadVariants() map[string]Payload {
	return map[string]Payload{
		"handshake request": &HandshakeRequest{
			BotID:        "bot-1",
			InstanceID:   "inst-1",
			AuthToken:    "tok",
			Capabilities: []string{"message.send", "task.execute"},
		},
		"handshake response with issued key": &HandshakeResponse{
			Status:            HandshakeSuccess,
			HeartbeatInterval: 30 * time.Second,
			IssuedAPIKey:      "key-1",
		},
		"handshake response auth failed": &HandshakeResponse{
			Status:       HandshakeAuthFailed,
			ErrorMessage: "invalid authentication token",
		},
		"heartbeat": &Heartbeat{
			SentAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		"command request": &CommandRequest{
			CommandID:   "cmd-1",
			CommandName: "t.exec",
			Arguments:   []byte(`{"x":1}`),
			TimeoutSec:  30,
		},
		"command response": &CommandResponse{
			CommandID: "cmd-1",
			Status:    CommandSuccess,
			Result:    []byte(`{"y":2}`),
		},
		"command progress": &CommandResponse{
			CommandID: "cmd-1",
			Status:    CommandProgress,
			Progress:  40,
		},
		"event": &Event{
			EventName: "message.received",
			Payload:   []byte(`{"text":"hi"}`),
		},
		"error": &Error{
			Code:    "BadHandshake",
			Message: "expected handshake request",
		},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	for _, codec := range []Codec{BinaryCodec{}, JSONCodec{}} {
		for name, payload := range payloadVariants() {
			t.Run(codec.Name()+"/"+name, func(t *testing.T) {
				env := NewEnvelope(payload)
				data, err := codec.Encode(env)
				require.NoError(t, err)
				decoded, err := codec.Decode(data)
				require.NoError(t, err)
				require.Equal(t, env.MessageID, decoded.MessageID)
				require.Equal(t, env.TraceID, decoded.TraceID)
				require.Equal(t, payload, decoded.Payload)
			})
		}
	}
}

func TestBinaryUnknownFieldsSurviveRoundTrip(t *testing.T) {
	env := NewEnvelope(&Heartbeat{})
	env.Unknown = []RawField{{Tag: 200, Value: []byte("future")}}

	data, err := BinaryCodec{}.Encode(env)
	require.NoError(t, err)

	decoded, err := BinaryCodec{}.Decode(data)
	require.NoError(t, err)
	require.Equal(t, env.Unknown, decoded.Unknown)

	// forwarding unchanged reproduces the original bytes
	reencoded, err := BinaryCodec{}.Encode(decoded)
	require.NoError(t, err)
	require.Equal(t, data, reencoded)
}

func TestBinaryRejectsNewerVersion(t *testing.T) {
	env := NewEnvelope(&Heartbeat{})
	data, err := BinaryCodec{}.Encode(env)
	require.NoError(t, err)

	data[0] = Version + 1
	_, err = BinaryCodec{}.Decode(data)
	de, ok := IsDecodeError(err)
	require.True(t, ok)
	require.Equal(t, DecodeUnsupportedVersion, de.Code)
}

func TestBinaryRejectsUnknownVariant(t *testing.T) {
	var w tlvWriter
	w.buf = append(w.buf, Version)
	w.bytesField(tagMessageID, []byte("m1"))
	w.bytesField(tagPayloadKind, []byte{99})
	w.bytesField(tagPayloadBody, nil)

	_, err := BinaryCodec{}.Decode(w.buf)
	de, ok := IsDecodeError(err)
	require.True(t, ok)
	require.Equal(t, DecodeUnknownVariant, de.Code)
}

func TestBinaryRejectsTruncatedFrame(t *testing.T) {
	env := NewEnvelope(&CommandRequest{CommandID: "c", CommandName: "n"})
	data, err := BinaryCodec{}.Encode(env)
	require.NoError(t, err)

	_, err = BinaryCodec{}.Decode(data[:len(data)-3])
	de, ok := IsDecodeError(err)
	require.True(t, ok)
	require.Equal(t, DecodeTruncated, de.Code)
}

func TestJSONRejectsMissingVariant(t *testing.T) {
	_, err := JSONCodec{}.Decode([]byte(`{"message_id":"m1"}`))
	de, ok := IsDecodeError(err)
	require.True(t, ok)
	require.Equal(t, DecodeUnknownVariant, de.Code)
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello frames")
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	// forge a header claiming more than the limit
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := ReadFrame(&buf)
	de, ok := IsDecodeError(err)
	require.True(t, ok)
	require.Equal(t, DecodeMalformedField, de.Code)
}

func TestCodecFor(t *testing.T) {
	c, err := CodecFor("")
	require.NoError(t, err)
	require.Equal(t, SubprotocolBinary, c.Name())

	c, err = CodecFor(SubprotocolJSON)
	require.NoError(t, err)
	require.Equal(t, SubprotocolJSON, c.Name())

	_, err = CodecFor("ubp.v9")
	require.Error(t, err)
}
